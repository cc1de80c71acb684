package daemon

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkbridge/mkbridge/internal/model"
	"github.com/mkbridge/mkbridge/internal/uds"
)

type pingResponse struct {
	Status    string  `json:"status"`
	Project   string  `json:"project,omitempty"`
	Targets   int     `json:"targets"`
	Exposed   int     `json:"exposed"`
	Session   string  `json:"session"`
	UptimeSec float64 `json:"uptime_sec"`
}

type targetEntry struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Category     string   `json:"category,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type targetGroup struct {
	Category string        `json:"category,omitempty"`
	Targets  []targetEntry `json:"targets"`
}

type listTargetsResponse struct {
	Makefile string        `json:"makefile"`
	Groups   []targetGroup `json:"groups"`
}

type runTargetParams struct {
	Target     string            `json:"target"`
	Variables  map[string]string `json:"variables,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

type runTargetResponse struct {
	RunID        string  `json:"run_id"`
	Target       string  `json:"target"`
	Status       string  `json:"status"`
	ExitCode     *int    `json:"exit_code,omitempty"`
	Output       string  `json:"output"`
	DurationSec  float64 `json:"duration_sec"`
	ArtifactPath string  `json:"artifact_path,omitempty"`
}

type reloadResponse struct {
	Status  string `json:"status"`
	Targets int    `json:"targets"`
	Exposed int    `json:"exposed"`
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", d.handlePing)
	d.server.Handle("list_targets", d.handleListTargets)
	d.server.Handle("reload", d.handleReload)

	// A run may legitimately outlast any fixed connection deadline; its
	// own wall-clock timeout bounds it instead.
	d.server.HandleWithTimeout("run_target", d.handleRunTarget, 0)

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handlePing(req *uds.Request) *uds.Response {
	total, exposed := d.catalog.Load().Size()
	return uds.SuccessResponse(pingResponse{
		Status:    "ok",
		Project:   d.config.Project.Name,
		Targets:   total,
		Exposed:   exposed,
		Session:   d.session,
		UptimeSec: time.Since(d.startedAt).Seconds(),
	})
}

func (d *Daemon) handleListTargets(req *uds.Request) *uds.Response {
	cat := d.catalog.Load()

	resp := listTargetsResponse{Makefile: d.makefilePath}
	for _, g := range cat.Groups() {
		group := targetGroup{Category: g.Category}
		for _, t := range g.Targets {
			group.Targets = append(group.Targets, targetEntry{
				Name:         t.Name,
				Description:  t.Description,
				Category:     t.Category,
				Dependencies: t.Dependencies,
			})
		}
		resp.Groups = append(resp.Groups, group)
	}
	return uds.SuccessResponse(resp)
}

func (d *Daemon) handleRunTarget(req *uds.Request) *uds.Response {
	select {
	case <-d.ctx.Done():
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, "daemon is shutting down")
	default:
	}

	var params runTargetParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid run_target params: %v", err))
		}
	}
	if params.Target == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "target is required")
	}
	if params.TimeoutSec < 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("timeout_sec must be positive, got %d", params.TimeoutSec))
	}

	result := d.runner.Execute(d.ctx, model.Request{
		Target:    params.Target,
		Variables: params.Variables,
		Timeout:   time.Duration(params.TimeoutSec) * time.Second,
	})
	processed := d.outputs.Process(result.Target, result.Output)

	resp := runTargetResponse{
		RunID:        result.RunID,
		Target:       result.Target,
		Status:       string(result.Status),
		Output:       processed.Text,
		DurationSec:  result.Duration.Seconds(),
		ArtifactPath: processed.ArtifactPath,
	}
	if result.Status.HasExitCode() {
		code := result.ExitCode
		resp.ExitCode = &code
	}
	return uds.SuccessResponse(resp)
}

func (d *Daemon) handleReload(req *uds.Request) *uds.Response {
	cat, err := d.reload()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("reload failed: %v", err))
	}
	total, exposed := cat.Size()
	return uds.SuccessResponse(reloadResponse{
		Status:  "reloaded",
		Targets: total,
		Exposed: exposed,
	})
}
