// Package engine runs allow-listed Makefile targets as supervised child
// processes with wall-clock timeouts.
//
// Every invocation produces exactly one Result; rejection, spawn failure,
// non-zero exit, and timeout are all terminal statuses, never errors across
// this boundary.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/mkbridge/mkbridge/internal/catalog"
	"github.com/mkbridge/mkbridge/internal/events"
	"github.com/mkbridge/mkbridge/internal/model"
)

var validVariableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Gatekeeper authorizes target names before any process is spawned.
type Gatekeeper interface {
	Lookup(name string) (model.Target, catalog.Disposition)
}

// Runner executes make targets. Safe for concurrent use; each run owns its
// own process, buffer, and timer.
type Runner struct {
	// Makefile is the path passed to make via -f.
	Makefile string
	// Dir is the working directory for spawned processes. Empty means the
	// Makefile's directory.
	Dir string
	// MakeBinary overrides the make executable, mainly for tests.
	MakeBinary string
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout time.Duration
	// MaxTimeout is advisory: longer requests are accepted with a warning.
	MaxTimeout time.Duration
	// Gate authorizes targets. Required.
	Gate Gatekeeper
	// Bus receives progress events. Optional; a nil bus drops them.
	Bus *events.Bus
	// Logger receives diagnostics. Optional.
	Logger *log.Logger
}

// Run is the handle for one in-flight invocation.
type Run struct {
	ID     string
	Target string

	done   chan struct{}
	result model.Result
}

// Done is closed when the run reaches its terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes and returns its Result.
func (r *Run) Wait() model.Result {
	<-r.done
	return r.result
}

// Execute runs the request to completion.
func (r *Runner) Execute(ctx context.Context, req model.Request) model.Result {
	return r.Start(ctx, req).Wait()
}

// Start begins executing the request and returns immediately with a handle.
func (r *Runner) Start(ctx context.Context, req model.Request) *Run {
	runID, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		runID = "run_unknown"
	}
	run := &Run{ID: runID, Target: req.Target, done: make(chan struct{})}

	go func() {
		defer close(run.done)
		run.result = r.execute(ctx, run, req)
	}()
	return run
}

func (r *Runner) execute(ctx context.Context, run *Run, req model.Request) model.Result {
	result := model.Result{RunID: run.ID, Target: req.Target}
	start := time.Now()

	target, disp := r.Gate.Lookup(req.Target)
	switch disp {
	case catalog.NotFound:
		result.Status = model.RunNotFound
		result.Output = fmt.Sprintf("target %q not found", req.Target)
		return result
	case catalog.NotAllowed:
		result.Status = model.RunNotAllowed
		result.Output = fmt.Sprintf("target %q is not allowed for remote invocation", req.Target)
		return result
	}

	if !model.ValidTargetName(target.Name) {
		result.Status = model.RunNotAllowed
		result.Output = fmt.Sprintf("target %q has an invalid name", req.Target)
		return result
	}

	args, err := r.buildArgs(target.Name, req.Variables)
	if err != nil {
		result.Status = model.RunFailed
		result.ExitCode = -1
		result.Output = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	if r.MaxTimeout > 0 && timeout > r.MaxTimeout {
		r.logf("run %s: timeout %s exceeds configured maximum %s", run.ID, timeout, r.MaxTimeout)
	}

	makeBinary := r.MakeBinary
	if makeBinary == "" {
		makeBinary = "make"
	}

	cmd := exec.Command(makeBinary, args...)
	cmd.Dir = r.workDir(req.Dir)
	cmd.Env = os.Environ()
	// New process group so the whole tree can be reaped on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// One writer for both streams keeps chronological interleaving; os/exec
	// serializes writes when Stdout and Stderr are the same writer.
	sink := &outputSink{runner: r, runID: run.ID, target: target.Name, ready: make(chan struct{})}
	cmd.Stdout = sink
	cmd.Stderr = sink

	if err := cmd.Start(); err != nil {
		result.Status = model.RunFailed
		result.ExitCode = -1
		result.Output = fmt.Sprintf("failed to start %s: %v", makeBinary, err)
		result.Duration = time.Since(start)
		r.publish(events.EventRunFailed, run.ID, target.Name, map[string]interface{}{"error": err.Error()})
		return result
	}

	r.publish(events.EventRunStarted, run.ID, target.Name, map[string]interface{}{
		"timeout_sec": int(timeout / time.Second),
		"pid":         cmd.Process.Pid,
	})
	// Output chunks may arrive as soon as Start returns; hold their
	// publication until the started event is out so per-run ordering holds.
	close(sink.ready)
	r.logf("run %s: started target=%s pid=%d timeout=%s", run.ID, target.Name, cmd.Process.Pid, timeout)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		r.killGroup(cmd)
		<-done
		result.Status = model.RunTimedOut
		result.Output = sink.String()
		result.Duration = time.Since(start)
		r.logf("run %s: timed out after %s", run.ID, timeout)
		r.publish(events.EventRunTimedOut, run.ID, target.Name, map[string]interface{}{
			"timeout_sec":  int(timeout / time.Second),
			"duration_sec": result.Duration.Seconds(),
		})
		return result
	case <-ctx.Done():
		r.killGroup(cmd)
		<-done
		result.Status = model.RunFailed
		result.ExitCode = -1
		result.Output = sink.String() + "\nexecution cancelled"
		result.Duration = time.Since(start)
		r.publish(events.EventRunFailed, run.ID, target.Name, map[string]interface{}{"error": "cancelled"})
		return result
	}

	result.Output = sink.String()
	result.Duration = time.Since(start)

	if waitErr == nil {
		result.Status = model.RunSucceeded
		result.ExitCode = 0
		r.logf("run %s: completed exit=0 duration=%.2fs", run.ID, result.Duration.Seconds())
		r.publish(events.EventRunCompleted, run.ID, target.Name, map[string]interface{}{
			"exit_code":    0,
			"duration_sec": result.Duration.Seconds(),
		})
		return result
	}

	result.Status = model.RunFailed
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else {
		result.ExitCode = -1
	}
	r.logf("run %s: failed exit=%d duration=%.2fs", run.ID, result.ExitCode, result.Duration.Seconds())
	r.publish(events.EventRunFailed, run.ID, target.Name, map[string]interface{}{
		"exit_code":    result.ExitCode,
		"duration_sec": result.Duration.Seconds(),
	})
	return result
}

// buildArgs assembles the make argv: -f makefile, the target, then variable
// overrides as KEY=VALUE in sorted key order.
func (r *Runner) buildArgs(target string, variables map[string]string) ([]string, error) {
	args := []string{"-f", r.Makefile, target}

	keys := make([]string, 0, len(variables))
	for k := range variables {
		if !validVariableName.MatchString(k) {
			return nil, fmt.Errorf("invalid variable name %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k+"="+variables[k])
	}
	return args, nil
}

func (r *Runner) workDir(override string) string {
	if override != "" {
		return override
	}
	if r.Dir != "" {
		return r.Dir
	}
	return filepath.Dir(r.Makefile)
}

// killGroup SIGKILLs the process group so descendants do not outlive a
// timed-out run.
func (r *Runner) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		// Process group already gone or unavailable; fall back to the
		// direct child.
		_ = cmd.Process.Kill()
	}
}

func (r *Runner) publish(et events.EventType, runID, target string, data map[string]interface{}) {
	if r.Bus != nil {
		r.Bus.Publish(et, runID, target, data)
	}
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf("[engine] "+format, args...)
	}
}

// outputSink collects merged stdout/stderr and republishes each chunk as a
// progress event. Chunk events wait for ready so they never precede the
// run's started event.
type outputSink struct {
	runner *Runner
	runID  string
	target string
	ready  chan struct{}

	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *outputSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.buf.Write(p)
	s.mu.Unlock()

	<-s.ready
	s.runner.publish(events.EventRunOutput, s.runID, s.target, map[string]interface{}{
		"chunk": string(p),
	})
	return len(p), nil
}

func (s *outputSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
