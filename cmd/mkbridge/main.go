package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkbridge/mkbridge/internal/daemon"
	"github.com/mkbridge/mkbridge/internal/lock"
	"github.com/mkbridge/mkbridge/internal/model"
	"github.com/mkbridge/mkbridge/internal/preview"
	"github.com/mkbridge/mkbridge/internal/uds"
)

const version = "1.0.0"

const configFileName = "mkbridge.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "preview":
		runPreview(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "targets":
		runTargets(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "reload":
		runReload(os.Args[2:])
	case "down":
		runDown(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("mkbridge %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	for _, a := range args {
		switch a {
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: mkbridge serve\n", a)
			os.Exit(1)
		}
	}

	projectDir := findProjectDir()
	if projectDir == "" {
		fmt.Fprintln(os.Stderr, "error: no Makefile or mkbridge.yaml found in this directory or any parent")
		os.Exit(1)
	}

	cfg, err := loadConfig(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	bridgeDir := filepath.Join(projectDir, ".mkbridge")
	if err := os.MkdirAll(bridgeDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", bridgeDir, err)
		os.Exit(1)
	}

	d, err := daemon.New(bridgeDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runPreview(args []string) {
	jsonOutput := false
	makefilePath := ""
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			if strings.HasPrefix(a, "-") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: mkbridge preview [makefile] [--json]\n", a)
				os.Exit(1)
			}
			makefilePath = a
		}
	}

	makefilePath, allowed := resolveMakefile(makefilePath)
	if err := preview.Run(makefilePath, allowed, jsonOutput, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "preview: %v\n", err)
		os.Exit(1)
	}
}

func runList(args []string) {
	makefilePath := ""
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: mkbridge list [makefile]\n", a)
			os.Exit(1)
		}
		makefilePath = a
	}

	makefilePath, allowed := resolveMakefile(makefilePath)
	if err := preview.List(makefilePath, allowed, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		os.Exit(1)
	}
}

func runTargets(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: mkbridge targets [--json]\n", a)
			os.Exit(1)
		}
	}

	client := dialDaemon()
	resp, err := client.SendCommand("list_targets", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "targets: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "targets: %s: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(resp.Data)
		return
	}

	var data struct {
		Makefile string `json:"makefile"`
		Groups   []struct {
			Category string `json:"category"`
			Targets  []struct {
				Name         string   `json:"name"`
				Description  string   `json:"description"`
				Dependencies []string `json:"dependencies"`
			} `json:"targets"`
		} `json:"groups"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		fmt.Fprintf(os.Stderr, "targets: parse response: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Makefile: %s\n", data.Makefile)
	for _, g := range data.Groups {
		category := g.Category
		if category == "" {
			category = "Uncategorized"
		}
		fmt.Printf("\n%s:\n", category)
		for _, t := range g.Targets {
			line := fmt.Sprintf("  %-20s %s", t.Name, t.Description)
			if len(t.Dependencies) > 0 {
				line += fmt.Sprintf(" (depends on: %s)", strings.Join(t.Dependencies, ", "))
			}
			fmt.Println(line)
		}
	}
}

func runRun(args []string) {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, "usage: mkbridge run <target> [--var KEY=VALUE]... [--timeout SECONDS] [--json]")
		os.Exit(1)
	}

	target := args[0]
	rest := args[1:]

	jsonOutput := false
	timeoutSec := 0
	variables := map[string]string{}

	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--json":
			jsonOutput = true
		case "--var":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--var requires a KEY=VALUE value")
				os.Exit(1)
			}
			i++
			key, value, ok := strings.Cut(rest[i], "=")
			if !ok || key == "" {
				fmt.Fprintf(os.Stderr, "invalid --var value: %s (expected KEY=VALUE)\n", rest[i])
				os.Exit(1)
			}
			variables[key] = value
		case "--timeout":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--timeout requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(rest[i])
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "invalid --timeout value: %s\n", rest[i])
				os.Exit(1)
			}
			timeoutSec = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: mkbridge run <target> [--var KEY=VALUE]... [--timeout SECONDS] [--json]\n", rest[i])
			os.Exit(1)
		}
	}

	params := map[string]any{"target": target}
	if len(variables) > 0 {
		params["variables"] = variables
	}
	if timeoutSec > 0 {
		params["timeout_sec"] = timeoutSec
	}

	client := dialDaemon()
	// The run is bounded by its own wall-clock timeout, not by the
	// client connection.
	resp, err := client.SendCommandTimeout("run_target", params, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "run: %s: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(resp.Data)
	}

	var data struct {
		RunID        string  `json:"run_id"`
		Status       string  `json:"status"`
		ExitCode     *int    `json:"exit_code"`
		Output       string  `json:"output"`
		DurationSec  float64 `json:"duration_sec"`
		ArtifactPath string  `json:"artifact_path"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		fmt.Fprintf(os.Stderr, "run: parse response: %v\n", err)
		os.Exit(1)
	}

	if !jsonOutput {
		if data.Output != "" {
			fmt.Print(data.Output)
			if !strings.HasSuffix(data.Output, "\n") {
				fmt.Println()
			}
		}
		if data.Status != "succeeded" {
			fmt.Fprintf(os.Stderr, "run %s: %s (%.2fs)\n", target, data.Status, data.DurationSec)
		}
	}

	switch data.Status {
	case "succeeded":
	case "failed":
		if data.ExitCode != nil && *data.ExitCode > 0 {
			os.Exit(*data.ExitCode)
		}
		os.Exit(1)
	default:
		os.Exit(1)
	}
}

func runReload(_ []string) {
	client := dialDaemon()
	resp, err := client.SendCommand("reload", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reload: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "reload: %s: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}

	var data struct {
		Targets int `json:"targets"`
		Exposed int `json:"exposed"`
	}
	if err := json.Unmarshal(resp.Data, &data); err == nil {
		fmt.Printf("Reloaded: %d targets, %d exposed\n", data.Targets, data.Exposed)
	}
}

func runDown(_ []string) {
	client := dialDaemon()
	resp, err := client.SendCommand("shutdown", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "down: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "down: %s: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}
	fmt.Println("Shutdown requested")
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: mkbridge status [--json]\n", a)
			os.Exit(1)
		}
	}

	bridgeDir := findBridgeDir()
	if bridgeDir == "" {
		fmt.Fprintln(os.Stderr, "error: .mkbridge/ directory not found. Run 'mkbridge serve' first.")
		os.Exit(1)
	}

	client := uds.NewClient(filepath.Join(bridgeDir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)
	resp, err := client.SendCommand("ping", nil)
	if err != nil {
		if jsonOutput {
			fmt.Println(`{"running": false}`)
		} else {
			fmt.Println("Daemon: not running")
		}
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "status: %s: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}

	var data struct {
		Project   string  `json:"project"`
		Targets   int     `json:"targets"`
		Exposed   int     `json:"exposed"`
		Session   string  `json:"session"`
		UptimeSec float64 `json:"uptime_sec"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		fmt.Fprintf(os.Stderr, "status: parse response: %v\n", err)
		os.Exit(1)
	}

	pid, _ := lock.ReadPID(filepath.Join(bridgeDir, "locks", "daemon.lock"))

	if jsonOutput {
		out := map[string]any{
			"running":    true,
			"pid":        pid,
			"targets":    data.Targets,
			"exposed":    data.Exposed,
			"session":    data.Session,
			"uptime_sec": data.UptimeSec,
		}
		if data.Project != "" {
			out["project"] = data.Project
		}
		encoded, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(encoded))
		return
	}

	fmt.Println("Daemon: running")
	if data.Project != "" {
		fmt.Printf("Project: %s\n", data.Project)
	}
	if pid > 0 {
		fmt.Printf("PID: %d\n", pid)
	}
	fmt.Printf("Uptime: %s\n", (time.Duration(data.UptimeSec) * time.Second).String())
	fmt.Printf("Targets: %d (%d exposed)\n", data.Targets, data.Exposed)
}

// dialDaemon locates .mkbridge/ and returns a connected-on-demand client.
func dialDaemon() *uds.Client {
	bridgeDir := findBridgeDir()
	if bridgeDir == "" {
		fmt.Fprintln(os.Stderr, "error: .mkbridge/ directory not found. Run 'mkbridge serve' first.")
		os.Exit(1)
	}
	return uds.NewClient(filepath.Join(bridgeDir, uds.DefaultSocketName))
}

// findBridgeDir searches for .mkbridge/ in the current directory and ancestors.
func findBridgeDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".mkbridge")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// findProjectDir searches for mkbridge.yaml or a Makefile in the current
// directory and ancestors.
func findProjectDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, configFileName)); err == nil {
			return dir
		}
		if _, err := os.Stat(filepath.Join(dir, "Makefile")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadConfig reads mkbridge.yaml from projectDir. A missing file yields the
// defaults; a malformed or invalid one is an error.
func loadConfig(projectDir string) (model.Config, error) {
	cfg := model.Config{}
	data, err := os.ReadFile(filepath.Join(projectDir, configFileName))
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return model.Config{}, fmt.Errorf("parse %s: %w", configFileName, err)
		}
	} else if !os.IsNotExist(err) {
		return model.Config{}, fmt.Errorf("read %s: %w", configFileName, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// resolveMakefile turns an optional CLI path into the effective Makefile
// path plus the configured allowlist.
func resolveMakefile(explicit string) (string, []string) {
	if explicit != "" {
		return explicit, nil
	}

	projectDir := findProjectDir()
	if projectDir == "" {
		fmt.Fprintln(os.Stderr, "error: no Makefile or mkbridge.yaml found in this directory or any parent")
		os.Exit(1)
	}
	cfg, err := loadConfig(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	path := cfg.Makefile.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectDir, path)
	}
	return path, cfg.Targets.Allowed
}

func printJSON(data json.RawMessage) {
	var buf any
	if err := json.Unmarshal(data, &buf); err != nil {
		fmt.Println(string(data))
		return
	}
	encoded, _ := json.MarshalIndent(buf, "", "  ")
	fmt.Println(string(encoded))
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `mkbridge %s — Makefile target bridge daemon

Usage: mkbridge <command> [options]

Daemon:
  serve             Run the daemon (parses the Makefile, listens on .mkbridge/)
  down              Graceful daemon shutdown
  status [--json]   Show daemon status
  reload            Re-parse the Makefile and refresh the catalog

Targets:
  preview [makefile] [--json]  Preview exposed targets without a daemon
  list [makefile]              List exposed target names without a daemon
  targets [--json]             List exposed targets via the daemon
  run <target> [--var KEY=VALUE]... [--timeout SECONDS] [--json]
                               Run an exposed target via the daemon

Utilities:
  version           Show version
  help              Show this help

Configuration is read from mkbridge.yaml next to the Makefile.

`, version)
}
