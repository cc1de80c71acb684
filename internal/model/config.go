package model

import (
	"fmt"
	"time"
)

type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Makefile MakefileConfig `yaml:"makefile"`
	Targets  TargetsConfig  `yaml:"targets"`
	Execute  ExecuteConfig  `yaml:"execute"`
	Output   OutputConfig   `yaml:"output"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type MakefileConfig struct {
	Path       string `yaml:"path"`
	WorkingDir string `yaml:"working_dir"`
}

type TargetsConfig struct {
	// Allowed is the invocation allowlist. Empty means all public
	// documented targets are allowed.
	Allowed []string `yaml:"allowed,omitempty"`
}

type ExecuteConfig struct {
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
	MaxTimeoutSec     int `yaml:"max_timeout_sec"`
}

type OutputConfig struct {
	MaxChars    int    `yaml:"max_chars"`
	WriteToFile bool   `yaml:"write_to_file"`
	TempDir     string `yaml:"temp_dir"`
}

type WatcherConfig struct {
	Enabled    bool `yaml:"enabled"`
	DebounceMs int  `yaml:"debounce_ms"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the documented defaults. Fields left zero in a
// loaded config file are filled in by ApplyDefaults.
func DefaultConfig() Config {
	return Config{
		Makefile: MakefileConfig{Path: "Makefile"},
		Execute: ExecuteConfig{
			DefaultTimeoutSec: 300,
			MaxTimeoutSec:     3600,
		},
		Watcher: WatcherConfig{DebounceMs: 300},
		Daemon:  DaemonConfig{ShutdownTimeoutSec: 30},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ApplyDefaults fills unset fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Makefile.Path == "" {
		c.Makefile.Path = def.Makefile.Path
	}
	if c.Execute.DefaultTimeoutSec <= 0 {
		c.Execute.DefaultTimeoutSec = def.Execute.DefaultTimeoutSec
	}
	if c.Execute.MaxTimeoutSec <= 0 {
		c.Execute.MaxTimeoutSec = def.Execute.MaxTimeoutSec
	}
	if c.Watcher.DebounceMs <= 0 {
		c.Watcher.DebounceMs = def.Watcher.DebounceMs
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = def.Daemon.ShutdownTimeoutSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// Validate checks the config once at load time. Invalid configs are
// rejected up front rather than surfacing as runtime surprises.
func (c Config) Validate() error {
	if c.Execute.DefaultTimeoutSec <= 0 {
		return fmt.Errorf("execute.default_timeout_sec must be positive, got %d", c.Execute.DefaultTimeoutSec)
	}
	if c.Execute.MaxTimeoutSec < c.Execute.DefaultTimeoutSec {
		return fmt.Errorf("execute.max_timeout_sec (%d) must be >= default_timeout_sec (%d)",
			c.Execute.MaxTimeoutSec, c.Execute.DefaultTimeoutSec)
	}
	if c.Output.MaxChars < 0 {
		return fmt.Errorf("output.max_chars must be >= 0, got %d", c.Output.MaxChars)
	}
	for _, name := range c.Targets.Allowed {
		if !ValidTargetName(name) {
			return fmt.Errorf("targets.allowed contains invalid target name %q", name)
		}
	}
	return nil
}

func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Execute.DefaultTimeoutSec) * time.Second
}

func (c Config) MaxTimeout() time.Duration {
	return time.Duration(c.Execute.MaxTimeoutSec) * time.Second
}
