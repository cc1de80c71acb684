package model

import "time"

// RunStatus is the terminal classification of one execution request.
type RunStatus string

const (
	RunSucceeded  RunStatus = "succeeded"
	RunFailed     RunStatus = "failed"
	RunTimedOut   RunStatus = "timed_out"
	RunNotFound   RunStatus = "not_found"
	RunNotAllowed RunStatus = "not_allowed"
)

// Terminal statuses that carry an exit code.
func (s RunStatus) HasExitCode() bool {
	return s == RunSucceeded || s == RunFailed
}

// Request describes one invocation attempt.
type Request struct {
	Target    string
	Variables map[string]string
	Timeout   time.Duration
	Dir       string
}

// Result is the immutable outcome of one Request. Exactly one Result is
// produced per request; ExitCode is meaningful only when Status.HasExitCode().
type Result struct {
	RunID    string
	Target   string
	Status   RunStatus
	ExitCode int
	Output   string
	Duration time.Duration
}
