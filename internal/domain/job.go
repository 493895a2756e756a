package domain

import (
	"strings"
	"time"
)

// JobMode distinguishes a plan-only preview from a real execution.
type JobMode string

const (
	JobModeDryRun  JobMode = "dry_run"
	JobModeExecute JobMode = "execute"
)

// JobState is the executor state machine. dry_run_complete, succeeded and
// failed are terminal; a new Job is created for every subsequent request.
type JobState string

const (
	JobStateIdle           JobState = "idle"
	JobStatePlanning       JobState = "planning"
	JobStateDryRunComplete JobState = "dry_run_complete"
	JobStateRunning        JobState = "running"
	JobStateSucceeded      JobState = "succeeded"
	JobStateFailed         JobState = "failed"
)

// Failure codes attached to a terminal failed Job.
const (
	FailureStage     = "stage_failure"
	FailureCancelled = "cancelled"
)

// NormalizeJobState maps free-form status values to canonical job states.
func NormalizeJobState(value string) JobState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(JobStateIdle):
		return JobStateIdle
	case string(JobStatePlanning):
		return JobStatePlanning
	case string(JobStateDryRunComplete):
		return JobStateDryRunComplete
	case string(JobStateRunning):
		return JobStateRunning
	case string(JobStateSucceeded):
		return JobStateSucceeded
	case string(JobStateFailed):
		return JobStateFailed
	default:
		return ""
	}
}

// Terminal reports whether a state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateDryRunComplete, JobStateSucceeded, JobStateFailed:
		return true
	default:
		return false
	}
}

// CanTransitionJobState enforces the forward-only executor state machine.
func CanTransitionJobState(current, next JobState) bool {
	switch current {
	case JobStateIdle:
		return next == JobStatePlanning
	case JobStatePlanning:
		return next == JobStateDryRunComplete || next == JobStateRunning || next == JobStateFailed
	case JobStateRunning:
		return next == JobStateSucceeded || next == JobStateFailed
	default:
		return false
	}
}

// UnitResult captures one stage unit's external process outcome.
type UnitResult struct {
	Stage      string
	Unit       string
	ExitCode   int
	Stdout     string
	Stderr     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Job is one execution attempt of a WorkflowPlan. It is mutated only by the
// executor and is immutable once terminal.
type Job struct {
	ID            string
	Mode          JobMode
	Cores         int
	State         JobState
	StartedAt     time.Time
	EndedAt       *time.Time
	Units         []UnitResult
	FailureCode   string
	FailureDetail string
	StaleSnapshot bool
}

// Failed reports whether the job ended in failure, for any reason.
func (j Job) Failed() bool {
	return j.State == JobStateFailed
}

// Cancelled reports whether the job failed due to user-initiated termination.
func (j Job) Cancelled() bool {
	return j.State == JobStateFailed && j.FailureCode == FailureCancelled
}
