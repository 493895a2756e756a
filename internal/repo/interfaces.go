// Package repo declares the persistence interfaces for job history.
package repo

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// JobRecord is the persisted view of one execution attempt.
type JobRecord struct {
	JobID         string
	Mode          string
	Cores         int
	State         string
	ModernSample  string
	Regions       []string
	StartedAt     time.Time
	EndedAt       *time.Time
	FailureCode   string
	FailureDetail string
	StaleSnapshot bool
}

// UnitExecutionRecord is one stage unit's external process outcome.
type UnitExecutionRecord struct {
	ExecutionID string
	JobID       string
	Stage       string
	Unit        string
	ExitCode    int
	StderrTail  string
	StartedAt   time.Time
	FinishedAt  time.Time
}

type JobFilter struct {
	Mode  string
	State string
	Limit int
}

// JobRepository manages job rows with immutable identity; only the state and
// terminal fields are updated, once.
type JobRepository interface {
	InsertJob(ctx context.Context, record JobRecord) error
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]JobRecord, error)
	FinishJob(ctx context.Context, record JobRecord) error
}

// UnitExecutionRepository appends per-unit execution history.
type UnitExecutionRepository interface {
	InsertUnitExecution(ctx context.Context, record UnitExecutionRecord) error
	ListByJob(ctx context.Context, jobID string) ([]UnitExecutionRecord, error)
}
