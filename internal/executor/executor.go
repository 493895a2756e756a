// Package executor drives one WorkflowPlan at a time through the job state
// machine, fanning per-stage units out onto a bounded pool of external
// processes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaburi0214/amIBD/internal/domain"
	"github.com/kaburi0214/amIBD/internal/platform/metrics"
)

var ErrJobNotFound = errors.New("job not found")

// Runner executes one stage unit's external command and reports its outcome.
// A non-zero ExitCode is a stage failure; stdout/stderr are opaque diagnostics.
type Runner interface {
	Run(ctx context.Context, unit domain.StageUnit) domain.UnitResult
}

// StageRecorder persists per-unit execution records as they finish. A nil
// recorder disables history.
type StageRecorder interface {
	RecordUnit(ctx context.Context, jobID string, result domain.UnitResult) error
}

// Executor owns all in-flight jobs. Each job runs on its own goroutine and its
// own process group; cancelling one never touches another.
type Executor struct {
	logger   *slog.Logger
	runner   Runner
	history  StageRecorder
	metrics  *metrics.Metrics
	revision func() uint64
	now      func() time.Time

	mu   sync.Mutex
	jobs map[string]*jobHandle
}

type jobHandle struct {
	mu     sync.Mutex
	job    domain.Job
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures optional executor collaborators.
type Option func(*Executor)

// WithHistory persists finished unit results through the given recorder.
func WithHistory(r StageRecorder) Option {
	return func(e *Executor) { e.history = r }
}

// WithMetrics publishes job and stage counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithRegistryRevision lets finished jobs detect that the registry moved past
// the plan's snapshot while they were running.
func WithRegistryRevision(fn func() uint64) Option {
	return func(e *Executor) { e.revision = fn }
}

func New(logger *slog.Logger, runner Runner, opts ...Option) (*Executor, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	e := &Executor{
		logger: logger,
		runner: runner,
		now:    time.Now,
		jobs:   make(map[string]*jobHandle),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Preview walks idle → planning → dry_run_complete without touching the
// filesystem or spawning a process, and returns the terminal job alongside the
// ordered command listing.
func (e *Executor) Preview(plan domain.WorkflowPlan) (domain.Job, []string) {
	job := e.newJob(domain.JobModeDryRun, plan.Cores)
	mustTransition(&job, domain.JobStatePlanning)
	mustTransition(&job, domain.JobStateDryRunComplete)
	ended := e.now().UTC()
	job.EndedAt = &ended
	job.StaleSnapshot = e.stale(plan)

	if e.metrics != nil {
		e.metrics.JobStarted(string(domain.JobModeDryRun))
		e.metrics.JobFinished(string(domain.JobModeDryRun), string(domain.JobStateDryRunComplete))
	}
	return job, PlanListing(plan)
}

// PlanListing renders the ordered stage/command sequence of a plan.
func PlanListing(plan domain.WorkflowPlan) []string {
	lines := make([]string, 0, len(plan.Units))
	for _, stage := range domain.StageOrder {
		for _, unit := range plan.StageUnits(stage) {
			lines = append(lines, fmt.Sprintf("%s/%s: %s", unit.Stage, unit.Key, strings.Join(unit.Command, " ")))
		}
	}
	return lines
}

// Run starts a new execute-mode job for the plan and returns its initial
// running snapshot. The job continues on its own goroutine; observe it through
// Get, Wait or Cancel.
func (e *Executor) Run(ctx context.Context, plan domain.WorkflowPlan) (domain.Job, error) {
	if len(plan.Units) == 0 {
		return domain.Job{}, errors.New("plan has no units")
	}
	if plan.Cores <= 0 {
		return domain.Job{}, errors.New("plan core count must be positive")
	}

	job := e.newJob(domain.JobModeExecute, plan.Cores)
	mustTransition(&job, domain.JobStatePlanning)
	mustTransition(&job, domain.JobStateRunning)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &jobHandle{job: job, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.jobs[job.ID] = handle
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.JobStarted(string(domain.JobModeExecute))
	}
	e.logger.Info("job started", "job_id", job.ID, "cores", plan.Cores, "units", len(plan.Units))

	go e.execute(runCtx, handle, plan)
	return job, nil
}

// Get returns the current snapshot of a job.
func (e *Executor) Get(jobID string) (domain.Job, error) {
	handle, err := e.handle(jobID)
	if err != nil {
		return domain.Job{}, err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.job, nil
}

// Cancel signals termination to all of the job's in-flight processes. Outputs
// of already-completed stages are left on disk.
func (e *Executor) Cancel(jobID string) error {
	handle, err := e.handle(jobID)
	if err != nil {
		return err
	}
	handle.mu.Lock()
	terminal := handle.job.State.Terminal()
	handle.mu.Unlock()
	if terminal {
		return fmt.Errorf("job %s already terminal", jobID)
	}
	e.logger.Info("job cancel requested", "job_id", jobID)
	handle.cancel()
	return nil
}

// Wait blocks until the job reaches a terminal state and returns it.
func (e *Executor) Wait(ctx context.Context, jobID string) (domain.Job, error) {
	handle, err := e.handle(jobID)
	if err != nil {
		return domain.Job{}, err
	}
	select {
	case <-handle.done:
		return e.Get(jobID)
	case <-ctx.Done():
		return domain.Job{}, ctx.Err()
	}
}

func (e *Executor) handle(jobID string) (*jobHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle, ok := e.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return handle, nil
}

func (e *Executor) newJob(mode domain.JobMode, cores int) domain.Job {
	return domain.Job{
		ID:        uuid.NewString(),
		Mode:      mode,
		Cores:     cores,
		State:     domain.JobStateIdle,
		StartedAt: e.now().UTC(),
	}
}

func (e *Executor) execute(ctx context.Context, handle *jobHandle, plan domain.WorkflowPlan) {
	defer close(handle.done)
	defer handle.cancel()

	jobID := handle.jobID()

	for _, stage := range domain.StageOrder {
		units := plan.StageUnits(stage)
		if len(units) == 0 {
			continue
		}
		if ctx.Err() != nil {
			e.fail(handle, plan, domain.FailureCancelled, "cancelled before stage "+stage)
			return
		}
		if err := checkStageInputs(units); err != nil {
			e.fail(handle, plan, domain.FailureStage, err.Error())
			return
		}
		if err := prepareOutputDirs(units); err != nil {
			e.fail(handle, plan, domain.FailureStage, err.Error())
			return
		}

		failed := e.runStage(ctx, handle, jobID, stage, units, plan.Cores)
		if ctx.Err() != nil {
			e.fail(handle, plan, domain.FailureCancelled, "cancelled during stage "+stage)
			return
		}
		if failed != nil {
			detail := fmt.Sprintf("stage %s unit %s exited %d: %s", failed.Stage, failed.Unit, failed.ExitCode, strings.TrimSpace(failed.Stderr))
			e.fail(handle, plan, domain.FailureStage, detail)
			return
		}
	}

	ended := e.now().UTC()
	handle.mu.Lock()
	mustTransition(&handle.job, domain.JobStateSucceeded)
	handle.job.EndedAt = &ended
	handle.job.StaleSnapshot = e.stale(plan)
	job := handle.job
	handle.mu.Unlock()

	if job.StaleSnapshot {
		e.logger.Warn("registry changed while job was running; results reflect the plan snapshot", "job_id", job.ID)
	}
	if e.metrics != nil {
		e.metrics.JobFinished(string(job.Mode), string(job.State))
	}
	e.logger.Info("job succeeded", "job_id", job.ID)
}

// runStage fans units out on a pool bounded by the requested core count and
// waits for all of them. The first non-zero exit cancels the stage context so
// siblings stop early; later stages are never started.
func (e *Executor) runStage(ctx context.Context, handle *jobHandle, jobID, stage string, units []domain.StageUnit, cores int) *domain.UnitResult {
	stageCtx, stop := context.WithCancel(ctx)
	defer stop()

	sem := make(chan struct{}, cores)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstFailure *domain.UnitResult

	stageStart := e.now()
	for _, unit := range units {
		if stageCtx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(unit domain.StageUnit) {
			defer wg.Done()
			defer func() { <-sem }()

			result := e.runner.Run(stageCtx, unit)
			e.record(ctx, handle, jobID, result)

			if result.ExitCode != 0 {
				mu.Lock()
				if firstFailure == nil {
					copied := result
					firstFailure = &copied
				}
				mu.Unlock()
				stop()
			}
		}(unit)
	}
	wg.Wait()

	if e.metrics != nil {
		e.metrics.StageObserved(stage, e.now().Sub(stageStart))
	}
	return firstFailure
}

func (e *Executor) record(ctx context.Context, handle *jobHandle, jobID string, result domain.UnitResult) {
	handle.mu.Lock()
	handle.job.Units = append(handle.job.Units, result)
	handle.mu.Unlock()

	if e.history != nil {
		// History must survive job cancellation; the failing unit's record is
		// written after the job context is already cancelled.
		if err := e.history.RecordUnit(context.WithoutCancel(ctx), jobID, result); err != nil {
			e.logger.Error("record unit execution", "job_id", jobID, "stage", result.Stage, "unit", result.Unit, "error", err)
		}
	}
}

func (e *Executor) fail(handle *jobHandle, plan domain.WorkflowPlan, code, detail string) {
	ended := e.now().UTC()
	handle.mu.Lock()
	mustTransition(&handle.job, domain.JobStateFailed)
	handle.job.FailureCode = code
	handle.job.FailureDetail = detail
	handle.job.EndedAt = &ended
	handle.job.StaleSnapshot = e.stale(plan)
	job := handle.job
	handle.mu.Unlock()

	if e.metrics != nil {
		e.metrics.JobFinished(string(job.Mode), string(job.State))
	}
	e.logger.Error("job failed", "job_id", job.ID, "code", code, "detail", detail)
}

func (e *Executor) stale(plan domain.WorkflowPlan) bool {
	return e.revision != nil && e.revision() > plan.SnapshotRevision
}

// checkStageInputs verifies every declared input of a stage before any of its
// processes launch, so a broken dependency chain fails fast.
func checkStageInputs(units []domain.StageUnit) error {
	for _, unit := range units {
		for _, input := range unit.Inputs {
			if _, err := os.Stat(input); err != nil {
				return fmt.Errorf("stage %s unit %s: missing input %s", unit.Stage, unit.Key, input)
			}
		}
	}
	return nil
}

func prepareOutputDirs(units []domain.StageUnit) error {
	for _, unit := range units {
		for _, output := range unit.Outputs {
			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return fmt.Errorf("stage %s unit %s: output dir: %v", unit.Stage, unit.Key, err)
			}
		}
	}
	return nil
}

// mustTransition applies a state transition that is valid by construction;
// a violation is a programming error, not a runtime condition.
func mustTransition(job *domain.Job, next domain.JobState) {
	if !domain.CanTransitionJobState(job.State, next) {
		panic(fmt.Sprintf("invalid job transition %s -> %s", job.State, next))
	}
	job.State = next
}

func (h *jobHandle) jobID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job.ID
}
