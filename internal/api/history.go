package api

import (
	"context"

	"github.com/kaburi0214/amIBD/internal/domain"
	"github.com/kaburi0214/amIBD/internal/repo"
)

// historyRecorder adapts the unit-execution repository to the executor's
// per-unit recording hook.
type historyRecorder struct {
	units repo.UnitExecutionRepository
}

func (h *historyRecorder) RecordUnit(ctx context.Context, jobID string, result domain.UnitResult) error {
	if h == nil || h.units == nil {
		return nil
	}
	return h.units.InsertUnitExecution(ctx, repo.UnitExecutionRecord{
		JobID:      jobID,
		Stage:      result.Stage,
		Unit:       result.Unit,
		ExitCode:   result.ExitCode,
		StderrTail: result.Stderr,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	})
}
