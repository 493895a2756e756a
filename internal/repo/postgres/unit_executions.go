package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kaburi0214/amIBD/internal/repo"
)

type UnitExecutionStore struct {
	db DB
}

const (
	insertUnitExecutionQuery = `INSERT INTO unit_executions (
		execution_id,
		job_id,
		stage,
		unit,
		exit_code,
		stderr_tail,
		started_at,
		finished_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (job_id, stage, unit) DO NOTHING`

	listUnitExecutionsByJobQuery = `SELECT execution_id, job_id, stage, unit, exit_code, stderr_tail, started_at, finished_at
	 FROM unit_executions
	 WHERE job_id = $1
	 ORDER BY started_at ASC, stage ASC, unit ASC`
)

// stderrTailLimit bounds how much captured stderr is persisted per unit.
const stderrTailLimit = 8192

func NewUnitExecutionStore(db DB) *UnitExecutionStore {
	if db == nil {
		return nil
	}
	return &UnitExecutionStore{db: db}
}

func (s *UnitExecutionStore) InsertUnitExecution(ctx context.Context, record repo.UnitExecutionRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("unit execution store not initialized")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	stage := strings.TrimSpace(record.Stage)
	if stage == "" {
		return fmt.Errorf("stage is required")
	}
	unit := strings.TrimSpace(record.Unit)
	if unit == "" {
		return fmt.Errorf("unit is required")
	}

	executionID := strings.TrimSpace(record.ExecutionID)
	if executionID == "" {
		executionID = uuid.NewString()
	}
	stderrTail := record.StderrTail
	if len(stderrTail) > stderrTailLimit {
		stderrTail = stderrTail[len(stderrTail)-stderrTailLimit:]
	}

	_, err := s.db.ExecContext(
		ctx,
		insertUnitExecutionQuery,
		executionID,
		jobID,
		stage,
		unit,
		record.ExitCode,
		stderrTail,
		normalizeTime(record.StartedAt),
		normalizeTime(record.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert unit execution: %w", err)
	}
	return nil
}

func (s *UnitExecutionStore) ListByJob(ctx context.Context, jobID string) ([]repo.UnitExecutionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("unit execution store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}

	rows, err := s.db.QueryContext(ctx, listUnitExecutionsByJobQuery, jobID)
	if err != nil {
		return nil, fmt.Errorf("list unit executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]repo.UnitExecutionRecord, 0, 16)
	for rows.Next() {
		var record repo.UnitExecutionRecord
		if err := rows.Scan(
			&record.ExecutionID,
			&record.JobID,
			&record.Stage,
			&record.Unit,
			&record.ExitCode,
			&record.StderrTail,
			&record.StartedAt,
			&record.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan unit execution: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unit executions: %w", err)
	}
	return out, nil
}
