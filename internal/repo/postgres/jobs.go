package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kaburi0214/amIBD/internal/repo"
)

type JobStore struct {
	db DB
}

const (
	insertJobQuery = `INSERT INTO jobs (
		job_id,
		mode,
		cores,
		state,
		modern_sample,
		regions,
		started_at,
		ended_at,
		failure_code,
		failure_detail,
		stale_snapshot
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	selectJobQuery = `SELECT job_id, mode, cores, state, modern_sample, regions, started_at, ended_at, failure_code, failure_detail, stale_snapshot
	 FROM jobs
	 WHERE job_id = $1`

	listJobsQuery = `SELECT job_id, mode, cores, state, modern_sample, regions, started_at, ended_at, failure_code, failure_detail, stale_snapshot
	 FROM jobs`

	finishJobQuery = `UPDATE jobs
	 SET state = $2, ended_at = $3, failure_code = $4, failure_detail = $5, stale_snapshot = $6
	 WHERE job_id = $1 AND ended_at IS NULL`
)

func NewJobStore(db DB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

func (s *JobStore) InsertJob(ctx context.Context, record repo.JobRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if strings.TrimSpace(record.Mode) == "" {
		return fmt.Errorf("mode is required")
	}
	if record.Cores < 1 {
		return fmt.Errorf("cores must be >= 1")
	}
	if strings.TrimSpace(record.State) == "" {
		return fmt.Errorf("state is required")
	}

	_, err := s.db.ExecContext(
		ctx,
		insertJobQuery,
		jobID,
		strings.TrimSpace(record.Mode),
		record.Cores,
		strings.TrimSpace(record.State),
		strings.TrimSpace(record.ModernSample),
		joinRegions(record.Regions),
		normalizeTime(record.StartedAt),
		nullableTime(record.EndedAt),
		strings.TrimSpace(record.FailureCode),
		record.FailureDetail,
		record.StaleSnapshot,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, jobID string) (repo.JobRecord, error) {
	if s == nil || s.db == nil {
		return repo.JobRecord{}, fmt.Errorf("job store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return repo.JobRecord{}, fmt.Errorf("job id is required")
	}

	row := s.db.QueryRowContext(ctx, selectJobQuery, jobID)
	record, err := scanJob(row.Scan)
	if err != nil {
		return repo.JobRecord{}, handleNotFound(err)
	}
	return record, nil
}

func (s *JobStore) ListJobs(ctx context.Context, filter repo.JobFilter) ([]repo.JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}

	query := listJobsQuery
	args := make([]any, 0, 2)
	conds := make([]string, 0, 2)
	if mode := strings.TrimSpace(filter.Mode); mode != "" {
		args = append(args, mode)
		conds = append(conds, fmt.Sprintf("mode = $%d", len(args)))
	}
	if state := strings.TrimSpace(filter.State); state != "" {
		args = append(args, state)
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC, job_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]repo.JobRecord, 0, 16)
	for rows.Next() {
		record, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// FinishJob records the terminal state exactly once; finishing an already
// finished job is a no-op conflict surfaced as ErrNotFound.
func (s *JobStore) FinishJob(ctx context.Context, record repo.JobRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if record.EndedAt == nil {
		return fmt.Errorf("ended_at is required")
	}

	result, err := s.db.ExecContext(
		ctx,
		finishJobQuery,
		jobID,
		strings.TrimSpace(record.State),
		nullableTime(record.EndedAt),
		strings.TrimSpace(record.FailureCode),
		record.FailureDetail,
		record.StaleSnapshot,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanJob(scan func(dest ...any) error) (repo.JobRecord, error) {
	var record repo.JobRecord
	var regions string
	var endedAt sql.NullTime
	if err := scan(
		&record.JobID,
		&record.Mode,
		&record.Cores,
		&record.State,
		&record.ModernSample,
		&regions,
		&record.StartedAt,
		&endedAt,
		&record.FailureCode,
		&record.FailureDetail,
		&record.StaleSnapshot,
	); err != nil {
		return repo.JobRecord{}, err
	}
	record.Regions = splitRegions(regions)
	if endedAt.Valid {
		t := endedAt.Time
		record.EndedAt = &t
	}
	return record, nil
}
