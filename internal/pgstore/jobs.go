package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/orrn/printq/internal/core"
)

const jobColumns = `id, file_id, original_file_name, owner_id, owner_email, status, scheduled_at,
	created_at, started_at, completed_at, failed_at, cancelled_at, progress,
	print_time_elapsed, print_time_left, failure_reason, device_id, attempt, last_updated_at`

const (
	insertJob = `
INSERT INTO jobs (id, file_id, original_file_name, owner_id, owner_email, status, scheduled_at,
	created_at, progress, failure_reason, attempt, last_updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, '', 1, $9)`

	getJobByID = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	getJobStatus = `SELECT status FROM jobs WHERE id = $1`

	updateJobProgress = `
UPDATE jobs SET
	progress = GREATEST(progress, COALESCE($1, progress)),
	print_time_elapsed = COALESCE($2, print_time_elapsed),
	print_time_left = COALESCE($3, print_time_left),
	last_updated_at = $4
WHERE id = $5 AND status = 'printing' AND device_id = $6`

	insertAttemptFromJob = `
INSERT INTO job_attempts (job_id, attempt, status, device_id, progress, failure_reason, started_at, ended_at, recorded_at)
SELECT id, attempt, status, device_id, progress, failure_reason, started_at,
	COALESCE(completed_at, failed_at, cancelled_at), $1
FROM jobs WHERE id = $2 AND status = $3`

	listJobAttempts = `
SELECT job_id, attempt, status, device_id, progress, failure_reason, started_at, ended_at, recorded_at
FROM job_attempts WHERE job_id = $1 ORDER BY attempt ASC`

	deleteTerminalJob = `DELETE FROM jobs WHERE id = $1 AND status IN ('completed', 'failed', 'cancelled')`

	deleteJobAttempts = `DELETE FROM job_attempts WHERE job_id = $1`

	countJobsByStatus      = `SELECT status, COUNT(*) FROM jobs GROUP BY status`
	countOwnerJobsByStatus = `SELECT status, COUNT(*) FROM jobs WHERE owner_id = $1 GROUP BY status`
	countFailedSince       = `SELECT COUNT(*) FROM jobs WHERE status = 'failed' AND failed_at >= $1`
)

func (s *Store) CreateJob(ctx context.Context, j *core.Job) error {
	_, err := s.pool.Exec(ctx, insertJob,
		j.ID, j.FileID, j.OriginalFileName, j.OwnerID, j.OwnerEmail, string(j.Status),
		utc(j.ScheduledAt), j.CreatedAt.UTC(), j.LastUpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job %s already exists", core.ErrValidation, j.ID)
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*core.Job, error) {
	return getJob(ctx, s.pool, id)
}

func getJob(ctx context.Context, q querier, id string) (*core.Job, error) {
	j, err := scanJob(q.QueryRow(ctx, getJobByID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NotFound("job", id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) TransitionJob(ctx context.Context, id string, from, to core.JobStatus, upd core.JobUpdate) (*core.Job, error) {
	changes, err := core.Plan(from, to, upd)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if from.IsTerminal() && !to.IsTerminal() {
		if _, err := tx.Exec(ctx, insertAttemptFromJob, upd.At.UTC(), id, string(from)); err != nil {
			return nil, fmt.Errorf("record attempt: %w", err)
		}
	}

	set, args := renderChanges(changes)
	n := len(args)
	args = append(args, id, string(from))
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $%d AND status = $%d", set, n+1, n+2)

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: device %s already has a printing job", core.ErrConflict, upd.DeviceID)
		}
		return nil, fmt.Errorf("transition job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, classifyMiss(ctx, tx, id, from)
	}

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return j, nil
}

func (s *Store) UpdateProgress(ctx context.Context, id, deviceID string, upd core.ProgressUpdate) (*core.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, updateJobProgress,
		upd.Progress, upd.PrintTimeElapsed, upd.PrintTimeLeft, upd.At.UTC(), id, deviceID)
	if err != nil {
		return nil, fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, classifyMiss(ctx, tx, id, core.JobStatusPrinting)
	}

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit progress: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	where, args := buildJobWhere(filter)

	orderBy := string(core.SortCreatedAt)
	if filter.SortBy != "" {
		orderBy = string(filter.SortBy)
	}
	orderDir := "ASC"
	if filter.SortDesc {
		orderDir = "DESC"
	}
	limit := 100
	if filter.Limit > 0 {
		limit = filter.Limit
	}

	n := len(args)
	query := "SELECT " + jobColumns + " FROM jobs" + where +
		fmt.Sprintf(" ORDER BY %s %s, seq %s LIMIT $%d OFFSET $%d", orderBy, orderDir, orderDir, n+1, n+2)
	args = append(args, limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Store) CountJobs(ctx context.Context, filter core.JobFilter) (int, error) {
	where, args := buildJobWhere(filter)
	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

func (s *Store) CountByStatus(ctx context.Context, ownerID string) (map[core.JobStatus]int, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if ownerID != "" {
		rows, err = s.pool.Query(ctx, countOwnerJobsByStatus, ownerID)
	} else {
		rows, err = s.pool.Query(ctx, countJobsByStatus)
	}
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.JobStatus]int, len(core.AllStatuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[core.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) CountFailedSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, countFailedSince, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count failed jobs: %w", err)
	}
	return count, nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, deleteTerminalJob, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := tx.QueryRow(ctx, getJobStatus, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return core.NotFound("job", id)
		}
		if err != nil {
			return fmt.Errorf("read job status: %w", err)
		}
		return fmt.Errorf("%w: job %s is %s, only terminal jobs can be deleted", core.ErrIllegalState, id, status)
	}

	if _, err := tx.Exec(ctx, deleteJobAttempts, id); err != nil {
		return fmt.Errorf("delete job attempts: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ListAttempts(ctx context.Context, jobID string) ([]*core.JobAttempt, error) {
	rows, err := s.pool.Query(ctx, listJobAttempts, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*core.JobAttempt
	for rows.Next() {
		a := &core.JobAttempt{}
		var status string
		var deviceID *string
		if err := rows.Scan(&a.JobID, &a.Attempt, &status, &deviceID, &a.Progress,
			&a.FailureReason, &a.StartedAt, &a.EndedAt, &a.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Status = core.JobStatus(status)
		if deviceID != nil {
			a.DeviceID = *deviceID
		}
		a.StartedAt = utc(a.StartedAt)
		a.EndedAt = utc(a.EndedAt)
		a.RecordedAt = a.RecordedAt.UTC()
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func renderChanges(changes []core.FieldChange) (string, []any) {
	parts := make([]string, 0, len(changes))
	args := make([]any, 0, len(changes))
	for _, c := range changes {
		if c.Increment {
			parts = append(parts, fmt.Sprintf("%s = %s + 1", c.Field, c.Field))
			continue
		}
		args = append(args, c.Value)
		parts = append(parts, fmt.Sprintf("%s = $%d", c.Field, len(args)))
	}
	return strings.Join(parts, ", "), args
}

func buildJobWhere(filter core.JobFilter) (string, []any) {
	var conditions []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.OwnerID != "" {
		conditions = append(conditions, "owner_id = "+next(filter.OwnerID))
	}
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = "+next(filter.DeviceID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		conditions = append(conditions, "status = ANY("+next(statuses)+")")
	}
	if filter.CreatedFrom != nil {
		conditions = append(conditions, "created_at >= "+next(filter.CreatedFrom.UTC()))
	}
	if filter.CreatedTo != nil {
		conditions = append(conditions, "created_at <= "+next(filter.CreatedTo.UTC()))
	}
	if filter.ScheduledBefore != nil {
		conditions = append(conditions, "scheduled_at IS NOT NULL AND scheduled_at <= "+next(filter.ScheduledBefore.UTC()))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func scanJob(row pgx.Row) (*core.Job, error) {
	j := &core.Job{}
	var status string
	var deviceID *string

	if err := row.Scan(
		&j.ID, &j.FileID, &j.OriginalFileName, &j.OwnerID, &j.OwnerEmail, &status, &j.ScheduledAt,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.FailedAt, &j.CancelledAt, &j.Progress,
		&j.PrintTimeElapsed, &j.PrintTimeLeft, &j.FailureReason, &deviceID, &j.Attempt, &j.LastUpdatedAt); err != nil {
		return nil, err
	}

	j.Status = core.JobStatus(status)
	if deviceID != nil {
		j.DeviceID = *deviceID
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.LastUpdatedAt = j.LastUpdatedAt.UTC()
	j.ScheduledAt = utc(j.ScheduledAt)
	j.StartedAt = utc(j.StartedAt)
	j.CompletedAt = utc(j.CompletedAt)
	j.FailedAt = utc(j.FailedAt)
	j.CancelledAt = utc(j.CancelledAt)
	return j, nil
}

func scanJobs(rows pgx.Rows) ([]*core.Job, error) {
	var jobs []*core.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
