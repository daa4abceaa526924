package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/orrn/printq/internal/core"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// JobOperations is the SQLite implementation of core.JobStore.
type JobOperations struct {
	db *sql.DB
}

func NewJobOperations(database *sql.DB) *JobOperations {
	return &JobOperations{db: database}
}

var _ core.JobStore = (*JobOperations)(nil)

func (o *JobOperations) CreateJob(ctx context.Context, j *core.Job) error {
	_, err := o.db.ExecContext(ctx, InsertJob,
		j.ID, j.FileID, j.OriginalFileName, j.OwnerID, j.OwnerEmail, string(j.Status),
		utcPtr(j.ScheduledAt), j.CreatedAt.UTC(), j.LastUpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job %s already exists", core.ErrValidation, j.ID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (o *JobOperations) GetJob(ctx context.Context, id string) (*core.Job, error) {
	return getJob(ctx, o.db, id)
}

func getJob(ctx context.Context, q querier, id string) (*core.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, GetJobByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFound("job", id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (o *JobOperations) TransitionJob(ctx context.Context, id string, from, to core.JobStatus, upd core.JobUpdate) (*core.Job, error) {
	changes, err := core.Plan(from, to, upd)
	if err != nil {
		return nil, err
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if from.IsTerminal() && !to.IsTerminal() {
		if _, err := tx.ExecContext(ctx, InsertAttemptFromJob, upd.At.UTC(), id, string(from)); err != nil {
			return nil, fmt.Errorf("failed to record attempt: %w", err)
		}
	}

	set, args := renderChanges(changes)
	args = append(args, id, string(from))
	result, err := tx.ExecContext(ctx, "UPDATE jobs SET "+set+" WHERE id = ? AND status = ?", args...)
	if err != nil {
		if isUniqueViolation(err) {
			// another job already holds this device
			return nil, fmt.Errorf("%w: device %s already has a printing job", core.ErrConflict, upd.DeviceID)
		}
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return nil, classifyMiss(ctx, tx, id, from)
	}

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return j, nil
}

func (o *JobOperations) UpdateProgress(ctx context.Context, id, deviceID string, upd core.ProgressUpdate) (*core.Job, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, UpdateJobProgress,
		upd.Progress, upd.PrintTimeElapsed, upd.PrintTimeLeft, upd.At.UTC(), id, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to update progress: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return nil, classifyMiss(ctx, tx, id, core.JobStatusPrinting)
	}

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit progress: %w", err)
	}
	return j, nil
}

func (o *JobOperations) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
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

	query := "SELECT " + jobColumns + " FROM jobs" + where +
		fmt.Sprintf(" ORDER BY %s %s, rowid %s LIMIT ? OFFSET ?", orderBy, orderDir, orderDir)
	args = append(args, limit, filter.Offset)

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (o *JobOperations) CountJobs(ctx context.Context, filter core.JobFilter) (int, error) {
	where, args := buildJobWhere(filter)

	var count int
	if err := o.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

func (o *JobOperations) CountByStatus(ctx context.Context, ownerID string) (map[core.JobStatus]int, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if ownerID != "" {
		rows, err = o.db.QueryContext(ctx, CountOwnerJobsByStatus, ownerID)
	} else {
		rows, err = o.db.QueryContext(ctx, CountJobsByStatus)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.JobStatus]int, len(core.AllStatuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[core.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (o *JobOperations) CountFailedSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	if err := o.db.QueryRowContext(ctx, CountFailedSince, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failed jobs: %w", err)
	}
	return count, nil
}

func (o *JobOperations) DeleteJob(ctx context.Context, id string) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, DeleteTerminalJob, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		var status string
		err := tx.QueryRowContext(ctx, GetJobStatus, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return core.NotFound("job", id)
		}
		if err != nil {
			return fmt.Errorf("failed to read job status: %w", err)
		}
		return fmt.Errorf("%w: job %s is %s, only terminal jobs can be deleted", core.ErrIllegalState, id, status)
	}

	if _, err := tx.ExecContext(ctx, DeleteJobAttempts, id); err != nil {
		return fmt.Errorf("failed to delete job attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

func (o *JobOperations) ListAttempts(ctx context.Context, jobID string) ([]*core.JobAttempt, error) {
	rows, err := o.db.QueryContext(ctx, ListJobAttempts, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*core.JobAttempt
	for rows.Next() {
		a := &core.JobAttempt{}
		var status string
		var deviceID sql.NullString
		var startedAt, endedAt sql.NullTime
		if err := rows.Scan(&a.JobID, &a.Attempt, &status, &deviceID, &a.Progress,
			&a.FailureReason, &startedAt, &endedAt, &a.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Status = core.JobStatus(status)
		a.DeviceID = deviceID.String
		a.StartedAt = timePtr(startedAt)
		a.EndedAt = timePtr(endedAt)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func classifyMiss(ctx context.Context, q querier, id string, expected core.JobStatus) error {
	var status string
	err := q.QueryRowContext(ctx, GetJobStatus, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return core.NotFound("job", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}
	return &core.ConflictError{JobID: id, Expected: expected, Actual: core.JobStatus(status)}
}

func renderChanges(changes []core.FieldChange) (string, []any) {
	parts := make([]string, 0, len(changes))
	args := make([]any, 0, len(changes))
	for _, c := range changes {
		if c.Increment {
			parts = append(parts, fmt.Sprintf("%s = %s + 1", c.Field, c.Field))
			continue
		}
		parts = append(parts, string(c.Field)+" = ?")
		args = append(args, c.Value)
	}
	return strings.Join(parts, ", "), args
}

func buildJobWhere(filter core.JobFilter) (string, []any) {
	var conditions []string
	var args []any

	if filter.OwnerID != "" {
		conditions = append(conditions, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.CreatedFrom != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.CreatedFrom.UTC())
	}
	if filter.CreatedTo != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, filter.CreatedTo.UTC())
	}
	if filter.ScheduledBefore != nil {
		conditions = append(conditions, "scheduled_at IS NOT NULL AND scheduled_at <= ?")
		args = append(args, filter.ScheduledBefore.UTC())
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func scanJob(row scanner) (*core.Job, error) {
	j := &core.Job{}
	var status string
	var scheduledAt, startedAt, completedAt, failedAt, cancelledAt sql.NullTime
	var elapsed, left sql.NullInt64
	var deviceID sql.NullString

	if err := row.Scan(
		&j.ID, &j.FileID, &j.OriginalFileName, &j.OwnerID, &j.OwnerEmail, &status, &scheduledAt,
		&j.CreatedAt, &startedAt, &completedAt, &failedAt, &cancelledAt, &j.Progress,
		&elapsed, &left, &j.FailureReason, &deviceID, &j.Attempt, &j.LastUpdatedAt); err != nil {
		return nil, err
	}

	j.Status = core.JobStatus(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.LastUpdatedAt = j.LastUpdatedAt.UTC()
	j.ScheduledAt = timePtr(scheduledAt)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	j.FailedAt = timePtr(failedAt)
	j.CancelledAt = timePtr(cancelledAt)
	if elapsed.Valid {
		j.PrintTimeElapsed = &elapsed.Int64
	}
	if left.Valid {
		j.PrintTimeLeft = &left.Int64
	}
	j.DeviceID = deviceID.String
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*core.Job, error) {
	var jobs []*core.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
