package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orrn/printq/internal/core"
)

type ArchiveOperations struct {
	db *sql.DB
}

func NewArchiveOperations(database *sql.DB) *ArchiveOperations {
	return &ArchiveOperations{db: database}
}

// ListArchivable returns terminal jobs that ended before cutoff and have
// not been exported yet, oldest first.
func (o *ArchiveOperations) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]*core.Job, error) {
	rows, err := o.db.QueryContext(ctx, ListArchivableJobs, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archivable jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (o *ArchiveOperations) ListAttempts(ctx context.Context, jobID string) ([]*core.JobAttempt, error) {
	return NewJobOperations(o.db).ListAttempts(ctx, jobID)
}

// MarkArchived flags the jobs that are still terminal and records them
// against archiveFile. Jobs retried since they were listed are skipped.
func (o *ArchiveOperations) MarkArchived(ctx context.Context, jobIDs []string, archiveFile string, at time.Time) (int, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	marked := 0
	for _, id := range jobIDs {
		result, err := tx.ExecContext(ctx, MarkJobArchived, at.UTC(), id)
		if err != nil {
			return 0, fmt.Errorf("failed to mark job %s archived: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get affected rows: %w", err)
		}
		if affected == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, InsertArchiveJob, id, archiveFile, at.UTC()); err != nil {
			return 0, fmt.Errorf("failed to record archive job %s: %w", id, err)
		}
		marked++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive marks: %w", err)
	}
	return marked, nil
}

func (o *ArchiveOperations) CountArchiveJobs(ctx context.Context, archiveFile string) (int, error) {
	var count int
	if err := o.db.QueryRowContext(ctx, CountArchiveJobs, archiveFile).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count archive jobs: %w", err)
	}
	return count, nil
}
