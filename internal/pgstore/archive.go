package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/orrn/printq/internal/core"
)

const (
	listArchivableJobs = `SELECT ` + jobColumns + ` FROM jobs
WHERE status IN ('completed', 'failed', 'cancelled')
	AND archived_at IS NULL
	AND COALESCE(completed_at, failed_at, cancelled_at) < $1
ORDER BY created_at ASC
LIMIT $2`

	markJobArchived = `UPDATE jobs SET archived_at = $1
WHERE id = $2 AND archived_at IS NULL AND status IN ('completed', 'failed', 'cancelled')`
	insertArchiveJob = `INSERT INTO archive_jobs (original_job_id, archive_file, archived_at) VALUES ($1, $2, $3)`
)

func (s *Store) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]*core.Job, error) {
	rows, err := s.pool.Query(ctx, listArchivableJobs, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list archivable jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Store) MarkArchived(ctx context.Context, jobIDs []string, archiveFile string, at time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	marked := 0
	for _, id := range jobIDs {
		tag, err := tx.Exec(ctx, markJobArchived, at.UTC(), id)
		if err != nil {
			return 0, fmt.Errorf("mark job %s archived: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, insertArchiveJob, id, archiveFile, at.UTC()); err != nil {
			return 0, fmt.Errorf("record archive job %s: %w", id, err)
		}
		marked++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit archive marks: %w", err)
	}
	return marked, nil
}

func (s *Store) CountArchiveJobs(ctx context.Context, archiveFile string) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM archive_jobs WHERE archive_file = $1`, archiveFile).Scan(&count); err != nil {
		return 0, fmt.Errorf("count archive jobs: %w", err)
	}
	return count, nil
}
