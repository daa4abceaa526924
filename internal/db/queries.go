package db

const jobColumns = `id, file_id, original_file_name, owner_id, owner_email, status, scheduled_at,
	created_at, started_at, completed_at, failed_at, cancelled_at, progress,
	print_time_elapsed, print_time_left, failure_reason, device_id, attempt, last_updated_at`

const (
	InsertJob = `
		INSERT INTO jobs (id, file_id, original_file_name, owner_id, owner_email, status, scheduled_at,
			created_at, progress, failure_reason, attempt, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', 1, ?)
	`

	GetJobByID = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	GetJobStatus = `SELECT status FROM jobs WHERE id = ?`

	UpdateJobProgress = `
		UPDATE jobs SET
			progress = MAX(progress, COALESCE(?, progress)),
			print_time_elapsed = COALESCE(?, print_time_elapsed),
			print_time_left = COALESCE(?, print_time_left),
			last_updated_at = ?
		WHERE id = ? AND status = 'printing' AND device_id = ?
	`

	DeleteTerminalJob = `
		DELETE FROM jobs WHERE id = ? AND status IN ('completed', 'failed', 'cancelled')
	`

	DeleteJobAttempts = `DELETE FROM job_attempts WHERE job_id = ?`

	CountJobsByStatus = `SELECT status, COUNT(*) FROM jobs GROUP BY status`

	CountOwnerJobsByStatus = `SELECT status, COUNT(*) FROM jobs WHERE owner_id = ? GROUP BY status`

	CountFailedSince = `SELECT COUNT(*) FROM jobs WHERE status = 'failed' AND failed_at >= ?`
)

const (
	// InsertAttemptFromJob snapshots the current terminal epoch of a job.
	// It inserts nothing when the job is no longer in the expected status.
	InsertAttemptFromJob = `
		INSERT INTO job_attempts (job_id, attempt, status, device_id, progress, failure_reason, started_at, ended_at, recorded_at)
		SELECT id, attempt, status, device_id, progress, failure_reason, started_at,
			COALESCE(completed_at, failed_at, cancelled_at), ?
		FROM jobs WHERE id = ? AND status = ?
	`

	ListJobAttempts = `
		SELECT job_id, attempt, status, device_id, progress, failure_reason, started_at, ended_at, recorded_at
		FROM job_attempts WHERE job_id = ? ORDER BY attempt ASC
	`
)

const (
	UpsertDevice = `
		INSERT INTO devices (id, name, state, current_job_id, nozzle_c, bed_c, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			current_job_id = excluded.current_job_id,
			nozzle_c = excluded.nozzle_c,
			bed_c = excluded.bed_c,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at
	`

	ListDevices = `
		SELECT id, name, state, current_job_id, nozzle_c, bed_c, last_seen_at
		FROM devices ORDER BY id ASC
	`
)

const (
	ListArchivableJobs = `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND archived_at IS NULL
		AND COALESCE(completed_at, failed_at, cancelled_at) < ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	MarkJobArchived = `UPDATE jobs SET archived_at = ?
		WHERE id = ? AND archived_at IS NULL AND status IN ('completed', 'failed', 'cancelled')`

	InsertArchiveJob = `
		INSERT INTO archive_jobs (original_job_id, archive_file, archived_at)
		VALUES (?, ?, ?)
	`

	CountArchiveJobs = `SELECT COUNT(*) FROM archive_jobs WHERE archive_file = ?`
)
