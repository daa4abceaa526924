package core

import (
	"context"
	"time"
)

type Job struct {
	ID               string     `json:"id"`
	FileID           string     `json:"file_id"`
	OriginalFileName string     `json:"original_file_name,omitempty"`
	OwnerID          string     `json:"owner_id"`
	OwnerEmail       string     `json:"owner_email,omitempty"`
	Status           JobStatus  `json:"status"`
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FailedAt         *time.Time `json:"failed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	Progress         float64    `json:"progress"`
	PrintTimeElapsed *int64     `json:"print_time_elapsed,omitempty"`
	PrintTimeLeft    *int64     `json:"print_time_left,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	DeviceID         string     `json:"device_id,omitempty"`
	Attempt          int        `json:"attempt"`
	LastUpdatedAt    time.Time  `json:"last_updated_at"`
}

// JobAttempt is the terminal snapshot of one epoch of a job, kept when the
// job is retried.
type JobAttempt struct {
	JobID         string     `json:"job_id"`
	Attempt       int        `json:"attempt"`
	Status        JobStatus  `json:"status"`
	DeviceID      string     `json:"device_id,omitempty"`
	Progress      float64    `json:"progress"`
	FailureReason string     `json:"failure_reason,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	RecordedAt    time.Time  `json:"recorded_at"`
}

type DeviceState string

const (
	DeviceIdle     DeviceState = "idle"
	DevicePrinting DeviceState = "printing"
	DeviceOffline  DeviceState = "offline"
)

type Temperature struct {
	NozzleC float64 `json:"nozzle_c" validate:"gte=-50,lte=600"`
	BedC    float64 `json:"bed_c" validate:"gte=-50,lte=300"`
}

type Device struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	State        DeviceState  `json:"state"`
	CurrentJobID string       `json:"current_job_id,omitempty"`
	Temperature  *Temperature `json:"temperature,omitempty"`
	LastSeenAt   *time.Time   `json:"last_seen_at,omitempty"`
}

// DeviceBinding pairs a device with the job it holds. JobID is empty when
// the device holds none.
type DeviceBinding struct {
	DeviceID string
	JobID    string
}

type Metrics struct {
	Scheduled int       `json:"scheduled"`
	Pending   int       `json:"pending"`
	Queued    int       `json:"queued"`
	Printing  int       `json:"printing"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	Failed24h int       `json:"failed_24h"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

type UserStats struct {
	Total     int `json:"total"`
	Scheduled int `json:"scheduled"`
	Pending   int `json:"pending"`
	Printing  int `json:"printing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// SortField names a sortable job column.
type SortField string

const (
	SortCreatedAt   SortField = "created_at"
	SortScheduledAt SortField = "scheduled_at"
	SortCompletedAt SortField = "completed_at"
	SortUpdatedAt   SortField = "last_updated_at"
)

type JobFilter struct {
	OwnerID         string
	DeviceID        string
	Statuses        []JobStatus
	CreatedFrom     *time.Time
	CreatedTo       *time.Time
	ScheduledBefore *time.Time
	SortBy          SortField
	SortDesc        bool
	Limit           int
	Offset          int
}

// JobUpdate carries the caller-supplied values for a transition. Which of
// them are applied is decided by Plan.
type JobUpdate struct {
	At            time.Time
	DeviceID      string
	FailureReason string
	ScheduledAt   *time.Time
}

type ProgressUpdate struct {
	At               time.Time
	Progress         *float64
	PrintTimeElapsed *int64
	PrintTimeLeft    *int64
}

// JobStore is the durable record of every job. Every mutation is a
// compare-and-swap on status.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	TransitionJob(ctx context.Context, id string, from, to JobStatus, upd JobUpdate) (*Job, error)
	UpdateProgress(ctx context.Context, id, deviceID string, upd ProgressUpdate) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	CountJobs(ctx context.Context, filter JobFilter) (int, error)
	CountByStatus(ctx context.Context, ownerID string) (map[JobStatus]int, error)
	CountFailedSince(ctx context.Context, since time.Time) (int, error)
	DeleteJob(ctx context.Context, id string) error
	ListAttempts(ctx context.Context, jobID string) ([]*JobAttempt, error)
}

// DeviceStore persists last-known device snapshots across restarts.
type DeviceStore interface {
	SaveDevice(ctx context.Context, d Device) error
	ListDevices(ctx context.Context) ([]Device, error)
}

type EventType string

const (
	EventJobStarted    EventType = "job_started"
	EventJobCompleted  EventType = "job_completed"
	EventJobFailed     EventType = "job_failed"
	EventJobCancelled  EventType = "job_cancelled"
	EventJobRetried    EventType = "job_retried"
	EventDeviceOffline EventType = "device_offline"
)

type Event struct {
	Type      EventType `json:"event"`
	JobID     string    `json:"job_id,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Status    JobStatus `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives lifecycle notifications. Publish must not block.
type EventSink interface {
	Publish(evt Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

func jobEvent(t EventType, job *Job, at time.Time) Event {
	return Event{
		Type:      t,
		JobID:     job.ID,
		DeviceID:  job.DeviceID,
		OwnerID:   job.OwnerID,
		Status:    job.Status,
		Reason:    job.FailureReason,
		Timestamp: at,
	}
}
