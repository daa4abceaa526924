package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orrn/printq/internal/clock"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return validationError(strings.ToLower(fe.Field()), fmt.Sprintf("failed %q check", fe.Tag()))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

type SubmitRequest struct {
	FileID           string     `json:"file_id" validate:"required,max=256"`
	OriginalFileName string     `json:"original_file_name" validate:"max=512"`
	OwnerID          string     `json:"owner_id" validate:"required,max=128"`
	OwnerEmail       string     `json:"owner_email" validate:"omitempty,email"`
	ScheduledAt      *time.Time `json:"scheduled_at"`
}

// RetryRequest optionally reschedules a retried job.
type RetryRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// NewJob builds a job in its initial status. A start time in the future
// yields scheduled, one within grace of now yields pending.
func NewJob(req SubmitRequest, now time.Time, grace time.Duration) (*Job, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	now = now.UTC()
	job := &Job{
		ID:               uuid.NewString(),
		FileID:           req.FileID,
		OriginalFileName: req.OriginalFileName,
		OwnerID:          req.OwnerID,
		OwnerEmail:       req.OwnerEmail,
		Status:           JobStatusPending,
		CreatedAt:        now,
		LastUpdatedAt:    now,
		Attempt:          1,
	}

	status, scheduledAt, err := initialStatus(req.ScheduledAt, now, grace)
	if err != nil {
		return nil, err
	}
	job.Status = status
	job.ScheduledAt = scheduledAt
	return job, nil
}

func initialStatus(scheduledAt *time.Time, now time.Time, grace time.Duration) (JobStatus, *time.Time, error) {
	if scheduledAt == nil {
		return JobStatusPending, nil, nil
	}
	at := scheduledAt.UTC()
	if at.Before(now.Add(-grace)) {
		return "", nil, validationError("scheduled_at", "must not be in the past")
	}
	if at.After(now) {
		return JobStatusScheduled, &at, nil
	}
	return JobStatusPending, nil, nil
}

// JobManager carries out user-initiated operations: submit, cancel,
// retry and delete.
type JobManager struct {
	jobs        JobStore
	devices     *DeviceRegistry
	clock       clock.Clock
	events      EventSink
	notifier    Notifier
	graceWindow time.Duration
	logger      zerolog.Logger
}

func NewJobManager(jobs JobStore, devices *DeviceRegistry, clk clock.Clock, events EventSink, notifier Notifier, grace time.Duration, logger zerolog.Logger) *JobManager {
	if clk == nil {
		clk = clock.Real()
	}
	if events == nil {
		events = nopSink{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &JobManager{
		jobs:        jobs,
		devices:     devices,
		clock:       clk,
		events:      events,
		notifier:    notifier,
		graceWindow: grace,
		logger:      logger,
	}
}

func (m *JobManager) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	job, err := NewJob(req, m.clock.Now(), m.graceWindow)
	if err != nil {
		return nil, err
	}
	if err := m.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	m.logger.Info().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Str("status", string(job.Status)).Msg("job submitted")
	if job.Status == JobStatusPending {
		m.notifier.Trigger()
	}
	return job, nil
}

func (m *JobManager) Get(ctx context.Context, id string) (*Job, error) {
	return m.jobs.GetJob(ctx, id)
}

func (m *JobManager) List(ctx context.Context, filter JobFilter) ([]*Job, int, error) {
	jobs, err := m.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := m.jobs.CountJobs(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (m *JobManager) Attempts(ctx context.Context, id string) ([]*JobAttempt, error) {
	if _, err := m.jobs.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return m.jobs.ListAttempts(ctx, id)
}

func (m *JobManager) controlled(ctx context.Context, req Requester, id string) (*Job, error) {
	job, err := m.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.CanControl(job) {
		return nil, fmt.Errorf("job %s: %w", id, ErrForbidden)
	}
	return job, nil
}

// Cancel moves a live job to cancelled. A printing job's device is freed
// only if it is still bound to this job.
func (m *JobManager) Cancel(ctx context.Context, req Requester, id string) (*Job, error) {
	job, err := m.controlled(ctx, req, id)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	updated, err := m.jobs.TransitionJob(ctx, id, job.Status, JobStatusCancelled, JobUpdate{At: now})
	if err != nil {
		return nil, err
	}

	if job.Status == JobStatusPrinting && updated.DeviceID != "" {
		if m.devices.Release(updated.DeviceID, id) {
			m.notifier.Trigger()
		}
	}

	m.logger.Info().Str("job_id", id).Str("from", string(job.Status)).Str("by", req.UserID).Msg("job cancelled")
	m.events.Publish(jobEvent(EventJobCancelled, updated, now))
	return updated, nil
}

// Retry resets a failed or cancelled job in place for a new attempt. The
// previous attempt is kept in the job's history.
func (m *JobManager) Retry(ctx context.Context, req Requester, id string, rr RetryRequest) (*Job, error) {
	job, err := m.controlled(ctx, req, id)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	to, scheduledAt, err := initialStatus(rr.ScheduledAt, now, m.graceWindow)
	if err != nil {
		return nil, err
	}

	updated, err := m.jobs.TransitionJob(ctx, id, job.Status, to, JobUpdate{At: now, ScheduledAt: scheduledAt})
	if err != nil {
		return nil, err
	}

	m.logger.Info().Str("job_id", id).Int("attempt", updated.Attempt).Str("status", string(to)).Msg("job retried")
	m.events.Publish(jobEvent(EventJobRetried, updated, now))
	if to == JobStatusPending {
		m.notifier.Trigger()
	}
	return updated, nil
}

// Delete removes a terminal job and its attempt history.
func (m *JobManager) Delete(ctx context.Context, req Requester, id string) error {
	if _, err := m.controlled(ctx, req, id); err != nil {
		return err
	}
	if err := m.jobs.DeleteJob(ctx, id); err != nil {
		return err
	}
	m.logger.Info().Str("job_id", id).Str("by", req.UserID).Msg("job deleted")
	return nil
}

// Upcoming lists the owner's scheduled jobs, soonest first.
func (m *JobManager) Upcoming(ctx context.Context, ownerID string, limit int) ([]*Job, error) {
	return m.jobs.ListJobs(ctx, JobFilter{
		OwnerID:  ownerID,
		Statuses: []JobStatus{JobStatusScheduled},
		SortBy:   SortScheduledAt,
		Limit:    limit,
	})
}

// RecentCompleted lists jobs completed in the last window, newest first.
func (m *JobManager) RecentCompleted(ctx context.Context, window time.Duration, limit int) ([]*Job, error) {
	jobs, err := m.jobs.ListJobs(ctx, JobFilter{
		Statuses: []JobStatus{JobStatusCompleted},
		SortBy:   SortCompletedAt,
		SortDesc: true,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	since := m.clock.Now().Add(-window)
	out := jobs[:0]
	for _, j := range jobs {
		if j.CompletedAt != nil && !j.CompletedAt.Before(since) {
			out = append(out, j)
		}
	}
	return out, nil
}
