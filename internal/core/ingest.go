package core

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/printq/internal/clock"
)

type TerminalSignal string

const (
	SignalCompleted TerminalSignal = "completed"
	SignalFailed    TerminalSignal = "failed"
)

// Report is one push from the device driver.
type Report struct {
	DeviceID         string         `json:"device_id" validate:"required,max=128"`
	JobID            string         `json:"job_id" validate:"required_with=Terminal,max=128"`
	Progress         *float64       `json:"progress" validate:"omitempty,gte=0,lte=100"`
	PrintTimeElapsed *int64         `json:"print_time_elapsed" validate:"omitempty,gte=0"`
	PrintTimeLeft    *int64         `json:"print_time_left" validate:"omitempty,gte=0"`
	Temperature      *Temperature   `json:"temperature"`
	Terminal         TerminalSignal `json:"terminal" validate:"omitempty,oneof=completed failed"`
	Error            string         `json:"error" validate:"max=1024"`
	DeviceState      DeviceState    `json:"device_state" validate:"omitempty,oneof=idle printing"`
	ReportedAt       *time.Time     `json:"reported_at"`
}

type IngestOutcome string

const (
	OutcomeTelemetry  IngestOutcome = "telemetry"
	OutcomeProgress   IngestOutcome = "progress"
	OutcomeCompleted  IngestOutcome = "completed"
	OutcomeFailed     IngestOutcome = "failed"
	OutcomeDuplicate  IngestOutcome = "duplicate"
	OutcomeStale      IngestOutcome = "stale"
	OutcomeReconciled IngestOutcome = "reconciled"
)

type IngestResult struct {
	Outcome IngestOutcome `json:"outcome"`
	Device  Device        `json:"device"`
	Job     *Job          `json:"job,omitempty"`
}

// Notifier is told when a device frees up.
type Notifier interface {
	Trigger()
}

type nopNotifier struct{}

func (nopNotifier) Trigger() {}

type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// Ingestor applies device reports to the registry and the job store.
// Every report is safe to deliver more than once.
type Ingestor struct {
	jobs     JobStore
	devices  *DeviceRegistry
	clock    clock.Clock
	events   EventSink
	notifier Notifier
	logger   zerolog.Logger
	retry    RetryPolicy
}

func NewIngestor(jobs JobStore, devices *DeviceRegistry, clk clock.Clock, events EventSink, notifier Notifier, logger zerolog.Logger) *Ingestor {
	if clk == nil {
		clk = clock.Real()
	}
	if events == nil {
		events = nopSink{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Ingestor{
		jobs:     jobs,
		devices:  devices,
		clock:    clk,
		events:   events,
		notifier: notifier,
		logger:   logger,
		retry:    RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond},
	}
}

// SetRetryPolicy overrides how store errors are retried.
func (in *Ingestor) SetRetryPolicy(p RetryPolicy) {
	in.retry = p
}

func (in *Ingestor) Ingest(ctx context.Context, r Report) (IngestResult, error) {
	if err := validateStruct(r); err != nil {
		return IngestResult{}, err
	}

	// liveness is measured on our clock; ReportedAt is informational
	now := in.clock.Now()
	dev, err := in.devices.ReportTelemetry(r.DeviceID, r.Temperature, now)
	if err != nil {
		return IngestResult{}, err
	}
	res := IngestResult{Outcome: OutcomeTelemetry, Device: dev}

	if r.Terminal != "" {
		return in.applyTerminal(ctx, r, now, res)
	}

	if r.DeviceState == DeviceIdle && dev.CurrentJobID != "" && (r.JobID == "" || r.JobID == dev.CurrentJobID) {
		return in.reconcileIdle(ctx, dev, now, res)
	}

	if r.JobID == "" || (r.Progress == nil && r.PrintTimeElapsed == nil && r.PrintTimeLeft == nil) {
		return res, nil
	}

	job, err := withRetry(ctx, in.retry, func() (*Job, error) {
		return in.jobs.UpdateProgress(ctx, r.JobID, r.DeviceID, ProgressUpdate{
			At:               now,
			Progress:         r.Progress,
			PrintTimeElapsed: r.PrintTimeElapsed,
			PrintTimeLeft:    r.PrintTimeLeft,
		})
	})
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			in.logger.Debug().Err(err).Str("job_id", r.JobID).Str("device_id", r.DeviceID).Msg("ignoring stale progress report")
			res.Outcome = OutcomeStale
			return res, nil
		}
		return res, err
	}

	res.Outcome = OutcomeProgress
	res.Job = job
	return res, nil
}

func (in *Ingestor) applyTerminal(ctx context.Context, r Report, now time.Time, res IngestResult) (IngestResult, error) {
	job, err := withRetry(ctx, in.retry, func() (*Job, error) {
		return in.jobs.GetJob(ctx, r.JobID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			res.Outcome = OutcomeStale
			return res, nil
		}
		return res, err
	}

	if job.Status.IsTerminal() {
		in.settleDevice(r.DeviceID, job.ID, &res)
		res.Outcome = OutcomeDuplicate
		res.Job = job
		return res, nil
	}
	if job.Status != JobStatusPrinting || job.DeviceID != r.DeviceID {
		in.logger.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Str("device_id", r.DeviceID).Msg("ignoring stale terminal report")
		res.Outcome = OutcomeStale
		return res, nil
	}

	to, evt, outcome := JobStatusCompleted, EventJobCompleted, OutcomeCompleted
	if r.Terminal == SignalFailed {
		to, evt, outcome = JobStatusFailed, EventJobFailed, OutcomeFailed
	}

	updated, err := withRetry(ctx, in.retry, func() (*Job, error) {
		return in.jobs.TransitionJob(ctx, job.ID, JobStatusPrinting, to, JobUpdate{
			At:            now,
			FailureReason: r.Error,
		})
	})
	if err != nil {
		if !errors.Is(err, ErrConflict) {
			return res, err
		}
		// lost to a cancel or to a duplicate delivery of this report
		current, gerr := in.jobs.GetJob(ctx, job.ID)
		if gerr == nil && current.Status.IsTerminal() {
			in.settleDevice(r.DeviceID, job.ID, &res)
			res.Outcome = OutcomeDuplicate
			res.Job = current
			return res, nil
		}
		res.Outcome = OutcomeStale
		return res, nil
	}

	in.settleDevice(r.DeviceID, job.ID, &res)
	in.logger.Info().Str("job_id", job.ID).Str("device_id", r.DeviceID).Str("status", string(to)).Msg("job finished")
	in.events.Publish(jobEvent(evt, updated, now))

	res.Outcome = outcome
	res.Job = updated
	return res, nil
}

// reconcileIdle handles a device that says it is idle while it still
// holds a printing job: the job is failed and the device freed.
func (in *Ingestor) reconcileIdle(ctx context.Context, dev Device, now time.Time, res IngestResult) (IngestResult, error) {
	job, err := withRetry(ctx, in.retry, func() (*Job, error) {
		return in.jobs.TransitionJob(ctx, dev.CurrentJobID, JobStatusPrinting, JobStatusFailed, JobUpdate{
			At:            now,
			FailureReason: ReasonDeviceIdle,
		})
	})
	if err != nil && !IsRoutine(err) && !errors.Is(err, ErrNotFound) {
		return res, err
	}

	in.settleDevice(dev.ID, dev.CurrentJobID, &res)
	if err != nil {
		res.Outcome = OutcomeStale
		return res, nil
	}

	in.logger.Warn().Str("job_id", job.ID).Str("device_id", dev.ID).Msg("device reported idle during print, job failed")
	in.events.Publish(jobEvent(EventJobFailed, job, now))
	res.Outcome = OutcomeReconciled
	res.Job = job
	return res, nil
}

func (in *Ingestor) settleDevice(deviceID, jobID string, res *IngestResult) {
	if in.devices.Release(deviceID, jobID) {
		in.notifier.Trigger()
	}
	if dev, err := in.devices.Get(deviceID); err == nil {
		res.Device = dev
	}
}

// withRetry retries fn on infrastructure errors with exponential backoff.
// Domain errors are returned at once.
func withRetry[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay

	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil || IsDomain(err) || attempt >= attempts || ctx.Err() != nil {
			return v, err
		}
		select {
		case <-ctx.Done():
			return v, err
		case <-time.After(delay):
		}
		delay *= 2
	}
}
