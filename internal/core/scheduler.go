package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/printq/internal/clock"
)

type SchedulerConfig struct {
	Interval         time.Duration
	MaxBackoff       time.Duration
	HeartbeatTimeout time.Duration
	BatchSize        int
}

// PassResult summarizes one scheduling pass.
type PassResult struct {
	Reconciled int
	Released   int
	Promoted   int
	Started    int
}

const (
	maxPromotePages    = 100
	reasonDeviceLost   = "device lost track of job"
	reasonDeviceRemove = "device no longer registered"
)

// Scheduler promotes due scheduled jobs and hands pending jobs to idle
// devices, oldest first. It runs on a fixed interval and on Trigger.
type Scheduler struct {
	jobs    JobStore
	devices *DeviceRegistry
	clock   clock.Clock
	events  EventSink
	logger  zerolog.Logger
	config  SchedulerConfig
	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	passMu  sync.Mutex
	mu      sync.Mutex
	running bool
}

func NewScheduler(jobs JobStore, devices *DeviceRegistry, clk clock.Clock, events EventSink, logger zerolog.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 16
	}
	if clk == nil {
		clk = clock.Real()
	}
	if events == nil {
		events = nopSink{}
	}

	return &Scheduler{
		jobs:    jobs,
		devices: devices,
		clock:   clk,
		events:  events,
		logger:  logger,
		config:  cfg,
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover printing jobs: %w", err)
	}

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Trigger requests a pass as soon as possible. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
		}

		delay := s.config.Interval
		res, err := s.RunPass(ctx)
		if err != nil {
			failures++
			delay = s.calculateBackoff(failures)
			s.logger.Error().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("scheduling pass failed")
		} else {
			failures = 0
			if res.Reconciled+res.Released+res.Promoted+res.Started > 0 {
				s.logger.Debug().
					Int("reconciled", res.Reconciled).
					Int("released", res.Released).
					Int("promoted", res.Promoted).
					Int("started", res.Started).
					Msg("scheduling pass")
			}
		}
		timer.Reset(delay)
	}
}

func (s *Scheduler) calculateBackoff(failures int) time.Duration {
	if failures > 16 {
		failures = 16
	}
	backoff := s.config.Interval * time.Duration(1<<uint(failures))
	if backoff > s.config.MaxBackoff {
		backoff = s.config.MaxBackoff
	}
	return backoff
}

// Recover rebinds devices to jobs the store shows as printing, so that a
// restart neither loses track of running prints nor double-books a device.
func (s *Scheduler) Recover(ctx context.Context) error {
	jobs, err := s.jobs.ListJobs(ctx, JobFilter{Statuses: []JobStatus{JobStatusPrinting}, Limit: 1000})
	if err != nil {
		return err
	}

	for _, job := range jobs {
		err := s.devices.Restore(job.DeviceID, job.ID)
		if err == nil {
			s.logger.Info().Str("job_id", job.ID).Str("device_id", job.DeviceID).Msg("restored printing job")
			continue
		}
		s.logger.Warn().Err(err).Str("job_id", job.ID).Str("device_id", job.DeviceID).Msg("cannot restore printing job")
		if _, ferr := s.failJob(ctx, job.ID, reasonDeviceRemove); ferr != nil {
			return ferr
		}
	}
	return nil
}

// RunPass executes one reconcile, promote and dispatch cycle. Passes are
// serialized within the process, and a store is served by one scheduler
// process at a time.
func (s *Scheduler) RunPass(ctx context.Context) (PassResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	var res PassResult
	now := s.clock.Now()

	n, err := s.reconcile(ctx, now)
	res.Reconciled = n
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}

	n, err = s.releaseStale(ctx)
	res.Released = n
	if err != nil {
		return res, fmt.Errorf("release: %w", err)
	}

	n, err = s.promoteDue(ctx, now)
	res.Promoted = n
	if err != nil {
		return res, fmt.Errorf("promote: %w", err)
	}

	n, err = s.dispatch(ctx)
	res.Started = n
	if err != nil {
		return res, fmt.Errorf("dispatch: %w", err)
	}

	return res, nil
}

// reconcile fails jobs whose device went silent, then sweeps printing jobs
// that no device holds any more, which covers a failed write on an earlier
// pass.
func (s *Scheduler) reconcile(ctx context.Context, now time.Time) (int, error) {
	failed := 0
	for _, off := range s.devices.MarkOfflineIfStale(now, s.config.HeartbeatTimeout) {
		if off.JobID == "" {
			continue
		}
		ok, err := s.failJob(ctx, off.JobID, ReasonDeviceOffline)
		if err != nil {
			return failed, err
		}
		if ok {
			failed++
		}
	}

	printing, err := s.jobs.ListJobs(ctx, JobFilter{Statuses: []JobStatus{JobStatusPrinting}, Limit: 1000})
	if err != nil {
		return failed, err
	}
	for _, job := range printing {
		// a device this process never heard from is not ours to judge
		if !s.devices.HeardFrom(job.DeviceID) {
			s.logger.Debug().Str("job_id", job.ID).Str("device_id", job.DeviceID).Msg("skipping job on unknown device")
			continue
		}
		dev, err := s.devices.Get(job.DeviceID)
		reason := reasonDeviceRemove
		if err == nil {
			if dev.State == DevicePrinting && (dev.CurrentJobID == job.ID || dev.CurrentJobID == "") {
				continue
			}
			reason = reasonDeviceLost
			if dev.State == DeviceOffline {
				reason = ReasonDeviceOffline
			}
		}
		ok, err := s.failJob(ctx, job.ID, reason)
		if err != nil {
			return failed, err
		}
		if ok {
			failed++
		}
	}
	return failed, nil
}

// releaseStale frees devices still bound to a job that is no longer
// printing on them, such as a job cancelled between its start and the
// device binding.
func (s *Scheduler) releaseStale(ctx context.Context) (int, error) {
	released := 0
	for _, b := range s.devices.Bound() {
		job, err := s.jobs.GetJob(ctx, b.JobID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return released, err
		}
		if err == nil && job.Status == JobStatusPrinting && job.DeviceID == b.DeviceID {
			continue
		}
		if s.devices.Release(b.DeviceID, b.JobID) {
			released++
			s.logger.Warn().Str("device_id", b.DeviceID).Str("job_id", b.JobID).Msg("released device held by a finished job")
		}
	}
	return released, nil
}

func (s *Scheduler) failJob(ctx context.Context, jobID, reason string) (bool, error) {
	now := s.clock.Now()
	job, err := s.jobs.TransitionJob(ctx, jobID, JobStatusPrinting, JobStatusFailed, JobUpdate{
		At:            now,
		FailureReason: reason,
	})
	if err != nil {
		if IsRoutine(err) || errors.Is(err, ErrNotFound) {
			s.logger.Debug().Err(err).Str("job_id", jobID).Msg("job already left printing")
			return false, nil
		}
		return false, err
	}

	s.logger.Warn().Str("job_id", jobID).Str("device_id", job.DeviceID).Str("reason", reason).Msg("job failed by reconciliation")
	s.events.Publish(jobEvent(EventJobFailed, job, now))
	return true, nil
}

func (s *Scheduler) promoteDue(ctx context.Context, now time.Time) (int, error) {
	promoted := 0
	for page := 0; page < maxPromotePages; page++ {
		due, err := s.jobs.ListJobs(ctx, JobFilter{
			Statuses:        []JobStatus{JobStatusScheduled},
			ScheduledBefore: &now,
			SortBy:          SortScheduledAt,
			Limit:           s.config.BatchSize,
		})
		if err != nil {
			return promoted, err
		}

		for _, job := range due {
			_, err := s.jobs.TransitionJob(ctx, job.ID, JobStatusScheduled, JobStatusPending, JobUpdate{At: now})
			if err != nil {
				if IsRoutine(err) || errors.Is(err, ErrNotFound) {
					continue
				}
				return promoted, err
			}
			promoted++
			s.logger.Debug().Str("job_id", job.ID).Msg("scheduled job is due")
		}

		if len(due) < s.config.BatchSize {
			break
		}
	}
	return promoted, nil
}

func (s *Scheduler) dispatch(ctx context.Context) (int, error) {
	started := 0
	for _, deviceID := range s.devices.Idle() {
		candidates, err := s.jobs.ListJobs(ctx, JobFilter{
			Statuses: []JobStatus{JobStatusPending},
			SortBy:   SortCreatedAt,
			Limit:    s.config.BatchSize,
		})
		if err != nil {
			return started, err
		}
		if len(candidates) == 0 {
			break
		}

		job, err := s.assign(ctx, deviceID, candidates)
		if err != nil {
			return started, err
		}
		if job != nil {
			started++
		}
	}
	return started, nil
}

// assign claims the device, then the job. A lost race on the job releases
// the claim and moves on to the next candidate.
func (s *Scheduler) assign(ctx context.Context, deviceID string, candidates []*Job) (*Job, error) {
	for _, candidate := range candidates {
		if err := s.devices.TryAcquire(deviceID); err != nil {
			// device changed under us; try it again next pass
			return nil, nil
		}

		now := s.clock.Now()
		job, err := s.jobs.TransitionJob(ctx, candidate.ID, JobStatusPending, JobStatusPrinting, JobUpdate{
			At:       now,
			DeviceID: deviceID,
		})
		if err != nil {
			s.devices.Release(deviceID, "")
			if IsRoutine(err) || errors.Is(err, ErrNotFound) {
				s.logger.Debug().Err(err).Str("job_id", candidate.ID).Msg("lost job to a concurrent transition")
				continue
			}
			return nil, err
		}

		if err := s.devices.Bind(deviceID, job.ID); err != nil {
			// the claim was dropped (device went offline); the next
			// reconcile fails the job
			s.logger.Warn().Err(err).Str("job_id", job.ID).Str("device_id", deviceID).Msg("failed to bind job to device")
		} else if current, err := s.jobs.GetJob(ctx, job.ID); err == nil && current.Status != JobStatusPrinting {
			// finished between the start and the bind, so its own
			// release found nothing to free
			s.devices.Release(deviceID, job.ID)
			s.logger.Info().Str("job_id", job.ID).Str("status", string(current.Status)).Msg("job left printing before bind")
			continue
		}

		s.logger.Info().Str("job_id", job.ID).Str("device_id", deviceID).Msg("job started")
		s.events.Publish(jobEvent(EventJobStarted, job, now))
		return job, nil
	}
	return nil, nil
}
