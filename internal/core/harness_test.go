package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/printq/internal/clock"
	"github.com/orrn/printq/internal/core"
	"github.com/orrn/printq/internal/db"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type sink struct {
	mu     sync.Mutex
	events []core.Event
}

func (s *sink) Publish(evt core.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *sink) types() []core.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *clock.Fake
	jobs      *db.JobOperations
	devices   *core.DeviceRegistry
	scheduler *core.Scheduler
	manager   *core.JobManager
	ingestor  *core.Ingestor
	metrics   *core.MetricsAggregator
	events    *sink
}

const heartbeat = 30 * time.Second

func newHarness(t *testing.T, deviceIDs ...string) *harness {
	t.Helper()

	database, err := db.Open(db.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		clock:  clock.NewFake(epoch),
		jobs:   db.NewJobOperations(database),
		events: &sink{},
	}
	logger := zerolog.Nop()

	h.devices = core.NewDeviceRegistry(db.NewDeviceOperations(database), h.clock, h.events, logger)
	h.scheduler = core.NewScheduler(h.jobs, h.devices, h.clock, h.events, logger, core.SchedulerConfig{
		Interval:         time.Second,
		HeartbeatTimeout: heartbeat,
		BatchSize:        4,
	})
	h.manager = core.NewJobManager(h.jobs, h.devices, h.clock, h.events, h.scheduler, time.Minute, logger)
	h.ingestor = core.NewIngestor(h.jobs, h.devices, h.clock, h.events, h.scheduler, logger)
	h.ingestor.SetRetryPolicy(core.RetryPolicy{Attempts: 1})
	h.metrics = core.NewMetricsAggregator(h.jobs, h.clock, time.Second)

	for _, id := range deviceIDs {
		h.devices.Register(id, "")
		h.heartbeat(id)
	}
	return h
}

func (h *harness) heartbeat(deviceID string) core.IngestResult {
	h.t.Helper()
	res, err := h.ingestor.Ingest(h.ctx, core.Report{DeviceID: deviceID})
	if err != nil {
		h.t.Fatalf("heartbeat %s: %v", deviceID, err)
	}
	return res
}

func (h *harness) submit(owner string, scheduledAt *time.Time) *core.Job {
	h.t.Helper()
	job, err := h.manager.Submit(h.ctx, core.SubmitRequest{
		FileID:      "file-" + owner,
		OwnerID:     owner,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		h.t.Fatalf("submit: %v", err)
	}
	return job
}

func (h *harness) pass() core.PassResult {
	h.t.Helper()
	res, err := h.scheduler.RunPass(h.ctx)
	if err != nil {
		h.t.Fatalf("scheduling pass: %v", err)
	}
	return res
}

func (h *harness) job(id string) *core.Job {
	h.t.Helper()
	job, err := h.jobs.GetJob(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get job %s: %v", id, err)
	}
	return job
}

func (h *harness) device(id string) core.Device {
	h.t.Helper()
	d, err := h.devices.Get(id)
	if err != nil {
		h.t.Fatalf("get device %s: %v", id, err)
	}
	return d
}

// startPrinting submits a job and runs a pass so it lands on a device.
func (h *harness) startPrinting(owner string) *core.Job {
	h.t.Helper()
	job := h.submit(owner, nil)
	h.pass()
	job = h.job(job.ID)
	if job.Status != core.JobStatusPrinting {
		h.t.Fatalf("job %s is %s, want printing", job.ID, job.Status)
	}
	return job
}

func ptr[T any](v T) *T { return &v }
