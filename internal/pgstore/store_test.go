package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orrn/printq/internal/core"
)

// Set PRINTQ_TEST_POSTGRES_DSN to run these against a scratch database.
func openTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("PRINTQ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PRINTQ_TEST_POSTGRES_DSN not set")
	}
	pool, err := Open(context.Background(), Config{DSN: dsn, MaxConns: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func newJob(owner string, created time.Time) *core.Job {
	return &core.Job{
		ID:            uuid.NewString(),
		FileID:        "file",
		OwnerID:       owner,
		Status:        core.JobStatusPending,
		CreatedAt:     created,
		LastUpdatedAt: created,
		Attempt:       1,
	}
}

func TestRenderChangesNumbersPlaceholders(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	changes, err := core.Plan(core.JobStatusFailed, core.JobStatusPending, core.JobUpdate{At: at})
	if err != nil {
		t.Fatal(err)
	}
	set, args := renderChanges(changes)
	if len(args) != len(changes)-1 {
		t.Fatalf("args = %d, changes = %d", len(args), len(changes))
	}
	want := "status = $1, last_updated_at = $2, scheduled_at = $3"
	if len(set) < len(want) || set[:len(want)] != want {
		t.Fatalf("set = %q", set)
	}
	if set[len(set)-len("attempt = attempt + 1"):] != "attempt = attempt + 1" {
		t.Fatalf("set = %q", set)
	}
}

func TestBuildJobWhere(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	where, args := buildJobWhere(core.JobFilter{
		OwnerID:         "alice",
		Statuses:        []core.JobStatus{core.JobStatusScheduled},
		ScheduledBefore: &at,
	})
	want := " WHERE owner_id = $1 AND status = ANY($2) AND scheduled_at IS NOT NULL AND scheduled_at <= $3"
	if where != want {
		t.Fatalf("where = %q", where)
	}
	if len(args) != 3 {
		t.Fatalf("args = %v", args)
	}
}

func TestStoreLifecycle(t *testing.T) {
	s := New(openTestPool(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	job := newJob("alice", now)
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	device := "dev-" + job.ID
	started, err := s.TransitionJob(ctx, job.ID, core.JobStatusPending, core.JobStatusPrinting, core.JobUpdate{At: now, DeviceID: device})
	if err != nil {
		t.Fatal(err)
	}
	if started.DeviceID != device || started.StartedAt == nil {
		t.Fatalf("job = %+v", started)
	}

	other := newJob("bob", now)
	if err := s.CreateJob(ctx, other); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionJob(ctx, other.ID, core.JobStatusPending, core.JobStatusPrinting, core.JobUpdate{At: now, DeviceID: device}); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("double booking: got %v", err)
	}

	_, err = s.TransitionJob(ctx, job.ID, core.JobStatusPending, core.JobStatusCancelled, core.JobUpdate{At: now})
	var conflict *core.ConflictError
	if !errors.As(err, &conflict) || conflict.Actual != core.JobStatusPrinting {
		t.Fatalf("stale cas: got %v", err)
	}

	p := 60.0
	if _, err := s.UpdateProgress(ctx, job.ID, device, core.ProgressUpdate{At: now, Progress: &p}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionJob(ctx, job.ID, core.JobStatusPrinting, core.JobStatusFailed, core.JobUpdate{At: now}); err != nil {
		t.Fatal(err)
	}
	retried, err := s.TransitionJob(ctx, job.ID, core.JobStatusFailed, core.JobStatusPending, core.JobUpdate{At: now})
	if err != nil {
		t.Fatal(err)
	}
	if retried.Attempt != 2 || retried.DeviceID != "" {
		t.Fatalf("retried = %+v", retried)
	}

	attempts, err := s.ListAttempts(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || attempts[0].Progress != 60 {
		t.Fatalf("attempts = %+v", attempts)
	}

	if err := s.DeleteJob(ctx, job.ID); !errors.Is(err, core.ErrIllegalState) {
		t.Fatalf("delete live job: got %v", err)
	}
}

func TestLockSchedulerIsExclusive(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	unlock, err := LockScheduler(ctx, pool)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := LockScheduler(ctx, pool); !errors.Is(err, ErrSchedulerLocked) {
		t.Fatalf("second lock: got %v", err)
	}

	unlock()
	again, err := LockScheduler(ctx, pool)
	if err != nil {
		t.Fatalf("lock after unlock: %v", err)
	}
	again()
}
