package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/orrn/printq/internal/core"
)

func TestCompletedReportFinishesJob(t *testing.T) {
	h := newHarness(t, "d1")
	job := h.startPrinting("alice")

	h.clock.Advance(10 * time.Minute)
	res, err := h.ingestor.Ingest(h.ctx, core.Report{
		DeviceID: "d1",
		JobID:    job.ID,
		Progress: ptr(100.0),
		Terminal: core.SignalCompleted,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != core.OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}

	got := h.job(job.ID)
	if got.Status != core.JobStatusCompleted || got.CompletedAt == nil || got.Progress != 100 {
		t.Fatalf("job = %+v", got)
	}
	if d := h.device("d1"); d.State != core.DeviceIdle || d.CurrentJobID != "" {
		t.Fatalf("device = %+v", d)
	}
	if res.Device.State != core.DeviceIdle {
		t.Errorf("result device state = %s", res.Device.State)
	}
}

func TestTerminalReportIsIdempotent(t *testing.T) {
	h := newHarness(t, "d1")
	job := h.startPrinting("alice")

	report := core.Report{DeviceID: "d1", JobID: job.ID, Terminal: core.SignalFailed, Error: "nozzle clog"}
	first, err := h.ingestor.Ingest(h.ctx, report)
	if err != nil {
		t.Fatal(err)
	}
	if first.Outcome != core.OutcomeFailed {
		t.Fatalf("first outcome = %s", first.Outcome)
	}
	failedAt := *h.job(job.ID).FailedAt

	h.clock.Advance(time.Minute)
	second, err := h.ingestor.Ingest(h.ctx, report)
	if err != nil {
		t.Fatal(err)
	}
	if second.Outcome != core.OutcomeDuplicate {
		t.Fatalf("second outcome = %s", second.Outcome)
	}

	got := h.job(job.ID)
	if got.FailureReason != "nozzle clog" || !got.FailedAt.Equal(failedAt) {
		t.Fatalf("duplicate report changed the job: %+v", got)
	}

	failed := 0
	for _, typ := range h.events.types() {
		if typ == core.EventJobFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("job_failed published %d times", failed)
	}
}

func TestStaleProgressIsIgnored(t *testing.T) {
	h := newHarness(t, "d1")
	job := h.startPrinting("alice")

	if _, err := h.ingestor.Ingest(h.ctx, core.Report{DeviceID: "d1", JobID: job.ID, Progress: ptr(40.0), PrintTimeLeft: ptr(int64(600))}); err != nil {
		t.Fatal(err)
	}
	if got := h.job(job.ID); got.Progress != 40 || got.PrintTimeLeft == nil || *got.PrintTimeLeft != 600 {
		t.Fatalf("job = %+v", got)
	}

	// a late packet with lower progress does not move it back
	res, err := h.ingestor.Ingest(h.ctx, core.Report{DeviceID: "d1", JobID: job.ID, Progress: ptr(25.0)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != core.OutcomeProgress {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if got := h.job(job.ID); got.Progress != 40 {
		t.Fatalf("progress regressed to %v", got.Progress)
	}

	if _, err := h.manager.Cancel(h.ctx, core.Requester{UserID: "alice"}, job.ID); err != nil {
		t.Fatal(err)
	}
	res, err = h.ingestor.Ingest(h.ctx, core.Report{DeviceID: "d1", JobID: job.ID, Progress: ptr(80.0)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != core.OutcomeStale {
		t.Fatalf("outcome after cancel = %s, want stale", res.Outcome)
	}
	if got := h.job(job.ID); got.Status != core.JobStatusCancelled || got.Progress != 40 {
		t.Fatalf("job = %+v", got)
	}
}

func TestTerminalReportFromWrongDeviceIsStale(t *testing.T) {
	h := newHarness(t, "d1", "d2")
	job := h.startPrinting("alice")

	other := "d2"
	if job.DeviceID == "d2" {
		other = "d1"
	}
	res, err := h.ingestor.Ingest(h.ctx, core.Report{DeviceID: other, JobID: job.ID, Terminal: core.SignalCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != core.OutcomeStale {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if got := h.job(job.ID); got.Status != core.JobStatusPrinting {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestIdleReportFailsBoundJob(t *testing.T) {
	h := newHarness(t, "d1")
	job := h.startPrinting("alice")

	res, err := h.ingestor.Ingest(h.ctx, core.Report{DeviceID: "d1", DeviceState: core.DeviceIdle})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != core.OutcomeReconciled {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	got := h.job(job.ID)
	if got.Status != core.JobStatusFailed || got.FailureReason != core.ReasonDeviceIdle {
		t.Fatalf("job = %+v", got)
	}
	if d := h.device("d1"); d.State != core.DeviceIdle {
		t.Fatalf("device state = %s", d.State)
	}
}

func TestOfflineDeviceReturnsIdle(t *testing.T) {
	h := newHarness(t, "d1")
	h.clock.Advance(heartbeat + time.Second)
	h.pass()
	if d := h.device("d1"); d.State != core.DeviceOffline {
		t.Fatalf("state = %s, want offline", d.State)
	}

	res := h.heartbeat("d1")
	if res.Device.State != core.DeviceIdle {
		t.Fatalf("state = %s, want idle", res.Device.State)
	}
}

func TestIngestValidation(t *testing.T) {
	h := newHarness(t, "d1")

	tests := []struct {
		name string
		r    core.Report
		want error
	}{
		{"missing device", core.Report{}, core.ErrValidation},
		{"progress out of range", core.Report{DeviceID: "d1", JobID: "j", Progress: ptr(120.0)}, core.ErrValidation},
		{"terminal without job", core.Report{DeviceID: "d1", Terminal: core.SignalCompleted}, core.ErrValidation},
		{"bad terminal", core.Report{DeviceID: "d1", JobID: "j", Terminal: "exploded"}, core.ErrValidation},
		{"unknown device", core.Report{DeviceID: "nope"}, core.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ingestor.Ingest(h.ctx, tt.r)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}
