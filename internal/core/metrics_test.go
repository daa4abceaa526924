package core_test

import (
	"testing"
	"time"

	"github.com/orrn/printq/internal/core"
)

func TestMetricsSnapshotIsCached(t *testing.T) {
	h := newHarness(t, "d1")
	h.startPrinting("alice")
	h.submit("bob", nil)
	at := epoch.Add(time.Hour)
	h.submit("carol", &at)

	m, err := h.metrics.Snapshot(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.Printing != 1 || m.Pending != 1 || m.Scheduled != 1 || m.Queued != 2 || m.Total != 3 {
		t.Fatalf("metrics = %+v", m)
	}

	h.submit("dave", nil)
	cached, err := h.metrics.Snapshot(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cached.Pending != 1 {
		t.Fatalf("cache miss inside ttl: %+v", cached)
	}

	h.clock.Advance(time.Second)
	fresh, err := h.metrics.Snapshot(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Pending != 2 || fresh.Total != 4 {
		t.Fatalf("metrics after ttl = %+v", fresh)
	}
}

func TestMetricsFailedWindow(t *testing.T) {
	h := newHarness(t, "d1")
	job := h.startPrinting("alice")
	if _, err := h.ingestor.Ingest(h.ctx, core.Report{DeviceID: "d1", JobID: job.ID, Terminal: core.SignalFailed}); err != nil {
		t.Fatal(err)
	}

	m, err := h.metrics.Snapshot(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.Failed != 1 || m.Failed24h != 1 {
		t.Fatalf("metrics = %+v", m)
	}

	h.clock.Advance(25 * time.Hour)
	m, err = h.metrics.Snapshot(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.Failed != 1 || m.Failed24h != 0 {
		t.Fatalf("metrics after a day = %+v", m)
	}
}

func TestUserStats(t *testing.T) {
	h := newHarness(t)
	a := h.submit("alice", nil)
	h.submit("alice", nil)
	h.submit("bob", nil)
	if _, err := h.manager.Cancel(h.ctx, core.Requester{UserID: "alice"}, a.ID); err != nil {
		t.Fatal(err)
	}

	s, err := h.metrics.UserStats(h.ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if s.Total != 2 || s.Pending != 1 || s.Cancelled != 1 {
		t.Fatalf("stats = %+v", s)
	}
}
