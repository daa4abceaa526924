package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/printq/internal/core"
)

func TestDeliversSignedEvent(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{
		Endpoints: []Endpoint{{Name: "ops", URL: srv.URL, Secret: "s3cret", Events: []core.EventType{core.EventJobFailed}}},
	}, zerolog.Nop())
	s.Start()
	defer s.Stop()

	s.Publish(core.Event{Type: core.EventJobStarted, JobID: "ignored"})
	s.Publish(core.Event{Type: core.EventJobFailed, JobID: "j1", Reason: "jam", Timestamp: time.Now().UTC()})

	select {
	case r := <-received:
		body := <-bodies
		var payload WebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.Event != string(core.EventJobFailed) || payload.Data.JobID != "j1" {
			t.Fatalf("payload = %+v", payload)
		}
		data, _ := json.Marshal(payload.Data)
		if got := r.Header.Get("X-Webhook-Signature"); got != SignPayload(data, "s3cret") {
			t.Fatalf("signature = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{
		Endpoints:  []Endpoint{{Name: "flaky", URL: srv.URL}},
		RetryCount: 3,
		RetryDelay: 10 * time.Millisecond,
	}, zerolog.Nop())
	s.Start()
	defer s.Stop()

	s.Publish(core.Event{Type: core.EventJobCompleted, JobID: "j1"})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("delivered after %d calls, want 3", calls.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	s := NewWebhookSender(WebhookConfig{RetryCount: 5, RetryDelay: time.Millisecond}, zerolog.Nop())

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	task := &webhookTask{endpoint: Endpoint{URL: srv.URL}, payload: &WebhookPayload{Event: "job_failed"}}
	if err := s.sendWithRetry(task); err == nil {
		t.Fatal("expected an error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestEndpointTest(t *testing.T) {
	events := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		events <- r.Header.Get("X-Webhook-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{Endpoints: []Endpoint{{Name: "ops", URL: srv.URL, Events: []core.EventType{core.EventJobFailed}}}}, zerolog.Nop())

	if err := s.Test("ops"); err != nil {
		t.Fatal(err)
	}
	if got := <-events; got != string(EventTest) {
		t.Fatalf("event header = %q", got)
	}
	if err := s.Test("missing"); err != ErrEndpointNotFound {
		t.Fatalf("Test(missing) = %v", err)
	}
}
