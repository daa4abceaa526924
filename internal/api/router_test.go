package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/printq/internal/api/middleware"
	"github.com/orrn/printq/internal/archive"
	"github.com/orrn/printq/internal/clock"
	"github.com/orrn/printq/internal/config"
	"github.com/orrn/printq/internal/core"
	"github.com/orrn/printq/internal/db"
	"github.com/orrn/printq/internal/webhook"
)

const deviceToken = "driver-token"

type testServer struct {
	t         *testing.T
	router    *gin.Engine
	auth      *middleware.AuthMiddleware
	scheduler *core.Scheduler
	cfg       *config.Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(db.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(deviceToken), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Auth.JWTSecret = "router-secret"
	cfg.Auth.DeviceTokenHash = string(hash)
	cfg.Database.ArchivePassphrase = ""

	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := zerolog.Nop()
	jobs := db.NewJobOperations(database)

	devices := core.NewDeviceRegistry(db.NewDeviceOperations(database), clk, nil, logger)
	devices.Register("d1", "Front printer")
	scheduler := core.NewScheduler(jobs, devices, clk, nil, logger, core.SchedulerConfig{
		Interval:         time.Second,
		HeartbeatTimeout: time.Minute,
		BatchSize:        4,
	})
	manager := core.NewJobManager(jobs, devices, clk, nil, scheduler, time.Minute, logger)
	ingestor := core.NewIngestor(jobs, devices, clk, nil, scheduler, logger)
	ingestor.SetRetryPolicy(core.RetryPolicy{Attempts: 1})
	metrics := core.NewMetricsAggregator(jobs, clk, 0)

	archiver, err := archive.NewArchiver(db.NewArchiveOperations(database), archive.ArchiveConfig{ArchivePath: t.TempDir()}, clk, logger)
	if err != nil {
		t.Fatal(err)
	}

	return &testServer{
		t: t,
		router: NewRouter(Deps{
			Config:   cfg,
			Manager:  manager,
			Devices:  devices,
			Ingestor: ingestor,
			Metrics:  metrics,
			Archiver: archiver,
			Webhooks: webhook.NewWebhookSender(webhook.WebhookConfig{
				Endpoints: []webhook.Endpoint{{Name: "ops", URL: "http://127.0.0.1:1/hook", Secret: "s"}},
			}, logger),
			Logger: logger,
		}),
		auth: middleware.NewAuthMiddleware(middleware.AuthConfig{
			JWTSecret: cfg.Auth.JWTSecret,
			AdminRole: cfg.Auth.AdminRole,
		}),
		scheduler: scheduler,
		cfg:       cfg,
	}
}

func (s *testServer) token(user, role string) string {
	s.t.Helper()
	tok, err := s.auth.GenerateToken(user, user+"@example.com", role, time.Now(), time.Hour)
	if err != nil {
		s.t.Fatal(err)
	}
	return tok
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) report(body any) *httptest.ResponseRecorder {
	s.t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.DeviceTokenHeader, deviceToken)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

type jobEnvelope struct {
	Job core.Job `json:"job"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *testServer) submit(token string) core.Job {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/jobs", token, map[string]any{"file_id": "file-1", "original_file_name": "part.gcode"})
	if w.Code != http.StatusCreated {
		s.t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	return decode[jobEnvelope](s.t, w).Job
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/api/v1/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Fatal("missing request id header")
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	alice := s.token("alice", "user")

	if w := s.report(map[string]any{"device_id": "d1", "device_state": "idle"}); w.Code != http.StatusOK {
		t.Fatalf("heartbeat: %d %s", w.Code, w.Body.String())
	}

	job := s.submit(alice)
	if job.Status != core.JobStatusPending || job.OwnerID != "alice" || job.OwnerEmail != "alice@example.com" {
		t.Fatalf("submitted job = %+v", job)
	}

	if _, err := s.scheduler.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := s.report(map[string]any{"device_id": "d1", "job_id": job.ID, "progress": 40, "print_time_left": 120})
	if w.Code != http.StatusOK {
		t.Fatalf("progress: %d %s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodGet, "/api/v1/jobs/"+job.ID+"/progress", alice, nil)
	progress := decode[map[string]any](t, w)
	if progress["status"] != "printing" || progress["progress"] != 40.0 || progress["device_id"] != "d1" {
		t.Fatalf("progress view = %v", progress)
	}

	w = s.do(http.MethodGet, "/api/v1/devices/d1", alice, nil)
	dev := decode[map[string]any](t, w)
	if dev["state"] != "printing" || dev["current_job_id"] != job.ID || dev["can_print"] != false {
		t.Fatalf("device = %v", dev)
	}

	w = s.report(map[string]any{"device_id": "d1", "job_id": job.ID, "terminal": "completed"})
	if got := decode[core.IngestResult](t, w); got.Outcome != core.OutcomeCompleted {
		t.Fatalf("outcome = %s", got.Outcome)
	}
	w = s.report(map[string]any{"device_id": "d1", "job_id": job.ID, "terminal": "completed"})
	if got := decode[core.IngestResult](t, w); got.Outcome != core.OutcomeDuplicate {
		t.Fatalf("repeat outcome = %s", got.Outcome)
	}

	w = s.do(http.MethodGet, "/api/v1/jobs/"+job.ID, alice, nil)
	if got := decode[jobEnvelope](t, w).Job; got.Status != core.JobStatusCompleted || got.Progress != 100 {
		t.Fatalf("job = %+v", got)
	}

	w = s.do(http.MethodGet, "/api/v1/metrics", alice, nil)
	if m := decode[core.Metrics](t, w); m.Completed != 1 || m.Total != 1 {
		t.Fatalf("metrics = %+v", m)
	}

	w = s.do(http.MethodGet, "/api/v1/me/stats", alice, nil)
	if st := decode[core.UserStats](t, w); st.Completed != 1 {
		t.Fatalf("stats = %+v", st)
	}

	w = s.do(http.MethodGet, "/api/v1/jobs/recent-completed", alice, nil)
	if n := decode[map[string]any](t, w)["count"]; n != 1.0 {
		t.Fatalf("recent completed count = %v", n)
	}

	w = s.do(http.MethodDelete, "/api/v1/jobs/"+job.ID, s.token("bob", "user"), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger delete: %d", w.Code)
	}
	w = s.do(http.MethodDelete, "/api/v1/jobs/"+job.ID, alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner delete: %d %s", w.Code, w.Body.String())
	}
}

func TestControlErrorsMapToStatus(t *testing.T) {
	s := newTestServer(t)
	alice := s.token("alice", "user")
	bob := s.token("bob", "user")
	admin := s.token("ops", "admin")

	job := s.submit(alice)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"no token", http.MethodGet, "/api/v1/jobs", "", nil, http.StatusUnauthorized, "unauthorized"},
		{"unknown job", http.MethodGet, "/api/v1/jobs/missing", alice, nil, http.StatusNotFound, "not_found"},
		{"missing file id", http.MethodPost, "/api/v1/jobs", alice, map[string]any{}, http.StatusBadRequest, "validation_failed"},
		{"start time in the past", http.MethodPost, "/api/v1/jobs", alice, map[string]any{"file_id": "f", "scheduled_at": "2020-01-01T00:00:00Z"}, http.StatusBadRequest, "validation_failed"},
		{"bad status filter", http.MethodGet, "/api/v1/jobs?status=pending,bogus", alice, nil, http.StatusBadRequest, "validation_failed"},
		{"bad sort", http.MethodGet, "/api/v1/jobs?sort=-owner", alice, nil, http.StatusBadRequest, "validation_failed"},
		{"stranger cancel", http.MethodPost, "/api/v1/jobs/" + job.ID + "/cancel", bob, nil, http.StatusForbidden, "forbidden"},
		{"retry pending", http.MethodPost, "/api/v1/jobs/" + job.ID + "/retry", alice, nil, http.StatusUnprocessableEntity, "illegal_transition"},
		{"delete live job", http.MethodDelete, "/api/v1/jobs/" + job.ID, alice, nil, http.StatusConflict, "illegal_state"},
		{"admin cancels", http.MethodPost, "/api/v1/jobs/" + job.ID + "/cancel", admin, nil, http.StatusOK, ""},
		{"cancel twice", http.MethodPost, "/api/v1/jobs/" + job.ID + "/cancel", alice, nil, http.StatusUnprocessableEntity, "illegal_transition"},
		{"unknown device", http.MethodGet, "/api/v1/devices/nope", alice, nil, http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.path, tt.token, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			if tt.code != "" {
				if got := decode[errorBody](t, w); got.Error != tt.code {
					t.Fatalf("error code = %q, want %q", got.Error, tt.code)
				}
			}
		})
	}
}

func TestRetryOverHTTP(t *testing.T) {
	s := newTestServer(t)
	alice := s.token("alice", "user")
	job := s.submit(alice)

	if w := s.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", alice, nil); w.Code != http.StatusOK {
		t.Fatalf("cancel: %d", w.Code)
	}

	w := s.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/retry", alice, map[string]any{"scheduled_at": "2025-03-01T15:00:00Z"})
	retried := decode[jobEnvelope](t, w).Job
	if w.Code != http.StatusOK || retried.ID != job.ID || retried.Status != core.JobStatusScheduled || retried.Attempt != 2 {
		t.Fatalf("retry: %d %+v", w.Code, retried)
	}

	w = s.do(http.MethodGet, "/api/v1/jobs/"+job.ID+"/attempts", alice, nil)
	var attempts struct {
		Attempts []core.JobAttempt `json:"attempts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &attempts); err != nil {
		t.Fatal(err)
	}
	if len(attempts.Attempts) != 1 || attempts.Attempts[0].Status != core.JobStatusCancelled {
		t.Fatalf("attempts = %+v", attempts.Attempts)
	}

	w = s.do(http.MethodGet, "/api/v1/me/jobs/upcoming", alice, nil)
	if n := decode[map[string]any](t, w)["count"]; n != 1.0 {
		t.Fatalf("upcoming count = %v", n)
	}
}

func TestListJobsQuery(t *testing.T) {
	s := newTestServer(t)
	alice := s.token("alice", "user")
	bob := s.token("bob", "user")
	for i := 0; i < 3; i++ {
		s.submit(alice)
	}
	s.submit(bob)

	tests := []struct {
		query string
		count int
		total int
	}{
		{"", 4, 4},
		{"?owner=alice", 3, 3},
		{"?owner=alice&limit=2", 2, 3},
		{"?owner=alice&limit=2&offset=2", 1, 3},
		{"?status=completed", 0, 0},
		{"?status=pending,scheduled&sort=created_at", 4, 4},
		{"?from=2025-03-01&to=2025-03-01", 4, 4},
		{"?to=2025-02-28", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := s.do(http.MethodGet, "/api/v1/jobs"+tt.query, alice, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", w.Code, w.Body.String())
			}
			resp := decode[struct {
				Count int `json:"count"`
				Total int `json:"total"`
			}](t, w)
			if resp.Count != tt.count || resp.Total != tt.total {
				t.Fatalf("count/total = %d/%d, want %d/%d", resp.Count, resp.Total, tt.count, tt.total)
			}
		})
	}

	w := s.do(http.MethodGet, "/api/v1/me/jobs", bob, nil)
	if n := decode[map[string]any](t, w)["total"]; n != 1.0 {
		t.Fatalf("bob's jobs = %v", n)
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	admin := s.token("ops", "admin")

	if w := s.do(http.MethodGet, "/api/v1/admin/config", s.token("alice", "user"), nil); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin config: %d", w.Code)
	}

	w := s.do(http.MethodGet, "/api/v1/admin/config", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("config: %d", w.Code)
	}
	if strings.Contains(w.Body.String(), s.cfg.Auth.JWTSecret) || strings.Contains(w.Body.String(), s.cfg.Auth.DeviceTokenHash) {
		t.Fatalf("config leaks a secret: %s", w.Body.String())
	}

	w = s.do(http.MethodGet, "/api/v1/admin/archives", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("archives: %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/api/v1/admin/archives/run", admin, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("archive without passphrase: %d", w.Code)
	}
	if w := s.do(http.MethodGet, "/api/v1/admin/archives/../../etc/passwd", admin, nil); w.Code == http.StatusOK {
		t.Fatal("path escape served a file")
	}

	w = s.do(http.MethodGet, "/api/v1/admin/webhooks", admin, nil)
	hooks := decode[struct {
		Webhooks []struct {
			Name      string `json:"name"`
			HasSecret bool   `json:"has_secret"`
		} `json:"webhooks"`
	}](t, w)
	if len(hooks.Webhooks) != 1 || hooks.Webhooks[0].Name != "ops" || !hooks.Webhooks[0].HasSecret {
		t.Fatalf("webhooks = %s", w.Body.String())
	}
	if w := s.do(http.MethodPost, "/api/v1/admin/webhooks/nope/test", admin, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown webhook test: %d", w.Code)
	}
}

func TestTelemetryNeedsDeviceToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", strings.NewReader(`{"device_id":"d1"}`))
	req.Header.Set("Authorization", "Bearer "+s.token("alice", "admin"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}

	if w := s.report(map[string]any{"device_id": "ghost"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown device: %d", w.Code)
	}
	if w := s.report(map[string]any{"device_id": "d1", "progress": 140}); w.Code != http.StatusBadRequest {
		t.Fatalf("out of range progress: %d", w.Code)
	}
}

func TestOwnerEmailHiddenFromOtherUsers(t *testing.T) {
	s := newTestServer(t)
	alice := s.token("alice", "user")
	job := s.submit(alice)
	if job.OwnerEmail != "alice@example.com" {
		t.Fatalf("owner_email = %q", job.OwnerEmail)
	}

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"owner", alice, "alice@example.com"},
		{"other user", s.token("bob", "user"), ""},
		{"admin", s.token("ops", "admin"), "alice@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodGet, "/api/v1/jobs/"+job.ID, tt.token, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("get: %d %s", w.Code, w.Body.String())
			}
			if got := decode[jobEnvelope](t, w).Job.OwnerEmail; got != tt.want {
				t.Errorf("get owner_email = %q, want %q", got, tt.want)
			}

			w = s.do(http.MethodGet, "/api/v1/jobs?owner=alice", tt.token, nil)
			list := decode[struct {
				Jobs []core.Job `json:"jobs"`
			}](t, w)
			if len(list.Jobs) != 1 || list.Jobs[0].OwnerEmail != tt.want {
				t.Errorf("list = %+v", list.Jobs)
			}
		})
	}
}
