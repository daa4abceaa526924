package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/printq/internal/core"
)

// EventTest marks deliveries triggered by Test.
const EventTest core.EventType = "test"

var ErrEndpointNotFound = errors.New("webhook endpoint not found")

type WebhookPayload struct {
	Event     string     `json:"event"`
	Timestamp time.Time  `json:"timestamp"`
	Data      core.Event `json:"data"`
	Signature string     `json:"signature,omitempty"`
}

// Endpoint is a configured receiver. An empty Events list subscribes to
// everything.
type Endpoint struct {
	Name   string
	URL    string
	Secret string
	Events []core.EventType
}

func (e Endpoint) wants(t core.EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, want := range e.Events {
		if want == t {
			return true
		}
	}
	return false
}

type WebhookConfig struct {
	Endpoints   []Endpoint
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type webhookTask struct {
	endpoint Endpoint
	payload  *WebhookPayload
	attempt  int
}

type httpError struct {
	status int
}

func (e *httpError) Error() string { return fmt.Sprintf("http error: %d", e.status) }

// WebhookSender delivers lifecycle events to configured endpoints from a
// bounded queue. Publish never blocks; a full queue drops the event.
type WebhookSender struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	queue       chan *webhookTask
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	logger      zerolog.Logger
}

var _ core.EventSink = (*WebhookSender)(nil)

func NewWebhookSender(config WebhookConfig, logger zerolog.Logger) *WebhookSender {
	if config.RetryCount <= 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}

	return &WebhookSender{
		endpoints: config.Endpoints,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retryCount:  config.RetryCount,
		retryDelay:  config.RetryDelay,
		workerCount: config.WorkerCount,
		queue:       make(chan *webhookTask, config.QueueSize),
		stopCh:      make(chan struct{}),
		logger:      logger,
	}
}

func (s *WebhookSender) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *WebhookSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *WebhookSender) Publish(evt core.Event) {
	for _, endpoint := range s.endpoints {
		if !endpoint.wants(evt.Type) {
			continue
		}

		task := &webhookTask{
			endpoint: endpoint,
			payload: &WebhookPayload{
				Event:     string(evt.Type),
				Timestamp: evt.Timestamp,
				Data:      evt,
			},
		}

		select {
		case s.queue <- task:
		default:
			s.logger.Warn().Str("endpoint", endpoint.Name).Str("event", string(evt.Type)).Msg("webhook queue full, dropping event")
		}
	}
}

func (s *WebhookSender) Endpoints() []Endpoint {
	return append([]Endpoint(nil), s.endpoints...)
}

// Test sends one signed test event to the named endpoint, without retries.
func (s *WebhookSender) Test(name string) error {
	for _, endpoint := range s.endpoints {
		if endpoint.Name != name {
			continue
		}
		evt := core.Event{Type: EventTest, Timestamp: time.Now().UTC()}
		return s.sendRequest(endpoint, &WebhookPayload{
			Event:     string(EventTest),
			Timestamp: evt.Timestamp,
			Data:      evt,
		})
	}
	return ErrEndpointNotFound
}

func (s *WebhookSender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			if err := s.sendWithRetry(task); err != nil {
				s.logger.Error().Err(err).
					Int("worker", id).
					Str("endpoint", task.endpoint.Name).
					Str("event", task.payload.Event).
					Int("attempts", task.attempt).
					Msg("failed to deliver webhook")
			}
		}
	}
}

func (s *WebhookSender) sendWithRetry(task *webhookTask) error {
	var lastErr error
	for task.attempt < s.retryCount {
		task.attempt++

		err := s.sendRequest(task.endpoint, task.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if task.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(task.attempt-1))
			s.logger.Debug().Err(err).
				Str("endpoint", task.endpoint.Name).
				Int("attempt", task.attempt).
				Dur("backoff", backoff).
				Msg("retrying webhook")

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *WebhookSender) sendRequest(endpoint Endpoint, payload *WebhookPayload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if endpoint.Secret != "" {
		payload.Signature = SignPayload(dataBytes, endpoint.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", payload.Event)
	if payload.Signature != "" {
		req.Header.Set("X-Webhook-Signature", payload.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &httpError{status: resp.StatusCode}
	}
	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var he *httpError
	return errors.As(err, &he) && he.status >= 400 && he.status < 500
}
