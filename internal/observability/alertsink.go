package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/platform/logger"
)

func alertBody(alert Alert) io.Reader {
	b, _ := json.Marshal(map[string]any{
		"job_name":      alert.JobName,
		"run_id":        alert.RunID.String(),
		"status":        alert.Status,
		"error_kind":    alert.ErrorKind,
		"error_message": alert.ErrorMessage,
	})
	return bytes.NewReader(b)
}

// Alert is one terminal non-success notification (spec.md §7), the
// generalization of the teacher's services.JobNotifier.JobFailed
// side-channel call into a channel-routed, job-runtime-shaped event.
type Alert struct {
	JobName      string
	RunID        uuid.UUID
	Status       domain.RunStatus
	ErrorKind    domain.ErrorKind
	ErrorMessage string
}

// AlertSink routes a terminal non-success Alert to one of a job's
// configured alert_channels. Implementations must never block the
// worker slot that calls Emit for long; a circuit breaker per channel
// protects against a single dead webhook stalling every failing job.
type AlertSink interface {
	Emit(ctx context.Context, channel string, alert Alert) error
}

// WebhookSink posts alerts as JSON to per-channel URLs, tripping a
// simple open/half-open/closed breaker per channel after consecutive
// failures so a single unreachable endpoint cannot back up run
// completion for every job that shares an alert_channels entry.
//
// No circuit-breaker library appears anywhere in the retrieved pack, so
// this one is hand-rolled rather than grounded on a third-party dep.
type WebhookSink struct {
	urls   map[string]string
	client *http.Client
	log    *logger.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

type breaker struct {
	failures  int
	openUntil time.Time
}

const (
	breakerFailureThreshold = 5
	breakerOpenFor          = 30 * time.Second
)

func NewWebhookSink(urls map[string]string, baseLog *logger.Logger) *WebhookSink {
	return &WebhookSink{
		urls:     urls,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      baseLog.With("component", "observability.alertsink"),
		breakers: map[string]*breaker{},
	}
}

func (s *WebhookSink) Emit(ctx context.Context, channel string, alert Alert) error {
	url, ok := s.urls[channel]
	if !ok || url == "" {
		return fmt.Errorf("alert channel %q has no configured destination", channel)
	}
	if s.breakerOpen(channel) {
		s.log.Debug("alert channel breaker open, dropping alert", "channel", channel, "job_name", alert.JobName)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, alertBody(alert))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.recordFailure(channel)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.recordFailure(channel)
		return fmt.Errorf("alert channel %q returned status %d", channel, resp.StatusCode)
	}
	s.recordSuccess(channel)
	return nil
}

func (s *WebhookSink) breakerOpen(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[channel]
	if !ok {
		return false
	}
	if time.Now().UTC().After(b.openUntil) {
		return false
	}
	return b.failures >= breakerFailureThreshold
}

func (s *WebhookSink) recordFailure(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[channel]
	if !ok {
		b = &breaker{}
		s.breakers[channel] = b
	}
	b.failures++
	if b.failures >= breakerFailureThreshold {
		b.openUntil = time.Now().UTC().Add(breakerOpenFor)
	}
}

func (s *WebhookSink) recordSuccess(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, channel)
}
