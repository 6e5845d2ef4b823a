// Package webhook posts vaccinated status changes to subscriber URLs. Each
// delivery is a JSON event signed with HMAC-SHA256 of the body.
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
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/vaxstatus/internal/domain/statusupdater"
	"github.com/ehr/vaxstatus/internal/platform/telemetry"
)

// EventVaccinatedChanged is the only event type sent.
const EventVaccinatedChanged = "vaccinated.changed"

// Delivery headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventID   = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Delivery results recorded in the webhook counter.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
)

// Event is the body of one delivery.
type Event struct {
	ID        uuid.UUID                        `json:"id"`
	Type      string                           `json:"type"`
	Timestamp time.Time                        `json:"timestamp"`
	Changes   []statusupdater.VaccinatedChange `json:"changes"`
}

// Endpoint is a subscriber URL and the secret its deliveries are signed with.
type Endpoint struct {
	URL    string
	Secret string
}

// ParseEndpoints builds endpoints from a list of URLs sharing one secret.
// Blank entries are skipped.
func ParseEndpoints(urls []string, secret string) ([]Endpoint, error) {
	var out []Endpoint
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := validateURL(raw); err != nil {
			return nil, err
		}
		out = append(out, Endpoint{URL: raw, Secret: secret})
	}
	return out, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q has no host", raw)
	}
	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature, with or without its "sha256="
// prefix, matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

type Config struct {
	Endpoints []Endpoint
	// Timeout bounds one HTTP attempt.
	Timeout time.Duration
	// MaxAttempts is how many times one endpoint is tried per event.
	MaxAttempts int
	// RetryDelay is multiplied by the attempt number between attempts.
	RetryDelay time.Duration
	// Buffer is how many events wait for delivery before new ones are dropped.
	Buffer int
}

// Notifier is a statusupdater.VaccinatedListener that delivers changes in the
// background. Changes are queued when the listener fires, which for inline
// recomputes is before the surrounding transaction commits, so subscribers
// should treat an event as a prompt to re-read statuses.
type Notifier struct {
	cfg     Config
	client  *http.Client
	events  chan Event
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func New(cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Notifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		events:  make(chan Event, cfg.Buffer),
		metrics: metrics,
		logger:  logger.With().Str("component", "webhook").Logger(),
		now:     time.Now,
	}
}

// VaccinatedChanged queues one event for the changes. It never blocks: when
// the buffer is full the event is dropped and logged.
func (n *Notifier) VaccinatedChanged(_ context.Context, changes []statusupdater.VaccinatedChange) error {
	if len(changes) == 0 || len(n.cfg.Endpoints) == 0 {
		return nil
	}
	ev := Event{
		ID:        uuid.New(),
		Type:      EventVaccinatedChanged,
		Timestamp: n.now().UTC(),
		Changes:   changes,
	}
	select {
	case n.events <- ev:
	default:
		n.metrics.ObserveWebhook(ResultDropped)
		n.logger.Warn().Str("event_id", ev.ID.String()).Int("changes", len(changes)).Msg("webhook buffer full, event dropped")
	}
	return nil
}

// Run delivers queued events until ctx is cancelled. An event already being
// delivered is finished first.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			n.Deliver(context.WithoutCancel(ctx), ev)
		}
	}
}

// Flush delivers every event still buffered, giving up when ctx ends.
func (n *Notifier) Flush(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case ev := <-n.events:
			n.Deliver(ctx, ev)
		default:
			return
		}
	}
}

// Pending returns the number of buffered events.
func (n *Notifier) Pending() int { return len(n.events) }

// Deliver sends ev to every endpoint, retrying each independently. It returns
// one error per endpoint that was not reached.
func (n *Notifier) Deliver(ctx context.Context, ev Event) []error {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error().Err(err).Str("event_id", ev.ID.String()).Msg("failed to encode webhook event")
		return []error{err}
	}

	var failed []error
	for _, ep := range n.cfg.Endpoints {
		if err := n.deliverWithRetry(ctx, ep, ev, payload); err != nil {
			n.metrics.ObserveWebhook(ResultFailed)
			n.logger.Error().Err(err).
				Str("event_id", ev.ID.String()).
				Str("url", ep.URL).
				Msg("webhook delivery failed")
			failed = append(failed, err)
			continue
		}
		n.metrics.ObserveWebhook(ResultDelivered)
	}
	return failed
}

// errPermanent marks a response that retrying will not fix.
var errPermanent = errors.New("webhook: permanent failure")

func (n *Notifier) deliverWithRetry(ctx context.Context, ep Endpoint, ev Event, payload []byte) error {
	var err error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		if err = n.post(ctx, ep, ev, payload); err == nil || errors.Is(err, errPermanent) {
			return err
		}
		if attempt == n.cfg.MaxAttempts {
			break
		}
		n.logger.Warn().Err(err).Str("url", ep.URL).Int("attempt", attempt).Msg("webhook delivery failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.cfg.RetryDelay * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("after %d attempts: %w", n.cfg.MaxAttempts, err)
}

func (n *Notifier) post(ctx context.Context, ep Endpoint, ev Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, ev.ID.String())
	req.Header.Set(HeaderTimestamp, ev.Timestamp.Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, ep.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("%w: webhook returned %d: %s", errPermanent, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
