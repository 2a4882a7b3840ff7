// Package notify delivers best-effort lifecycle events to external
// collaborators. Delivery failures are reported to the caller for logging and
// never affect the operation that produced the event.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// EventAgentRegistered is emitted once an agent completes verification.
const EventAgentRegistered = "agent.registered"

// AgentRegistered describes a newly created agent.
type AgentRegistered struct {
	Event         string         `json:"event"`
	AgentID       string         `json:"agentId"`
	PublicKey     string         `json:"publicKey"`
	Scopes        []string       `json:"scopes"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	PaymentWallet string         `json:"paymentWallet,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Notifier receives agent lifecycle events.
type Notifier interface {
	AgentRegistered(ctx context.Context, event AgentRegistered) error
}

// Nop discards every event.
type Nop struct{}

// AgentRegistered implements Notifier.
func (Nop) AgentRegistered(context.Context, AgentRegistered) error { return nil }

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

// AgentRegistered implements Notifier.
func (m Multi) AgentRegistered(ctx context.Context, event AgentRegistered) error {
	var errs []error
	for _, n := range m {
		if err := n.AgentRegistered(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	URL      string
	Timeout  time.Duration
	RetryMax int
	// RetryWaitMin and RetryWaitMax bound the backoff between attempts.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultWebhookConfig returns the delivery defaults for url.
func DefaultWebhookConfig(url string) WebhookConfig {
	return WebhookConfig{
		URL:          url,
		Timeout:      10 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
	}
}

// WebhookNotifier POSTs events as JSON, retrying connection errors and 5xx
// responses with exponential backoff.
type WebhookNotifier struct {
	url    string
	client *retryablehttp.Client
}

// NewWebhookNotifier creates a notifier posting to cfg.URL.
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL not provided")
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	client.Logger = slog.Default()

	return &WebhookNotifier{url: cfg.URL, client: client}, nil
}

// AgentRegistered implements Notifier.
func (w *WebhookNotifier) AgentRegistered(ctx context.Context, event AgentRegistered) error {
	if event.Event == "" {
		event.Event = EventAgentRegistered
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agentgate-Event", event.Event)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Ensure notifiers implement Notifier
var (
	_ Notifier = Nop{}
	_ Notifier = Multi(nil)
	_ Notifier = (*WebhookNotifier)(nil)
)
