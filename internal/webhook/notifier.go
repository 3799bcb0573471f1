// Package webhook posts scan lifecycle events to a configured HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/strmsync/strmsync/internal/event"
)

const (
	maxRetries     = 3
	requestTimeout = 10 * time.Second
)

// Notifier delivers matching events to one webhook URL with bounded retries.
type Notifier struct {
	url        string
	events     map[event.Type]bool // empty means every event matches
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a webhook notifier. The events list filters which event types
// are delivered; an empty list subscribes to all of them.
func New(url string, events []string, logger *slog.Logger) *Notifier {
	return NewWithHTTPClient(url, events, &http.Client{Timeout: requestTimeout}, logger)
}

// NewWithHTTPClient creates a notifier with a custom HTTP client (for testing).
func NewWithHTTPClient(url string, events []string, httpClient *http.Client, logger *slog.Logger) *Notifier {
	filter := make(map[event.Type]bool, len(events))
	for _, e := range events {
		filter[event.Type(e)] = true
	}
	return &Notifier{
		url:        url,
		events:     filter,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "webhook")),
	}
}

// HandleEvent is an event.Handler that delivers the event if it matches the
// configured filter. Delivery runs inline on the bus dispatch goroutine;
// failures are logged and never propagate.
func (n *Notifier) HandleEvent(e event.Event) {
	if n.url == "" {
		return
	}
	if len(n.events) > 0 && !n.events[e.Type] {
		return
	}
	n.deliver(e)
}

func (n *Notifier) deliver(e event.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		n.logger.Error("encoding webhook payload", "type", string(e.Type), "error", err)
		return
	}

	var lastErr error
	for attempt := range maxRetries {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			time.Sleep(backoff)
		}

		lastErr = n.send(body)
		if lastErr == nil {
			n.logger.Debug("webhook delivered", "event", string(e.Type), "attempt", attempt+1)
			return
		}
		n.logger.Warn("webhook delivery failed",
			"event", string(e.Type), "attempt", attempt+1, "error", lastErr)
	}

	n.logger.Error("webhook delivery exhausted retries",
		"event", string(e.Type), "error", lastErr)
}

func (n *Notifier) send(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "strmsync-webhook/1.0")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()       //nolint:errcheck
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
