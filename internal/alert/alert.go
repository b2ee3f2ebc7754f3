// Package alert posts operational events to a configured webhook so that
// failures users never see (transport errors, abandoned turns) still reach
// an operator.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Event is one operational alert.
type Event struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Notifier delivers events to a webhook. A nil *Notifier drops events, so
// alerting stays optional.
type Notifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// New creates a notifier. An empty URL returns nil, disabling alerting.
func New(url string, timeout time.Duration, logger *slog.Logger) *Notifier {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Raise posts one event. Delivery failures are logged, never propagated;
// alerting must not take down the path it is reporting on.
func (n *Notifier) Raise(ctx context.Context, kind, message string, fields map[string]any) {
	if n == nil {
		return
	}
	ev := Event{Kind: kind, Message: message, Fields: fields, At: time.Now().UTC()}
	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("failed to encode alert", "kind", kind, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("failed to build alert request", "kind", kind, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Error("failed to deliver alert", "kind", kind, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Error("alert webhook rejected event",
			"kind", kind, "error", fmt.Sprintf("status %d", resp.StatusCode))
	}
}
