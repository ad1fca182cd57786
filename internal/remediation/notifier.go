package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Transition records one state change of one remediation.
type Transition struct {
	ID        string    `json:"id"`
	PodName   string    `json:"pod_name"`
	Namespace string    `json:"namespace"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier receives the transitions produced by a tick or operator action.
type Notifier interface {
	Notify(ctx context.Context, transitions []Transition) error
}

// ReportRequest is the payload POSTed to the webhook.
type ReportRequest struct {
	Source      string       `json:"source"`
	Transitions []Transition `json:"transitions"`
}

// WebhookNotifier posts transitions as JSON to a fixed URL.
type WebhookNotifier struct {
	url        string
	source     string
	httpClient *http.Client
	log        *slog.Logger
}

// NewWebhookNotifier creates a notifier for url.
func NewWebhookNotifier(url, source string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		source: source,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: slog.Default().With("component", "remediation-notifier"),
	}
}

// Notify uploads transitions. An empty batch sends nothing.
func (n *WebhookNotifier) Notify(ctx context.Context, transitions []Transition) error {
	if len(transitions) == 0 {
		return nil
	}

	body, err := json.Marshal(ReportRequest{Source: n.source, Transitions: transitions})
	if err != nil {
		return fmt.Errorf("marshal transitions: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	n.log.Debug("transitions reported", "count", len(transitions))
	return nil
}
