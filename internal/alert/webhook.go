package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
)

// Webhook payload formats.
const (
	FormatJSON  = "json"
	FormatSlack = "slack"
)

// Payload is the generic webhook body.
type Payload struct {
	Source string        `json:"source"`
	Event  monitor.Event `json:"event"`
}

// Webhook POSTs alerts to a URL.
type Webhook struct {
	url    string
	format string
	client *http.Client
}

// NewWebhook returns a webhook dispatcher. format is "json" (default) or "slack".
func NewWebhook(url, format string) *Webhook {
	if format == "" {
		format = FormatJSON
	}
	return &Webhook{
		url:    url,
		format: format,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Dispatch implements monitor.AlertDispatcher.
func (w *Webhook) Dispatch(ctx context.Context, e monitor.Event) error {
	var payload any
	switch w.format {
	case FormatSlack:
		text := fmt.Sprintf("*[Perimeter/%s]* `%s` from `%s`", e.Severity, e.Type, orDash(e.IPAddress))
		if e.Message != "" {
			text += "\n> " + e.Message
		}
		payload = map[string]string{"text": text}
	default:
		payload = Payload{Source: "kubilitics-perimeter", Event: e}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Kubilitics-Perimeter/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from webhook", resp.StatusCode)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
