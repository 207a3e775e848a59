package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// Channel delivers one alert to a destination. Implementations respect
// context cancellation and return an error on delivery failure; the
// manager swallows and counts those.
type Channel interface {
	Send(ctx context.Context, a Record) error

	// Name identifies the channel in history entries and error counters.
	Name() string
}

// Console writes alerts to a writer (stderr by default).
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole creates a console channel writing to stderr.
func NewConsole() *Console {
	return &Console{out: os.Stderr}
}

// NewConsoleWithWriter creates a console channel writing to w.
func NewConsoleWithWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// Send writes the alert with a severity marker.
func (c *Console) Send(ctx context.Context, a Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := ""
	switch a.Severity {
	case SeverityError, SeverityCritical:
		prefix = "🚨 "
	case SeverityWarning:
		prefix = "⚠️  "
	default:
		prefix = "ℹ️  "
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n%s[%s] %s\n", prefix, a.Severity, a.Title)
	fmt.Fprintf(c.out, "   Source: %s\n", a.Source)
	fmt.Fprintf(c.out, "   %s\n", a.Message)
	for k, v := range a.Metadata {
		fmt.Fprintf(c.out, "   %s: %s\n", k, v)
	}
	return nil
}

// Name returns "console".
func (c *Console) Name() string {
	return "console"
}

// Slack posts alerts to a Slack incoming-webhook URL.
type Slack struct {
	webhookURL string
	client     *http.Client
}

// NewSlack creates a Slack channel with a 10 second HTTP client.
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewSlackWithClient creates a Slack channel with a custom HTTP client.
func NewSlackWithClient(webhookURL string, client *http.Client) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client:     client,
	}
}

// Send posts the alert as a Slack blocks payload.
func (s *Slack) Send(ctx context.Context, a Record) error {
	emoji := map[Severity]string{
		SeverityInfo:     ":information_source:",
		SeverityWarning:  ":warning:",
		SeverityError:    ":rotating_light:",
		SeverityCritical: ":octagonal_sign:",
	}[a.Severity]

	var metaFields []map[string]any
	for k, v := range a.Metadata {
		metaFields = append(metaFields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s:* %s", k, v),
		})
	}

	blocks := []map[string]any{
		{
			"type": "section",
			"text": map[string]string{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*%s*\n%s", a.Title, a.Message),
			},
		},
	}
	if len(metaFields) > 0 {
		blocks = append(blocks, map[string]any{
			"type":     "context",
			"elements": metaFields,
		})
	}

	payload := map[string]any{
		"text":   fmt.Sprintf("%s *[%s]* %s", emoji, a.Source, a.Title),
		"blocks": blocks,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Name returns "slack".
func (s *Slack) Name() string {
	return "slack"
}

// WebhookPayload is the JSON document posted to generic webhooks.
type WebhookPayload struct {
	ID       string            `json:"id"`
	Severity string            `json:"severity"`
	Source   string            `json:"source"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	At       time.Time         `json:"at"`
}

// Webhook posts alerts as JSON to an arbitrary HTTP endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook channel with a 10 second HTTP client.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewWebhookWithClient creates a webhook channel with a custom client.
func NewWebhookWithClient(url string, client *http.Client) *Webhook {
	return &Webhook{url: url, client: client}
}

// Send posts the alert as JSON.
func (w *Webhook) Send(ctx context.Context, a Record) error {
	payload := WebhookPayload{
		ID:       a.ID,
		Severity: string(a.Severity),
		Source:   a.Source,
		Title:    a.Title,
		Message:  a.Message,
		Metadata: a.Metadata,
		At:       a.At,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Name returns "webhook".
func (w *Webhook) Name() string {
	return "webhook"
}
