// Package slack dispatches pipeline alerts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/patrol/internal/event"
)

const (
	maxBodyLen  = 3000
	httpTimeout = 10 * time.Second
)

// Notifier sends alert messages to a Slack webhook. A second, optional
// webhook receives operator notices (circuit-breaker trips) so they are
// not lost in the alert channel.
type Notifier struct {
	webhookURL  string
	operatorURL string
	client      *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a
// no-op; if operatorURL is empty, operator notices fall back to the
// alert webhook.
func New(webhookURL, operatorURL string) *Notifier {
	return &Notifier{
		webhookURL:  webhookURL,
		operatorURL: operatorURL,
		client:      &http.Client{Timeout: httpTimeout},
	}
}

// Send posts one alert to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, msg *event.AlertMessage) error {
	if n.webhookURL == "" {
		return nil
	}
	return n.post(ctx, n.webhookURL, buildMessage(msg))
}

// NotifyOperator posts an operator-facing notice, distinct from normal
// alerts. Used when the circuit breaker trips and monitoring pauses.
func (n *Notifier) NotifyOperator(ctx context.Context, subject, body string) error {
	url := n.operatorURL
	if url == "" {
		url = n.webhookURL
	}
	if url == "" {
		return nil
	}

	payload := map[string]any{
		"text": subject,
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": "⚠️ " + subject,
				},
			},
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": truncate(body, maxBodyLen),
				},
			},
		},
	}
	return n.post(ctx, url, payload)
}

func (n *Notifier) post(ctx context.Context, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhook URLs are from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(msg *event.AlertMessage) map[string]any {
	return map[string]any{
		"text": msg.Text,
		"blocks": []map[string]any{
			headerBlock(msg),
			{"type": "divider"},
			fieldsBlock(msg),
			{"type": "divider"},
			bodyBlock(msg),
			{"type": "divider"},
			contextBlock(msg),
		},
	}
}

func headerBlock(msg *event.AlertMessage) map[string]any {
	text := fmt.Sprintf("%s %s: %s", msg.Severity.Glyph(), msg.Severity, msg.Title)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(msg *event.AlertMessage) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Confidence:* %.0f%%", msg.Confidence*100),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Affected:* %d", msg.AffectedCount),
		},
	}
	if len(msg.EscalationTargets) > 0 {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Escalate to:* %s", strings.Join(msg.EscalationTargets, ", ")),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func bodyBlock(msg *event.AlertMessage) map[string]any {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*Root cause*\n\n%s", msg.RootCause)
	if len(msg.Evidence) > 0 {
		sb.WriteString("\n\n*Evidence*")
		for _, ev := range msg.Evidence {
			sb.WriteString("\n• " + ev)
		}
	}
	if msg.SuggestedFix != "" {
		fmt.Fprintf(&sb, "\n\n*Suggested fix*\n%s", msg.SuggestedFix)
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate(sb.String(), maxBodyLen),
		},
	}
}

func contextBlock(msg *event.AlertMessage) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("patrol • %s • detected %s",
				msg.DedupKey, msg.DetectedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
