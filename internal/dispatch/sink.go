package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"cascadeflow/internal/models"
	"cascadeflow/logger"
)

// Sink is the outbound alert transport. The dispatcher owns formatting; the
// sink owns getting the formatted message somewhere.
type Sink interface {
	Deliver(ctx context.Context, alert models.Alert) error
}

// webhookPayload is the JSON body posted for each alert.
type webhookPayload struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Kind      string    `json:"kind"`
	Level     string    `json:"level"`
	Priority  string    `json:"priority"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookSink POSTs alerts as JSON to a configured endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink builds a sink for the given webhook URL.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Deliver posts the alert; any non-2xx response is a failure.
func (s *WebhookSink) Deliver(ctx context.Context, alert models.Alert) error {
	body, err := json.Marshal(webhookPayload{
		ID:        alert.ID,
		Symbol:    alert.Symbol,
		Kind:      string(alert.Kind),
		Level:     alert.Level.String(),
		Priority:  alert.Priority.String(),
		Message:   alert.Message,
		CreatedAt: alert.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert %s: %w", alert.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogSink writes alerts to the structured log only, used when no webhook is
// configured.
type LogSink struct {
	log *logger.Log
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.GetLogger()}
}

func (s *LogSink) Deliver(ctx context.Context, alert models.Alert) error {
	s.log.WithComponent("alert_sink").WithFields(logger.Fields{
		"symbol":   alert.Symbol,
		"kind":     string(alert.Kind),
		"level":    alert.Level.String(),
		"priority": alert.Priority.String(),
	}).Warn(alert.Message)
	return nil
}
