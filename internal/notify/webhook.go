package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookNotifier POSTs notifications as JSON to a URL
type WebhookNotifier struct {
	logger     *zap.Logger
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier(url string, logger *zap.Logger) (*WebhookNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	return &WebhookNotifier{
		logger: logger.Named("webhook"),
		url:    url,
		httpClient: &http.Client{
			Timeout: defaultWebhookTimeout,
		},
	}, nil
}

// Notify sends the notification
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	w.logger.Debug("Sending webhook notification",
		zap.String("url", w.url),
		zap.String("task_id", n.TaskID))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook failed with status: %d", resp.StatusCode)
	}
	return nil
}
