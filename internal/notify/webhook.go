package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/JonMunkholm/redcap-etl/internal/config"
)

// Webhook posts the summary as JSON. Delivery is retried on connection
// errors and 5xx replies.
type Webhook struct {
	url    string
	client *retryablehttp.Client
}

// NewWebhook creates a webhook notifier from cfg.
func NewWebhook(cfg config.NotifyConfig) *Webhook {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	c.HTTPClient.Timeout = cfg.Timeout
	c.Logger = slog.Default()
	return &Webhook{url: cfg.WebhookURL, client: c}
}

func (w *Webhook) Notify(ctx context.Context, s Summary) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver summary: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deliver summary: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// New returns the notifier for cfg: the log, plus the webhook when one is
// configured.
func New(cfg config.NotifyConfig) Notifier {
	if cfg.WebhookURL == "" {
		return Log{}
	}
	return Multi{Log{}, NewWebhook(cfg)}
}
