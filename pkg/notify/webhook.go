package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// WebhookConfig configures a WebhookSender.
type WebhookConfig struct {
	URL string `json:"url"`
	// Timeout per request. Default: 5s.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RequestsPerSecond caps delivery rate. Zero disables limiting.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	// Headers are added to every request (e.g. an auth token).
	Headers map[string]string `json:"headers,omitempty"`
}

// WebhookSender posts the payload as JSON.
type WebhookSender struct {
	config  WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookSender creates a WebhookSender.
func NewWebhookSender(cfg WebhookConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &WebhookSender{
		config:  cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, p Payload) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
