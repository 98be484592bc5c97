package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/dislovemartin/ACGS-sub005/pkg/retry"
)

const defaultHTTPTimeout = 5 * time.Second

// HTTPConfig configures the remote scorer.
type HTTPConfig struct {
	// URL of the scoring endpoint. It receives a JSON Input and answers {"score": float}.
	URL string `json:"url"`
	// Timeout per HTTP call. Default: 5s.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RequestsPerSecond caps outbound calls. Zero disables limiting.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	// Burst for the rate limiter. Default: 1.
	Burst int `json:"burst,omitempty"`
	// Retry bounds transient-failure retries.
	Retry retry.Policy `json:"retry"`
}

// HTTPScorer scores inputs by calling a remote model service.
type HTTPScorer struct {
	config  HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPScorer creates a remote scorer.
func NewHTTPScorer(cfg HTTPConfig) *HTTPScorer {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &HTTPScorer{
		config:  cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

// permanentError marks failures a retry cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Score implements Scorer.
func (s *HTTPScorer) Score(ctx context.Context, in Input) (float64, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("scoring: marshal input: %w", err)
	}

	var score float64
	err = retry.Do(ctx, string(in.Kind)+":"+in.Left+"|"+in.Right, s.config.Retry, func(err error) bool {
		var perm *permanentError
		return !errors.As(err, &perm) && ctx.Err() == nil
	}, func(int) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return &permanentError{err: err}
		}
		v, err := s.call(ctx, body)
		if err != nil {
			return err
		}
		score = v
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scoring: remote %s: %w", in.Kind, err)
	}
	return Clamp(score), nil
}

func (s *HTTPScorer) call(ctx context.Context, body []byte) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return 0, &permanentError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, &permanentError{err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	var out scoreResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, &permanentError{err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Score == nil {
		return 0, &permanentError{err: errors.New("response missing score")}
	}
	return *out.Score, nil
}
