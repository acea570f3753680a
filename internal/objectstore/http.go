package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"jobfleet/internal/apperrors"
	"jobfleet/pkg/backoff"
	"jobfleet/pkg/circuitbreaker"
	"jobfleet/pkg/retry"
)

// HTTPConfig configures the HTTP store.
type HTTPConfig struct {
	Client      *http.Client    // default: 30s timeout
	MaxAttempts int             // tries per request (default: 4)
	Backoff     *backoff.Config // wait between tries
	Breaker     circuitbreaker.Config
}

// HTTP stores objects with PUT and GET on <base>/<bucket>/<key>.
type HTTP struct {
	base     string
	client   *http.Client
	policy   retry.Policy
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// NewHTTP creates an HTTP store for base.
func NewHTTP(base string, cfg HTTPConfig) *HTTP {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	s := &HTTP{
		base:     strings.TrimRight(base, "/"),
		client:   client,
		breakers: circuitbreaker.NewRegistry(cfg.Breaker),
		logger:   slog.With("component", "objectstore"),
	}
	s.policy = retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff: func(attempt int) time.Duration {
			return backoff.Exponential(attempt+1, cfg.Backoff)
		},
		Retryable: retryable,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			s.logger.Warn("Object store request failed, retrying", "attempt", attempt+1, "wait", wait, "error", err)
		},
	}
	return s
}

// Put uploads data.
func (s *HTTP) Put(ctx context.Context, bucket, key string, data []byte) error {
	if err := validate(bucket, key); err != nil {
		return err
	}
	_, err := s.do(ctx, http.MethodPut, bucket, key, data)
	return err
}

// Get downloads an object. A 404 is an apperrors.ErrNotFound.
func (s *HTTP) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := validate(bucket, key); err != nil {
		return nil, err
	}
	return s.do(ctx, http.MethodGet, bucket, key, nil)
}

func (s *HTTP) do(ctx context.Context, method, bucket, key string, body []byte) ([]byte, error) {
	target := s.base + "/" + url.PathEscape(bucket) + "/" + escapeKey(key)
	host := hostOf(s.base)
	breaker := s.breakers.Get(host)

	data, _, err := retry.DoValue(ctx, s.policy, func(ctx context.Context) ([]byte, error) {
		if !breaker.Allow() {
			return nil, fmt.Errorf("%s: %w", host, circuitbreaker.ErrOpen)
		}
		out, err := s.roundTrip(ctx, method, target, body)
		switch {
		case err == nil:
			breaker.RecordSuccess()
		case isStatus(err, http.StatusNotFound):
			// A missing object says nothing about the host's health.
			breaker.RecordSuccess()
			return nil, apperrors.NotFound("object", bucket+"/"+key)
		default:
			breaker.RecordFailure()
		}
		return out, err
	})
	return data, err
}

func (s *HTTP) roundTrip(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Method: method, StatusCode: resp.StatusCode, Message: string(data)}
	}
	return data, nil
}

// StatusError is a non-2xx object store response.
type StatusError struct {
	Method     string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("object store %s failed with status %d: %s", e.Method, e.StatusCode, e.Message)
}

func isStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// retryable rejects validation, not-found, open-breaker and 4xx errors,
// except 408 and 429.
func retryable(err error) bool {
	if !apperrors.IsRetryable(err) || errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return true
	}
	switch se.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return se.StatusCode >= 500
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Store = (*HTTP)(nil)
