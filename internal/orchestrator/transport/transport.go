// Package transport provides the retrying HTTP transport shared by the job
// backends. It sits beneath the submitter's own retry policy, so one
// application attempt may send up to MaxAttempts requests.
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"jobfleet/pkg/backoff"
)

// Config configures the transport.
type Config struct {
	MaxAttempts    int             // total tries per request (default: 1)
	ConnectTimeout time.Duration   // dial timeout (default: 5s)
	ReadTimeout    time.Duration   // wait for response headers after connect (default: 5s)
	Backoff        *backoff.Config // wait between tries
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	return c
}

// Transport retries connection failures and throttled or unavailable
// responses. Each try must produce response headers within
// ConnectTimeout+ReadTimeout; reading the body is not bounded.
type Transport struct {
	base   http.RoundTripper
	cfg    Config
	logger *slog.Logger
}

// New wraps base. A nil base uses a clone of http.DefaultTransport dialing
// with cfg.ConnectTimeout.
func New(base http.RoundTripper, cfg Config) *Transport {
	cfg = cfg.withDefaults()
	if base == nil {
		base = NewBase(cfg.ConnectTimeout)
	}
	return &Transport{
		base:   base,
		cfg:    cfg,
		logger: slog.With("component", "transport"),
	}
}

// NewBase returns an *http.Transport with the given dial timeout.
func NewBase(connectTimeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	var lastErr error
	for attempt := range t.cfg.MaxAttempts {
		if attempt > 0 {
			if err := t.wait(ctx, attempt); err != nil {
				return nil, errors.Join(lastErr, err)
			}
		}

		attemptReq, err := t.attemptRequest(req, attempt)
		if err != nil {
			return nil, err
		}
		resp, cancel, err := t.try(attemptReq)
		last := attempt == t.cfg.MaxAttempts-1 || !replayable

		if err != nil {
			cancel()
			if ctx.Err() != nil || last {
				return nil, err
			}
			lastErr = err
			t.logger.Debug("Request failed, retrying", "method", req.Method, "url", req.URL.Redacted(), "attempt", attempt+1, "error", err)
			continue
		}

		if retryableStatus(resp.StatusCode) && !last {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
			_ = resp.Body.Close()
			cancel()
			lastErr = &StatusError{StatusCode: resp.StatusCode}
			t.logger.Debug("Request throttled, retrying", "method", req.Method, "url", req.URL.Redacted(), "attempt", attempt+1, "status", resp.StatusCode)
			continue
		}

		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return nil, lastErr
}

// try sends one request, cancelling it if headers do not arrive in time.
func (t *Transport) try(req *http.Request) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(req.Context())
	timedOut := make(chan struct{})
	timer := time.AfterFunc(t.cfg.ConnectTimeout+t.cfg.ReadTimeout, func() {
		close(timedOut)
		cancel()
	})

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if !timer.Stop() {
		<-timedOut
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, cancel, &TimeoutError{After: t.cfg.ConnectTimeout + t.cfg.ReadTimeout}
	}
	return resp, cancel, err
}

func (t *Transport) attemptRequest(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 0 || req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Body = body
	return r, nil
}

func (t *Transport) wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(backoff.Exponential(attempt, t.cfg.Backoff))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CloseIdleConnections closes idle connections of the base transport.
func (t *Transport) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if c, ok := t.base.(closeIdler); ok {
		c.CloseIdleConnections()
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// StatusError is the last error of a request whose every try got a
// retryable status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "server responded " + http.StatusText(e.StatusCode)
}

// TimeoutError reports a try that got no response headers in time.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return "no response within " + e.After.String()
}

// Timeout implements net.Error.
func (e *TimeoutError) Timeout() bool { return true }

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
