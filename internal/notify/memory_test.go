package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobfleet/internal/testutil"
	"jobfleet/pkg/cloudevent"
)

func testEvent(destination string) *Event {
	return &Event{
		Payload:     cloudevent.New(EventBatchCompleted, Source, "run-1", BatchCompletedData{RunID: "run-1", Batch: 1}),
		Destination: destination,
	}
}

func closeNotifier(t *testing.T, n *Memory) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestMemory_Notify(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var headers http.Header
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewMemory(Config{BufferSize: 10, Workers: 2}, nil)
	defer closeNotifier(t, n)

	event := testEvent(server.URL)
	event.SigningKey = "secret-key"
	if err := n.Notify(event); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return n.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	if headers.Get("Ce-Type") != EventBatchCompleted || headers.Get("Ce-Subject") != "run-1" {
		t.Errorf("unexpected headers %v", headers)
	}
	if !cloudevent.Verify(body, headers.Get(cloudevent.SignatureHeader), "secret-key") {
		t.Error("expected a valid signature")
	}
}

func TestMemory_BufferFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	n := NewMemory(Config{BufferSize: 2, Workers: 1}, nil)

	var full int
	for range 6 {
		if err := n.Notify(testEvent(server.URL)); err == ErrBufferFull {
			full++
		}
	}
	if full == 0 {
		t.Error("expected some events to be dropped")
	}
	if got := n.Stats().Dropped; got != int64(full) {
		t.Errorf("expected %d dropped, got %d", full, got)
	}
}

func TestMemory_RetriesServerErrors(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewMemory(Config{BufferSize: 10, Workers: 1}, nil)
	defer closeNotifier(t, n)

	_ = n.Notify(testEvent(server.URL))
	testutil.MustWaitFor(t, func() bool {
		return n.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
	if got := n.Stats().RetriesTotal; got != 2 {
		t.Errorf("expected 2 retries, got %d", got)
	}
}

func TestMemory_NoRetryOnClientError(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	n := NewMemory(Config{BufferSize: 10, Workers: 1}, nil)
	defer closeNotifier(t, n)

	_ = n.Notify(testEvent(server.URL))
	testutil.MustWaitFor(t, func() bool {
		return n.Stats().Failed >= 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts.Load())
	}
}

func TestMemory_CircuitBreakerRequeues(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	n := NewMemory(Config{BufferSize: 20, Workers: 1, BreakerCooldown: time.Hour}, nil)
	defer closeNotifier(t, n)

	for range 8 {
		_ = n.Notify(testEvent(server.URL))
	}

	testutil.MustWaitFor(t, func() bool {
		s := n.Stats()
		return s.Failed+s.Requeued >= 8
	}, testutil.WithTimeout(5*time.Second))

	stats := n.Stats()
	if stats.Failed != defaultBreakerThreshold || stats.Requeued != 3 {
		t.Errorf("expected %d failed and 3 requeued, got %+v", defaultBreakerThreshold, stats)
	}
	if stats.BreakersOpen != 1 {
		t.Errorf("expected one open breaker, got %d", stats.BreakersOpen)
	}
	if attempts.Load() != defaultBreakerThreshold {
		t.Errorf("expected no requests while open, got %d", attempts.Load())
	}
}

func TestMemory_CloseDrainsQueue(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewMemory(Config{BufferSize: 100, Workers: 2}, nil)
	for range 10 {
		_ = n.Notify(testEvent(server.URL))
	}
	closeNotifier(t, n)

	if received.Load() != 10 {
		t.Errorf("expected 10 deliveries, got %d", received.Load())
	}
	if err := n.Notify(testEvent(server.URL)); err != ErrClosed {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
	if err := n.Close(context.Background()); err != nil {
		t.Errorf("expected second Close to be a no-op, got %v", err)
	}
}

func TestExtractHost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rawURL   string
		expected string
	}{
		{"http://localhost:8080/webhook", "localhost:8080"},
		{"https://example.com/callback", "example.com"},
		{"http://api.example.com:3000/v1/events?key=123", "api.example.com:3000"},
		{"://invalid", "://invalid"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.rawURL, func(t *testing.T) {
			t.Parallel()
			if got := extractHost(tt.rawURL); got != tt.expected {
				t.Errorf("extractHost(%q) = %q, want %q", tt.rawURL, got, tt.expected)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.BufferSize != 1000 || cfg.Workers != 4 || cfg.HTTPTimeout != 10*time.Second ||
		cfg.MaxAttempts != defaultMaxAttempts || cfg.BreakerCooldown != defaultBreakerCooldown {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("NOTIFY_BUFFER_SIZE", "50")
	t.Setenv("NOTIFY_WORKERS", "0")
	t.Setenv("NOTIFY_HTTP_TIMEOUT", "2s")

	cfg := LoadConfigFromEnv()
	if cfg.BufferSize != 50 || cfg.Workers != 4 || cfg.HTTPTimeout != 2*time.Second {
		t.Errorf("unexpected config %+v", cfg)
	}
}
