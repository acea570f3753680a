package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobfleet/internal/apperrors"
	"jobfleet/pkg/backoff"
	"jobfleet/pkg/circuitbreaker"
)

// memoryServer is an HTTP object store backed by a map.
type memoryServer struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    atomic.Int32 // respond 503 to the next n requests
	status  atomic.Int32 // fixed status for every request when non-zero
	calls   atomic.Int32
}

func newMemoryServer(t *testing.T) (*memoryServer, *httptest.Server) {
	t.Helper()
	m := &memoryServer{objects: make(map[string][]byte)}
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return m, srv
}

func (m *memoryServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.calls.Add(1)
	if code := m.status.Load(); code != 0 {
		w.WriteHeader(int(code))
		return
	}
	if m.fail.Add(-1) >= 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		m.objects[r.URL.Path] = data
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		data, ok := m.objects[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func fastHTTP(base string) *HTTP {
	return NewHTTP(base, HTTPConfig{
		MaxAttempts: 3,
		Backoff:     &backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		Breaker:     circuitbreaker.Config{Threshold: 5, Cooldown: time.Hour},
	})
}

func TestHTTPPutGet(t *testing.T) {
	t.Parallel()
	m, srv := newMemoryServer(t)
	s := fastHTTP(srv.URL + "/")
	ctx := context.Background()

	if err := s.Put(ctx, "reports", "runs/abc/report.json", []byte(`{"count":3}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok := m.objects["/reports/runs/abc/report.json"]; !ok {
		t.Errorf("unexpected object keys %v", m.objects)
	}

	got, err := s.Get(ctx, "reports", "runs/abc/report.json")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"count":3}` {
		t.Errorf("Get() = %q", got)
	}
}

func TestHTTPRetriesUnavailable(t *testing.T) {
	t.Parallel()
	m, srv := newMemoryServer(t)
	m.fail.Store(2)
	s := fastHTTP(srv.URL)

	if err := s.Put(context.Background(), "b", "k", []byte("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if m.calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", m.calls.Load())
	}
}

func TestHTTPNotFound(t *testing.T) {
	t.Parallel()
	m, srv := newMemoryServer(t)
	s := fastHTTP(srv.URL)

	_, err := s.Get(context.Background(), "b", "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if m.calls.Load() != 1 {
		t.Errorf("expected no retry on 404, got %d calls", m.calls.Load())
	}
}

func TestHTTPClientErrorNotRetried(t *testing.T) {
	t.Parallel()
	m, srv := newMemoryServer(t)
	m.status.Store(http.StatusForbidden)
	s := fastHTTP(srv.URL)

	err := s.Put(context.Background(), "b", "k", []byte("x"))
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 status error, got %v", err)
	}
	if m.calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", m.calls.Load())
	}
}

func TestHTTPBreakerOpens(t *testing.T) {
	t.Parallel()
	m, srv := newMemoryServer(t)
	m.status.Store(http.StatusInternalServerError)
	s := NewHTTP(srv.URL, HTTPConfig{
		MaxAttempts: 1,
		Breaker:     circuitbreaker.Config{Threshold: 2, Cooldown: time.Hour},
	})

	for range 2 {
		_ = s.Put(context.Background(), "b", "k", []byte("x"))
	}
	err := s.Put(context.Background(), "b", "k", []byte("x"))
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if m.calls.Load() != 2 {
		t.Errorf("expected no request while open, got %d calls", m.calls.Load())
	}
}

func TestFSPutGet(t *testing.T) {
	t.Parallel()
	s := NewFS(t.TempDir())
	ctx := context.Background()

	if err := s.Put(ctx, "manifests", "runs/abc.json", []byte("v1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, "manifests", "runs/abc.json", []byte("v2")); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}
	got, err := s.Get(ctx, "manifests", "runs/abc.json")
	if err != nil || string(got) != "v2" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	if _, err := s.Get(ctx, "manifests", "runs/missing.json"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		bucket, key string
		ok          bool
	}{
		{"reports", "a/b.json", true},
		{"", "k", false},
		{"a/b", "k", false},
		{"..", "k", false},
		{"reports", "", false},
		{"reports", "/etc/passwd", false},
		{"reports", "a/../../b", false},
	}

	s := NewFS(t.TempDir())
	for _, tt := range tests {
		t.Run(tt.bucket+"|"+tt.key, func(t *testing.T) {
			t.Parallel()
			err := s.Put(context.Background(), tt.bucket, tt.key, nil)
			if tt.ok != (err == nil) {
				t.Errorf("Put(%q, %q) error = %v, want ok=%v", tt.bucket, tt.key, err, tt.ok)
			}
			if err != nil && !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url     string
		wantNil bool
		wantFS  bool
		wantErr bool
	}{
		{url: "", wantNil: true},
		{url: "http://minio.local:9000", wantFS: false},
		{url: "file:///var/lib/jobfleet", wantFS: true},
		{url: "./objects", wantFS: true},
		{url: "s3://bucket", wantErr: true},
		{url: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()
			s, err := Open(tt.url, nil)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Open(%q) expected error", tt.url)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open(%q) error = %v", tt.url, err)
			}
			if tt.wantNil {
				if s != nil {
					t.Errorf("Open(%q) expected nil store", tt.url)
				}
				return
			}
			_, isFS := s.(*FS)
			if isFS != tt.wantFS {
				t.Errorf("Open(%q) = %T", tt.url, s)
			}
		})
	}
}

func TestEscapeKey(t *testing.T) {
	t.Parallel()
	if got := escapeKey("runs/a b/c?.json"); !strings.HasPrefix(got, "runs/a%20b/") || strings.Contains(got, "?") {
		t.Errorf("escapeKey() = %q", got)
	}
}
