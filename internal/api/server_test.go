package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"RedisGate/internal/monitor"
	"RedisGate/internal/storage/redis"
)

type fakeHealth struct {
	status   monitor.Status
	snapshot monitor.HealthSnapshot
}

func (f *fakeHealth) Status() monitor.Status           { return f.status }
func (f *fakeHealth) Snapshot() monitor.HealthSnapshot { return f.snapshot }

type fakeLimiter struct {
	mu       sync.Mutex
	decision redis.Decision
	err      error
	lastKey  string
}

func (f *fakeLimiter) Allow(_ context.Context, key string, limit int64, _ time.Duration) (redis.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKey = key
	if f.err != nil {
		return redis.Decision{Limit: limit}, f.err
	}
	return f.decision, nil
}

func newTestServer(health *fakeHealth, limiter *fakeLimiter) *Server {
	return NewServer(":0", health, limiter, 10, time.Minute)
}

func TestHealthEndpoint(t *testing.T) {
	cases := []struct {
		status monitor.Status
		code   int
	}{
		{monitor.StatusUp, http.StatusOK},
		{monitor.StatusDegraded, http.StatusOK},
		{monitor.StatusDown, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		server := newTestServer(&fakeHealth{status: tc.status}, nil)
		rec := httptest.NewRecorder()
		server.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		if rec.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.status, tc.code, rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode body: %v", tc.status, err)
		}
		if body["status"] != string(tc.status) {
			t.Fatalf("%s: body reports %q", tc.status, body["status"])
		}
	}
}

func TestHealthEndpointRejectsNonGet(t *testing.T) {
	server := newTestServer(&fakeHealth{status: monitor.StatusUp}, nil)
	rec := httptest.NewRecorder()
	server.handleHealth(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	health := &fakeHealth{
		status: monitor.StatusDegraded,
		snapshot: monitor.HealthSnapshot{
			Status:           monitor.StatusDegraded,
			ConnectionErrors: 4,
			Store:            monitor.StoreStats{UsedMemoryBytes: 1024, Keys: 42},
			Pool:             redis.PoolStats{Active: 2, Idle: 1, MaxTotal: 8},
		},
	}
	server := newTestServer(health, nil)
	rec := httptest.NewRecorder()
	server.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap monitor.HealthSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Status != monitor.StatusDegraded || snap.ConnectionErrors != 4 {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if snap.Store.Keys != 42 || snap.Pool.MaxTotal != 8 {
		t.Fatalf("nested stats mismatch: %+v", snap)
	}
}

func TestLimitedEndpointAdmitsAndDenies(t *testing.T) {
	limiter := &fakeLimiter{decision: redis.Decision{Allowed: true, Count: 3, Limit: 10}}
	server := newTestServer(&fakeHealth{status: monitor.StatusUp}, limiter)

	rec := httptest.NewRecorder()
	server.handleLimited(rec, httptest.NewRequest(http.MethodGet, "/limited?key=client42", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed request: expected 200, got %d", rec.Code)
	}
	if limiter.lastKey != "client42" {
		t.Fatalf("key from query not used: %q", limiter.lastKey)
	}

	limiter.decision = redis.Decision{Allowed: false, Count: 11, Limit: 10}
	rec = httptest.NewRecorder()
	server.handleLimited(rec, httptest.NewRequest(http.MethodGet, "/limited?key=client42", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("denied request: expected 429, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["allowed"] != false {
		t.Fatalf("body should report the denial: %+v", body)
	}
}

func TestLimitedEndpointFallsBackToClientIP(t *testing.T) {
	limiter := &fakeLimiter{decision: redis.Decision{Allowed: true, Count: 1, Limit: 10}}
	server := newTestServer(&fakeHealth{status: monitor.StatusUp}, limiter)

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	rec := httptest.NewRecorder()
	server.handleLimited(rec, req)

	if limiter.lastKey != "192.0.2.7" {
		t.Fatalf("expected client IP as key, got %q", limiter.lastKey)
	}
}

func TestLimitedEndpointFailsClosed(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("i/o timeout")}
	server := newTestServer(&fakeHealth{status: monitor.StatusUp}, limiter)

	rec := httptest.NewRecorder()
	server.handleLimited(rec, httptest.NewRequest(http.MethodGet, "/limited?key=x", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("transport failure must not admit: expected 503, got %d", rec.Code)
	}
}

func TestServerStartStopsOnContextCancel(t *testing.T) {
	server := newTestServer(&fakeHealth{status: monitor.StatusUp}, nil)
	server.addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after cancel")
	}
}
