package ratelimit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/ratelimit"
)

func TestNoopLimiter(t *testing.T) {
	var l ratelimit.NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "any")
		if err != nil || !ok {
			t.Fatalf("noop denied request %d", i)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestMiddlewareEnforcesLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2) // effectively no refill within the test
	defer limiter.Close()

	var served int
	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			served++
			w.WriteHeader(http.StatusOK)
		}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/tools/judge", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("second request status = %d", rec.Code)
	}

	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	var resp model.ToolResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Kind != model.KindRateLimited {
		t.Fatalf("error envelope = %+v", resp)
	}
	if served != 2 {
		t.Fatalf("handler served %d requests, want 2", served)
	}
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer limiter.Close()

	handler := ratelimit.Middleware(limiter, func(*http.Request) string { return "" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
}

func TestMiddlewareIsolatesKeys(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer limiter.Close()

	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("10.0.0.1:1"); code != http.StatusOK {
		t.Fatalf("first caller status = %d", code)
	}
	if code := do("10.0.0.1:2"); code != http.StatusTooManyRequests {
		t.Fatalf("same IP different port status = %d, want 429", code)
	}
	if code := do("10.0.0.2:1"); code != http.StatusOK {
		t.Fatalf("different IP status = %d, want 200", code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.9:44821"
	if got := ratelimit.IPKeyFunc(req); got != "192.168.1.9" {
		t.Fatalf("IPKeyFunc = %q", got)
	}
}
