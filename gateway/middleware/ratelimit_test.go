package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"positions": {RequestsPerMinute: 60, Burst: 1},
	}, nil)

	handler := limiter.Middleware("positions")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/positions", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSkipsUnconfiguredRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"positions": {RequestsPerMinute: 60, Burst: 1},
	}, nil)

	handler := limiter.Middleware("pools")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/pools", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("request %d: expected unlimited route to pass, got %d", i, res.Code)
		}
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"positions": {RequestsPerMinute: 60, Burst: 1},
		"keeper":    {RequestsPerMinute: 60, Burst: 1},
	}, nil)

	positions := limiter.Middleware("positions")(okHandler())
	keeper := limiter.Middleware("keeper")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/positions", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	res := httptest.NewRecorder()
	positions.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected positions request to succeed, got %d", res.Code)
	}

	keeperReq := httptest.NewRequest(http.MethodGet, "/v1/keeper/check", nil)
	keeperReq.RemoteAddr = "10.0.0.1:4000"
	keeperRes := httptest.NewRecorder()
	keeper.ServeHTTP(keeperRes, keeperReq)
	if keeperRes.Code != http.StatusOK {
		t.Fatalf("expected first keeper request to succeed, got %d", keeperRes.Code)
	}

	keeperRes = httptest.NewRecorder()
	keeper.ServeHTTP(keeperRes, keeperReq)
	if keeperRes.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second keeper request to hit limit, got %d", keeperRes.Code)
	}
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"positions": {RequestsPerMinute: 60, Burst: 1},
	}, nil)

	handler := limiter.Middleware("positions")(okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/v1/positions", nil)
	reqA.Header.Set("X-Real-IP", "192.0.2.10")
	resA := httptest.NewRecorder()
	handler.ServeHTTP(resA, reqA)
	if resA.Code != http.StatusOK {
		t.Fatalf("expected client A request to succeed, got %d", resA.Code)
	}

	reqB := httptest.NewRequest(http.MethodGet, "/v1/positions", nil)
	reqB.Header.Set("X-Real-IP", "192.0.2.11")
	resB := httptest.NewRecorder()
	handler.ServeHTTP(resB, reqB)
	if resB.Code != http.StatusOK {
		t.Fatalf("expected client B request to succeed, got %d", resB.Code)
	}
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"positions": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	now := time.Now()
	limiter.clockNow = func() time.Time { return now }

	handler := limiter.Middleware("positions")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/positions", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	// Advance past the idle TTL, then touch the map with a new client to
	// trigger the sweep.
	now = now.Add(visitorTTL + time.Minute)
	other := httptest.NewRequest(http.MethodGet, "/v1/positions", nil)
	other.RemoteAddr = "10.0.0.2:4000"
	handler.ServeHTTP(httptest.NewRecorder(), other)

	limiter.mu.Lock()
	_, stale := limiter.visitors["positions|10.0.0.1"]
	limiter.mu.Unlock()
	if stale {
		t.Fatalf("expected idle visitor to be swept")
	}
}
