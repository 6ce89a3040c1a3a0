package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewInMemory(time.Minute)
	limiter.now = func() time.Time { return now }
	key := "10.0.0.1"

	first := limiter.Allow(ctx, key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(ctx, key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	now = now.Add(time.Minute)
	reset := limiter.Allow(ctx, key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
	if len(limiter.items) != 1 {
		t.Fatalf("expected expired entries swept, got %d", len(limiter.items))
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	decision := NewInMemory(0).Allow(context.Background(), "k", 0)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected fallback limit=1 and allowed decision, got %+v", decision)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedis(client, 25*time.Millisecond)
	ctx := context.Background()
	key := "10.0.0.2"

	for i := 1; i <= 2; i++ {
		if d := limiter.Allow(ctx, key, 2); !d.Allowed || d.Count != i {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	if d := limiter.Allow(ctx, key, 2); d.Allowed || d.Remaining != 0 {
		t.Fatalf("expected third request rejected, got %+v", d)
	}
	if !mr.Exists("applylens:rl:" + key) {
		t.Fatal("expected prefixed window key")
	}
	mr.FastForward(30 * time.Millisecond)
	if d := limiter.Allow(ctx, key, 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", d)
	}
}

func TestRedisLimiterFallbacks(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  -1,
	})
	limiter := NewRedis(client, time.Second)
	ctx := context.Background()
	if d := limiter.Allow(ctx, "k", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected in-memory fallback allow on redis outage, got %+v", d)
	}
	if d := limiter.Allow(ctx, "k", 1); d.Allowed {
		t.Fatalf("expected fallback limiter to enforce limits, got %+v", d)
	}

	open := &RedisLimiter{Window: time.Second}
	if d := open.Allow(ctx, "k", 3); !d.Allowed || d.Remaining != 3 {
		t.Fatalf("expected fail-open without client or fallback, got %+v", d)
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	handler := Middleware(limiter, 1, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil)
		req.RemoteAddr = "192.0.2.7:5050"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}
	if rr := call(); rr.Code != http.StatusNoContent || rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected first request through, got %d %q", rr.Code, rr.Header().Get("X-RateLimit-Remaining"))
	}
	rr := call()
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rr.Code)
	}
	if _, ok := limiter.items["192.0.2.7"]; !ok {
		t.Fatal("expected client ip key")
	}

	passthrough := Middleware(nil, 10, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr = httptest.NewRecorder()
	passthrough.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK || rr.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatalf("expected disabled limiter to pass through, got %d", rr.Code)
	}
}
