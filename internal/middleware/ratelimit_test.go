package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RateLimitConfig
		wantErr bool
	}{
		{"default", DefaultRecordLimit(), false},
		{"zero requests", RateLimitConfig{RequestsPerWindow: 0, WindowDuration: time.Minute}, true},
		{"zero window", RateLimitConfig{RequestsPerWindow: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInMemoryRateLimitStore_Allow(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	cfg := RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}
	ctx := context.Background()

	for i := range 3 {
		if allowed, _, _ := store.Allow(ctx, "ip-1", cfg); !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, retryAfter, err := store.Allow(ctx, "ip-1", cfg)
	if err != nil || allowed {
		t.Fatalf("fourth request allowed = %v, err = %v; want blocked", allowed, err)
	}
	if retryAfter != 60 {
		t.Errorf("retryAfter = %d, want 60", retryAfter)
	}

	if allowed, _, _ := store.Allow(ctx, "ip-2", cfg); !allowed {
		t.Error("other keys must have their own bucket")
	}

	now = now.Add(61 * time.Second)
	if allowed, _, _ := store.Allow(ctx, "ip-1", cfg); !allowed {
		t.Error("request after window expiry should be allowed")
	}

	now = now.Add(2 * time.Minute)
	store.Cleanup()
	if len(store.buckets) != 0 {
		t.Errorf("Cleanup() left %d buckets", len(store.buckets))
	}
}

func TestRedisRateLimitStore_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisRateLimitStore(client)
	cfg := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}
	ctx := context.Background()

	for i := range 2 {
		allowed, _, err := store.Allow(ctx, "ip-1", cfg)
		if err != nil || !allowed {
			t.Fatalf("request %d allowed = %v, err = %v", i+1, allowed, err)
		}
	}
	allowed, retryAfter, err := store.Allow(ctx, "ip-1", cfg)
	if err != nil || allowed {
		t.Fatalf("third request allowed = %v, err = %v; want blocked", allowed, err)
	}
	if retryAfter < 1 || retryAfter > 60 {
		t.Errorf("retryAfter = %d, want within (0, 60]", retryAfter)
	}

	if ttl := mr.TTL("insights:ratelimit:ip-1"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("counter TTL = %v, want within (0, 1m]", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if allowed, _, err := store.Allow(ctx, "ip-1", cfg); err != nil || !allowed {
		t.Errorf("after window: allowed = %v, err = %v", allowed, err)
	}
}

func TestRedisRateLimitStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	allowed, _, err := NewRedisRateLimitStore(client).Allow(context.Background(), "ip-1", DefaultRecordLimit())
	if err == nil {
		t.Fatal("Allow() error = nil, want failure")
	}
	if !allowed {
		t.Error("Allow() should report allowed when the store fails")
	}
}

type failingRateLimitStore struct{}

func (failingRateLimitStore) Allow(context.Context, string, RateLimitConfig) (bool, int, error) {
	return false, 0, errors.New("connection refused")
}

func TestRateLimiter(t *testing.T) {
	m := NewMetrics()
	store := NewInMemoryRateLimitStore()
	cfg := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}

	handler := Logging(newTestLogger(&bytes.Buffer{}))(
		RateLimiter(store, cfg, IPKeyFunc(nil), m, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})),
	)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/events", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(); rr.Code != http.StatusAccepted {
		t.Fatalf("first request status = %d, want 202", rr.Code)
	}
	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rr.Code)
	}
	if ra, err := strconv.Atoi(rr.Header().Get("Retry-After")); err != nil || ra < 1 {
		t.Errorf("Retry-After = %q, want positive seconds", rr.Header().Get("Retry-After"))
	}
	if rr.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected X-RateLimit-Reset header")
	}

	if got := testutil.ToFloat64(m.rateLimitRequests.WithLabelValues("/events")); got != 2 {
		t.Errorf("rate limit checks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rateLimitBlocked.WithLabelValues("/events")); got != 1 {
		t.Errorf("blocked = %v, want 1", got)
	}
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	m := NewMetrics()
	handler := RateLimiter(failingRateLimitStore{}, DefaultRecordLimit(), IPKeyFunc(nil), m, newTestLogger(&bytes.Buffer{}))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
	)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/events", nil))

	if rr.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rr.Code)
	}
	if got := testutil.ToFloat64(m.rateLimitStoreErrs); got != 1 {
		t.Errorf("store errors = %v, want 1", got)
	}
}

func TestIPKeyFunc(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	tests := []struct {
		name       string
		trusted    []netip.Prefix
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{"remote addr", nil, nil, "192.0.2.1:1234", "192.0.2.1"},
		{"remote addr without port", nil, nil, "192.0.2.1", "192.0.2.1"},
		{"ipv6 remote addr", nil, nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"forwarded from untrusted peer", nil, map[string]string{"X-Forwarded-For": "198.51.100.1"}, "192.0.2.1:1", "192.0.2.1"},
		{"real ip from untrusted peer", proxies, map[string]string{"X-Real-IP": "198.51.100.9"}, "192.0.2.1:1", "192.0.2.1"},
		{"forwarded chain via proxies", proxies, map[string]string{"X-Forwarded-For": " 203.0.113.7, 198.51.100.1 , 10.0.0.1"}, "10.0.0.2:1", "198.51.100.1"},
		{"spoofed leftmost hop ignored", proxies, map[string]string{"X-Forwarded-For": "1.2.3.4, 198.51.100.1"}, "10.0.0.2:1", "198.51.100.1"},
		{"real ip via proxy", proxies, map[string]string{"X-Real-IP": "198.51.100.9"}, "10.0.0.2:1", "198.51.100.9"},
		{"garbage header via proxy", proxies, map[string]string{"X-Forwarded-For": "not-an-ip"}, "10.0.0.2:1", "10.0.0.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := IPKeyFunc(tt.trusted)(req); got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiter_RotatingForwardedForSharesLimit(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	cfg := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}
	handler := RateLimiter(store, cfg, IPKeyFunc(nil), nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	codes := make([]int, 0, 3)
	for i := range 3 {
		req := httptest.NewRequest(http.MethodPost, "/events", nil)
		req.RemoteAddr = "192.0.2.1:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want the third request limited", codes)
	}
}
