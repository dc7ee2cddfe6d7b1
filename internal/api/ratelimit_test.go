package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cachemem "github.com/JakeFAU/techevents-crawler/internal/cache/memory"
	"github.com/JakeFAU/techevents-crawler/internal/clock"
)

func newLimiter(clk *clock.Manual, rules map[Class]Rule) *RateLimiter {
	return NewRateLimiter(cachemem.New(cachemem.Config{Clock: clk}), clk, rules, zap.NewNop())
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	t.Parallel()

	// Start exactly on a bucket boundary.
	clk := clock.NewManual(time.Unix(1_900_000_020, 0).Truncate(time.Minute))
	l := newLimiter(clk, map[Class]Rule{ClassSearch: {Limit: 3, Window: time.Minute}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, ClassSearch, "10.0.0.1")
		require.True(t, d.Allowed)
		require.Equal(t, 2-i, d.Remaining)
	}
	d := l.Allow(ctx, ClassSearch, "10.0.0.1")
	require.False(t, d.Allowed)
	require.Equal(t, time.Minute, d.RetryAfter)

	// Other clients have their own counters.
	require.True(t, l.Allow(ctx, ClassSearch, "10.0.0.2").Allowed)

	// Halfway into the next bucket the previous four count as two.
	clk.Advance(90 * time.Second)
	d = l.Allow(ctx, ClassSearch, "10.0.0.1")
	require.True(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.False(t, l.Allow(ctx, ClassSearch, "10.0.0.1").Allowed)

	// Two full windows later the slate is clean.
	clk.Advance(2 * time.Minute)
	require.Equal(t, 2, l.Allow(ctx, ClassSearch, "10.0.0.1").Remaining)
}

func TestRateLimiterUnknownClassIsUnlimited(t *testing.T) {
	t.Parallel()

	l := newLimiter(clock.NewManual(testNow), map[Class]Rule{})
	d := l.Allow(context.Background(), ClassAPI, "c")
	require.True(t, d.Allowed)
	require.Zero(t, d.Limit)
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("down")
}

func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("down")
}

func (failingCache) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("down")
}

func TestRateLimiterFailsOpen(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(failingCache{}, clock.NewManual(testNow), map[Class]Rule{ClassAPI: {Limit: 1, Window: time.Minute}}, nil)
	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(context.Background(), ClassAPI, "c").Allowed)
	}
}

func TestRateLimitMiddlewareHeaders(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(testNow)
	l := newLimiter(clk, map[Class]Rule{ClassSearch: {Limit: 1, Window: time.Minute}})
	f := newFixture()
	h := f.server(&scriptedSearcher{}, l).Handler()

	send := func(body string) *httptest.ResponseRecorder {
		req := newSearchRequest(body)
		req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	// Empty bodies are rejected before they count.
	require.Equal(t, http.StatusBadRequest, send("").Code)
	require.Equal(t, http.StatusBadRequest, send("  ").Code)

	rec := send(`{"query":"go"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	reset, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	require.Greater(t, reset, testNow.Unix())

	rec = send(`{"query":"go"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, retry, 1)
	require.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestClientID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": " 198.51.100.7 , 10.0.0.1"}, "10.0.0.2:80", "198.51.100.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.8"}, "10.0.0.2:80", "198.51.100.8"},
		{"cloudflare", map[string]string{"CF-Connecting-IP": "198.51.100.9"}, "10.0.0.2:80", "198.51.100.9"},
		{"remote addr", nil, "10.0.0.2:80", "10.0.0.2"},
		{"bare remote", nil, "pipe", "pipe"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		for k, v := range tc.headers {
			req.Header.Set(k, v)
		}
		require.Equal(t, tc.want, clientID(req), tc.name)
	}
}
