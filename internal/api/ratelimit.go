package api

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/metrics"
)

// Class groups routes that share a limit.
type Class string

// Rate limit classes.
const (
	ClassSearch Class = "search"
	ClassAPI    Class = "api"
	ClassBatch  Class = "batch"
)

// Rule allows Limit requests per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules are 10 searches a minute, 100 API calls a minute and five
// batch crawls an hour.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassSearch: {Limit: 10, Window: time.Minute},
		ClassAPI:    {Limit: 100, Window: time.Minute},
		ClassBatch:  {Limit: 5, Window: time.Hour},
	}
}

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// RateLimiter is a sliding-window limiter over two fixed buckets kept in
// the shared cache. The previous bucket counts in proportion to how much of
// it still overlaps the window. Cache failures let requests through.
type RateLimiter struct {
	cache  discovery.Cache
	clock  discovery.Clock
	rules  map[Class]Rule
	logger *zap.Logger
}

// NewRateLimiter builds a limiter. Classes missing from rules are unlimited.
func NewRateLimiter(cache discovery.Cache, clock discovery.Clock, rules map[Class]Rule, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	copied := make(map[Class]Rule, len(rules))
	for class, rule := range rules {
		copied[class] = rule
	}
	return &RateLimiter{cache: cache, clock: clock, rules: copied, logger: logger.Named("ratelimit")}
}

// Allow counts one request by client against class.
func (l *RateLimiter) Allow(ctx context.Context, class Class, client string) Decision {
	rule, ok := l.rules[class]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true}
	}
	now := l.clock.Now()
	bucket := now.UnixNano() / int64(rule.Window)
	start := time.Unix(0, bucket*int64(rule.Window))
	reset := start.Add(rule.Window)
	decision := Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, Reset: reset}

	prefix := fmt.Sprintf("ratelimit:%s:%s:", class, client)
	current, err := l.cache.Incr(ctx, prefix+strconv.FormatInt(bucket, 10), 2*rule.Window)
	if err != nil {
		l.logger.Debug("rate limit counter unavailable", zap.String("class", string(class)), zap.Error(err))
		return decision
	}
	var previous int64
	raw, found, err := l.cache.Get(ctx, prefix+strconv.FormatInt(bucket-1, 10))
	if err == nil && found {
		previous, _ = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	}

	overlap := 1 - float64(now.Sub(start))/float64(rule.Window)
	estimated := float64(previous)*overlap + float64(current)
	if estimated > float64(rule.Limit) {
		decision.Allowed = false
		decision.Remaining = 0
		decision.RetryAfter = reset.Sub(now)
		return decision
	}
	decision.Remaining = max(0, rule.Limit-int(math.Ceil(estimated)))
	return decision
}

// Middleware enforces class on the wrapped handler.
func (l *RateLimiter) Middleware(class Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(r.Context(), class, clientID(r))
			if d.Limit > 0 {
				h := w.Header()
				h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
			}
			if !d.Allowed {
				retry := int(math.Ceil(d.RetryAfter.Seconds()))
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				metrics.ObserveRateLimited(string(class))
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":      "rate limit exceeded",
					"retryAfter": retry,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientID picks the first forwarded address, then X-Real-IP, then
// CF-Connecting-IP, then the connection's remote address.
func clientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	for _, header := range []string{"X-Real-IP", "CF-Connecting-IP"} {
		if ip := strings.TrimSpace(r.Header.Get(header)); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
