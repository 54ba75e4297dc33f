package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// HeaderRateLimits is the structured rate limit header sent by the server.
	HeaderRateLimits = "X-Sentry-Rate-Limits"
	// HeaderRetryAfter is the fallback single-value header.
	HeaderRetryAfter = "Retry-After"

	// DefaultRetryAfter is applied when a delay cannot be parsed and on a bare 429.
	DefaultRetryAfter = 60 * time.Second
)

// Map holds the absolute deadline until which each category is disabled.
type Map map[Category]time.Time

// DisabledUntil returns the deadline for the category. A category-specific
// entry takes precedence over the blanket "all" entry; the two are never
// combined.
func (m Map) DisabledUntil(c Category) time.Time {
	if deadline, ok := m[c]; ok {
		return deadline
	}
	return m[CategoryAll]
}

// IsRateLimited reports whether items of the category must not be sent at now.
func (m Map) IsRateLimited(c Category, now time.Time) bool {
	return m.DisabledUntil(c).After(now)
}

// Update returns a new Map with the limits carried by a response applied on
// top of m. m itself is never mutated.
//
// X-Sentry-Rate-Limits is consulted first, then Retry-After, then a 429 status
// infers a DefaultRetryAfter blanket limit.
func Update(m Map, statusCode int, headers http.Header, now time.Time) Map {
	updated := make(Map, len(m)+1)
	for c, deadline := range m {
		updated[c] = deadline
	}

	if header := headers.Get(HeaderRateLimits); header != "" {
		for _, limit := range strings.Split(strings.TrimSpace(header), ",") {
			parts := strings.SplitN(strings.TrimSpace(limit), ":", 5)
			if len(parts) == 0 || parts[0] == "" {
				continue
			}

			delay := DefaultRetryAfter
			if seconds, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err == nil && seconds >= 0 && !math.IsInf(seconds, 1) {
				delay = time.Duration(seconds) * time.Second
			}
			deadline := now.Add(delay)

			categories := ""
			if len(parts) > 1 {
				categories = strings.TrimSpace(parts[1])
			}
			if categories == "" {
				updated[CategoryAll] = deadline
				continue
			}
			for _, name := range strings.Split(categories, ";") {
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				updated[ParseCategory(name)] = deadline
			}
		}
		return updated
	}

	if header := headers.Get(HeaderRetryAfter); header != "" {
		updated[CategoryAll] = now.Add(ParseRetryAfter(header, now))
		return updated
	}

	if statusCode == http.StatusTooManyRequests {
		updated[CategoryAll] = now.Add(DefaultRetryAfter)
	}

	return updated
}

// ParseRetryAfter parses a Retry-After value given either as delay seconds or
// as an HTTP date. Unparseable values yield DefaultRetryAfter.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)

	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if date, err := http.ParseTime(header); err == nil {
		if d := date.Sub(now); d > 0 {
			return d
		}
		return 0
	}

	return DefaultRetryAfter
}

// RateLimiter is the shared, mutex-guarded view of the current limits. Updates
// replace the whole Map in one step so readers never observe a partial update.
type RateLimiter struct {
	mu     sync.RWMutex
	limits Map
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		limits: make(Map),
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
}

// IsRateLimited checks if the given category is currently rate limited
func (rl *RateLimiter) IsRateLimited(c Category) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limits.IsRateLimited(c, rl.now())
}

// DisabledUntil returns the time until which the category is disabled
func (rl *RateLimiter) DisabledUntil(c Category) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limits.DisabledUntil(c)
}

// HandleResponse applies the limits carried by a server response.
func (rl *RateLimiter) HandleResponse(statusCode int, headers http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	updated := Update(rl.limits, statusCode, headers, now)
	for c, deadline := range updated {
		if prev, ok := rl.limits[c]; !ok || !prev.Equal(deadline) {
			rl.logger.Warn("rate limit applied",
				zap.String("category", c.String()),
				zap.Time("disabled_until", deadline),
				zap.Duration("retry_after", deadline.Sub(now)))
		}
	}
	rl.limits = updated
}

// CleanupExpired removes expired rate limits
func (rl *RateLimiter) CleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	fresh := make(Map, len(rl.limits))
	for c, deadline := range rl.limits {
		if deadline.After(now) {
			fresh[c] = deadline
		}
	}
	rl.limits = fresh
}

// Status returns a copy of the current limits.
func (rl *RateLimiter) Status() Map {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	status := make(Map, len(rl.limits))
	for c, deadline := range rl.limits {
		status[c] = deadline
	}
	return status
}
