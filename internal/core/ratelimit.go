// Package core implements the admission and reliability primitives of the
// gateway: the sliding-window rate limiter, the per-key concurrency
// controller with its priority wait queue, the idempotency cache, the
// shutdown coordinator, and API-version negotiation. Every shared map is
// guarded; per-key work happens under the key entry's own lock so one key
// never serializes another.
package core

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Limits parameterizes the sliding-window limiter for one key.
type Limits struct {
	MaxRequests int
	Window      time.Duration
	BurstLimit  int
	BurstWindow time.Duration
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed        bool
	Burst          bool // admitted via the burst allowance
	Remaining      int
	BurstRemaining int
	RetryAfter     time.Duration // advisory, set when rejected
	ResetAt        time.Time
}

// Headers renders the decision as rate-limit response headers.
func (d Decision) Headers(limits Limits) map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":           strconv.Itoa(limits.MaxRequests),
		"X-RateLimit-Remaining":       strconv.Itoa(d.Remaining),
		"X-RateLimit-Reset":           strconv.FormatInt(d.ResetAt.UnixMilli(), 10),
		"X-RateLimit-Burst-Limit":     strconv.Itoa(limits.BurstLimit),
		"X-RateLimit-Burst-Remaining": strconv.Itoa(d.BurstRemaining),
	}
}

// rateEntry holds one key's request history. The entry lock covers the
// timestamp lists and the per-key limit override; the limiter lock covers
// only the entries map.
type rateEntry struct {
	mu     sync.Mutex
	limits Limits
	main   []time.Time
	burst  []time.Time
}

// RateLimiter is a per-key sliding-window limiter with a secondary burst
// window. Requests admitted via the burst allowance are recorded only in the
// burst window, so sustained burst-only traffic never fills the main window.
// That is the release-valve semantics callers depend on; keep it.
type RateLimiter struct {
	defaults Limits
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*rateEntry

	now func() time.Time
}

// NewRateLimiter constructs a limiter with the given default limits.
func NewRateLimiter(defaults Limits, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		defaults: defaults,
		logger:   logger.With("component", "rate_limiter"),
		entries:  make(map[string]*rateEntry),
		now:      time.Now,
	}
}

// SetLimits installs a per-key override, typically fetched once from the
// authorizer when the key first appears on a connection.
func (l *RateLimiter) SetLimits(key string, limits Limits) {
	e := l.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if limits.MaxRequests <= 0 {
		limits.MaxRequests = l.defaults.MaxRequests
	}
	if limits.Window <= 0 {
		limits.Window = l.defaults.Window
	}
	if limits.BurstWindow <= 0 {
		limits.BurstWindow = l.defaults.BurstWindow
	}
	e.limits = limits
}

// Limits reports the limits in effect for a key.
func (l *RateLimiter) Limits(key string) Limits {
	e := l.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limits
}

// Check runs the sliding-window admission test for key and records the
// request when admitted.
func (l *RateLimiter) Check(key string) Decision {
	e := l.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.now()
	e.main = prune(e.main, now.Add(-e.limits.Window))
	e.burst = prune(e.burst, now.Add(-e.limits.BurstWindow))

	lim := e.limits
	if len(e.main) < lim.MaxRequests {
		e.main = append(e.main, now)
		return Decision{
			Allowed:        true,
			Remaining:      lim.MaxRequests - len(e.main),
			BurstRemaining: lim.BurstLimit - len(e.burst),
			ResetAt:        e.main[0].Add(lim.Window),
		}
	}

	resetAt := now.Add(lim.Window)
	if len(e.main) > 0 {
		resetAt = e.main[0].Add(lim.Window)
	}

	if lim.BurstLimit > 0 && len(e.burst) < lim.BurstLimit {
		e.burst = append(e.burst, now)
		l.logger.Info("Request admitted via burst allowance.",
			slog.String("key", key),
			slog.Int("burst_used", len(e.burst)),
			slog.Int("burst_limit", lim.BurstLimit))
		return Decision{
			Allowed:        true,
			Burst:          true,
			Remaining:      0,
			BurstRemaining: lim.BurstLimit - len(e.burst),
			ResetAt:        resetAt,
		}
	}
	retry := resetAt.Sub(now)
	if retry < 0 {
		retry = 0
	}
	l.logger.Warn("Rate limit exceeded.",
		slog.String("key", key),
		slog.Int("window_count", len(e.main)),
		slog.Duration("retry_after", retry))
	return Decision{
		Allowed:        false,
		Remaining:      0,
		BurstRemaining: 0,
		RetryAfter:     retry,
		ResetAt:        resetAt,
	}
}

func (l *RateLimiter) entry(key string) *rateEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &rateEntry{limits: l.defaults}
		l.entries[key] = e
	}
	return e
}

// prune drops timestamps at or before cutoff. The list is append-ordered, so
// a single scan from the front suffices.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// Validate reports configuration errors in the default limits.
func (lim Limits) Validate() error {
	if lim.MaxRequests <= 0 {
		return fmt.Errorf("rate limit max requests must be positive, got %d", lim.MaxRequests)
	}
	if lim.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", lim.Window)
	}
	if lim.BurstLimit < 0 {
		return fmt.Errorf("burst limit must not be negative, got %d", lim.BurstLimit)
	}
	return nil
}
