package core

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLimiter(limits Limits) (*RateLimiter, *time.Time) {
	l := NewRateLimiter(limits, testLogger())
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheck_AdmitsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(Limits{MaxRequests: 5, Window: 60 * time.Second, BurstLimit: 0, BurstWindow: 10 * time.Second})

	for i := 0; i < 5; i++ {
		d := l.Check("key-a")
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
		assert.False(t, d.Burst)
		assert.Equal(t, 4-i, d.Remaining)
	}

	d := l.Check("key-a")
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestCheck_BurstAllowance(t *testing.T) {
	l, _ := newTestLimiter(Limits{MaxRequests: 5, Window: 60 * time.Second, BurstLimit: 2, BurstWindow: 10 * time.Second})

	for i := 0; i < 5; i++ {
		require.True(t, l.Check("k").Allowed)
	}

	// 6th and 7th ride the burst allowance and are flagged as such.
	for i := 0; i < 2; i++ {
		d := l.Check("k")
		require.True(t, d.Allowed)
		assert.True(t, d.Burst)
		assert.Equal(t, 0, d.Remaining)
	}

	// 6+burstLimit+1-th is always rejected.
	d := l.Check("k")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.BurstRemaining)
}

// Burst admissions are recorded only in the burst window, never the main
// window, so burst-only traffic does not fill the main window. Pins current
// semantics.
func TestCheck_BurstRecordsOnlyBurstWindow(t *testing.T) {
	l, now := newTestLimiter(Limits{MaxRequests: 2, Window: 60 * time.Second, BurstLimit: 1, BurstWindow: 10 * time.Second})

	require.True(t, l.Check("k").Allowed)
	require.True(t, l.Check("k").Allowed)
	d := l.Check("k")
	require.True(t, d.Allowed)
	require.True(t, d.Burst)

	e := l.entry("k")
	assert.Len(t, e.main, 2)
	assert.Len(t, e.burst, 1)

	// Burst window expires independently of the main window.
	*now = now.Add(11 * time.Second)
	d = l.Check("k")
	require.True(t, d.Allowed)
	assert.True(t, d.Burst, "main window still full, burst window drained")
}

func TestCheck_WindowSlides(t *testing.T) {
	l, now := newTestLimiter(Limits{MaxRequests: 2, Window: 60 * time.Second, BurstLimit: 0, BurstWindow: 10 * time.Second})

	require.True(t, l.Check("k").Allowed)
	*now = now.Add(30 * time.Second)
	require.True(t, l.Check("k").Allowed)
	assert.False(t, l.Check("k").Allowed)

	// First timestamp ages out; one slot opens.
	*now = now.Add(31 * time.Second)
	d := l.Check("k")
	assert.True(t, d.Allowed)
	assert.False(t, l.Check("k").Allowed)
}

func TestCheck_KeysAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(Limits{MaxRequests: 1, Window: 60 * time.Second, BurstLimit: 0, BurstWindow: 10 * time.Second})

	require.True(t, l.Check("a").Allowed)
	require.False(t, l.Check("a").Allowed)
	assert.True(t, l.Check("b").Allowed, "key b must not be degraded by key a")
}

func TestSetLimits_PerKeyOverride(t *testing.T) {
	l, _ := newTestLimiter(Limits{MaxRequests: 1, Window: 60 * time.Second, BurstLimit: 0, BurstWindow: 10 * time.Second})
	l.SetLimits("vip", Limits{MaxRequests: 3, Window: 60 * time.Second})

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("vip").Allowed)
	}
	assert.False(t, l.Check("vip").Allowed)

	// Other keys keep the defaults.
	require.True(t, l.Check("other").Allowed)
	assert.False(t, l.Check("other").Allowed)
}

func TestDecision_Headers(t *testing.T) {
	l, _ := newTestLimiter(Limits{MaxRequests: 5, Window: 60 * time.Second, BurstLimit: 2, BurstWindow: 10 * time.Second})
	d := l.Check("k")
	h := d.Headers(l.Limits("k"))
	assert.Equal(t, "5", h["X-RateLimit-Limit"])
	assert.Equal(t, "4", h["X-RateLimit-Remaining"])
	assert.Equal(t, "2", h["X-RateLimit-Burst-Limit"])
	assert.NotEmpty(t, h["X-RateLimit-Reset"])
}

func TestLimits_Validate(t *testing.T) {
	assert.Error(t, Limits{MaxRequests: 0, Window: time.Second}.Validate())
	assert.Error(t, Limits{MaxRequests: 1, Window: 0}.Validate())
	assert.Error(t, Limits{MaxRequests: 1, Window: time.Second, BurstLimit: -1}.Validate())
	assert.NoError(t, Limits{MaxRequests: 1, Window: time.Second}.Validate())
}
