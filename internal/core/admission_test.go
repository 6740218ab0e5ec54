package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/internal/domain"
)

func TestAcquire_ImmediateUnderLimit(t *testing.T) {
	a := NewAdmission(2, time.Second, testLogger())
	ctx := context.Background()

	require.NoError(t, a.Acquire(ctx, "k", PriorityNormal))
	require.NoError(t, a.Acquire(ctx, "k", PriorityNormal))
	assert.Equal(t, 2, a.Active("k"))
	assert.Equal(t, 0, a.Queued("k"))

	a.Release("k")
	assert.Equal(t, 1, a.Active("k"))
}

func TestAcquire_QueuesOverLimit(t *testing.T) {
	const max, extra = 3, 2
	a := NewAdmission(max, 5*time.Second, testLogger())
	ctx := context.Background()

	for i := 0; i < max; i++ {
		require.NoError(t, a.Acquire(ctx, "k", PriorityNormal))
	}

	admitted := make(chan int, extra)
	var launched sync.WaitGroup
	for i := 0; i < extra; i++ {
		launched.Add(1)
		go func(i int) {
			launched.Done()
			if err := a.Acquire(ctx, "k", PriorityNormal); err == nil {
				admitted <- i
			}
		}(i)
	}
	launched.Wait()
	require.Eventually(t, func() bool { return a.Queued("k") == extra }, time.Second, time.Millisecond)
	assert.Equal(t, max, a.Active("k"))

	// Each release admits exactly one waiter.
	a.Release("k")
	<-admitted
	assert.Equal(t, max, a.Active("k"))
	assert.Equal(t, extra-1, a.Queued("k"))
}

func TestAcquire_PriorityOrder(t *testing.T) {
	a := NewAdmission(1, 5*time.Second, testLogger())
	ctx := context.Background()
	require.NoError(t, a.Acquire(ctx, "k", PriorityNormal))

	order := make(chan string, 3)
	enqueue := func(name string, p Priority) {
		go func() {
			if a.Acquire(ctx, "k", p) == nil {
				order <- name
				a.Release("k")
			}
		}()
	}

	enqueue("low", PriorityLow)
	require.Eventually(t, func() bool { return a.Queued("k") == 1 }, time.Second, time.Millisecond)
	enqueue("high", PriorityHigh)
	require.Eventually(t, func() bool { return a.Queued("k") == 2 }, time.Second, time.Millisecond)
	enqueue("normal", PriorityNormal)
	require.Eventually(t, func() bool { return a.Queued("k") == 3 }, time.Second, time.Millisecond)

	a.Release("k")
	assert.Equal(t, "high", <-order)
	assert.Equal(t, "normal", <-order)
	assert.Equal(t, "low", <-order)
}

func TestAcquire_StableWithinTier(t *testing.T) {
	a := NewAdmission(1, 5*time.Second, testLogger())
	ctx := context.Background()
	require.NoError(t, a.Acquire(ctx, "k", PriorityNormal))

	order := make(chan int, 4)
	for i := 0; i < 4; i++ {
		i := i
		go func() {
			if a.Acquire(ctx, "k", PriorityNormal) == nil {
				order <- i
				a.Release("k")
			}
		}()
		require.Eventually(t, func() bool { return a.Queued("k") == i+1 }, time.Second, time.Millisecond)
	}

	a.Release("k")
	for want := 0; want < 4; want++ {
		assert.Equal(t, want, <-order, "equal-priority waiters admitted in arrival order")
	}
}

func TestAcquire_QueueTimeout(t *testing.T) {
	a := NewAdmission(1, 20*time.Millisecond, testLogger())
	ctx := context.Background()
	require.NoError(t, a.Acquire(ctx, "k", PriorityNormal))

	err := a.Acquire(ctx, "k", PriorityHigh)
	assert.ErrorIs(t, err, domain.ErrQueueTimeout)
	assert.Equal(t, 0, a.Queued("k"), "timed-out waiter evicted from queue")
	assert.Equal(t, 1, a.Active("k"))
}

func TestAcquire_ContextCancel(t *testing.T) {
	a := NewAdmission(1, 5*time.Second, testLogger())
	require.NoError(t, a.Acquire(context.Background(), "k", PriorityNormal))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Acquire(ctx, "k", PriorityNormal) }()
	require.Eventually(t, func() bool { return a.Queued("k") == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, a.Queued("k"))
}

func TestAcquire_KeysAreIsolated(t *testing.T) {
	a := NewAdmission(1, time.Second, testLogger())
	ctx := context.Background()

	require.NoError(t, a.Acquire(ctx, "a", PriorityNormal))
	require.NoError(t, a.Acquire(ctx, "b", PriorityNormal), "key b has its own budget")
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityNormal, ParsePriority("normal"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, PriorityNormal, ParsePriority("urgent"))
}
