package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain"
)

// Priority orders queued admission waiters. Values outside the three tiers
// are clamped.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ParsePriority maps the wire form to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

func clampPriority(p Priority) Priority {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityHigh {
		return PriorityHigh
	}
	return p
}

// waiter is one suspended caller. admit is buffered so Release never blocks
// handing a slot to a waiter that is concurrently timing out.
type waiter struct {
	priority Priority
	enqueued time.Time
	admit    chan struct{}
}

// keyState is one key's in-flight bookkeeping. The queue is kept ordered by
// priority descending, arrival ascending within a tier; insertion is linear,
// which is fine at queue depths bounded by queueTimeout.
type keyState struct {
	active int
	queue  []*waiter
}

// Admission bounds in-flight requests per key. Callers over the bound are
// queued rather than rejected, trading latency for throughput; a waiter not
// admitted within the queue timeout resolves as ErrQueueTimeout.
type Admission struct {
	maxPerKey    int
	queueTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	states map[string]*keyState
}

// NewAdmission constructs the controller.
func NewAdmission(maxPerKey int, queueTimeout time.Duration, logger *slog.Logger) *Admission {
	return &Admission{
		maxPerKey:    maxPerKey,
		queueTimeout: queueTimeout,
		logger:       logger.With("component", "admission"),
		states:       make(map[string]*keyState),
	}
}

// Acquire obtains an execution slot for key, suspending the caller in the
// priority queue when the key is at capacity. It returns nil once admitted,
// domain.ErrQueueTimeout if the wait expires, or the context error.
func (a *Admission) Acquire(ctx context.Context, key string, priority Priority) error {
	priority = clampPriority(priority)

	a.mu.Lock()
	st := a.state(key)
	if st.active < a.maxPerKey {
		st.active++
		a.mu.Unlock()
		return nil
	}
	w := &waiter{priority: priority, enqueued: time.Now(), admit: make(chan struct{}, 1)}
	st.queue = insertWaiter(st.queue, w)
	pos := waiterPosition(st.queue, w)
	a.mu.Unlock()

	a.logger.Debug("Request queued for admission.",
		slog.String("key", key),
		slog.Int("position", pos),
		slog.Int("priority", int(priority)))

	timer := time.NewTimer(a.queueTimeout)
	defer timer.Stop()

	select {
	case <-w.admit:
		return nil
	case <-timer.C:
		return a.abandon(key, w, domain.ErrQueueTimeout)
	case <-ctx.Done():
		return a.abandon(key, w, ctx.Err())
	}
}

// abandon evicts w from the queue. If w is gone it was already admitted by a
// concurrent Release; the admission stands and no error is returned.
func (a *Admission) abandon(key string, w *waiter, cause error) error {
	a.mu.Lock()
	st := a.states[key]
	if st != nil {
		for i, queued := range st.queue {
			if queued == w {
				st.queue = append(st.queue[:i], st.queue[i+1:]...)
				a.mu.Unlock()
				a.logger.Warn("Admission wait abandoned.",
					slog.String("key", key),
					slog.Duration("waited", time.Since(w.enqueued)),
					slog.Any("cause", cause))
				return cause
			}
		}
	}
	a.mu.Unlock()
	<-w.admit
	return nil
}

// Release frees a slot and, when waiters are queued, hands the slot to the
// head of the queue (highest priority, earliest arrival).
func (a *Admission) Release(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.states[key]
	if st == nil || st.active == 0 {
		return
	}
	st.active--
	if len(st.queue) > 0 && st.active < a.maxPerKey {
		next := st.queue[0]
		st.queue = st.queue[1:]
		st.active++
		next.admit <- struct{}{}
	}
}

// Active reports the in-flight count for a key.
func (a *Admission) Active(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st := a.states[key]; st != nil {
		return st.active
	}
	return 0
}

// Queued reports the wait-queue depth for a key.
func (a *Admission) Queued(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st := a.states[key]; st != nil {
		return len(st.queue)
	}
	return 0
}

// state returns the keyState for key, creating it on first use. Caller holds
// the controller lock.
func (a *Admission) state(key string) *keyState {
	st, ok := a.states[key]
	if !ok {
		st = &keyState{}
		a.states[key] = st
	}
	return st
}

// insertWaiter places w before the first entry of strictly lower priority,
// keeping arrival order within a tier (stable).
func insertWaiter(queue []*waiter, w *waiter) []*waiter {
	at := len(queue)
	for i, queued := range queue {
		if queued.priority < w.priority {
			at = i
			break
		}
	}
	queue = append(queue, nil)
	copy(queue[at+1:], queue[at:])
	queue[at] = w
	return queue
}

func waiterPosition(queue []*waiter, w *waiter) int {
	for i, queued := range queue {
		if queued == w {
			return i
		}
	}
	return -1
}
