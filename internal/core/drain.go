package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/toolgate/toolgate/internal/domain"
)

// Lifecycle states of the coordinator.
type DrainState int32

const (
	StateRunning DrainState = iota
	StateDraining
	StateTerminated
)

// Operation is one tracked in-flight unit of work.
type Operation struct {
	ID            string
	Method        string
	CorrelationID string
	Started       time.Time
	cancel        context.CancelFunc
}

// Coordinator tracks in-flight operations and drives graceful shutdown:
// stop admitting, notify clients, wait out a grace period, then force-cancel
// whatever is still running. Drain is idempotent.
type Coordinator struct {
	grace  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	state   DrainState
	ops     map[string]*Operation
	idle    chan struct{} // closed when draining and ops empties
	onDrain []func(ctx context.Context)
}

// NewCoordinator constructs a Coordinator in the running state.
func NewCoordinator(grace time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		grace:  grace,
		logger: logger.With("component", "shutdown"),
		ops:    make(map[string]*Operation),
		idle:   make(chan struct{}),
	}
}

// OnDrain registers a hook invoked when draining begins, before the grace
// wait. Transports use it to notify connected clients and stop accepting.
func (c *Coordinator) OnDrain(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrain = append(c.onDrain, fn)
}

// State reports the current lifecycle state.
func (c *Coordinator) State() DrainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Begin registers a new in-flight operation. It fails with
// domain.ErrDraining once shutdown has begun. The cancel handle is invoked
// if the operation outlives the grace period.
func (c *Coordinator) Begin(method, correlationID string, cancel context.CancelFunc) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return "", domain.ErrDraining
	}
	id := uuid.NewString()
	c.ops[id] = &Operation{
		ID:            id,
		Method:        method,
		CorrelationID: correlationID,
		Started:       time.Now(),
		cancel:        cancel,
	}
	return id, nil
}

// End marks an operation complete.
func (c *Coordinator) End(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ops, id)
	if c.state == StateDraining && len(c.ops) == 0 {
		select {
		case <-c.idle:
		default:
			close(c.idle)
		}
	}
}

// InFlight reports the number of tracked operations.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

// Drain runs the shutdown sequence. A second call while already draining or
// terminated is a no-op.
func (c *Coordinator) Drain(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		c.logger.Debug("Drain requested while not running, ignoring.")
		return
	}
	c.state = StateDraining
	hooks := make([]func(ctx context.Context), len(c.onDrain))
	copy(hooks, c.onDrain)
	inflight := len(c.ops)
	if inflight == 0 {
		select {
		case <-c.idle:
		default:
			close(c.idle)
		}
	}
	c.mu.Unlock()

	c.logger.Info("Drain started.",
		slog.Int("in_flight", inflight),
		slog.Duration("grace", c.grace))

	for _, fn := range hooks {
		fn(ctx)
	}

	graceCtx, cancel := context.WithTimeout(ctx, c.grace)
	defer cancel()
	select {
	case <-c.idle:
		c.logger.Info("All operations completed within grace period.")
	case <-graceCtx.Done():
		c.abort()
	}

	c.mu.Lock()
	c.state = StateTerminated
	c.mu.Unlock()
	c.logger.Info("Drain complete.")
}

// abort force-cancels every operation still outstanding.
func (c *Coordinator) abort() {
	c.mu.Lock()
	leftover := make([]*Operation, 0, len(c.ops))
	for _, op := range c.ops {
		leftover = append(leftover, op)
	}
	c.ops = make(map[string]*Operation)
	c.mu.Unlock()

	for _, op := range leftover {
		c.logger.Warn("Forcibly cancelling operation after grace period.",
			slog.String("operation_id", op.ID),
			slog.String("method", op.Method),
			slog.Duration("age", time.Since(op.Started)))
		if op.cancel != nil {
			op.cancel()
		}
	}
}
