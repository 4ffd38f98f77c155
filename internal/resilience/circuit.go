package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/cacheerr"
	"github.com/taskmesh/taskmesh/internal/events"
)

// CircuitState is one of the three breaker states.
type CircuitState int

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig configures state transition thresholds.
type BreakerConfig struct {
	Name              string
	FailureThreshold  int
	SuccessThreshold  int
	BreakDuration     time.Duration
	HalfOpenMaxCalls  int
}

// Breaker is a three-state circuit breaker: Closed counts consecutive
// failures toward FailureThreshold; Open fails fast until BreakDuration
// elapses then moves to HalfOpen; HalfOpen allows up to HalfOpenMaxCalls
// in flight and closes after SuccessThreshold consecutive successes, or
// reopens on any failure.
type Breaker struct {
	cfg BreakerConfig
	bus *events.Bus

	mu                 sync.Mutex
	state              CircuitState
	consecutiveFails    int
	consecutiveSuccess  int
	openedAt           time.Time
	halfOpenInFlight   int
}

// NewBreaker constructs a Breaker in the Closed state. bus may be nil, in
// which case state transitions are not published.
func NewBreaker(cfg BreakerConfig, bus *events.Bus) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.BreakDuration <= 0 {
		cfg.BreakDuration = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &Breaker{cfg: cfg, bus: bus, state: Closed}
}

// State returns the breaker's current state, transitioning Open -> HalfOpen
// if BreakDuration has elapsed.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeTransitionToHalfOpenLocked() {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.BreakDuration {
		b.state = HalfOpen
		b.consecutiveSuccess = 0
		b.halfOpenInFlight = 0
		b.publish(events.ResilienceHalfOpened)
	}
}

// Call executes op if the breaker permits it, failing fast with
// CircuitOpenError otherwise.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	b.maybeTransitionToHalfOpenLocked()
	switch b.state {
	case Open:
		b.mu.Unlock()
		return &cacheerr.CircuitOpenError{Name: b.cfg.Name}
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			b.mu.Unlock()
			return &cacheerr.CircuitOpenError{Name: b.cfg.Name}
		}
		b.halfOpenInFlight++
	}
	b.mu.Unlock()

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.halfOpenInFlight--
	}
	if err != nil {
		b.onFailureLocked()
		return err
	}
	b.onSuccessLocked()
	return nil
}

func (b *Breaker) onFailureLocked() {
	switch b.state {
	case Closed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	case HalfOpen:
		b.openLocked()
	}
}

func (b *Breaker) onSuccessLocked() {
	switch b.state {
	case Closed:
		b.consecutiveFails = 0
	case HalfOpen:
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveFails = 0
			b.consecutiveSuccess = 0
			b.publish(events.ResilienceClosed)
		}
	}
}

func (b *Breaker) openLocked() {
	b.state = Open
	b.openedAt = time.Now()
	b.consecutiveFails = 0
	b.consecutiveSuccess = 0
	b.publish(events.ResilienceOpened)
}

func (b *Breaker) publish(kind events.Kind) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(events.Event{Kind: kind, Reason: b.cfg.Name})
}
