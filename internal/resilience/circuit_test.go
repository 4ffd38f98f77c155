package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/cacheerr"
	"github.com/taskmesh/taskmesh/internal/events"
)

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 2}, nil)
	boom := errors.New("boom")

	_ = b.Call(context.Background(), func(context.Context) error { return boom })
	if b.State() != Closed {
		t.Fatalf("expected Closed after 1 failure, got %s", b.State())
	}
	_ = b.Call(context.Background(), func(context.Context) error { return boom })
	if b.State() != Open {
		t.Fatalf("expected Open after 2 failures, got %s", b.State())
	}
}

func TestBreaker_OpenFailsFastWithoutCallingOp(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 1}, nil)
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	if b.State() != Open {
		t.Fatalf("expected Open, got %s", b.State())
	}

	called := false
	err := b.Call(context.Background(), func(context.Context) error { called = true; return nil })
	if called {
		t.Fatalf("expected op not to be called while breaker is open")
	}
	var openErr *cacheerr.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 2,
		BreakDuration:    time.Millisecond,
		HalfOpenMaxCalls: 1,
	}, nil)

	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	if b.State() != Open {
		t.Fatalf("expected Open, got %s", b.State())
	}

	time.Sleep(5 * time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatalf("expected HalfOpen after break duration elapses, got %s", b.State())
	}

	if err := b.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error on half-open success: %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected to remain HalfOpen after 1/2 successes, got %s", b.State())
	}
	if err := b.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error on half-open success: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected Closed after success threshold reached, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		BreakDuration:    time.Millisecond,
	}, nil)

	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	time.Sleep(5 * time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatalf("expected HalfOpen, got %s", b.State())
	}

	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom again") })
	if b.State() != Open {
		t.Fatalf("expected Open after half-open failure, got %s", b.State())
	}
}

func TestBreaker_PublishesStateTransitionEvents(t *testing.T) {
	bus := events.NewBus(8)
	received := make(chan events.Kind, 8)
	bus.Subscribe(context.Background(), recorderSubscriber{ch: received})

	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 1}, bus)
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	bus.Close()

	select {
	case kind := <-received:
		if kind != events.ResilienceOpened {
			t.Fatalf("expected %s, got %s", events.ResilienceOpened, kind)
		}
	default:
		t.Fatalf("expected a published event")
	}
}

type recorderSubscriber struct {
	ch chan events.Kind
}

func (recorderSubscriber) Name() string                         { return "recorder" }
func (recorderSubscriber) IsInterested(events.Event) bool        { return true }
func (r recorderSubscriber) HandleEvent(_ context.Context, e events.Event) error {
	r.ch <- e.Kind
	return nil
}
