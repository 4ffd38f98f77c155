// Package events implements the process-wide event bus: a broadcast channel
// plus a dynamic list of async subscribers, used by both the Production
// Cache and the DAG Scheduler to publish task/cache/pipeline events.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the stable discriminator for an Event's payload.
type Kind string

const (
	TaskStarted   Kind = "Task.Started"
	TaskCompleted Kind = "Task.Completed"
	TaskFailed    Kind = "Task.Failed"
	TaskProgress  Kind = "Task.Progress"
	TaskOutput    Kind = "Task.Output"
	TaskError     Kind = "Task.Error"
	TaskSkipped   Kind = "Task.Skipped"

	PipelineStarted       Kind = "Pipeline.Started"
	PipelineLevelStarted   Kind = "Pipeline.LevelStarted"
	PipelineLevelCompleted Kind = "Pipeline.LevelCompleted"
	PipelineCompleted      Kind = "Pipeline.Completed"

	CacheHit   Kind = "Cache.Hit"
	CacheMiss  Kind = "Cache.Miss"
	CacheWrite Kind = "Cache.Write"
	CacheEvict Kind = "Cache.Evict"

	EnvLoading    Kind = "Env.Loading"
	EnvLoaded     Kind = "Env.Loaded"
	EnvLoadFailed Kind = "Env.LoadFailed"
	EnvVarChanged Kind = "Env.VarChanged"

	DependencyResolved       Kind = "Dependency.Resolved"
	DependencyResolutionFailed Kind = "Dependency.ResolutionFailed"

	ResilienceOpened    Kind = "Resilience.Opened"
	ResilienceHalfOpened Kind = "Resilience.HalfOpened"
	ResilienceClosed    Kind = "Resilience.Closed"
)

// Event is a single published occurrence. Fields are a superset covering
// every Kind; producers set only the fields relevant to their Kind.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// Correlation carries the task-local K/V context active when published.
	Correlation map[string]string

	TaskID   string
	TaskName string
	Reason   string
	Error    string
	Duration time.Duration
	Size     int64
	Level    int
	Output   []byte

	HitCount     uint64
	MissCount    uint64
	BytesOnDisk  int64
	BytesInMemory int64
}

// Subscriber is the dispatch-table interface every concrete subscriber
// (console, JSON log, metrics) implements.
type Subscriber interface {
	Name() string
	IsInterested(e Event) bool
	HandleEvent(ctx context.Context, e Event) error
}

// Bus is a process-wide broadcast channel plus a dynamic subscriber list.
// Publish never blocks on a slow subscriber: subscriber dispatch happens
// via a bounded per-subscriber queue with dropped-oldest backpressure, and
// handler errors are counted and passed to the OnHandlerError callback (if
// one is installed) rather than propagated; the bus itself logs nothing.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscriberHandle
	capacity    int

	onHandlerError func(sub string, err error)

	correlationMu sync.Mutex
	correlation   map[string]string

	statsMu     sync.Mutex
	dropCount   uint64
	errorCount  uint64
}

type subscriberHandle struct {
	sub   Subscriber
	queue chan Event
	done  chan struct{}
}

// NewBus constructs a Bus whose per-subscriber queue holds up to capacity
// events before dropping the oldest.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{capacity: capacity, correlation: map[string]string{}}
}

// OnHandlerError installs a callback invoked whenever a subscriber's
// HandleEvent returns an error (in addition to the internal error counter).
func (b *Bus) OnHandlerError(fn func(sub string, err error)) {
	b.onHandlerError = fn
}

// SetCorrelation sets a key in the ambient correlation context applied to
// every event Publish stamps from this point on.
func (b *Bus) SetCorrelation(key, value string) {
	b.correlationMu.Lock()
	defer b.correlationMu.Unlock()
	b.correlation[key] = value
}

// NewCorrelationID returns a fresh correlation identifier (uuid v4),
// intended to be stored under a "correlation_id" key per run/pipeline.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Subscribe registers sub and starts its delivery goroutine. Cancelling ctx
// stops delivery.
func (b *Bus) Subscribe(ctx context.Context, sub Subscriber) {
	h := &subscriberHandle{
		sub:   sub,
		queue: make(chan Event, b.capacity),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, h)
	b.mu.Unlock()

	go func() {
		defer close(h.done)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-h.queue:
				if !ok {
					return
				}
				if err := sub.HandleEvent(ctx, e); err != nil {
					b.statsMu.Lock()
					b.errorCount++
					b.statsMu.Unlock()
					if b.onHandlerError != nil {
						b.onHandlerError(sub.Name(), err)
					}
				}
			}
		}
	}()
}

// Publish timestamps e, applies the ambient correlation context, and
// dispatches it to every interested subscriber. Delivery to each
// subscriber's queue is non-blocking: a full queue drops the oldest queued
// event for that subscriber (FIFO per subscriber is preserved for events
// that are not dropped).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.correlationMu.Lock()
	if len(b.correlation) > 0 {
		merged := make(map[string]string, len(b.correlation)+len(e.Correlation))
		for k, v := range b.correlation {
			merged[k] = v
		}
		for k, v := range e.Correlation {
			merged[k] = v
		}
		e.Correlation = merged
	}
	b.correlationMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.subscribers {
		if !h.sub.IsInterested(e) {
			continue
		}
		select {
		case h.queue <- e:
		default:
			// Queue full: drop the oldest queued event, then enqueue this one.
			select {
			case <-h.queue:
				b.statsMu.Lock()
				b.dropCount++
				b.statsMu.Unlock()
			default:
			}
			select {
			case h.queue <- e:
			default:
			}
		}
	}
}

// Stats returns bus-level backpressure/error counters.
type Stats struct {
	DroppedEvents uint64
	HandlerErrors uint64
}

func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return Stats{DroppedEvents: b.dropCount, HandlerErrors: b.errorCount}
}

// Close signals every subscriber queue closed and waits for delivery
// goroutines to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()

	for _, h := range subs {
		close(h.queue)
		<-h.done
	}
}
