package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the subscription channel depth used when a subscriber
// passes a non-positive buffer size.
const DefaultBuffer = 64

// Bus fans events out to subscribers. A nil *Bus is valid: all publish
// methods become no-ops, so components can run without wiring.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]*Subscription
	all    []*Subscription
	closed bool

	dropped atomic.Uint64

	logger *slog.Logger
}

// Subscription is one subscriber's view of the bus. Events arrive on C().
type Subscription struct {
	bus   *Bus
	types []Type
	ch    chan Event
	once  sync.Once
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[Type][]*Subscription),
		logger: logger.With("component", "event_bus"),
	}
}

// Subscribe registers a subscriber for the given event types. With no types
// the subscription receives every event. buffer <= 0 selects DefaultBuffer.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		bus:   b,
		types: types,
		ch:    make(chan Event, buffer),
	}
	if b == nil {
		// Detached subscription: never receives, Close is still safe.
		return sub
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	if len(types) == 0 {
		b.all = append(b.all, sub)
		return sub
	}
	for _, t := range types {
		b.subs[t] = append(b.subs[t], sub)
	}
	return sub
}

// C returns the subscriber's receive channel. The channel is closed when the
// subscription or the bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unsubscribes and closes the receive channel. Safe to call more than
// once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.bus != nil {
			s.bus.remove(s)
		}
		close(s.ch)
	})
}

func (b *Bus) remove(sub *Subscription) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = removeSub(b.all, sub)
	for _, t := range sub.types {
		b.subs[t] = removeSub(b.subs[t], sub)
	}
}

func removeSub(list []*Subscription, sub *Subscription) []*Subscription {
	for i, s := range list {
		if s == sub {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Publish delivers evt to every matching subscriber without blocking. Events
// to subscribers with full buffers are dropped and counted.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.all)+len(b.subs[evt.Type]))
	targets = append(targets, b.all...)
	targets = append(targets, b.subs[evt.Type]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- evt:
		default:
			n := b.dropped.Add(1)
			if n%100 == 1 {
				b.logger.Debug("Event dropped on full subscriber buffer",
					"event_type", string(evt.Type),
					"total_dropped", n)
			}
		}
	}
}

// Dropped reports how many events were lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close shuts the bus down. Subsequent publishes are discarded and all
// subscriber channels are closed.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[*Subscription]bool)
	for _, sub := range b.all {
		if !seen[sub] {
			seen[sub] = true
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	for _, list := range b.subs {
		for _, sub := range list {
			if !seen[sub] {
				seen[sub] = true
				sub.once.Do(func() { close(sub.ch) })
			}
		}
	}
	b.all = nil
	b.subs = make(map[Type][]*Subscription)
}

// Typed publish helpers. Each stamps the event type and timestamp so call
// sites stay one-liners.

// PublishStageStateChange reports a breaker transition for a stage.
func (b *Bus) PublishStageStateChange(runID string, p StageStateChangePayload) {
	b.Publish(Event{Type: TypeStageStateChange, RunID: runID, Payload: p})
}

// PublishJobCompleted reports a finished job.
func (b *Bus) PublishJobCompleted(runID string, p JobCompletedPayload) {
	b.Publish(Event{Type: TypeJobCompleted, RunID: runID, Payload: p})
}

// PublishJobFailed reports a failed job attempt.
func (b *Bus) PublishJobFailed(runID string, p JobFailedPayload) {
	b.Publish(Event{Type: TypeJobFailed, RunID: runID, Payload: p})
}

// PublishConcurrencyChanged reports a stage slot-limit adjustment.
func (b *Bus) PublishConcurrencyChanged(p ConcurrencyChangedPayload) {
	b.Publish(Event{Type: TypeConcurrencyChanged, Payload: p})
}

// PublishOutboxPublished reports an outbox row handed to its queue.
func (b *Bus) PublishOutboxPublished(runID string, p OutboxPublishedPayload) {
	b.Publish(Event{Type: TypeOutboxPublished, RunID: runID, Payload: p})
}

// PublishOutboxFailed reports an outbox row parked as failed.
func (b *Bus) PublishOutboxFailed(runID string, p OutboxFailedPayload) {
	b.Publish(Event{Type: TypeOutboxFailed, RunID: runID, Payload: p})
}

// PublishCheckpointCreated reports a new checkpoint.
func (b *Bus) PublishCheckpointCreated(runID string, p CheckpointCreatedPayload) {
	b.Publish(Event{Type: TypeCheckpointCreated, RunID: runID, Payload: p})
}

// PublishCheckpointInvalidated reports a checkpoint invalidated by rollback.
func (b *Bus) PublishCheckpointInvalidated(runID string, p CheckpointInvalidatedPayload) {
	b.Publish(Event{Type: TypeCheckpointInvalidated, RunID: runID, Payload: p})
}

// PublishSystemAlert reports a threshold crossing or critical failure.
func (b *Bus) PublishSystemAlert(p SystemAlertPayload) {
	b.Publish(Event{Type: TypeSystemAlert, Payload: p})
}

// PublishWorkerHealth reports one worker's health snapshot.
func (b *Bus) PublishWorkerHealth(p WorkerHealthPayload) {
	b.Publish(Event{Type: TypeWorkerHealth, Payload: p})
}

// PublishDependencyHealth reports a dependency probe outcome.
func (b *Bus) PublishDependencyHealth(p DependencyHealthPayload) {
	b.Publish(Event{Type: TypeDependencyHealth, Payload: p})
}
