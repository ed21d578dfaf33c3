// Package bus provides the pipeline event bus: a bounded-history
// publish/subscribe channel that decouples the phases from dashboard
// streams and tests.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"issuepilot/pkg/logx"
)

// Event is a single pipeline status event. Immutable once published;
// ordering is publish order, not receipt order per subscriber.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Well-known event types published by the core.
const (
	EventStatus        = "status"
	EventError         = "error"
	EventHitlEscalated = "hitl_escalated"
	EventHitlResolved  = "hitl_resolved"
	EventTriageRouted  = "triage_routed"
	EventLoopRestart   = "loop_restart"
	EventIssueDone     = "issue_done"
)

// NewEvent builds an event with a fresh ID and UTC timestamp.
func NewEvent(eventType string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// DurableLog is the optional persistent sink consulted by LoadEventsSince.
type DurableLog interface {
	Append(event Event) error
	EventsSince(ts time.Time) ([]Event, error)
}

// Subscription is a consumer-local event queue. Receive on C; a slow
// consumer loses its oldest queued events, never the publisher's time.
type Subscription struct {
	C  chan Event
	id int
}

// Bus fans published events out to subscribers and keeps a bounded history
// ring for replay. Publish never blocks and never fails.
type Bus struct {
	mu          sync.Mutex
	history     []Event
	historyMax  int
	subscribers map[int]*Subscription
	nextSubID   int
	queueSize   int
	durable     DurableLog
	observer    func(eventType string)
	logger      *logx.Logger
}

// New creates a bus keeping at most historyMax events of replayable history.
func New(historyMax int) *Bus {
	if historyMax <= 0 {
		historyMax = 500
	}
	return &Bus{
		history:     make([]Event, 0, historyMax),
		historyMax:  historyMax,
		subscribers: make(map[int]*Subscription),
		queueSize:   64,
		logger:      logx.NewLogger("bus"),
	}
}

// SetDurableLog attaches a persistent event log. Append failures are logged
// and swallowed so a broken disk never blocks status propagation.
func (b *Bus) SetDurableLog(durable DurableLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.durable = durable
}

// SetObserver registers a callback invoked once per published event with the
// event type. Used to feed the metrics recorder; must not block.
func (b *Bus) SetObserver(fn func(eventType string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = fn
}

// Publish appends the event to history and delivers it to every subscriber.
// A subscriber whose queue is full drops its oldest event rather than
// blocking the publisher.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.historyMax {
		b.history = b.history[len(b.history)-b.historyMax:]
	}

	if b.observer != nil {
		b.observer(event.Type)
	}

	if b.durable != nil {
		if err := b.durable.Append(event); err != nil {
			b.logger.Warn("durable log append failed for event %s: %v", event.ID, err)
		}
	}

	for _, sub := range b.subscribers {
		for {
			select {
			case sub.C <- event:
			default:
				// Queue full: drop the oldest and retry.
				select {
				case <-sub.C:
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe returns a new live subscription with no history replay.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeLocked()
}

// SubscribeWithHistory returns the current history snapshot together with a
// live subscription. The snapshot and the subscription registration happen
// atomically with respect to Publish, so no event is missed or duplicated
// across the handoff.
func (b *Bus) SubscribeWithHistory() ([]Event, *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make([]Event, len(b.history))
	copy(snapshot, b.history)

	return snapshot, b.subscribeLocked()
}

func (b *Bus) subscribeLocked() *Subscription {
	sub := &Subscription{
		C:  make(chan Event, b.queueSize),
		id: b.nextSubID,
	}
	b.subscribers[sub.id] = sub
	b.nextSubID++
	return sub
}

// Unsubscribe stops further delivery to sub. History is unaffected.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sub.id)
}

// History returns a snapshot copy of the replay buffer.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make([]Event, len(b.history))
	copy(snapshot, b.history)
	return snapshot
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// LoadEventsSince returns durable-log events after ts when a persistent log
// is configured. The second return is false when no log is attached.
func (b *Bus) LoadEventsSince(ts time.Time) ([]Event, bool) {
	b.mu.Lock()
	durable := b.durable
	b.mu.Unlock()

	if durable == nil {
		return nil, false
	}

	events, err := durable.EventsSince(ts)
	if err != nil {
		b.logger.Warn("durable log query failed: %v", err)
		return nil, false
	}
	return events, true
}
