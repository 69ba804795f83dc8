// Package events is the pipeline/participant lifecycle event bus.
// Subscriptions are scoped by EventType rather than broadcast to every
// listener, the same per-key fanout internal/store's broker uses for
// path and child-set notifications, generalized here from keying on a
// datastore path to keying on an EventType (with a wildcard
// subscription for listeners that want everything).
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	EventPipelineRunStarted  EventType = "pipeline.run.started"
	EventPipelineRunFinished EventType = "pipeline.run.finished"
	EventPipelineRunAborted  EventType = "pipeline.run.aborted"
	EventMessageDispatched   EventType = "message.dispatched"
	EventMessageCancelled    EventType = "message.cancelled"
	EventPartitionError      EventType = "partition.error"
	EventPartitionRecovered  EventType = "partition.recovered"
	EventInstanceJoined      EventType = "instance.joined"
	EventInstanceLeft        EventType = "instance.left"
	EventLeadershipAcquired  EventType = "leadership.acquired"
	EventLeadershipLost      EventType = "leadership.lost"

	// wildcard is the internal key a no-filter Subscribe registers
	// under; it never appears as an Event.Type on the wire.
	wildcard EventType = ""
)

// Event represents one lifecycle event.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Broker fans published events out to subscribers, routed by the
// EventType(s) each subscriber registered for.
type Broker struct {
	mu       sync.Mutex
	nextID   uint64
	subs     map[EventType]map[uint64]chan *Event
	eventCh  chan *Event
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[EventType]map[uint64]chan *Event),
		eventCh: make(chan *Event, 100),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution and closes every subscriber channel. Safe to
// call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, set := range b.subs {
			for _, ch := range set {
				close(ch)
			}
		}
		b.subs = make(map[EventType]map[uint64]chan *Event)
	})
}

// Subscribe returns a channel receiving every published event whose
// Type is in types, and an unsubscribe func to release it. With no
// types given, the channel receives every event published.
func (b *Broker) Subscribe(types ...EventType) (<-chan *Event, func()) {
	ch := make(chan *Event, 50)
	keys := types
	if len(keys) == 0 {
		keys = []EventType{wildcard}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	for _, t := range keys {
		set, ok := b.subs[t]
		if !ok {
			set = make(map[uint64]chan *Event)
			b.subs[t] = set
		}
		set[id] = ch
	}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range keys {
			delete(b.subs[t], id)
		}
	}
}

// Publish publishes an event to every subscriber registered for its
// Type, plus every wildcard subscriber.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[event.Type] {
		b.send(ch, event)
	}
	if event.Type != wildcard {
		for _, ch := range b.subs[wildcard] {
			b.send(ch, event)
		}
	}
}

// send assumes b.mu is held; it never blocks, dropping the event for a
// subscriber whose buffer is full.
func (b *Broker) send(ch chan *Event, event *Event) {
	select {
	case ch <- event:
	default:
	}
}

// SubscriberCount returns the number of active Subscribe calls,
// counting a single call once even if it registered under several
// event types.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[uint64]bool)
	for _, set := range b.subs {
		for id := range set {
			seen[id] = true
		}
	}
	return len(seen)
}
