package store

import "sync"

// broker fans out Events to path and child-set subscribers, the same
// buffered-channel, drop-on-full shape as the teacher's
// pkg/events.Broker, generalized from whole-cluster events to
// per-path/per-child-set subscriptions.
type broker struct {
	mu       sync.Mutex
	nextID   uint64
	dataSubs map[string]map[uint64]chan Event
	kidSubs  map[string]map[uint64]chan Event
	stopped  bool
}

func newBroker() *broker {
	return &broker{
		dataSubs: make(map[string]map[uint64]chan Event),
		kidSubs:  make(map[string]map[uint64]chan Event),
	}
}

func (b *broker) subscribe(path string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		close(ch)
		return ch, func() {}
	}
	set, ok := b.dataSubs[path]
	if !ok {
		set = make(map[uint64]chan Event)
		b.dataSubs[path] = set
	}
	b.nextID++
	id := b.nextID
	set[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.dataSubs[path]; ok {
			delete(set, id)
		}
	}
}

func (b *broker) subscribeChildren(path string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		close(ch)
		return ch, func() {}
	}
	set, ok := b.kidSubs[path]
	if !ok {
		set = make(map[uint64]chan Event)
		b.kidSubs[path] = set
	}
	b.nextID++
	id := b.nextID
	set[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.kidSubs[path]; ok {
			delete(set, id)
		}
	}
}

func (b *broker) notify(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.dataSubs[ev.Path] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broker) notifyChildren(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.kidSubs[path] {
		select {
		case ch <- Event{Path: path, Type: EventChildrenChanged}:
		default:
		}
	}
}

func (b *broker) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	for _, set := range b.dataSubs {
		for _, ch := range set {
			close(ch)
		}
	}
	for _, set := range b.kidSubs {
		for _, ch := range set {
			close(ch)
		}
	}
}
