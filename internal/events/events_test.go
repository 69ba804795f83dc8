package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeOnlyReceivesRegisteredType(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	dispatched, cancel := b.Subscribe(EventMessageDispatched)
	defer cancel()

	b.Publish(&Event{Type: EventPartitionError})
	b.Publish(&Event{Type: EventMessageDispatched, ID: "m1"})

	select {
	case ev := <-dispatched:
		assert.Equal(t, "m1", ev.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event it registered for")
	}

	select {
	case ev := <-dispatched:
		t.Fatalf("subscriber received an event of an unregistered type: %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeWithNoTypesReceivesEverything(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	all, cancel := b.Subscribe()
	defer cancel()

	b.Publish(&Event{Type: EventInstanceJoined})
	b.Publish(&Event{Type: EventLeadershipLost})

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatal("wildcard subscriber did not receive every published event")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	ch, cancel := b.Subscribe(EventPartitionRecovered)
	assert.Equal(t, 1, b.SubscriberCount())
	cancel()
	assert.Equal(t, 0, b.SubscriberCount())

	b.Publish(&Event{Type: EventPartitionRecovered})
	select {
	case <-ch:
		t.Fatal("an unsubscribed channel must not receive further events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSetsTimestampWhenUnset(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	ch, cancel := b.Subscribe(EventPipelineRunStarted)
	defer cancel()

	b.Publish(&Event{Type: EventPipelineRunStarted})

	select {
	case ev := <-ch:
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}
