package httpapi

import (
	"testing"

	"github.com/agentworkforce/cellphone/internal/events"
)

func TestEventHubFanOut(t *testing.T) {
	hub := NewEventHub()
	first, unsubFirst := hub.subscribe()
	second, unsubSecond := hub.subscribe()
	defer unsubFirst()
	defer unsubSecond()

	hub.Publish(events.Event{Type: events.TypeMessageDelivered, Recipient: "bob"})
	for i, ch := range []chan events.Event{first, second} {
		select {
		case event := <-ch:
			if event.Type != events.TypeMessageDelivered || event.Recipient != "bob" {
				t.Fatalf("subscriber %d got unexpected event: %+v", i, event)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestEventHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewEventHub()
	ch, unsub := hub.subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(events.Event{Type: events.TypeMessageDelivered})
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("expected buffer capped at %d, got %d", subscriberBuffer, len(ch))
	}
}

func TestEventHubUnsubscribe(t *testing.T) {
	hub := NewEventHub()
	_, unsub := hub.subscribe()
	if hub.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.SubscriberCount())
	}
	unsub()
	if hub.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", hub.SubscriberCount())
	}
}

func TestEventHubCloseStopsPublishing(t *testing.T) {
	hub := NewEventHub()
	ch, _ := hub.subscribe()
	hub.Close()
	hub.Publish(events.Event{Type: events.TypeMessageAcked})
	if len(ch) != 0 {
		t.Fatalf("closed hub must not publish, got %d buffered", len(ch))
	}
}
