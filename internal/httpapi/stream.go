package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/cellphone/internal/events"
)

const (
	subscriberBuffer   = 64
	streamWriteTimeout = 5 * time.Second
)

// EventHub fans store and tracker events out to websocket subscribers.
// A slow subscriber drops events rather than backpressuring the store.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[chan events.Event]struct{}
	closed      bool
}

func NewEventHub() *EventHub {
	return &EventHub{subscribers: map[chan events.Event]struct{}{}}
}

// Sink adapts the hub to the events.Sink the store and tracker accept.
func (h *EventHub) Sink() events.Sink {
	return h.Publish
}

func (h *EventHub) Publish(event events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *EventHub) subscribe() (chan events.Event, func()) {
	ch := make(chan events.Event, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
	}
}

func (h *EventHub) Close() {
	h.mu.Lock()
	h.closed = true
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
	}
	h.mu.Unlock()
}

func (h *EventHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch, unsubscribe := h.subscribe()
	defer unsubscribe()

	ctx := r.Context()
	// Reads are only for detecting the peer going away.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
