// Package tap observes network traffic that is already happening and hands
// copies of it to listeners. Observation never changes the traffic: bodies are
// passed through byte for byte, and a listener that panics is recovered so it
// cannot break the connection it is watching.
package tap

import (
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// Kind names the networking primitive an Event was observed on.
type Kind string

const (
	KindSocketOpen    Kind = "socket_open"    // a WebSocket was created
	KindSocketMessage Kind = "socket_message" // an inbound WebSocket frame
	KindSocketSend    Kind = "socket_send"    // an outbound WebSocket frame
	KindFetchResponse Kind = "fetch_response" // an HTTP response body
	KindXHRResponse   Kind = "xhr_response"   // an HTTP response body seen through XHR
	KindServerEvent   Kind = "server_event"   // one Server-Sent Events message
	KindRequest       Kind = "request"        // an outbound HTTP request body
)

// Event is one observed piece of traffic.
type Event struct {
	Kind Kind      `json:"kind"`
	URL  string    `json:"url"`
	Data []byte    `json:"data"`
	Name string    `json:"name,omitempty"` // SSE event name, when present
	At   time.Time `json:"at"`
}

// IsResponse reports whether the event is an HTTP response body, regardless
// of which client primitive produced it.
func (e Event) IsResponse() bool {
	return e.Kind == KindFetchResponse || e.Kind == KindXHRResponse
}

// ParsedURL parses the event URL, returning an empty URL when it is invalid.
func (e Event) ParsedURL() *url.URL {
	u, err := url.Parse(e.URL)
	if err != nil {
		return &url.URL{}
	}
	return u
}

// Listener receives observed events. It must return quickly.
type Listener func(Event)

// Source is anything listeners can be registered with.
type Source interface {
	Subscribe(l Listener) (unsubscribe func())
}

// Hub fans events out to every subscribed listener in subscription order.
type Hub struct {
	logger *slog.Logger

	mu        sync.RWMutex
	next      int
	listeners map[int]Listener
	order     []int
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, listeners: make(map[int]Listener)}
}

// Subscribe registers l and returns a function that removes it.
func (h *Hub) Subscribe(l Listener) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.listeners[id] = l
	h.order = append(h.order, id)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
		for i, v := range h.order {
			if v == id {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers ev to every listener. Listeners get their own copy of Data.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	targets := make([]Listener, 0, len(h.order))
	for _, id := range h.order {
		targets = append(targets, h.listeners[id])
	}
	h.mu.RUnlock()

	for _, l := range targets {
		cp := ev
		cp.Data = append([]byte(nil), ev.Data...)
		h.deliver(l, cp)
	}
}

func (h *Hub) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("tap listener panicked", slog.String("kind", string(ev.Kind)), slog.String("url", ev.URL), slog.Any("panic", r))
		}
	}()
	l(ev)
}
