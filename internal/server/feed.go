package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	subscriberBuffer = 256
	keepAliveEvery   = 15 * time.Second
)

type frame struct {
	event string
	data  []byte
}

// Broadcaster fans renderer events out to every attached /events stream.
// A subscriber that falls behind loses events rather than stalling the others.
type Broadcaster struct {
	logger *slog.Logger
	// OnAttach runs when a renderer connects, before it receives anything.
	OnAttach func()

	mu   sync.Mutex
	subs map[chan frame]struct{}
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger: logger.With(slog.String("component", "feed")),
		subs:   make(map[chan frame]struct{}),
	}
}

// Publish encodes v once and queues it for every subscriber.
func (b *Broadcaster) Publish(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("encode feed event", slog.String("event", event), slog.Any("err", err))
		return
	}
	f := frame{event: event, data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- f:
		default:
			b.logger.Warn("renderer too slow, dropping event", slog.String("event", event))
		}
	}
}

// Subscribers reports how many streams are attached.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) subscribe() chan frame {
	ch := make(chan frame, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) unsubscribe(ch chan frame) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// ServeHTTP streams events as text/event-stream until the client goes away.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := b.subscribe()
	defer b.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if b.OnAttach != nil {
		b.OnAttach()
	}

	keepAlive := time.NewTicker(keepAliveEvery)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case f := <-ch:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data); err != nil {
				b.logger.Debug("renderer write failed", slog.Any("err", err))
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
