package tap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send while the socket is down.
var ErrNotConnected = errors.New("tap: websocket not connected")

// WebSocketSource keeps a WebSocket to a platform open and publishes every
// frame it sends or receives.
type WebSocketSource struct {
	URL    string
	Header http.Header
	Hub    *Hub
	// OnOpen runs after each successful dial, typically to send subscribe frames.
	OnOpen func(s *WebSocketSource) error
	// RetryDelay is the fixed pause between reconnect attempts.
	RetryDelay time.Duration
	Dialer     *websocket.Dialer
	Logger     *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// Run dials and reads until ctx is cancelled, reconnecting after RetryDelay
// whenever the socket drops.
func (s *WebSocketSource) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := s.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	for {
		if err := s.session(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("platform websocket dropped", slog.String("url", s.URL), slog.Any("err", err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *WebSocketSource) session(ctx context.Context) error {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, s.URL, s.Header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.URL, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.Hub.Publish(Event{Kind: KindSocketOpen, URL: s.URL})
	if s.OnOpen != nil {
		if err := s.OnOpen(s); err != nil {
			return fmt.Errorf("on open: %w", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.Hub.Publish(Event{Kind: KindSocketMessage, URL: s.URL, Data: data})
	}
}

// Send writes one text frame and publishes it as a socket_send event.
func (s *WebSocketSource) Send(data []byte) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	err := s.conn.WriteMessage(websocket.TextMessage, data)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	s.Hub.Publish(Event{Kind: KindSocketSend, URL: s.URL, Data: data})
	return nil
}
