// Package seed keeps one persistent connection to the relay. Updates sent
// while the link is down, or before the adapter knows its channel, are queued
// and flushed in order once both hold.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/telemetry"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "disconnected"
	}
}

const (
	DefaultRetryDelay = 2 * time.Second
	DefaultQueueLimit = 1000
)

var ErrAlreadyRunning = errors.New("seed: already running")

type Options struct {
	// Name labels logs and metrics, normally the platform.
	Name string
	URL  string
	// RetryDelay is the constant pause before every reconnect attempt.
	RetryDelay time.Duration
	// QueueLimit bounds the outbound queue; the oldest entry is dropped first.
	QueueLimit int
	Dialer     Dialer
	// OnMessage receives every inbound frame. It runs on the read goroutine.
	OnMessage func(data []byte)
	// Hello holds control messages written ahead of the queue on every open,
	// such as a consumer's subscription requests.
	Hello  []any
	Logger *slog.Logger
}

// outbound is a queued frame: either an update, which may still need its
// channel stamped, or a pre-encoded control message. seq tells a frame apart
// from one that replaced it at the head of the queue.
type outbound struct {
	seq    uint64
	update *message.LivestreamUpdate
	raw    []byte
}

func (o outbound) encode() ([]byte, error) {
	if o.update != nil {
		return json.Marshal(o.update)
	}
	return o.raw, nil
}

// Seed is the connection manager. All state is guarded by mu. Each open
// connection has one writer goroutine that drains the queue in order without
// holding mu, so a stalled relay never blocks Send.
type Seed struct {
	name       string
	url        string
	retryDelay time.Duration
	queueLimit int
	dialer     Dialer
	onMessage  func([]byte)
	hello      [][]byte
	logger     *slog.Logger

	mu         sync.Mutex
	ctx        context.Context
	running    bool
	state      State
	conn       Conn
	kick       chan struct{}
	retry      *time.Timer
	identified bool
	channel    string
	queue      []outbound
	seq        uint64
}

func New(opts Options) *Seed {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = DefaultQueueLimit
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("seed", opts.Name))

	var hello [][]byte
	for _, v := range opts.Hello {
		raw, err := json.Marshal(v)
		if err != nil {
			logger.Error("dropping unencodable hello message", slog.Any("err", err))
			continue
		}
		hello = append(hello, raw)
	}
	return &Seed{
		name:       opts.Name,
		url:        opts.URL,
		retryDelay: opts.RetryDelay,
		queueLimit: opts.QueueLimit,
		dialer:     opts.Dialer,
		onMessage:  opts.OnMessage,
		hello:      hello,
		logger:     logger,
		state:      Disconnected,
	}
}

// Run connects and keeps reconnecting until ctx is cancelled.
func (s *Seed) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.connect()
	<-ctx.Done()

	s.mu.Lock()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.drop()
	s.mu.Unlock()
	return ctx.Err()
}

// State reports the current connection state.
func (s *Seed) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Queued reports how many frames are waiting.
func (s *Seed) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Send queues u for the writer, which sends it once the link is open and the
// identity is known. It never waits on the transport. It implements
// harvest.Sink.
func (s *Seed) Send(u message.LivestreamUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identified && s.channel != "" && u.Channel == nil {
		u = u.WithChannel(s.channel)
	}
	s.enqueue(outbound{update: &u})
	s.flush()
}

// SendControl delivers a control message such as a feature command.
func (s *Seed) SendControl(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueue(outbound{raw: raw})
	s.flush()
	return nil
}

// SetIdentity marks the channel as known. Queued updates without a channel
// are stamped with it, then the queue is flushed if the link is open. An
// empty channel establishes identity without stamping.
func (s *Seed) SetIdentity(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identified = true
	s.channel = channel
	if channel != "" {
		for i, o := range s.queue {
			if o.update != nil && o.update.Channel == nil {
				stamped := o.update.WithChannel(channel)
				s.queue[i].update = &stamped
			}
		}
	}
	s.logger.Info("identity established", slog.String("channel", channel))
	s.flush()
}

// enqueue appends o, dropping the oldest frame at the limit. Caller holds mu.
func (s *Seed) enqueue(o outbound) {
	s.seq++
	o.seq = s.seq
	if len(s.queue) >= s.queueLimit {
		s.queue = s.queue[1:]
		telemetry.SeedQueueDropped.WithLabelValues(s.name).Inc()
		s.logger.Warn("outbound queue full, dropped oldest", slog.Int("limit", s.queueLimit))
	}
	s.queue = append(s.queue, o)
	telemetry.SeedQueueDepth.WithLabelValues(s.name).Set(float64(len(s.queue)))
}

// flush wakes the writer when the link is open and the identity is known.
// Caller holds mu.
func (s *Seed) flush() {
	if s.state != Open || !s.identified || s.kick == nil {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// next returns the head of the queue if conn may still write it.
func (s *Seed) next(conn Conn) (outbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn || !s.identified || len(s.queue) == 0 {
		return outbound{}, false
	}
	return s.queue[0], true
}

// sent pops o unless it was already dropped from the head by a full queue.
func (s *Seed) sent(o outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 && s.queue[0].seq == o.seq {
		s.queue = s.queue[1:]
	}
	telemetry.SeedQueueDepth.WithLabelValues(s.name).Set(float64(len(s.queue)))
}

// write is the writer for conn: hello messages first, then the queue each
// time it is kicked. A failed frame stays queued for the next connection.
// The goroutine ends when conn is dropped.
func (s *Seed) write(conn Conn, kick <-chan struct{}) {
	for _, raw := range s.hello {
		if err := conn.WriteMessage(raw); err != nil {
			s.failed(conn, "relay hello failed", err)
			return
		}
	}
	for range kick {
		for {
			o, ok := s.next(conn)
			if !ok {
				break
			}
			data, err := o.encode()
			if err != nil {
				s.logger.Error("dropping unencodable update", slog.Any("err", err))
				s.sent(o)
				continue
			}
			if err := conn.WriteMessage(data); err != nil {
				s.failed(conn, "relay write failed", err)
				return
			}
			s.sent(o)
		}
	}
}

// failed drops conn after a write error and schedules a redial.
func (s *Seed) failed(conn Conn, msg string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.logger.Warn(msg, slog.Any("err", err))
	s.drop()
	s.scheduleRetry()
}

// drop closes the current connection and stops its writer. Caller holds mu.
func (s *Seed) drop() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.kick != nil {
		close(s.kick)
		s.kick = nil
	}
	s.setState(Disconnected)
}

func (s *Seed) setState(st State) {
	s.state = st
	telemetry.SetOpen(s.name, st == Open)
}

func (s *Seed) connect() {
	s.mu.Lock()
	ctx := s.ctx
	if ctx.Err() != nil || s.state != Disconnected {
		s.mu.Unlock()
		return
	}
	s.setState(Connecting)
	s.mu.Unlock()

	go func() {
		conn, err := s.dialer.Dial(ctx, s.url)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.logger.Warn("relay connect failed", slog.String("url", s.url), slog.Any("err", err))
			s.setState(Disconnected)
			s.scheduleRetry()
			return
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			s.setState(Disconnected)
			return
		}
		s.conn = conn
		s.kick = make(chan struct{}, 1)
		s.setState(Open)
		s.logger.Info("relay connected", slog.String("url", s.url), slog.Int("queued", len(s.queue)))
		go s.write(conn, s.kick)
		go s.read(conn)
		s.flush()
	}()
}

func (s *Seed) read(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.closed(conn, err)
			return
		}
		if s.onMessage != nil {
			s.onMessage(data)
		}
	}
}

// closed runs the close path for conn. A stale conn, already replaced or shut
// down, is ignored.
func (s *Seed) closed(conn Conn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.drop()
	if s.ctx.Err() != nil {
		return
	}
	s.logger.Warn("relay connection closed", slog.Any("err", err))
	s.scheduleRetry()
}

// scheduleRetry arms the reconnect timer unless one is already pending.
// Caller holds mu.
func (s *Seed) scheduleRetry() {
	if s.retry != nil || s.ctx.Err() != nil {
		return
	}
	telemetry.SeedReconnects.WithLabelValues(s.name).Inc()
	s.retry = time.AfterFunc(s.retryDelay, func() {
		s.mu.Lock()
		s.retry = nil
		s.mu.Unlock()
		s.connect()
	})
}
