// Package harvest is the shared machinery behind every platform adapter:
// identity discovery, tap subscription, emission with dedup and the removal
// ledger. Platform packages only parse their wire formats.
package harvest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/john/chatnexus/internal/dedup"
	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/tap"
	"github.com/john/chatnexus/internal/telemetry"
)

var (
	// ErrMalformed marks a payload that matched an adapter but could not be
	// parsed. It is logged and skipped.
	ErrMalformed = errors.New("malformed payload")
	// ErrIdentityNotFound is returned by Discover when the channel cannot be
	// resolved yet. Discovery is retried.
	ErrIdentityNotFound = errors.New("identity not found")
)

// Sink receives every update an adapter emits, in emission order.
type Sink interface {
	Send(update message.LivestreamUpdate)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(message.LivestreamUpdate)

func (f SinkFunc) Send(u message.LivestreamUpdate) { f(u) }

// Adapter turns one platform's traffic into canonical updates.
type Adapter interface {
	Platform() string
	// Discover resolves the channel identity. It must record the channel
	// on the adapter's Base before returning.
	Discover(ctx context.Context) (string, error)
	// Match reports whether the event belongs to this platform.
	Match(ev tap.Event) bool
	// Handle parses a matched event and emits through the Base.
	Handle(ctx context.Context, ev tap.Event) error
	// Run owns the adapter's live sources until ctx is done. Adapters that
	// only receive forwarded events block on ctx.
	Run(ctx context.Context) error
}

// Options configures a Base.
type Options struct {
	Filter         dedup.Filter
	Sinks          []Sink
	Logger         *slog.Logger
	LedgerCapacity int
	Now            func() time.Time
}

// Base carries the state every adapter owns.
type Base struct {
	platform string
	filter   dedup.Filter
	sinks    []Sink
	logger   *slog.Logger
	now      func() time.Time

	// emitMu serialises emission so sinks see updates in order even when
	// several sources feed one adapter.
	emitMu sync.Mutex

	mu      sync.Mutex
	channel string
	ledger  *ledger
}

// NewBase creates the shared state for platform.
func NewBase(platform string, opts Options) *Base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	filter := opts.Filter
	if filter == nil {
		filter = dedup.NewMemory(dedup.DefaultCapacity)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Base{
		platform: platform,
		filter:   filter,
		sinks:    opts.Sinks,
		logger:   logger.With(slog.String("platform", platform)),
		now:      now,
		ledger:   newLedger(opts.LedgerCapacity),
	}
}

func (b *Base) Platform() string     { return b.platform }
func (b *Base) Logger() *slog.Logger { return b.logger }
func (b *Base) Now() time.Time       { return b.now() }

// SetChannel records the discovered channel identity.
func (b *Base) SetChannel(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channel = channel
}

// Channel returns the discovered channel, or "" before discovery.
func (b *Base) Channel() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channel
}

// Ready reports whether discovery has completed.
func (b *Base) Ready() bool { return b.Channel() != "" }

// NewMessage returns a message stamped with this adapter's platform, channel
// and the current time.
func (b *Base) NewMessage(id uuid.UUID) message.ChatMessage {
	return message.New(id, b.platform, b.Channel(), b.now())
}

// Attribute links an emitted ID to its author so RemoveAuthor can withdraw it
// later. Call it after Emit; IDs that were never emitted are ignored.
func (b *Base) Attribute(author string, id uuid.UUID) {
	if author == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ledger.attribute(author, id)
}

// Emit validates, dedups and sends msgs as one update. It returns how many
// messages were admitted.
func (b *Base) Emit(ctx context.Context, msgs ...message.ChatMessage) int {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	channel := b.Channel()
	admitted := make([]message.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Channel == "" {
			m.Channel = channel
		}
		if m.Emojis == nil {
			m.Emojis = []message.Emoji{}
		}
		m.CorrectSentAt()
		if err := m.Validate(); err != nil {
			b.logger.Warn("dropping invalid message", slog.String("id", m.ID.String()), slog.Any("err", err))
			telemetry.EventsMalformed.WithLabelValues(b.platform).Inc()
			continue
		}

		ok, err := b.filter.Admit(ctx, m.ID, m.IsPlaceholder)
		if err != nil {
			// Fail open; the consumer dedups again by ID.
			b.logger.Warn("dedup unavailable", slog.Any("err", err))
			ok = true
		}
		if !ok {
			telemetry.DuplicatesDropped.WithLabelValues(b.platform).Inc()
			continue
		}

		b.mu.Lock()
		b.ledger.record(m.ID)
		b.mu.Unlock()
		admitted = append(admitted, m)
	}
	if len(admitted) == 0 {
		return 0
	}
	b.send(message.Messages(b.platform, admitted...))
	return len(admitted)
}

// EmitRemovals withdraws previously emitted IDs. IDs this adapter never
// emitted are dropped.
func (b *Base) EmitRemovals(ctx context.Context, ids ...uuid.UUID) int {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	known := make([]uuid.UUID, 0, len(ids))
	b.mu.Lock()
	for _, id := range ids {
		if b.ledger.has(id) {
			known = append(known, id)
		}
	}
	b.mu.Unlock()

	if dropped := len(ids) - len(known); dropped > 0 {
		b.logger.Debug("ignoring removal of unknown messages", slog.Int("count", dropped))
		telemetry.UnknownRemovals.WithLabelValues(b.platform).Add(float64(dropped))
	}
	if len(known) == 0 {
		return 0
	}
	b.send(message.Removals(b.platform, known...))
	return len(known)
}

// RemoveAuthor withdraws every emitted message attributed to author.
func (b *Base) RemoveAuthor(ctx context.Context, author string) int {
	b.mu.Lock()
	ids := b.ledger.byAuthor(author)
	b.mu.Unlock()
	if len(ids) == 0 {
		return 0
	}
	return b.EmitRemovals(ctx, ids...)
}

// EmitViewers sends the platform's current viewer count.
func (b *Base) EmitViewers(ctx context.Context, n int) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	b.send(message.Viewers(b.platform, n))
}

// send must be called with emitMu held.
func (b *Base) send(u message.LivestreamUpdate) {
	if ch := b.Channel(); ch != "" {
		u.Channel = &ch
	}
	telemetry.EventsEmitted.WithLabelValues(b.platform, string(u.Kind())).Inc()
	for _, s := range b.sinks {
		s.Send(u)
	}
}
