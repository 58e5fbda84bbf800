// Package consumer is the viewing side of the relay: it keeps a bounded store
// of what the relay broadcasts, persists paid messages, tracks the featured
// message and viewer counts, and paces chat out to the renderer feed.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/john/chatnexus/internal/currency"
	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/pacer"
	"github.com/john/chatnexus/internal/paidstore"
	"github.com/john/chatnexus/internal/relay"
	"github.com/john/chatnexus/internal/viewers"
)

// Renderer feed event names.
const (
	EventChat    = "chat"
	EventRemove  = "remove"
	EventFeature = "feature"
	EventViewers = "viewers"
	EventLayout  = "layout"
)

// Feed receives renderer events.
type Feed interface {
	Publish(event string, v any)
}

// Controller sends control messages to the relay.
type Controller interface {
	SendControl(v any) error
}

// PaidStore is the persistence the consumer needs for paid messages.
type PaidStore interface {
	Upsert(ctx context.Context, m message.ChatMessage) error
	Get(ctx context.Context, id uuid.UUID) (message.ChatMessage, error)
	Since(ctx context.Context, hours int) ([]message.ChatMessage, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
}

type Options struct {
	Store   *Store
	Paid    PaidStore // optional
	Rates   *currency.Rates
	Viewers *viewers.Aggregator
	Pacer   pacer.Config
	Feed    Feed
	Logger  *slog.Logger
}

// ViewerSnapshot is what the feed and API report for viewers.
type ViewerSnapshot struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

type Consumer struct {
	store   *Store
	paid    PaidStore
	rates   *currency.Rates
	viewers *viewers.Aggregator
	pacer   *pacer.Pacer
	feed    Feed
	logger  *slog.Logger

	mu       sync.Mutex
	control  Controller
	featured *message.ChatMessage
}

func New(opts Options) *Consumer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = NewStore(0)
	}
	if opts.Viewers == nil {
		opts.Viewers = viewers.NewAggregator(viewers.All, nil)
	}
	if opts.Rates == nil {
		opts.Rates = currency.NewRates(logger)
	}
	c := &Consumer{
		store:   opts.Store,
		paid:    opts.Paid,
		rates:   opts.Rates,
		viewers: opts.Viewers,
		feed:    opts.Feed,
		logger:  logger.With(slog.String("component", "consumer")),
	}
	c.pacer = pacer.New(opts.Pacer, func(m message.ChatMessage) { c.publish(EventChat, m) })
	return c
}

// SetController attaches the relay link used for feature commands.
func (c *Consumer) SetController(ctl Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control = ctl
}

// Warm primes the store with recent paid messages.
func (c *Consumer) Warm(ctx context.Context) error {
	if c.paid == nil {
		return nil
	}
	msgs, err := c.paid.Since(ctx, paidstore.WarmHours)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		c.store.Add(m)
	}
	c.logger.Info("loaded paid messages", slog.Int("count", len(msgs)))
	return nil
}

// HandleFrame processes one relay frame. Malformed frames are logged and
// dropped.
func (c *Consumer) HandleFrame(ctx context.Context, data []byte) {
	in, err := relay.Decode(data)
	if err != nil {
		c.logger.Warn("dropping relay frame", slog.Any("err", err))
		return
	}
	switch in.Tag {
	case relay.TagChatMessage:
		c.Accept(ctx, *in.Chat)
	case relay.TagRemoveMessage:
		c.Remove(ctx, in.Removal)
	case relay.TagFeatureMessage:
		c.setFeatured(in.Featured)
	case relay.TagViewers:
		if c.viewers.Replace(in.Viewers) {
			c.publish(EventViewers, c.Viewers())
		}
	case relay.TagLayoutUpdate, relay.TagLayoutList:
		c.publish(EventLayout, in)
	}
}

// Accept stores m and hands it to the pacer when it is new. A final version
// of a placeholder replaces it in the pacer, or reaches the feed directly
// when the placeholder was already shown. Paid amounts are
// converted to USD when a rate is known.
func (c *Consumer) Accept(ctx context.Context, m message.ChatMessage) {
	if m.IsPremium() && m.Currency != "USD" {
		if usd := c.rates.ToUSD(m.Currency, m.Amount); usd > 0 {
			m.Amount, m.Currency = usd, "USD"
		}
	}

	switch c.store.Add(m) {
	case Rejected:
		return
	case Added:
		c.pacer.Push(m)
	case Finalized:
		// A placeholder still waiting in the pacer takes the final content in
		// place; paid finals and already shown placeholders go out directly.
		if m.IsPremium() {
			c.pacer.Drop(m.ID)
			c.publish(EventChat, m)
		} else if !c.pacer.Replace(m) {
			c.publish(EventChat, m)
		}
	}

	if m.IsPremium() && c.paid != nil && !m.IsPlaceholder {
		if err := c.paid.Upsert(ctx, m); err != nil {
			c.logger.Warn("failed to save paid message", slog.Any("err", err))
		}
	}
}

// Remove withdraws id everywhere it is held.
func (c *Consumer) Remove(ctx context.Context, id uuid.UUID) {
	c.store.Remove(id)
	c.pacer.Drop(id)
	if c.paid != nil {
		if _, err := c.paid.Delete(ctx, id); err != nil {
			c.logger.Warn("failed to delete paid message", slog.Any("err", err))
		}
	}
	c.mu.Lock()
	if c.featured != nil && c.featured.ID == id {
		c.featured = nil
	}
	c.mu.Unlock()
	c.publish(EventRemove, id)
}

// Lookup finds a message in memory, then in the paid store.
func (c *Consumer) Lookup(ctx context.Context, id uuid.UUID) (message.ChatMessage, bool) {
	if m, ok := c.store.Get(id); ok {
		return m, true
	}
	if c.paid == nil {
		return message.ChatMessage{}, false
	}
	m, err := c.paid.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, paidstore.ErrNotFound) {
			c.logger.Warn("paid message lookup failed", slog.Any("err", err))
		}
		return message.ChatMessage{}, false
	}
	return m, true
}

// Feature asks the relay to feature id, or to clear the feature when id is
// nil. The featured message is updated when the relay echoes the change.
func (c *Consumer) Feature(id *uuid.UUID) error {
	c.mu.Lock()
	ctl := c.control
	c.mu.Unlock()
	if ctl == nil {
		return errors.New("consumer: no relay link")
	}
	if id == nil {
		return ctl.SendControl(relay.Unfeature())
	}
	return ctl.SendControl(relay.Feature(*id))
}

func (c *Consumer) setFeatured(m *message.ChatMessage) {
	c.mu.Lock()
	c.featured = m
	c.mu.Unlock()
	c.publish(EventFeature, m)
}

// Featured returns the featured message, if any.
func (c *Consumer) Featured() *message.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.featured == nil {
		return nil
	}
	m := *c.featured
	return &m
}

// Recent returns the last messages by arrival.
func (c *Consumer) Recent() []message.ChatMessage { return c.store.Recent(RecentLimit) }

// Paid returns paid messages from the last hours.
func (c *Consumer) Paid(ctx context.Context, hours int) ([]message.ChatMessage, error) {
	if c.paid == nil {
		return []message.ChatMessage{}, nil
	}
	return c.paid.Since(ctx, hours)
}

func (c *Consumer) Viewers() ViewerSnapshot {
	return ViewerSnapshot{Counts: c.viewers.Counts(), Total: c.viewers.Total()}
}

// Resume flushes the pacer, for a renderer returning from the background.
func (c *Consumer) Resume() { c.pacer.Resume() }

// Close stops pacing.
func (c *Consumer) Close() { c.pacer.Stop() }

func (c *Consumer) publish(event string, v any) {
	if c.feed != nil {
		c.feed.Publish(event, v)
	}
}
