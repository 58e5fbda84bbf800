// Package pacer smooths bursts of chat messages into a cadence bounded by a
// maximum per-message wait and a minimum spacing between releases. Paid
// messages skip the queue.
package pacer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/telemetry"
)

const (
	DefaultMaxWait     = time.Second
	DefaultMinInterval = 50 * time.Millisecond
)

type Config struct {
	MaxWait     time.Duration
	MinInterval time.Duration
	Clock       Clock
}

type item struct {
	msg message.ChatMessage
	at  time.Time
}

// Pacer queues messages in arrival order and releases them to deliver.
// deliver runs with the pacer locked and must not call back into it.
type Pacer struct {
	maxWait     time.Duration
	minInterval time.Duration
	clock       Clock
	deliver     func(message.ChatMessage)

	mu          sync.Mutex
	queue       []item
	lastRelease time.Time
	timer       Timer
	// gen identifies the armed timer; a callback from an older one is stale.
	gen     uint64
	stopped bool
}

func New(cfg Config, deliver func(message.ChatMessage)) *Pacer {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	return &Pacer{
		maxWait:     cfg.MaxWait,
		minInterval: cfg.MinInterval,
		clock:       cfg.Clock,
		deliver:     deliver,
	}
}

// Push queues m, or delivers it before returning when it is premium.
func (p *Pacer) Push(m message.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if m.IsPremium() {
		telemetry.PacerDelivered.WithLabelValues("premium").Inc()
		p.deliver(m)
		return
	}
	p.queue = append(p.queue, item{msg: m, at: p.clock.Now()})
	telemetry.PacerQueueDepth.Set(float64(len(p.queue)))
	if p.timer == nil {
		p.schedule(0)
	}
}

// Drop removes a queued message by ID. It reports false when the message is
// not queued, having been released already or never pushed.
func (p *Pacer) Drop(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, it := range p.queue {
		if it.msg.ID == id {
			p.queue = append(p.queue[:i:i], p.queue[i+1:]...)
			telemetry.PacerQueueDepth.Set(float64(len(p.queue)))
			return true
		}
	}
	return false
}

// Replace swaps the queued message with m's ID for m, keeping its place and
// arrival time. It reports false when no such message is queued.
func (p *Pacer) Replace(m message.ChatMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.queue {
		if p.queue[i].msg.ID == m.ID {
			p.queue[i].msg = m
			return true
		}
	}
	return false
}

// Resume releases a full batch now, without waiting for the next cycle.
// Call it when the renderer becomes active again after being away.
func (p *Pacer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.cancel()
	p.process(true)
}

// Len reports how many messages are queued.
func (p *Pacer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stop cancels the pending cycle. Queued messages are discarded.
func (p *Pacer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.cancel()
	p.queue = nil
	telemetry.PacerQueueDepth.Set(0)
}

func (p *Pacer) cycle(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || p.stopped {
		return
	}
	p.timer = nil
	p.process(false)
}

// cancel stops the armed timer and invalidates it, so a callback that
// already fired and is waiting on mu does nothing. Caller holds mu.
func (p *Pacer) cancel() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// process releases the expired prefix of the queue, or one message when none
// has expired and the spacing allows it (always, when forced). It then
// schedules the next cycle. Caller holds mu.
func (p *Pacer) process(force bool) {
	now := p.clock.Now()

	expired := 0
	for expired < len(p.queue) && now.Sub(p.queue[expired].at) >= p.maxWait {
		expired++
	}
	n := expired
	if n == 0 && len(p.queue) > 0 && (force || p.lastRelease.IsZero() || now.Sub(p.lastRelease) >= p.minInterval) {
		n = 1
	}
	if n > 0 {
		for _, it := range p.queue[:n] {
			telemetry.PacerWait.Observe(now.Sub(it.at).Seconds())
			telemetry.PacerDelivered.WithLabelValues("paced").Inc()
			p.deliver(it.msg)
		}
		p.queue = append(p.queue[:0:0], p.queue[n:]...)
		p.lastRelease = now
	}
	telemetry.PacerQueueDepth.Set(float64(len(p.queue)))

	if len(p.queue) == 0 {
		return
	}
	p.schedule(p.nextDelay(now))
}

// nextDelay spreads the oldest message's remaining budget across the queue,
// never below the minimum spacing and never past the oldest's deadline.
func (p *Pacer) nextDelay(now time.Time) time.Duration {
	remaining := p.maxWait - now.Sub(p.queue[0].at)
	if remaining <= 0 {
		return 0
	}
	delay := remaining / time.Duration(len(p.queue))
	if delay < p.minInterval {
		delay = p.minInterval
	}
	if delay > remaining {
		delay = remaining
	}
	return delay
}

// schedule arms the cycle timer. Caller holds mu.
func (p *Pacer) schedule(d time.Duration) {
	p.gen++
	gen := p.gen
	p.timer = p.clock.AfterFunc(d, func() { p.cycle(gen) })
}
