package tap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// RequestFunc builds the next request of a poll loop.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Poller repeats a request on an interval. Responses reach listeners through
// the tapped client, so the poller itself discards the body.
type Poller struct {
	Name     string
	Client   *http.Client // should be a tap client; see NewClient
	Build    RequestFunc
	Interval time.Duration
	Logger   *slog.Logger

	limiter *rate.Limiter
}

// Run polls until ctx is cancelled. Failed polls are logged and retried on
// the next tick.
func (p *Poller) Run(ctx context.Context) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if p.limiter == nil {
		p.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		if err := p.Once(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("poll failed", slog.String("poll", p.Name), slog.Any("err", err))
		}
	}
}

// Once performs a single poll.
func (p *Poller) Once(ctx context.Context) error {
	req, err := p.Build(ctx)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
