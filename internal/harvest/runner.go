package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/john/chatnexus/internal/tap"
	"github.com/john/chatnexus/internal/telemetry"
)

// DefaultDiscoveryRetry is the wait between failed discovery attempts.
const DefaultDiscoveryRetry = 5 * time.Second

// Runner starts adapters and keeps them alive until the context ends.
type Runner struct {
	Hub            *tap.Hub
	Adapters       []Adapter
	DiscoveryRetry time.Duration
	// OnIdentity is called once per adapter after discovery succeeds and the
	// adapter is subscribed to the hub.
	OnIdentity func(platform, channel string)
	Logger     *slog.Logger
}

// Run blocks until ctx is cancelled or an adapter fails for good.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range r.Adapters {
		g.Go(func() error {
			if err := r.runOne(gctx, a); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s adapter: %w", a.Platform(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) runOne(ctx context.Context, a Adapter) error {
	logger := r.logger().With(slog.String("platform", a.Platform()))

	channel, err := r.discover(ctx, a, logger)
	if err != nil {
		return err
	}
	logger.Info("identity discovered", slog.String("channel", channel))

	if r.Hub != nil {
		unsubscribe := r.Hub.Subscribe(func(ev tap.Event) {
			if !a.Match(ev) {
				return
			}
			_ = Guard(logger, a.Platform(), func() error { return a.Handle(ctx, ev) })
		})
		defer unsubscribe()
	}
	if r.OnIdentity != nil {
		r.OnIdentity(a.Platform(), channel)
	}

	return a.Run(ctx)
}

// discover retries at a fixed interval until the adapter resolves its
// channel. The adapter stays inert meanwhile.
func (r *Runner) discover(ctx context.Context, a Adapter, logger *slog.Logger) (string, error) {
	retry := r.DiscoveryRetry
	if retry <= 0 {
		retry = DefaultDiscoveryRetry
	}
	for {
		channel, err := a.Discover(ctx)
		if err == nil && channel != "" {
			return channel, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err == nil {
			err = ErrIdentityNotFound
		}
		telemetry.DiscoveryFailures.WithLabelValues(a.Platform()).Inc()
		logger.Warn("identity discovery failed, retrying", slog.Duration("retry", retry), slog.Any("err", err))

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Idle blocks until ctx is done. It serves as Run for adapters whose traffic
// arrives only through the tap.
func Idle(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
