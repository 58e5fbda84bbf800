package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/john/chatnexus/internal/archive"
	"github.com/john/chatnexus/internal/config"
	"github.com/john/chatnexus/internal/consumer"
	"github.com/john/chatnexus/internal/currency"
	"github.com/john/chatnexus/internal/dedup"
	"github.com/john/chatnexus/internal/harvest"
	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/pacer"
	"github.com/john/chatnexus/internal/paidstore"
	"github.com/john/chatnexus/internal/relay"
	"github.com/john/chatnexus/internal/seed"
	"github.com/john/chatnexus/internal/server"
	"github.com/john/chatnexus/internal/sink"
	"github.com/john/chatnexus/internal/tap"
	"github.com/john/chatnexus/internal/viewers"
)

func main() {
	_ = godotenv.Load()

	// Get config path from flag, environment variable or default
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	flag.StringVar(&configPath, "config", configPath, "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("chatnexus stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
	logger.Info("chatnexus stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("chatnexus starting",
		slog.Int("platforms", cfg.EnabledPlatforms()),
		slog.Bool("consumer", cfg.Consumer.Enabled),
		slog.Bool("archive", cfg.Archive.Enabled),
		slog.Bool("kafka", cfg.Kafka.Enabled))

	g, ctx := errgroup.WithContext(ctx)
	start := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	hub := tap.NewHub(logger)
	client := tap.NewClient(hub, 15*time.Second)

	filter, closeFilter := newFilter(cfg.Dedup, logger)
	defer closeFilter()

	// Sinks every adapter shares; each adapter also gets its own seed.
	var shared []harvest.Sink
	shared = append(shared, harvest.SinkFunc(func(u message.LivestreamUpdate) {
		for _, m := range u.Messages {
			logger.Debug(m.ConsoleLine())
		}
	}))

	if cfg.Archive.Enabled {
		rec, up, err := newArchive(ctx, cfg.Archive, logger)
		if err != nil {
			return err
		}
		shared = append(shared, rec)
		files := make(chan string, 100)
		if err := up.ScanAndUploadExisting(ctx, cfg.Archive.Recorder.OutputDir); err != nil {
			logger.Warn("failed to scan for existing archive files", slog.Any("err", err))
		}
		start("archive recorder", func(ctx context.Context) error { return rec.Run(ctx, files) })
		start("archive uploader", func(ctx context.Context) error { return up.Run(ctx, files) })
	}

	if cfg.Kafka.Enabled {
		k := sink.NewKafka(sink.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, logger)
		shared = append(shared, k)
		start("kafka", k.Run)
	}

	seeds := make(map[string]*seed.Seed)
	optionsFor := func(platform string) harvest.Options {
		s := seed.New(seed.Options{
			Name:       platform,
			URL:        cfg.Relay.URL,
			RetryDelay: cfg.Relay.RetryDelay,
			QueueLimit: cfg.Relay.QueueLimit,
			Logger:     logger,
		})
		seeds[platform] = s
		start(platform+" seed", s.Run)
		sinks := append(append([]harvest.Sink(nil), shared...), s)
		return harvest.Options{Filter: filter, Sinks: sinks, Logger: logger}
	}
	adapters := buildAdapters(cfg.Platforms, hub, client, optionsFor)
	if len(adapters) > 0 {
		runner := &harvest.Runner{
			Hub:            hub,
			Adapters:       adapters,
			DiscoveryRetry: cfg.Relay.DiscoveryRetry,
			OnIdentity: func(platform, channel string) {
				if s, ok := seeds[platform]; ok {
					s.SetIdentity(channel)
				}
			},
			Logger: logger,
		}
		start("harvest", runner.Run)
	}

	srvCfg := server.Config{Addr: cfg.Server.Addr, Hub: hub, Logger: logger}
	if cfg.Consumer.Enabled {
		cons, consSeed, closeConsumer := newConsumer(ctx, cfg, logger)
		defer closeConsumer()
		srvCfg.Dashboard = cons
		srvCfg.Feed = cons.feed
		start("consumer seed", consSeed.Run)
	}

	srv := server.New(srvCfg)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received, initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error shutting down http server", slog.Any("err", err))
		}
		return nil
	})

	logger.Info("all components started")
	return g.Wait()
}

func newFilter(cfg config.DedupConfig, logger *slog.Logger) (dedup.Filter, func()) {
	if cfg.Backend != "redis" {
		return dedup.NewMemory(cfg.Capacity), func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// Admit fails open, so a late redis only costs duplicate suppression.
		logger.Warn("redis unreachable at startup", slog.String("addr", cfg.RedisAddr), slog.Any("err", err))
	}
	closeFn := func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("redis close", slog.Any("err", err))
		}
	}
	return dedup.NewRedis(rdb, cfg.Prefix, cfg.TTL), closeFn
}

func newArchive(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*archive.Recorder, *archive.Uploader, error) {
	rec := archive.NewRecorder(archive.RecorderConfig{
		OutputDir:   cfg.Recorder.OutputDir,
		BufferSize:  cfg.Recorder.BufferSize,
		RotateEvery: time.Duration(cfg.Recorder.RotateMinutes) * time.Minute,
		RotateBytes: int64(cfg.Recorder.RotateMegabytes) << 20,
		CheckEvery:  time.Duration(cfg.Uploader.CheckIntervalSeconds) * time.Second,
	}, logger)

	if cfg.S3.RoleARN == "" {
		logger.Warn("using static AWS credentials (deprecated), migrate to OIDC")
	}
	up, err := archive.NewUploader(ctx, archive.UploaderConfig{
		Bucket:            cfg.S3.Bucket,
		Region:            cfg.S3.Region,
		RoleARN:           cfg.S3.RoleARN,
		AccessKeyID:       cfg.S3.AccessKeyID,
		SecretAccessKey:   cfg.S3.SecretAccessKey,
		Endpoint:          cfg.S3.Endpoint,
		DeleteAfterUpload: *cfg.Uploader.DeleteAfterUpload,
		MaxRetries:        cfg.Uploader.MaxRetries,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create uploader: %w", err)
	}
	return rec, up, nil
}

// consumerApp bundles the consumer with the feed it publishes to.
type consumerApp struct {
	*consumer.Consumer
	feed *server.Broadcaster
}

func newConsumer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*consumerApp, *seed.Seed, func()) {
	rates := currency.NewRates(logger)
	for code, usd := range cfg.Consumer.TokenRates {
		rates.SetToken(code, usd)
	}
	ratesClient := &http.Client{Timeout: 15 * time.Second}
	if err := rates.Load(ctx, ratesClient, cfg.Consumer.ExchangeURL, cfg.Consumer.ExchangeBackup); err != nil {
		logger.Warn("exchange rates unavailable, non-USD amounts will not convert", slog.Any("err", err))
	}

	feed := server.NewBroadcaster(logger)
	opts := consumer.Options{
		Store:   consumer.NewStore(cfg.Consumer.StoreCapacity),
		Rates:   rates,
		Viewers: viewers.NewAggregator(viewers.ParseMode(cfg.Viewers.Mode), cfg.Viewers.Platforms),
		Pacer:   pacer.Config{MaxWait: cfg.Pacer.MaxWait, MinInterval: cfg.Pacer.MinInterval},
		Feed:    feed,
		Logger:  logger,
	}

	closers := []func(){}
	paid, err := paidstore.Open(ctx, cfg.Consumer.PaidDB, logger)
	if err != nil {
		logger.Warn("paid message store unavailable", slog.String("path", cfg.Consumer.PaidDB), slog.Any("err", err))
	} else {
		if n, err := paid.Cleanup(ctx, paidstore.RetentionHours); err != nil {
			logger.Warn("paid message cleanup failed", slog.Any("err", err))
		} else if n > 0 {
			logger.Info("removed expired paid messages", slog.Int64("count", n))
		}
		opts.Paid = paid
		closers = append(closers, func() { _ = paid.Close() })
	}

	cons := consumer.New(opts)
	closers = append(closers, cons.Close)
	if err := cons.Warm(ctx); err != nil {
		logger.Warn("failed to warm consumer store", slog.Any("err", err))
	}

	hello := []any{relay.RequestMessages{RequestMessages: true}, relay.RequestLayout{RequestLayout: true}}
	if cfg.Consumer.Layout != "" {
		hello = append(hello, relay.SubscribeLayout{SubscribeLayout: cfg.Consumer.Layout})
	}
	s := seed.New(seed.Options{
		Name:       "consumer",
		URL:        cfg.Consumer.URL,
		RetryDelay: cfg.Relay.RetryDelay,
		QueueLimit: cfg.Relay.QueueLimit,
		OnMessage:  func(data []byte) { cons.HandleFrame(ctx, data) },
		Hello:      hello,
		Logger:     logger,
	})
	s.SetIdentity("")
	cons.SetController(s)
	feed.OnAttach = cons.Resume

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return &consumerApp{Consumer: cons, feed: feed}, s, closeAll
}
