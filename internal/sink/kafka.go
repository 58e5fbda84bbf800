// Package sink publishes the canonical update stream to Kafka.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/telemetry"
)

// Writer is the part of kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// QueueSize bounds updates waiting to be written.
	QueueSize int
	// BatchSize is the most updates written per call.
	BatchSize int
}

// Kafka is a harvest sink writing one record per update, keyed by
// platform and channel so a channel's updates stay ordered. Send never
// blocks; a full queue drops the update.
type Kafka struct {
	writer    Writer
	in        chan message.LivestreamUpdate
	batchSize int
	logger    *slog.Logger
}

func NewKafka(cfg KafkaConfig, logger *slog.Logger) *Kafka {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newKafka(writer, cfg, logger)
}

func newKafka(w Writer, cfg KafkaConfig, logger *slog.Logger) *Kafka {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{
		writer:    w,
		in:        make(chan message.LivestreamUpdate, cfg.QueueSize),
		batchSize: cfg.BatchSize,
		logger:    logger.With(slog.String("component", "kafka")),
	}
}

func (k *Kafka) Send(u message.LivestreamUpdate) {
	select {
	case k.in <- u:
	default:
		telemetry.KafkaWrites.WithLabelValues("dropped").Inc()
		k.logger.Warn("kafka queue full, dropping update", slog.String("platform", u.Platform))
	}
}

// Run writes queued updates until ctx is cancelled, then closes the writer.
func (k *Kafka) Run(ctx context.Context) error {
	defer func() {
		if err := k.writer.Close(); err != nil {
			k.logger.Warn("kafka writer close", slog.Any("err", err))
		}
	}()
	for {
		select {
		case u := <-k.in:
			batch := []message.LivestreamUpdate{u}
		fill:
			for len(batch) < k.batchSize {
				select {
				case u := <-k.in:
					batch = append(batch, u)
				default:
					break fill
				}
			}
			if err := k.write(ctx, batch); err != nil && ctx.Err() == nil {
				k.logger.Warn("kafka write failed", slog.Int("updates", len(batch)), slog.Any("err", err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (k *Kafka) write(ctx context.Context, batch []message.LivestreamUpdate) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, u := range batch {
		value, err := json.Marshal(u)
		if err != nil {
			k.logger.Error("marshal update", slog.Any("err", err))
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(u.Platform + "/" + u.ChannelName()),
			Value: value,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(u.Kind())},
			},
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		telemetry.KafkaWrites.WithLabelValues("error").Add(float64(len(msgs)))
		return fmt.Errorf("kafka write: %w", err)
	}
	telemetry.KafkaWrites.WithLabelValues("ok").Add(float64(len(msgs)))
	return nil
}
