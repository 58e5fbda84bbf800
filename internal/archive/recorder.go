// Package archive writes the canonical update stream to rotating JSONL files
// and ships completed files to S3.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/john/chatnexus/internal/message"
)

const fileTimeLayout = "20060102_150405"

// fileWriter manages a single JSONL file
type fileWriter struct {
	file         *os.File
	writer       *bufio.Writer
	createdAt    time.Time
	bytesWritten int64
	buffer       []message.LivestreamUpdate
	platform     string
	channel      string
	filename     string
}

type RecorderConfig struct {
	OutputDir   string
	BufferSize  int
	RotateEvery time.Duration
	RotateBytes int64
	// QueueSize bounds updates waiting to be written.
	QueueSize int
	// CheckEvery is how often rotation limits are checked.
	CheckEvery time.Duration
}

// Recorder buffers updates and appends them to one file per platform and
// channel. It is a harvest sink; Send never blocks.
type Recorder struct {
	cfg    RecorderConfig
	in     chan message.LivestreamUpdate
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	files map[string]*fileWriter // key: "platform_channel"
}

func NewRecorder(cfg RecorderConfig, logger *slog.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.RotateEvery <= 0 {
		cfg.RotateEvery = 60 * time.Minute
	}
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = 100 << 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:    cfg,
		in:     make(chan message.LivestreamUpdate, cfg.QueueSize),
		logger: logger.With(slog.String("component", "archive")),
		now:    time.Now,
		files:  make(map[string]*fileWriter),
	}
}

// Send queues u for writing, dropping it when the queue is full.
func (r *Recorder) Send(u message.LivestreamUpdate) {
	select {
	case r.in <- u:
	default:
		r.logger.Warn("archive queue full, dropping update", slog.String("platform", u.Platform))
	}
}

// Run writes queued updates until ctx is cancelled, then flushes and closes
// every file. Each closed file's path is sent on completed.
func (r *Recorder) Run(ctx context.Context, completed chan<- string) error {
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	ticker := time.NewTicker(r.cfg.CheckEvery)
	defer ticker.Stop()

	for {
		select {
		case u := <-r.in:
			if err := r.record(u); err != nil {
				r.logger.Error("error recording update", slog.Any("err", err))
			}

		case <-ticker.C:
			r.checkRotation(completed)

		case <-ctx.Done():
			r.logger.Info("recorder shutting down, flushing buffers")
			r.drain()
			r.flushAll(completed)
			return ctx.Err()
		}
	}
}

// drain records whatever is still queued.
func (r *Recorder) drain() {
	for {
		select {
		case u := <-r.in:
			if err := r.record(u); err != nil {
				r.logger.Error("error recording update", slog.Any("err", err))
			}
		default:
			return
		}
	}
}

func (r *Recorder) record(u message.LivestreamUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	platform, channel := safeName(u.Platform), safeName(u.ChannelName())
	key := platform + "_" + channel
	fw := r.files[key]
	if fw == nil {
		var err error
		fw, err = r.createFileWriter(platform, channel)
		if err != nil {
			return fmt.Errorf("create file writer: %w", err)
		}
		r.files[key] = fw
	}

	fw.buffer = append(fw.buffer, u)
	if len(fw.buffer) >= r.cfg.BufferSize {
		if err := r.flushFileWriter(fw); err != nil {
			return fmt.Errorf("flush buffer: %w", err)
		}
	}
	return nil
}

// safeName keeps file names portable; channels may be URLs or claim paths.
func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}

func (r *Recorder) createFileWriter(platform, channel string) (*fileWriter, error) {
	now := r.now()
	filename := fmt.Sprintf("%s_%s_%s.jsonl", platform, channel, now.UTC().Format(fileTimeLayout))
	path := filepath.Join(r.cfg.OutputDir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	r.logger.Info("created new archive file", slog.String("file", filename))

	return &fileWriter{
		file:      file,
		writer:    bufio.NewWriter(file),
		createdAt: now,
		buffer:    make([]message.LivestreamUpdate, 0, r.cfg.BufferSize),
		platform:  platform,
		channel:   channel,
		filename:  filename,
	}, nil
}

// flushFileWriter writes buffered updates to disk
func (r *Recorder) flushFileWriter(fw *fileWriter) error {
	for _, u := range fw.buffer {
		data, err := json.Marshal(u)
		if err != nil {
			r.logger.Error("error marshaling update", slog.Any("err", err))
			continue
		}
		n, err := fw.writer.Write(append(data, '\n'))
		fw.bytesWritten += int64(n)
		if err != nil {
			return fmt.Errorf("write update: %w", err)
		}
	}
	fw.buffer = fw.buffer[:0]
	return fw.writer.Flush()
}

func (r *Recorder) checkRotation(completed chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, fw := range r.files {
		switch {
		case now.Sub(fw.createdAt) >= r.cfg.RotateEvery:
			r.logger.Info("rotating file", slog.String("file", fw.filename), slog.String("reason", "time"))
		case fw.bytesWritten >= r.cfg.RotateBytes:
			r.logger.Info("rotating file", slog.String("file", fw.filename), slog.String("reason", "size"))
		default:
			continue
		}
		r.rotate(key, fw, completed)
	}
}

// rotate closes fw, hands it to the uploader and opens a successor.
func (r *Recorder) rotate(key string, fw *fileWriter, completed chan<- string) {
	r.close(fw, completed)

	next, err := r.createFileWriter(fw.platform, fw.channel)
	if err != nil {
		r.logger.Error("error creating new file writer", slog.Any("err", err))
		delete(r.files, key)
		return
	}
	r.files[key] = next
}

func (r *Recorder) close(fw *fileWriter, completed chan<- string) {
	if err := r.flushFileWriter(fw); err != nil {
		r.logger.Error("error flushing file", slog.String("file", fw.filename), slog.Any("err", err))
	}
	if err := fw.file.Close(); err != nil {
		r.logger.Error("error closing file", slog.String("file", fw.filename), slog.Any("err", err))
	}

	path := filepath.Join(r.cfg.OutputDir, fw.filename)
	select {
	case completed <- path:
		r.logger.Debug("queued file for upload", slog.String("file", fw.filename))
	default:
		r.logger.Warn("upload queue full, file will be uploaded on next start", slog.String("file", fw.filename))
	}
}

func (r *Recorder) flushAll(completed chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, fw := range r.files {
		r.close(fw, completed)
		delete(r.files, key)
	}
	r.logger.Info("all archive files flushed and closed")
}
