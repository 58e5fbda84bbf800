package tap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// EventStream reads a text/event-stream endpoint and publishes each complete
// message as a server_event.
type EventStream struct {
	URL        string
	Header     http.Header
	Hub        *Hub
	Client     *http.Client
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Run streams until ctx is cancelled, reconnecting after RetryDelay.
func (s *EventStream) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := s.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	for {
		if err := s.stream(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("event stream dropped", slog.String("url", s.URL), slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *EventStream) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range s.Header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("stream returned status %d: %s", resp.StatusCode, string(body))
	}

	return ReadEvents(resp.Body, func(name string, data []byte) {
		s.Hub.Publish(Event{Kind: KindServerEvent, URL: s.URL, Name: name, Data: data})
	})
}

// ReadEvents parses the Server-Sent Events framing from r, calling emit once
// per dispatched message. Multi-line data fields are joined with newlines;
// comments and unknown fields are ignored.
func ReadEvents(r io.Reader, emit func(name string, data []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		name string
		data bytes.Buffer
		have bool
	)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			if have {
				emit(name, bytes.Clone(data.Bytes()))
			}
			name, have = "", false
			data.Reset()
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			name = string(value)
		case "data":
			if have {
				data.WriteByte('\n')
			}
			data.Write(value)
			have = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	if have {
		emit(name, bytes.Clone(data.Bytes()))
	}
	return io.EOF
}
