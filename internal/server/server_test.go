package server

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/chatnexus/internal/consumer"
	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/tap"
)

type fakeDashboard struct {
	mu        sync.Mutex
	recent    []message.ChatMessage
	paidHours int
	featured  *uuid.UUID
	unfeature bool
	failSend  bool
	resumed   int
}

func (d *fakeDashboard) Recent() []message.ChatMessage { return d.recent }

func (d *fakeDashboard) Paid(ctx context.Context, hours int) ([]message.ChatMessage, error) {
	d.paidHours = hours
	return []message.ChatMessage{}, nil
}

func (d *fakeDashboard) Lookup(ctx context.Context, id uuid.UUID) (message.ChatMessage, bool) {
	for _, m := range d.recent {
		if m.ID == id {
			return m, true
		}
	}
	return message.ChatMessage{}, false
}

func (d *fakeDashboard) Viewers() consumer.ViewerSnapshot {
	return consumer.ViewerSnapshot{Counts: map[string]int{"kick": 3}, Total: 3}
}

func (d *fakeDashboard) Featured() *message.ChatMessage { return nil }

func (d *fakeDashboard) Feature(id *uuid.UUID) error {
	if d.failSend {
		return errors.New("no relay")
	}
	d.featured = id
	d.unfeature = id == nil
	return nil
}

func (d *fakeDashboard) Resume() {
	d.mu.Lock()
	d.resumed++
	d.mu.Unlock()
}

func (d *fakeDashboard) resumes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resumed
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	h := New(Config{}).Handler()

	w := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatnexus_")

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/recent", "").Code, "api only on consumers")
}

func TestTapEndpoint(t *testing.T) {
	hub := tap.NewHub(nil)
	got := make(chan tap.Event, 1)
	hub.Subscribe(func(ev tap.Event) { got <- ev })
	h := New(Config{Hub: hub}).Handler()

	w := do(t, h, http.MethodPost, "/tap", `{"kind":"socket_message","url":"wss://x","data":"{}"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, tap.KindSocketMessage, (<-got).Kind)
}

func TestDashboardAPI(t *testing.T) {
	m := message.New(uuid.New(), "kick", "xqc", time.UnixMilli(1700000000000))
	m.Username = "alice"
	dash := &fakeDashboard{recent: []message.ChatMessage{m}}
	h := New(Config{Dashboard: dash}).Handler()

	w := do(t, h, http.MethodGet, "/api/recent", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"alice"`)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/paid", "").Code)
	assert.Equal(t, 24, dash.paidHours)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/paid?hours=6", "").Code)
	assert.Equal(t, 6, dash.paidHours)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/paid?hours=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/paid?hours=500", "").Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/messages/"+m.ID.String(), "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/messages/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/messages/nope", "").Code)

	w = do(t, h, http.MethodGet, "/api/viewers", "")
	assert.JSONEq(t, `{"counts":{"kick":3},"total":3}`, w.Body.String())

	assert.Equal(t, "null\n", do(t, h, http.MethodGet, "/api/feature", "").Body.String())
}

func TestFeatureCommands(t *testing.T) {
	dash := &fakeDashboard{}
	h := New(Config{Dashboard: dash}).Handler()
	id := uuid.New()

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/feature", `{"id":"`+id.String()+`"}`).Code)
	require.NotNil(t, dash.featured)
	assert.Equal(t, id, *dash.featured)

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodDelete, "/api/feature", "").Code)
	assert.True(t, dash.unfeature)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/feature", `{`).Code)

	dash.failSend = true
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/api/feature", `{"id":null}`).Code)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/api/resume", "").Code)
	assert.Equal(t, 1, dash.resumes())
}

func TestEventStream(t *testing.T) {
	dash := &fakeDashboard{}
	feed := NewBroadcaster(nil)
	feed.OnAttach = dash.Resume
	srv := httptest.NewServer(New(Config{Dashboard: dash, Feed: feed}).Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return feed.Subscribers() == 1 && dash.resumes() == 1 }, 2*time.Second, 5*time.Millisecond)
	feed.Publish(consumer.EventViewers, map[string]int{"total": 7})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: viewers\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: {\"total\":7}\n", line)

	cancel()
	require.Eventually(t, func() bool { return feed.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	feed := NewBroadcaster(nil)
	ch := feed.subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		feed.Publish(consumer.EventChat, i)
	}
	assert.Len(t, ch, subscriberBuffer)
	feed.unsubscribe(ch)
	assert.Equal(t, 0, feed.Subscribers())
}
