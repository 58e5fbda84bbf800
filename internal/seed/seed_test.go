package seed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/chatnexus/internal/message"
)

type fakeConn struct {
	inbound   chan []byte
	closeOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	written   [][]byte
	failWrite bool
	// gate, when set, holds every write until it receives or is closed.
	gate      chan struct{}
	attempts  int
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 8), done: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		return nil, errors.New("closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
	prepare  func(n int, c *fakeConn)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	if d.prepare != nil {
		d.prepare(len(d.conns), c)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func start(t *testing.T, s *Seed) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- s.Run(ctx) }()
	t.Cleanup(cancelCtx)
	return cancelCtx, ch
}

func viewersOf(t *testing.T, frames [][]byte) []int {
	t.Helper()
	out := make([]int, 0, len(frames))
	for _, f := range frames {
		var u message.LivestreamUpdate
		require.NoError(t, json.Unmarshal(f, &u))
		require.NotNil(t, u.Viewers)
		out = append(out, *u.Viewers)
	}
	return out
}

func waitFrames(t *testing.T, d *fakeDialer, i, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool {
		c := d.conn(i)
		return c != nil && len(c.frames()) == n
	}, 2*time.Second, 5*time.Millisecond)
	return d.conn(i).frames()
}

func waitOpen(t *testing.T, s *Seed) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == Open }, 2*time.Second, 5*time.Millisecond)
}

func TestQueuedUntilIdentityThenFlushedOnceInOrder(t *testing.T) {
	d := &fakeDialer{}
	s := New(Options{Name: "test", Dialer: d, RetryDelay: 10 * time.Millisecond})

	for i := 1; i <= 3; i++ {
		s.Send(message.Viewers("kick", i))
	}
	start(t, s)
	waitOpen(t, s)

	assert.Empty(t, d.conn(0).frames(), "nothing is written before the identity is known")
	assert.Equal(t, 3, s.Queued())

	s.SetIdentity("xqc")
	frames := waitFrames(t, d, 0, 3)
	assert.Equal(t, []int{1, 2, 3}, viewersOf(t, frames))
	require.Eventually(t, func() bool { return s.Queued() == 0 }, time.Second, 5*time.Millisecond)

	var u message.LivestreamUpdate
	require.NoError(t, json.Unmarshal(frames[0], &u))
	assert.Equal(t, "xqc", u.ChannelName())

	s.Send(message.Viewers("kick", 4))
	assert.Equal(t, []int{1, 2, 3, 4}, viewersOf(t, waitFrames(t, d, 0, 4)))
}

func TestReconnectsAfterDialFailures(t *testing.T) {
	d := &fakeDialer{failures: 2}
	s := New(Options{Name: "test", Dialer: d, RetryDelay: 10 * time.Millisecond})
	s.SetIdentity("chan")
	s.Send(message.Viewers("x", 7))

	start(t, s)
	waitOpen(t, s)
	assert.Equal(t, 3, d.dialCount())
	assert.Equal(t, []int{7}, viewersOf(t, waitFrames(t, d, 0, 1)))
}

func TestReconnectsAfterClose(t *testing.T) {
	d := &fakeDialer{}
	s := New(Options{Name: "test", Dialer: d, RetryDelay: 10 * time.Millisecond})
	s.SetIdentity("chan")
	start(t, s)
	waitOpen(t, s)

	require.NoError(t, d.conn(0).Close())
	require.Eventually(t, func() bool { return d.conn(1) != nil && s.State() == Open }, 2*time.Second, 5*time.Millisecond)

	s.Send(message.Viewers("x", 1))
	assert.Equal(t, []int{1}, viewersOf(t, waitFrames(t, d, 1, 1)))
	assert.Empty(t, d.conn(0).frames())
}

func TestWriteFailureRequeuesAndRedials(t *testing.T) {
	d := &fakeDialer{prepare: func(n int, c *fakeConn) { c.failWrite = n == 0 }}
	s := New(Options{Name: "test", Dialer: d, RetryDelay: 10 * time.Millisecond})
	s.SetIdentity("chan")
	start(t, s)
	waitOpen(t, s)

	s.Send(message.Viewers("x", 5))
	assert.Equal(t, []int{5}, viewersOf(t, waitFrames(t, d, 1, 1)))
	require.Eventually(t, func() bool { return s.Queued() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStalledWriteDoesNotBlockSend(t *testing.T) {
	gate := make(chan struct{})
	d := &fakeDialer{prepare: func(n int, c *fakeConn) { c.gate = gate }}
	s := New(Options{Name: "test", Dialer: d, QueueLimit: 2})
	s.SetIdentity("chan")
	start(t, s)
	waitOpen(t, s)

	s.Send(message.Viewers("x", 1))
	require.Eventually(t, func() bool {
		c := d.conn(0)
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.attempts == 1
	}, time.Second, 5*time.Millisecond)

	// The writer is stuck on frame 1; frame 3 pushes it out of the queue.
	sent := make(chan struct{})
	go func() {
		s.Send(message.Viewers("x", 2))
		s.Send(message.Viewers("x", 3))
		close(sent)
	}()
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a stalled write")
	}
	assert.Equal(t, Open, s.State())
	assert.Equal(t, 2, s.Queued())

	close(gate)
	assert.Equal(t, []int{1, 2, 3}, viewersOf(t, waitFrames(t, d, 0, 3)))
	require.Eventually(t, func() bool { return s.Queued() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueueDropsOldest(t *testing.T) {
	d := &fakeDialer{}
	s := New(Options{Name: "test", Dialer: d, QueueLimit: 2})
	for i := 1; i <= 3; i++ {
		s.Send(message.Viewers("kick", i))
	}
	assert.Equal(t, 2, s.Queued())

	s.SetIdentity("")
	start(t, s)
	assert.Equal(t, []int{2, 3}, viewersOf(t, waitFrames(t, d, 0, 2)))
}

func TestInboundFramesAndControl(t *testing.T) {
	got := make(chan []byte, 1)
	d := &fakeDialer{}
	s := New(Options{Name: "consumer", Dialer: d, OnMessage: func(b []byte) { got <- b }})
	s.SetIdentity("")
	start(t, s)
	waitOpen(t, s)

	d.conn(0).inbound <- []byte(`{"tag":"viewers","message":{}}`)
	select {
	case b := <-got:
		assert.JSONEq(t, `{"tag":"viewers","message":{}}`, string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame not delivered")
	}

	require.NoError(t, s.SendControl(map[string]bool{"request_messages": true}))
	frames := waitFrames(t, d, 0, 1)
	assert.JSONEq(t, `{"request_messages":true}`, string(frames[0]))
}

func TestHelloWrittenOnEveryOpen(t *testing.T) {
	d := &fakeDialer{}
	s := New(Options{
		Name:       "consumer",
		Dialer:     d,
		RetryDelay: 10 * time.Millisecond,
		Hello:      []any{map[string]bool{"request_messages": true}},
	})
	s.Send(message.Viewers("x", 1))
	start(t, s)
	waitOpen(t, s)

	first := waitFrames(t, d, 0, 1)
	assert.JSONEq(t, `{"request_messages":true}`, string(first[0]))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, d.conn(0).frames(), 1, "queue held until identity")

	require.NoError(t, d.conn(0).Close())
	second := waitFrames(t, d, 1, 1)
	assert.JSONEq(t, `{"request_messages":true}`, string(second[0]))
	assert.Equal(t, 1, s.Queued())
}

func TestRunStopsOnCancel(t *testing.T) {
	d := &fakeDialer{}
	s := New(Options{Name: "test", Dialer: d})
	cancel, done := start(t, s)
	waitOpen(t, s)

	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("seed did not stop")
	}
	assert.Equal(t, Disconnected, s.State())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount(), "no retry after shutdown")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "disconnected", Disconnected.String())
}
