package rumble

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/chatnexus/internal/harvest"
	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/msgid"
	"github.com/john/chatnexus/internal/tap"
)

type collector struct {
	mu      sync.Mutex
	updates []message.LivestreamUpdate
}

func (c *collector) Send(u message.LivestreamUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

func (c *collector) all() []message.LivestreamUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.LivestreamUpdate(nil), c.updates...)
}

const streamURL = "https://web7.rumble.com/chat/api/chat/123456/stream"

func newAdapter(t *testing.T) (*Adapter, *collector) {
	t.Helper()
	sink := &collector{}
	a := New(Config{VideoID: "v5xyz", ChatID: "123456"}, nil, nil, harvest.Options{Sinks: []harvest.Sink{sink}})
	_, err := a.Discover(context.Background())
	require.NoError(t, err)
	return a, sink
}

func sse(data string) tap.Event {
	return tap.Event{Kind: tap.KindServerEvent, URL: streamURL, Data: []byte(data)}
}

const batch = `{"type":"messages","data":{
	"messages":[
		{"id":"1001","time":"2025-01-28T12:00:00+00:00","user_id":"u1","text":"hello :r+fire:"},
		{"id":"1002","time":"2025-01-28T12:00:01+00:00","user_id":"u2","text":"big rant","rant":{"price_cents":500}},
		{"id":"1003","time":"2025-01-28T12:00:02+00:00","user_id":"ghost","text":"no user"}
	],
	"users":[
		{"id":"u1","username":"alice","image.1":"https://rumble.com/a.png","badges":["moderator"]},
		{"id":"u2","username":"bob","badges":["premium","verified"]}
	]}}`

func TestMessageBatchJoinsUsers(t *testing.T) {
	a, sink := newAdapter(t)
	require.NoError(t, a.loadEmotes([]byte(`{"data":{"items":[{"emotes":[{"name":"r+fire","file":"https://rumble.com/e/fire.png"}]}]}}`)))

	ev := sse(batch)
	require.True(t, a.Match(ev))
	require.NoError(t, a.Handle(context.Background(), ev))

	updates := sink.all()
	require.Len(t, updates, 1)
	msgs := updates[0].Messages
	require.Len(t, msgs, 2, "message without a user is skipped")

	alice := msgs[0]
	assert.Equal(t, msgid.New(msgid.Rumble, "1001"), alice.ID)
	assert.Equal(t, "123456", alice.Channel)
	assert.Equal(t, "alice", alice.Username)
	assert.Equal(t, "https://rumble.com/a.png", alice.Avatar)
	assert.True(t, alice.IsMod)
	assert.False(t, alice.IsPremium())

	bob := msgs[1]
	assert.Equal(t, 5.0, bob.Amount)
	assert.Equal(t, "USD", bob.Currency)
	assert.True(t, bob.IsSub)
	assert.True(t, bob.IsVerified)
	assert.Equal(t, message.DefaultAvatar, bob.Avatar)
}

func TestEmotesNeedTable(t *testing.T) {
	a, _ := newAdapter(t)
	assert.Empty(t, a.emojisIn("hello :r+fire:"))
	require.NoError(t, a.loadEmotes([]byte(`{"data":{"items":[{"emotes":[{"name":":r+fire:","file":"https://x/f.png"}]}]}}`)))
	assert.Equal(t, []message.Emoji{{Marker: ":r+fire:", URL: "https://x/f.png", Alt: ":r+fire:"}}, a.emojisIn("hello :r+fire: :r+fire:"))
}

func TestNumericIDs(t *testing.T) {
	a, sink := newAdapter(t)
	require.NoError(t, a.Handle(context.Background(), sse(`{"type":"init","data":{"messages":[{"id":77,"user_id":9,"text":"hi"}],"users":[{"id":9,"username":"num"}]}}`)))
	assert.Equal(t, msgid.New(msgid.Rumble, "77"), sink.all()[0].Messages[0].ID)
}

func TestDeletions(t *testing.T) {
	a, sink := newAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Handle(ctx, sse(batch)))
	require.NoError(t, a.Handle(ctx, sse(`{"type":"delete_messages","data":{"message_ids":["1001","9999"]}}`)))
	require.NoError(t, a.Handle(ctx, sse(`{"type":"delete_non_rant_messages","data":{"message_ids":[1002]}}`)))

	updates := sink.all()
	require.Len(t, updates, 3)
	assert.Equal(t, msgid.New(msgid.Rumble, "1001"), updates[1].Removals[0])
	assert.Len(t, updates[1].Removals, 1)
	assert.Equal(t, msgid.New(msgid.Rumble, "1002"), updates[2].Removals[0])
}

func TestMalformedThenValid(t *testing.T) {
	a, sink := newAdapter(t)
	ctx := context.Background()
	assert.ErrorIs(t, a.Handle(ctx, sse(`{"type":"messages","data":`)), harvest.ErrMalformed)
	assert.ErrorIs(t, a.Handle(ctx, sse(`{"type":"messages","data":{"messages":"nope"}}`)), harvest.ErrMalformed)
	require.NoError(t, a.Handle(ctx, sse(batch)))
	assert.Len(t, sink.all(), 1)
}

func TestViewers(t *testing.T) {
	a, sink := newAdapter(t)
	ev := tap.Event{
		Kind: tap.KindFetchResponse,
		URL:  "https://wn0.rumble.com/service.php?video_id=v5xyz&name=video.watching-now",
		Data: []byte(`{"data":{"viewer_count":321}}`),
	}
	require.True(t, a.Match(ev))
	require.NoError(t, a.Handle(context.Background(), ev))
	assert.Equal(t, 321, *sink.all()[0].Viewers)

	assert.False(t, a.Match(tap.Event{Kind: tap.KindFetchResponse, URL: "https://rumble.com/service.php?name=user.login"}))
}

func TestDiscoverFromEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("v") != "v5xyz" {
			_, _ = w.Write([]byte(`false`))
			return
		}
		_, _ = w.Write([]byte(`{"vid":123456,"title":"stream"}`))
	}))
	defer srv.Close()

	a := New(Config{VideoID: "v5xyz", SiteBase: srv.URL}, nil, srv.Client(), harvest.Options{})
	channel, err := a.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "123456", channel)

	missing := New(Config{VideoID: "nope", SiteBase: srv.URL}, nil, srv.Client(), harvest.Options{})
	_, err = missing.Discover(context.Background())
	assert.ErrorIs(t, err, harvest.ErrIdentityNotFound)
}
