package vk

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
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

func newAdapter(t *testing.T) (*Adapter, *collector) {
	t.Helper()
	sink := &collector{}
	a := New(Config{ChannelID: "4242"}, nil, harvest.Options{Sinks: []harvest.Sink{sink}})
	_, err := a.Discover(context.Background())
	require.NoError(t, err)
	return a, sink
}

func push(t *testing.T, channel, typ string, data any) tap.Event {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"push": map[string]any{
			"channel": channel,
			"pub":     map[string]any{"data": map[string]any{"type": typ, "data": data}},
		},
	})
	require.NoError(t, err)
	return tap.Event{Kind: tap.KindSocketMessage, URL: DefaultSocketURL, Data: b}
}

func sendEvent(t *testing.T, id int, blocks []map[string]any, au map[string]any) tap.Event {
	return push(t, "channel-chat:4242", typeSend, map[string]any{
		"chat_message": map[string]any{
			"id":        id,
			"createdAt": 1700000000,
			"author":    au,
			"data":      blocks,
		},
	})
}

func TestDiscoverRequiresChannel(t *testing.T) {
	a := New(Config{}, nil, harvest.Options{})
	_, err := a.Discover(context.Background())
	assert.ErrorIs(t, err, harvest.ErrIdentityNotFound)
}

func TestMatch(t *testing.T) {
	a, _ := newAdapter(t)
	assert.True(t, a.Match(tap.Event{Kind: tap.KindSocketMessage, URL: DefaultSocketURL}))
	assert.False(t, a.Match(tap.Event{Kind: tap.KindFetchResponse, URL: DefaultSocketURL}))
	assert.False(t, a.Match(tap.Event{Kind: tap.KindSocketMessage, URL: "wss://example.com"}))
}

func TestChatMessageBlocks(t *testing.T) {
	a, sink := newAdapter(t)
	ev := sendEvent(t, 77, []map[string]any{
		{"type": "text", "content": `["hello ","unstyled",[]]`},
		{"type": "smile", "name": "wave", "smallUrl": "https://images.vkvideo.ru/smile/wave.png"},
		{"type": "text", "content": `[" ","unstyled",[]]`},
		{"type": "mention", "displayName": "bob"},
	}, map[string]any{
		"id":                 9,
		"displayName":        "Alice",
		"avatarUrl":          "https://images.vkvideo.ru/a.png",
		"isChannelModerator": true,
		"roles":              []map[string]any{{"name": "subscriber"}},
	})

	require.NoError(t, a.Handle(context.Background(), ev))
	updates := sink.all()
	require.Len(t, updates, 1)
	msgs := updates[0].Messages
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, msgid.New(msgid.VK, "77"), m.ID)
	assert.Equal(t, "hello :wave: @bob", m.Message)
	assert.Equal(t, "Alice", m.Username)
	assert.Equal(t, "https://images.vkvideo.ru/a.png", m.Avatar)
	assert.Equal(t, int64(1700000000000), m.SentAt)
	assert.Equal(t, "4242", m.Channel)
	assert.Equal(t, Platform, m.Platform)
	assert.True(t, m.IsMod)
	assert.True(t, m.IsSub)
	assert.False(t, m.IsOwner)
	require.Len(t, m.Emojis, 1)
	assert.Equal(t, message.Emoji{Marker: ":wave:", URL: "https://images.vkvideo.ru/smile/wave.png", Alt: "wave"}, m.Emojis[0])
}

func TestDeleteAfterSend(t *testing.T) {
	a, sink := newAdapter(t)
	require.NoError(t, a.Handle(context.Background(), sendEvent(t, 5, []map[string]any{
		{"type": "text", "content": `["bye","unstyled",[]]`},
	}, map[string]any{"id": 1, "displayName": "a"})))

	del := push(t, "channel-chat:4242", typeDelete, map[string]any{"chat_message": map[string]any{"id": 5}})
	require.NoError(t, a.Handle(context.Background(), del))

	updates := sink.all()
	require.Len(t, updates, 2)
	assert.Equal(t, []uuid.UUID{msgid.New(msgid.VK, "5")}, updates[1].Removals)
}

func TestOtherChannelIgnored(t *testing.T) {
	a, sink := newAdapter(t)
	ev := push(t, "channel-chat:1", typeSend, map[string]any{
		"chat_message": map[string]any{"id": 1, "author": map[string]any{"displayName": "x"}, "data": []any{}},
	})
	require.NoError(t, a.Handle(context.Background(), ev))
	assert.Empty(t, sink.all())
}

func TestPingAndReplies(t *testing.T) {
	a, sink := newAdapter(t)
	frame := tap.Event{Kind: tap.KindSocketMessage, URL: DefaultSocketURL, Data: []byte("{}\n{\"id\":1,\"connect\":{}}")}
	require.NoError(t, a.Handle(context.Background(), frame))
	assert.Empty(t, sink.all())
}

func TestMalformedThenValid(t *testing.T) {
	a, sink := newAdapter(t)
	bad := push(t, "channel-chat:4242", typeSend, map[string]any{
		"chat_message": map[string]any{"id": 3, "data": []map[string]any{{"type": "text", "content": "not-json"}}},
	})
	err := a.Handle(context.Background(), bad)
	assert.ErrorIs(t, err, harvest.ErrMalformed)

	err = a.Handle(context.Background(), tap.Event{Kind: tap.KindSocketMessage, URL: DefaultSocketURL, Data: []byte("{broken")})
	assert.ErrorIs(t, err, harvest.ErrMalformed)

	require.NoError(t, a.Handle(context.Background(), sendEvent(t, 4, []map[string]any{
		{"type": "text", "content": `["ok","unstyled",[]]`},
	}, map[string]any{"id": 1, "displayName": "a"})))
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "ok", sink.all()[0].Messages[0].Message)
}

func TestDecodeContent(t *testing.T) {
	s, err := decodeContent(`["привет","unstyled",[]]`)
	require.NoError(t, err)
	assert.Equal(t, "привет", s)

	s, err = decodeContent("")
	require.NoError(t, err)
	assert.Empty(t, s)

	_, err = decodeContent(`{"a":1}`)
	assert.Error(t, err)
}
