package odysee

import (
	"context"
	"encoding/json"
	"io"
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

func newAdapter(t *testing.T) (*Adapter, *collector) {
	t.Helper()
	sink := &collector{}
	a := New(Config{ClaimID: "claim1", ChannelClaimID: "chan1"}, nil, harvest.Options{Sinks: []harvest.Sink{sink}})
	_, err := a.Discover(context.Background())
	require.NoError(t, err)
	return a, sink
}

func response(m, body string) tap.Event {
	u := "https://comments.odysee.tv/api/v2"
	if m != "" {
		u += "?m=" + m
	}
	return tap.Event{Kind: tap.KindFetchResponse, URL: u, Data: []byte(body)}
}

const listBody = `{"jsonrpc":"2.0","id":1,"result":{"page":1,"items":[
	{"comment_id":"c2","claim_id":"claim1","comment":"tip!","channel_name":"@rich","channel_id":"x2","timestamp":1738065601,"support_amount":10,"is_fiat":false},
	{"comment_id":"c1","claim_id":"claim1","comment":"first","channel_name":"@alice","channel_id":"chan1","timestamp":1738065600}
]}}`

func TestCommentList(t *testing.T) {
	a, sink := newAdapter(t)
	ev := response(methodList, listBody)
	require.True(t, a.Match(ev))
	require.NoError(t, a.Handle(context.Background(), ev))

	msgs := sink.all()[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, msgid.New(msgid.Odysee, "c1"), msgs[0].ID, "oldest first")
	assert.Equal(t, "alice", msgs[0].Username)
	assert.True(t, msgs[0].IsOwner)
	assert.Equal(t, int64(1738065600000), msgs[0].SentAt)

	assert.Equal(t, 10.0, msgs[1].Amount)
	assert.Equal(t, "LBC", msgs[1].Currency)
}

func TestRepeatedPollsDedup(t *testing.T) {
	a, sink := newAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Handle(ctx, response(methodList, listBody)))
	require.NoError(t, a.Handle(ctx, response(methodList, listBody)))
	assert.Len(t, sink.all(), 1)
}

func TestFiatAndCreate(t *testing.T) {
	a, sink := newAdapter(t)
	require.NoError(t, a.Handle(context.Background(), response(methodCreate,
		`{"result":{"comment_id":"c9","comment":"usd tip","channel_name":"@bob","support_amount":2.5,"is_fiat":true}}`)))
	m := sink.all()[0].Messages[0]
	assert.Equal(t, "USD", m.Currency)
	assert.Equal(t, 2.5, m.Amount)
}

func TestSniffWithoutMethod(t *testing.T) {
	a, sink := newAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Handle(ctx, response("", listBody)))
	require.NoError(t, a.Handle(ctx, response("", `{"result":{"comment_id":"c1","abandoned":true}}`)))
	require.NoError(t, a.Handle(ctx, response("", `{"result":{"comment_id":"c3","comment":"new one","channel_name":"@z"}}`)))
	require.NoError(t, a.Handle(ctx, tap.Event{Kind: tap.KindFetchResponse,
		URL:  "https://api.odysee.live/livestream/is_live?channel_claim_id=chan1",
		Data: []byte(`{"success":true,"data":{"Live":true,"ViewerCount":42}}`)}))

	updates := sink.all()
	require.Len(t, updates, 4)
	assert.Equal(t, message.KindMessages, updates[0].Kind())
	assert.Equal(t, []message.Kind{message.KindRemovals, message.KindMessages, message.KindViewers},
		[]message.Kind{updates[1].Kind(), updates[2].Kind(), updates[3].Kind()})
	assert.Equal(t, msgid.New(msgid.Odysee, "c1"), updates[1].Removals[0])
	assert.Equal(t, 42, *updates[3].Viewers)
}

func TestSniff(t *testing.T) {
	txt := "x"
	yes := true
	n := 3
	assert.Equal(t, methodList, sniff(shape{Items: []Comment{}}))
	assert.Equal(t, methodAbandon, sniff(shape{CommentID: "a", Abandoned: &yes}))
	assert.Equal(t, methodCreate, sniff(shape{CommentID: "a", Comment: &txt}))
	assert.Equal(t, methodIsLive, sniff(shape{ViewerCount: &n}))
	assert.Equal(t, "", sniff(shape{}))
}

func TestMalformedThenValid(t *testing.T) {
	a, sink := newAdapter(t)
	ctx := context.Background()
	assert.ErrorIs(t, a.Handle(ctx, response(methodList, `<html>oops`)), harvest.ErrMalformed)
	assert.ErrorIs(t, a.Handle(ctx, response(methodList, `{"result":{"items":{"bad":1}}}`)), harvest.ErrMalformed)
	require.NoError(t, a.Handle(ctx, response(methodList, listBody)))
	assert.Len(t, sink.all(), 1)
}

func TestToLBRY(t *testing.T) {
	assert.Equal(t, "lbry://@chan#1/stream#a", ToLBRY("https://odysee.com/@chan:1/stream:a?src=embed"))
	assert.Equal(t, "lbry://@chan#1/stream#a", ToLBRY("lbry://@chan#1/stream#a"))
	assert.Equal(t, "", ToLBRY(" "))
}

func TestDiscoverResolves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "resolve", req.Method)
		_, _ = w.Write([]byte(`{"result":{"lbry://@chan#1/live#b":{"claim_id":"streamclaim","signing_channel":{"claim_id":"chanclaim"}}}}`))
	}))
	defer srv.Close()

	a := New(Config{StreamURL: "https://odysee.com/@chan:1/live:b", ProxyBase: srv.URL}, srv.Client(), harvest.Options{})
	channel, err := a.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "streamclaim", channel)
	_, chanClaim := a.ids()
	assert.Equal(t, "chanclaim", chanClaim)

	unknown := New(Config{StreamURL: "lbry://@other#2/x#c", ProxyBase: srv.URL}, srv.Client(), harvest.Options{})
	_, err = unknown.Discover(context.Background())
	assert.ErrorIs(t, err, harvest.ErrIdentityNotFound)
}
