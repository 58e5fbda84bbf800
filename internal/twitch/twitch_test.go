package twitch

import (
	"context"
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

const socketURL = "wss://irc-ws.chat.twitch.tv:443"

const privmsg = "@badge-info=subscriber/12;badges=moderator/1,subscriber/12;color=#FF0000;display-name=Viewer;emotes=25:6-10;" +
	"id=b34ccfc7-4977-403a-8a94-33c6bac34fb8;mod=1;room-id=1337;subscriber=1;tmi-sent-ts=1738065600000;turbo=0;user-id=4242;user-type=mod " +
	":viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #somechannel :hello Kappa"

func newAdapter(t *testing.T) (*Adapter, *collector) {
	t.Helper()
	sink := &collector{}
	a := New(Config{Channel: "#SomeChannel"}, harvest.Options{Sinks: []harvest.Sink{sink}})
	_, err := a.Discover(context.Background())
	require.NoError(t, err)
	return a, sink
}

func frame(lines ...string) tap.Event {
	data := ""
	for _, l := range lines {
		data += l + "\r\n"
	}
	return tap.Event{Kind: tap.KindSocketMessage, URL: socketURL, Data: []byte(data)}
}

func TestPrivateMessage(t *testing.T) {
	a, sink := newAdapter(t)
	ev := frame(privmsg)
	require.True(t, a.Match(ev))
	require.NoError(t, a.Handle(context.Background(), ev))

	m := sink.all()[0].Messages[0]
	assert.Equal(t, msgid.New(msgid.Twitch, "b34ccfc7-4977-403a-8a94-33c6bac34fb8"), m.ID)
	assert.Equal(t, "somechannel", m.Channel)
	assert.Equal(t, "Viewer", m.Username)
	assert.Equal(t, "hello Kappa", m.Message)
	assert.Equal(t, int64(1738065600000), m.SentAt)
	assert.True(t, m.IsMod)
	assert.True(t, m.IsSub)
	assert.Equal(t, []message.Emoji{{
		Marker: "Kappa",
		URL:    "https://static-cdn.jtvnw.net/emoticons/v2/25/default/dark/1.0",
		Alt:    "Kappa",
	}}, m.Emojis)
}

func TestBitsConvertToUSD(t *testing.T) {
	a, sink := newAdapter(t)
	line := "@badges=;bits=250;display-name=Cheerer;id=bits-1;tmi-sent-ts=1738065600000;user-id=77 " +
		":cheerer!cheerer@cheerer.tmi.twitch.tv PRIVMSG #somechannel :Cheer250 gg"
	require.NoError(t, a.Handle(context.Background(), frame(line)))
	m := sink.all()[0].Messages[0]
	assert.InDelta(t, 2.5, m.Amount, 1e-9)
	assert.Equal(t, "USD", m.Currency)
}

func TestClearMessageAndClearChat(t *testing.T) {
	a, sink := newAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Handle(ctx, frame(privmsg,
		"@badges=;display-name=Viewer;id=second;tmi-sent-ts=1738065601000;user-id=4242 :viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #somechannel :again",
	)))
	require.NoError(t, a.Handle(ctx, frame(
		"@login=viewer;room-id=;target-msg-id=b34ccfc7-4977-403a-8a94-33c6bac34fb8;tmi-sent-ts=1738065602000 :tmi.twitch.tv CLEARMSG #somechannel :hello Kappa",
	)))
	require.NoError(t, a.Handle(ctx, frame(
		"@ban-duration=600;room-id=1337;target-user-id=4242;tmi-sent-ts=1738065603000 :tmi.twitch.tv CLEARCHAT #somechannel :viewer",
	)))

	updates := sink.all()
	require.Len(t, updates, 4)
	assert.Equal(t, msgid.New(msgid.Twitch, "b34ccfc7-4977-403a-8a94-33c6bac34fb8"), updates[2].Removals[0])
	assert.ElementsMatch(t, []any{
		msgid.New(msgid.Twitch, "b34ccfc7-4977-403a-8a94-33c6bac34fb8"),
		msgid.New(msgid.Twitch, "second"),
	}, []any{updates[3].Removals[0], updates[3].Removals[1]})
}

func TestSubscriptionNotice(t *testing.T) {
	a, sink := newAdapter(t)
	line := `@badges=subscriber/0;display-name=NewSub;id=sub-1;login=newsub;msg-id=sub;msg-param-cumulative-months=1;` +
		`system-msg=NewSub\ssubscribed\sat\sTier\s1.;tmi-sent-ts=1738065600000;user-id=99 :tmi.twitch.tv USERNOTICE #somechannel`
	require.NoError(t, a.Handle(context.Background(), frame(line)))
	m := sink.all()[0].Messages[0]
	assert.True(t, m.IsSub)
	assert.Equal(t, "NewSub subscribed at Tier 1.", m.Message)

	raid := `@display-name=Raider;id=raid-1;login=raider;msg-id=raid;tmi-sent-ts=1738065600000;user-id=5 :tmi.twitch.tv USERNOTICE #somechannel`
	require.NoError(t, a.Handle(context.Background(), frame(raid)))
	assert.Len(t, sink.all(), 1, "raids are not chat messages")
}

func TestOtherChannelIgnored(t *testing.T) {
	a, sink := newAdapter(t)
	other := "@id=x1;display-name=A;user-id=1 :a!a@a.tmi.twitch.tv PRIVMSG #elsewhere :hi"
	require.NoError(t, a.Handle(context.Background(), frame(other, "PING :tmi.twitch.tv")))
	assert.Empty(t, sink.all())
}

func TestMalformedThenValid(t *testing.T) {
	a, sink := newAdapter(t)
	err := a.Handle(context.Background(), frame("@broken-tags-without-command", privmsg))
	assert.ErrorIs(t, err, harvest.ErrMalformed)
	assert.Len(t, sink.all(), 1, "valid line in the same frame still handled")
}

func TestValidLine(t *testing.T) {
	assert.True(t, validLine("PING :tmi.twitch.tv"))
	assert.True(t, validLine(":tmi.twitch.tv 001 justinfan :Welcome"))
	assert.True(t, validLine(privmsg))
	assert.False(t, validLine("{json}"))
	assert.False(t, validLine("@a=b"))
}

func TestDiscoverRequiresChannel(t *testing.T) {
	_, err := New(Config{}, harvest.Options{}).Discover(context.Background())
	assert.ErrorIs(t, err, harvest.ErrIdentityNotFound)
}
