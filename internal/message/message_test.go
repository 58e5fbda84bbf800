package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmojiWireFormat(t *testing.T) {
	m := New(uuid.New(), "kick", "xqc", time.UnixMilli(1700000000000))
	m.Emojis = append(m.Emojis, Emoji{Marker: "[emote:1:KEKW]", URL: "https://files.kick.com/emotes/1/fullsize", Alt: "KEKW"})

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"emojis":[["[emote:1:KEKW]","https://files.kick.com/emotes/1/fullsize","KEKW"]]`)

	var back ChatMessage
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m.Emojis, back.Emojis)
}

func TestEmojiRejectsWrongArity(t *testing.T) {
	var e Emoji
	assert.Error(t, json.Unmarshal([]byte(`["a","b"]`), &e))
}

func TestCorrectSentAt(t *testing.T) {
	now := time.UnixMilli(1700000000000)

	m := New(uuid.New(), "youtube", "", now)
	m.SentAt = now.Add(10 * time.Minute).UnixMilli()
	m.CorrectSentAt()
	assert.Equal(t, m.ReceivedAt, m.SentAt, "future timestamp discarded")

	m.SentAt = now.Add(-5 * time.Second).UnixMilli()
	m.CorrectSentAt()
	assert.Equal(t, now.Add(-5*time.Second).UnixMilli(), m.SentAt, "past timestamp kept")

	m.SentAt = 0
	m.CorrectSentAt()
	assert.Equal(t, m.ReceivedAt, m.SentAt)
}

func TestValidate(t *testing.T) {
	m := New(uuid.New(), "kick", "", time.Now())
	assert.NoError(t, m.Validate())

	m.Amount = 100
	m.Currency = "KICKS"
	assert.NoError(t, m.Validate())

	m.Currency = "usd"
	assert.ErrorIs(t, m.Validate(), ErrBadCurrency)

	m.Amount = -1
	assert.ErrorIs(t, m.Validate(), ErrNegativeAmount)

	assert.ErrorIs(t, ChatMessage{Platform: "kick"}.Validate(), ErrMissingID)
	assert.ErrorIs(t, ChatMessage{ID: uuid.New()}.Validate(), ErrMissingPlatform)
}

func TestPaidTier(t *testing.T) {
	cases := map[float64]int{0.5: 1, 1.9: 2, 4.99: 5, 9: 10, 19.99: 20, 49: 50, 100: 100}
	for amount, tier := range cases {
		assert.Equal(t, tier, ChatMessage{Amount: amount}.PaidTier(), "amount %v", amount)
	}
}

func TestBadgeClassesAndConsole(t *testing.T) {
	m := ChatMessage{Platform: "twitch", Username: "bob", Message: "hi", IsSub: true, IsMod: true}
	assert.Equal(t, "msg--b-sub msg--b-mod", m.BadgeClasses())
	assert.Equal(t, "[twitch] bob: hi", m.ConsoleLine())
	assert.Empty(t, m.ReadableAmount())

	m.Amount, m.Currency = 5, "USD"
	assert.Equal(t, "[twitch] [USD 5.00] (bob): hi", m.ConsoleLine())
	assert.Equal(t, "5.00 USD", m.ReadableAmount())
	assert.Empty(t, ChatMessage{}.BadgeClasses())
}

func TestLivestreamUpdateKinds(t *testing.T) {
	assert.Equal(t, KindMessages, Messages("kick", ChatMessage{}).Kind())
	assert.Equal(t, KindRemovals, Removals("kick", uuid.New()).Kind())
	assert.Equal(t, KindViewers, Viewers("kick", 10).Kind())
	assert.Equal(t, KindEmpty, LivestreamUpdate{}.Kind())
	assert.Equal(t, 0, *Viewers("kick", -4).Viewers)
}

func TestLivestreamUpdateChannelStringOrNumber(t *testing.T) {
	var u LivestreamUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"platform":"kick","channel":12345,"viewers":3}`), &u))
	assert.Equal(t, "12345", u.ChannelName())
	assert.Equal(t, 3, *u.Viewers)

	require.NoError(t, json.Unmarshal([]byte(`{"platform":"rumble","channel":"abc"}`), &u))
	assert.Equal(t, "abc", u.ChannelName())

	require.NoError(t, json.Unmarshal([]byte(`{"platform":"rumble","channel":null}`), &u))
	assert.Nil(t, u.Channel)

	assert.Error(t, json.Unmarshal([]byte(`{"platform":"rumble","channel":true}`), &u))
}

func TestWithChannelDoesNotMutateOriginal(t *testing.T) {
	orig := Messages("kick", ChatMessage{Username: "a"})
	stamped := orig.WithChannel("xqc")
	assert.Equal(t, "xqc", stamped.ChannelName())
	assert.Equal(t, "xqc", stamped.Messages[0].Channel)
	assert.Empty(t, orig.Messages[0].Channel)
	assert.Nil(t, orig.Channel)
}
