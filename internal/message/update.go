package message

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind names the populated variant of a LivestreamUpdate.
type Kind string

const (
	KindEmpty    Kind = ""
	KindMessages Kind = "messages"
	KindRemovals Kind = "removals"
	KindViewers  Kind = "viewers"
)

// LivestreamUpdate is the envelope an adapter sends towards the relay. It
// carries at most one of messages, removals or a viewer count.
type LivestreamUpdate struct {
	Platform string        `json:"platform"`
	Channel  *string       `json:"channel"`
	Messages []ChatMessage `json:"messages,omitempty"`
	Removals []uuid.UUID   `json:"removals,omitempty"`
	Viewers  *int          `json:"viewers,omitempty"`
}

// Messages builds an update carrying new or finalized messages.
func Messages(platform string, msgs ...ChatMessage) LivestreamUpdate {
	return LivestreamUpdate{Platform: platform, Messages: msgs}
}

// Removals builds an update withdrawing previously emitted messages.
func Removals(platform string, ids ...uuid.UUID) LivestreamUpdate {
	return LivestreamUpdate{Platform: platform, Removals: ids}
}

// Viewers builds a viewer count update. Negative counts are clamped to zero.
func Viewers(platform string, n int) LivestreamUpdate {
	if n < 0 {
		n = 0
	}
	return LivestreamUpdate{Platform: platform, Viewers: &n}
}

// Kind reports which variant is populated.
func (u LivestreamUpdate) Kind() Kind {
	switch {
	case len(u.Messages) > 0:
		return KindMessages
	case len(u.Removals) > 0:
		return KindRemovals
	case u.Viewers != nil:
		return KindViewers
	default:
		return KindEmpty
	}
}

// ChannelName returns the channel or an empty string.
func (u LivestreamUpdate) ChannelName() string {
	if u.Channel == nil {
		return ""
	}
	return *u.Channel
}

// WithChannel returns a copy stamped with channel, also filling it into
// messages that lack one.
func (u LivestreamUpdate) WithChannel(channel string) LivestreamUpdate {
	u.Channel = &channel
	if len(u.Messages) > 0 {
		msgs := make([]ChatMessage, len(u.Messages))
		copy(msgs, u.Messages)
		for i := range msgs {
			if msgs[i].Channel == "" {
				msgs[i].Channel = channel
			}
		}
		u.Messages = msgs
	}
	return u
}

// UnmarshalJSON accepts the channel as either a string or a number, since
// some platforms only know a numeric room ID.
func (u *LivestreamUpdate) UnmarshalJSON(data []byte) error {
	type plain LivestreamUpdate
	var raw struct {
		plain
		Channel json.RawMessage `json:"channel"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*u = LivestreamUpdate(raw.plain)
	u.Channel = nil

	ch := bytes.TrimSpace(raw.Channel)
	if len(ch) == 0 || bytes.Equal(ch, []byte("null")) {
		return nil
	}
	switch ch[0] {
	case '"':
		var s string
		if err := json.Unmarshal(ch, &s); err != nil {
			return fmt.Errorf("decode channel: %w", err)
		}
		u.Channel = &s
	default:
		var n json.Number
		if err := json.Unmarshal(ch, &n); err != nil {
			return fmt.Errorf("channel must be a string or number: %w", err)
		}
		s := n.String()
		u.Channel = &s
	}
	return nil
}
