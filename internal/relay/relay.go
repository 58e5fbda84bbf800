// Package relay holds the wire contract between harvesters, the relay and
// consumers. The relay wraps every outbound frame in an envelope whose
// message field is itself a JSON document encoded as a string.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/john/chatnexus/internal/message"
)

type Tag string

const (
	TagChatMessage    Tag = "chat_message"
	TagRemoveMessage  Tag = "remove_message"
	TagFeatureMessage Tag = "feature_message"
	TagViewers        Tag = "viewers"
	TagLayoutUpdate   Tag = "layout_update"
	TagLayoutList     Tag = "layout_list"
)

var ErrUnknownTag = errors.New("relay: unknown tag")

// Envelope is the relay's reply frame.
type Envelope struct {
	Tag     Tag    `json:"tag"`
	Message string `json:"message"`
}

// LayoutList answers a layout list request.
type LayoutList struct {
	Layouts []string `json:"layouts"`
	Active  string   `json:"active"`
}

// Inbound is a decoded envelope. Exactly the field matching Tag is set; for
// feature_message a nil Featured means the feature was cleared.
type Inbound struct {
	Tag        Tag
	Chat       *message.ChatMessage
	Removal    uuid.UUID
	Featured   *message.ChatMessage
	Viewers    map[string]int
	Layout     json.RawMessage
	LayoutList *LayoutList
}

// Decode parses one relay frame. The message payload may be a JSON string
// holding the document or, from newer relays, the document itself.
func Decode(data []byte) (Inbound, error) {
	var raw struct {
		Tag     Tag             `json:"tag"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Inbound{}, fmt.Errorf("decode envelope: %w", err)
	}
	payload := bytes.TrimSpace(raw.Message)
	if len(payload) > 0 && payload[0] == '"' {
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return Inbound{}, fmt.Errorf("decode %s payload: %w", raw.Tag, err)
		}
		payload = []byte(s)
	}

	in := Inbound{Tag: raw.Tag}
	var err error
	switch raw.Tag {
	case TagChatMessage:
		var m message.ChatMessage
		err = json.Unmarshal(payload, &m)
		in.Chat = &m
	case TagRemoveMessage:
		err = json.Unmarshal(payload, &in.Removal)
	case TagFeatureMessage:
		if !bytes.Equal(bytes.TrimSpace(payload), []byte("null")) && len(payload) > 0 {
			var m message.ChatMessage
			err = json.Unmarshal(payload, &m)
			in.Featured = &m
		}
	case TagViewers:
		err = json.Unmarshal(payload, &in.Viewers)
	case TagLayoutUpdate:
		in.Layout = json.RawMessage(bytes.Clone(payload))
	case TagLayoutList:
		var l LayoutList
		err = json.Unmarshal(payload, &l)
		in.LayoutList = &l
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownTag, raw.Tag)
	}
	if err != nil {
		return Inbound{}, fmt.Errorf("decode %s payload: %w", raw.Tag, err)
	}
	return in, nil
}

// Encode builds an envelope around v, string-encoding the payload. A nil v
// encodes as "null".
func Encode(tag Tag, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", tag, err)
	}
	return json.Marshal(Envelope{Tag: tag, Message: string(payload)})
}

// Control messages a consumer sends to the relay.

// FeatureCommand features the message with ID, or clears the feature when
// ID is nil.
type FeatureCommand struct {
	FeatureMessage *uuid.UUID `json:"feature_message"`
}

func Feature(id uuid.UUID) FeatureCommand { return FeatureCommand{FeatureMessage: &id} }

func Unfeature() FeatureCommand { return FeatureCommand{} }

type RequestLayout struct {
	RequestLayout bool `json:"request_layout"`
}

type SubscribeLayout struct {
	SubscribeLayout string `json:"subscribe_layout"`
}

type RequestMessages struct {
	RequestMessages bool `json:"request_messages"`
}
