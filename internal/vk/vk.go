// Package vk normalizes VK Video Live chat, delivered as Centrifugo pushes
// over a WebSocket. Message content is a list of typed blocks.
package vk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/john/chatnexus/internal/harvest"
	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/msgid"
	"github.com/john/chatnexus/internal/tap"
)

const (
	Platform = "vk"

	DefaultSocketURL = "wss://pubsub.live.vkvideo.ru/connection/websocket?format=json&cf_protocol_version=v2"

	typeSend   = "channel_chat_message_send"
	typeDelete = "channel_chat_message_delete"
)

// Config selects a VK channel by its numeric chat channel ID.
type Config struct {
	ChannelID string
	SocketURL string
	Token     string
	Live      bool
}

// Adapter is the VK platform adapter.
type Adapter struct {
	*harvest.Base
	cfg Config
	hub *tap.Hub

	mu     sync.Mutex
	socket *tap.WebSocketSource
}

func New(cfg Config, hub *tap.Hub, opts harvest.Options) *Adapter {
	if cfg.SocketURL == "" {
		cfg.SocketURL = DefaultSocketURL
	}
	return &Adapter{Base: harvest.NewBase(Platform, opts), cfg: cfg, hub: hub}
}

func (a *Adapter) Discover(ctx context.Context) (string, error) {
	if a.cfg.ChannelID == "" {
		return "", fmt.Errorf("%w: no channel id configured", harvest.ErrIdentityNotFound)
	}
	a.SetChannel(a.cfg.ChannelID)
	return a.cfg.ChannelID, nil
}

func (a *Adapter) chatChannel() string { return "channel-chat:" + a.cfg.ChannelID }

func (a *Adapter) Match(ev tap.Event) bool {
	return ev.Kind == tap.KindSocketMessage && (strings.Contains(ev.URL, "vkvideo.ru") || ev.URL == a.cfg.SocketURL)
}

// Handle parses a frame, which may hold several newline separated replies.
func (a *Adapter) Handle(ctx context.Context, ev tap.Event) error {
	var firstErr error
	for _, line := range bytes.Split(ev.Data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := a.handleReply(ctx, line); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run connects to Centrifugo when Live is set and a token is configured.
func (a *Adapter) Run(ctx context.Context) error {
	if !a.cfg.Live || a.cfg.Token == "" {
		return harvest.Idle(ctx)
	}
	socket := &tap.WebSocketSource{
		URL:    a.cfg.SocketURL,
		Hub:    a.hub,
		Logger: a.Logger(),
		Header: http.Header{"Origin": {"https://live.vkvideo.ru"}},
		OnOpen: func(s *tap.WebSocketSource) error {
			connect, _ := json.Marshal(map[string]any{"connect": map[string]string{"token": a.cfg.Token, "name": "js"}, "id": 1})
			subscribe, _ := json.Marshal(map[string]any{"subscribe": map[string]string{"channel": a.chatChannel()}, "id": 2})
			if err := s.Send(connect); err != nil {
				return err
			}
			return s.Send(subscribe)
		},
	}
	a.mu.Lock()
	a.socket = socket
	a.mu.Unlock()
	return socket.Run(ctx)
}

type reply struct {
	Push *struct {
		Channel string `json:"channel"`
		Pub     *struct {
			Data struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			} `json:"data"`
		} `json:"pub"`
	} `json:"push"`
}

type chatMessage struct {
	ID        json.Number `json:"id"`
	CreatedAt int64       `json:"createdAt"`
	Author    author      `json:"author"`
	Data      []block     `json:"data"`
}

type author struct {
	ID                 json.Number `json:"id"`
	DisplayName        string      `json:"displayName"`
	Nick               string      `json:"nick"`
	AvatarURL          string      `json:"avatarUrl"`
	IsOwner            bool        `json:"isOwner"`
	IsChannelModerator bool        `json:"isChannelModerator"`
	IsChatModerator    bool        `json:"isChatModerator"`
	Badges             []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Achievement struct {
			Type string `json:"type"`
		} `json:"achievement"`
	} `json:"badges"`
	Roles []struct {
		Name string `json:"name"`
	} `json:"roles"`
	IsVerifiedStreamer bool `json:"isVerifiedStreamer"`
}

// block is one tagged content variant; the fields used depend on Type.
type block struct {
	Type        string `json:"type"`
	Content     string `json:"content"`
	Name        string `json:"name"`
	SmallURL    string `json:"smallUrl"`
	MediumURL   string `json:"mediumUrl"`
	Nick        string `json:"nick"`
	DisplayName string `json:"displayName"`
	URL         string `json:"url"`
}

func (a *Adapter) handleReply(ctx context.Context, raw []byte) error {
	if string(raw) == "{}" {
		a.pong()
		return nil
	}
	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return harvest.Malformed("centrifugo reply", err)
	}
	if r.Push == nil || r.Push.Pub == nil {
		return nil
	}
	if r.Push.Channel != "" && r.Push.Channel != a.chatChannel() {
		return nil
	}

	pub := r.Push.Pub.Data
	switch pub.Type {
	case typeSend:
		var body struct {
			ChatMessage *chatMessage `json:"chat_message"`
		}
		if err := json.Unmarshal(pub.Data, &body); err != nil {
			return harvest.Malformed("chat message", err)
		}
		if body.ChatMessage == nil || body.ChatMessage.ID == "" {
			return harvest.Malformed("chat message without id", nil)
		}
		m, err := a.convert(*body.ChatMessage)
		if err != nil {
			return err
		}
		if a.Emit(ctx, m) > 0 {
			a.Attribute(body.ChatMessage.Author.ID.String(), m.ID)
		}
	case typeDelete:
		var body struct {
			ChatMessage *struct {
				ID json.Number `json:"id"`
			} `json:"chat_message"`
			ID json.Number `json:"id"`
		}
		if err := json.Unmarshal(pub.Data, &body); err != nil {
			return harvest.Malformed("message delete", err)
		}
		id := body.ID
		if body.ChatMessage != nil && body.ChatMessage.ID != "" {
			id = body.ChatMessage.ID
		}
		if id == "" {
			return harvest.Malformed("message delete without id", nil)
		}
		a.EmitRemovals(ctx, msgid.New(msgid.VK, id.String()))
	}
	return nil
}

func (a *Adapter) convert(cm chatMessage) (message.ChatMessage, error) {
	m := a.NewMessage(msgid.New(msgid.VK, cm.ID.String()))
	if cm.CreatedAt > 0 {
		m.SentAt = cm.CreatedAt * 1000
	}
	m.Username = cm.Author.DisplayName
	if m.Username == "" {
		m.Username = cm.Author.Nick
	}
	if cm.Author.AvatarURL != "" {
		m.Avatar = cm.Author.AvatarURL
	}

	var text strings.Builder
	for _, b := range cm.Data {
		switch b.Type {
		case "text", "link":
			s, err := decodeContent(b.Content)
			if err != nil {
				return message.ChatMessage{}, harvest.Malformed("text block", err)
			}
			if s == "" {
				s = b.URL
			}
			text.WriteString(s)
		case "smile":
			marker := ":" + b.Name + ":"
			url := b.SmallURL
			if url == "" {
				url = b.MediumURL
			}
			text.WriteString(marker)
			m.Emojis = append(m.Emojis, message.Emoji{Marker: marker, URL: url, Alt: b.Name})
		case "mention":
			name := b.DisplayName
			if name == "" {
				name = b.Nick
			}
			text.WriteString("@" + name)
		}
	}
	m.Message = strings.TrimSpace(text.String())

	a.applyRoles(&m, cm.Author)
	return m, nil
}

// decodeContent unpacks a text block, whose content is itself a JSON array
// of [text, style, ranges].
func decodeContent(content string) (string, error) {
	if content == "" {
		return "", nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(content), &parts); err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(parts[0], &s); err != nil {
		return "", err
	}
	return s, nil
}

func (a *Adapter) applyRoles(m *message.ChatMessage, au author) {
	m.IsOwner = au.IsOwner
	m.IsMod = au.IsChannelModerator || au.IsChatModerator
	m.IsVerified = au.IsVerifiedStreamer
	for _, r := range au.Roles {
		switch strings.ToLower(r.Name) {
		case "owner", "streamer":
			m.IsOwner = true
		case "moderator":
			m.IsMod = true
		case "subscriber", "sponsor":
			m.IsSub = true
		}
	}
	for _, b := range au.Badges {
		if b.Achievement.Type == "subscription" || strings.Contains(strings.ToLower(b.Name), "sub") {
			m.IsSub = true
		}
	}
}

// pong answers the server's empty ping frame.
func (a *Adapter) pong() {
	a.mu.Lock()
	socket := a.socket
	a.mu.Unlock()
	if socket == nil {
		return
	}
	if err := socket.Send([]byte("{}")); err != nil {
		a.Logger().Debug("centrifugo pong failed", slog.Any("err", err))
	}
}
