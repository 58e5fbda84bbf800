// Package x normalizes chat from X (Twitter) broadcasts. Frames are JSON
// envelopes whose payload, and the payload's body, are JSON encoded strings.
package x

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/john/chatnexus/internal/harvest"
	"github.com/john/chatnexus/internal/msgid"
	"github.com/john/chatnexus/internal/tap"
)

const Platform = "x"

const (
	kindChat    = 1
	kindControl = 2
	kindAuth    = 3

	controlPresence = 4
)

// Config selects a broadcast. SocketURL and AccessToken are only needed in
// Live mode; they come from the broadcast's accessChatPublic response.
type Config struct {
	BroadcastID string
	SocketURL   string
	AccessToken string
	Live        bool
}

// Adapter is the X platform adapter.
type Adapter struct {
	*harvest.Base
	cfg Config
	hub *tap.Hub
}

func New(cfg Config, hub *tap.Hub, opts harvest.Options) *Adapter {
	return &Adapter{Base: harvest.NewBase(Platform, opts), cfg: cfg, hub: hub}
}

func (a *Adapter) Discover(ctx context.Context) (string, error) {
	if a.cfg.BroadcastID == "" {
		return "", fmt.Errorf("%w: no broadcast id configured", harvest.ErrIdentityNotFound)
	}
	a.SetChannel(a.cfg.BroadcastID)
	return a.cfg.BroadcastID, nil
}

func (a *Adapter) Match(ev tap.Event) bool {
	if ev.Kind != tap.KindSocketMessage {
		return false
	}
	return strings.Contains(ev.URL, "pscp.tv") || (a.cfg.SocketURL != "" && ev.URL == a.cfg.SocketURL)
}

func (a *Adapter) Handle(ctx context.Context, ev tap.Event) error {
	var env envelope
	if err := json.Unmarshal(ev.Data, &env); err != nil {
		return harvest.Malformed("envelope", err)
	}
	switch env.Kind {
	case kindChat:
		return a.handleChat(ctx, env.Payload)
	case kindControl:
		return a.handleControl(ctx, env.Payload)
	}
	return nil
}

// Run joins the chat room when Live is set.
func (a *Adapter) Run(ctx context.Context) error {
	if !a.cfg.Live || a.cfg.SocketURL == "" {
		return harvest.Idle(ctx)
	}
	socket := &tap.WebSocketSource{
		URL:    a.cfg.SocketURL,
		Hub:    a.hub,
		Logger: a.Logger(),
		OnOpen: func(s *tap.WebSocketSource) error {
			frames, err := joinFrames(a.cfg.AccessToken, a.cfg.BroadcastID)
			if err != nil {
				return err
			}
			for _, f := range frames {
				if err := s.Send(f); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return socket.Run(ctx)
}

type envelope struct {
	Kind    int    `json:"kind"`
	Payload string `json:"payload"`
}

type chatPayload struct {
	Room   string `json:"room"`
	Body   string `json:"body"`
	Sender struct {
		UserID          string `json:"user_id"`
		Username        string `json:"username"`
		DisplayName     string `json:"display_name"`
		ProfileImageURL string `json:"profile_image_url"`
		Verified        bool   `json:"verified"`
	} `json:"sender"`
}

type chatBody struct {
	Type            int    `json:"type"`
	Body            string `json:"body"`
	UUID            string `json:"uuid"`
	Username        string `json:"username"`
	DisplayName     string `json:"displayName"`
	ProfileImageURL string `json:"profile_image_url"`
	Timestamp       int64  `json:"timestamp"`
	UserID          string `json:"user_id"`
}

type controlPayload struct {
	Kind int    `json:"kind"`
	Body string `json:"body"`
}

type presence struct {
	Room              string `json:"room"`
	Occupancy         int    `json:"occupancy"`
	TotalParticipants int    `json:"total_participants"`
}

func (a *Adapter) handleChat(ctx context.Context, raw string) error {
	var p chatPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return harvest.Malformed("chat payload", err)
	}
	if p.Room != "" && a.cfg.BroadcastID != "" && p.Room != a.cfg.BroadcastID {
		return nil
	}
	var b chatBody
	if err := json.Unmarshal([]byte(p.Body), &b); err != nil {
		return harvest.Malformed("chat body", err)
	}
	// Only type 1 bodies are chat text; hearts and joins use other types.
	if b.Type != 0 && b.Type != 1 {
		return nil
	}
	if b.UUID == "" {
		return harvest.Malformed("chat body without uuid", nil)
	}

	m := a.NewMessage(msgid.New(msgid.X, b.UUID))
	if b.Timestamp > 0 {
		m.SentAt = normalizeTimestamp(b.Timestamp)
	}
	m.Username = firstNonEmpty(b.DisplayName, p.Sender.DisplayName, b.Username, p.Sender.Username)
	if avatar := firstNonEmpty(b.ProfileImageURL, p.Sender.ProfileImageURL); avatar != "" {
		m.Avatar = avatar
	}
	m.Message = b.Body
	m.IsVerified = p.Sender.Verified
	if a.Emit(ctx, m) > 0 {
		a.Attribute(firstNonEmpty(b.UserID, p.Sender.UserID), m.ID)
	}
	return nil
}

func (a *Adapter) handleControl(ctx context.Context, raw string) error {
	var c controlPayload
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return harvest.Malformed("control payload", err)
	}
	if c.Kind != controlPresence {
		return nil
	}
	var p presence
	if err := json.Unmarshal([]byte(c.Body), &p); err != nil {
		return harvest.Malformed("presence", err)
	}
	a.EmitViewers(ctx, p.Occupancy)
	return nil
}

// joinFrames authenticates and joins room.
func joinFrames(token, room string) ([][]byte, error) {
	auth, err := json.Marshal(map[string]string{"access_token": token})
	if err != nil {
		return nil, err
	}
	joinBody, err := json.Marshal(map[string]string{"room": room})
	if err != nil {
		return nil, err
	}
	join, err := json.Marshal(map[string]any{"body": string(joinBody), "kind": 1})
	if err != nil {
		return nil, err
	}

	var frames [][]byte
	for _, env := range []envelope{{Kind: kindAuth, Payload: string(auth)}, {Kind: kindControl, Payload: string(join)}} {
		f, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// normalizeTimestamp accepts seconds, milliseconds or nanoseconds.
func normalizeTimestamp(ts int64) int64 {
	switch {
	case ts > 1e17:
		return ts / 1e6
	case ts < 1e11:
		return ts * 1000
	}
	return ts
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
