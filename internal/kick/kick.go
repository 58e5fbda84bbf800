// Package kick normalizes Kick chat, which arrives as Pusher events over a
// WebSocket, plus viewer counts from the channel API.
package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/john/chatnexus/internal/harvest"
	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/msgid"
	"github.com/john/chatnexus/internal/tap"
)

const (
	Platform = "kick"

	// DefaultPusherURL is the Pusher cluster and app key the Kick site uses.
	DefaultPusherURL = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0-rc2&flash=false"

	emoteURL = "https://files.kick.com/emotes/%s/fullsize"

	eventChatMessage    = `App\Events\ChatMessageEvent`
	eventMessageDeleted = `App\Events\MessageDeletedEvent`
	eventKicksGifted    = "KicksGifted"
	eventPing           = "pusher:ping"
)

var emotePattern = regexp.MustCompile(`\[emote:(\d+):([^\]]*)\]`)

// Config selects a Kick channel. A non-zero ChatroomID skips the API lookup.
type Config struct {
	Slug           string
	ChatroomID     int
	APIBase        string
	PusherURL      string
	ViewerInterval time.Duration
	// Live opens the Pusher socket and viewer poll from this process. When
	// false the adapter only parses forwarded traffic.
	Live bool
}

// Adapter is the Kick platform adapter.
type Adapter struct {
	*harvest.Base
	cfg    Config
	hub    *tap.Hub
	client *http.Client

	mu         sync.Mutex
	chatroomID int
	socket     *tap.WebSocketSource
}

// New creates a Kick adapter. client should be a tap client so viewer polls
// reach Handle.
func New(cfg Config, hub *tap.Hub, client *http.Client, opts harvest.Options) *Adapter {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.PusherURL == "" {
		cfg.PusherURL = DefaultPusherURL
	}
	if cfg.ViewerInterval <= 0 {
		cfg.ViewerInterval = 30 * time.Second
	}
	return &Adapter{
		Base:       harvest.NewBase(Platform, opts),
		cfg:        cfg,
		hub:        hub,
		client:     client,
		chatroomID: cfg.ChatroomID,
	}
}

// Discover resolves the slug to its chatroom ID.
func (a *Adapter) Discover(ctx context.Context) (string, error) {
	a.mu.Lock()
	id := a.chatroomID
	a.mu.Unlock()

	if id == 0 {
		info, err := ResolveChannel(ctx, a.client, a.cfg.APIBase, a.cfg.Slug)
		if err != nil {
			return "", fmt.Errorf("%w: %v", harvest.ErrIdentityNotFound, err)
		}
		a.mu.Lock()
		a.chatroomID = info.Chatroom.ID
		a.mu.Unlock()
		id = info.Chatroom.ID
	}
	a.Logger().Info("resolved chatroom", slog.String("slug", a.cfg.Slug), slog.Int("chatroom_id", id))
	a.SetChannel(a.cfg.Slug)
	return a.cfg.Slug, nil
}

// ChatroomID returns the resolved chatroom, or 0 before discovery.
func (a *Adapter) ChatroomID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatroomID
}

func (a *Adapter) pusherChannel() string {
	return fmt.Sprintf("chatrooms.%d.v2", a.ChatroomID())
}

func (a *Adapter) Match(ev tap.Event) bool {
	switch ev.Kind {
	case tap.KindSocketMessage:
		return strings.Contains(ev.URL, "pusher.com") || ev.URL == a.cfg.PusherURL
	case tap.KindFetchResponse, tap.KindXHRResponse:
		return strings.Contains(ev.ParsedURL().Path, "/api/v2/channels/")
	}
	return false
}

func (a *Adapter) Handle(ctx context.Context, ev tap.Event) error {
	if ev.IsResponse() {
		return a.handleChannelInfo(ctx, ev.Data)
	}
	return a.handleFrame(ctx, ev.Data)
}

// Run connects to Pusher and polls viewers when Live is set.
func (a *Adapter) Run(ctx context.Context) error {
	if !a.cfg.Live {
		return harvest.Idle(ctx)
	}

	socket := &tap.WebSocketSource{
		URL:    a.cfg.PusherURL,
		Hub:    a.hub,
		Logger: a.Logger(),
		OnOpen: func(s *tap.WebSocketSource) error {
			return s.Send(subscribeFrame(a.pusherChannel()))
		},
	}
	a.mu.Lock()
	a.socket = socket
	a.mu.Unlock()

	poller := &tap.Poller{
		Name:     "kick-viewers",
		Client:   a.client,
		Interval: a.cfg.ViewerInterval,
		Logger:   a.Logger(),
		Build: func(ctx context.Context) (*http.Request, error) {
			return NewChannelRequest(ctx, a.cfg.APIBase, a.cfg.Slug)
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return socket.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	return g.Wait()
}

// foreignChannel reports whether a chatroom frame belongs to another room,
// which happens when the page tap forwards every socket.
func (a *Adapter) foreignChannel(ch string) bool {
	id := a.ChatroomID()
	if id == 0 || !strings.HasPrefix(ch, "chatrooms.") {
		return false
	}
	return ch != fmt.Sprintf("chatrooms.%d.v2", id) && ch != fmt.Sprintf("chatrooms.%d", id)
}

func subscribeFrame(channel string) []byte {
	b, _ := json.Marshal(map[string]any{
		"event": "pusher:subscribe",
		"data":  map[string]string{"auth": "", "channel": channel},
	})
	return b
}

type pusherFrame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Channel string          `json:"channel"`
}

// payload unwraps data, which Pusher sends as a JSON-encoded string.
func (f pusherFrame) payload() ([]byte, error) {
	if len(f.Data) > 0 && f.Data[0] == '"' {
		var s string
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
	return f.Data, nil
}

type badge struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Count int    `json:"count"`
}

type sender struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Slug     string `json:"slug"`
	Identity struct {
		Color  string  `json:"color"`
		Badges []badge `json:"badges"`
	} `json:"identity"`
	ProfilePic string `json:"profile_pic"`
}

type chatEvent struct {
	ID         string `json:"id"`
	ChatroomID int    `json:"chatroom_id"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	CreatedAt  string `json:"created_at"`
	Sender     sender `json:"sender"`
}

type deletedEvent struct {
	ID      string `json:"id"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
}

type kicksEvent struct {
	Message           string `json:"message"`
	GiftTransactionID string `json:"gift_transaction_id"`
	Sender            struct {
		ID       int    `json:"id"`
		Username string `json:"username"`
	} `json:"sender"`
	Gift struct {
		GiftID string `json:"gift_id"`
		Name   string `json:"name"`
		Amount int    `json:"amount"`
	} `json:"gift"`
	CreatedAt string `json:"created_at"`
}

func (a *Adapter) handleFrame(ctx context.Context, raw []byte) error {
	var f pusherFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return harvest.Malformed("pusher frame", err)
	}

	switch f.Event {
	case eventPing:
		a.pong()
		return nil
	case eventChatMessage, eventMessageDeleted, eventKicksGifted:
	default:
		return nil
	}

	if a.foreignChannel(f.Channel) {
		return nil
	}

	data, err := f.payload()
	if err != nil {
		return harvest.Malformed("pusher data", err)
	}

	switch f.Event {
	case eventChatMessage:
		var ev chatEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return harvest.Malformed("chat message", err)
		}
		m, err := a.chatMessage(ev)
		if err != nil {
			return err
		}
		if a.Emit(ctx, m) > 0 {
			a.Attribute(strconv.Itoa(ev.Sender.ID), m.ID)
		}
	case eventMessageDeleted:
		var ev deletedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return harvest.Malformed("message deleted", err)
		}
		if ev.Message.ID == "" {
			return harvest.Malformed("message deleted without id", nil)
		}
		a.EmitRemovals(ctx, msgid.New(msgid.Kick, ev.Message.ID))
	case eventKicksGifted:
		var ev kicksEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return harvest.Malformed("kicks gifted", err)
		}
		m, err := a.kicksMessage(ev)
		if err != nil {
			return err
		}
		a.Emit(ctx, m)
	}
	return nil
}

func (a *Adapter) chatMessage(ev chatEvent) (message.ChatMessage, error) {
	if ev.ID == "" || ev.Sender.Username == "" {
		return message.ChatMessage{}, harvest.Malformed("chat message missing id or sender", nil)
	}

	m := a.NewMessage(msgid.New(msgid.Kick, ev.ID))
	if t, err := time.Parse(time.RFC3339, ev.CreatedAt); err == nil {
		m.SentAt = t.UnixMilli()
	}
	m.Username = ev.Sender.Username
	if ev.Sender.ProfilePic != "" {
		m.Avatar = ev.Sender.ProfilePic
	}
	m.Message = ev.Content
	m.Emojis = parseEmotes(ev.Content)
	applyBadges(&m, ev.Sender.Identity.Badges)
	return m, nil
}

func (a *Adapter) kicksMessage(ev kicksEvent) (message.ChatMessage, error) {
	if ev.Gift.Amount <= 0 || ev.Sender.Username == "" {
		return message.ChatMessage{}, harvest.Malformed("kicks gift missing amount or sender", nil)
	}

	id := msgid.New(msgid.Kick, ev.GiftTransactionID)
	if ev.GiftTransactionID == "" {
		id = msgid.Synthesize(msgid.Kick, ev.CreatedAt, ev.Sender.Username, strconv.Itoa(ev.Gift.Amount), ev.Message)
	}
	m := a.NewMessage(id)
	if t, err := time.Parse(time.RFC3339, ev.CreatedAt); err == nil {
		m.SentAt = t.UnixMilli()
	}
	m.Username = ev.Sender.Username
	m.Message = ev.Message
	m.Amount = float64(ev.Gift.Amount)
	m.Currency = "KICKS"
	return m, nil
}

func (a *Adapter) handleChannelInfo(ctx context.Context, body []byte) error {
	var info ChannelResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return harvest.Malformed("channel info", err)
	}
	if info.Slug != "" && !strings.EqualFold(info.Slug, a.cfg.Slug) {
		return nil
	}
	viewers := 0
	if info.Livestream != nil {
		viewers = info.Livestream.ViewerCount
	}
	a.EmitViewers(ctx, viewers)
	return nil
}

func (a *Adapter) pong() {
	a.mu.Lock()
	socket := a.socket
	a.mu.Unlock()
	if socket == nil {
		return
	}
	if err := socket.Send([]byte(`{"event":"pusher:pong","data":{}}`)); err != nil {
		a.Logger().Debug("pusher pong failed", slog.Any("err", err))
	}
}

func parseEmotes(content string) []message.Emoji {
	emojis := []message.Emoji{}
	for _, m := range emotePattern.FindAllStringSubmatch(content, -1) {
		emojis = append(emojis, message.Emoji{
			Marker: m[0],
			URL:    fmt.Sprintf(emoteURL, m[1]),
			Alt:    m[2],
		})
	}
	return emojis
}

func applyBadges(m *message.ChatMessage, badges []badge) {
	for _, b := range badges {
		switch b.Type {
		case "broadcaster":
			m.IsOwner = true
		case "moderator":
			m.IsMod = true
		case "subscriber", "founder", "og":
			m.IsSub = true
		case "verified":
			m.IsVerified = true
		case "staff":
			m.IsStaff = true
		}
	}
}
