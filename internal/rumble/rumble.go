// Package rumble normalizes Rumble chat, which is delivered as a
// Server-Sent Events stream of batched messages and users.
package rumble

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/john/chatnexus/internal/harvest"
	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/msgid"
	"github.com/john/chatnexus/internal/tap"
)

const (
	Platform = "rumble"

	DefaultSiteBase   = "https://rumble.com"
	DefaultStreamBase = "https://web7.rumble.com"
	DefaultViewerBase = "https://wn0.rumble.com"
)

var emojiPattern = regexp.MustCompile(`:[A-Za-z0-9_.+\-]+:`)

// Config selects a Rumble livestream. A non-empty ChatID skips discovery.
type Config struct {
	VideoID        string
	ChatID         string
	SiteBase       string
	StreamBase     string
	ViewerBase     string
	ViewerInterval time.Duration
	Live           bool
}

// Adapter is the Rumble platform adapter.
type Adapter struct {
	*harvest.Base
	cfg    Config
	hub    *tap.Hub
	client *http.Client

	mu     sync.Mutex
	chatID string
	emotes map[string]string // ":name:" -> image URL
}

func New(cfg Config, hub *tap.Hub, client *http.Client, opts harvest.Options) *Adapter {
	if cfg.SiteBase == "" {
		cfg.SiteBase = DefaultSiteBase
	}
	if cfg.StreamBase == "" {
		cfg.StreamBase = DefaultStreamBase
	}
	if cfg.ViewerBase == "" {
		cfg.ViewerBase = DefaultViewerBase
	}
	if cfg.ViewerInterval <= 0 {
		cfg.ViewerInterval = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{
		Base:   harvest.NewBase(Platform, opts),
		cfg:    cfg,
		hub:    hub,
		client: client,
		chatID: cfg.ChatID,
		emotes: make(map[string]string),
	}
}

// Discover maps the video ID to the numeric chat ID through the embed API.
func (a *Adapter) Discover(ctx context.Context) (string, error) {
	a.mu.Lock()
	id := a.chatID
	a.mu.Unlock()

	if id == "" {
		var err error
		id, err = a.resolveChatID(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %v", harvest.ErrIdentityNotFound, err)
		}
		a.mu.Lock()
		a.chatID = id
		a.mu.Unlock()
	}
	a.SetChannel(id)
	return id, nil
}

func (a *Adapter) resolveChatID(ctx context.Context) (string, error) {
	if a.cfg.VideoID == "" {
		return "", fmt.Errorf("no video id configured")
	}
	u := fmt.Sprintf("%s/embedJS/u3/?request=video&v=%s", strings.TrimRight(a.cfg.SiteBase, "/"), a.cfg.VideoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("embed returned status %d", resp.StatusCode)
	}

	var body struct {
		VID json.Number `json:"vid"`
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return "", fmt.Errorf("decode embed: %w", err)
	}
	if body.VID == "" {
		return "", fmt.Errorf("embed has no vid for %q", a.cfg.VideoID)
	}
	return body.VID.String(), nil
}

func (a *Adapter) chat() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatID
}

func (a *Adapter) Match(ev tap.Event) bool {
	switch ev.Kind {
	case tap.KindServerEvent:
		return strings.Contains(ev.URL, "/chat/api/chat/")
	case tap.KindFetchResponse, tap.KindXHRResponse:
		u := ev.ParsedURL()
		if !strings.HasSuffix(u.Path, "service.php") {
			return false
		}
		name := u.Query().Get("name")
		return name == "video.watching-now" || name == "emote.list"
	}
	return false
}

func (a *Adapter) Handle(ctx context.Context, ev tap.Event) error {
	if ev.Kind == tap.KindServerEvent {
		return a.handleStream(ctx, ev.Data)
	}
	switch ev.ParsedURL().Query().Get("name") {
	case "emote.list":
		return a.loadEmotes(ev.Data)
	case "video.watching-now":
		return a.handleViewers(ctx, ev.Data)
	}
	return nil
}

// Run streams chat and polls viewers when Live is set.
func (a *Adapter) Run(ctx context.Context) error {
	if !a.cfg.Live {
		return harvest.Idle(ctx)
	}
	chatID := a.chat()

	if err := a.fetchEmotes(ctx, chatID); err != nil {
		a.Logger().Warn("emote list unavailable", slog.Any("err", err))
	}

	stream := &tap.EventStream{
		URL:    fmt.Sprintf("%s/chat/api/chat/%s/stream", strings.TrimRight(a.cfg.StreamBase, "/"), chatID),
		Hub:    a.hub,
		Logger: a.Logger(),
	}
	poller := &tap.Poller{
		Name:     "rumble-viewers",
		Client:   a.client,
		Interval: a.cfg.ViewerInterval,
		Logger:   a.Logger(),
		Build: func(ctx context.Context) (*http.Request, error) {
			u := fmt.Sprintf("%s/service.php?video_id=%s&name=video.watching-now", strings.TrimRight(a.cfg.ViewerBase, "/"), a.cfg.VideoID)
			return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stream.Run(gctx) })
	if a.cfg.VideoID != "" {
		g.Go(func() error { return poller.Run(gctx) })
	}
	return g.Wait()
}

// fetchEmotes requests the emote table through the tapped client; Handle
// loads it from the observed response.
func (a *Adapter) fetchEmotes(ctx context.Context, chatID string) error {
	p := &tap.Poller{
		Name:   "rumble-emotes",
		Client: a.client,
		Build: func(ctx context.Context) (*http.Request, error) {
			u := fmt.Sprintf("%s/service.php?name=emote.list&chat_id=%s", strings.TrimRight(a.cfg.SiteBase, "/"), chatID)
			return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		},
	}
	return p.Once(ctx)
}

type streamEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type chatBatch struct {
	Messages []chatMessage `json:"messages"`
	Users    []chatUser    `json:"users"`
}

// flexID accepts IDs sent either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type chatMessage struct {
	ID     flexID `json:"id"`
	Time   string `json:"time"`
	UserID flexID `json:"user_id"`
	Text   string `json:"text"`
	Rant   *struct {
		PriceCents int `json:"price_cents"`
	} `json:"rant"`
}

type chatUser struct {
	ID       flexID   `json:"id"`
	Username string   `json:"username"`
	Image    string   `json:"image.1"`
	Badges   []string `json:"badges"`
}

type deletion struct {
	MessageIDs []flexID `json:"message_ids"`
}

func (a *Adapter) handleStream(ctx context.Context, raw []byte) error {
	var ev streamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return harvest.Malformed("stream event", err)
	}

	switch ev.Type {
	case "init", "messages":
		var batch chatBatch
		if err := json.Unmarshal(ev.Data, &batch); err != nil {
			return harvest.Malformed("message batch", err)
		}
		a.emitBatch(ctx, batch)
	case "delete_messages", "delete_non_rant_messages":
		var del deletion
		if err := json.Unmarshal(ev.Data, &del); err != nil {
			return harvest.Malformed("deletion", err)
		}
		ids := make([]string, 0, len(del.MessageIDs))
		for _, n := range del.MessageIDs {
			ids = append(ids, string(n))
		}
		a.removeNative(ctx, ids)
	}
	return nil
}

func (a *Adapter) emitBatch(ctx context.Context, batch chatBatch) {
	users := make(map[flexID]chatUser, len(batch.Users))
	for _, u := range batch.Users {
		users[u.ID] = u
	}

	out := make([]message.ChatMessage, 0, len(batch.Messages))
	authors := make(map[uuid.UUID]string, len(batch.Messages))
	for _, cm := range batch.Messages {
		user, ok := users[cm.UserID]
		if cm.ID == "" || !ok {
			a.Logger().Warn("skipping message without id or user", slog.String("id", string(cm.ID)), slog.String("user_id", string(cm.UserID)))
			continue
		}
		m := a.NewMessage(msgid.New(msgid.Rumble, string(cm.ID)))
		if t, err := time.Parse(time.RFC3339, cm.Time); err == nil {
			m.SentAt = t.UnixMilli()
		}
		m.Username = user.Username
		if user.Image != "" {
			m.Avatar = user.Image
		}
		m.Message = cm.Text
		m.Emojis = a.emojisIn(cm.Text)
		if cm.Rant != nil && cm.Rant.PriceCents > 0 {
			m.Amount = float64(cm.Rant.PriceCents) / 100
			m.Currency = "USD"
		}
		applyBadges(&m, user.Badges)
		out = append(out, m)
		authors[m.ID] = string(user.ID)
	}
	if len(out) == 0 {
		return
	}
	if a.Emit(ctx, out...) > 0 {
		for _, m := range out {
			a.Attribute(authors[m.ID], m.ID)
		}
	}
}

func (a *Adapter) removeNative(ctx context.Context, native []string) {
	if len(native) == 0 {
		return
	}
	ids := make([]uuid.UUID, 0, len(native))
	for _, n := range native {
		ids = append(ids, msgid.New(msgid.Rumble, n))
	}
	a.EmitRemovals(ctx, ids...)
}

func (a *Adapter) emojisIn(text string) []message.Emoji {
	emojis := []message.Emoji{}
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[string]bool)
	for _, marker := range emojiPattern.FindAllString(text, -1) {
		url, ok := a.emotes[marker]
		if !ok || seen[marker] {
			continue
		}
		seen[marker] = true
		emojis = append(emojis, message.Emoji{Marker: marker, URL: url, Alt: marker})
	}
	return emojis
}

type emoteList struct {
	Data struct {
		Items []struct {
			Emotes []struct {
				Name string `json:"name"`
				File string `json:"file"`
			} `json:"emotes"`
		} `json:"items"`
	} `json:"data"`
}

func (a *Adapter) loadEmotes(body []byte) error {
	var list emoteList
	if err := json.Unmarshal(body, &list); err != nil {
		return harvest.Malformed("emote list", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, item := range list.Data.Items {
		for _, e := range item.Emotes {
			if e.Name == "" || e.File == "" {
				continue
			}
			a.emotes[":"+strings.Trim(e.Name, ":")+":"] = e.File
		}
	}
	a.Logger().Debug("loaded emotes", slog.Int("count", len(a.emotes)))
	return nil
}

func (a *Adapter) handleViewers(ctx context.Context, body []byte) error {
	var resp struct {
		Data struct {
			ViewerCount json.Number `json:"viewer_count"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return harvest.Malformed("watching-now", err)
	}
	n, err := strconv.Atoi(resp.Data.ViewerCount.String())
	if err != nil {
		return harvest.Malformed("viewer count", err)
	}
	a.EmitViewers(ctx, n)
	return nil
}

func applyBadges(m *message.ChatMessage, badges []string) {
	for _, b := range badges {
		switch b {
		case "admin":
			m.IsOwner = true
		case "moderator":
			m.IsMod = true
		case "premium", "locals", "locals_supporter", "whale":
			m.IsSub = true
		case "verified":
			m.IsVerified = true
		}
	}
}
