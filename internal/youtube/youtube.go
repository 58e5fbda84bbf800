// Package youtube normalizes YouTube live chat from the innertube
// get_live_chat endpoint, which is polled with a rolling continuation token.
package youtube

import (
	"bytes"
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

	"golang.org/x/sync/errgroup"

	"github.com/john/chatnexus/internal/currency"
	"github.com/john/chatnexus/internal/harvest"
	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/msgid"
	"github.com/john/chatnexus/internal/tap"
)

const (
	Platform = "youtube"

	DefaultBase          = "https://www.youtube.com"
	defaultClientVersion = "2.20250128.01.00"

	pathLiveChat = "/youtubei/v1/live_chat/get_live_chat"
	pathMetadata = "/youtubei/v1/updated_metadata"
)

var (
	continuationPattern = regexp.MustCompile(`"continuation":"([^"]+)"`)
	apiKeyPattern       = regexp.MustCompile(`"INNERTUBE_API_KEY":"([^"]+)"`)
	clientVersionRe     = regexp.MustCompile(`"INNERTUBE_CLIENT_VERSION":"([^"]+)"`)
	digits              = regexp.MustCompile(`\d`)
)

// Config selects a YouTube livestream by video ID.
type Config struct {
	VideoID        string
	Base           string
	PollInterval   time.Duration
	ViewerInterval time.Duration
	Live           bool
}

// Adapter is the YouTube platform adapter.
type Adapter struct {
	*harvest.Base
	cfg    Config
	client *http.Client

	mu            sync.Mutex
	continuation  string
	apiKey        string
	clientVersion string
}

func New(cfg Config, client *http.Client, opts harvest.Options) *Adapter {
	if cfg.Base == "" {
		cfg.Base = DefaultBase
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	if cfg.ViewerInterval <= 0 {
		cfg.ViewerInterval = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{
		Base:          harvest.NewBase(Platform, opts),
		cfg:           cfg,
		client:        client,
		clientVersion: defaultClientVersion,
	}
}

// Discover scrapes the first continuation token from the live_chat page.
func (a *Adapter) Discover(ctx context.Context) (string, error) {
	if a.cfg.VideoID == "" {
		return "", fmt.Errorf("%w: no video id configured", harvest.ErrIdentityNotFound)
	}
	page, err := a.fetchPage(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", harvest.ErrIdentityNotFound, err)
	}
	m := continuationPattern.FindSubmatch(page)
	if m == nil {
		return "", fmt.Errorf("%w: no continuation in live_chat page for %s", harvest.ErrIdentityNotFound, a.cfg.VideoID)
	}

	a.mu.Lock()
	a.continuation = string(m[1])
	if k := apiKeyPattern.FindSubmatch(page); k != nil {
		a.apiKey = string(k[1])
	}
	if v := clientVersionRe.FindSubmatch(page); v != nil {
		a.clientVersion = string(v[1])
	}
	a.mu.Unlock()

	a.SetChannel(a.cfg.VideoID)
	return a.cfg.VideoID, nil
}

func (a *Adapter) fetchPage(ctx context.Context) ([]byte, error) {
	u := fmt.Sprintf("%s/live_chat?is_popout=1&v=%s", strings.TrimRight(a.cfg.Base, "/"), a.cfg.VideoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("live_chat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("live_chat returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// Continuation returns the token the next poll will use.
func (a *Adapter) Continuation() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.continuation
}

func (a *Adapter) Match(ev tap.Event) bool {
	if !ev.IsResponse() {
		return false
	}
	p := ev.ParsedURL().Path
	return strings.HasPrefix(p, pathLiveChat) || p == pathMetadata
}

func (a *Adapter) Handle(ctx context.Context, ev tap.Event) error {
	if ev.ParsedURL().Path == pathMetadata {
		return a.handleMetadata(ctx, ev.Data)
	}
	return a.handleChat(ctx, ev.Data)
}

// Run polls get_live_chat with the rolling continuation, and
// updated_metadata for the viewer count, when Live is set.
func (a *Adapter) Run(ctx context.Context) error {
	if !a.cfg.Live {
		return harvest.Idle(ctx)
	}
	chat := &tap.Poller{
		Name:     "youtube-chat",
		Client:   a.client,
		Interval: a.cfg.PollInterval,
		Logger:   a.Logger(),
		Build: func(ctx context.Context) (*http.Request, error) {
			return a.innertubeRequest(ctx, pathLiveChat, map[string]any{"continuation": a.Continuation()})
		},
	}
	viewers := &tap.Poller{
		Name:     "youtube-viewers",
		Client:   a.client,
		Interval: a.cfg.ViewerInterval,
		Logger:   a.Logger(),
		Build: func(ctx context.Context) (*http.Request, error) {
			return a.innertubeRequest(ctx, pathMetadata, map[string]any{"videoId": a.cfg.VideoID})
		},
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return chat.Run(gctx) })
	g.Go(func() error { return viewers.Run(gctx) })
	return g.Wait()
}

func (a *Adapter) innertubeRequest(ctx context.Context, path string, fields map[string]any) (*http.Request, error) {
	a.mu.Lock()
	key, version := a.apiKey, a.clientVersion
	a.mu.Unlock()

	fields["context"] = map[string]any{
		"client": map[string]string{"clientName": "WEB", "clientVersion": version},
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	u := strings.TrimRight(a.cfg.Base, "/") + path + "?prettyPrint=false"
	if key != "" {
		u += "&key=" + key
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (a *Adapter) handleChat(ctx context.Context, body []byte) error {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return harvest.Malformed("live chat response", err)
	}
	chat := resp.ContinuationContents.LiveChatContinuation
	for _, c := range chat.Continuations {
		if tok := c.token(); tok != "" {
			a.mu.Lock()
			a.continuation = tok
			a.mu.Unlock()
			break
		}
	}

	e := &emission{a: a, ctx: ctx}
	e.actions(chat.Actions)
	e.flush()
	return nil
}

// emission batches consecutive messages and flushes before any removal so
// sinks see actions in their original order.
type emission struct {
	a       *Adapter
	ctx     context.Context
	pending []message.ChatMessage
	authors []string
}

func (e *emission) actions(actions []action) {
	for _, act := range actions {
		switch {
		case act.AddChatItemAction != nil:
			e.item(act.AddChatItemAction.Item)
		case act.ReplaceChatItemAction != nil:
			e.item(act.ReplaceChatItemAction.ReplacementItem)
		case act.MarkChatItemAsDeletedAction != nil:
			e.flush()
			e.a.EmitRemovals(e.ctx, msgid.New(msgid.YouTube, act.MarkChatItemAsDeletedAction.TargetItemID))
		case act.MarkChatItemsByAuthorAsDeletedAction != nil:
			e.flush()
			e.a.RemoveAuthor(e.ctx, act.MarkChatItemsByAuthorAsDeletedAction.ExternalChannelID)
		case act.ReplayChatItemAction != nil:
			e.actions(act.ReplayChatItemAction.Actions)
		}
	}
}

func (e *emission) item(it chatItem) {
	m, author, ok := e.a.convert(it)
	if !ok {
		return
	}
	e.pending = append(e.pending, m)
	e.authors = append(e.authors, author)
}

func (e *emission) flush() {
	if len(e.pending) == 0 {
		return
	}
	e.a.Emit(e.ctx, e.pending...)
	for i, m := range e.pending {
		e.a.Attribute(e.authors[i], m.ID)
	}
	e.pending, e.authors = nil, nil
}

func (a *Adapter) convert(it chatItem) (message.ChatMessage, string, bool) {
	switch {
	case it.Text != nil:
		m := a.fromRenderer(it.Text)
		m.Message, m.Emojis = it.Text.Message.render()
		return m, it.Text.AuthorExternalChannelID, true

	case it.Paid != nil:
		m := a.fromRenderer(it.Paid)
		m.Message, m.Emojis = it.Paid.Message.render()
		a.applyAmount(&m, it.Paid.PurchaseAmountText.plain())
		return m, it.Paid.AuthorExternalChannelID, true

	case it.Sticker != nil:
		m := a.fromRenderer(it.Sticker)
		a.applyAmount(&m, it.Sticker.PurchaseAmountText.plain())
		if url := it.Sticker.Sticker.best(); url != "" {
			m.Message = ":sticker:"
			m.Emojis = []message.Emoji{{Marker: ":sticker:", URL: url, Alt: "sticker"}}
		}
		return m, it.Sticker.AuthorExternalChannelID, true

	case it.Membership != nil:
		m := a.fromRenderer(it.Membership)
		m.Message, m.Emojis = it.Membership.Message.render()
		if m.Message == "" {
			m.Message, m.Emojis = it.Membership.HeaderSubtext.render()
		}
		m.IsSub = true
		return m, it.Membership.AuthorExternalChannelID, true

	case it.Gift != nil:
		h := it.Gift.Header.LiveChatSponsorshipsHeaderRenderer
		m := a.NewMessage(msgid.New(msgid.YouTube, it.Gift.ID))
		m.SentAt = usecToMillis(it.Gift.TimestampUsec, m.SentAt)
		m.Username = h.AuthorName.plain()
		if photo := h.AuthorPhoto.best(); photo != "" {
			m.Avatar = photo
		}
		m.Message, m.Emojis = h.PrimaryText.render()
		applyBadges(&m, h.AuthorBadges)
		m.IsSub = true
		return m, it.Gift.AuthorExternalChannelID, true

	case it.Placeholder != nil:
		m := a.NewMessage(msgid.New(msgid.YouTube, it.Placeholder.ID))
		m.SentAt = usecToMillis(it.Placeholder.TimestampUsec, m.SentAt)
		m.IsPlaceholder = true
		return m, "", true
	}
	return message.ChatMessage{}, "", false
}

func (a *Adapter) fromRenderer(r *renderer) message.ChatMessage {
	m := a.NewMessage(msgid.New(msgid.YouTube, r.ID))
	m.SentAt = usecToMillis(r.TimestampUsec, m.SentAt)
	m.Username = r.AuthorName.plain()
	if photo := r.AuthorPhoto.best(); photo != "" {
		m.Avatar = photo
	}
	applyBadges(&m, r.AuthorBadges)
	return m
}

func (a *Adapter) applyAmount(m *message.ChatMessage, s string) {
	code, amount, ok := currency.Parse(s)
	if !ok {
		a.Logger().Warn("unrecognised purchase amount", slog.String("amount", s))
		return
	}
	m.Amount, m.Currency = amount, code
}

func (a *Adapter) handleMetadata(ctx context.Context, body []byte) error {
	var resp metadataResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return harvest.Malformed("updated_metadata", err)
	}
	for _, act := range resp.Actions {
		if act.UpdateViewershipAction == nil {
			continue
		}
		r := act.UpdateViewershipAction.ViewCount.VideoViewCountRenderer
		raw := r.OriginalViewCount
		if raw == "" {
			raw = strings.Join(digits.FindAllString(r.ViewCount.plain(), -1), "")
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return harvest.Malformed("view count", err)
		}
		a.EmitViewers(ctx, n)
		return nil
	}
	return nil
}

func usecToMillis(usec string, fallback int64) int64 {
	v, err := strconv.ParseInt(usec, 10, 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v / 1000
}

func applyBadges(m *message.ChatMessage, badges []badge) {
	for _, b := range badges {
		r := b.LiveChatAuthorBadgeRenderer
		if r.CustomThumbnail != nil {
			m.IsSub = true
			continue
		}
		if r.Icon == nil {
			continue
		}
		switch r.Icon.IconType {
		case "OWNER":
			m.IsOwner = true
		case "MODERATOR":
			m.IsMod = true
		case "VERIFIED", "CHECK_CIRCLE_THICK":
			m.IsVerified = true
		}
	}
}
