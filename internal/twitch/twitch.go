// Package twitch normalizes Twitch chat. Messages come either from a live
// IRC client or from raw IRC lines seen on the page's chat socket; both are
// parsed by go-twitch-irc and converted the same way.
package twitch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gempir/go-twitch-irc/v4"

	"github.com/john/chatnexus/internal/harvest"
	"github.com/john/chatnexus/internal/message"
	"github.com/john/chatnexus/internal/msgid"
	"github.com/john/chatnexus/internal/tap"
)

const (
	Platform = "twitch"

	emoteURL = "https://static-cdn.jtvnw.net/emoticons/v2/%s/default/dark/1.0"

	// usdPerBit is the price of one bit at the smallest bundle.
	usdPerBit = 0.01
)

// Config selects a Twitch channel. Username and OAuth are optional; without
// them the client joins anonymously.
type Config struct {
	Channel  string
	Username string
	OAuth    string
	Live     bool
}

// Adapter is the Twitch platform adapter.
type Adapter struct {
	*harvest.Base
	cfg Config
}

func New(cfg Config, opts harvest.Options) *Adapter {
	cfg.Channel = strings.ToLower(strings.TrimPrefix(cfg.Channel, "#"))
	return &Adapter{Base: harvest.NewBase(Platform, opts), cfg: cfg}
}

// Discover needs no lookup: the channel login is the identity.
func (a *Adapter) Discover(ctx context.Context) (string, error) {
	if a.cfg.Channel == "" {
		return "", fmt.Errorf("%w: no channel configured", harvest.ErrIdentityNotFound)
	}
	a.SetChannel(a.cfg.Channel)
	return a.cfg.Channel, nil
}

func (a *Adapter) Match(ev tap.Event) bool {
	return ev.Kind == tap.KindSocketMessage && strings.Contains(ev.URL, "chat.twitch.tv")
}

// Handle parses every IRC line in a socket frame.
func (a *Adapter) Handle(ctx context.Context, ev tap.Event) error {
	var firstErr error
	for _, line := range strings.Split(string(ev.Data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if err := a.handleLine(ctx, line); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Adapter) handleLine(ctx context.Context, line string) error {
	if !validLine(line) {
		return harvest.Malformed("irc line", fmt.Errorf("unparsable %q", truncate(line, 64)))
	}
	switch msg := twitch.ParseMessage(line).(type) {
	case *twitch.PrivateMessage:
		return a.onPrivate(ctx, *msg)
	case *twitch.UserNoticeMessage:
		return a.onUserNotice(ctx, *msg)
	case *twitch.ClearMessage:
		return a.onClearMessage(ctx, *msg)
	case *twitch.ClearChatMessage:
		return a.onClearChat(ctx, *msg)
	}
	return nil
}

// validLine checks the IRC framing: optional @tags and :prefix, then a
// command made of letters or digits.
func validLine(line string) bool {
	rest := line
	if strings.HasPrefix(rest, "@") {
		_, after, ok := strings.Cut(rest, " ")
		if !ok {
			return false
		}
		rest = after
	}
	if strings.HasPrefix(rest, ":") {
		_, after, ok := strings.Cut(rest, " ")
		if !ok {
			return false
		}
		rest = after
	}
	command, _, _ := strings.Cut(rest, " ")
	if command == "" {
		return false
	}
	for _, r := range command {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// Run connects an IRC client when Live is set.
func (a *Adapter) Run(ctx context.Context) error {
	if !a.cfg.Live {
		return harvest.Idle(ctx)
	}

	var client *twitch.Client
	if a.cfg.Username != "" && a.cfg.OAuth != "" {
		client = twitch.NewClient(a.cfg.Username, a.cfg.OAuth)
	} else {
		client = twitch.NewAnonymousClient()
	}

	guard := func(fn func() error) {
		_ = harvest.Guard(a.Logger(), Platform, fn)
	}
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		guard(func() error { return a.onPrivate(ctx, msg) })
	})
	client.OnUserNoticeMessage(func(msg twitch.UserNoticeMessage) {
		guard(func() error { return a.onUserNotice(ctx, msg) })
	})
	client.OnClearMessage(func(msg twitch.ClearMessage) {
		guard(func() error { return a.onClearMessage(ctx, msg) })
	})
	client.OnClearChatMessage(func(msg twitch.ClearChatMessage) {
		guard(func() error { return a.onClearChat(ctx, msg) })
	})
	client.OnConnect(func() {
		a.Logger().Info("connected to Twitch IRC")
	})
	client.OnReconnectMessage(func(msg twitch.ReconnectMessage) {
		a.Logger().Info("reconnecting to Twitch IRC")
	})

	client.Join(a.cfg.Channel)

	go func() {
		if err := client.Connect(); err != nil && ctx.Err() == nil {
			a.Logger().Error("Twitch IRC connection error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	a.Logger().Info("disconnecting from Twitch IRC")
	_ = client.Disconnect()
	return ctx.Err()
}

func (a *Adapter) ours(channel string) bool {
	return strings.EqualFold(strings.TrimPrefix(channel, "#"), a.cfg.Channel)
}

func (a *Adapter) onPrivate(ctx context.Context, msg twitch.PrivateMessage) error {
	if !a.ours(msg.Channel) {
		return nil
	}
	if msg.ID == "" {
		return harvest.Malformed("PRIVMSG without id tag", nil)
	}
	m := a.NewMessage(msgid.New(msgid.Twitch, msg.ID))
	if !msg.Time.IsZero() {
		m.SentAt = msg.Time.UnixMilli()
	}
	m.Username = displayName(msg.User)
	m.Message = msg.Message
	m.Emojis = emotes(msg.Emotes)
	if msg.Bits > 0 {
		m.Amount = float64(msg.Bits) * usdPerBit
		m.Currency = "USD"
	}
	applyBadges(&m, msg.User.Badges)

	if a.Emit(ctx, m) > 0 {
		a.Attribute(msg.User.ID, m.ID)
	}
	return nil
}

// onUserNotice turns subscription notices into membership messages. Other
// notices (raids, announcements) are ignored.
func (a *Adapter) onUserNotice(ctx context.Context, msg twitch.UserNoticeMessage) error {
	if !a.ours(msg.Channel) {
		return nil
	}
	switch msg.MsgID {
	case "sub", "resub", "subgift", "submysterygift", "anonsubgift", "giftpaidupgrade", "primepaidupgrade":
	default:
		return nil
	}
	if msg.ID == "" {
		return harvest.Malformed("USERNOTICE without id tag", nil)
	}

	m := a.NewMessage(msgid.New(msgid.Twitch, msg.ID))
	if !msg.Time.IsZero() {
		m.SentAt = msg.Time.UnixMilli()
	}
	m.Username = displayName(msg.User)
	m.Message = strings.TrimSpace(msg.SystemMsg + " " + msg.Message)
	m.Emojis = emotes(msg.Emotes)
	applyBadges(&m, msg.User.Badges)
	m.IsSub = true

	if a.Emit(ctx, m) > 0 {
		a.Attribute(msg.User.ID, m.ID)
	}
	return nil
}

func (a *Adapter) onClearMessage(ctx context.Context, msg twitch.ClearMessage) error {
	if !a.ours(msg.Channel) {
		return nil
	}
	if msg.TargetMsgID == "" {
		return harvest.Malformed("CLEARMSG without target-msg-id", nil)
	}
	a.EmitRemovals(ctx, msgid.New(msgid.Twitch, msg.TargetMsgID))
	return nil
}

// onClearChat withdraws a banned or timed out user's messages. A full chat
// clear carries no user and is ignored.
func (a *Adapter) onClearChat(ctx context.Context, msg twitch.ClearChatMessage) error {
	if !a.ours(msg.Channel) || msg.TargetUserID == "" {
		return nil
	}
	a.RemoveAuthor(ctx, msg.TargetUserID)
	return nil
}

func displayName(u twitch.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Name
}

func emotes(list []*twitch.Emote) []message.Emoji {
	out := []message.Emoji{}
	for _, e := range list {
		if e == nil || e.ID == "" {
			continue
		}
		out = append(out, message.Emoji{Marker: e.Name, URL: fmt.Sprintf(emoteURL, e.ID), Alt: e.Name})
	}
	return out
}

func applyBadges(m *message.ChatMessage, badges map[string]int) {
	for name := range badges {
		switch name {
		case "broadcaster":
			m.IsOwner = true
		case "moderator":
			m.IsMod = true
		case "subscriber", "founder":
			m.IsSub = true
		case "partner":
			m.IsVerified = true
		case "staff", "admin", "global_mod":
			m.IsStaff = true
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
