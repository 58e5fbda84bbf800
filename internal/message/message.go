// Package message holds the canonical event shapes every platform adapter
// produces and every consumer receives.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// DefaultAvatar is a transparent 1x1 gif used when a platform gives no avatar.
const DefaultAvatar = "data:image/gif;base64,R0lGODlhAQABAAAAACH5BAEKAAEALAAAAAABAAEAAAICTAEAOw=="

// futureSkew is how far ahead of the local clock a platform timestamp may be
// before it is considered implausible.
const futureSkew = 60 * time.Second

var (
	ErrMissingID       = errors.New("message: missing id")
	ErrMissingPlatform = errors.New("message: missing platform")
	ErrNegativeAmount  = errors.New("message: negative amount")
	ErrBadCurrency     = errors.New("message: invalid currency")
)

// Emoji is one (marker, image-url, alt-text) triple. It is encoded as a
// three element JSON array to match the relay's wire format.
type Emoji struct {
	Marker string
	URL    string
	Alt    string
}

func (e Emoji) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{e.Marker, e.URL, e.Alt})
}

func (e *Emoji) UnmarshalJSON(data []byte) error {
	var triple []string
	if err := json.Unmarshal(data, &triple); err != nil {
		return fmt.Errorf("decode emoji: %w", err)
	}
	if len(triple) != 3 {
		return fmt.Errorf("decode emoji: expected 3 fields, got %d", len(triple))
	}
	e.Marker, e.URL, e.Alt = triple[0], triple[1], triple[2]
	return nil
}

// ChatMessage is one normalized chat or monetary event.
type ChatMessage struct {
	ID            uuid.UUID `json:"id"`
	Platform      string    `json:"platform"`
	Channel       string    `json:"channel,omitempty"`
	SentAt        int64     `json:"sent_at"`     // Origin timestamp, ms since epoch
	ReceivedAt    int64     `json:"received_at"` // Local observation timestamp, ms since epoch
	IsPlaceholder bool      `json:"is_placeholder"`

	Message string  `json:"message"`
	Emojis  []Emoji `json:"emojis"`

	Username string `json:"username"`
	Avatar   string `json:"avatar"`

	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	IsVerified bool `json:"is_verified"`
	IsSub      bool `json:"is_sub"`
	IsMod      bool `json:"is_mod"`
	IsOwner    bool `json:"is_owner"`
	IsStaff    bool `json:"is_staff"`
}

// New returns a message for platform/channel observed at now, with the
// non-monetary defaults filled in.
func New(id uuid.UUID, platform, channel string, now time.Time) ChatMessage {
	ms := now.UnixMilli()
	return ChatMessage{
		ID:         id,
		Platform:   platform,
		Channel:    channel,
		SentAt:     ms,
		ReceivedAt: ms,
		Emojis:     []Emoji{},
		Avatar:     DefaultAvatar,
	}
}

// IsPremium reports whether the message carries money.
func (m ChatMessage) IsPremium() bool {
	return m.Amount > 0
}

// CorrectSentAt replaces an origin timestamp that lies implausibly far in the
// future (or is missing) with the local observation time.
func (m *ChatMessage) CorrectSentAt() {
	if m.SentAt <= 0 || m.SentAt > m.ReceivedAt+futureSkew.Milliseconds() {
		m.SentAt = m.ReceivedAt
	}
}

// Validate checks the invariants a message must hold before it leaves an adapter.
func (m ChatMessage) Validate() error {
	if m.ID == uuid.Nil {
		return ErrMissingID
	}
	if m.Platform == "" {
		return ErrMissingPlatform
	}
	if m.Amount < 0 {
		return ErrNegativeAmount
	}
	if m.Amount > 0 && !validCurrency(m.Currency) {
		return fmt.Errorf("%w: %q", ErrBadCurrency, m.Currency)
	}
	return nil
}

// validCurrency accepts three letter codes and upper-case platform tokens
// such as KICKS or BITS.
func validCurrency(c string) bool {
	if len(c) < 3 {
		return false
	}
	for _, r := range c {
		if !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

// PaidTier buckets a premium amount the way YouTube colours Super Chats,
// rounded down slightly so people get what they pay for.
func (m ChatMessage) PaidTier() int {
	switch {
	case m.Amount >= 99:
		return 100
	case m.Amount >= 49:
		return 50
	case m.Amount >= 19:
		return 20
	case m.Amount >= 9:
		return 10
	case m.Amount >= 4.75:
		return 5
	case m.Amount >= 1.9:
		return 2
	default:
		return 1
	}
}

// BadgeClasses returns the renderer class list for the role flags.
func (m ChatMessage) BadgeClasses() string {
	var badges []string
	if m.IsVerified {
		badges = append(badges, "verified")
	}
	if m.IsSub {
		badges = append(badges, "sub")
	}
	if m.IsMod {
		badges = append(badges, "mod")
	}
	if m.IsOwner {
		badges = append(badges, "owner")
	}
	if m.IsStaff {
		badges = append(badges, "staff")
	}
	if len(badges) == 0 {
		return ""
	}
	return "msg--b-" + strings.Join(badges, " msg--b-")
}

// ReadableAmount formats the premium amount, e.g. "5.00 USD".
func (m ChatMessage) ReadableAmount() string {
	if !m.IsPremium() {
		return ""
	}
	return strconv.FormatFloat(m.Amount, 'f', 2, 64) + " " + m.Currency
}

// ConsoleLine is the one-line log form of a message.
func (m ChatMessage) ConsoleLine() string {
	if m.IsPremium() {
		return fmt.Sprintf("[%s] [%s %.2f] (%s): %s", m.Platform, m.Currency, m.Amount, m.Username, m.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", m.Platform, m.Username, m.Message)
}
