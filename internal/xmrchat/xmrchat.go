// Package xmrchat turns XMRChat tip submissions into paid chat messages. The
// site pushes nothing back, so the adapter reads the tip form as the page sends
// it and has no native IDs, removals or viewer counts.
package xmrchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/john/chatnexus/internal/harvest"
	"github.com/john/chatnexus/internal/msgid"
	"github.com/john/chatnexus/internal/tap"
)

const (
	Platform = "xmrchat"
	Currency = "XMR"

	DefaultHost = "xmrchat.com"
)

type Config struct {
	// TipPage is the streamer's page name, the last segment of the tip URL.
	TipPage string
	Host    string
}

type Adapter struct {
	*harvest.Base
	cfg Config
}

func New(cfg Config, opts harvest.Options) *Adapter {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	return &Adapter{Base: harvest.NewBase(Platform, opts), cfg: cfg}
}

func (a *Adapter) Discover(ctx context.Context) (string, error) {
	if a.cfg.TipPage == "" {
		return "", fmt.Errorf("%w: no tip page configured", harvest.ErrIdentityNotFound)
	}
	a.SetChannel(a.cfg.TipPage)
	return a.cfg.TipPage, nil
}

// Match accepts outgoing requests to the configured tip page.
func (a *Adapter) Match(ev tap.Event) bool {
	if ev.Kind != tap.KindRequest {
		return false
	}
	u := ev.ParsedURL()
	if u == nil || !strings.HasSuffix(u.Hostname(), a.cfg.Host) {
		return false
	}
	return strings.Contains(u.Path, "/tip") || strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/"+a.cfg.TipPage)
}

type tip struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Amount  string `json:"amount"`
	Private bool   `json:"private"`
}

func (a *Adapter) Handle(ctx context.Context, ev tap.Event) error {
	t, err := decodeTip(ev.Data)
	if err != nil {
		return err
	}
	amount, err := strconv.ParseFloat(strings.TrimSpace(t.Amount), 64)
	if err != nil || amount <= 0 {
		return harvest.Malformed("tip amount", err)
	}
	username := strings.TrimSpace(t.Name)
	if username == "" || t.Private {
		username = "Anonymous"
	}

	sentAt := a.Now()
	if !ev.At.IsZero() {
		sentAt = ev.At
	}
	ms := sentAt.UnixMilli()
	id := msgid.Synthesize(msgid.XMRChat, strconv.FormatInt(ms, 10), username, t.Amount, t.Message)

	m := a.NewMessage(id)
	m.SentAt = ms
	m.Username = username
	m.Message = strings.TrimSpace(t.Message)
	m.Amount = amount
	m.Currency = Currency
	a.Emit(ctx, m)
	return nil
}

// Run has nothing to drive; submissions only arrive through the tap.
func (a *Adapter) Run(ctx context.Context) error { return harvest.Idle(ctx) }

// decodeTip reads the tip form as either JSON or url-encoded fields.
func decodeTip(data []byte) (tip, error) {
	body := strings.TrimSpace(string(data))
	if body == "" {
		return tip{}, harvest.Malformed("empty tip", nil)
	}
	if body[0] == '{' {
		var raw struct {
			tip
			Amount json.Number `json:"amount"`
		}
		if err := json.Unmarshal([]byte(body), &raw); err != nil {
			return tip{}, harvest.Malformed("tip json", err)
		}
		t := raw.tip
		t.Amount = raw.Amount.String()
		return t, nil
	}
	values, err := url.ParseQuery(body)
	if err != nil {
		return tip{}, harvest.Malformed("tip form", err)
	}
	private, _ := strconv.ParseBool(values.Get("private"))
	return tip{
		Name:    values.Get("name"),
		Message: values.Get("message"),
		Amount:  values.Get("amount"),
		Private: private,
	}, nil
}

var _ harvest.Adapter = (*Adapter)(nil)
