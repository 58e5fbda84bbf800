// Package odysee normalizes comments from the Odysee comment API, a JSON-RPC
// service polled over HTTP.
package odysee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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
	Platform = "odysee"

	DefaultCommentsBase = "https://comments.odysee.tv"
	DefaultProxyBase    = "https://api.na-backend.odysee.com"
	DefaultLiveBase     = "https://api.odysee.live"

	methodList    = "comment.List"
	methodCreate  = "comment.Create"
	methodAbandon = "comment.Abandon"
	methodIsLive  = "livestream.is_live"
)

// Config selects an Odysee livestream. StreamURL is an lbry:// or odysee.com
// URL; ClaimID and ChannelClaimID skip the resolve call when both are set.
type Config struct {
	StreamURL      string
	ClaimID        string
	ChannelClaimID string
	CommentsBase   string
	ProxyBase      string
	LiveBase       string
	PollInterval   time.Duration
	ViewerInterval time.Duration
	Live           bool
}

// Adapter is the Odysee platform adapter.
type Adapter struct {
	*harvest.Base
	cfg    Config
	client *http.Client

	mu             sync.Mutex
	claimID        string
	channelClaimID string
}

func New(cfg Config, client *http.Client, opts harvest.Options) *Adapter {
	if cfg.CommentsBase == "" {
		cfg.CommentsBase = DefaultCommentsBase
	}
	if cfg.ProxyBase == "" {
		cfg.ProxyBase = DefaultProxyBase
	}
	if cfg.LiveBase == "" {
		cfg.LiveBase = DefaultLiveBase
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ViewerInterval <= 0 {
		cfg.ViewerInterval = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{
		Base:           harvest.NewBase(Platform, opts),
		cfg:            cfg,
		client:         client,
		claimID:        cfg.ClaimID,
		channelClaimID: cfg.ChannelClaimID,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type resolved struct {
	ClaimID        string `json:"claim_id"`
	SigningChannel struct {
		ClaimID string `json:"claim_id"`
	} `json:"signing_channel"`
}

// Discover resolves the stream URL to its claim ID.
func (a *Adapter) Discover(ctx context.Context) (string, error) {
	a.mu.Lock()
	claim := a.claimID
	a.mu.Unlock()

	if claim == "" {
		res, err := a.resolve(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %v", harvest.ErrIdentityNotFound, err)
		}
		a.mu.Lock()
		a.claimID = res.ClaimID
		if a.channelClaimID == "" {
			a.channelClaimID = res.SigningChannel.ClaimID
		}
		a.mu.Unlock()
		claim = res.ClaimID
	}
	a.SetChannel(claim)
	return claim, nil
}

func (a *Adapter) resolve(ctx context.Context) (*resolved, error) {
	lbryURL := ToLBRY(a.cfg.StreamURL)
	if lbryURL == "" {
		return nil, fmt.Errorf("no stream url configured")
	}
	body, err := a.call(ctx, a.cfg.ProxyBase+"/api/v1/proxy?m=resolve", "resolve", map[string]any{"urls": []string{lbryURL}})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result map[string]resolved `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode resolve: %w", err)
	}
	res, ok := resp.Result[lbryURL]
	if !ok || res.ClaimID == "" {
		return nil, fmt.Errorf("resolve returned no claim for %s", lbryURL)
	}
	return &res, nil
}

// ToLBRY converts an odysee.com URL to its lbry:// form. lbry:// URLs are
// returned unchanged.
func ToLBRY(u string) string {
	u = strings.TrimSpace(u)
	switch {
	case u == "":
		return ""
	case strings.HasPrefix(u, "lbry://"):
		return u
	}
	for _, prefix := range []string{"https://odysee.com/", "http://odysee.com/", "odysee.com/"} {
		if strings.HasPrefix(u, prefix) {
			path := strings.TrimPrefix(u, prefix)
			if i := strings.Index(path, "?"); i >= 0 {
				path = path[:i]
			}
			// odysee.com uses ':' where lbry:// uses '#'.
			return "lbry://" + strings.ReplaceAll(path, ":", "#")
		}
	}
	return "lbry://" + u
}

func (a *Adapter) call(ctx context.Context, url, method string, params any) ([]byte, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", method, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

func (a *Adapter) ids() (claim, channel string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.claimID, a.channelClaimID
}

func (a *Adapter) Match(ev tap.Event) bool {
	if !ev.IsResponse() {
		return false
	}
	u := ev.ParsedURL()
	if strings.Contains(u.Host, "comments.odysee") || (strings.HasPrefix(u.Path, "/api/v2") && u.Query().Has("m")) {
		return true
	}
	return strings.Contains(u.Path, "is_live")
}

func (a *Adapter) Handle(ctx context.Context, ev tap.Event) error {
	u := ev.ParsedURL()
	method := u.Query().Get("m")
	if method == "" && strings.Contains(u.Path, "is_live") {
		method = methodIsLive
	}
	return a.handleResponse(ctx, method, ev.Data)
}

// Run polls comment.List and is_live when Live is set.
func (a *Adapter) Run(ctx context.Context) error {
	if !a.cfg.Live {
		return harvest.Idle(ctx)
	}
	claim, channel := a.ids()

	comments := &tap.Poller{
		Name:     "odysee-comments",
		Client:   a.client,
		Interval: a.cfg.PollInterval,
		Logger:   a.Logger(),
		Build: func(ctx context.Context) (*http.Request, error) {
			payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: methodList, Params: map[string]any{
				"claim_id":  claim,
				"page":      1,
				"page_size": 50,
				"sort_by":   0,
			}})
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.CommentsBase+"/api/v2?m="+methodList, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
	}
	viewers := &tap.Poller{
		Name:     "odysee-viewers",
		Client:   a.client,
		Interval: a.cfg.ViewerInterval,
		Logger:   a.Logger(),
		Build: func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.LiveBase+"/livestream/is_live?channel_claim_id="+channel, nil)
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return comments.Run(gctx) })
	if channel != "" {
		g.Go(func() error { return viewers.Run(gctx) })
	}
	return g.Wait()
}

// Comment is one entry of the comment API.
type Comment struct {
	CommentID     string  `json:"comment_id"`
	ClaimID       string  `json:"claim_id"`
	Comment       string  `json:"comment"`
	ChannelName   string  `json:"channel_name"`
	ChannelID     string  `json:"channel_id"`
	Timestamp     int64   `json:"timestamp"`
	SupportAmount float64 `json:"support_amount"`
	IsFiat        bool    `json:"is_fiat"`
	IsModerator   bool    `json:"is_moderator"`
	IsCreator     bool    `json:"is_creator"`
	IsPinned      bool    `json:"is_pinned"`
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Data   json.RawMessage `json:"data"`
	Error  json.RawMessage `json:"error"`
}

// shape holds every field the sniffing path looks at.
type shape struct {
	Items       []Comment `json:"items"`
	CommentID   string    `json:"comment_id"`
	Comment     *string   `json:"comment"`
	Abandoned   *bool     `json:"abandoned"`
	ViewerCount *int      `json:"ViewerCount"`
	Live        *bool     `json:"Live"`
}

func (a *Adapter) handleResponse(ctx context.Context, method string, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return harvest.Malformed("rpc response", err)
	}
	payload := env.Result
	if len(payload) == 0 || string(payload) == "null" {
		payload = env.Data
	}
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}

	var s shape
	if err := json.Unmarshal(payload, &s); err != nil {
		return harvest.Malformed("rpc result", err)
	}
	if method == "" {
		method = sniff(s)
	}

	switch method {
	case methodList:
		a.emitComments(ctx, s.Items)
	case methodCreate:
		var c Comment
		if err := json.Unmarshal(payload, &c); err != nil {
			return harvest.Malformed("created comment", err)
		}
		a.emitComments(ctx, []Comment{c})
	case methodAbandon:
		if s.CommentID == "" {
			return harvest.Malformed("abandon without comment_id", nil)
		}
		if s.Abandoned == nil || *s.Abandoned {
			a.EmitRemovals(ctx, msgid.New(msgid.Odysee, s.CommentID))
		}
	case methodIsLive:
		if s.ViewerCount == nil {
			return harvest.Malformed("is_live without ViewerCount", nil)
		}
		n := *s.ViewerCount
		if s.Live != nil && !*s.Live {
			n = 0
		}
		a.EmitViewers(ctx, n)
	}
	return nil
}

// sniff infers the RPC method from the result shape when the URL does not
// name it.
func sniff(s shape) string {
	switch {
	case s.Items != nil:
		return methodList
	case s.Abandoned != nil:
		return methodAbandon
	case s.CommentID != "" && s.Comment != nil:
		return methodCreate
	case s.ViewerCount != nil:
		return methodIsLive
	}
	return ""
}

func (a *Adapter) emitComments(ctx context.Context, comments []Comment) {
	claim, channelClaim := a.ids()
	out := make([]message.ChatMessage, 0, len(comments))
	authors := make([]string, 0, len(comments))
	// The list endpoint returns newest first.
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		if c.CommentID == "" {
			continue
		}
		if claim != "" && c.ClaimID != "" && c.ClaimID != claim {
			continue
		}
		m := a.NewMessage(msgid.New(msgid.Odysee, c.CommentID))
		if c.Timestamp > 0 {
			m.SentAt = c.Timestamp * 1000
		}
		m.Username = strings.TrimPrefix(c.ChannelName, "@")
		if m.Username == "" {
			m.Username = "Anonymous"
		}
		m.Message = c.Comment
		if c.SupportAmount > 0 {
			m.Amount = c.SupportAmount
			m.Currency = "LBC"
			if c.IsFiat {
				m.Currency = "USD"
			}
		}
		m.IsMod = c.IsModerator
		m.IsOwner = c.IsCreator || (channelClaim != "" && c.ChannelID == channelClaim)
		out = append(out, m)
		authors = append(authors, c.ChannelID)
	}
	if len(out) == 0 {
		return
	}
	a.Emit(ctx, out...)
	for i, m := range out {
		a.Attribute(authors[i], m.ID)
	}
}
