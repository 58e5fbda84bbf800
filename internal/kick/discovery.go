package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultAPIBase is the public Kick site.
const DefaultAPIBase = "https://kick.com"

// ChannelResponse is the subset of /api/v2/channels/<slug> we read.
type ChannelResponse struct {
	ID       int    `json:"id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int `json:"id"`
	} `json:"chatroom"`
	Livestream *struct {
		ViewerCount int  `json:"viewer_count"`
		IsLive      bool `json:"is_live"`
	} `json:"livestream"`
}

// ChannelURL returns the channel API endpoint for slug.
func ChannelURL(apiBase, slug string) string {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return fmt.Sprintf("%s/api/v2/channels/%s", strings.TrimRight(apiBase, "/"), slug)
}

// NewChannelRequest builds a channel lookup carrying browser headers, which
// Kick's CDN requires.
func NewChannelRequest(ctx context.Context, apiBase, slug string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ChannelURL(apiBase, slug), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://kick.com/")
	req.Header.Set("Origin", "https://kick.com")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("sec-ch-ua", `"Chromium";v="143", "Not.A/Brand";v="24", "Google Chrome";v="143"`)
	req.Header.Set("sec-ch-ua-mobile", "?0")
	req.Header.Set("sec-ch-ua-platform", `"Windows"`)
	return req, nil
}

// ResolveChannel fetches channel information for slug from the Kick API.
func ResolveChannel(ctx context.Context, client *http.Client, apiBase, slug string) (*ChannelResponse, error) {
	req, err := NewChannelRequest(ctx, apiBase, slug)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var info ChannelResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("JSON decode failed: %w", err)
	}
	if info.Chatroom.ID == 0 {
		return nil, fmt.Errorf("channel %q has no chatroom", slug)
	}
	return &info, nil
}
