package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/john/chatnexus/internal/config"
	"github.com/john/chatnexus/internal/harvest"
	"github.com/john/chatnexus/internal/tap"
)

func TestBuildAdaptersOnlyEnabled(t *testing.T) {
	var p config.PlatformsConfig
	p.Kick = config.KickConfig{Enabled: true, Slug: "xqc"}
	p.Twitch = config.TwitchConfig{Enabled: true, Channel: "#Forsen"}
	p.XMRChat = config.XMRChatConfig{Enabled: true, TipPage: "streamer"}

	hub := tap.NewHub(nil)
	var asked []string
	adapters := buildAdapters(p, hub, tap.NewClient(hub, 0), func(platform string) harvest.Options {
		asked = append(asked, platform)
		return harvest.Options{}
	})

	var got []string
	for _, a := range adapters {
		got = append(got, a.Platform())
	}
	assert.Equal(t, []string{"kick", "twitch", "xmrchat"}, got)
	assert.Equal(t, got, asked)
}

func TestNewLogger(t *testing.T) {
	logger := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = newLogger(config.LogConfig{Level: "bogus", Format: "text"})
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}
