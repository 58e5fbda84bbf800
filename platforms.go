package main

import (
	"net/http"

	"github.com/john/chatnexus/internal/config"
	"github.com/john/chatnexus/internal/harvest"
	"github.com/john/chatnexus/internal/kick"
	"github.com/john/chatnexus/internal/odysee"
	"github.com/john/chatnexus/internal/rumble"
	"github.com/john/chatnexus/internal/tap"
	"github.com/john/chatnexus/internal/twitch"
	"github.com/john/chatnexus/internal/vk"
	"github.com/john/chatnexus/internal/x"
	"github.com/john/chatnexus/internal/xmrchat"
	"github.com/john/chatnexus/internal/youtube"
)

// buildAdapters creates one adapter per enabled platform. client must be a
// tap client so polled responses reach the hub.
func buildAdapters(p config.PlatformsConfig, hub *tap.Hub, client *http.Client, optionsFor func(platform string) harvest.Options) []harvest.Adapter {
	var out []harvest.Adapter

	if p.Kick.Enabled {
		out = append(out, kick.New(kick.Config{
			Slug:           p.Kick.Slug,
			ChatroomID:     p.Kick.ChatroomID,
			APIBase:        p.Kick.APIBase,
			PusherURL:      p.Kick.PusherURL,
			ViewerInterval: p.Kick.ViewerInterval,
			Live:           p.Kick.Live,
		}, hub, client, optionsFor(kick.Platform)))
	}
	if p.Rumble.Enabled {
		out = append(out, rumble.New(rumble.Config{
			VideoID:        p.Rumble.VideoID,
			ChatID:         p.Rumble.ChatID,
			ViewerInterval: p.Rumble.ViewerInterval,
			Live:           p.Rumble.Live,
		}, hub, client, optionsFor(rumble.Platform)))
	}
	if p.Odysee.Enabled {
		out = append(out, odysee.New(odysee.Config{
			StreamURL:      p.Odysee.StreamURL,
			ClaimID:        p.Odysee.ClaimID,
			ChannelClaimID: p.Odysee.ChannelClaimID,
			PollInterval:   p.Odysee.PollInterval,
			ViewerInterval: p.Odysee.ViewerInterval,
			Live:           p.Odysee.Live,
		}, client, optionsFor(odysee.Platform)))
	}
	if p.YouTube.Enabled {
		out = append(out, youtube.New(youtube.Config{
			VideoID:        p.YouTube.VideoID,
			PollInterval:   p.YouTube.PollInterval,
			ViewerInterval: p.YouTube.ViewerInterval,
			Live:           p.YouTube.Live,
		}, client, optionsFor(youtube.Platform)))
	}
	if p.Twitch.Enabled {
		out = append(out, twitch.New(twitch.Config{
			Channel:  p.Twitch.Channel,
			Username: p.Twitch.Username,
			OAuth:    p.Twitch.OAuth,
			Live:     p.Twitch.Live,
		}, optionsFor(twitch.Platform)))
	}
	if p.X.Enabled {
		out = append(out, x.New(x.Config{
			BroadcastID: p.X.BroadcastID,
			SocketURL:   p.X.SocketURL,
			AccessToken: p.X.AccessToken,
			Live:        p.X.Live,
		}, hub, optionsFor(x.Platform)))
	}
	if p.VK.Enabled {
		out = append(out, vk.New(vk.Config{
			ChannelID: p.VK.ChannelID,
			SocketURL: p.VK.SocketURL,
			Token:     p.VK.Token,
			Live:      p.VK.Live,
		}, hub, optionsFor(vk.Platform)))
	}
	if p.XMRChat.Enabled {
		out = append(out, xmrchat.New(xmrchat.Config{
			TipPage: p.XMRChat.TipPage,
			Host:    p.XMRChat.Host,
		}, optionsFor(xmrchat.Platform)))
	}
	return out
}
