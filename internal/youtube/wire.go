package youtube

import (
	"strings"

	"github.com/john/chatnexus/internal/message"
)

// Innertube live chat JSON. Every renderer is an optional member of a union;
// exactly one is present per item.

type chatResponse struct {
	ContinuationContents struct {
		LiveChatContinuation struct {
			Continuations []continuation `json:"continuations"`
			Actions       []action       `json:"actions"`
		} `json:"liveChatContinuation"`
	} `json:"continuationContents"`
}

type continuation struct {
	InvalidationContinuationData *continuationData `json:"invalidationContinuationData"`
	TimedContinuationData        *continuationData `json:"timedContinuationData"`
	ReloadContinuationData       *continuationData `json:"reloadContinuationData"`
}

type continuationData struct {
	Continuation string `json:"continuation"`
	TimeoutMs    int    `json:"timeoutMs"`
}

func (c continuation) token() string {
	for _, d := range []*continuationData{c.InvalidationContinuationData, c.TimedContinuationData, c.ReloadContinuationData} {
		if d != nil && d.Continuation != "" {
			return d.Continuation
		}
	}
	return ""
}

type action struct {
	AddChatItemAction *struct {
		Item chatItem `json:"item"`
	} `json:"addChatItemAction"`
	ReplaceChatItemAction *struct {
		TargetItemID    string   `json:"targetItemId"`
		ReplacementItem chatItem `json:"replacementItem"`
	} `json:"replaceChatItemAction"`
	MarkChatItemAsDeletedAction *struct {
		TargetItemID string `json:"targetItemId"`
	} `json:"markChatItemAsDeletedAction"`
	MarkChatItemsByAuthorAsDeletedAction *struct {
		ExternalChannelID string `json:"externalChannelId"`
	} `json:"markChatItemsByAuthorAsDeletedAction"`
	ReplayChatItemAction *struct {
		Actions []action `json:"actions"`
	} `json:"replayChatItemAction"`
}

type chatItem struct {
	Text        *renderer     `json:"liveChatTextMessageRenderer"`
	Paid        *renderer     `json:"liveChatPaidMessageRenderer"`
	Sticker     *renderer     `json:"liveChatPaidStickerRenderer"`
	Membership  *renderer     `json:"liveChatMembershipItemRenderer"`
	Gift        *giftRenderer `json:"liveChatSponsorshipsGiftPurchaseAnnouncementRenderer"`
	Placeholder *struct {
		ID            string `json:"id"`
		TimestampUsec string `json:"timestampUsec"`
	} `json:"liveChatPlaceholderItemRenderer"`
}

type renderer struct {
	ID                      string     `json:"id"`
	TimestampUsec           string     `json:"timestampUsec"`
	AuthorName              text       `json:"authorName"`
	AuthorPhoto             thumbnails `json:"authorPhoto"`
	AuthorExternalChannelID string     `json:"authorExternalChannelId"`
	AuthorBadges            []badge    `json:"authorBadges"`
	Message                 text       `json:"message"`
	PurchaseAmountText      text       `json:"purchaseAmountText"`
	HeaderPrimaryText       text       `json:"headerPrimaryText"`
	HeaderSubtext           text       `json:"headerSubtext"`
	Sticker                 thumbnails `json:"sticker"`
}

type giftRenderer struct {
	ID                      string `json:"id"`
	TimestampUsec           string `json:"timestampUsec"`
	AuthorExternalChannelID string `json:"authorExternalChannelId"`
	Header                  struct {
		LiveChatSponsorshipsHeaderRenderer struct {
			AuthorName   text       `json:"authorName"`
			AuthorPhoto  thumbnails `json:"authorPhoto"`
			PrimaryText  text       `json:"primaryText"`
			AuthorBadges []badge    `json:"authorBadges"`
		} `json:"liveChatSponsorshipsHeaderRenderer"`
	} `json:"header"`
}

type badge struct {
	LiveChatAuthorBadgeRenderer struct {
		Icon *struct {
			IconType string `json:"iconType"`
		} `json:"icon"`
		CustomThumbnail *thumbnails `json:"customThumbnail"`
		Tooltip         string      `json:"tooltip"`
	} `json:"liveChatAuthorBadgeRenderer"`
}

type thumbnails struct {
	Thumbnails []struct {
		URL    string `json:"url"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"thumbnails"`
}

// best returns the largest thumbnail, which the list ends with.
func (t thumbnails) best() string {
	if len(t.Thumbnails) == 0 {
		return ""
	}
	u := t.Thumbnails[len(t.Thumbnails)-1].URL
	if strings.HasPrefix(u, "//") {
		u = "https:" + u
	}
	return u
}

type text struct {
	SimpleText string `json:"simpleText"`
	Runs       []run  `json:"runs"`
}

type run struct {
	Text  string `json:"text"`
	Emoji *struct {
		EmojiID       string     `json:"emojiId"`
		Shortcuts     []string   `json:"shortcuts"`
		Image         thumbnails `json:"image"`
		IsCustomEmoji bool       `json:"isCustomEmoji"`
	} `json:"emoji"`
}

// render flattens runs to text. Custom emoji become markers with an Emoji
// entry; standard emoji are inlined as their Unicode form.
func (t text) render() (string, []message.Emoji) {
	if len(t.Runs) == 0 {
		return t.SimpleText, []message.Emoji{}
	}
	var b strings.Builder
	emojis := []message.Emoji{}
	seen := make(map[string]bool)
	for _, r := range t.Runs {
		if r.Emoji == nil {
			b.WriteString(r.Text)
			continue
		}
		e := r.Emoji
		if !e.IsCustomEmoji {
			b.WriteString(e.EmojiID)
			continue
		}
		marker := e.EmojiID
		if len(e.Shortcuts) > 0 {
			marker = e.Shortcuts[0]
		}
		b.WriteString(marker)
		if !seen[marker] {
			seen[marker] = true
			emojis = append(emojis, message.Emoji{Marker: marker, URL: e.Image.best(), Alt: marker})
		}
	}
	return b.String(), emojis
}

func (t text) plain() string {
	s, _ := t.render()
	return s
}

type metadataResponse struct {
	Actions []struct {
		UpdateViewershipAction *struct {
			ViewCount struct {
				VideoViewCountRenderer struct {
					ViewCount         text   `json:"viewCount"`
					OriginalViewCount string `json:"originalViewCount"`
					IsLive            bool   `json:"isLive"`
				} `json:"videoViewCountRenderer"`
			} `json:"viewCount"`
		} `json:"updateViewershipAction"`
	} `json:"actions"`
}
