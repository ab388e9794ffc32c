package notify

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/onnwee/livewatch/discord"
	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/track"
)

// DefaultColor is the brand color of a platform.
func DefaultColor(p platform.Platform) int {
	switch p {
	case platform.Twitch:
		return 0x9146FF
	case platform.YouTube:
		return 0xFF0000
	case platform.Bluesky:
		return 0x1185FE
	default:
		return 0x5865F2
	}
}

func author(feed track.Feed, d *platform.Descriptor) (name, url, icon string) {
	name = feed.Username
	if d != nil {
		if d.DisplayName != "" {
			name = d.DisplayName
		} else if d.Username != "" {
			name = d.Username
		}
		icon = d.AvatarURL
	}
	url = ProfileURL(feed)
	return name, url, icon
}

// ProfileURL is the public page of a feed.
func ProfileURL(feed track.Feed) string {
	switch feed.Platform {
	case platform.Twitch:
		login := feed.Username
		if feed.Last != nil && feed.Last.Username != "" {
			login = feed.Last.Username
		}
		return "https://www.twitch.tv/" + login
	case platform.YouTube:
		return "https://www.youtube.com/channel/" + feed.ExternalID
	case platform.Bluesky:
		return "https://bsky.app/profile/" + feed.ExternalID
	default:
		return ""
	}
}

// LiveEmbed renders a live session.
func LiveEmbed(feed track.Feed, d *platform.Descriptor, n *track.Notification, color int) *discord.Embed {
	name, profile, icon := author(feed, d)
	e := &discord.Embed{
		Title:         d.Title,
		URL:           d.URL,
		Color:         color,
		AuthorName:    name,
		AuthorURL:     profile,
		AuthorIconURL: icon,
		ImageURL:      d.ThumbnailURL,
		Timestamp:     d.StartedAt,
		Footer:        "Live on " + platformName(feed.Platform),
	}
	if e.Title == "" {
		e.Title = name + " is live"
	}
	if e.URL == "" {
		e.URL = profile
	}
	if d.Game != "" {
		e.Fields = append(e.Fields, discord.Field{Name: "Game", Value: d.Game, Inline: true})
	}
	e.Fields = append(e.Fields, discord.Field{Name: "Viewers", Value: strconv.Itoa(d.Viewers), Inline: true})
	if n != nil && n.Peak > 0 {
		e.Fields = append(e.Fields, discord.Field{Name: "Peak", Value: strconv.Itoa(n.Peak), Inline: true})
	}
	return e
}

// SummaryEmbed renders an ended session: duration plus peak and average viewers.
func SummaryEmbed(feed track.Feed, prev *platform.Descriptor, n track.Notification, color int, now time.Time) *discord.Embed {
	d := prev
	if d == nil {
		d = &platform.Descriptor{Title: n.Title}
	}
	name, profile, icon := author(feed, d)
	title := n.Title
	if title == "" {
		title = d.Title
	}
	e := &discord.Embed{
		Title:         title,
		URL:           profile,
		Description:   name + " was live",
		Color:         color,
		AuthorName:    name,
		AuthorURL:     profile,
		AuthorIconURL: icon,
		ThumbnailURL:  d.ThumbnailURL,
		Timestamp:     n.StartedAt,
		Footer:        "Stream ended",
	}
	if !n.StartedAt.IsZero() {
		end := now
		if !d.EndedAt.IsZero() {
			end = d.EndedAt
		}
		e.Fields = append(e.Fields, discord.Field{Name: "Duration", Value: FormatDuration(end.Sub(n.StartedAt)), Inline: true})
	}
	if n.Samples > 0 {
		e.Fields = append(e.Fields,
			discord.Field{Name: "Peak viewers", Value: strconv.Itoa(n.Peak), Inline: true},
			discord.Field{Name: "Average viewers", Value: strconv.Itoa(int(math.Round(n.Average))), Inline: true},
		)
	}
	return e
}

// PostEmbed renders a new upload or post.
func PostEmbed(feed track.Feed, d *platform.Descriptor, color int) *discord.Embed {
	name, profile, icon := author(feed, d)
	e := &discord.Embed{
		Title:         d.Title,
		URL:           d.URL,
		Description:   d.Text,
		Color:         color,
		AuthorName:    name,
		AuthorURL:     profile,
		AuthorIconURL: icon,
		ImageURL:      d.ImageURL,
		Timestamp:     d.PublishedAt,
		Footer:        platformName(feed.Platform),
	}
	if e.ImageURL == "" {
		e.ImageURL = d.ThumbnailURL
	}
	if d.Repost {
		by := d.RepostedBy
		if by == "" {
			by = name
		}
		e.Footer = fmt.Sprintf("Reposted by %s on %s", by, platformName(feed.Platform))
	}
	return e
}

// FormatDuration renders d as "1h 02m" or "12m".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Minute)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %02dm", h, m)
}

func platformName(p platform.Platform) string {
	switch p {
	case platform.Twitch:
		return "Twitch"
	case platform.YouTube:
		return "YouTube"
	case platform.Bluesky:
		return "Bluesky"
	default:
		return string(p)
	}
}
