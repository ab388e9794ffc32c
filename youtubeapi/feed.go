package youtubeapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/onnwee/livewatch/platform"
)

const (
	feedBase  = "https://www.youtube.com/feeds/videos.xml"
	topicBase = "https://www.youtube.com/xml/feeds/videos.xml"
)

// FeedEntry is one video of a channel Atom feed or WebSub notification.
type FeedEntry struct {
	VideoID   string
	ChannelID string
	Title     string
	URL       string
	Published time.Time
	Updated   time.Time
}

// FeedClient reads channel upload feeds. The feed is public and keyless but cached upstream for
// several minutes.
type FeedClient struct {
	HTTPClient *http.Client
	Gate       *platform.Gate
}

// FeedURL is the public Atom feed of a channel.
func FeedURL(channelID string) string {
	return feedBase + "?channel_id=" + url.QueryEscape(channelID)
}

// TopicURL is the WebSub topic of a channel.
func TopicURL(channelID string) string {
	return topicBase + "?channel_id=" + url.QueryEscape(channelID)
}

// ChannelFromTopic extracts the channel id of a topic URL, or "" when it is not a channel topic.
func ChannelFromTopic(topic string) string {
	u, err := url.Parse(topic)
	if err != nil {
		return ""
	}
	return u.Query().Get("channel_id")
}

// Fetch downloads and parses the Atom feed of channelID, newest first.
func (f *FeedClient) Fetch(ctx context.Context, channelID string) ([]FeedEntry, error) {
	if err := f.Gate.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, FeedURL(channelID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	hc := f.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("youtube feed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if err := platform.CheckResponse(resp, body, time.Now()); err != nil {
		return nil, fmt.Errorf("youtube feed %s: %w", channelID, err)
	}
	return ParseFeed(body)
}

// ParseFeed parses an Atom document: a channel feed or a WebSub notification body. Entries
// without a video id (deleted-entry tombstones parse that way) are skipped.
func ParseFeed(body []byte) ([]FeedEntry, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	out := make([]FeedEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		e := FeedEntry{
			VideoID:   ytExt(item.Extensions, "videoId"),
			ChannelID: ytExt(item.Extensions, "channelId"),
			Title:     item.Title,
			URL:       item.Link,
		}
		if e.VideoID == "" {
			e.VideoID = strings.TrimPrefix(item.GUID, "yt:video:")
		}
		if e.VideoID == "" {
			continue
		}
		if item.PublishedParsed != nil {
			e.Published = *item.PublishedParsed
		}
		if item.UpdatedParsed != nil {
			e.Updated = *item.UpdatedParsed
		}
		if e.URL == "" {
			e.URL = WatchURL(e.VideoID)
		}
		out = append(out, e)
	}
	return out, nil
}

func ytExt(exts ext.Extensions, name string) string {
	vals := exts["yt"][name]
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0].Value)
}

// WatchURL is the public page of a video.
func WatchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}
