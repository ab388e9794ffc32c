package youtubeapi

import (
	"context"
	"strings"
	"time"

	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/livewatch/platform"
)

// Adapter implements platform.Adapter for YouTube. Entities are videos: uploads come back as
// KindPost descriptors, live broadcasts as KindStream. A stream that is not live is either
// upcoming (no EndedAt) or over (EndedAt set).
type Adapter struct {
	client *Client
}

var _ platform.Adapter = (*Adapter)(nil)

// NewAdapter wraps a Data API client.
func NewAdapter(c *Client) *Adapter { return &Adapter{client: c} }

// Platform implements platform.Adapter.
func (a *Adapter) Platform() platform.Platform { return platform.YouTube }

// GetUser resolves a channel id, an @handle or a channel URL.
func (a *Adapter) GetUser(ctx context.Context, idOrName string) platform.Result {
	key := channelKey(idOrName)
	if key == "" {
		return platform.NotFound()
	}
	ch, err := a.client.Channel(ctx, key)
	if err != nil {
		return platform.ResultFromError(err)
	}
	u := platform.User{ID: ch.Id}
	if ch.Snippet != nil {
		u.Login = ch.Snippet.CustomUrl
		u.DisplayName = ch.Snippet.Title
		if th := ch.Snippet.Thumbnails; th != nil {
			u.AvatarURL = bestThumbnail(th)
		}
	}
	return platform.FoundUser(&u)
}

// GetEntities looks videos up in batches of 50. Deleted or private videos are NotFound.
func (a *Adapter) GetEntities(ctx context.Context, ids []string) map[string]platform.Result {
	return platform.Batch(ctx, ids, maxVideoIDs, a.fetch, nil)
}

func (a *Adapter) fetch(ctx context.Context, chunk []string) (map[string]*platform.Descriptor, error) {
	videos, err := a.client.Videos(ctx, chunk)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*platform.Descriptor, len(videos))
	for _, v := range videos {
		out[v.Id] = VideoDescriptor(v)
	}
	return out, nil
}

// VideoDescriptor normalizes a Data API video.
func VideoDescriptor(v *yt.Video) *platform.Descriptor {
	d := &platform.Descriptor{ID: v.Id, URL: WatchURL(v.Id), Kind: platform.KindPost}
	if s := v.Snippet; s != nil {
		d.FeedID = s.ChannelId
		d.Title = s.Title
		d.DisplayName = s.ChannelTitle
		d.PublishedAt = parseTime(s.PublishedAt)
		if s.Thumbnails != nil {
			d.ThumbnailURL = bestThumbnail(s.Thumbnails)
			d.ImageURL = d.ThumbnailURL
		}
	}
	ls := v.LiveStreamingDetails
	if ls == nil {
		return d
	}
	d.Kind = platform.KindStream
	d.ImageURL = ""
	d.StartedAt = parseTime(ls.ActualStartTime)
	d.EndedAt = parseTime(ls.ActualEndTime)
	if !d.StartedAt.IsZero() && d.EndedAt.IsZero() {
		d.Live = true
		d.Viewers = int(ls.ConcurrentViewers)
	}
	return d
}

// Upcoming reports whether a stream descriptor is a scheduled broadcast that has not started.
func Upcoming(d *platform.Descriptor) bool {
	return d != nil && d.Kind == platform.KindStream && !d.Live && d.StartedAt.IsZero() && d.EndedAt.IsZero()
}

// PastStream reports whether a stream descriptor is a finished broadcast (a VOD).
func PastStream(d *platform.Descriptor) bool {
	return d != nil && d.Kind == platform.KindStream && !d.Live && !d.EndedAt.IsZero()
}

func bestThumbnail(th *yt.ThumbnailDetails) string {
	for _, t := range []*yt.Thumbnail{th.Maxres, th.Standard, th.High, th.Medium, th.Default} {
		if t != nil && t.Url != "" {
			return t.Url
		}
	}
	return ""
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// channelKey accepts UC ids, @handles and youtube.com/channel/ or youtube.com/@ URLs.
func channelKey(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"https://", "http://", "www.", "m.", "youtube.com/"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.TrimPrefix(s, "channel/")
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	if IsChannelID(s) {
		return s
	}
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "@") {
		s = "@" + s
	}
	return s
}
