package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/track"
	"github.com/onnwee/livewatch/youtubeapi"
)

// FeedSource lists a channel's newest uploads.
type FeedSource interface {
	Fetch(ctx context.Context, channelID string) ([]youtubeapi.FeedEntry, error)
}

// YouTubeStore is the persistence the YouTube checker reads.
type YouTubeStore interface {
	track.FeedStore
	track.SubscriptionStore
	track.DedupStore
}

// YouTubeChecker refreshes running live sessions through videos.list and, for channels without an
// active WebSub lease, looks for new videos in the channel's Atom feed.
type YouTubeChecker struct {
	Store      YouTubeStore
	Adapter    platform.Adapter
	Feed       FeedSource
	Dispatcher *Dispatcher

	now func() time.Time
}

// Platform implements Checker.
func (c *YouTubeChecker) Platform() platform.Platform { return platform.YouTube }

func (c *YouTubeChecker) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Check implements Checker.
func (c *YouTubeChecker) Check(ctx context.Context) error {
	feeds, err := c.Store.ListFeeds(ctx, platform.YouTube)
	if err != nil {
		return fmt.Errorf("list youtube feeds: %w", err)
	}
	if len(feeds) == 0 {
		return nil
	}

	var live []track.Feed
	var ids []string
	for _, f := range feeds {
		if f.Last != nil && f.Last.Live && f.Last.ID != "" {
			live = append(live, f)
			ids = append(ids, f.Last.ID)
		}
	}
	var errs []error
	if len(ids) > 0 {
		results := c.Adapter.GetEntities(ctx, ids)
		err := observeAll(ctx, c.Dispatcher, live, func(f track.Feed) platform.Result {
			r := results[f.Last.ID]
			if r.Status == platform.StatusNotFound {
				// The broadcast was deleted while live.
				return platform.Found(f.Last.Offline())
			}
			return r
		})
		if _, ok := platform.AsRateLimit(err); ok {
			return err
		}
		errs = append(errs, err)
	}

	leased, err := c.leased(ctx)
	if err != nil {
		return err
	}
	for _, f := range feeds {
		if leased[f.ExternalID] {
			continue
		}
		if err := c.CheckFeed(ctx, f); err != nil {
			if _, ok := platform.AsRateLimit(err); ok {
				return err
			}
			if platform.IsNotFound(err) {
				slog.Info("youtube channel gone", slog.String("component", "poll"), slog.String("channel_id", f.ExternalID))
				errs = append(errs, c.Dispatcher.Gone(ctx, f))
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *YouTubeChecker) leased(ctx context.Context) (map[string]bool, error) {
	subs, err := c.Store.Subscriptions(ctx, platform.YouTube)
	if err != nil {
		return nil, fmt.Errorf("list youtube subscriptions: %w", err)
	}
	now := c.clock()
	out := make(map[string]bool, len(subs))
	for _, s := range subs {
		if s.Active(now) {
			out[s.ExternalID] = true
		}
	}
	return out, nil
}

// CheckFeed reads the channel's Atom feed and processes the videos not seen before. The first
// check of a channel records its existing videos without notifying.
func (c *YouTubeChecker) CheckFeed(ctx context.Context, feed track.Feed) error {
	entries, err := c.Feed.Fetch(ctx, feed.ExternalID)
	if err != nil {
		return fmt.Errorf("feed of %s: %w", feed.ExternalID, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.VideoID)
	}
	first, err := c.Dispatcher.Prime(ctx, feed)
	if err != nil {
		return err
	}
	if first {
		return c.Dispatcher.Record(ctx, feed, ids...)
	}
	seen, err := c.Store.Recorded(ctx, feed.ID, ids)
	if err != nil {
		return fmt.Errorf("recorded videos of feed %d: %w", feed.ID, err)
	}
	var fresh []string
	for _, id := range ids {
		if !seen[id] {
			fresh = append(fresh, id)
		}
	}
	return c.ProcessVideos(ctx, feed, fresh)
}

// ProcessVideos hydrates video ids and routes each one: uploads are posted once, a running live
// stream is observed as the feed's session, finished streams are recorded silently and upcoming
// broadcasts are left for a later pass.
func (c *YouTubeChecker) ProcessVideos(ctx context.Context, feed track.Feed, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	results := c.Adapter.GetEntities(ctx, ids)
	if rl, ok := platform.FirstRateLimit(results); ok {
		return rl
	}
	log := slog.Default().With(slog.String("component", "poll"), slog.String("platform", "youtube"), slog.Int64("feed_id", feed.ID))
	var errs []error
	for _, id := range ids {
		r := results[id]
		switch r.Status {
		case platform.StatusNotFound:
			continue
		case platform.StatusIOError:
			errs = append(errs, fmt.Errorf("video %s: %w", id, r.Err))
			continue
		}
		d := r.Descriptor
		if d == nil || d.FeedID != feed.ExternalID {
			log.Debug("skip foreign video", slog.String("video", id))
			continue
		}
		switch {
		case d.Kind == platform.KindPost:
			errs = append(errs, c.Dispatcher.Post(ctx, feed, d))
		case d.Live:
			errs = append(errs, c.Dispatcher.Observe(ctx, feed, d))
			errs = append(errs, c.Dispatcher.Record(ctx, feed, id))
		case youtubeapi.Upcoming(d):
			log.Debug("skip upcoming broadcast", slog.String("video", id))
		case youtubeapi.PastStream(d):
			if feed.Last != nil && feed.Last.Live && feed.Last.ID == d.ID {
				errs = append(errs, c.Dispatcher.Observe(ctx, feed, d))
			}
			errs = append(errs, c.Dispatcher.Record(ctx, feed, id))
		}
	}
	return errors.Join(errs...)
}
