package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/livewatch/blueskyapi"
	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/recheck"
	"github.com/onnwee/livewatch/track"
)

// AuthorFeed lists an account's newest posts and reposts.
type AuthorFeed interface {
	GetAuthorFeed(ctx context.Context, actor string, limit int) ([]blueskyapi.FeedItem, error)
}

// Rechecker schedules a debounced re-pull. *recheck.Scheduler implements it.
type Rechecker interface {
	Schedule(key string, action recheck.Action)
}

// BlueskyChecker polls each account's author feed and handles Jetstream signals.
type BlueskyChecker struct {
	Feeds      track.FeedStore
	Client     AuthorFeed
	Adapter    platform.Adapter
	Dispatcher *Dispatcher
	Recheck    Rechecker
	// Limit is the number of feed items read per account.
	Limit int
}

// Platform implements Checker.
func (c *BlueskyChecker) Platform() platform.Platform { return platform.Bluesky }

// Check implements Checker.
func (c *BlueskyChecker) Check(ctx context.Context) error {
	feeds, err := c.Feeds.ListFeeds(ctx, platform.Bluesky)
	if err != nil {
		return fmt.Errorf("list bluesky feeds: %w", err)
	}
	var errs []error
	for _, f := range feeds {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.CheckFeed(ctx, f)
		if _, ok := platform.AsRateLimit(err); ok {
			return err
		}
		if platform.IsNotFound(err) {
			slog.Info("bluesky account gone", slog.String("component", "poll"), slog.String("did", f.ExternalID))
			errs = append(errs, c.Dispatcher.Gone(ctx, f))
			continue
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CheckFeed posts the account's items not seen before, oldest first. Pinned posts are skipped. The
// first check of an account records what is already there without notifying.
func (c *BlueskyChecker) CheckFeed(ctx context.Context, feed track.Feed) error {
	items, err := c.Client.GetAuthorFeed(ctx, feed.ExternalID, c.Limit)
	if err != nil {
		return fmt.Errorf("author feed of %s: %w", feed.ExternalID, err)
	}
	var posts []*platform.Descriptor
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it.Reason != nil && it.Reason.Type == blueskyapi.ReasonPin {
			continue
		}
		d := blueskyapi.PostDescriptor(it.Post, it.Reason)
		if d.FeedID != feed.ExternalID {
			continue
		}
		posts = append(posts, d)
	}

	first, err := c.Dispatcher.Prime(ctx, feed)
	if err != nil {
		return err
	}
	if first {
		keys := make([]string, 0, len(posts))
		for _, d := range posts {
			keys = append(keys, DedupKey(d))
		}
		return c.Dispatcher.Record(ctx, feed, keys...)
	}
	var errs []error
	for _, d := range posts {
		errs = append(errs, c.Dispatcher.Post(ctx, feed, d))
	}
	return errors.Join(errs...)
}

// HandleSignal hydrates the post a Jetstream signal names, posts it, and schedules a recheck of the
// author feed to catch anything the signal path missed.
func (c *BlueskyChecker) HandleSignal(ctx context.Context, s blueskyapi.Signal) {
	log := slog.Default().With(slog.String("component", "jetstream"), slog.String("did", s.DID))
	feed, err := c.Feeds.FeedByExternal(ctx, platform.Bluesky, s.DID)
	if errors.Is(err, track.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn("load feed", slog.Any("err", err))
		return
	}
	if c.Recheck != nil {
		f := *feed
		c.Recheck.Schedule("bluesky:"+s.DID, func(ctx context.Context, _ string) {
			if err := c.CheckFeed(ctx, f); err != nil {
				log.Warn("recheck", slog.Any("err", err))
			}
		})
	}

	r := c.Adapter.GetEntities(ctx, []string{s.URI})[s.URI]
	if r.Status != platform.StatusFound || r.Descriptor == nil {
		log.Debug("signal not hydrated", slog.String("uri", s.URI), slog.String("status", r.Status.String()))
		return
	}
	d := r.Descriptor
	if s.Repost {
		d.Repost = true
		d.FeedID = s.DID
		d.RepostedBy = feed.Username
	}
	if err := c.Dispatcher.Post(ctx, *feed, d); err != nil {
		log.Warn("post", slog.String("uri", s.URI), slog.Any("err", err))
	}
}

// TrackedDIDs lists the accounts the Jetstream worker should follow.
func (c *BlueskyChecker) TrackedDIDs(ctx context.Context) ([]string, error) {
	feeds, err := c.Feeds.ListFeeds(ctx, platform.Bluesky)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, f.ExternalID)
	}
	return out, nil
}
