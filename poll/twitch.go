package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/track"
)

// TwitchChecker refreshes every Twitch feed with one batched streams query per 100 accounts. It
// catches viewer/title changes and any transition a missed webhook left behind.
type TwitchChecker struct {
	Feeds      track.FeedStore
	Adapter    platform.Adapter
	Dispatcher *Dispatcher
}

// Platform implements Checker.
func (c *TwitchChecker) Platform() platform.Platform { return platform.Twitch }

// Check implements Checker.
func (c *TwitchChecker) Check(ctx context.Context) error {
	feeds, err := c.Feeds.ListFeeds(ctx, platform.Twitch)
	if err != nil {
		return fmt.Errorf("list twitch feeds: %w", err)
	}
	if len(feeds) == 0 {
		return nil
	}
	ids := make([]string, 0, len(feeds))
	for _, f := range feeds {
		ids = append(ids, f.ExternalID)
	}
	results := c.Adapter.GetEntities(ctx, ids)
	return observeAll(ctx, c.Dispatcher, feeds, func(f track.Feed) platform.Result { return results[f.ExternalID] })
}

// observeAll feeds each feed's result to the dispatcher and untracks feeds reported NotFound.
// Per-feed failures are logged; a rate limit is returned after the pass so the loop sleeps.
func observeAll(ctx context.Context, d *Dispatcher, feeds []track.Feed, result func(track.Feed) platform.Result) error {
	var errs []error
	var limited *platform.RateLimitError
	for _, f := range feeds {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r := result(f)
		switch r.Status {
		case platform.StatusFound:
			if err := d.Observe(ctx, f, r.Descriptor); err != nil {
				errs = append(errs, err)
			}
		case platform.StatusNotFound:
			slog.Info("account gone upstream", slog.String("component", "poll"), slog.String("platform", string(f.Platform)),
				slog.String("external_id", f.ExternalID))
			if err := d.Gone(ctx, f); err != nil {
				errs = append(errs, err)
			}
		case platform.StatusRateLimited:
			if limited == nil {
				limited = &platform.RateLimitError{RetryAfter: r.RetryAfter}
			}
		default:
			errs = append(errs, fmt.Errorf("feed %d: %w", f.ID, r.Err))
		}
	}
	if limited != nil {
		return limited
	}
	return errors.Join(errs...)
}
