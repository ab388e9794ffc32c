// Package registry resolves which Targets of a Feed should currently receive notifications and
// prunes Targets and Feeds that can no longer be served.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/livewatch/discord"
	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/track"
)

// Store is the persistence the registry needs.
type Store interface {
	Targets(ctx context.Context, feedID int64) ([]track.Target, error)
	DeleteTarget(ctx context.Context, id int64) error
	DeleteFeedIfEmpty(ctx context.Context, id int64) (bool, error)
	DeleteFeed(ctx context.Context, id int64) error
}

// Channels resolves Discord channels.
type Channels interface {
	Channel(ctx context.Context, channelID string) (*discord.Channel, error)
}

// Registry is the Target Registry.
type Registry struct {
	store    Store
	channels Channels
	flags    track.FeatureFlags
	manual   map[platform.Platform]bool
	log      *slog.Logger
}

// New builds a registry. Feeds of platforms in manualCuration are never deleted for having no
// targets; their lifecycle is managed by an operator.
func New(store Store, channels Channels, flags track.FeatureFlags, manualCuration []platform.Platform) *Registry {
	manual := make(map[platform.Platform]bool, len(manualCuration))
	for _, p := range manualCuration {
		manual[p] = true
	}
	return &Registry{
		store:    store,
		channels: channels,
		flags:    flags,
		manual:   manual,
		log:      slog.Default().With(slog.String("component", "registry")),
	}
}

// ActiveTargets returns the targets of feed that should be notified now. Targets whose channel
// no longer resolves are deleted. Targets with the platform feature disabled are skipped but
// kept. When the hard deletions leave the feed without targets, the feed is deleted (unless its
// platform is manually curated) and ActiveTargets returns nil, nil so callers stop processing
// it. A feed that still has targets but none active yields an empty, non-nil slice.
func (r *Registry) ActiveTargets(ctx context.Context, feed track.Feed) ([]track.Target, error) {
	targets, err := r.store.Targets(ctx, feed.ID)
	if err != nil {
		return nil, fmt.Errorf("load targets of feed %d: %w", feed.ID, err)
	}

	remaining := 0
	active := make([]track.Target, 0, len(targets))
	for _, t := range targets {
		ch, err := r.channels.Channel(ctx, t.ChannelID)
		switch {
		case discord.IsGone(err):
			if derr := r.store.DeleteTarget(ctx, t.ID); derr != nil {
				r.log.Warn("delete unresolvable target", slog.Int64("target_id", t.ID), slog.Any("err", derr))
				remaining++
				continue
			}
			r.log.Info("target channel gone, untracked",
				slog.Int64("target_id", t.ID),
				slog.String("channel_id", t.ChannelID),
				slog.String("platform", string(feed.Platform)),
				slog.String("feed", feed.ExternalID),
				slog.Any("err", err))
			continue
		case err != nil:
			// Transient: keep the target, skip it this pass.
			r.log.Warn("resolve channel", slog.String("channel_id", t.ChannelID), slog.Any("err", err))
			remaining++
			continue
		}
		remaining++

		guild := t.GuildID
		if ch != nil && ch.GuildID != "" {
			guild = ch.GuildID
		}
		if r.flags != nil {
			on, err := r.flags.Enabled(ctx, guild, t.ChannelID, track.TrackingFeature(feed.Platform))
			if err != nil {
				r.log.Warn("read feature flag", slog.String("guild_id", guild), slog.Any("err", err))
				continue
			}
			if !on {
				continue
			}
		}
		active = append(active, t)
	}

	if remaining == 0 {
		deleted, err := r.pruneFeed(ctx, feed)
		if err != nil {
			return nil, err
		}
		if deleted {
			return nil, nil
		}
	}
	return active, nil
}

// RemoveTarget deletes one target and prunes its feed under the same rule as ActiveTargets. It
// reports whether the feed was deleted too.
func (r *Registry) RemoveTarget(ctx context.Context, feed track.Feed, t track.Target) (bool, error) {
	if err := r.store.DeleteTarget(ctx, t.ID); err != nil {
		return false, fmt.Errorf("delete target %d: %w", t.ID, err)
	}
	r.log.Info("target removed",
		slog.Int64("target_id", t.ID),
		slog.String("channel_id", t.ChannelID),
		slog.String("platform", string(feed.Platform)),
		slog.String("feed", feed.ExternalID))
	return r.pruneFeed(ctx, feed)
}

// Untrack deletes a feed whose upstream account is gone, together with its targets, notifications
// and dedup records. Manual curation does not protect it. A provider subscription left behind is
// removed by the subscription manager's next pass.
func (r *Registry) Untrack(ctx context.Context, feed track.Feed) error {
	targets, err := r.store.Targets(ctx, feed.ID)
	if err != nil {
		return fmt.Errorf("list targets of feed %d: %w", feed.ID, err)
	}
	if err := r.store.DeleteFeed(ctx, feed.ID); err != nil && !errors.Is(err, track.ErrNotFound) {
		return fmt.Errorf("delete feed %d: %w", feed.ID, err)
	}
	for range targets {
		telemetry.CountTargetRemoved(string(feed.Platform), "upstream_gone")
	}
	r.log.Info("feed untracked, upstream account gone",
		slog.String("platform", string(feed.Platform)),
		slog.String("feed", feed.ExternalID),
		slog.Int("targets", len(targets)))
	return nil
}

// ManualCuration reports whether feeds of p are exempt from automatic deletion.
func (r *Registry) ManualCuration(p platform.Platform) bool { return r.manual[p] }

func (r *Registry) pruneFeed(ctx context.Context, feed track.Feed) (bool, error) {
	if r.manual[feed.Platform] {
		return false, nil
	}
	deleted, err := r.store.DeleteFeedIfEmpty(ctx, feed.ID)
	if err != nil && !errors.Is(err, track.ErrNotFound) {
		return false, fmt.Errorf("delete empty feed %d: %w", feed.ID, err)
	}
	if deleted {
		r.log.Info("feed without targets deleted",
			slog.String("platform", string(feed.Platform)),
			slog.String("feed", feed.ExternalID))
	}
	return deleted, nil
}
