// Package poll reconciles provider state on a fixed cadence and funnels every observation, whether
// it comes from a poll, a webhook or a recheck, through one per-feed serialized dispatcher.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/livewatch/notify"
	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/track"
)

// primeMarker is recorded in the dedup store once a feed's existing items have been recorded
// without notifying.
const primeMarker = "_primed"

// Engine consumes feed transitions.
type Engine interface {
	Handle(ctx context.Context, ev notify.Event) error
}

// Targets resolves the channels a feed should notify. A nil slice with no error means the feed
// was deleted.
type Targets interface {
	ActiveTargets(ctx context.Context, feed track.Feed) ([]track.Target, error)
	// Untrack deletes a feed whose upstream account no longer exists.
	Untrack(ctx context.Context, feed track.Feed) error
}

// Store is the persistence the dispatcher needs.
type Store interface {
	track.FeedStore
	track.DedupStore
}

// Dispatcher serializes observations per feed so a webhook and a poll racing on the same account
// diff against each other's result instead of the same stale descriptor.
type Dispatcher struct {
	store   Store
	targets Targets
	engine  Engine
	log     *slog.Logger

	mu    sync.Mutex
	locks map[int64]*feedLock
}

type feedLock struct {
	mu   sync.Mutex
	refs int
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(store Store, targets Targets, engine Engine) *Dispatcher {
	return &Dispatcher{
		store:   store,
		targets: targets,
		engine:  engine,
		log:     slog.Default().With(slog.String("component", "dispatch")),
		locks:   map[int64]*feedLock{},
	}
}

func (d *Dispatcher) lock(feedID int64) func() {
	d.mu.Lock()
	l, ok := d.locks[feedID]
	if !ok {
		l = &feedLock{}
		d.locks[feedID] = l
	}
	l.refs++
	d.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, feedID)
		}
		d.mu.Unlock()
	}
}

// Gone untracks a feed whose account no longer exists upstream. A live session is ended first so
// its messages get their final edit.
func (d *Dispatcher) Gone(ctx context.Context, feed track.Feed) error {
	if feed.Last != nil && feed.Last.Live {
		if err := d.Observe(ctx, feed, feed.Last.Offline()); err != nil {
			d.log.Warn("end session of gone feed", slog.Int64("feed_id", feed.ID), slog.Any("err", err))
		}
	}
	unlock := d.lock(feed.ID)
	defer unlock()
	return d.targets.Untrack(ctx, feed)
}

// Observe diffs cur against the feed's cached descriptor and hands the transition to the engine.
// A nil cur means the account is offline. The feed is re-read under the lock; a feed deleted in
// the meantime is ignored.
func (d *Dispatcher) Observe(ctx context.Context, feed track.Feed, cur *platform.Descriptor) error {
	unlock := d.lock(feed.ID)
	defer unlock()

	f, err := d.store.Feed(ctx, feed.ID)
	if errors.Is(err, track.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload feed %d: %w", feed.ID, err)
	}
	if cur == nil {
		cur = f.Last.Offline()
		cur.FeedID = f.ExternalID
	}

	tr := track.Diff(f.Last, cur)
	log := d.log.With(slog.String("platform", string(f.Platform)), slog.Int64("feed_id", f.ID))
	var handleErr error
	switch tr {
	case track.None:
		if f.Last != nil && *f.Last == *cur {
			return nil
		}
	case track.Ended:
		log.Info("stream ended", slog.String("session", f.Last.ID))
		handleErr = d.engine.Handle(ctx, notify.Event{Kind: notify.Ended, Feed: *f, Previous: f.Last, Current: cur})
	case track.Started, track.Updated, track.Restarted:
		targets, err := d.targets.ActiveTargets(ctx, *f)
		if err != nil {
			return fmt.Errorf("active targets of feed %d: %w", f.ID, err)
		}
		if targets == nil {
			log.Info("feed removed while resolving targets")
			return nil
		}
		var errs []error
		if tr == track.Restarted {
			log.Info("stream restarted", slog.String("previous", f.Last.ID), slog.String("session", cur.ID))
			errs = append(errs, d.engine.Handle(ctx, notify.Event{Kind: notify.Ended, Feed: *f, Previous: f.Last, Current: cur}))
		}
		kind := notify.Updated
		if tr != track.Updated {
			kind = notify.Started
			log.Info("stream started", slog.String("session", cur.ID), slog.Int("targets", len(targets)))
		}
		errs = append(errs, d.engine.Handle(ctx, notify.Event{Kind: kind, Feed: *f, Targets: targets, Previous: f.Last, Current: cur}))
		handleErr = errors.Join(errs...)
	}
	if handleErr != nil {
		log.Warn("notify", slog.String("transition", tr.String()), slog.Any("err", handleErr))
	}
	if err := d.store.UpdateFeedState(ctx, f.ID, cur); err != nil {
		return fmt.Errorf("save state of feed %d: %w", f.ID, err)
	}
	return nil
}

// DedupKey is the dedup store key of a post. A repost is keyed apart from the original so an
// account reposting its own post is still announced.
func DedupKey(d *platform.Descriptor) string {
	if d.Repost {
		return "repost:" + d.ID
	}
	return d.ID
}

// Post notifies a new item once. Items already recorded for the feed are skipped.
func (d *Dispatcher) Post(ctx context.Context, feed track.Feed, p *platform.Descriptor) error {
	unlock := d.lock(feed.ID)
	defer unlock()

	fresh, err := d.store.CheckAndRecord(ctx, feed.ID, DedupKey(p))
	if err != nil {
		return fmt.Errorf("dedup %s: %w", p.ID, err)
	}
	if !fresh {
		telemetry.CountDedupSkip(string(feed.Platform))
		return nil
	}
	targets, err := d.targets.ActiveTargets(ctx, feed)
	if err != nil {
		return fmt.Errorf("active targets of feed %d: %w", feed.ID, err)
	}
	if len(targets) == 0 {
		return nil
	}
	d.log.Info("new post", slog.String("platform", string(feed.Platform)), slog.Int64("feed_id", feed.ID),
		slog.String("id", p.ID), slog.Bool("repost", p.Repost))
	return d.engine.Handle(ctx, notify.Event{Kind: notify.NewPost, Feed: feed, Targets: targets, Current: p})
}

// Record marks items as handled without notifying.
func (d *Dispatcher) Record(ctx context.Context, feed track.Feed, keys ...string) error {
	for _, k := range keys {
		if _, err := d.store.CheckAndRecord(ctx, feed.ID, k); err != nil {
			return fmt.Errorf("record %s: %w", k, err)
		}
	}
	return nil
}

// Prime reports whether the feed is seen for the first time, recording the marker if so. The
// caller records the feed's current items without notifying when it returns true.
func (d *Dispatcher) Prime(ctx context.Context, feed track.Feed) (bool, error) {
	first, err := d.store.CheckAndRecord(ctx, feed.ID, primeMarker)
	if err != nil {
		return false, fmt.Errorf("prime feed %d: %w", feed.ID, err)
	}
	return first, nil
}
