// Package notify turns feed transitions into Discord message operations and heals tracking
// state when Discord reports that a channel or message is gone.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/livewatch/discord"
	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/track"
)

// Kind is the type of event handed to the engine.
type Kind int

const (
	Started Kind = iota + 1
	Updated
	Ended
	NewPost
)

func (k Kind) String() string {
	switch k {
	case Started:
		return "started"
	case Updated:
		return "updated"
	case Ended:
		return "ended"
	case NewPost:
		return "new_post"
	default:
		return "unknown"
	}
}

// Event is one transition of a feed. Targets are the active targets resolved by the registry;
// Ended ignores them and closes every outstanding notification of the feed.
type Event struct {
	Kind     Kind
	Feed     track.Feed
	Targets  []track.Target
	Previous *platform.Descriptor
	Current  *platform.Descriptor
}

// Store is the persistence the engine needs.
type Store interface {
	track.NotificationStore
	track.MentionStore
}

// TargetRemover deletes a target that Discord refuses to serve, pruning the feed if needed.
type TargetRemover interface {
	RemoveTarget(ctx context.Context, feed track.Feed, t track.Target) (bool, error)
}

// Engine is the notification state machine.
type Engine struct {
	store   Store
	discord discord.Client
	flags   track.FeatureFlags
	remover TargetRemover
	log     *slog.Logger
	now     func() time.Time
}

// New builds an engine.
func New(store Store, dc discord.Client, flags track.FeatureFlags, remover TargetRemover) *Engine {
	return &Engine{
		store:   store,
		discord: dc,
		flags:   flags,
		remover: remover,
		log:     slog.Default().With(slog.String("component", "notify")),
		now:     time.Now,
	}
}

// Handle applies ev. Per-target failures are logged and healed where possible; the returned
// error joins the failures that could not be handled, so callers can log one line per event.
func (e *Engine) Handle(ctx context.Context, ev Event) error {
	var errs []error
	switch ev.Kind {
	case Started:
		if ev.Current == nil {
			return errors.New("notify: started event without descriptor")
		}
		for _, t := range ev.Targets {
			errs = append(errs, e.start(ctx, ev, t))
		}
	case Updated:
		if ev.Current == nil {
			return errors.New("notify: updated event without descriptor")
		}
		for _, t := range ev.Targets {
			errs = append(errs, e.update(ctx, ev, t, nil))
		}
	case Ended:
		errs = append(errs, e.end(ctx, ev))
	case NewPost:
		if ev.Current == nil {
			return errors.New("notify: post event without descriptor")
		}
		for _, t := range ev.Targets {
			errs = append(errs, e.post(ctx, ev, t))
		}
	default:
		return fmt.Errorf("notify: unknown event kind %d", ev.Kind)
	}
	return errors.Join(errs...)
}

func (e *Engine) start(ctx context.Context, ev Event, t track.Target) error {
	cur := ev.Current
	n := track.Notification{
		FeedID:    ev.Feed.ID,
		TargetID:  t.ID,
		GuildID:   t.GuildID,
		ChannelID: t.ChannelID,
		SessionID: cur.ID,
		Title:     cur.Title,
		StartedAt: cur.StartedAt,
	}
	if n.StartedAt.IsZero() {
		n.StartedAt = e.now()
	}
	n.Observe(cur.Viewers)

	row, claimed, err := e.store.ClaimNotification(ctx, n)
	if errors.Is(err, track.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim notification feed=%d target=%d: %w", ev.Feed.ID, t.ID, err)
	}
	if !claimed {
		// Another path (webhook or poll) already owns this session.
		if row.MessageID == "" {
			return nil
		}
		return e.update(ctx, ev, t, row)
	}

	msg := e.liveMessage(ctx, ev.Feed, t, cur, row)
	id, err := e.discord.CreateMessage(ctx, t.ChannelID, msg)
	if err != nil {
		if derr := e.store.DeleteNotification(ctx, row.ID); derr != nil {
			e.log.Warn("release notification claim", slog.Int64("notification_id", row.ID), slog.Any("err", derr))
		}
		telemetry.CountNotification(string(ev.Feed.Platform), "failed")
		return e.healCreate(ctx, ev.Feed, t, err)
	}
	row.MessageID = id
	if err := e.store.UpdateNotification(ctx, *row); err != nil {
		// The target vanished while the message was being sent; do not leave an orphan.
		_ = e.discord.DeleteMessage(ctx, t.ChannelID, id)
		if errors.Is(err, track.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("store message id: %w", err)
	}
	telemetry.CountNotification(string(ev.Feed.Platform), "created")
	e.log.Info("live notification sent",
		slog.String("platform", string(ev.Feed.Platform)),
		slog.String("feed", ev.Feed.ExternalID),
		slog.String("channel_id", t.ChannelID),
		slog.String("message_id", id))
	return nil
}

// update edits the outstanding message of (feed, target). row may be passed by the caller when
// it is already loaded.
func (e *Engine) update(ctx context.Context, ev Event, t track.Target, row *track.Notification) error {
	if row == nil {
		var err error
		row, err = e.store.Notification(ctx, ev.Feed.ID, t.ID)
		if errors.Is(err, track.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load notification feed=%d target=%d: %w", ev.Feed.ID, t.ID, err)
		}
	}
	if row.MessageID == "" {
		return nil
	}
	cur := ev.Current
	if cur.ID != "" && row.SessionID != cur.ID {
		row.SessionID = cur.ID
		row.Peak, row.Average, row.Samples = 0, 0, 0
		if !cur.StartedAt.IsZero() {
			row.StartedAt = cur.StartedAt
		}
	}
	row.Title = cur.Title
	row.Observe(cur.Viewers)

	err := e.discord.EditMessage(ctx, row.ChannelID, row.MessageID, e.liveMessage(ctx, ev.Feed, t, cur, row))
	switch {
	case errors.Is(err, discord.ErrNotFound):
		// Message deleted by hand: stop tracking it.
		telemetry.CountNotification(string(ev.Feed.Platform), "dropped")
		return e.store.DeleteNotification(ctx, row.ID)
	case errors.Is(err, discord.ErrForbidden):
		telemetry.CountNotification(string(ev.Feed.Platform), "failed")
		return e.removeTarget(ctx, ev.Feed, t, "forbidden")
	case err != nil:
		e.log.Warn("edit live notification", slog.String("message_id", row.MessageID), slog.Any("err", err))
	default:
		telemetry.CountNotification(string(ev.Feed.Platform), "edited")
	}
	if err := e.store.UpdateNotification(ctx, *row); err != nil && !errors.Is(err, track.ErrNotFound) {
		return fmt.Errorf("update notification %d: %w", row.ID, err)
	}
	return nil
}

func (e *Engine) end(ctx context.Context, ev Event) error {
	rows, err := e.store.Notifications(ctx, ev.Feed.ID)
	if err != nil {
		return fmt.Errorf("load notifications of feed %d: %w", ev.Feed.ID, err)
	}
	prev := ev.Previous
	if prev == nil {
		prev = ev.Feed.Last
	}
	var errs []error
	for i := range rows {
		row := rows[i]
		t := track.Target{ID: row.TargetID, FeedID: row.FeedID, GuildID: row.GuildID, ChannelID: row.ChannelID}
		if row.MessageID != "" {
			errs = append(errs, e.closeMessage(ctx, ev, t, row, prev))
		}
		if err := e.store.DeleteNotification(ctx, row.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete notification %d: %w", row.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) closeMessage(ctx context.Context, ev Event, t track.Target, row track.Notification, prev *platform.Descriptor) error {
	plat := string(ev.Feed.Platform)
	summary := false
	if e.flags != nil {
		on, err := e.flags.Enabled(ctx, row.GuildID, row.ChannelID, track.SummaryFeature(ev.Feed.Platform))
		if err != nil {
			e.log.Warn("read summary flag", slog.String("guild_id", row.GuildID), slog.Any("err", err))
		}
		summary = on
	}

	if summary {
		color := e.color(ctx, ev.Feed.Platform, t.ID)
		msg := discord.Message{Embed: SummaryEmbed(ev.Feed, prev, row, color, e.now())}
		err := e.discord.EditMessage(ctx, row.ChannelID, row.MessageID, msg)
		switch {
		case err == nil:
			telemetry.CountNotification(plat, "summarized")
			return nil
		case errors.Is(err, discord.ErrNotFound):
			return nil
		case errors.Is(err, discord.ErrForbidden):
			return e.removeTarget(ctx, ev.Feed, t, "forbidden")
		default:
			e.log.Warn("edit summary", slog.String("message_id", row.MessageID), slog.Any("err", err))
			return nil
		}
	}

	err := e.discord.DeleteMessage(ctx, row.ChannelID, row.MessageID)
	switch {
	case err == nil:
		telemetry.CountNotification(plat, "deleted")
	case errors.Is(err, discord.ErrNotFound):
	case errors.Is(err, discord.ErrForbidden):
		return e.removeTarget(ctx, ev.Feed, t, "forbidden")
	default:
		e.log.Warn("delete ended notification", slog.String("message_id", row.MessageID), slog.Any("err", err))
	}
	return nil
}

func (e *Engine) post(ctx context.Context, ev Event, t track.Target) error {
	mention := e.ResolveMention(ctx, t)
	msg := discord.Message{
		Content:      mention.Content(),
		Embed:        PostEmbed(ev.Feed, ev.Current, e.colorOf(ev.Feed.Platform, mention.Color)),
		MentionRoles: mention.Roles(),
	}
	if _, err := e.discord.CreateMessage(ctx, t.ChannelID, msg); err != nil {
		telemetry.CountNotification(string(ev.Feed.Platform), "failed")
		return e.healCreate(ctx, ev.Feed, t, err)
	}
	telemetry.CountNotification(string(ev.Feed.Platform), "posted")
	return nil
}

// healCreate handles a failed message creation. A missing channel or missing permission
// removes the target; anything else is returned for logging.
func (e *Engine) healCreate(ctx context.Context, feed track.Feed, t track.Target, err error) error {
	switch {
	case errors.Is(err, discord.ErrForbidden):
		return e.removeTarget(ctx, feed, t, "forbidden")
	case errors.Is(err, discord.ErrNotFound):
		return e.removeTarget(ctx, feed, t, "channel_gone")
	default:
		return fmt.Errorf("create message in %s: %w", t.ChannelID, err)
	}
}

func (e *Engine) removeTarget(ctx context.Context, feed track.Feed, t track.Target, reason string) error {
	telemetry.CountTargetRemoved(string(feed.Platform), reason)
	e.log.Warn("removing target Discord refused",
		slog.String("reason", reason),
		slog.Int64("target_id", t.ID),
		slog.String("channel_id", t.ChannelID))
	if e.remover == nil {
		return nil
	}
	if _, err := e.remover.RemoveTarget(ctx, feed, t); err != nil {
		return fmt.Errorf("remove target %d: %w", t.ID, err)
	}
	return nil
}

func (e *Engine) liveMessage(ctx context.Context, feed track.Feed, t track.Target, cur *platform.Descriptor, row *track.Notification) discord.Message {
	mention := e.ResolveMention(ctx, t)
	return discord.Message{
		Content:      mention.Content(),
		Embed:        LiveEmbed(feed, cur, row, e.colorOf(feed.Platform, mention.Color)),
		MentionRoles: mention.Roles(),
	}
}

func (e *Engine) color(ctx context.Context, p platform.Platform, targetID int64) int {
	m, err := e.store.Mention(ctx, targetID)
	if err != nil {
		return DefaultColor(p)
	}
	return e.colorOf(p, m.EmbedColor)
}

func (e *Engine) colorOf(p platform.Platform, override *int) int {
	if override != nil {
		return *override
	}
	return DefaultColor(p)
}
