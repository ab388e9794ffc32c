package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/recheck"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/track"
	"github.com/onnwee/livewatch/twitchapi"
	"github.com/onnwee/livewatch/youtubeapi"
)

// Store is the persistence the processors need.
type Store interface {
	FeedByExternal(ctx context.Context, p platform.Platform, externalID string) (*track.Feed, error)
	track.SubscriptionStore
}

// Observer applies a stream observation to a feed. *poll.Dispatcher implements it.
type Observer interface {
	Observe(ctx context.Context, feed track.Feed, d *platform.Descriptor) error
}

// VideoChecker processes YouTube videos of a channel. *poll.YouTubeChecker implements it.
type VideoChecker interface {
	ProcessVideos(ctx context.Context, feed track.Feed, ids []string) error
	CheckFeed(ctx context.Context, feed track.Feed) error
}

// Rechecker schedules a debounced re-pull. *recheck.Scheduler implements it.
type Rechecker interface {
	Schedule(key string, action recheck.Action)
}

type envelope struct {
	Subscription struct {
		ID        string            `json:"id"`
		Type      string            `json:"type"`
		Version   string            `json:"version"`
		Status    string            `json:"status"`
		Condition map[string]string `json:"condition"`
	} `json:"subscription"`
	Challenge string          `json:"challenge"`
	Event     json.RawMessage `json:"event"`
}

func decodeEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode eventsub envelope: %w", err)
	}
	return &env, nil
}

type streamEvent struct {
	ID                   string    `json:"id"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	BroadcasterUserName  string    `json:"broadcaster_user_name"`
	Type                 string    `json:"type"`
	StartedAt            time.Time `json:"started_at"`
}

// TwitchProcessor consumes EventSub messages.
type TwitchProcessor struct {
	Store    Store
	Adapter  platform.Adapter
	Observer Observer
	Recheck  Rechecker
}

// Handle implements Handler.
func (p *TwitchProcessor) Handle(ctx context.Context, it Item) error {
	env, err := decodeEnvelope(it.Body)
	if err != nil {
		return err
	}
	sub := env.Subscription
	broadcaster := sub.Condition["broadcaster_user_id"]
	log := slog.Default().With(slog.String("component", "intake"), slog.String("provider", "twitch"),
		slog.String("subscription_id", sub.ID), slog.String("event_type", sub.Type))

	switch it.Type {
	case MessageVerification:
		err := p.Store.SaveSubscription(ctx, track.Subscription{
			Platform: platform.Twitch, ProviderID: sub.ID, ExternalID: broadcaster, EventType: sub.Type,
		})
		if err != nil {
			telemetry.CountSubscriptionOp("twitch", "verify", "error")
			return fmt.Errorf("save subscription %s: %w", sub.ID, err)
		}
		telemetry.CountSubscriptionOp("twitch", "verify", "ok")
		log.Info("eventsub subscription verified", slog.String("broadcaster_id", broadcaster))
		return nil
	case MessageRevocation:
		if err := p.Store.DeleteSubscription(ctx, platform.Twitch, sub.ID); err != nil && !errors.Is(err, track.ErrNotFound) {
			return fmt.Errorf("delete subscription %s: %w", sub.ID, err)
		}
		telemetry.CountSubscriptionOp("twitch", "revoked", "ok")
		log.Warn("eventsub subscription revoked", slog.String("status", sub.Status))
		return nil
	case MessageNotification:
	default:
		return nil
	}

	var ev streamEvent
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		return fmt.Errorf("decode %s event: %w", sub.Type, err)
	}
	if ev.BroadcasterUserID == "" {
		ev.BroadcasterUserID = broadcaster
	}
	feed, err := p.Store.FeedByExternal(ctx, platform.Twitch, ev.BroadcasterUserID)
	if errors.Is(err, track.ErrNotFound) {
		log.Debug("event for untracked broadcaster", slog.String("broadcaster_id", ev.BroadcasterUserID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load feed %s: %w", ev.BroadcasterUserID, err)
	}

	switch sub.Type {
	case twitchapi.EventStreamOnline:
		if ev.Type != "" && ev.Type != "live" {
			return nil
		}
		if d := p.pull(ctx, *feed); d != nil && d.Live {
			return p.Observer.Observe(ctx, *feed, d)
		}
		// Helix has not caught up with the event yet: announce from the payload and refresh once
		// the quiet window passes.
		fallback := twitchapi.StreamDescriptor(twitchapi.Stream{
			ID: ev.ID, UserID: ev.BroadcasterUserID, UserLogin: ev.BroadcasterUserLogin,
			UserName: ev.BroadcasterUserName, Type: "live", StartedAt: ev.StartedAt,
		})
		if p.Recheck != nil {
			f := *feed
			p.Recheck.Schedule("twitch:"+f.ExternalID, func(ctx context.Context, _ string) {
				if d := p.pull(ctx, f); d != nil && d.Live {
					if err := p.Observer.Observe(ctx, f, d); err != nil {
						log.Warn("recheck observe", slog.Any("err", err))
					}
				}
			})
		}
		return p.Observer.Observe(ctx, *feed, fallback)
	case twitchapi.EventStreamOffline:
		return p.Observer.Observe(ctx, *feed, nil)
	}
	return nil
}

func (p *TwitchProcessor) pull(ctx context.Context, feed track.Feed) *platform.Descriptor {
	r := p.Adapter.GetEntities(ctx, []string{feed.ExternalID})[feed.ExternalID]
	if r.Status != platform.StatusFound {
		slog.Debug("stream pull failed", slog.String("component", "intake"), slog.String("broadcaster_id", feed.ExternalID),
			slog.String("status", r.Status.String()), slog.Any("err", r.Err))
		return nil
	}
	return r.Descriptor
}

// YouTubeProcessor consumes WebSub requests.
type YouTubeProcessor struct {
	Store   Store
	Videos  VideoChecker
	Recheck Rechecker
	// Lease is assumed when the hub's verification omits hub.lease_seconds.
	Lease time.Duration

	now func() time.Time
}

func (p *YouTubeProcessor) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// Handle implements Handler.
func (p *YouTubeProcessor) Handle(ctx context.Context, it Item) error {
	log := slog.Default().With(slog.String("component", "intake"), slog.String("provider", "youtube"))
	switch it.Type {
	case WebSubVerify:
		topic := it.Query["hub.topic"]
		channel := youtubeapi.ChannelFromTopic(topic)
		if it.Query["hub.mode"] == "unsubscribe" {
			if err := p.Store.DeleteSubscription(ctx, platform.YouTube, topic); err != nil && !errors.Is(err, track.ErrNotFound) {
				return fmt.Errorf("delete subscription %s: %w", topic, err)
			}
			telemetry.CountSubscriptionOp("youtube", "unsubscribed", "ok")
			return nil
		}
		lease := p.Lease
		if secs, err := strconv.ParseInt(it.Query["hub.lease_seconds"], 10, 64); err == nil && secs > 0 {
			lease = youtubeapi.MaxLease
			if secs < int64(youtubeapi.MaxLease/time.Second) {
				lease = time.Duration(secs) * time.Second
			}
		}
		if lease > youtubeapi.MaxLease {
			lease = youtubeapi.MaxLease
		}
		s := track.Subscription{Platform: platform.YouTube, ProviderID: topic, ExternalID: channel, EventType: youtubeapi.EventVideos}
		if lease > 0 {
			exp := p.clock().Add(lease)
			s.ExpiresAt = &exp
		}
		if err := p.Store.SaveSubscription(ctx, s); err != nil {
			telemetry.CountSubscriptionOp("youtube", "verify", "error")
			return fmt.Errorf("save subscription %s: %w", topic, err)
		}
		telemetry.CountSubscriptionOp("youtube", "verify", "ok")
		log.Info("websub lease stored", slog.String("channel_id", channel), slog.Duration("lease", lease))
		return nil
	case WebSubDenied:
		topic := it.Query["hub.topic"]
		if err := p.Store.DeleteSubscription(ctx, platform.YouTube, topic); err != nil && !errors.Is(err, track.ErrNotFound) {
			return fmt.Errorf("delete subscription %s: %w", topic, err)
		}
		telemetry.CountSubscriptionOp("youtube", "denied", "ok")
		return nil
	case WebSubNotification:
	default:
		return nil
	}

	entries, err := youtubeapi.ParseFeed(it.Body)
	if err != nil {
		return fmt.Errorf("parse websub notification: %w", err)
	}
	byChannel := map[string][]string{}
	var order []string
	for _, e := range entries {
		if e.ChannelID == "" {
			continue
		}
		if _, ok := byChannel[e.ChannelID]; !ok {
			order = append(order, e.ChannelID)
		}
		byChannel[e.ChannelID] = append(byChannel[e.ChannelID], e.VideoID)
	}
	var errs []error
	for _, ch := range order {
		feed, err := p.Store.FeedByExternal(ctx, platform.YouTube, ch)
		if errors.Is(err, track.ErrNotFound) {
			log.Debug("notification for untracked channel", slog.String("channel_id", ch))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("load feed %s: %w", ch, err))
			continue
		}
		if err := p.Videos.ProcessVideos(ctx, *feed, byChannel[ch]); err != nil {
			errs = append(errs, err)
		}
		if p.Recheck != nil {
			f := *feed
			p.Recheck.Schedule("youtube:"+ch, func(ctx context.Context, _ string) {
				if err := p.Videos.CheckFeed(ctx, f); err != nil {
					log.Warn("recheck feed", slog.String("channel_id", f.ExternalID), slog.Any("err", err))
				}
			})
		}
	}
	return errors.Join(errs...)
}
