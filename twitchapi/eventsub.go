package twitchapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/subscription"
	"github.com/onnwee/livewatch/track"
)

// EventSub subscription types the pipeline uses.
const (
	EventStreamOnline  = "stream.online"
	EventStreamOffline = "stream.offline"
)

// EventSubProvider manages Twitch EventSub webhook subscriptions for subscription.Manager.
type EventSubProvider struct {
	Helix    *HelixClient
	Callback string
	Secret   string
}

var _ subscription.Provider = (*EventSubProvider)(nil)

// Platform implements subscription.Provider.
func (p *EventSubProvider) Platform() platform.Platform { return platform.Twitch }

// EventTypes implements subscription.Provider.
func (p *EventSubProvider) EventTypes() []string {
	return []string{EventStreamOnline, EventStreamOffline}
}

// Subscribe implements subscription.Provider. A 409 means Twitch already has the subscription
// (possibly still pending verification) and is not an error.
func (p *EventSubProvider) Subscribe(ctx context.Context, feed track.Feed, eventType string) error {
	_, err := p.Helix.CreateEventSubSubscription(ctx, EventSubSubscription{
		Type:      eventType,
		Version:   "1",
		Condition: map[string]string{"broadcaster_user_id": feed.ExternalID},
		Transport: EventSubTransport{Method: "webhook", Callback: p.Callback, Secret: p.Secret},
	})
	var se *platform.StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return nil
	}
	return err
}

// Unsubscribe implements subscription.Provider.
func (p *EventSubProvider) Unsubscribe(ctx context.Context, r subscription.Remote) error {
	return p.Helix.DeleteEventSubSubscription(ctx, r.ID)
}

// List implements subscription.Provider. Only webhook subscriptions pointing at this deployment's
// callback and of a handled type are returned.
func (p *EventSubProvider) List(ctx context.Context) ([]subscription.Remote, error) {
	subs, err := p.Helix.ListEventSubSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	handled := map[string]bool{}
	for _, et := range p.EventTypes() {
		handled[et] = true
	}
	out := make([]subscription.Remote, 0, len(subs))
	for _, s := range subs {
		if s.Transport.Method != "webhook" || s.Transport.Callback != p.Callback || !handled[s.Type] {
			continue
		}
		out = append(out, subscription.Remote{
			ID:         s.ID,
			ExternalID: s.Condition["broadcaster_user_id"],
			EventType:  s.Type,
			Status:     remoteStatus(s.Status),
		})
	}
	return out, nil
}

func remoteStatus(s string) subscription.RemoteStatus {
	switch s {
	case "enabled":
		return subscription.StatusEnabled
	case "webhook_callback_verification_pending":
		return subscription.StatusPending
	default:
		return subscription.StatusFailed
	}
}
