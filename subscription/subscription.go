// Package subscription keeps provider-side push subscriptions in line with the feeds that have
// active targets.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/track"
)

// ErrListUnsupported is returned by providers that cannot enumerate their subscriptions.
var ErrListUnsupported = errors.New("subscription: provider cannot list subscriptions")

// RemoteStatus is the provider-side state of a subscription.
type RemoteStatus string

const (
	StatusEnabled RemoteStatus = "enabled"
	StatusPending RemoteStatus = "pending"
	StatusFailed  RemoteStatus = "failed"
)

// Remote is a subscription as the provider reports it.
type Remote struct {
	ID         string
	ExternalID string
	EventType  string
	Status     RemoteStatus
	ExpiresAt  *time.Time
}

// Provider is one push provider's subscription API.
type Provider interface {
	Platform() platform.Platform
	EventTypes() []string
	List(ctx context.Context) ([]Remote, error)
	// Subscribe requests a subscription. Success only means the request was accepted; the row is
	// persisted when the provider's verification callback arrives.
	Subscribe(ctx context.Context, feed track.Feed, eventType string) error
	Unsubscribe(ctx context.Context, r Remote) error
}

// Store is the persistence the manager needs.
type Store interface {
	ListFeeds(ctx context.Context, p platform.Platform) ([]track.Feed, error)
	track.SubscriptionStore
}

// Targets resolves the active targets of a feed (see registry.Registry).
type Targets interface {
	ActiveTargets(ctx context.Context, feed track.Feed) ([]track.Target, error)
}

// Report summarizes one reconciliation pass.
type Report struct {
	Subscribed   int `json:"subscribed"`
	Unsubscribed int `json:"unsubscribed"`
	Adopted      int `json:"adopted"`
	Failed       int `json:"failed"`
}

type pair struct{ externalID, eventType string }

// Manager reconciles one provider.
type Manager struct {
	provider Provider
	store    Store
	targets  Targets
	interval time.Duration
	// RenewBefore treats a subscription expiring within this window as missing.
	RenewBefore time.Duration

	mu  sync.Mutex
	now func() time.Time
	log *slog.Logger
}

// NewManager builds a manager that reconciles every interval.
func NewManager(p Provider, store Store, targets Targets, interval time.Duration) *Manager {
	return &Manager{
		provider: p,
		store:    store,
		targets:  targets,
		interval: interval,
		now:      time.Now,
		log: slog.Default().With(
			slog.String("component", "subscription"),
			slog.String("platform", string(p.Platform()))),
	}
}

// Platform returns the provider's platform.
func (m *Manager) Platform() platform.Platform { return m.provider.Platform() }

// Run reconciles immediately and then on every interval until ctx is done. Failures are logged
// and retried on the next tick.
func (m *Manager) Run(ctx context.Context) {
	if m.interval <= 0 {
		m.interval = 10 * time.Minute
	}
	m.log.Info("subscription manager started", slog.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if _, err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("reconcile failed", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			m.log.Info("subscription manager stopped")
			return
		case <-ticker.C:
		}
	}
}

// Reconcile runs one pass: drop subscriptions of feeds without active targets, request missing
// ones and, when the provider can list, sweep provider-side leftovers.
func (m *Manager) Reconcile(ctx context.Context) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rep Report
	p := m.provider.Platform()
	ctx, span := telemetry.StartSpan(ctx, "livewatch/subscription", "reconcile", telemetry.PlatformAttr(string(p)))
	defer span.End()

	feeds, err := m.store.ListFeeds(ctx, p)
	if err != nil {
		telemetry.RecordError(span, err)
		return rep, fmt.Errorf("list feeds: %w", err)
	}

	// wanted holds feeds with active targets; unknown holds feeds whose targets could not be
	// resolved this pass and are left untouched.
	wanted := map[string]track.Feed{}
	unknown := map[string]bool{}
	for _, f := range feeds {
		active, err := m.targets.ActiveTargets(ctx, f)
		if err != nil {
			m.log.Warn("resolve targets", slog.String("feed", f.ExternalID), slog.Any("err", err))
			unknown[f.ExternalID] = true
			continue
		}
		if len(active) > 0 {
			wanted[f.ExternalID] = f
		}
	}

	subs, err := m.store.Subscriptions(ctx, p)
	if err != nil {
		telemetry.RecordError(span, err)
		return rep, fmt.Errorf("load subscriptions: %w", err)
	}

	renewAt := m.now().Add(m.RenewBefore)
	have := map[pair]bool{}
	removed := map[string]bool{}
	for _, s := range subs {
		if unknown[s.ExternalID] {
			have[pair{s.ExternalID, s.EventType}] = true
			continue
		}
		if _, ok := wanted[s.ExternalID]; !ok {
			removed[s.ProviderID] = true
			if m.unsubscribe(ctx, Remote{ID: s.ProviderID, ExternalID: s.ExternalID, EventType: s.EventType, ExpiresAt: s.ExpiresAt}) {
				rep.Unsubscribed++
				if err := m.store.DeleteSubscription(ctx, p, s.ProviderID); err != nil {
					m.log.Warn("delete subscription row", slog.String("id", s.ProviderID), slog.Any("err", err))
				}
			} else {
				rep.Failed++
			}
			continue
		}
		if s.Active(renewAt) {
			have[pair{s.ExternalID, s.EventType}] = true
		}
	}

	if err := m.sweep(ctx, wanted, unknown, have, removed, &rep); err != nil && !errors.Is(err, ErrListUnsupported) {
		m.log.Warn("list provider subscriptions", slog.Any("err", err))
	}

	for id, f := range wanted {
		for _, et := range m.provider.EventTypes() {
			if have[pair{id, et}] {
				continue
			}
			if err := m.provider.Subscribe(ctx, f, et); err != nil {
				telemetry.CountSubscriptionOp(string(p), "subscribe", "error")
				m.log.Warn("subscribe failed",
					slog.String("feed", f.ExternalID),
					slog.String("event_type", et),
					slog.Any("err", err))
				rep.Failed++
				continue
			}
			telemetry.CountSubscriptionOp(string(p), "subscribe", "ok")
			m.log.Info("subscription requested", slog.String("feed", f.ExternalID), slog.String("event_type", et))
			rep.Subscribed++
		}
	}

	m.log.Debug("reconciled",
		slog.Int("subscribed", rep.Subscribed),
		slog.Int("unsubscribed", rep.Unsubscribed),
		slog.Int("adopted", rep.Adopted),
		slog.Int("failed", rep.Failed))
	return rep, nil
}

// sweep walks the provider-side list. Enabled subscriptions of wanted pairs missing locally are
// adopted; failed or unwanted ones are deleted; pending ones count as present.
func (m *Manager) sweep(ctx context.Context, wanted map[string]track.Feed, unknown map[string]bool, have map[pair]bool, removed map[string]bool, rep *Report) error {
	remotes, err := m.provider.List(ctx)
	if err != nil {
		return err
	}
	p := m.provider.Platform()
	for _, r := range remotes {
		key := pair{r.ExternalID, r.EventType}
		_, isWanted := wanted[r.ExternalID]
		switch {
		case unknown[r.ExternalID] || removed[r.ID]:
		case r.Status == StatusFailed || !isWanted:
			if m.unsubscribe(ctx, r) {
				delete(have, key)
				rep.Unsubscribed++
				if err := m.store.DeleteSubscription(ctx, p, r.ID); err != nil {
					m.log.Warn("delete subscription row", slog.String("id", r.ID), slog.Any("err", err))
				}
			} else {
				rep.Failed++
			}
		case r.Status == StatusPending:
			have[key] = true
		case !have[key]:
			err := m.store.SaveSubscription(ctx, track.Subscription{
				Platform:   p,
				ProviderID: r.ID,
				ExternalID: r.ExternalID,
				EventType:  r.EventType,
				ExpiresAt:  r.ExpiresAt,
			})
			if err != nil {
				m.log.Warn("adopt subscription", slog.String("id", r.ID), slog.Any("err", err))
				continue
			}
			have[key] = true
			rep.Adopted++
		}
	}
	return nil
}

func (m *Manager) unsubscribe(ctx context.Context, r Remote) bool {
	p := string(m.provider.Platform())
	if err := m.provider.Unsubscribe(ctx, r); err != nil {
		telemetry.CountSubscriptionOp(p, "unsubscribe", "error")
		m.log.Warn("unsubscribe failed",
			slog.String("id", r.ID),
			slog.String("feed", r.ExternalID),
			slog.Any("err", err))
		return false
	}
	telemetry.CountSubscriptionOp(p, "unsubscribe", "ok")
	m.log.Info("subscription removed", slog.String("id", r.ID), slog.String("feed", r.ExternalID))
	return true
}
