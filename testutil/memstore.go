package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/track"
)

// MemStore is an in-memory track.Store and track.FeatureFlags for unit tests. Every method holds
// one lock, which gives it the same atomicity as the Postgres statements it stands in for.
type MemStore struct {
	mu            sync.Mutex
	nextID        int64
	feeds         map[int64]*track.Feed
	targets       map[int64]*track.Target
	mentions      map[int64]*track.MentionConfig
	subs          map[int64]*track.Subscription
	notifications map[int64]*track.Notification
	dedup         map[int64]map[string]bool
	kv            map[string]string
	flags         map[[3]string]bool
	// FlagDefaults is consulted when no flag row matches; unknown features default to enabled.
	FlagDefaults map[string]bool
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		feeds:         map[int64]*track.Feed{},
		targets:       map[int64]*track.Target{},
		mentions:      map[int64]*track.MentionConfig{},
		subs:          map[int64]*track.Subscription{},
		notifications: map[int64]*track.Notification{},
		dedup:         map[int64]map[string]bool{},
		kv:            map[string]string{},
		flags:         map[[3]string]bool{},
		FlagDefaults:  map[string]bool{},
	}
}

var (
	_ track.Store        = (*MemStore)(nil)
	_ track.FeatureFlags = (*MemStore)(nil)
)

func (m *MemStore) id() int64 {
	m.nextID++
	return m.nextID
}

func copyFeed(f *track.Feed) *track.Feed {
	c := *f
	if f.Last != nil {
		d := *f.Last
		c.Last = &d
	}
	return &c
}

// Feed implements track.FeedStore.
func (m *MemStore) Feed(_ context.Context, id int64) (*track.Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[id]
	if !ok {
		return nil, track.ErrNotFound
	}
	return copyFeed(f), nil
}

// FeedByExternal implements track.FeedStore.
func (m *MemStore) FeedByExternal(_ context.Context, p platform.Platform, externalID string) (*track.Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.feeds {
		if f.Platform == p && f.ExternalID == externalID {
			return copyFeed(f), nil
		}
	}
	return nil, track.ErrNotFound
}

// ListFeeds implements track.FeedStore.
func (m *MemStore) ListFeeds(_ context.Context, p platform.Platform) ([]track.Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []track.Feed
	for _, f := range m.feeds {
		if f.Platform == p {
			out = append(out, *copyFeed(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateFeedState implements track.FeedStore.
func (m *MemStore) UpdateFeedState(_ context.Context, id int64, last *platform.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[id]
	if !ok {
		return track.ErrNotFound
	}
	if last != nil {
		d := *last
		f.Last = &d
	} else {
		f.Last = nil
	}
	f.UpdatedAt = time.Now()
	return nil
}

// DeleteFeed implements track.FeedStore.
func (m *MemStore) DeleteFeed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteFeedLocked(id)
	return nil
}

func (m *MemStore) deleteFeedLocked(id int64) {
	delete(m.feeds, id)
	delete(m.dedup, id)
	for tid, t := range m.targets {
		if t.FeedID == id {
			m.deleteTargetLocked(tid)
		}
	}
	for nid, n := range m.notifications {
		if n.FeedID == id {
			delete(m.notifications, nid)
		}
	}
}

// DeleteFeedIfEmpty implements track.FeedStore.
func (m *MemStore) DeleteFeedIfEmpty(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.feeds[id]; !ok {
		return false, nil
	}
	for _, t := range m.targets {
		if t.FeedID == id {
			return false, nil
		}
	}
	m.deleteFeedLocked(id)
	return true, nil
}

// AddTarget implements track.TargetStore.
func (m *MemStore) AddTarget(_ context.Context, feed track.Feed, t track.Target) (*track.Target, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var f *track.Feed
	for _, existing := range m.feeds {
		if existing.Platform == feed.Platform && existing.ExternalID == feed.ExternalID {
			f = existing
			break
		}
	}
	if f == nil {
		now := time.Now()
		f = &track.Feed{ID: m.id(), Platform: feed.Platform, ExternalID: feed.ExternalID, Username: feed.Username,
			CreatedAt: now, UpdatedAt: now}
		m.feeds[f.ID] = f
	} else if feed.Username != "" {
		f.Username = feed.Username
	}
	for _, existing := range m.targets {
		if existing.FeedID == f.ID && existing.GuildID == t.GuildID && existing.ChannelID == t.ChannelID {
			c := *existing
			return &c, false, nil
		}
	}
	nt := t
	nt.ID = m.id()
	nt.FeedID = f.ID
	nt.CreatedAt = time.Now()
	m.targets[nt.ID] = &nt
	c := nt
	return &c, true, nil
}

// Targets implements track.TargetStore.
func (m *MemStore) Targets(_ context.Context, feedID int64) ([]track.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []track.Target
	for _, t := range m.targets {
		if t.FeedID == feedID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteTarget implements track.TargetStore.
func (m *MemStore) DeleteTarget(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteTargetLocked(id)
	return nil
}

func (m *MemStore) deleteTargetLocked(id int64) {
	delete(m.targets, id)
	delete(m.mentions, id)
	for nid, n := range m.notifications {
		if n.TargetID == id {
			delete(m.notifications, nid)
		}
	}
}

// Mention implements track.MentionStore.
func (m *MemStore) Mention(_ context.Context, targetID int64) (*track.MentionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.mentions[targetID]
	if !ok {
		return nil, track.ErrNotFound
	}
	c := *mc
	return &c, nil
}

// SetMention implements track.MentionStore.
func (m *MemStore) SetMention(_ context.Context, mc track.MentionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[mc.TargetID]; !ok {
		return track.ErrNotFound
	}
	c := mc
	m.mentions[mc.TargetID] = &c
	return nil
}

// ClearMentionRole implements track.MentionStore.
func (m *MemStore) ClearMentionRole(_ context.Context, targetID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.mentions[targetID]
	if !ok {
		return false, track.ErrNotFound
	}
	mc.RoleID = ""
	if mc.Text == "" {
		delete(m.mentions, targetID)
		return true, nil
	}
	return false, nil
}

// Subscriptions implements track.SubscriptionStore.
func (m *MemStore) Subscriptions(_ context.Context, p platform.Platform) ([]track.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []track.Subscription
	for _, s := range m.subs {
		if s.Platform == p {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveSubscription implements track.SubscriptionStore.
func (m *MemStore) SaveSubscription(_ context.Context, s track.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.subs {
		if existing.Platform != s.Platform {
			continue
		}
		sameKey := existing.ExternalID == s.ExternalID && existing.EventType == s.EventType
		if sameKey {
			existing.ProviderID = s.ProviderID
			existing.ExpiresAt = s.ExpiresAt
			return nil
		}
		if existing.ProviderID == s.ProviderID {
			delete(m.subs, id)
		}
	}
	c := s
	c.ID = m.id()
	c.CreatedAt = time.Now()
	m.subs[c.ID] = &c
	return nil
}

// DeleteSubscription implements track.SubscriptionStore.
func (m *MemStore) DeleteSubscription(_ context.Context, p platform.Platform, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.subs {
		if s.Platform == p && s.ProviderID == providerID {
			delete(m.subs, id)
		}
	}
	return nil
}

// ClaimNotification implements track.NotificationStore.
func (m *MemStore) ClaimNotification(_ context.Context, n track.Notification) (*track.Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[n.TargetID]; !ok {
		return nil, false, track.ErrNotFound
	}
	for _, existing := range m.notifications {
		if existing.FeedID == n.FeedID && existing.TargetID == n.TargetID {
			c := *existing
			return &c, false, nil
		}
	}
	c := n
	c.ID = m.id()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	m.notifications[c.ID] = &c
	out := c
	return &out, true, nil
}

// Notification implements track.NotificationStore.
func (m *MemStore) Notification(_ context.Context, feedID, targetID int64) (*track.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.notifications {
		if n.FeedID == feedID && n.TargetID == targetID {
			c := *n
			return &c, nil
		}
	}
	return nil, track.ErrNotFound
}

// Notifications implements track.NotificationStore.
func (m *MemStore) Notifications(_ context.Context, feedID int64) ([]track.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []track.Notification
	for _, n := range m.notifications {
		if n.FeedID == feedID {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateNotification implements track.NotificationStore.
func (m *MemStore) UpdateNotification(_ context.Context, n track.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifications[n.ID]; !ok {
		return track.ErrNotFound
	}
	c := n
	c.UpdatedAt = time.Now()
	m.notifications[n.ID] = &c
	return nil
}

// DeleteNotification implements track.NotificationStore.
func (m *MemStore) DeleteNotification(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notifications, id)
	return nil
}

// CheckAndRecord implements track.DedupStore.
func (m *MemStore) CheckAndRecord(_ context.Context, feedID int64, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.feeds[feedID]; !ok {
		return false, track.ErrNotFound
	}
	set := m.dedup[feedID]
	if set == nil {
		set = map[string]bool{}
		m.dedup[feedID] = set
	}
	if set[externalID] {
		return false, nil
	}
	set[externalID] = true
	return true, nil
}

// Recorded implements track.DedupStore.
func (m *MemStore) Recorded(_ context.Context, feedID int64, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for _, id := range ids {
		if m.dedup[feedID][id] {
			out[id] = true
		}
	}
	return out, nil
}

// GetKV implements track.KV.
func (m *MemStore) GetKV(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv[key], nil
}

// SetKV implements track.KV.
func (m *MemStore) SetKV(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

// SetFlag stores a feature flag. An empty channelID sets the guild-wide value.
func (m *MemStore) SetFlag(guildID, channelID, feature string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[[3]string{guildID, channelID, feature}] = enabled
}

// Enabled implements track.FeatureFlags with the same precedence as db.Flags.
func (m *MemStore) Enabled(_ context.Context, guildID, channelID, feature string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.flags[[3]string{guildID, channelID, feature}]; ok {
		return v, nil
	}
	if v, ok := m.flags[[3]string{guildID, "", feature}]; ok {
		return v, nil
	}
	if v, ok := m.FlagDefaults[feature]; ok {
		return v, nil
	}
	return true, nil
}

// CountFeeds returns the number of feeds across platforms.
func (m *MemStore) CountFeeds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.feeds)
}

// CountNotifications returns the number of notification rows.
func (m *MemStore) CountNotifications() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}

// Set is SetFlag with the db.Flags signature.
func (m *MemStore) Set(_ context.Context, guildID, channelID, feature string, enabled bool) error {
	m.SetFlag(guildID, channelID, feature, enabled)
	return nil
}
