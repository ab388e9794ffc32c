// Package track holds the persisted data model of the notification pipeline and the store
// interfaces the pipeline components depend on. Implementations live in package db (Postgres)
// and package testutil (in-memory).
package track

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/livewatch/platform"
)

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("track: not found")

// Feed is a tracked external account on one platform.
type Feed struct {
	ID         int64
	Platform   platform.Platform
	ExternalID string
	Username   string
	// Last is the cached descriptor from the previous observation. Nil until first observed.
	Last      *platform.Descriptor
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Target binds a Feed to one Discord channel of one guild, on behalf of the user who asked.
type Target struct {
	ID        int64
	FeedID    int64
	GuildID   string
	ChannelID string
	UserID    string
	CreatedAt time.Time
}

// MentionConfig is the optional mention attached to a Target.
type MentionConfig struct {
	TargetID   int64
	RoleID     string
	Text       string
	EmbedColor *int
}

// Empty reports whether the config carries neither a role nor text.
func (m *MentionConfig) Empty() bool {
	return m == nil || (m.RoleID == "" && m.Text == "")
}

// Subscription is a verified provider-side push registration.
type Subscription struct {
	ID         int64
	Platform   platform.Platform
	ProviderID string
	ExternalID string
	EventType  string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// Active reports whether the subscription is still valid at now. A subscription without an
// expiry is valid until revoked.
func (s Subscription) Active(now time.Time) bool {
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// Notification is the record of one outstanding Discord message for a live session of a Feed in
// one Target's channel.
type Notification struct {
	ID        int64
	FeedID    int64
	TargetID  int64
	GuildID   string
	ChannelID string
	MessageID string
	SessionID string
	Title     string
	StartedAt time.Time
	Peak      int
	Average   float64
	Samples   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Observe folds one viewer sample into the running aggregates.
func (n *Notification) Observe(viewers int) {
	if viewers > n.Peak {
		n.Peak = viewers
	}
	n.Samples++
	n.Average += (float64(viewers) - n.Average) / float64(n.Samples)
}

// DedupRecord marks an external item as already handled for a Feed.
type DedupRecord struct {
	FeedID     int64
	ExternalID string
	CreatedAt  time.Time
}

// FeedStore persists feeds.
type FeedStore interface {
	Feed(ctx context.Context, id int64) (*Feed, error)
	FeedByExternal(ctx context.Context, p platform.Platform, externalID string) (*Feed, error)
	ListFeeds(ctx context.Context, p platform.Platform) ([]Feed, error)
	UpdateFeedState(ctx context.Context, id int64, last *platform.Descriptor) error
	DeleteFeed(ctx context.Context, id int64) error
	// DeleteFeedIfEmpty deletes the feed only when it has no targets. It reports whether a row
	// was deleted.
	DeleteFeedIfEmpty(ctx context.Context, id int64) (bool, error)
}

// TargetStore persists targets.
type TargetStore interface {
	// AddTarget registers a target, creating the feed first when it does not exist yet. It
	// returns the existing target with created=false when the (guild, feed, channel) triple is
	// already tracked.
	AddTarget(ctx context.Context, feed Feed, t Target) (*Target, bool, error)
	Targets(ctx context.Context, feedID int64) ([]Target, error)
	DeleteTarget(ctx context.Context, id int64) error
}

// MentionStore persists mention configs.
type MentionStore interface {
	Mention(ctx context.Context, targetID int64) (*MentionConfig, error)
	SetMention(ctx context.Context, m MentionConfig) error
	// ClearMentionRole drops the role id, deleting the record when no text remains. It reports
	// whether the record was deleted.
	ClearMentionRole(ctx context.Context, targetID int64) (bool, error)
}

// SubscriptionStore persists verified push subscriptions.
type SubscriptionStore interface {
	Subscriptions(ctx context.Context, p platform.Platform) ([]Subscription, error)
	SaveSubscription(ctx context.Context, s Subscription) error
	DeleteSubscription(ctx context.Context, p platform.Platform, providerID string) error
}

// NotificationStore persists live session notifications.
type NotificationStore interface {
	// ClaimNotification inserts n unless a row for (feed, target) already exists. claimed is
	// false when another writer got there first, in which case the existing row is returned.
	ClaimNotification(ctx context.Context, n Notification) (*Notification, bool, error)
	Notification(ctx context.Context, feedID, targetID int64) (*Notification, error)
	Notifications(ctx context.Context, feedID int64) ([]Notification, error)
	UpdateNotification(ctx context.Context, n Notification) error
	DeleteNotification(ctx context.Context, id int64) error
}

// DedupStore guards against re-notifying the same external item.
type DedupStore interface {
	// CheckAndRecord atomically records (feed, externalID) and reports whether it was new.
	CheckAndRecord(ctx context.Context, feedID int64, externalID string) (bool, error)
	// Recorded returns the subset of ids already recorded for the feed.
	Recorded(ctx context.Context, feedID int64, externalIDs []string) (map[string]bool, error)
}

// FeatureFlags answers whether a feature is enabled in a guild channel.
type FeatureFlags interface {
	Enabled(ctx context.Context, guildID, channelID, feature string) (bool, error)
}

// KV is a small string key/value store used for job heartbeats and stream cursors. A missing
// key yields "" and no error.
type KV interface {
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
}

// Store is the full persistence surface.
type Store interface {
	FeedStore
	TargetStore
	MentionStore
	SubscriptionStore
	NotificationStore
	DedupStore
	KV
}

// TrackingFeature is the flag that enables tracking of p in a channel.
func TrackingFeature(p platform.Platform) string { return string(p) }

// SummaryFeature is the flag that turns ended-session messages into summaries instead of
// deleting them.
func SummaryFeature(p platform.Platform) string { return string(p) + ".summary" }
