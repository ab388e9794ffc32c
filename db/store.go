package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/track"
)

// Store implements track.Store on Postgres.
type Store struct {
	DB *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

var _ track.Store = (*Store)(nil)

const feedColumns = `id, platform, external_id, username, last_descriptor, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*track.Feed, error) {
	var (
		f    track.Feed
		p    string
		last []byte
	)
	if err := row.Scan(&f.ID, &p, &f.ExternalID, &f.Username, &last, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, track.ErrNotFound
		}
		return nil, err
	}
	f.Platform = platform.Platform(p)
	if len(last) > 0 {
		var d platform.Descriptor
		if err := json.Unmarshal(last, &d); err != nil {
			return nil, fmt.Errorf("decode last descriptor of feed %d: %w", f.ID, err)
		}
		f.Last = &d
	}
	return &f, nil
}

// Feed loads a feed by id.
func (s *Store) Feed(ctx context.Context, id int64) (*track.Feed, error) {
	return scanFeed(s.DB.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id=$1`, id))
}

// FeedByExternal loads a feed by its provider-side id.
func (s *Store) FeedByExternal(ctx context.Context, p platform.Platform, externalID string) (*track.Feed, error) {
	return scanFeed(s.DB.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE platform=$1 AND external_id=$2`, string(p), externalID))
}

// ListFeeds returns every feed of a platform, oldest first.
func (s *Store) ListFeeds(ctx context.Context, p platform.Platform) ([]track.Feed, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE platform=$1 ORDER BY id`, string(p))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []track.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// UpdateFeedState replaces the cached descriptor.
func (s *Store) UpdateFeedState(ctx context.Context, id int64, last *platform.Descriptor) error {
	var payload any
	if last != nil {
		b, err := json.Marshal(last)
		if err != nil {
			return fmt.Errorf("encode descriptor: %w", err)
		}
		payload = string(b)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE feeds SET last_descriptor=$2, updated_at=NOW() WHERE id=$1`, id, payload)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// DeleteFeed removes a feed and, by cascade, its targets, notifications and dedup records.
func (s *Store) DeleteFeed(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM feeds WHERE id=$1`, id)
	return err
}

// DeleteFeedIfEmpty deletes the feed in the same statement that checks it has no targets.
func (s *Store) DeleteFeedIfEmpty(ctx context.Context, id int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM feeds f WHERE f.id=$1 AND NOT EXISTS (SELECT 1 FROM targets t WHERE t.feed_id=f.id)`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AddTarget upserts the feed and inserts the target in one transaction. A concurrent
// DeleteFeedIfEmpty can win the race between the two statements; the transaction is retried
// once in that case so the target lands on a fresh feed row.
func (s *Store) AddTarget(ctx context.Context, feed track.Feed, t track.Target) (*track.Target, bool, error) {
	out, created, err := s.addTarget(ctx, feed, t)
	if isForeignKeyViolation(err) {
		out, created, err = s.addTarget(ctx, feed, t)
	}
	return out, created, err
}

func (s *Store) addTarget(ctx context.Context, feed track.Feed, t track.Target) (*track.Target, bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var feedID int64
	err = tx.QueryRowContext(ctx, `INSERT INTO feeds(platform, external_id, username)
		VALUES($1,$2,$3)
		ON CONFLICT(platform, external_id) DO UPDATE SET
			username=COALESCE(NULLIF(EXCLUDED.username, ''), feeds.username),
			updated_at=NOW()
		RETURNING id`, string(feed.Platform), feed.ExternalID, feed.Username).Scan(&feedID)
	if err != nil {
		return nil, false, fmt.Errorf("upsert feed: %w", err)
	}

	out := t
	out.FeedID = feedID
	created := true
	err = tx.QueryRowContext(ctx, `INSERT INTO targets(feed_id, guild_id, channel_id, user_id)
		VALUES($1,$2,$3,$4)
		ON CONFLICT(guild_id, feed_id, channel_id) DO NOTHING
		RETURNING id, created_at`, feedID, t.GuildID, t.ChannelID, t.UserID).Scan(&out.ID, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		created = false
		err = tx.QueryRowContext(ctx, `SELECT id, user_id, created_at FROM targets
			WHERE guild_id=$1 AND feed_id=$2 AND channel_id=$3`, t.GuildID, feedID, t.ChannelID).
			Scan(&out.ID, &out.UserID, &out.CreatedAt)
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert target: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

// Targets lists a feed's targets.
func (s *Store) Targets(ctx context.Context, feedID int64) ([]track.Target, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, feed_id, guild_id, channel_id, user_id, created_at
		FROM targets WHERE feed_id=$1 ORDER BY id`, feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []track.Target
	for rows.Next() {
		var t track.Target
		if err := rows.Scan(&t.ID, &t.FeedID, &t.GuildID, &t.ChannelID, &t.UserID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTarget removes a target and, by cascade, its mention config and notification.
func (s *Store) DeleteTarget(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM targets WHERE id=$1`, id)
	return err
}

// Mention loads a target's mention config.
func (s *Store) Mention(ctx context.Context, targetID int64) (*track.MentionConfig, error) {
	var (
		m     = track.MentionConfig{TargetID: targetID}
		role  sql.NullString
		color sql.NullInt32
	)
	err := s.DB.QueryRowContext(ctx, `SELECT role_id, text, embed_color FROM mention_configs WHERE target_id=$1`, targetID).
		Scan(&role, &m.Text, &color)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, track.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.RoleID = role.String
	if color.Valid {
		c := int(color.Int32)
		m.EmbedColor = &c
	}
	return &m, nil
}

// SetMention upserts a mention config. It returns track.ErrNotFound when the target is gone.
func (s *Store) SetMention(ctx context.Context, m track.MentionConfig) error {
	var color any
	if m.EmbedColor != nil {
		color = *m.EmbedColor
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO mention_configs(target_id, role_id, text, embed_color)
		VALUES($1, NULLIF($2, ''), $3, $4)
		ON CONFLICT(target_id) DO UPDATE SET
			role_id=EXCLUDED.role_id, text=EXCLUDED.text, embed_color=EXCLUDED.embed_color`,
		m.TargetID, m.RoleID, m.Text, color)
	if isForeignKeyViolation(err) {
		return track.ErrNotFound
	}
	return err
}

// ClearMentionRole drops the role id and deletes the record when it has no text left.
func (s *Store) ClearMentionRole(ctx context.Context, targetID int64) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var text string
	err = tx.QueryRowContext(ctx, `UPDATE mention_configs SET role_id=NULL WHERE target_id=$1 RETURNING text`, targetID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return false, track.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	deleted := false
	if text == "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mention_configs WHERE target_id=$1`, targetID); err != nil {
			return false, err
		}
		deleted = true
	}
	return deleted, tx.Commit()
}

// Subscriptions lists verified subscriptions of a platform.
func (s *Store) Subscriptions(ctx context.Context, p platform.Platform) ([]track.Subscription, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, platform, provider_id, external_id, event_type, expires_at, created_at
		FROM subscriptions WHERE platform=$1 ORDER BY id`, string(p))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []track.Subscription
	for rows.Next() {
		var (
			sub     track.Subscription
			plat    string
			expires sql.NullTime
		)
		if err := rows.Scan(&sub.ID, &plat, &sub.ProviderID, &sub.ExternalID, &sub.EventType, &expires, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Platform = platform.Platform(plat)
		if expires.Valid {
			e := expires.Time
			sub.ExpiresAt = &e
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// SaveSubscription upserts on (platform, external_id, event_type). A stale row holding the same
// provider id under another key is replaced in the same transaction.
func (s *Store) SaveSubscription(ctx context.Context, sub track.Subscription) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions
		WHERE platform=$1 AND provider_id=$2 AND NOT (external_id=$3 AND event_type=$4)`,
		string(sub.Platform), sub.ProviderID, sub.ExternalID, sub.EventType); err != nil {
		return err
	}
	var expires any
	if sub.ExpiresAt != nil {
		expires = sub.ExpiresAt.UTC()
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO subscriptions(platform, provider_id, external_id, event_type, expires_at)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT(platform, external_id, event_type) DO UPDATE SET
			provider_id=EXCLUDED.provider_id, expires_at=EXCLUDED.expires_at`,
		string(sub.Platform), sub.ProviderID, sub.ExternalID, sub.EventType, expires)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("save subscription %s/%s: %w", sub.Platform, sub.ProviderID, err)
		}
		return err
	}
	return tx.Commit()
}

// DeleteSubscription removes a subscription by provider id. Deleting a missing row is not an
// error.
func (s *Store) DeleteSubscription(ctx context.Context, p platform.Platform, providerID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM subscriptions WHERE platform=$1 AND provider_id=$2`, string(p), providerID)
	return err
}

const notificationColumns = `id, feed_id, target_id, guild_id, channel_id, message_id, session_id, title,
	started_at, peak, average, samples, created_at, updated_at`

func scanNotification(row rowScanner) (*track.Notification, error) {
	var (
		n       track.Notification
		started sql.NullTime
	)
	err := row.Scan(&n.ID, &n.FeedID, &n.TargetID, &n.GuildID, &n.ChannelID, &n.MessageID, &n.SessionID, &n.Title,
		&started, &n.Peak, &n.Average, &n.Samples, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, track.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if started.Valid {
		n.StartedAt = started.Time
	}
	return &n, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// ClaimNotification inserts the row unless (feed, target) already has one. The losing writer
// gets the winner's row back with claimed=false. A target deleted concurrently yields
// track.ErrNotFound.
func (s *Store) ClaimNotification(ctx context.Context, n track.Notification) (*track.Notification, bool, error) {
	row := s.DB.QueryRowContext(ctx, `INSERT INTO notifications(feed_id, target_id, guild_id, channel_id, message_id,
			session_id, title, started_at, peak, average, samples)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT(feed_id, target_id) DO NOTHING
		RETURNING `+notificationColumns,
		n.FeedID, n.TargetID, n.GuildID, n.ChannelID, n.MessageID, n.SessionID, n.Title, nullTime(n.StartedAt),
		n.Peak, n.Average, n.Samples)
	got, err := scanNotification(row)
	switch {
	case err == nil:
		return got, true, nil
	case errors.Is(err, track.ErrNotFound):
		existing, err := s.Notification(ctx, n.FeedID, n.TargetID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	case isForeignKeyViolation(err):
		return nil, false, track.ErrNotFound
	default:
		return nil, false, err
	}
}

// Notification loads the row for (feed, target).
func (s *Store) Notification(ctx context.Context, feedID, targetID int64) (*track.Notification, error) {
	return scanNotification(s.DB.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE feed_id=$1 AND target_id=$2`, feedID, targetID))
}

// Notifications lists every outstanding notification of a feed.
func (s *Store) Notifications(ctx context.Context, feedID int64) ([]track.Notification, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE feed_id=$1 ORDER BY id`, feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []track.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// UpdateNotification writes the mutable fields of n back.
func (s *Store) UpdateNotification(ctx context.Context, n track.Notification) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE notifications SET message_id=$2, session_id=$3, title=$4, started_at=$5,
			peak=$6, average=$7, samples=$8, updated_at=NOW()
		WHERE id=$1`,
		n.ID, n.MessageID, n.SessionID, n.Title, nullTime(n.StartedAt), n.Peak, n.Average, n.Samples)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// DeleteNotification removes a notification row.
func (s *Store) DeleteNotification(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM notifications WHERE id=$1`, id)
	return err
}

// CheckAndRecord is a single insert: the row count tells whether this call created it.
func (s *Store) CheckAndRecord(ctx context.Context, feedID int64, externalID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO dedup_records(feed_id, external_id) VALUES($1,$2)
		ON CONFLICT DO NOTHING`, feedID, externalID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, track.ErrNotFound
		}
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Recorded returns which of ids are already recorded for the feed.
func (s *Store) Recorded(ctx context.Context, feedID int64, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT external_id FROM dedup_records
		WHERE feed_id=$1 AND external_id = ANY($2)`, feedID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// GetKV reads a kv value; a missing key yields "".
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var v sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v.String, err
}

// SetKV upserts a kv value.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return track.ErrNotFound
	}
	return nil
}
