package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Flags resolves per-guild feature flags. A channel row overrides the guild-wide row; with
// neither present the feature falls back to Defaults, and features absent from Defaults are
// enabled.
type Flags struct {
	DB       *sql.DB
	Defaults map[string]bool
}

// Enabled reports whether feature is on for the given guild channel.
func (f *Flags) Enabled(ctx context.Context, guildID, channelID, feature string) (bool, error) {
	var enabled bool
	err := f.DB.QueryRowContext(ctx, `SELECT enabled FROM feature_flags
		WHERE guild_id=$1 AND feature=$3 AND channel_id IN ($2, '')
		ORDER BY channel_id DESC LIMIT 1`, guildID, channelID, feature).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		if def, ok := f.Defaults[feature]; ok {
			return def, nil
		}
		return true, nil
	}
	return enabled, err
}

// Set stores a flag. An empty channelID sets the guild-wide value.
func (f *Flags) Set(ctx context.Context, guildID, channelID, feature string, enabled bool) error {
	_, err := f.DB.ExecContext(ctx, `INSERT INTO feature_flags(guild_id, channel_id, feature, enabled, updated_at)
		VALUES($1,$2,$3,$4,NOW())
		ON CONFLICT(guild_id, channel_id, feature) DO UPDATE SET enabled=EXCLUDED.enabled, updated_at=NOW()`,
		guildID, channelID, feature, enabled)
	return err
}

// Stats is the row-count snapshot served by the status endpoint.
type Stats struct {
	Feeds         map[string]int    `json:"feeds"`
	Targets       int               `json:"targets"`
	Subscriptions map[string]int    `json:"subscriptions"`
	Notifications int               `json:"notifications"`
	Heartbeats    map[string]string `json:"heartbeats"`
}

// LoadStats counts rows per table and collects job heartbeats from kv.
func LoadStats(ctx context.Context, db *sql.DB) (*Stats, error) {
	st := &Stats{Feeds: map[string]int{}, Subscriptions: map[string]int{}, Heartbeats: map[string]string{}}

	if err := countBy(ctx, db, `SELECT platform, COUNT(*) FROM feeds GROUP BY platform`, st.Feeds); err != nil {
		return nil, err
	}
	if err := countBy(ctx, db, `SELECT platform, COUNT(*) FROM subscriptions GROUP BY platform`, st.Subscriptions); err != nil {
		return nil, err
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets`).Scan(&st.Targets); err != nil {
		return nil, err
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`).Scan(&st.Notifications); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT key, updated_at FROM kv WHERE key LIKE 'job_%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			at  time.Time
		)
		if err := rows.Scan(&key, &at); err != nil {
			return nil, err
		}
		st.Heartbeats[key] = at.UTC().Format(time.RFC3339)
	}
	return st, rows.Err()
}

func countBy(ctx context.Context, db *sql.DB, q string, into map[string]int) error {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}
