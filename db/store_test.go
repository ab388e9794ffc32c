package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/track"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE feeds, targets, mention_configs, subscriptions,
		notifications, dedup_records, feature_flags, kv RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewStore(db)
}

func addTarget(t *testing.T, s *Store, externalID, channel string) *track.Target {
	t.Helper()
	tg, _, err := s.AddTarget(context.Background(),
		track.Feed{Platform: platform.Twitch, ExternalID: externalID, Username: "user_" + externalID},
		track.Target{GuildID: "g1", ChannelID: channel, UserID: "u1"})
	if err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	return tg
}

func TestAddTargetCreatesFeedOnce(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first, created, err := s.AddTarget(ctx,
		track.Feed{Platform: platform.Twitch, ExternalID: "123", Username: "alice"},
		track.Target{GuildID: "g1", ChannelID: "c1", UserID: "u1"})
	if err != nil || !created {
		t.Fatalf("first AddTarget = %v, created=%v", err, created)
	}
	again, created, err := s.AddTarget(ctx,
		track.Feed{Platform: platform.Twitch, ExternalID: "123"},
		track.Target{GuildID: "g1", ChannelID: "c1", UserID: "u2"})
	if err != nil || created {
		t.Fatalf("second AddTarget = %v, created=%v", err, created)
	}
	if again.ID != first.ID || again.UserID != "u1" {
		t.Errorf("duplicate target returned %+v, want id %d by u1", again, first.ID)
	}

	feed, err := s.FeedByExternal(ctx, platform.Twitch, "123")
	if err != nil {
		t.Fatalf("FeedByExternal: %v", err)
	}
	if feed.Username != "alice" {
		t.Errorf("username overwritten with empty value: %q", feed.Username)
	}
	if _, _, err := s.AddTarget(ctx, track.Feed{Platform: platform.Twitch, ExternalID: "123"},
		track.Target{GuildID: "g1", ChannelID: "c2"}); err != nil {
		t.Fatalf("AddTarget second channel: %v", err)
	}
	targets, err := s.Targets(ctx, feed.ID)
	if err != nil || len(targets) != 2 {
		t.Fatalf("Targets = %v, %v; want 2", targets, err)
	}
}

func TestConcurrentAddTargetSingleFeed(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = s.AddTarget(ctx, track.Feed{Platform: platform.YouTube, ExternalID: "UCx"},
				track.Target{GuildID: "g1", ChannelID: "c1"})
		}()
	}
	wg.Wait()
	feeds, err := s.ListFeeds(ctx, platform.YouTube)
	if err != nil || len(feeds) != 1 {
		t.Fatalf("ListFeeds = %d feeds, %v; want 1", len(feeds), err)
	}
	targets, _ := s.Targets(ctx, feeds[0].ID)
	if len(targets) != 1 {
		t.Fatalf("got %d targets, want 1", len(targets))
	}
}

func TestDeleteFeedIfEmpty(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	tg := addTarget(t, s, "42", "c1")

	deleted, err := s.DeleteFeedIfEmpty(ctx, tg.FeedID)
	if err != nil || deleted {
		t.Fatalf("DeleteFeedIfEmpty with target = %v, %v", deleted, err)
	}
	if err := s.DeleteTarget(ctx, tg.ID); err != nil {
		t.Fatalf("DeleteTarget: %v", err)
	}
	deleted, err = s.DeleteFeedIfEmpty(ctx, tg.FeedID)
	if err != nil || !deleted {
		t.Fatalf("DeleteFeedIfEmpty empty = %v, %v", deleted, err)
	}
	if _, err := s.Feed(ctx, tg.FeedID); !errors.Is(err, track.ErrNotFound) {
		t.Fatalf("feed still present: %v", err)
	}
}

func TestFeedStateRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	tg := addTarget(t, s, "7", "c1")
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := &platform.Descriptor{ID: "s1", Live: true, Title: "hello", Viewers: 12, StartedAt: started}
	if err := s.UpdateFeedState(ctx, tg.FeedID, d); err != nil {
		t.Fatalf("UpdateFeedState: %v", err)
	}
	f, err := s.Feed(ctx, tg.FeedID)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if f.Last == nil || f.Last.ID != "s1" || !f.Last.Live || !f.Last.StartedAt.Equal(started) {
		t.Fatalf("Last = %+v", f.Last)
	}
	if err := s.UpdateFeedState(ctx, 99999, d); !errors.Is(err, track.ErrNotFound) {
		t.Fatalf("update missing feed = %v, want ErrNotFound", err)
	}
}

func TestClaimNotificationOncePerFeedTarget(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	tg := addTarget(t, s, "9", "c1")
	n := track.Notification{FeedID: tg.FeedID, TargetID: tg.ID, GuildID: "g1", ChannelID: "c1", SessionID: "s1"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ClaimNotification(ctx, n)
			if err != nil {
				t.Errorf("ClaimNotification: %v", err)
				return
			}
			if ok {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if claimed != 1 {
		t.Fatalf("claimed %d times, want 1", claimed)
	}

	got, err := s.Notification(ctx, tg.FeedID, tg.ID)
	if err != nil {
		t.Fatalf("Notification: %v", err)
	}
	got.MessageID = "m1"
	got.Observe(10)
	if err := s.UpdateNotification(ctx, *got); err != nil {
		t.Fatalf("UpdateNotification: %v", err)
	}
	list, err := s.Notifications(ctx, tg.FeedID)
	if err != nil || len(list) != 1 || list[0].MessageID != "m1" || list[0].Peak != 10 {
		t.Fatalf("Notifications = %+v, %v", list, err)
	}

	if _, _, err := s.ClaimNotification(ctx, track.Notification{FeedID: tg.FeedID, TargetID: 424242}); !errors.Is(err, track.ErrNotFound) {
		t.Fatalf("claim for missing target = %v, want ErrNotFound", err)
	}
}

func TestCheckAndRecord(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	tg := addTarget(t, s, "5", "c1")

	first, err := s.CheckAndRecord(ctx, tg.FeedID, "post-1")
	if err != nil || !first {
		t.Fatalf("first CheckAndRecord = %v, %v", first, err)
	}
	for i := 0; i < 3; i++ {
		again, err := s.CheckAndRecord(ctx, tg.FeedID, "post-1")
		if err != nil || again {
			t.Fatalf("repeat CheckAndRecord = %v, %v", again, err)
		}
	}
	rec, err := s.Recorded(ctx, tg.FeedID, []string{"post-1", "post-2"})
	if err != nil {
		t.Fatalf("Recorded: %v", err)
	}
	if !rec["post-1"] || rec["post-2"] {
		t.Fatalf("Recorded = %v", rec)
	}
}

func TestClearMentionRole(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	withText := addTarget(t, s, "1", "c1")
	roleOnly := addTarget(t, s, "1", "c2")

	color := 0x00ff00
	if err := s.SetMention(ctx, track.MentionConfig{TargetID: withText.ID, RoleID: "r1", Text: "live!", EmbedColor: &color}); err != nil {
		t.Fatalf("SetMention: %v", err)
	}
	if err := s.SetMention(ctx, track.MentionConfig{TargetID: roleOnly.ID, RoleID: "r2"}); err != nil {
		t.Fatalf("SetMention: %v", err)
	}

	deleted, err := s.ClearMentionRole(ctx, withText.ID)
	if err != nil || deleted {
		t.Fatalf("ClearMentionRole with text = %v, %v", deleted, err)
	}
	m, err := s.Mention(ctx, withText.ID)
	if err != nil || m.RoleID != "" || m.Text != "live!" || m.EmbedColor == nil || *m.EmbedColor != color {
		t.Fatalf("Mention after clear = %+v, %v", m, err)
	}

	deleted, err = s.ClearMentionRole(ctx, roleOnly.ID)
	if err != nil || !deleted {
		t.Fatalf("ClearMentionRole role only = %v, %v", deleted, err)
	}
	if _, err := s.Mention(ctx, roleOnly.ID); !errors.Is(err, track.ErrNotFound) {
		t.Fatalf("Mention after delete = %v", err)
	}
}

func TestSubscriptionUpsert(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	if err := s.SaveSubscription(ctx, track.Subscription{Platform: platform.Twitch, ProviderID: "sub-1", ExternalID: "123", EventType: "stream.online"}); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}
	if err := s.SaveSubscription(ctx, track.Subscription{Platform: platform.Twitch, ProviderID: "sub-2", ExternalID: "123", EventType: "stream.online", ExpiresAt: &exp}); err != nil {
		t.Fatalf("SaveSubscription replace: %v", err)
	}
	subs, err := s.Subscriptions(ctx, platform.Twitch)
	if err != nil || len(subs) != 1 {
		t.Fatalf("Subscriptions = %+v, %v", subs, err)
	}
	if subs[0].ProviderID != "sub-2" || subs[0].ExpiresAt == nil || !subs[0].ExpiresAt.Equal(exp) {
		t.Fatalf("subscription = %+v", subs[0])
	}
	if err := s.DeleteSubscription(ctx, platform.Twitch, "sub-2"); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
	subs, _ = s.Subscriptions(ctx, platform.Twitch)
	if len(subs) != 0 {
		t.Fatalf("subscriptions left: %+v", subs)
	}
}

func TestFlagsChannelOverride(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	flags := &Flags{DB: s.DB, Defaults: map[string]bool{"twitch.summary": false}}

	if on, _ := flags.Enabled(ctx, "g1", "c1", "twitch"); !on {
		t.Error("unset tracking flag should default on")
	}
	if on, _ := flags.Enabled(ctx, "g1", "c1", "twitch.summary"); on {
		t.Error("summary default false not applied")
	}
	if err := flags.Set(ctx, "g1", "", "twitch", false); err != nil {
		t.Fatalf("Set guild: %v", err)
	}
	if err := flags.Set(ctx, "g1", "c2", "twitch", true); err != nil {
		t.Fatalf("Set channel: %v", err)
	}
	if on, _ := flags.Enabled(ctx, "g1", "c1", "twitch"); on {
		t.Error("guild-wide disable not applied")
	}
	if on, _ := flags.Enabled(ctx, "g1", "c2", "twitch"); !on {
		t.Error("channel override not applied")
	}
}

func TestKVAndStats(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if v, err := s.GetKV(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("GetKV missing = %q, %v", v, err)
	}
	if err := s.SetKV(ctx, "job_poll_twitch_last", "ok"); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	addTarget(t, s, "3", "c1")
	st, err := LoadStats(ctx, s.DB)
	if err != nil {
		t.Fatalf("LoadStats: %v", err)
	}
	if st.Feeds["twitch"] != 1 || st.Targets != 1 {
		t.Errorf("stats = %+v", st)
	}
	if _, ok := st.Heartbeats["job_poll_twitch_last"]; !ok {
		t.Errorf("heartbeat missing from stats: %+v", st.Heartbeats)
	}
}
