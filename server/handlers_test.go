package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"

	"github.com/onnwee/livewatch/config"
	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/registry"
	"github.com/onnwee/livewatch/subscription"
	"github.com/onnwee/livewatch/testutil"
	"github.com/onnwee/livewatch/track"
	"github.com/onnwee/livewatch/twitchapi"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

type fakeReconciler struct {
	rep   subscription.Report
	err   error
	calls int
}

func (f *fakeReconciler) Reconcile(context.Context) (subscription.Report, error) {
	f.calls++
	return f.rep, f.err
}

type apiFixture struct {
	store *testutil.MemStore
	mock  *testutil.MockTwitchServer
	recon *fakeReconciler
	h     http.Handler
}

func newAPI(t *testing.T, cfg *config.Config) *apiFixture {
	t.Helper()
	store := testutil.NewMemStore()
	dc := testutil.NewFakeDiscord()
	mock := testutil.NewMockTwitchServer(t)
	helix := &twitchapi.HelixClient{
		ClientID:   "cid",
		Tokens:     oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}),
		HTTPClient: mock.Client(),
	}
	recon := &fakeReconciler{rep: subscription.Report{Subscribed: 2}}
	if cfg == nil {
		cfg = &config.Config{DiscordToken: "tok"}
	}
	deps := Deps{
		Config:      cfg,
		DB:          fakePinger{},
		Store:       store,
		Targets:     registry.New(store, dc, store, nil),
		Flags:       store,
		Adapters:    map[platform.Platform]platform.Adapter{platform.Twitch: twitchapi.NewAdapter(helix)},
		Reconcilers: map[platform.Platform]Reconciler{platform.Twitch: recon},
	}
	return &apiFixture{store: store, mock: mock, recon: recon, h: NewMux(deps)}
}

func (f *apiFixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, httptest.NewRequest(method, target, &buf))
	return rr
}

func TestHealthzOK(t *testing.T) {
	f := newAPI(t, nil)
	rr := f.do(t, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID")
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name   string
		deps   Deps
		want   int
		failed string
	}{
		{"ready", Deps{Config: &config.Config{DiscordToken: "t"}, DB: fakePinger{}}, http.StatusOK, ""},
		{"db down", Deps{Config: &config.Config{DiscordToken: "t"}, DB: fakePinger{err: errors.New("refused")}}, http.StatusServiceUnavailable, "database"},
		{"no db", Deps{Config: &config.Config{DiscordToken: "t"}}, http.StatusServiceUnavailable, "database"},
		{"no token", Deps{Config: &config.Config{}, DB: fakePinger{}}, http.StatusServiceUnavailable, "discord"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			NewMux(tt.deps).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d, body=%s", rr.Code, tt.want, rr.Body.String())
			}
			var resp map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp["failed_check"] != tt.failed {
				t.Fatalf("failed_check = %q, want %q", resp["failed_check"], tt.failed)
			}
		})
	}
}

func TestAdminTargetsAddAndRemove(t *testing.T) {
	f := newAPI(t, nil)
	f.mock.MockUserResponse("1001", "alice")

	add := addTargetRequest{Platform: "twitch", Account: "Alice", GuildID: "g1", ChannelID: "c1", UserID: "u1", RoleID: "r1"}
	rr := f.do(t, http.MethodPost, "/admin/targets", add)
	if rr.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var got struct {
		Created bool       `json:"created"`
		Feed    feedView   `json:"feed"`
		Target  targetView `json:"target"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Created || got.Feed.ExternalID != "1001" || got.Feed.Username != "alice" || got.Feed.Targets != 1 {
		t.Fatalf("response = %+v", got)
	}
	m, err := f.store.Mention(context.Background(), got.Target.ID)
	if err != nil || m.RoleID != "r1" {
		t.Fatalf("mention = %+v, err = %v", m, err)
	}

	// Same channel again is idempotent.
	if rr := f.do(t, http.MethodPost, "/admin/targets", add); rr.Code != http.StatusOK {
		t.Fatalf("re-add status = %d", rr.Code)
	}

	rr = f.do(t, http.MethodDelete, "/admin/targets?platform=twitch&external_id=1001&guild_id=g1&channel_id=c1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var del struct {
		FeedDeleted bool `json:"feed_deleted"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&del); err != nil {
		t.Fatal(err)
	}
	if !del.FeedDeleted || f.store.CountFeeds() != 0 {
		t.Fatalf("feed_deleted=%v feeds=%d", del.FeedDeleted, f.store.CountFeeds())
	}

	rr = f.do(t, http.MethodDelete, "/admin/targets?platform=twitch&external_id=1001&guild_id=g1&channel_id=c1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rr.Code)
	}
}

func TestAdminTargetsRejects(t *testing.T) {
	f := newAPI(t, nil)
	tests := []struct {
		name string
		body addTargetRequest
		want int
	}{
		{"unknown platform", addTargetRequest{Platform: "myspace", Account: "a", GuildID: "g", ChannelID: "c"}, http.StatusBadRequest},
		{"missing channel", addTargetRequest{Platform: "twitch", Account: "a", GuildID: "g"}, http.StatusBadRequest},
		{"platform disabled", addTargetRequest{Platform: "youtube", Account: "a", GuildID: "g", ChannelID: "c"}, http.StatusServiceUnavailable},
		{"account missing upstream", addTargetRequest{Platform: "twitch", Account: "ghost", GuildID: "g", ChannelID: "c"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := f.do(t, http.MethodPost, "/admin/targets", tt.body); rr.Code != tt.want {
				t.Fatalf("status = %d, want %d, body=%s", rr.Code, tt.want, rr.Body.String())
			}
			if f.store.CountFeeds() != 0 {
				t.Fatal("rejected request created a feed")
			}
		})
	}
}

func TestAdminFeeds(t *testing.T) {
	f := newAPI(t, nil)
	ctx := context.Background()
	for _, ch := range []string{"c1", "c2"} {
		if _, _, err := f.store.AddTarget(ctx, track.Feed{Platform: platform.Twitch, ExternalID: "1", Username: "a"}, track.Target{GuildID: "g", ChannelID: ch}); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := f.store.AddTarget(ctx, track.Feed{Platform: platform.Bluesky, ExternalID: "did:plc:x", Username: "x.bsky.social"}, track.Target{GuildID: "g", ChannelID: "c1"}); err != nil {
		t.Fatal(err)
	}

	var resp struct {
		Feeds []feedView `json:"feeds"`
		Count int        `json:"count"`
	}
	rr := f.do(t, http.MethodGet, "/admin/feeds", nil)
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}

	rr = f.do(t, http.MethodGet, "/admin/feeds?platform=twitch", nil)
	resp.Feeds = nil
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Feeds) != 1 || resp.Feeds[0].Targets != 2 {
		t.Fatalf("twitch feeds = %+v", resp.Feeds)
	}

	if rr := f.do(t, http.MethodGet, "/admin/feeds?platform=nope", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad platform status = %d", rr.Code)
	}
}

func TestAdminFlags(t *testing.T) {
	f := newAPI(t, nil)
	off := false
	rr := f.do(t, http.MethodPost, "/admin/flags", setFlagRequest{GuildID: "g1", Feature: track.SummaryFeature(platform.Twitch), Enabled: &off})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	on, err := f.store.Enabled(context.Background(), "g1", "c9", track.SummaryFeature(platform.Twitch))
	if err != nil || on {
		t.Fatalf("guild-wide flag not applied: on=%v err=%v", on, err)
	}

	if rr := f.do(t, http.MethodPost, "/admin/flags", setFlagRequest{GuildID: "g1", Feature: "twitch"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing enabled status = %d", rr.Code)
	}
}

func TestAdminReconcile(t *testing.T) {
	f := newAPI(t, nil)
	rr := f.do(t, http.MethodPost, "/admin/reconcile?platform=twitch", nil)
	if rr.Code != http.StatusOK || f.recon.calls != 1 {
		t.Fatalf("status=%d calls=%d", rr.Code, f.recon.calls)
	}
	if rr := f.do(t, http.MethodPost, "/admin/reconcile?platform=bluesky", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("bluesky status = %d", rr.Code)
	}

	f.recon.err = errors.New("helix down")
	if rr := f.do(t, http.MethodPost, "/admin/reconcile", nil); rr.Code != http.StatusBadGateway {
		t.Fatalf("failing reconcile status = %d", rr.Code)
	}
}

func TestAdminRequiresAuth(t *testing.T) {
	f := newAPI(t, &config.Config{AdminToken: "admin-token"})
	if rr := f.do(t, http.MethodGet, "/admin/feeds", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/feeds", nil)
	req.Header.Set("X-Admin-Token", "admin-token")
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d", rr.Code)
	}
	// Probes stay open.
	if rr := f.do(t, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}
}

func TestStatusFromDatabase(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := db.NewStore(database)
	if _, _, err := store.AddTarget(ctx, track.Feed{Platform: platform.Twitch, ExternalID: "1", Username: "a"}, track.Target{GuildID: "g", ChannelID: "c"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetKV(ctx, "job_poll_twitch", "2024-05-01T12:00:00Z"); err != nil {
		t.Fatal(err)
	}

	h := NewMux(Deps{
		Config:         &config.Config{DiscordToken: "t"},
		DB:             database,
		Stats:          func(ctx context.Context) (*db.Stats, error) { return db.LoadStats(ctx, database) },
		RecheckPending: func() int { return 3 },
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Feeds          map[string]int    `json:"feeds"`
		Targets        int               `json:"targets"`
		Heartbeats     map[string]string `json:"heartbeats"`
		RecheckPending int               `json:"recheck_pending"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Feeds["twitch"] != 1 || resp.Targets != 1 || resp.RecheckPending != 3 {
		t.Fatalf("status = %+v", resp)
	}
	if _, ok := resp.Heartbeats["job_poll_twitch"]; !ok {
		t.Fatalf("heartbeats = %v", resp.Heartbeats)
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, Deps{DB: fakePinger{}}, "127.0.0.1:0") }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("server returned error: %v", err)
	}
}

var _ Pinger = (*sql.DB)(nil)
