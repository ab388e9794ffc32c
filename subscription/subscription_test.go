package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/registry"
	"github.com/onnwee/livewatch/testutil"
	"github.com/onnwee/livewatch/track"
)

type fakeProvider struct {
	mu           sync.Mutex
	events       []string
	remotes      []Remote
	listErr      error
	subscribeErr error
	subscribed   []string
	unsubscribed []string
}

func (f *fakeProvider) Platform() platform.Platform { return platform.Twitch }
func (f *fakeProvider) EventTypes() []string        { return f.events }

func (f *fakeProvider) List(context.Context) ([]Remote, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.remotes, nil
}

func (f *fakeProvider) Subscribe(_ context.Context, feed track.Feed, eventType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, feed.ExternalID+"/"+eventType)
	return nil
}

func (f *fakeProvider) Unsubscribe(_ context.Context, r Remote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, r.ID)
	return nil
}

type fixture struct {
	store    *testutil.MemStore
	dc       *testutil.FakeDiscord
	provider *fakeProvider
	mgr      *Manager
}

func newFixture(t *testing.T, events ...string) *fixture {
	t.Helper()
	if len(events) == 0 {
		events = []string{"stream.online"}
	}
	store := testutil.NewMemStore()
	dc := testutil.NewFakeDiscord()
	reg := registry.New(store, dc, store, nil)
	p := &fakeProvider{events: events, listErr: ErrListUnsupported}
	return &fixture{store: store, dc: dc, provider: p, mgr: NewManager(p, store, reg, time.Minute)}
}

func (f *fixture) track(t *testing.T, externalID, channelID string) {
	t.Helper()
	f.dc.AddChannel("g1", channelID)
	if _, _, err := f.store.AddTarget(context.Background(),
		track.Feed{Platform: platform.Twitch, ExternalID: externalID},
		track.Target{GuildID: "g1", ChannelID: channelID}); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
}

func (f *fixture) subscribe(t *testing.T, providerID, externalID, eventType string, expires *time.Time) {
	t.Helper()
	if err := f.store.SaveSubscription(context.Background(), track.Subscription{
		Platform: platform.Twitch, ProviderID: providerID, ExternalID: externalID, EventType: eventType, ExpiresAt: expires,
	}); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}
}

func (f *fixture) providerIDs(t *testing.T) []string {
	t.Helper()
	subs, err := f.store.Subscriptions(context.Background(), platform.Twitch)
	if err != nil {
		t.Fatalf("Subscriptions: %v", err)
	}
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ProviderID)
	}
	sort.Strings(ids)
	return ids
}

func TestReconcileSubscribesOnlyMissing(t *testing.T) {
	f := newFixture(t)
	f.track(t, "chanA", "c1")
	f.track(t, "chanB", "c2")
	f.subscribe(t, "sub-a", "chanA", "stream.online", nil)

	rep, err := f.mgr.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if diff := cmp.Diff([]string{"chanB/stream.online"}, f.provider.subscribed); diff != "" {
		t.Errorf("subscribe calls (-want +got):\n%s", diff)
	}
	if len(f.provider.unsubscribed) != 0 {
		t.Errorf("unexpected unsubscribe calls: %v", f.provider.unsubscribed)
	}
	if diff := cmp.Diff(Report{Subscribed: 1}, rep); diff != "" {
		t.Errorf("report (-want +got):\n%s", diff)
	}
	// Subscribing does not persist; the verification callback does.
	if diff := cmp.Diff([]string{"sub-a"}, f.providerIDs(t)); diff != "" {
		t.Errorf("rows (-want +got):\n%s", diff)
	}
}

func TestReconcileEveryEventType(t *testing.T) {
	f := newFixture(t, "stream.online", "stream.offline")
	f.track(t, "chanA", "c1")
	f.subscribe(t, "sub-on", "chanA", "stream.online", nil)

	if _, err := f.mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if diff := cmp.Diff([]string{"chanA/stream.offline"}, f.provider.subscribed); diff != "" {
		t.Errorf("subscribe calls (-want +got):\n%s", diff)
	}
}

func TestReconcileRemovesOrphans(t *testing.T) {
	f := newFixture(t)
	f.track(t, "kept", "c1")
	f.track(t, "lost", "c2")
	f.subscribe(t, "sub-kept", "kept", "stream.online", nil)
	f.subscribe(t, "sub-lost", "lost", "stream.online", nil)
	f.subscribe(t, "sub-ghost", "never-tracked", "stream.online", nil)
	f.dc.RemoveChannel("c2")

	rep, err := f.mgr.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	sort.Strings(f.provider.unsubscribed)
	if diff := cmp.Diff([]string{"sub-ghost", "sub-lost"}, f.provider.unsubscribed); diff != "" {
		t.Errorf("unsubscribe calls (-want +got):\n%s", diff)
	}
	if rep.Unsubscribed != 2 || rep.Subscribed != 0 {
		t.Errorf("report = %+v", rep)
	}
	if diff := cmp.Diff([]string{"sub-kept"}, f.providerIDs(t)); diff != "" {
		t.Errorf("rows (-want +got):\n%s", diff)
	}
	if _, err := f.store.FeedByExternal(context.Background(), platform.Twitch, "lost"); !errors.Is(err, track.ErrNotFound) {
		t.Errorf("feed with gone channel kept: %v", err)
	}
}

func TestReconcileSoftExcludedFeedUnsubscribed(t *testing.T) {
	f := newFixture(t)
	f.track(t, "muted", "c1")
	f.subscribe(t, "sub-muted", "muted", "stream.online", nil)
	f.store.SetFlag("g1", "", track.TrackingFeature(platform.Twitch), false)

	if _, err := f.mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if diff := cmp.Diff([]string{"sub-muted"}, f.provider.unsubscribed); diff != "" {
		t.Errorf("unsubscribe calls (-want +got):\n%s", diff)
	}
	if f.store.CountFeeds() != 1 {
		t.Error("soft-excluded feed must be kept")
	}
}

func TestReconcileRenewsExpiringLease(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.mgr.now = func() time.Time { return now }
	f.mgr.RenewBefore = 2 * time.Hour
	f.track(t, "soon", "c1")
	f.track(t, "later", "c2")
	soon, later := now.Add(time.Hour), now.Add(48*time.Hour)
	f.subscribe(t, "sub-soon", "soon", "stream.online", &soon)
	f.subscribe(t, "sub-later", "later", "stream.online", &later)

	if _, err := f.mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if diff := cmp.Diff([]string{"soon/stream.online"}, f.provider.subscribed); diff != "" {
		t.Errorf("subscribe calls (-want +got):\n%s", diff)
	}
}

func TestReconcileProviderSweep(t *testing.T) {
	f := newFixture(t)
	f.track(t, "adopt", "c1")
	f.track(t, "broken", "c2")
	f.track(t, "waiting", "c3")
	f.subscribe(t, "sub-broken", "broken", "stream.online", nil)
	f.provider.listErr = nil
	f.provider.remotes = []Remote{
		{ID: "r-adopt", ExternalID: "adopt", EventType: "stream.online", Status: StatusEnabled},
		{ID: "sub-broken", ExternalID: "broken", EventType: "stream.online", Status: StatusFailed},
		{ID: "r-wait", ExternalID: "waiting", EventType: "stream.online", Status: StatusPending},
		{ID: "r-stray", ExternalID: "stranger", EventType: "stream.online", Status: StatusEnabled},
	}

	rep, err := f.mgr.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	sort.Strings(f.provider.unsubscribed)
	if diff := cmp.Diff([]string{"r-stray", "sub-broken"}, f.provider.unsubscribed); diff != "" {
		t.Errorf("unsubscribe calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"broken/stream.online"}, f.provider.subscribed); diff != "" {
		t.Errorf("subscribe calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Report{Subscribed: 1, Unsubscribed: 2, Adopted: 1}, rep); diff != "" {
		t.Errorf("report (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"r-adopt"}, f.providerIDs(t)); diff != "" {
		t.Errorf("rows (-want +got):\n%s", diff)
	}
}

func TestReconcileSubscribeFailureRetriedNextPass(t *testing.T) {
	f := newFixture(t)
	f.track(t, "chanA", "c1")
	f.provider.subscribeErr = errors.New("helix 503")

	rep, err := f.mgr.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Failed != 1 || rep.Subscribed != 0 {
		t.Fatalf("report = %+v", rep)
	}

	f.provider.subscribeErr = nil
	if _, err := f.mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if diff := cmp.Diff([]string{"chanA/stream.online"}, f.provider.subscribed); diff != "" {
		t.Errorf("subscribe calls (-want +got):\n%s", diff)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.track(t, "chanA", "c1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.mgr.Run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for {
		f.provider.mu.Lock()
		n := len(f.provider.subscribed)
		f.provider.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first pass did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
