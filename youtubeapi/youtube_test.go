package youtubeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/subscription"
	"github.com/onnwee/livewatch/testutil"
	"github.com/onnwee/livewatch/track"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c, err := New(context.Background(), "",
		option.WithEndpoint(server.URL+"/"),
		option.WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(context.Background(), ""); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestAdapter_GetEntities(t *testing.T) {
	var gotIDs []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/youtube/v3/videos") {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotIDs = r.URL.Query()["id"]
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]interface{}{
				{
					"id": "live1",
					"snippet": map[string]interface{}{
						"channelId": "UCaaaaaaaaaaaaaaaaaaaaaa", "title": "on air", "channelTitle": "Chan",
						"liveBroadcastContent": "live", "publishedAt": "2024-05-01T17:00:00Z",
					},
					"liveStreamingDetails": map[string]interface{}{
						"actualStartTime": "2024-05-01T18:00:00Z", "concurrentViewers": "321",
					},
				},
				{
					"id": "up1",
					"snippet": map[string]interface{}{
						"channelId": "UCaaaaaaaaaaaaaaaaaaaaaa", "title": "new upload", "publishedAt": "2024-05-01T10:00:00Z",
						"thumbnails": map[string]interface{}{"high": map[string]interface{}{"url": "https://i.ytimg.com/vi/up1/hq.jpg"}},
					},
				},
			},
		})
	})
	a := NewAdapter(c)

	res := a.GetEntities(context.Background(), []string{"live1", "up1", "gone"})
	if diff := cmp.Diff([]string{"live1", "up1", "gone"}, gotIDs); diff != "" {
		t.Errorf("requested ids (-want +got):\n%s", diff)
	}
	live := res["live1"].Descriptor
	if res["live1"].Status != platform.StatusFound || live == nil || !live.Live || live.Viewers != 321 || live.Kind != platform.KindStream {
		t.Fatalf("live1 = %+v", res["live1"])
	}
	up := res["up1"].Descriptor
	if up == nil || up.Kind != platform.KindPost || up.ImageURL != "https://i.ytimg.com/vi/up1/hq.jpg" {
		t.Fatalf("up1 = %+v", res["up1"])
	}
	if res["gone"].Status != platform.StatusNotFound {
		t.Fatalf("gone = %+v", res["gone"])
	}
}

func TestVideoDescriptor(t *testing.T) {
	tests := []struct {
		name     string
		video    *yt.Video
		live     bool
		upcoming bool
		past     bool
		kind     platform.Kind
	}{
		{
			name:  "upload",
			video: &yt.Video{Id: "v", Snippet: &yt.VideoSnippet{ChannelId: "c"}},
			kind:  platform.KindPost,
		},
		{
			name: "live",
			video: &yt.Video{Id: "v", Snippet: &yt.VideoSnippet{LiveBroadcastContent: "live"},
				LiveStreamingDetails: &yt.VideoLiveStreamingDetails{ActualStartTime: "2024-05-01T18:00:00Z", ConcurrentViewers: 5}},
			live: true,
			kind: platform.KindStream,
		},
		{
			name: "upcoming",
			video: &yt.Video{Id: "v", Snippet: &yt.VideoSnippet{LiveBroadcastContent: "upcoming"},
				LiveStreamingDetails: &yt.VideoLiveStreamingDetails{ScheduledStartTime: "2024-06-01T18:00:00Z"}},
			upcoming: true,
			kind:     platform.KindStream,
		},
		{
			name: "past stream",
			video: &yt.Video{Id: "v", Snippet: &yt.VideoSnippet{LiveBroadcastContent: "none"},
				LiveStreamingDetails: &yt.VideoLiveStreamingDetails{ActualStartTime: "2024-05-01T18:00:00Z", ActualEndTime: "2024-05-01T20:00:00Z"}},
			past: true,
			kind: platform.KindStream,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := VideoDescriptor(tt.video)
			if d.Kind != tt.kind || d.Live != tt.live || Upcoming(d) != tt.upcoming || PastStream(d) != tt.past {
				t.Fatalf("descriptor = %+v (upcoming %v, past %v)", d, Upcoming(d), PastStream(d))
			}
			if d.URL != "https://www.youtube.com/watch?v=v" {
				t.Errorf("url = %s", d.URL)
			}
		})
	}
}

func TestVideosQuotaIsRateLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"quota","errors":[{"reason":"quotaExceeded","message":"quota"}]}}`))
	})
	res := NewAdapter(c).GetEntities(context.Background(), []string{"a", "b"})
	for id, r := range res {
		if r.Status != platform.StatusRateLimited {
			t.Errorf("%s = %v, want rate limited", id, r.Status)
		}
	}
}

func TestAdapter_GetUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("forHandle") == "@known" || q.Get("id") == "UCbbbbbbbbbbbbbbbbbbbbbb" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"items": []map[string]interface{}{{
					"id": "UCbbbbbbbbbbbbbbbbbbbbbb",
					"snippet": map[string]interface{}{
						"title": "Known", "customUrl": "@known",
						"thumbnails": map[string]interface{}{"default": map[string]interface{}{"url": "https://yt3.ggpht.com/a.jpg"}},
					},
				}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": []interface{}{}})
	})
	a := NewAdapter(c)
	ctx := context.Background()

	for _, q := range []string{"@known", "known", "https://www.youtube.com/@known", "UCbbbbbbbbbbbbbbbbbbbbbb", "youtube.com/channel/UCbbbbbbbbbbbbbbbbbbbbbb"} {
		res := a.GetUser(ctx, q)
		if res.Status != platform.StatusFound || res.User.ID != "UCbbbbbbbbbbbbbbbbbbbbbb" || res.User.AvatarURL == "" {
			t.Errorf("GetUser(%q) = %+v", q, res)
		}
	}
	if res := a.GetUser(ctx, "@nobody"); res.Status != platform.StatusNotFound {
		t.Errorf("GetUser(@nobody) = %v", res.Status)
	}
}

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">
 <title>Chan</title>
 <entry>
  <id>yt:video:vid2</id>
  <yt:videoId>vid2</yt:videoId>
  <yt:channelId>UCaaaaaaaaaaaaaaaaaaaaaa</yt:channelId>
  <title>Second</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=vid2"/>
  <published>2024-05-02T10:00:00+00:00</published>
  <updated>2024-05-02T10:05:00+00:00</updated>
 </entry>
 <entry>
  <id>yt:video:vid1</id>
  <yt:videoId>vid1</yt:videoId>
  <yt:channelId>UCaaaaaaaaaaaaaaaaaaaaaa</yt:channelId>
  <title>First</title>
  <published>2024-05-01T10:00:00+00:00</published>
 </entry>
</feed>`

func TestParseFeed(t *testing.T) {
	entries, err := ParseFeed([]byte(sampleFeed))
	if err != nil {
		t.Fatalf("ParseFeed: %v", err)
	}
	want := []FeedEntry{
		{
			VideoID: "vid2", ChannelID: "UCaaaaaaaaaaaaaaaaaaaaaa", Title: "Second",
			URL:       "https://www.youtube.com/watch?v=vid2",
			Published: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
			Updated:   time.Date(2024, 5, 2, 10, 5, 0, 0, time.UTC),
		},
		{
			VideoID: "vid1", ChannelID: "UCaaaaaaaaaaaaaaaaaaaaaa", Title: "First",
			URL:       "https://www.youtube.com/watch?v=vid1",
			Published: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		},
	}
	opt := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })
	if diff := cmp.Diff(want, entries, opt); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}
}

func TestFeedClient_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/feeds/videos.xml" || r.URL.Query().Get("channel_id") == "" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.URL.Query().Get("channel_id") == "UCmissingmissingmissing1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer server.Close()
	fc := &FeedClient{HTTPClient: &http.Client{Transport: &testutil.RewriteTransport{Host: server.URL}}}

	entries, err := fc.Fetch(context.Background(), "UCaaaaaaaaaaaaaaaaaaaaaa")
	if err != nil || len(entries) != 2 {
		t.Fatalf("Fetch = %d entries, %v", len(entries), err)
	}
	if _, err := fc.Fetch(context.Background(), "UCmissingmissingmissing1"); !platform.IsNotFound(err) {
		t.Fatalf("Fetch missing channel err = %v, want not found", err)
	}
}

func TestTopicRoundTrip(t *testing.T) {
	topic := TopicURL("UCaaaaaaaaaaaaaaaaaaaaaa")
	if got := ChannelFromTopic(topic); got != "UCaaaaaaaaaaaaaaaaaaaaaa" {
		t.Fatalf("ChannelFromTopic(%s) = %s", topic, got)
	}
	if got := ChannelFromTopic("https://example.com/other"); got != "" {
		t.Fatalf("foreign topic = %q", got)
	}
}

func TestWebSubProvider(t *testing.T) {
	var forms []map[string]string
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		got := map[string]string{}
		for k := range r.PostForm {
			got[k] = r.PostForm.Get(k)
		}
		forms = append(forms, got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer hub.Close()

	p := &WebSubProvider{Hub: hub.URL, Callback: "https://hooks.example.com/youtube", Secret: "shh", Lease: 5 * 24 * time.Hour}
	ctx := context.Background()
	feed := track.Feed{Platform: platform.YouTube, ExternalID: "UCaaaaaaaaaaaaaaaaaaaaaa"}
	if err := p.Subscribe(ctx, feed, EventVideos); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := p.Unsubscribe(ctx, subscription.Remote{ID: TopicURL(feed.ExternalID)}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	callback := "https://hooks.example.com/youtube?" + CallbackTokenParam + "=" + CallbackToken("shh", TopicURL(feed.ExternalID))
	want := []map[string]string{
		{
			"hub.callback":      callback,
			"hub.mode":          "subscribe",
			"hub.topic":         TopicURL(feed.ExternalID),
			"hub.verify":        "async",
			"hub.secret":        "shh",
			"hub.lease_seconds": "432000",
		},
		{
			"hub.callback": callback,
			"hub.mode":     "unsubscribe",
			"hub.topic":    TopicURL(feed.ExternalID),
			"hub.verify":   "async",
		},
	}
	if diff := cmp.Diff(want, forms); diff != "" {
		t.Errorf("hub requests (-want +got):\n%s", diff)
	}
	if _, err := p.List(ctx); err != subscription.ErrListUnsupported {
		t.Errorf("List err = %v", err)
	}
}

func TestCallbackToken(t *testing.T) {
	topic := TopicURL("UCaaaaaaaaaaaaaaaaaaaaaa")
	token := CallbackToken("shh", topic)
	tests := []struct {
		name          string
		secret, topic string
		token         string
		want          bool
	}{
		{"issued", "shh", topic, token, true},
		{"other topic", "shh", TopicURL("UCbbbbbbbbbbbbbbbbbbbbbb"), token, false},
		{"other secret", "hush", topic, token, false},
		{"missing", "shh", topic, "", false},
		{"no secret", "", topic, CallbackToken("", topic), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidCallbackToken(tt.secret, tt.topic, tt.token); got != tt.want {
				t.Errorf("ValidCallbackToken() = %v, want %v", got, tt.want)
			}
		})
	}
}
