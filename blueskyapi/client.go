// Package blueskyapi implements the Bluesky platform over the public AppView XRPC API, plus a
// Jetstream client that turns the firehose into near-real-time post signals.
package blueskyapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/livewatch/platform"
)

// DefaultAPIURL is the unauthenticated public AppView.
const DefaultAPIURL = "https://public.api.bsky.app"

// getProfiles and getPosts accept at most 25 actors/uris.
const maxBatch = 25

// Client calls app.bsky XRPC query methods. Every request waits on Gate.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Gate       *platform.Gate
}

// Profile is app.bsky.actor.defs#profileViewBasic (the subset used here).
type Profile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

// Image is one image of an images embed view.
type Image struct {
	Thumb    string `json:"thumb"`
	Fullsize string `json:"fullsize"`
	Alt      string `json:"alt"`
}

// Embed is the part of an embed view that carries images, directly or as recordWithMedia.
type Embed struct {
	Type   string  `json:"$type"`
	Images []Image `json:"images"`
	Media  *Embed  `json:"media"`
}

// PostRecord is the app.bsky.feed.post record.
type PostRecord struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Post is app.bsky.feed.defs#postView.
type Post struct {
	URI       string     `json:"uri"`
	CID       string     `json:"cid"`
	Author    Profile    `json:"author"`
	Record    PostRecord `json:"record"`
	Embed     *Embed     `json:"embed"`
	IndexedAt time.Time  `json:"indexedAt"`
}

// Reason explains why a post shows up in an author feed (repost or pin).
type Reason struct {
	Type      string    `json:"$type"`
	By        Profile   `json:"by"`
	IndexedAt time.Time `json:"indexedAt"`
}

// Reason types.
const (
	ReasonRepost = "app.bsky.feed.defs#reasonRepost"
	ReasonPin    = "app.bsky.feed.defs#reasonPin"
)

// FeedItem is app.bsky.feed.defs#feedViewPost.
type FeedItem struct {
	Post   Post    `json:"post"`
	Reason *Reason `json:"reason"`
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) get(ctx context.Context, method string, q url.Values, out any) error {
	if err := c.Gate.Wait(ctx); err != nil {
		return err
	}
	base := c.BaseURL
	if base == "" {
		base = DefaultAPIURL
	}
	u := strings.TrimRight(base, "/") + "/xrpc/" + method
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("xrpc %s: %w", method, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("xrpc %s: read: %w", method, err)
	}
	if resp.StatusCode == http.StatusBadRequest && goneActor(body) {
		return fmt.Errorf("xrpc %s: %w", method, platform.ErrNotFound)
	}
	if err := platform.CheckResponse(resp, body, time.Now()); err != nil {
		return fmt.Errorf("xrpc %s: %w", method, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("xrpc %s: decode: %w", method, err)
	}
	return nil
}

// The AppView answers 400 for actors that do not exist or were taken down.
func goneActor(body []byte) bool {
	var e xrpcError
	if json.Unmarshal(body, &e) != nil {
		return false
	}
	switch e.Error {
	case "AccountTakedown", "AccountDeactivated", "BlockedActor", "NotFound":
		return true
	case "InvalidRequest":
		m := strings.ToLower(e.Message)
		return strings.Contains(m, "not found") || strings.Contains(m, "could not find") || strings.Contains(m, "unable to resolve")
	}
	return false
}

// GetProfile resolves a handle or DID.
func (c *Client) GetProfile(ctx context.Context, actor string) (*Profile, error) {
	var p Profile
	if err := c.get(ctx, "app.bsky.actor.getProfile", url.Values{"actor": {actor}}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProfiles resolves up to 25 actors. Unknown actors are omitted.
func (c *Client) GetProfiles(ctx context.Context, actors []string) ([]Profile, error) {
	if len(actors) > maxBatch {
		return nil, fmt.Errorf("getProfiles: %d actors exceeds %d", len(actors), maxBatch)
	}
	var body struct {
		Profiles []Profile `json:"profiles"`
	}
	if err := c.get(ctx, "app.bsky.actor.getProfiles", url.Values{"actors": actors}, &body); err != nil {
		return nil, err
	}
	return body.Profiles, nil
}

// GetAuthorFeed returns the newest posts and reposts of actor, without replies.
func (c *Client) GetAuthorFeed(ctx context.Context, actor string, limit int) ([]FeedItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	q := url.Values{
		"actor":       {actor},
		"limit":       {strconv.Itoa(limit)},
		"filter":      {"posts_no_replies"},
		"includePins": {"false"},
	}
	var body struct {
		Feed []FeedItem `json:"feed"`
	}
	if err := c.get(ctx, "app.bsky.feed.getAuthorFeed", q, &body); err != nil {
		return nil, err
	}
	return body.Feed, nil
}

// GetPosts hydrates up to 25 post URIs. Deleted posts are omitted.
func (c *Client) GetPosts(ctx context.Context, uris []string) ([]Post, error) {
	if len(uris) > maxBatch {
		return nil, fmt.Errorf("getPosts: %d uris exceeds %d", len(uris), maxBatch)
	}
	var body struct {
		Posts []Post `json:"posts"`
	}
	if err := c.get(ctx, "app.bsky.feed.getPosts", url.Values{"uris": uris}, &body); err != nil {
		return nil, err
	}
	return body.Posts, nil
}
