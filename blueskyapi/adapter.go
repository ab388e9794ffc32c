package blueskyapi

import (
	"context"
	"strings"

	"github.com/onnwee/livewatch/platform"
)

// Adapter implements platform.Adapter for Bluesky. Feeds are keyed by DID and entities are post
// AT-URIs.
type Adapter struct {
	client *Client
}

var _ platform.Adapter = (*Adapter)(nil)

// NewAdapter wraps an XRPC client.
func NewAdapter(c *Client) *Adapter { return &Adapter{client: c} }

// Platform implements platform.Adapter.
func (a *Adapter) Platform() platform.Platform { return platform.Bluesky }

// GetUser resolves a handle (with or without @) or a DID.
func (a *Adapter) GetUser(ctx context.Context, idOrName string) platform.Result {
	actor := strings.TrimPrefix(strings.TrimSpace(idOrName), "@")
	if actor == "" {
		return platform.NotFound()
	}
	p, err := a.client.GetProfile(ctx, actor)
	if err != nil {
		return platform.ResultFromError(err)
	}
	return platform.FoundUser(&platform.User{ID: p.DID, Login: p.Handle, DisplayName: p.DisplayName, AvatarURL: p.Avatar})
}

// GetEntities hydrates posts in batches of 25.
func (a *Adapter) GetEntities(ctx context.Context, ids []string) map[string]platform.Result {
	return platform.Batch(ctx, ids, maxBatch, func(ctx context.Context, chunk []string) (map[string]*platform.Descriptor, error) {
		posts, err := a.client.GetPosts(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out := make(map[string]*platform.Descriptor, len(posts))
		for _, p := range posts {
			out[p.URI] = PostDescriptor(p, nil)
		}
		return out, nil
	}, nil)
}

// PostDescriptor normalizes a post. For a repost, reason names the reposting account and the
// descriptor's FeedID is that account, so it lands on the reposter's feed.
func PostDescriptor(p Post, reason *Reason) *platform.Descriptor {
	d := &platform.Descriptor{
		ID:          p.URI,
		FeedID:      p.Author.DID,
		Kind:        platform.KindPost,
		Text:        p.Record.Text,
		Username:    p.Author.Handle,
		DisplayName: p.Author.DisplayName,
		AvatarURL:   p.Author.Avatar,
		URL:         PostURL(p.Author.Handle, p.URI),
		ImageURL:    firstImage(p.Embed),
		PublishedAt: p.Record.CreatedAt,
	}
	if d.PublishedAt.IsZero() {
		d.PublishedAt = p.IndexedAt
	}
	if reason != nil && reason.Type == ReasonRepost {
		d.Repost = true
		d.FeedID = reason.By.DID
		d.RepostedBy = reason.By.Handle
		if reason.By.DisplayName != "" {
			d.RepostedBy = reason.By.DisplayName
		}
	}
	return d
}

// PostURL is the bsky.app page of a post URI (at://did/app.bsky.feed.post/rkey).
func PostURL(handle, uri string) string {
	rkey := uri[strings.LastIndex(uri, "/")+1:]
	if handle == "" {
		handle = DIDFromURI(uri)
	}
	return "https://bsky.app/profile/" + handle + "/post/" + rkey
}

// DIDFromURI returns the authority of an AT-URI.
func DIDFromURI(uri string) string {
	s := strings.TrimPrefix(uri, "at://")
	if i := strings.Index(s, "/"); i >= 0 {
		return s[:i]
	}
	return s
}

// PostURI builds the AT-URI of a post record.
func PostURI(did, rkey string) string {
	return "at://" + did + "/app.bsky.feed.post/" + rkey
}

func firstImage(e *Embed) string {
	for e != nil {
		if len(e.Images) > 0 {
			if e.Images[0].Fullsize != "" {
				return e.Images[0].Fullsize
			}
			return e.Images[0].Thumb
		}
		e = e.Media
	}
	return ""
}
