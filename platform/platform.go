// Package platform defines the capability contract every provider adapter implements: user
// lookup and batched entity lookup, each returning a tagged Result instead of a bare error so
// callers can branch on NotFound / RateLimited / IOError without inspecting error strings.
package platform

import (
	"context"
	"time"
)

// Platform identifies an external provider.
type Platform string

const (
	Twitch  Platform = "twitch"
	YouTube Platform = "youtube"
	Bluesky Platform = "bluesky"
)

// All lists the platforms this service knows how to track.
var All = []Platform{Twitch, YouTube, Bluesky}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	for _, known := range All {
		if p == known {
			return true
		}
	}
	return false
}

// Kind distinguishes livestream sessions from one-shot posts.
type Kind string

const (
	KindStream Kind = "stream"
	KindPost   Kind = "post"
)

// Descriptor is the normalized view of a provider entity: a live session, a video, or a post.
// FeedID is the external id of the account that owns it.
type Descriptor struct {
	ID           string    `json:"id"`
	FeedID       string    `json:"feed_id"`
	Kind         Kind      `json:"kind"`
	Live         bool      `json:"live"`
	Title        string    `json:"title,omitempty"`
	Text         string    `json:"text,omitempty"`
	Username     string    `json:"username,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	URL          string    `json:"url,omitempty"`
	Game         string    `json:"game,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	Viewers      int       `json:"viewers,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	PublishedAt  time.Time `json:"published_at,omitempty"`
	Repost       bool      `json:"repost,omitempty"`
	RepostedBy   string    `json:"reposted_by,omitempty"`
}

// Offline returns a copy of d marked as not live. A nil receiver yields an empty offline
// descriptor.
func (d *Descriptor) Offline() *Descriptor {
	if d == nil {
		return &Descriptor{Kind: KindStream}
	}
	c := *d
	c.Live = false
	c.Viewers = 0
	return &c
}

// User is a provider account.
type User struct {
	ID          string
	Login       string
	DisplayName string
	AvatarURL   string
}

// Status tags a Result.
type Status int

const (
	StatusFound Status = iota
	StatusNotFound
	StatusRateLimited
	StatusIOError
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNotFound:
		return "not_found"
	case StatusRateLimited:
		return "rate_limited"
	case StatusIOError:
		return "io_error"
	default:
		return "unknown"
	}
}

// Result is the outcome of one lookup. Exactly one of Descriptor / User is set on a Found result,
// depending on which adapter method produced it.
type Result struct {
	Status     Status
	Descriptor *Descriptor
	User       *User
	RetryAfter time.Duration
	Err        error
}

// Found wraps a descriptor.
func Found(d *Descriptor) Result { return Result{Status: StatusFound, Descriptor: d} }

// FoundUser wraps a user.
func FoundUser(u *User) Result { return Result{Status: StatusFound, User: u} }

// NotFound marks an entity the provider no longer knows.
func NotFound() Result { return Result{Status: StatusNotFound} }

// RateLimited carries the provider-communicated wait.
func RateLimited(retryAfter time.Duration) Result {
	return Result{Status: StatusRateLimited, RetryAfter: retryAfter}
}

// IOError wraps a network or decode failure.
func IOError(err error) Result { return Result{Status: StatusIOError, Err: err} }

// ResultFromError classifies err into NotFound, RateLimited or IOError.
func ResultFromError(err error) Result {
	if rl, ok := AsRateLimit(err); ok {
		return RateLimited(rl.RetryAfter)
	}
	if IsNotFound(err) {
		return NotFound()
	}
	return IOError(err)
}

// Adapter is implemented once per provider. Implementations have no side effects beyond an
// optional local cache refresh.
type Adapter interface {
	Platform() Platform
	// GetUser resolves an account by id or name.
	GetUser(ctx context.Context, idOrName string) Result
	// GetEntities resolves ids in provider-sized batches. Every requested id has an entry in
	// the returned map.
	GetEntities(ctx context.Context, ids []string) map[string]Result
}
