package twitchapi

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/onnwee/livewatch/platform"
)

// Adapter implements platform.Adapter for Twitch. Entities are channels keyed by user id; a
// channel that is not streaming resolves to an offline descriptor rather than NotFound.
type Adapter struct {
	helix   *HelixClient
	profile *expirable.LRU[string, platform.User]
}

var _ platform.Adapter = (*Adapter)(nil)

// NewAdapter wraps a Helix client. User profiles (display name, avatar) are cached for an hour.
func NewAdapter(h *HelixClient) *Adapter {
	return &Adapter{
		helix:   h,
		profile: expirable.NewLRU[string, platform.User](4096, nil, time.Hour),
	}
}

// Platform implements platform.Adapter.
func (a *Adapter) Platform() platform.Platform { return platform.Twitch }

// GetUser resolves a numeric user id or a login name.
func (a *Adapter) GetUser(ctx context.Context, idOrName string) platform.Result {
	key := strings.TrimPrefix(strings.TrimSpace(idOrName), "@")
	if key == "" {
		return platform.NotFound()
	}
	var ids, logins []string
	if isNumeric(key) {
		ids = []string{key}
	} else {
		logins = []string{strings.ToLower(key)}
	}
	users, err := a.helix.GetUsers(ctx, ids, logins)
	if err != nil {
		return platform.ResultFromError(err)
	}
	if len(users) == 0 {
		return platform.NotFound()
	}
	u := toUser(users[0])
	a.profile.Add(u.ID, u)
	return platform.FoundUser(&u)
}

// GetEntities returns the live state of each channel in ids.
func (a *Adapter) GetEntities(ctx context.Context, ids []string) map[string]platform.Result {
	offline := func(id string) platform.Result {
		return platform.Found(&platform.Descriptor{FeedID: id, Kind: platform.KindStream})
	}
	return platform.Batch(ctx, ids, maxIDs, a.fetch, offline)
}

func (a *Adapter) fetch(ctx context.Context, chunk []string) (map[string]*platform.Descriptor, error) {
	streams, err := a.helix.GetStreams(ctx, chunk)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*platform.Descriptor, len(streams))
	var missing []string
	for _, s := range streams {
		if s.Type != "" && s.Type != "live" {
			continue
		}
		out[s.UserID] = StreamDescriptor(s)
		if _, ok := a.profile.Get(s.UserID); !ok {
			missing = append(missing, s.UserID)
		}
	}
	if len(missing) > 0 {
		// Avatars are decoration; a failed lookup leaves them empty.
		if users, err := a.helix.GetUsers(ctx, missing, nil); err == nil {
			for _, u := range users {
				a.profile.Add(u.ID, toUser(u))
			}
		}
	}
	for id, d := range out {
		if u, ok := a.profile.Get(id); ok {
			d.AvatarURL = u.AvatarURL
			if d.DisplayName == "" {
				d.DisplayName = u.DisplayName
			}
		}
	}
	return out, nil
}

// StreamDescriptor converts a Helix stream (or an EventSub stream.online payload filled into a
// Stream) into a live descriptor.
func StreamDescriptor(s Stream) *platform.Descriptor {
	return &platform.Descriptor{
		ID:           s.ID,
		FeedID:       s.UserID,
		Kind:         platform.KindStream,
		Live:         true,
		Title:        s.Title,
		Username:     s.UserLogin,
		DisplayName:  s.UserName,
		URL:          "https://www.twitch.tv/" + s.UserLogin,
		Game:         s.GameName,
		ThumbnailURL: thumbnail(s.ThumbnailURL, s.StartedAt),
		Viewers:      s.ViewerCount,
		StartedAt:    s.StartedAt,
	}
}

// Helix thumbnails carry {width}x{height} placeholders and are cached by Discord per URL, so the
// start time is appended to bust the cache per session.
func thumbnail(raw string, started time.Time) string {
	if raw == "" {
		return ""
	}
	u := strings.NewReplacer("{width}", "1280", "{height}", "720").Replace(raw)
	if !started.IsZero() {
		u += "?s=" + started.UTC().Format("20060102150405")
	}
	return u
}

func toUser(u User) platform.User {
	return platform.User{ID: u.ID, Login: u.Login, DisplayName: u.DisplayName, AvatarURL: u.ProfileImageURL}
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
