// Package youtubeapi implements the YouTube platform: Data API v3 lookups of channels and videos
// with an API key, channel Atom feeds, and WebSub (PubSubHubbub) subscriptions.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/livewatch/platform"
)

// The Data API accepts at most 50 ids per videos.list call.
const maxVideoIDs = 50

// Client wraps the Data API service. Every call waits on Gate.
type Client struct {
	svc  *yt.Service
	Gate *platform.Gate
}

// New builds a client authenticated with apiKey. Extra options (endpoint, HTTP client) are
// appended, which is how tests point it at an httptest server.
func New(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Client, error) {
	if apiKey == "" && len(opts) == 0 {
		return nil, errors.New("youtube: api key required")
	}
	all := make([]option.ClientOption, 0, len(opts)+1)
	if apiKey != "" {
		all = append(all, option.WithAPIKey(apiKey))
	}
	all = append(all, opts...)
	svc, err := yt.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// Videos fetches up to 50 videos with snippet and live streaming details.
func (c *Client) Videos(ctx context.Context, ids []string) ([]*yt.Video, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > maxVideoIDs {
		return nil, fmt.Errorf("youtube videos: %d ids exceeds %d", len(ids), maxVideoIDs)
	}
	if err := c.Gate.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).
		Id(ids...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("videos.list", err)
	}
	return resp.Items, nil
}

// Channel looks a channel up by id (UC...) or by @handle.
func (c *Client) Channel(ctx context.Context, idOrHandle string) (*yt.Channel, error) {
	if idOrHandle == "" {
		return nil, platform.ErrNotFound
	}
	if err := c.Gate.Wait(ctx); err != nil {
		return nil, err
	}
	call := c.svc.Channels.List([]string{"snippet"}).Context(ctx)
	if IsChannelID(idOrHandle) {
		call = call.Id(idOrHandle)
	} else {
		call = call.ForHandle(idOrHandle)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classify("channels.list", err)
	}
	if len(resp.Items) == 0 {
		return nil, platform.ErrNotFound
	}
	return resp.Items[0], nil
}

// IsChannelID reports whether s looks like a canonical channel id.
func IsChannelID(s string) bool {
	return len(s) == 24 && s[:2] == "UC"
}

// classify maps googleapi errors onto the platform error taxonomy. Quota exhaustion is reported
// as 403 with a quota reason and is treated as rate limiting.
func classify(call string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("youtube %s: %w", call, err)
	}
	switch {
	case gerr.Code == http.StatusNotFound:
		return platform.ErrNotFound
	case gerr.Code == http.StatusTooManyRequests || (gerr.Code == http.StatusForbidden && quotaReason(gerr)):
		return &platform.RateLimitError{RetryAfter: platform.RetryAfter(gerr.Header, time.Now())}
	default:
		return fmt.Errorf("youtube %s: %w", call, err)
	}
}

func quotaReason(gerr *googleapi.Error) bool {
	for _, e := range gerr.Errors {
		switch e.Reason {
		case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return false
}
