// Package twitchapi talks to the Twitch Helix API with an app access token: user and stream
// lookups for the Twitch platform adapter and EventSub subscription management.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/livewatch/platform"
)

const helixBase = "https://api.twitch.tv/helix"

// Helix limits lookups to 100 ids per call.
const maxIDs = 100

// HelixClient provides the Helix calls the pipeline needs. Every request waits on Gate.
type HelixClient struct {
	ClientID   string
	Tokens     oauth2.TokenSource
	HTTPClient *http.Client
	Gate       *platform.Gate
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// do sends one Helix request and decodes a JSON response into out (when non-nil). Non-2xx
// statuses come back as the typed errors of platform.CheckResponse.
func (hc *HelixClient) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	if hc.Tokens == nil {
		return fmt.Errorf("helix: no token source")
	}
	if err := hc.Gate.Wait(ctx); err != nil {
		return err
	}
	tok, err := hc.Tokens.Token()
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	u := helixBase + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if err := platform.CheckResponse(resp, raw, time.Now()); err != nil {
		return fmt.Errorf("helix %s %s: %w", method, path, err)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("helix %s %s: decode: %w", method, path, err)
	}
	return nil
}

// User is a Helix user.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// GetUsers looks users up by id and/or login, at most 100 in total.
func (hc *HelixClient) GetUsers(ctx context.Context, ids, logins []string) ([]User, error) {
	if len(ids)+len(logins) == 0 {
		return nil, nil
	}
	if len(ids)+len(logins) > maxIDs {
		return nil, fmt.Errorf("helix users: %d ids exceeds %d", len(ids)+len(logins), maxIDs)
	}
	q := url.Values{}
	for _, id := range ids {
		q.Add("id", id)
	}
	for _, l := range logins {
		q.Add("login", l)
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", q, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// Stream is a live Helix stream.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameName     string    `json:"game_name"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

// GetStreams returns the live streams among userIDs (at most 100). Offline users are absent.
func (hc *HelixClient) GetStreams(ctx context.Context, userIDs []string) ([]Stream, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	if len(userIDs) > maxIDs {
		return nil, fmt.Errorf("helix streams: %d ids exceeds %d", len(userIDs), maxIDs)
	}
	q := url.Values{}
	for _, id := range userIDs {
		q.Add("user_id", id)
	}
	q.Set("first", strconv.Itoa(maxIDs))
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/streams", q, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// EventSubTransport is the webhook transport of a subscription. Secret is only sent on create.
type EventSubTransport struct {
	Method   string `json:"method"`
	Callback string `json:"callback"`
	Secret   string `json:"secret,omitempty"`
}

// EventSubSubscription is a Helix EventSub subscription.
type EventSubSubscription struct {
	ID        string            `json:"id,omitempty"`
	Status    string            `json:"status,omitempty"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport EventSubTransport `json:"transport"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreateEventSubSubscription requests a webhook subscription. Twitch answers 202 and then sends
// the verification challenge to callback.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, sub EventSubSubscription) (*EventSubSubscription, error) {
	req := struct {
		Type      string            `json:"type"`
		Version   string            `json:"version"`
		Condition map[string]string `json:"condition"`
		Transport EventSubTransport `json:"transport"`
	}{sub.Type, sub.Version, sub.Condition, sub.Transport}
	var body struct {
		Data []EventSubSubscription `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, req, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("helix eventsub: empty create response")
	}
	return &body.Data[0], nil
}

// DeleteEventSubSubscription deletes a subscription. An unknown id is not an error.
func (hc *HelixClient) DeleteEventSubSubscription(ctx context.Context, id string) error {
	err := hc.do(ctx, http.MethodDelete, "/eventsub/subscriptions", url.Values{"id": {id}}, nil, nil)
	if platform.IsNotFound(err) {
		return nil
	}
	return err
}

// ListEventSubSubscriptions returns every subscription of the app, following pagination.
func (hc *HelixClient) ListEventSubSubscriptions(ctx context.Context) ([]EventSubSubscription, error) {
	var out []EventSubSubscription
	after := ""
	for page := 0; page < 100; page++ {
		q := url.Values{}
		if after != "" {
			q.Set("after", after)
		}
		var body struct {
			Data       []EventSubSubscription `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := hc.do(ctx, http.MethodGet, "/eventsub/subscriptions", q, nil, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" || len(body.Data) == 0 {
			break
		}
		after = body.Pagination.Cursor
	}
	return out, nil
}
