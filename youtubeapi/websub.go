package youtubeapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/subscription"
	"github.com/onnwee/livewatch/track"
)

// DefaultHub is Google's public WebSub hub.
const DefaultHub = "https://pubsubhubbub.appspot.com/subscribe"

// EventVideos is the only WebSub event type: the channel's upload feed changed.
const EventVideos = "videos"

// CallbackTokenParam is the callback query parameter carrying the topic token. The hub keeps the
// callback query intact on every intent verification, so a GET without a valid token was not
// caused by a request of this process.
const CallbackTokenParam = "lw_token"

// MaxLease caps the lease accepted from an intent verification. Google's hub grants at most ten
// days.
const MaxLease = 10 * 24 * time.Hour

// CallbackToken is the hex HMAC-SHA256 of topic under secret.
func CallbackToken(secret, topic string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(topic))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidCallbackToken reports whether token was issued for topic under secret. An empty secret
// never validates.
func ValidCallbackToken(secret, topic, token string) bool {
	if secret == "" || token == "" {
		return false
	}
	return hmac.Equal([]byte(CallbackToken(secret, topic)), []byte(token))
}

// WebSubProvider subscribes channel topics at the hub for subscription.Manager. The hub cannot
// list subscriptions, so reconciliation relies on the stored lease expiry.
type WebSubProvider struct {
	Hub        string
	Callback   string
	Secret     string
	Lease      time.Duration
	HTTPClient *http.Client
}

var _ subscription.Provider = (*WebSubProvider)(nil)

// Platform implements subscription.Provider.
func (p *WebSubProvider) Platform() platform.Platform { return platform.YouTube }

// EventTypes implements subscription.Provider.
func (p *WebSubProvider) EventTypes() []string { return []string{EventVideos} }

// List implements subscription.Provider.
func (p *WebSubProvider) List(context.Context) ([]subscription.Remote, error) {
	return nil, subscription.ErrListUnsupported
}

// Subscribe implements subscription.Provider. The hub verifies asynchronously with a GET to the
// callback, which persists the subscription.
func (p *WebSubProvider) Subscribe(ctx context.Context, feed track.Feed, _ string) error {
	return p.request(ctx, "subscribe", TopicURL(feed.ExternalID))
}

// Unsubscribe implements subscription.Provider. The provider id of a WebSub subscription is its
// topic URL.
func (p *WebSubProvider) Unsubscribe(ctx context.Context, r subscription.Remote) error {
	topic := r.ID
	if topic == "" {
		topic = TopicURL(r.ExternalID)
	}
	return p.request(ctx, "unsubscribe", topic)
}

func (p *WebSubProvider) request(ctx context.Context, mode, topic string) error {
	if p.Callback == "" {
		return fmt.Errorf("websub %s: no callback configured", mode)
	}
	callback, err := p.callbackFor(topic)
	if err != nil {
		return fmt.Errorf("websub %s: %w", mode, err)
	}
	form := url.Values{
		"hub.callback": {callback},
		"hub.mode":     {mode},
		"hub.topic":    {topic},
		"hub.verify":   {"async"},
	}
	if mode == "subscribe" {
		if p.Secret != "" {
			form.Set("hub.secret", p.Secret)
		}
		if p.Lease > 0 {
			form.Set("hub.lease_seconds", strconv.Itoa(int(p.Lease/time.Second)))
		}
	}
	hub := p.Hub
	if hub == "" {
		hub = DefaultHub
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hub, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := p.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("websub %s: %w", mode, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := platform.CheckResponse(resp, body, time.Now()); err != nil {
		return fmt.Errorf("websub %s %s: %w", mode, topic, err)
	}
	return nil
}

// callbackFor returns Callback with the topic token appended. Without a secret the callback is
// used as is and the listener rejects every intent.
func (p *WebSubProvider) callbackFor(topic string) (string, error) {
	if p.Secret == "" {
		return p.Callback, nil
	}
	u, err := url.Parse(p.Callback)
	if err != nil {
		return "", fmt.Errorf("parse callback: %w", err)
	}
	q := u.Query()
	q.Set(CallbackTokenParam, CallbackToken(p.Secret, topic))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
