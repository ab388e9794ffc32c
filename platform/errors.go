package platform

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by clients when the provider reports an entity as gone.
var ErrNotFound = errors.New("platform: not found")

// RateLimitError is returned by clients when the provider refused the call for rate reasons.
// RetryAfter is zero when the provider did not say how long to wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter <= 0 {
		return "platform: rate limited"
	}
	return fmt.Sprintf("platform: rate limited, retry after %s", e.RetryAfter)
}

// StatusError is a non-2xx provider response that is neither 404 nor 429.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("platform: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("platform: unexpected status %d: %s", e.Code, e.Body)
}

// AsRateLimit unwraps a *RateLimitError.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsNotFound reports whether err means the entity is gone.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// CheckResponse converts a provider response into the typed errors above. body is only used for
// the StatusError message and may be empty.
func CheckResponse(resp *http.Response, body []byte, now time.Time) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: RetryAfter(resp.Header, now)}
	default:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return &StatusError{Code: resp.StatusCode, Body: msg}
	}
}

// RetryAfter reads the wait a provider asked for. It understands `Retry-After` (seconds or HTTP
// date) and `Ratelimit-Reset` (unix seconds, used by Twitch and Bluesky).
func RetryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	if v := strings.TrimSpace(h.Get("Ratelimit-Reset")); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(unix, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}
