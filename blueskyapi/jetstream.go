package blueskyapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/onnwee/livewatch/track"
)

// DefaultJetstreamURL is a public Jetstream instance.
const DefaultJetstreamURL = "wss://jetstream2.us-east.bsky.network/subscribe"

// CursorKey is the kv key holding the last processed Jetstream time_us.
const CursorKey = "bluesky_jetstream_cursor"

const (
	collectionPost   = "app.bsky.feed.post"
	collectionRepost = "app.bsky.feed.repost"
	// Resume slightly before the saved cursor so events around a disconnect are not lost. The
	// dedup store absorbs the replays.
	cursorRewind = 5 * time.Second
)

var errResubscribe = errors.New("jetstream: tracked set changed")

// Signal is a new post (or repost) by a tracked account.
type Signal struct {
	DID string
	// URI is the post the signal is about: the new post, or the subject of a repost.
	URI    string
	Repost bool
	Time   time.Time
}

type jetEvent struct {
	DID    string `json:"did"`
	TimeUS int64  `json:"time_us"`
	Kind   string `json:"kind"`
	Commit *struct {
		Operation  string          `json:"operation"`
		Collection string          `json:"collection"`
		RKey       string          `json:"rkey"`
		Record     json.RawMessage `json:"record"`
	} `json:"commit"`
}

type jetRecord struct {
	Reply   json.RawMessage `json:"reply"`
	Subject *struct {
		URI string `json:"uri"`
	} `json:"subject"`
}

// Jetstream follows the Jetstream firehose filtered to the tracked accounts. It owns the tracked
// DID set: Load is polled every RefreshInterval and a changed set reconnects with the new filter.
type Jetstream struct {
	URL        string
	HTTPClient *http.Client
	KV         track.KV
	// Load returns the DIDs to follow.
	Load func(ctx context.Context) ([]string, error)
	// Handle is called for each signal, sequentially, with a bounded context.
	Handle func(ctx context.Context, s Signal)

	RefreshInterval time.Duration
	HandleTimeout   time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration

	mu   sync.Mutex
	dids map[string]bool
}

// Tracked returns the DIDs currently followed, sorted.
func (j *Jetstream) Tracked() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sortedKeys(j.dids)
}

func (j *Jetstream) tracked(did string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dids[did]
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// refresh reloads the DID set and reports whether it changed.
func (j *Jetstream) refresh(ctx context.Context) (bool, error) {
	list, err := j.Load(ctx)
	if err != nil {
		return false, err
	}
	next := make(map[string]bool, len(list))
	for _, d := range list {
		if d != "" {
			next[d] = true
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	changed := len(next) != len(j.dids)
	if !changed {
		for d := range next {
			if !j.dids[d] {
				changed = true
				break
			}
		}
	}
	j.dids = next
	return changed, nil
}

func (j *Jetstream) defaults() {
	if j.URL == "" {
		j.URL = DefaultJetstreamURL
	}
	if j.RefreshInterval <= 0 {
		j.RefreshInterval = time.Minute
	}
	if j.HandleTimeout <= 0 {
		j.HandleTimeout = 30 * time.Second
	}
	if j.MinBackoff <= 0 {
		j.MinBackoff = time.Second
	}
	if j.MaxBackoff < j.MinBackoff {
		j.MaxBackoff = 2 * time.Minute
	}
}

// Run connects and reconnects until ctx is done. Connection failures back off exponentially with
// jitter; a session that stayed up resets the backoff.
func (j *Jetstream) Run(ctx context.Context) {
	j.defaults()
	log := slog.Default().With(slog.String("component", "jetstream"))
	backoff := j.MinBackoff
	for ctx.Err() == nil {
		if _, err := j.refresh(ctx); err != nil {
			log.Warn("load tracked accounts", slog.Any("err", err))
		}
		if len(j.Tracked()) == 0 {
			if !sleep(ctx, j.RefreshInterval) {
				return
			}
			continue
		}

		started := time.Now()
		err := j.session(ctx, log)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errResubscribe) {
			log.Info("tracked accounts changed, resubscribing", slog.Int("dids", len(j.Tracked())))
			backoff = j.MinBackoff
			continue
		}
		if time.Since(started) > j.MaxBackoff {
			backoff = j.MinBackoff
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		log.Warn("jetstream disconnected", slog.Any("err", err), slog.Duration("backoff", wait))
		if !sleep(ctx, wait) {
			return
		}
		backoff *= 2
		if backoff > j.MaxBackoff {
			backoff = j.MaxBackoff
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// subscribeURL builds the filtered endpoint URL.
func (j *Jetstream) subscribeURL(cursor int64) (string, error) {
	u, err := url.Parse(j.URL)
	if err != nil {
		return "", fmt.Errorf("jetstream url: %w", err)
	}
	q := u.Query()
	q["wantedCollections"] = []string{collectionPost, collectionRepost}
	q["wantedDids"] = j.Tracked()
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (j *Jetstream) loadCursor(ctx context.Context) int64 {
	if j.KV == nil {
		return 0
	}
	v, err := j.KV.GetKV(ctx, CursorKey)
	if err != nil || v == "" {
		return 0
	}
	c, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return c - cursorRewind.Microseconds()
}

func (j *Jetstream) saveCursor(ctx context.Context, cursor int64) {
	if j.KV == nil || cursor <= 0 {
		return
	}
	if err := j.KV.SetKV(ctx, CursorKey, strconv.FormatInt(cursor, 10)); err != nil {
		slog.Warn("save jetstream cursor", slog.String("component", "jetstream"), slog.Any("err", err))
	}
}

func (j *Jetstream) session(ctx context.Context, log *slog.Logger) error {
	u, err := j.subscribeURL(j.loadCursor(ctx))
	if err != nil {
		return err
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, _, err := websocket.Dial(sctx, u, &websocket.DialOptions{HTTPClient: j.HTTPClient})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(4 << 20)
	log.Info("jetstream connected", slog.Int("dids", len(j.Tracked())))

	var resubscribe atomic.Bool
	go func() {
		t := time.NewTicker(j.RefreshInterval)
		defer t.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case <-t.C:
				changed, err := j.refresh(sctx)
				if err != nil {
					log.Warn("refresh tracked accounts", slog.Any("err", err))
					continue
				}
				if changed {
					resubscribe.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	var cursor int64
	lastSave := time.Now()
	defer func() { j.saveCursor(context.WithoutCancel(ctx), cursor) }()
	for {
		_, data, err := conn.Read(sctx)
		if err != nil {
			if resubscribe.Load() {
				return errResubscribe
			}
			return err
		}
		var ev jetEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Debug("skip undecodable event", slog.Any("err", err))
			continue
		}
		if ev.TimeUS > cursor {
			cursor = ev.TimeUS
		}
		if s, ok := j.signal(ev); ok {
			hctx, hcancel := context.WithTimeout(ctx, j.HandleTimeout)
			j.Handle(hctx, s)
			hcancel()
		}
		if time.Since(lastSave) > 5*time.Second {
			j.saveCursor(ctx, cursor)
			lastSave = time.Now()
		}
	}
}

// signal filters an event down to creates of top-level posts and reposts by tracked accounts.
func (j *Jetstream) signal(ev jetEvent) (Signal, bool) {
	if ev.Kind != "commit" || ev.Commit == nil || ev.Commit.Operation != "create" || !j.tracked(ev.DID) {
		return Signal{}, false
	}
	var rec jetRecord
	if len(ev.Commit.Record) > 0 {
		_ = json.Unmarshal(ev.Commit.Record, &rec)
	}
	s := Signal{DID: ev.DID, Time: time.UnixMicro(ev.TimeUS)}
	switch ev.Commit.Collection {
	case collectionPost:
		if len(rec.Reply) > 0 && string(rec.Reply) != "null" {
			return Signal{}, false
		}
		s.URI = PostURI(ev.DID, ev.Commit.RKey)
	case collectionRepost:
		if rec.Subject == nil || rec.Subject.URI == "" {
			return Signal{}, false
		}
		s.URI = rec.Subject.URI
		s.Repost = true
	default:
		return Signal{}, false
	}
	return s, true
}
