package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
)

// RewriteTransport sends every request to host (scheme://host[:port]) while keeping path and
// query, so clients with hard-coded provider URLs can be pointed at an httptest server.
type RewriteTransport struct {
	Transport http.RoundTripper
	Host      string
}

// RoundTrip implements http.RoundTripper.
func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, err := url.Parse(t.Host)
	if err != nil {
		return nil, err
	}
	r := req.Clone(req.Context())
	r.URL.Scheme = target.Scheme
	r.URL.Host = target.Host
	r.Host = target.Host
	rt := t.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(r)
}

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu            sync.Mutex
	users         map[string]map[string]string
	streams       map[string]map[string]interface{}
	subscriptions map[string]map[string]interface{}
	nextSub       int
	// Calls counts requests per path.
	Calls map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers:      make(map[string]http.HandlerFunc),
		users:         map[string]map[string]string{},
		streams:       map[string]map[string]interface{}{},
		subscriptions: map[string]map[string]interface{}{},
		Calls:         map[string]int{},
	}
	m.Handlers["/helix/users"] = m.serveUsers
	m.Handlers["/helix/streams"] = m.serveStreams
	m.Handlers["/helix/eventsub/subscriptions"] = m.serveEventSub
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.Calls[key]++
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Client returns an HTTP client that routes api.twitch.tv requests to the mock.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{Transport: &RewriteTransport{Host: m.URL}}
}

// CallCount returns the number of requests served for path.
func (m *MockTwitchServer) CallCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[path]
}

// MockUserResponse registers a user served by /helix/users (by id or login).
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = map[string]string{
		"id":                userID,
		"login":             login,
		"display_name":      login,
		"profile_image_url": "https://static-cdn.jtvnw.net/" + login + ".png",
	}
}

// MockStream marks userID live with the given stream id, title and viewer count.
func (m *MockTwitchServer) MockStream(userID, login, streamID, title string, viewers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[userID] = map[string]interface{}{
		"id":            streamID,
		"user_id":       userID,
		"user_login":    login,
		"user_name":     login,
		"game_name":     "Just Chatting",
		"type":          "live",
		"title":         title,
		"viewer_count":  viewers,
		"started_at":    "2024-05-01T18:00:00Z",
		"thumbnail_url": "https://static-cdn.jtvnw.net/previews-ttv/live_user_" + login + "-{width}x{height}.jpg",
	}
}

// EndStream marks userID offline.
func (m *MockTwitchServer) EndStream(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, userID)
}

// MockRateLimit makes path answer 429 with a Ratelimit-Reset header.
func (m *MockTwitchServer) MockRateLimit(path string, resetUnix int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Ratelimit-Reset", strconv.FormatInt(resetUnix, 10))
		w.WriteHeader(http.StatusTooManyRequests)
	}
}

// AddSubscription seeds an EventSub subscription as Twitch would list it.
func (m *MockTwitchServer) AddSubscription(id, typ, broadcasterID, status, callback string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[id] = map[string]interface{}{
		"id":        id,
		"type":      typ,
		"version":   "1",
		"status":    status,
		"condition": map[string]string{"broadcaster_user_id": broadcasterID},
		"transport": map[string]string{"method": "webhook", "callback": callback},
	}
}

// Subscriptions returns the ids of the current EventSub subscriptions.
func (m *MockTwitchServer) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subscriptions))
	for id := range m.subscriptions {
		out = append(out, id)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

func (m *MockTwitchServer) serveUsers(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := r.URL.Query()
	data := []map[string]string{}
	for _, id := range q["id"] {
		if u, ok := m.users[id]; ok {
			data = append(data, u)
		}
	}
	for _, login := range q["login"] {
		for _, u := range m.users {
			if u["login"] == login {
				data = append(data, u)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

func (m *MockTwitchServer) serveStreams(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := []map[string]interface{}{}
	for _, id := range r.URL.Query()["user_id"] {
		if s, ok := m.streams[id]; ok {
			data = append(data, s)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

func (m *MockTwitchServer) serveEventSub(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		data := []map[string]interface{}{}
		for _, s := range m.subscriptions {
			data = append(data, s)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": data, "pagination": map[string]string{}})
	case http.MethodPost:
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cond, _ := req["condition"].(map[string]interface{})
		for _, s := range m.subscriptions {
			existing := s["condition"].(map[string]string)
			if s["type"] == req["type"] && cond != nil && existing["broadcaster_user_id"] == cond["broadcaster_user_id"] {
				writeJSON(w, http.StatusConflict, map[string]string{"message": "subscription already exists"})
				return
			}
		}
		m.nextSub++
		id := "sub-" + strconv.Itoa(m.nextSub)
		broadcaster, _ := cond["broadcaster_user_id"].(string)
		transport, _ := req["transport"].(map[string]interface{})
		callback, _ := transport["callback"].(string)
		typ, _ := req["type"].(string)
		sub := map[string]interface{}{
			"id":        id,
			"type":      typ,
			"version":   "1",
			"status":    "webhook_callback_verification_pending",
			"condition": map[string]string{"broadcaster_user_id": broadcaster},
			"transport": map[string]string{"method": "webhook", "callback": callback},
		}
		m.subscriptions[id] = sub
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"data": []interface{}{sub}})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if _, ok := m.subscriptions[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(m.subscriptions, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
