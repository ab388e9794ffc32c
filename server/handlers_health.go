package server

import (
	"fmt"
	"net/http"
	"time"
)

// HandleHealthz is the liveness probe. It never touches dependencies.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with dependency checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return fmt.Errorf("database not configured")
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"discord", func() error {
			if h.deps.Config != nil && h.deps.Config.DiscordToken == "" {
				return fmt.Errorf("missing DISCORD_TOKEN")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports row counts, job heartbeats and pending rechecks.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{"time": time.Now().UTC().Format(time.RFC3339)}
	if h.deps.Stats != nil {
		st, err := h.deps.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["feeds"] = st.Feeds
		resp["targets"] = st.Targets
		resp["subscriptions"] = st.Subscriptions
		resp["notifications"] = st.Notifications
		resp["heartbeats"] = st.Heartbeats
	}
	if h.deps.RecheckPending != nil {
		resp["recheck_pending"] = h.deps.RecheckPending()
	}
	writeJSON(w, http.StatusOK, resp)
}
