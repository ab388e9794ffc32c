package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/subscription"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/track"
)

type addTargetRequest struct {
	Platform    string `json:"platform"`
	Account     string `json:"account"`
	GuildID     string `json:"guild_id"`
	ChannelID   string `json:"channel_id"`
	UserID      string `json:"user_id"`
	RoleID      string `json:"role_id,omitempty"`
	MentionText string `json:"mention_text,omitempty"`
	EmbedColor  *int   `json:"embed_color,omitempty"`
}

type feedView struct {
	ID         int64  `json:"id"`
	Platform   string `json:"platform"`
	ExternalID string `json:"external_id"`
	Username   string `json:"username"`
	Live       bool   `json:"live"`
	Targets    int    `json:"targets"`
}

type targetView struct {
	ID        int64  `json:"id"`
	FeedID    int64  `json:"feed_id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id,omitempty"`
}

func toFeedView(f track.Feed, targets int) feedView {
	return feedView{
		ID:         f.ID,
		Platform:   string(f.Platform),
		ExternalID: f.ExternalID,
		Username:   f.Username,
		Live:       f.Last != nil && f.Last.Live,
		Targets:    targets,
	}
}

func toTargetView(t track.Target) targetView {
	return targetView{ID: t.ID, FeedID: t.FeedID, GuildID: t.GuildID, ChannelID: t.ChannelID, UserID: t.UserID}
}

// HandleAdminTargets adds (POST) or removes (DELETE) a tracking target.
func (h *Handlers) HandleAdminTargets(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	switch r.Method {
	case http.MethodPost:
		h.addTarget(w, r)
	case http.MethodDelete:
		h.removeTarget(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) addTarget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "admin"))

	var req addTargetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	p := platform.Platform(req.Platform)
	if !p.Valid() {
		writeError(w, http.StatusBadRequest, "unknown platform")
		return
	}
	if req.Account == "" || req.GuildID == "" || req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "account, guild_id and channel_id are required")
		return
	}
	adapter, ok := h.deps.Adapters[p]
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "platform not enabled")
		return
	}

	res := adapter.GetUser(ctx, req.Account)
	switch res.Status {
	case platform.StatusFound:
	case platform.StatusNotFound:
		writeError(w, http.StatusNotFound, "account not found")
		return
	case platform.StatusRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Round(time.Second).Seconds())))
		writeError(w, http.StatusTooManyRequests, "provider rate limited")
		return
	default:
		log.Warn("account lookup failed", slog.String("platform", req.Platform), slog.Any("err", res.Err))
		writeError(w, http.StatusBadGateway, "provider lookup failed")
		return
	}

	feed := track.Feed{Platform: p, ExternalID: res.User.ID, Username: res.User.Login}
	t, created, err := h.deps.Store.AddTarget(ctx, feed, track.Target{GuildID: req.GuildID, ChannelID: req.ChannelID, UserID: req.UserID})
	if err != nil {
		log.Error("add target", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.RoleID != "" || req.MentionText != "" || req.EmbedColor != nil {
		m := track.MentionConfig{TargetID: t.ID, RoleID: req.RoleID, Text: req.MentionText, EmbedColor: req.EmbedColor}
		if err := h.deps.Store.SetMention(ctx, m); err != nil {
			log.Error("set mention", slog.Int64("target_id", t.ID), slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	stored, err := h.deps.Store.Feed(ctx, t.FeedID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	targets, err := h.deps.Store.Targets(ctx, stored.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info("target added",
		slog.String("platform", req.Platform),
		slog.String("feed", stored.ExternalID),
		slog.String("channel_id", t.ChannelID),
		slog.Bool("created", created))
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"created": created,
		"feed":    toFeedView(*stored, len(targets)),
		"target":  toTargetView(*t),
	})
}

func (h *Handlers) removeTarget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	p := platform.Platform(q.Get("platform"))
	externalID, guildID, channelID := q.Get("external_id"), q.Get("guild_id"), q.Get("channel_id")
	if !p.Valid() || externalID == "" || guildID == "" || channelID == "" {
		writeError(w, http.StatusBadRequest, "platform, external_id, guild_id and channel_id are required")
		return
	}
	if h.deps.Targets == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}

	feed, err := h.deps.Store.FeedByExternal(ctx, p, externalID)
	if errors.Is(err, track.ErrNotFound) {
		writeError(w, http.StatusNotFound, "feed not tracked")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	targets, err := h.deps.Store.Targets(ctx, feed.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, t := range targets {
		if t.GuildID != guildID || t.ChannelID != channelID {
			continue
		}
		feedDeleted, err := h.deps.Targets.RemoveTarget(ctx, *feed, t)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": toTargetView(t), "feed_deleted": feedDeleted})
		return
	}
	writeError(w, http.StatusNotFound, "target not found")
}

// HandleAdminFeeds lists tracked feeds, optionally filtered by ?platform=.
func (h *Handlers) HandleAdminFeeds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	ctx := r.Context()
	platforms := platform.All
	if v := r.URL.Query().Get("platform"); v != "" {
		p := platform.Platform(v)
		if !p.Valid() {
			writeError(w, http.StatusBadRequest, "unknown platform")
			return
		}
		platforms = []platform.Platform{p}
	}

	out := []feedView{}
	for _, p := range platforms {
		feeds, err := h.deps.Store.ListFeeds(ctx, p)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, f := range feeds {
			targets, err := h.deps.Store.Targets(ctx, f.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			out = append(out, toFeedView(f, len(targets)))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": out, "count": len(out)})
}

type setFlagRequest struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Feature   string `json:"feature"`
	Enabled   *bool  `json:"enabled"`
}

// HandleAdminFlags sets a guild-wide (empty channel_id) or channel feature flag.
func (h *Handlers) HandleAdminFlags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Flags == nil {
		writeError(w, http.StatusServiceUnavailable, "flags not configured")
		return
	}
	var req setFlagRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.GuildID == "" || req.Feature == "" || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "guild_id, feature and enabled are required")
		return
	}
	if err := h.deps.Flags.Set(r.Context(), req.GuildID, req.ChannelID, req.Feature, *req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// HandleAdminReconcile runs subscription reconciliation now for ?platform= or every push
// provider.
func (h *Handlers) HandleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	want := r.URL.Query().Get("platform")
	if want != "" {
		if _, ok := h.deps.Reconcilers[platform.Platform(want)]; !ok {
			writeError(w, http.StatusNotFound, "no push provider for platform")
			return
		}
	}

	reports := map[string]subscription.Report{}
	errs := map[string]string{}
	for p, rc := range h.deps.Reconcilers {
		if want != "" && string(p) != want {
			continue
		}
		rep, err := rc.Reconcile(r.Context())
		reports[string(p)] = rep
		if err != nil {
			errs[string(p)] = err.Error()
		}
	}
	status := http.StatusOK
	if len(errs) > 0 {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"reports": reports, "errors": errs})
}
