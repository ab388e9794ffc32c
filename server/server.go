// Package server exposes the operator HTTP API: health, readiness, status, metrics and the admin
// routes that manage tracked feeds. It injects correlation IDs into request contexts for
// consistent logging and wraps every request in a tracing span.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/livewatch/config"
	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/subscription"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/track"
)

// Pinger is the database liveness check.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Store is the persistence surface the admin routes use.
type Store interface {
	track.FeedStore
	track.TargetStore
	track.MentionStore
}

// TargetRemover deletes a target and prunes its feed.
type TargetRemover interface {
	RemoveTarget(ctx context.Context, feed track.Feed, t track.Target) (bool, error)
}

// FlagSetter stores feature flags.
type FlagSetter interface {
	Set(ctx context.Context, guildID, channelID, feature string, enabled bool) error
}

// Reconciler runs one subscription reconciliation pass on demand.
type Reconciler interface {
	Reconcile(ctx context.Context) (subscription.Report, error)
}

// Deps wires the API to the running service. Nil optional fields disable the routes that need
// them.
type Deps struct {
	Config      *config.Config
	DB          Pinger
	Stats       func(ctx context.Context) (*db.Stats, error)
	Store       Store
	Targets     TargetRemover
	Flags       FlagSetter
	Adapters    map[platform.Platform]platform.Adapter
	Reconcilers map[platform.Platform]Reconciler
	// RecheckPending reports queued staleness rechecks for /status.
	RecheckPending func() int
}

// NewMux returns the HTTP handler with all routes.
func NewMux(deps Deps) http.Handler {
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	authCfg := loadAuthConfig(cfg)
	limiter := newIPRateLimiter(loadRateLimiterConfig(cfg))
	corsCfg := loadCORSConfig(cfg)

	h := NewHandlers(deps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)

	mux.HandleFunc("/admin/targets", h.HandleAdminTargets)
	mux.HandleFunc("/admin/feeds", h.HandleAdminFeeds)
	mux.HandleFunc("/admin/flags", h.HandleAdminFlags)
	mux.HandleFunc("/admin/reconcile", h.HandleAdminReconcile)

	// Auth first, then rate limiting, on admin routes only.
	admin := adminAuth(rateLimitMiddleware(mux, limiter), authCfg)
	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			admin.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selective.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values while letting shutdown finish.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
