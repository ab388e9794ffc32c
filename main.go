// Command livewatch is the notification service entrypoint. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs migrations.
//   - Starts, per configured platform, the poll loop, the push intake (webhook listener plus
//     worker queue) and the subscription reconciler; Bluesky also follows Jetstream.
//   - Exposes the operator HTTP API with /healthz, /readyz, /status, /metrics and /admin/*.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/livewatch/config"
	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/twitchapi"
)

var version = "dev"

// newLogger builds the process logger from LOG_LEVEL (debug|info|warn|error) and LOG_FORMAT
// (text|json).
func newLogger() *slog.Logger {
	levels := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	raw := strings.ToLower(os.Getenv("LOG_LEVEL"))
	lvl, known := levels[raw]
	if raw == "" {
		lvl, known = slog.LevelInfo, true
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(h)
	if !known {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", raw))
	}
	return logger
}

// migrate applies the versioned migrations, falling back to the embedded idempotent SQL for
// databases that predate schema_migrations.
func migrate(ctx context.Context, database *sql.DB) error {
	log := slog.Default().With(slog.String("component", "db_migrate"))
	err := db.RunMigrations(database)
	if err == nil {
		log.Info("versioned migrations applied")
		return nil
	}
	log.Warn("versioned migrations failed, applying embedded schema", slog.Any("err", err))
	if err := db.Migrate(ctx, database); err != nil {
		return err
	}
	log.Info("embedded schema applied")
	return nil
}

// warmTwitchToken fetches the app token once so bad credentials show up at boot.
func warmTwitchToken(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	ts := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	if _, err := ts.Get(ctx); err != nil {
		slog.Warn("twitch app token fetch failed", slog.String("component", "main"), slog.Any("err", err))
		return
	}
	slog.Info("twitch app token acquired", slog.String("component", "main"))
}

func startPprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	srv := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	go func() {
		slog.Info("pprof listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server", slog.Any("err", err))
		}
	}()
}

func fatal(msg string, err error) {
	slog.Error(msg, slog.Any("err", err))
	os.Exit(1)
}

func main() {
	// Local dev convenience; production uses the real environment.
	_ = godotenv.Load()
	slog.SetDefault(newLogger())

	cfg, err := config.Load()
	if err != nil {
		fatal("config load failed", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration", err)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("livewatch", version)
	if err != nil {
		fatal("tracing initialization failed", err)
	}
	defer shutdownTracing()

	if cfg.TwitchEnabled() {
		warmTwitchToken(cfg)
	}

	database, err := db.Connect()
	if err != nil {
		fatal("failed to open db", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate(ctx, database); err != nil {
		fatal("database migration failed", err)
	}
	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	svc, err := newService(ctx, cfg, database)
	if err != nil {
		fatal("service wiring failed", err)
	}
	slog.Info("livewatch starting", slog.String("version", version))
	if err := svc.run(ctx); err != nil {
		stop()
		fatal("service exited with error", err) //nolint:gocritic // deferred cleanup is best-effort on fatal exit
	}
	slog.Info("shutting down")
}
