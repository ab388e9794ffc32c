package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/livewatch/blueskyapi"
	"github.com/onnwee/livewatch/config"
	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/discord"
	"github.com/onnwee/livewatch/notify"
	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/poll"
	"github.com/onnwee/livewatch/recheck"
	"github.com/onnwee/livewatch/registry"
	"github.com/onnwee/livewatch/server"
	"github.com/onnwee/livewatch/subscription"
	"github.com/onnwee/livewatch/track"
	"github.com/onnwee/livewatch/twitchapi"
	"github.com/onnwee/livewatch/webhook"
	"github.com/onnwee/livewatch/youtubeapi"
)

// Minimum spacing between calls to each provider, shared by every caller of that provider.
const (
	twitchGate  = 75 * time.Millisecond // 800 points/min app token budget
	youtubeGate = 100 * time.Millisecond
	feedGate    = 250 * time.Millisecond
	blueskyGate = 50 * time.Millisecond
)

type intake struct {
	queue   *webhook.Queue
	server  *webhook.Server
	handler webhook.Handler
}

// service holds every runnable of the process.
type service struct {
	cfg      *config.Config
	rechecks *recheck.Scheduler
	loops    []*poll.Loop
	managers []*subscription.Manager
	intakes  []intake
	stream   *blueskyapi.Jetstream
	api      server.Deps
}

func newService(ctx context.Context, cfg *config.Config, database *sql.DB) (*service, error) {
	store := db.NewStore(database)
	defaults := map[string]bool{}
	for _, p := range platform.All {
		defaults[track.SummaryFeature(p)] = cfg.SummaryDefault
	}
	flags := &db.Flags{DB: database, Defaults: defaults}

	dc, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		return nil, err
	}
	reg := registry.New(store, dc, flags, cfg.ManualCuration)
	engine := notify.New(store, dc, flags, reg)
	disp := poll.NewDispatcher(store, reg, engine)
	rc := recheck.New(cfg.RecheckWindow)
	httpClient := &http.Client{Timeout: 15 * time.Second}

	s := &service{cfg: cfg, rechecks: rc}
	adapters := map[platform.Platform]platform.Adapter{}
	reconcilers := map[platform.Platform]server.Reconciler{}

	if cfg.TwitchEnabled() {
		helix := &twitchapi.HelixClient{
			ClientID:   cfg.TwitchClientID,
			Tokens:     &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			HTTPClient: httpClient,
			Gate:       platform.NewGate(twitchGate),
		}
		adapter := twitchapi.NewAdapter(helix)
		adapters[platform.Twitch] = adapter
		s.addLoop(&poll.TwitchChecker{Feeds: store, Adapter: adapter, Dispatcher: disp}, cfg.TwitchPollInterval, store)

		if cfg.TwitchWebhookEnabled() {
			q := webhook.NewQueue(string(platform.Twitch))
			proc := &webhook.TwitchProcessor{Store: store, Adapter: adapter, Observer: disp, Recheck: rc}
			s.intakes = append(s.intakes, intake{
				queue:   q,
				server:  webhook.NewServer(string(platform.Twitch), cfg.TwitchWebhookAddr, webhook.NewTwitchHandler(cfg.TwitchWebhookSecret, q)),
				handler: proc.Handle,
			})
			m := subscription.NewManager(&twitchapi.EventSubProvider{
				Helix:    helix,
				Callback: cfg.TwitchWebhookCallback,
				Secret:   cfg.TwitchWebhookSecret,
			}, store, reg, cfg.TwitchSubscriptionInterval)
			s.managers = append(s.managers, m)
			reconcilers[platform.Twitch] = m
		} else {
			slog.Info("twitch push delivery disabled, polling only", slog.String("component", "main"))
		}
	}

	if cfg.YouTubeEnabled() {
		yc, err := youtubeapi.New(ctx, cfg.YTAPIKey)
		if err != nil {
			return nil, err
		}
		yc.Gate = platform.NewGate(youtubeGate)
		adapter := youtubeapi.NewAdapter(yc)
		adapters[platform.YouTube] = adapter
		checker := &poll.YouTubeChecker{
			Store:      store,
			Adapter:    adapter,
			Feed:       &youtubeapi.FeedClient{HTTPClient: httpClient, Gate: platform.NewGate(feedGate)},
			Dispatcher: disp,
		}
		s.addLoop(checker, cfg.YTPollInterval, store)

		if cfg.YouTubeWebhookEnabled() {
			q := webhook.NewQueue(string(platform.YouTube))
			proc := &webhook.YouTubeProcessor{Store: store, Videos: checker, Recheck: rc, Lease: cfg.YTLease}
			s.intakes = append(s.intakes, intake{
				queue:   q,
				server:  webhook.NewServer(string(platform.YouTube), cfg.YTWebhookAddr, webhook.NewYouTubeHandler(cfg.YTWebhookSecret, q)),
				handler: proc.Handle,
			})
			m := subscription.NewManager(&youtubeapi.WebSubProvider{
				Hub:        youtubeapi.DefaultHub,
				Callback:   cfg.YTWebhookCallback,
				Secret:     cfg.YTWebhookSecret,
				Lease:      cfg.YTLease,
				HTTPClient: httpClient,
			}, store, reg, cfg.YTSubscriptionInterval)
			s.managers = append(s.managers, m)
			reconcilers[platform.YouTube] = m
		}
	}

	if cfg.BlueskyEnabled {
		bc := &blueskyapi.Client{BaseURL: cfg.BlueskyAPIURL, HTTPClient: httpClient, Gate: platform.NewGate(blueskyGate)}
		adapter := blueskyapi.NewAdapter(bc)
		adapters[platform.Bluesky] = adapter
		checker := &poll.BlueskyChecker{Feeds: store, Client: bc, Adapter: adapter, Dispatcher: disp, Recheck: rc, Limit: 20}
		s.addLoop(checker, cfg.BlueskyPollInterval, store)
		s.stream = &blueskyapi.Jetstream{
			URL:    cfg.BlueskyJetstreamURL,
			KV:     store,
			Load:   checker.TrackedDIDs,
			Handle: checker.HandleSignal,
		}
	}

	s.api = server.Deps{
		Config:         cfg,
		DB:             database,
		Stats:          func(ctx context.Context) (*db.Stats, error) { return db.LoadStats(ctx, database) },
		Store:          store,
		Targets:        reg,
		Flags:          flags,
		Adapters:       adapters,
		Reconcilers:    reconcilers,
		RecheckPending: rc.Pending,
	}
	return s, nil
}

func (s *service) addLoop(c poll.Checker, interval time.Duration, kv track.KV) {
	s.loops = append(s.loops, &poll.Loop{Checker: c, Interval: interval, RateLimitFallback: s.cfg.RateLimitFallback, KV: kv})
}

// run blocks until ctx is cancelled or a listener fails.
func (s *service) run(ctx context.Context) error {
	defer s.rechecks.Stop()
	g, gctx := errgroup.WithContext(ctx)

	for _, l := range s.loops {
		g.Go(func() error {
			l.Run(gctx)
			return nil
		})
	}
	for _, m := range s.managers {
		g.Go(func() error {
			m.Run(gctx)
			return nil
		})
	}
	for _, in := range s.intakes {
		g.Go(func() error {
			in.queue.Run(gctx, s.cfg.IntakeWorkers, s.cfg.IntakeItemTimeout, in.handler)
			return nil
		})
		g.Go(func() error {
			if err := in.server.Run(gctx); err != nil {
				return fmt.Errorf("webhook listener: %w", err)
			}
			return nil
		})
	}
	if s.stream != nil {
		g.Go(func() error {
			s.stream.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := server.Start(gctx, s.api, s.cfg.HTTPAddr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	slog.Info("service started",
		slog.Int("poll_loops", len(s.loops)),
		slog.Int("push_intakes", len(s.intakes)),
		slog.Bool("jetstream", s.stream != nil),
		slog.String("component", "main"))
	return g.Wait()
}
