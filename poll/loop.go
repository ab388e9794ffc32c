package poll

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/track"
)

// Checker runs one reconciliation pass over every feed of a provider.
type Checker interface {
	Platform() platform.Platform
	Check(ctx context.Context) error
}

// HeartbeatKey is the kv key holding the completion time of a provider's last poll cycle.
func HeartbeatKey(p platform.Platform) string { return "job_poll_" + string(p) }

// Loop repeats a Checker no faster than Interval. A rate-limited cycle sleeps until the
// provider's reset (or RateLimitFallback when the provider gave none) before the next cycle.
type Loop struct {
	Checker           Checker
	Interval          time.Duration
	RateLimitFallback time.Duration
	KV                track.KV

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func (l *Loop) defaults() {
	if l.Interval <= 0 {
		l.Interval = time.Minute
	}
	if l.RateLimitFallback <= 0 {
		l.RateLimitFallback = time.Minute
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.sleep == nil {
		l.sleep = sleepCtx
	}
}

// Run blocks until ctx is done. The first cycle starts immediately.
func (l *Loop) Run(ctx context.Context) {
	l.defaults()
	p := string(l.Checker.Platform())
	log := slog.Default().With(slog.String("component", "poll"), slog.String("platform", p))
	log.Info("poll loop starting", slog.Duration("interval", l.Interval))
	for {
		wait := l.cycle(ctx, log)
		if ctx.Err() != nil || !l.sleep(ctx, wait) {
			log.Info("poll loop stopped")
			return
		}
	}
}

// cycle runs one check and returns how long to wait before the next one.
func (l *Loop) cycle(ctx context.Context, log *slog.Logger) time.Duration {
	p := string(l.Checker.Platform())
	start := l.now()
	ctx, span := telemetry.StartSpan(ctx, "poll", "poll.cycle", telemetry.PlatformAttr(p))
	defer span.End()

	err := l.Checker.Check(ctx)
	elapsed := l.now().Sub(start)
	telemetry.ObservePoll(p, elapsed)
	if rl, ok := platform.AsRateLimit(err); ok {
		telemetry.CountPoll(p, "rate_limited")
		telemetry.CountRateLimitSleep(p)
		d := rl.RetryAfter
		if d <= 0 {
			d = l.RateLimitFallback
		}
		log.Warn("rate limited, sleeping", slog.Duration("sleep", d))
		return d
	}
	if err != nil {
		telemetry.CountPoll(p, "error")
		telemetry.RecordError(span, err)
		log.Warn("poll cycle failed", slog.Any("err", err))
	} else {
		telemetry.CountPoll(p, "ok")
		telemetry.SetSpanSuccess(span)
	}
	if l.KV != nil && ctx.Err() == nil {
		if err := l.KV.SetKV(ctx, HeartbeatKey(l.Checker.Platform()), l.now().UTC().Format(time.RFC3339)); err != nil {
			log.Debug("heartbeat", slog.Any("err", err))
		}
	}
	if elapsed >= l.Interval {
		return 0
	}
	return l.Interval - elapsed
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
