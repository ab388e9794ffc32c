// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	NotificationsTotal   *prometheus.CounterVec // platform, action
	PollCyclesTotal      *prometheus.CounterVec // platform, result
	WebhookRequestsTotal *prometheus.CounterVec // provider, result
	SubscriptionOpsTotal *prometheus.CounterVec // platform, op, result
	RateLimitSleepsTotal *prometheus.CounterVec // platform
	DedupSkipsTotal      *prometheus.CounterVec // platform
	TargetsRemovedTotal  *prometheus.CounterVec // platform, reason

	// Histograms (seconds)
	PollDuration   *prometheus.HistogramVec // platform
	IntakeDuration *prometheus.HistogramVec // provider

	// Gauges
	IntakeQueueDepth *prometheus.GaugeVec // provider
	IntakeStragglers *prometheus.GaugeVec // provider
	RecheckPending   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livewatch_notifications_total", Help: "Discord notification operations by platform and action"}, []string{"platform", "action"})
		PollCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livewatch_poll_cycles_total", Help: "Poll cycles by platform and result"}, []string{"platform", "result"})
		WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livewatch_webhook_requests_total", Help: "Webhook requests by provider and result"}, []string{"provider", "result"})
		SubscriptionOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livewatch_subscription_ops_total", Help: "Provider subscription operations"}, []string{"platform", "op", "result"})
		RateLimitSleepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livewatch_rate_limit_sleeps_total", Help: "Times a poll loop slept for a provider rate limit"}, []string{"platform"})
		DedupSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livewatch_dedup_skips_total", Help: "Items skipped because they were already recorded"}, []string{"platform"})
		TargetsRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livewatch_targets_removed_total", Help: "Targets removed by self-healing"}, []string{"platform", "reason"})
		PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "livewatch_poll_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets}, []string{"platform"})
		IntakeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "livewatch_intake_item_duration_seconds", Help: "Webhook intake item processing seconds", Buckets: prometheus.DefBuckets}, []string{"provider"})
		IntakeQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "livewatch_intake_queue_depth", Help: "Pending webhook intake items"}, []string{"provider"})
		IntakeStragglers = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "livewatch_intake_stragglers", Help: "Timed-out intake handlers still running"}, []string{"provider"})
		RecheckPending = promauto.NewGauge(prometheus.GaugeOpts{Name: "livewatch_recheck_pending", Help: "Pending debounced rechecks"})
	})
}

func inc(v *prometheus.CounterVec, labels ...string) {
	if v != nil {
		v.WithLabelValues(labels...).Inc()
	}
}

// CountNotification records a Discord operation for a platform (created, edited, deleted,
// summarized, failed).
func CountNotification(platform, action string) { inc(NotificationsTotal, platform, action) }

// CountPoll records the outcome of one poll cycle.
func CountPoll(platform, result string) { inc(PollCyclesTotal, platform, result) }

// CountWebhook records the outcome of one webhook request.
func CountWebhook(provider, result string) { inc(WebhookRequestsTotal, provider, result) }

// CountSubscriptionOp records a subscribe/unsubscribe call.
func CountSubscriptionOp(platform, op, result string) { inc(SubscriptionOpsTotal, platform, op, result) }

// CountRateLimitSleep records a rate-limit pause.
func CountRateLimitSleep(platform string) { inc(RateLimitSleepsTotal, platform) }

// CountDedupSkip records an item suppressed by the dedup store.
func CountDedupSkip(platform string) { inc(DedupSkipsTotal, platform) }

// CountTargetRemoved records a target deleted by self-healing.
func CountTargetRemoved(platform, reason string) { inc(TargetsRemovedTotal, platform, reason) }

// SetIntakeDepth records the current queue length of a provider's intake queue.
func SetIntakeDepth(provider string, n int) {
	if IntakeQueueDepth != nil {
		IntakeQueueDepth.WithLabelValues(provider).Set(float64(n))
	}
}

// SetIntakeStragglers records how many abandoned intake handlers have not returned yet.
func SetIntakeStragglers(provider string, n int) {
	if IntakeStragglers != nil {
		IntakeStragglers.WithLabelValues(provider).Set(float64(n))
	}
}

// SetRecheckPending records the number of pending rechecks.
func SetRecheckPending(n int) {
	if RecheckPending != nil {
		RecheckPending.Set(float64(n))
	}
}

// ObservePoll records a poll cycle duration.
func ObservePoll(platform string, d time.Duration) {
	if PollDuration != nil {
		PollDuration.WithLabelValues(platform).Observe(d.Seconds())
	}
}

// ObserveIntake records an intake item duration.
func ObserveIntake(provider string, d time.Duration) {
	if IntakeDuration != nil {
		IntakeDuration.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
