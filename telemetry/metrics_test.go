package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, v *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := v.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestInitIdempotent(t *testing.T) {
	Init()
	first := NotificationsTotal
	Init()
	if NotificationsTotal != first {
		t.Fatal("Init re-registered metrics")
	}
	if PollDuration == nil || IntakeQueueDepth == nil || RecheckPending == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestCounterHelpers(t *testing.T) {
	Init()
	before := counterValue(t, NotificationsTotal, "twitch", "created")
	CountNotification("twitch", "created")
	CountNotification("twitch", "created")
	if got := counterValue(t, NotificationsTotal, "twitch", "created") - before; got != 2 {
		t.Errorf("notifications delta = %v, want 2", got)
	}

	before = counterValue(t, WebhookRequestsTotal, "youtube", "forbidden")
	CountWebhook("youtube", "forbidden")
	if got := counterValue(t, WebhookRequestsTotal, "youtube", "forbidden") - before; got != 1 {
		t.Errorf("webhook delta = %v, want 1", got)
	}
}

func TestGaugeHelpers(t *testing.T) {
	Init()
	SetIntakeDepth("twitch", 7)
	var m dto.Metric
	if err := IntakeQueueDepth.WithLabelValues("twitch").Write(&m); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.GetGauge().GetValue() != 7 {
		t.Errorf("depth = %v, want 7", m.GetGauge().GetValue())
	}

	SetIntakeStragglers("youtube", 2)
	var s dto.Metric
	if err := IntakeStragglers.WithLabelValues("youtube").Write(&s); err != nil {
		t.Fatalf("write: %v", err)
	}
	if s.GetGauge().GetValue() != 2 {
		t.Errorf("stragglers = %v, want 2", s.GetGauge().GetValue())
	}
}

func TestObserveHistogram(t *testing.T) {
	Init()
	ObservePoll("bluesky", 250*time.Millisecond)
	var m dto.Metric
	obs := PollDuration.WithLabelValues("bluesky").(prometheus.Metric)
	if err := obs.Write(&m); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.GetHistogram().GetSampleCount() < 1 {
		t.Errorf("sample count = %d, want >= 1", m.GetHistogram().GetSampleCount())
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	Init()
	d := TimeFunc(nil, func() { time.Sleep(5 * time.Millisecond) })
	if d < 5*time.Millisecond {
		t.Errorf("TimeFunc = %v, want >= 5ms", d)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Fatal("unexpected correlation id")
	}
	ctx = WithCorrelation(ctx, "abc")
	if GetCorrelation(ctx) != "abc" {
		t.Fatalf("GetCorrelation = %q", GetCorrelation(ctx))
	}
	if LoggerWithCorr(ctx) == nil {
		t.Fatal("nil logger")
	}
}
