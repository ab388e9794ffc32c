package webhook

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/onnwee/livewatch/telemetry"
)

// EventSub message types.
const (
	MessageVerification = "webhook_callback_verification"
	MessageNotification = "notification"
	MessageRevocation   = "revocation"
)

// EventSub request headers.
const (
	headerMessageID        = "Twitch-Eventsub-Message-Id"
	headerMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerMessageSignature = "Twitch-Eventsub-Message-Signature"
	headerMessageType      = "Twitch-Eventsub-Message-Type"
)

const (
	maxBody = 1 << 20
	// Twitch retries with the same message id for a while; ids older than the freshness window
	// are rejected by timestamp anyway.
	defaultMaxAge = 10 * time.Minute
)

// TwitchHandler serves the EventSub webhook callback.
type TwitchHandler struct {
	secret string
	queue  *Queue
	maxAge time.Duration
	seen   *expirable.LRU[string, struct{}]
	now    func() time.Time
}

// NewTwitchHandler verifies requests with secret and pushes accepted messages to q.
func NewTwitchHandler(secret string, q *Queue) *TwitchHandler {
	return &TwitchHandler{
		secret: secret,
		queue:  q,
		maxAge: defaultMaxAge,
		seen:   expirable.NewLRU[string, struct{}](8192, nil, 2*defaultMaxAge),
		now:    time.Now,
	}
}

func (h *TwitchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "webhook", "webhook.twitch",
		telemetry.HTTPMethodAttr(r.Method), telemetry.HTTPRouteAttr(r.URL.Path))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "webhook"), slog.String("provider", "twitch"))

	if r.Method != http.MethodPost {
		telemetry.CountWebhook("twitch", "method")
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		telemetry.CountWebhook("twitch", "invalid")
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	id := r.Header.Get(headerMessageID)
	ts := r.Header.Get(headerMessageTimestamp)
	sig := r.Header.Get(headerMessageSignature)
	typ := r.Header.Get(headerMessageType)
	if id == "" || ts == "" || sig == "" || typ == "" {
		telemetry.CountWebhook("twitch", "forbidden")
		log.Warn("eventsub request missing headers")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !VerifySHA256(h.secret, [][]byte{[]byte(id), []byte(ts), body}, sig) {
		telemetry.CountWebhook("twitch", "forbidden")
		log.Warn("eventsub signature mismatch", slog.String("message_id", id))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	sent, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil || h.now().Sub(sent).Abs() > h.maxAge {
		telemetry.CountWebhook("twitch", "forbidden")
		log.Warn("eventsub message stale", slog.String("message_id", id), slog.String("timestamp", ts))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := validateEnvelope(body); err != nil {
		telemetry.CountWebhook("twitch", "invalid")
		telemetry.RecordError(span, err)
		log.Warn("eventsub envelope rejected", slog.String("message_id", id), slog.Any("err", err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var challenge string
	if typ == MessageVerification {
		env, err := decodeEnvelope(body)
		if err != nil || env.Challenge == "" {
			telemetry.CountWebhook("twitch", "invalid")
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		challenge = env.Challenge
	}

	replay := h.seen.Contains(id)
	if !replay {
		h.seen.Add(id, struct{}{})
		switch typ {
		case MessageVerification, MessageNotification, MessageRevocation:
			h.queue.Push(Item{ID: id, Provider: "twitch", Type: typ, Body: body, Received: h.now()})
		default:
			log.Info("ignoring eventsub message type", slog.String("type", typ))
		}
	}
	result := "accepted"
	if replay {
		result = "replay"
		log.Debug("eventsub replay acknowledged", slog.String("message_id", id))
	}
	telemetry.CountWebhook("twitch", result)
	telemetry.SetSpanSuccess(span)

	if challenge != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
		return
	}
	w.WriteHeader(http.StatusOK)
}
