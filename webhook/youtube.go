package webhook

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/youtubeapi"
)

// WebSub item types.
const (
	WebSubVerify       = "verify"
	WebSubDenied       = "denied"
	WebSubNotification = "notification"
)

// YouTubeHandler serves the WebSub callback: the hub's GET intent verification and the signed
// POST content notifications. An intent is only honoured when it carries the topic token this
// process put in the callback URL of its own hub request.
type YouTubeHandler struct {
	secret string
	queue  *Queue
	now    func() time.Time
}

// NewYouTubeHandler verifies notifications with secret and pushes accepted requests to q.
func NewYouTubeHandler(secret string, q *Queue) *YouTubeHandler {
	return &YouTubeHandler{secret: secret, queue: q, now: time.Now}
}

func (h *YouTubeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "webhook", "webhook.youtube",
		telemetry.HTTPMethodAttr(r.Method), telemetry.HTTPRouteAttr(r.URL.Path))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "webhook"), slog.String("provider", "youtube"))

	switch r.Method {
	case http.MethodGet:
		h.verifyIntent(w, r, log)
	case http.MethodPost:
		h.notification(w, r, log)
	default:
		telemetry.CountWebhook("youtube", "method")
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	telemetry.SetSpanSuccess(span)
}

func (h *YouTubeHandler) verifyIntent(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	topic := q.Get("hub.topic")
	if topic == "" || youtubeapi.ChannelFromTopic(topic) == "" {
		telemetry.CountWebhook("youtube", "invalid")
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}
	if !youtubeapi.ValidCallbackToken(h.secret, topic, q.Get(youtubeapi.CallbackTokenParam)) {
		telemetry.CountWebhook("youtube", "forbidden")
		log.Warn("websub intent without a valid topic token", slog.String("mode", mode), slog.String("topic", topic))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	params := map[string]string{"hub.mode": mode, "hub.topic": topic}
	switch mode {
	case "subscribe", "unsubscribe":
		challenge := q.Get("hub.challenge")
		if challenge == "" {
			telemetry.CountWebhook("youtube", "invalid")
			http.Error(w, "missing challenge", http.StatusBadRequest)
			return
		}
		params["hub.lease_seconds"] = q.Get("hub.lease_seconds")
		h.queue.Push(Item{ID: uuid.NewString(), Provider: "youtube", Type: WebSubVerify, Query: params, Received: h.now()})
		telemetry.CountWebhook("youtube", "challenge")
		log.Info("websub intent verified", slog.String("mode", mode), slog.String("topic", topic))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
	case "denied":
		params["hub.reason"] = q.Get("hub.reason")
		h.queue.Push(Item{ID: uuid.NewString(), Provider: "youtube", Type: WebSubDenied, Query: params, Received: h.now()})
		telemetry.CountWebhook("youtube", "denied")
		log.Warn("websub subscription denied", slog.String("topic", topic), slog.String("reason", params["hub.reason"]))
		w.WriteHeader(http.StatusOK)
	default:
		telemetry.CountWebhook("youtube", "invalid")
		http.Error(w, "unknown mode", http.StatusBadRequest)
	}
}

func (h *YouTubeHandler) notification(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		telemetry.CountWebhook("youtube", "invalid")
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !Verify(h.secret, [][]byte{body}, r.Header.Get("X-Hub-Signature")) {
		telemetry.CountWebhook("youtube", "forbidden")
		log.Warn("websub signature mismatch")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	h.queue.Push(Item{ID: uuid.NewString(), Provider: "youtube", Type: WebSubNotification, Body: body, Received: h.now()})
	telemetry.CountWebhook("youtube", "accepted")
	w.WriteHeader(http.StatusOK)
}
