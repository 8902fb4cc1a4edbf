package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"leadcast/internal/domain"
	"leadcast/internal/inbound"
	"leadcast/internal/observability"
	"leadcast/internal/providers/twilio"
	sqsqueue "leadcast/internal/queue/sqs"
	"leadcast/internal/util"
)

type Ingestor interface {
	IngestMessage(ctx context.Context, ev domain.MessageEvent) (inbound.IngestResult, error)
	ApplyStatus(ctx context.Context, ev domain.StatusEvent) (inbound.StatusResult, error)
}

type EventQueue interface {
	Enqueue(ctx context.Context, ev sqsqueue.WebhookEvent) error
}

// Webhook receives Twilio form callbacks. With a Queue set, verified events
// are handed to cmd/webhook-processor instead of being applied inline.
type Webhook struct {
	Ingest    Ingestor
	Queue     EventQueue
	AuthToken string
	// PublicBaseURL is the scheme and host Twilio was configured with; the
	// signed URL is this plus the request path and query.
	PublicBaseURL string
}

func (w *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/v1/webhooks/twilio/inbound", w.handleTwilioInbound).Methods(http.MethodPost)
	r.HandleFunc("/v1/webhooks/twilio/status", w.handleTwilioStatus).Methods(http.MethodPost)
}

// verify parses the form and checks the signature. It writes the error
// response itself and reports whether the caller should continue.
func (w *Webhook) verify(rw http.ResponseWriter, r *http.Request, kind string) bool {
	if err := r.ParseForm(); err != nil {
		writeErrorText(rw, http.StatusBadRequest, ErrBadForm)
		return false
	}
	fullURL := strings.TrimRight(w.PublicBaseURL, "/") + r.URL.RequestURI()
	if !twilio.VerifySignature(w.AuthToken, fullURL, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
		observability.WebhookEvents.WithLabelValues(kind, "invalid_signature").Inc()
		slog.Warn("webhook signature rejected", "kind", kind, "remote_addr", r.RemoteAddr, "url", fullURL)
		writeErrorText(rw, http.StatusForbidden, ErrInvalidSignature)
		return false
	}
	return true
}

func (w *Webhook) handleTwilioInbound(rw http.ResponseWriter, r *http.Request) {
	if !w.verify(rw, r, sqsqueue.KindMessage) {
		return
	}
	ev := MessageEventFromForm(r.PostForm)
	if w.Queue != nil {
		w.enqueue(rw, r, sqsqueue.WebhookEvent{Kind: sqsqueue.KindMessage, Message: &ev, ReceivedAt: util.NowUTC()})
		return
	}
	if _, err := w.Ingest.IngestMessage(r.Context(), ev); err != nil {
		writeError(rw, r, err)
		return
	}
	writeTwiML(rw)
}

func (w *Webhook) handleTwilioStatus(rw http.ResponseWriter, r *http.Request) {
	if !w.verify(rw, r, sqsqueue.KindStatus) {
		return
	}
	ev := StatusEventFromForm(r.PostForm)
	if w.Queue != nil {
		w.enqueue(rw, r, sqsqueue.WebhookEvent{Kind: sqsqueue.KindStatus, Status: &ev, ReceivedAt: util.NowUTC()})
		return
	}
	if _, err := w.Ingest.ApplyStatus(r.Context(), ev); err != nil {
		writeError(rw, r, err)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func (w *Webhook) enqueue(rw http.ResponseWriter, r *http.Request, ev sqsqueue.WebhookEvent) {
	if err := w.Queue.Enqueue(r.Context(), ev); err != nil {
		observability.Enqueues.WithLabelValues("webhook", "error").Inc()
		slog.Error("webhook enqueue failed", "err", err, "kind", ev.Kind)
		writeErrorText(rw, http.StatusInternalServerError, ErrDependency)
		return
	}
	observability.Enqueues.WithLabelValues("webhook", "ok").Inc()
	rw.WriteHeader(http.StatusOK)
}

// MessageEventFromForm maps Twilio's incoming-message parameters.
func MessageEventFromForm(form url.Values) domain.MessageEvent {
	meta := map[string]any{}
	for _, k := range []string{"ProfileName", "WaId", "NumMedia", "OriginalRepliedMessageSid"} {
		if v := form.Get(k); v != "" {
			meta[k] = v
		}
	}
	if len(meta) == 0 {
		meta = nil
	}
	return domain.MessageEvent{
		MessageSID:    form.Get("MessageSid"),
		Direction:     domain.DirectionInbound,
		From:          twilio.StripChannel(form.Get("From")),
		To:            twilio.StripChannel(form.Get("To")),
		Body:          form.Get("Body"),
		ButtonText:    form.Get("ButtonText"),
		ButtonPayload: form.Get("ButtonPayload"),
		Metadata:      meta,
	}
}

// StatusEventFromForm maps Twilio's status-callback parameters.
func StatusEventFromForm(form url.Values) domain.StatusEvent {
	return domain.StatusEvent{
		MessageSID:   form.Get("MessageSid"),
		Status:       form.Get("MessageStatus"),
		ErrorCode:    form.Get("ErrorCode"),
		ErrorMessage: form.Get("ErrorMessage"),
	}
}

// writeTwiML acknowledges an incoming message without replying.
func writeTwiML(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "text/xml")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("<Response></Response>"))
}
