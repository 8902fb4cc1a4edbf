// Package app holds the wiring shared by the binaries under cmd/.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"leadcast/internal/broadcast"
	"leadcast/internal/config"
	"leadcast/internal/providers/twilio"
)

const StatusCallbackPath = "/v1/webhooks/twilio/status"

// NewDispatcher builds the broadcast dispatcher with its rate limiter and
// circuit breaker. Without Twilio credentials the Sender stays nil so every
// broadcast fails with a configuration error.
func NewDispatcher(tw config.Twilio, b config.Broadcast, st broadcast.DispatchStore) *broadcast.Dispatcher {
	d := &broadcast.Dispatcher{
		Store:       st,
		ContentSID:  tw.TwilioContentSID,
		FromAddress: tw.TwilioWhatsAppFrom,
		Limiter:     rate.NewLimiter(rate.Limit(tw.TwilioRPS), tw.TwilioBurst),
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "twilio",
			MaxRequests: 3,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
			// a rejected number or template is the caller's problem, not an outage
			IsSuccessful: func(err error) bool { return err == nil || twilio.IsRejection(err) },
		}),
		SendDelay:   b.BroadcastSendDelay,
		SendTimeout: tw.TwilioSendTimeout,
		MaxAttempts: b.BroadcastMaxAttempts,
		MaxVendors:  b.BroadcastMaxVendors,
	}
	if b.PublicWebhookBaseURL != "" {
		d.StatusCallbackURL = strings.TrimRight(b.PublicWebhookBaseURL, "/") + StatusCallbackPath
	}

	client := &twilio.Client{
		AccountSID:          tw.TwilioAccountSID,
		AuthToken:           tw.TwilioAuthToken,
		HTTP:                &http.Client{Timeout: tw.TwilioSendTimeout},
		MessagingServiceSID: tw.TwilioMessagingServiceSID,
		WhatsAppFrom:        tw.TwilioWhatsAppFrom,
		BaseURL:             tw.TwilioBaseURL,
	}
	if client.Configured() {
		d.Sender = client
	}
	return d
}

// MetricsServer exposes the default Prometheus registry on its own port.
func MetricsServer(port string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: ":" + port, Handler: mux}
}
