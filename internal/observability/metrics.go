package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "leadcast_api_requests_total", Help: "API requests"},
		[]string{"route", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "leadcast_enqueue_total", Help: "SQS enqueue results"},
		[]string{"queue", "result"},
	)
	BroadcastSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "leadcast_broadcast_sends_total", Help: "Per-vendor broadcast send outcomes"},
		[]string{"result"},
	)
	BroadcastLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "leadcast_broadcast_send_latency_seconds", Help: "Provider send latency"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "leadcast_webhook_events_total", Help: "Webhook events"},
		[]string{"kind", "result"},
	)
	VendorResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "leadcast_vendor_responses_total", Help: "Classified vendor replies"},
		[]string{"type"},
	)
	LeadTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "leadcast_lead_transitions_total", Help: "Lead status changes"},
		[]string{"to_state"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueues, BroadcastSends, BroadcastLatency, WebhookEvents, VendorResponses, LeadTransitions)
}
