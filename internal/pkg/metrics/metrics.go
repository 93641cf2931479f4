package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creditwallet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	WalletMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_wallet_mutations_total",
			Help: "Committed wallet mutations by kind",
		},
		[]string{"kind"},
	)

	CreditsMovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_credits_moved_total",
			Help: "Credits granted or charged",
		},
		[]string{"kind"},
	)

	ChargeRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_charge_rejections_total",
			Help: "Charges refused before any write",
		},
		[]string{"reason"},
	)

	CASConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "creditwallet_wallet_cas_conflicts_total",
			Help: "Version conflicts seen while updating a wallet balance",
		},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_webhook_events_total",
			Help: "Provider notifications by outcome",
		},
		[]string{"provider", "outcome"},
	)

	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_orders_total",
			Help: "Orders recorded by status",
		},
		[]string{"provider", "status"},
	)

	SubscriptionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_subscription_transitions_total",
			Help: "Subscription state changes",
		},
		[]string{"provider", "status"},
	)

	JobQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "creditwallet_job_queue_length",
			Help: "Pending background jobs",
		},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_jobs_finished_total",
			Help: "Background jobs by type and final state",
		},
		[]string{"type", "state"},
	)
)

func RecordHTTPRequest(method, route string, status int, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}

// RecordWalletMutation counts one committed grant or charge.
func RecordWalletMutation(kind string, amount int64) {
	WalletMutationsTotal.WithLabelValues(kind).Inc()
	CreditsMovedTotal.WithLabelValues(kind).Add(float64(amount))
}

func RecordChargeRejection(reason string) {
	ChargeRejectionsTotal.WithLabelValues(reason).Inc()
}

func RecordJobFinished(jobType, state string) {
	JobsFinishedTotal.WithLabelValues(jobType, state).Inc()
}

func RecordCASConflict() {
	CASConflictsTotal.Inc()
}

func RecordWebhook(provider, outcome string) {
	WebhookEventsTotal.WithLabelValues(provider, outcome).Inc()
}

func RecordOrder(provider, status string) {
	OrdersTotal.WithLabelValues(provider, status).Inc()
}

func RecordSubscriptionTransition(provider, status string) {
	SubscriptionTransitionsTotal.WithLabelValues(provider, status).Inc()
}
