package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all event router Prometheus metrics.
type Metrics struct {
	MessagesTotal          *prometheus.CounterVec
	ForwardDuration        *prometheus.HistogramVec
	PublishErrors          *prometheus.CounterVec
	SubscriptionUp         prometheus.Gauge
	SubscriptionReconnects prometheus.Counter
}

// NewMetrics creates and registers all event router metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "event_router_messages_total",
			Help: "Topic messages handled, by outcome.",
		}, []string{"outcome"}),

		ForwardDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_router_forward_duration_seconds",
			Help:    "Processing time per message phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),

		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "event_router_publish_errors_total",
			Help: "Event bus publish failures by error code.",
		}, []string{"code"}),

		SubscriptionUp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "event_router_subscription_up",
			Help: "1 while the topic subscription is established.",
		}),

		SubscriptionReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "event_router_subscription_reconnects_total",
			Help: "Resubscription attempts after the first subscribe.",
		}),
	}
}
