// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/shohag/teamsrelay/internal/models"
)

// Metrics implements the observer interfaces of the vault, the Graph client
// and the delivery pipeline.
type Metrics struct {
	Deliveries       *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	TokenRefreshes   *prometheus.CounterVec
	GraphRequests    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which tests rely on.
func New(reg prometheus.Registerer, log zerolog.Logger) *Metrics {
	m := &Metrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamsrelay_deliveries_total",
			Help: "Delivery attempts recorded, by outcome, formatter and error class.",
		}, []string{"outcome", "formatter", "error_class"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teamsrelay_delivery_duration_seconds",
			Help:    "Time spent in one webhook delivery, including discovery and fallback.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamsrelay_token_refreshes_total",
			Help: "OAuth refresh exchanges, by result.",
		}, []string{"result"}),
		GraphRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamsrelay_graph_requests_total",
			Help: "Microsoft Graph requests, by operation and HTTP status (0 when no response).",
		}, []string{"operation", "status"}),
	}

	if reg == nil {
		return m
	}
	for _, c := range []prometheus.Collector{m.Deliveries, m.DeliveryDuration, m.TokenRefreshes, m.GraphRequests} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("failed to register metric")
		}
	}
	return m
}

func (m *Metrics) ObserveRefresh(result string) {
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRequest(operation string, status int) {
	m.GraphRequests.WithLabelValues(operation, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveDelivery(a models.DeliveryAttempt, elapsed time.Duration) {
	m.Deliveries.WithLabelValues(string(a.Outcome), string(a.FormatterUsed), string(a.ErrorClass)).Inc()
	m.DeliveryDuration.WithLabelValues(string(a.Outcome)).Observe(elapsed.Seconds())
}
