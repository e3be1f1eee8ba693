package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	verificationsTotal *prometheus.CounterVec
	claimsTotal        *prometheus.CounterVec
	fulfillmentsTotal  *prometheus.CounterVec
	rateLimitedTotal   prometheus.Counter
	dlqDepth           prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardrails_verifications_total",
		Help: "Verification attempts by path and result",
	}, []string{"path", "result"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardrails_claims_total",
		Help: "Claim attempts by result",
	}, []string{"result"})

	fulfillments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardrails_fulfillments_total",
		Help: "Card issuance/funding attempts by result",
	}, []string{"result"})

	rateLimited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cardrails_rate_limited_total",
		Help: "Auto-verify requests rejected by the rate limiter",
	})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cardrails_fulfillment_dlq_depth",
		Help: "Number of journaled fulfillment failures awaiting replay",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(verifications, claims, fulfillments, rateLimited, dlq)

	return &metricsRegistry{
		registry:           r,
		verificationsTotal: verifications,
		claimsTotal:        claims,
		fulfillmentsTotal:  fulfillments,
		rateLimitedTotal:   rateLimited,
		dlqDepth:           dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incVerification(path, result string) {
	m.verificationsTotal.WithLabelValues(path, result).Inc()
}

func (m *metricsRegistry) incClaim(result string) {
	m.claimsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incFulfillment(result string) {
	m.fulfillmentsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incRateLimited() {
	m.rateLimitedTotal.Inc()
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
