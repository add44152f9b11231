package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records authentication outcomes. Services depend on this interface
// so tests can pass NopMetrics.
type Metrics interface {
	RecordSignatureRejection(reason string)
	RecordAuthentication(outcome string)
	RecordAuthorization(outcome string)
	RecordRateLimitDecision(admitted bool)
	RecordSessionCreated()
	RecordSessionsEvicted(count int)
	RecordTokenIssued(kind string)
}

// Collector is the Prometheus implementation of Metrics.
type Collector struct {
	signatureRejections *prometheus.CounterVec
	authentications     *prometheus.CounterVec
	authorizations      *prometheus.CounterVec
	rateLimitDecisions  *prometheus.CounterVec
	sessionsCreated     prometheus.Counter
	sessionsEvicted     prometheus.Counter
	tokensIssued        *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signatureRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_signature_rejections_total",
			Help: "Inbound requests rejected by signature verification.",
		}, []string{"reason"}),
		authentications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_authentications_total",
			Help: "Authentication attempts by outcome.",
		}, []string{"outcome"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_authorizations_total",
			Help: "Permission checks by outcome.",
		}, []string{"outcome"}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_rate_limit_decisions_total",
			Help: "Rate limiter admissions and rejections.",
		}, []string{"outcome"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_sessions_created_total",
			Help: "Sessions opened.",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_sessions_evicted_total",
			Help: "Sessions removed by the per-identity cap.",
		}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Bearer tokens issued by kind (issue or refresh).",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.signatureRejections,
		c.authentications,
		c.authorizations,
		c.rateLimitDecisions,
		c.sessionsCreated,
		c.sessionsEvicted,
		c.tokensIssued,
	)

	return c
}

func (c *Collector) RecordSignatureRejection(reason string) {
	c.signatureRejections.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordAuthentication(outcome string) {
	c.authentications.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordAuthorization(outcome string) {
	c.authorizations.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordRateLimitDecision(admitted bool) {
	outcome := "rejected"
	if admitted {
		outcome = "admitted"
	}
	c.rateLimitDecisions.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordSessionCreated() {
	c.sessionsCreated.Inc()
}

func (c *Collector) RecordSessionsEvicted(count int) {
	c.sessionsEvicted.Add(float64(count))
}

func (c *Collector) RecordTokenIssued(kind string) {
	c.tokensIssued.WithLabelValues(kind).Inc()
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RecordSignatureRejection(string) {}
func (NopMetrics) RecordAuthentication(string)     {}
func (NopMetrics) RecordAuthorization(string)      {}
func (NopMetrics) RecordRateLimitDecision(bool)    {}
func (NopMetrics) RecordSessionCreated()           {}
func (NopMetrics) RecordSessionsEvicted(int)       {}
func (NopMetrics) RecordTokenIssued(string)        {}
