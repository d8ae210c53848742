// Package metrics instruments the verifier with Prometheus counters and
// histograms, the same client_golang conventions the rest of the fleet
// uses for its attestation and upstream-request metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the Prometheus instrumentation facade used by the HTTPS
// client and the verdict engine. Unlike a package-level var registered in
// init(), Recorder is constructed explicitly so tests can spin up their
// own registry without colliding with the process default.
type Recorder struct {
	roundTripTotal    *prometheus.CounterVec
	roundTripDuration *prometheus.HistogramVec
	verdictTotal      *prometheus.CounterVec
}

// New creates a Recorder and registers its collectors with reg. Passing
// prometheus.DefaultRegisterer matches the process-wide registration the
// teacher's tee package performs in init(); passing a fresh
// prometheus.NewRegistry() isolates a test.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		roundTripTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ra_tls_ita_roundtrip_total",
			Help: "Total number of HTTPS round-trips made to Intel Trust Authority.",
		}, []string{"endpoint", "result"}),
		roundTripDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ra_tls_ita_roundtrip_duration_seconds",
			Help:    "Duration of HTTPS round-trips made to Intel Trust Authority.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"endpoint"}),
		verdictTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ra_tls_ita_verdict_total",
			Help: "Total number of attestation verdicts by stage and kind.",
		}, []string{"stage", "kind"}),
	}
	reg.MustRegister(r.roundTripTotal, r.roundTripDuration, r.verdictTotal)
	return r
}

// ObserveRoundTrip records one HTTPS round-trip's latency and outcome. A
// nil Recorder is a silent no-op so callers that skip instrumentation
// (e.g. the offline CLI inspector) don't need a sentinel.
func (r *Recorder) ObserveRoundTrip(endpoint string, d time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.roundTripTotal.WithLabelValues(endpoint, result).Inc()
	r.roundTripDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveVerdict records one terminal verification outcome, labeled by
// stage and kind only (never peer identity or measurement value) to keep
// cardinality bounded under a high-churn fleet of enclaves.
func (r *Recorder) ObserveVerdict(stage, kind string) {
	if r == nil {
		return
	}
	r.verdictTotal.WithLabelValues(stage, kind).Inc()
}
