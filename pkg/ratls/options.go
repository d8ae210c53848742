package ratls

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gramine-ratls/ita-verifier/internal/config"
	"github.com/gramine-ratls/ita-verifier/internal/metrics"
	"github.com/gramine-ratls/ita-verifier/internal/verdict"
)

// Option configures a Verifier at construction time.
type Option func(*Verifier)

// MeasurementPolicy is the public shape of a caller-supplied measurement
// allow-list callback; see internal/verdict.MeasurementPolicy.
type MeasurementPolicy = verdict.MeasurementPolicy

// WithLogger installs a *zap.Logger. The default is zap.NewNop(), so a
// Verifier built with no options is silent.
func WithLogger(log *zap.Logger) Option {
	return func(v *Verifier) { v.log = log }
}

// WithMetrics installs a Prometheus registerer to record round-trip and
// verdict metrics against. The default records nothing.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(v *Verifier) { v.metrics = metrics.New(reg) }
}

// WithMeasurementPolicy installs a custom measurement policy, overriding
// the default EnvMeasurementPolicy built from RA_TLS_EXPECTED_MRENCLAVE /
// RA_TLS_EXPECTED_MRSIGNER.
func WithMeasurementPolicy(p MeasurementPolicy) Option {
	return func(v *Verifier) { v.measurementPolicy = p }
}

// WithClock overrides the clock Verify uses to evaluate JWT expiry —
// exposed for tests, not meant for production callers.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithConfig installs a pre-loaded *config.Config instead of reading one
// from the environment via config.Load at New time.
func WithConfig(cfg *config.Config) Option {
	return func(v *Verifier) { v.cfg = cfg }
}
