// Package ratls authenticates a TLS peer running inside an Intel SGX
// enclave by cross-checking its hardware-signed quote against Intel
// Trust Authority and validating the signed appraisal token ITA returns.
// Install Verifier.VerifyPeerCertificate as a crypto/tls.Config's
// VerifyPeerCertificate callback (with InsecureSkipVerify: true, since
// the peer's certificate is self-signed by design) to gate a handshake
// on successful remote attestation.
package ratls

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gramine-ratls/ita-verifier/internal/config"
	"github.com/gramine-ratls/ita-verifier/internal/itaclient"
	"github.com/gramine-ratls/ita-verifier/internal/jwtvalidator"
	"github.com/gramine-ratls/ita-verifier/internal/metrics"
	"github.com/gramine-ratls/ita-verifier/internal/quote"
	"github.com/gramine-ratls/ita-verifier/internal/verdict"
)

// Verifier holds the configuration and instrumentation a verification
// needs. It holds no per-call mutable state: each Verify/VerifyPeerCertificate
// call builds its own Session and reads policy fresh, and issues its two
// HTTPS round-trips one after the other.
type Verifier struct {
	cfg               *config.Config
	log               *zap.Logger
	metrics           *metrics.Recorder
	measurementPolicy verdict.MeasurementPolicy
	now               func() time.Time
}

// New builds a Verifier. Without WithConfig, it loads Config from the
// environment immediately so a misconfigured process fails at startup
// rather than on the first handshake.
func New(opts ...Option) (*Verifier, error) {
	v := &Verifier{
		log: zap.NewNop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		v.cfg = cfg
	}
	return v, nil
}

// VerifyPeerCertificate matches the signature crypto/tls.Config expects.
// It is handed the raw leaf certificate chain Go's TLS stack collected
// with chain verification skipped; exactly one certificate is the only
// depth this verifier accepts (more than one is InvalidCert, the Go
// equivalent of the original callback's depth != 0 rejection).
func (v *Verifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return v.VerifyPeerCertificateContext(context.Background(), rawCerts, nil)
}

// VerifyPeerCertificateContext is VerifyPeerCertificate with an explicit
// context (for the request deadline) and an optional *Results the caller
// can inspect after the call regardless of outcome.
func (v *Verifier) VerifyPeerCertificateContext(ctx context.Context, rawCerts [][]byte, results *Results) error {
	if results == nil {
		results = &Results{}
	}
	results.AttestationScheme = "SGX"
	results.Stage = StageInit
	results.RequestID = uuid.NewString()

	if err := v.verify(ctx, rawCerts, results); err != nil {
		ratlsErr, _ := AsError(err)
		if ratlsErr != nil {
			results.Kind = ratlsErr.Kind
			results.Stage = ratlsErr.Stage
			v.metrics.ObserveVerdict(string(ratlsErr.Stage), string(ratlsErr.Kind))
			v.log.Warn("attestation verification failed",
				zap.String("request_id", results.RequestID),
				zap.String("stage", string(ratlsErr.Stage)),
				zap.String("kind", string(ratlsErr.Kind)),
				zap.Error(ratlsErr.Err))
		}
		return NewError(KindCertVerifyFailed, results.Stage, err)
	}

	results.Stage = StageNone
	v.metrics.ObserveVerdict(string(StageNone), "ok")
	v.log.Info("attestation verification succeeded",
		zap.String("request_id", results.RequestID),
		zap.String("tcb_status", results.TCBStatus))
	return nil
}

func (v *Verifier) verify(ctx context.Context, rawCerts [][]byte, results *Results) error {
	if len(rawCerts) != 1 {
		return NewError(KindInvalidCert, StageInit, errInvalidCertCount(len(rawCerts)))
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return NewError(KindInvalidCert, StageInit, err)
	}

	policy, err := config.PolicyFromEnv()
	if err != nil {
		return err
	}

	results.Stage = StageExtractQuote
	q, err := quote.Extract(cert)
	if err != nil {
		return err
	}
	if err := quote.CheckBinding(q, cert); err != nil {
		return err
	}

	results.Stage = StageVerifyExternal
	session := itaclient.New(v.cfg.ProviderURL, v.cfg.APIKey, v.cfg.ProviderAPIVer, v.metrics)

	jwkSetJSON, err := session.GetSigningCerts(ctx)
	if err != nil {
		return err
	}

	runtimeData, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return NewError(KindInvalidCert, StageVerifyExternal, err)
	}
	token, err := session.SendAttestation(ctx, q.Raw, runtimeData, policy.PolicyIDsRaw)
	if err != nil {
		return err
	}

	claims, published, err := jwtvalidator.Validate(jwkSetJSON, token, v.cfg.PortalURL, v.now())
	if err != nil {
		return err
	}
	results.Published = &Published{JWT: published.JWT, JWKSet: published.JWKSet}
	results.AdvisoryIDs = claims.AdvisoryIDs
	results.TCBStatus = claims.TCBStatus

	if err := verdict.CheckTCBStatus(claims.TCBStatus, policy); err != nil {
		return err
	}

	// Still AT_VERIFY_EXTERNAL: the cross-check compares the handshake
	// quote against the token's own measurement claims, before the stage
	// advances to the enclave-attribute check.
	if err := verdict.CheckMeasurementCrossCheck(q.ReportBody, claims); err != nil {
		return err
	}

	results.Stage = StageVerifyEnclaveAttrs
	if err := verdict.CheckEnclaveAttributes(claims.EnclaveFlags, policy); err != nil {
		return err
	}

	results.Stage = StageVerifyEnclaveMeasurements
	if err := verdict.CheckMeasurementPolicy(v.measurementPolicy, claims, policy); err != nil {
		return err
	}

	return nil
}

func errInvalidCertCount(n int) error {
	return fmt.Errorf("expected exactly one leaf certificate, got %d", n)
}
