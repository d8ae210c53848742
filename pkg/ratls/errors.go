package ratls

import (
	"github.com/gramine-ratls/ita-verifier/internal/raerr"
)

// ErrorKind identifies why a remote-attestation verification failed.
type ErrorKind = raerr.ErrorKind

// The full rejection taxonomy. Every internal package returns one of
// these wrapped in an *Error; VerifyPeerCertificate always surfaces
// ErrCertVerifyFailed at the boundary and records the fine kind on the
// Results value for observability.
const (
	KindConfigMissing       = raerr.KindConfigMissing
	KindConfigInvalid       = raerr.KindConfigInvalid
	KindUpstreamError       = raerr.KindUpstreamError
	KindInvalidCert         = raerr.KindInvalidCert
	KindBindingMismatch     = raerr.KindBindingMismatch
	KindMalformedJwt        = raerr.KindMalformedJwt
	KindSignatureInvalid    = raerr.KindSignatureInvalid
	KindKeyNotFound         = raerr.KindKeyNotFound
	KindJwtExpired          = raerr.KindJwtExpired
	KindPolicyUnmatched     = raerr.KindPolicyUnmatched
	KindWrongAttester       = raerr.KindWrongAttester
	KindTcbNotAllowed       = raerr.KindTcbNotAllowed
	KindMeasurementMismatch = raerr.KindMeasurementMismatch
	KindDebugEnclave        = raerr.KindDebugEnclave
	// KindStateAlreadyPublished is retained for taxonomy completeness.
	// Validate never returns it: see Results.Published in results.go.
	KindStateAlreadyPublished = raerr.KindStateAlreadyPublished
	KindCertVerifyFailed      = raerr.KindCertVerifyFailed
)

// Stage mirrors the original state-of-verification walk.
type Stage = raerr.Stage

const (
	StageInit                      = raerr.StageInit
	StageExtractQuote              = raerr.StageExtractQuote
	StageVerifyExternal            = raerr.StageVerifyExternal
	StageVerifyEnclaveAttrs        = raerr.StageVerifyEnclaveAttrs
	StageVerifyEnclaveMeasurements = raerr.StageVerifyEnclaveMeasurements
	StageNone                      = raerr.StageNone
)

// Error is the concrete error type every package in this module returns.
type Error = raerr.Error

// NewError builds an *Error, the single constructor every package uses
// so kind/stage pairs stay consistent.
func NewError(kind ErrorKind, stage Stage, err error) *Error {
	return raerr.New(kind, stage, err)
}

// ErrCertVerifyFailed is the umbrella sentinel every VerifyPeerCertificate
// rejection matches: errors.Is(err, ErrCertVerifyFailed) holds for every
// rejection. The returned *Error carries the stage; its Err is the *Error
// with the fine-grained kind.
var ErrCertVerifyFailed = raerr.ErrCertVerifyFailed

// AsError extracts the *Error from an error chain, if present.
func AsError(err error) (*Error, bool) {
	return raerr.As(err)
}
