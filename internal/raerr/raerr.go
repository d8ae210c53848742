// Package raerr is the shared error taxonomy every package in this
// module constructs its failures from. It is a leaf package (no
// dependencies on anything else in this module) so that both pkg/ratls
// and the internal packages it orchestrates can depend on it without an
// import cycle; pkg/ratls re-exports these types under its own names for
// callers outside this module.
package raerr

import (
	"errors"
	"fmt"
)

// ErrorKind identifies why a remote-attestation verification failed.
type ErrorKind string

// The full rejection taxonomy.
const (
	KindConfigMissing       ErrorKind = "config_missing"
	KindConfigInvalid       ErrorKind = "config_invalid"
	KindUpstreamError       ErrorKind = "upstream_error"
	KindInvalidCert         ErrorKind = "invalid_cert"
	KindBindingMismatch     ErrorKind = "binding_mismatch"
	KindMalformedJwt        ErrorKind = "malformed_jwt"
	KindSignatureInvalid    ErrorKind = "signature_invalid"
	KindKeyNotFound         ErrorKind = "key_not_found"
	KindJwtExpired          ErrorKind = "jwt_expired"
	KindPolicyUnmatched     ErrorKind = "policy_unmatched"
	KindWrongAttester       ErrorKind = "wrong_attester"
	KindTcbNotAllowed       ErrorKind = "tcb_not_allowed"
	KindMeasurementMismatch ErrorKind = "measurement_mismatch"
	KindDebugEnclave        ErrorKind = "debug_enclave"
	// KindStateAlreadyPublished is retained for taxonomy completeness.
	// Validate never returns it: see Published in the jwtvalidator package.
	KindStateAlreadyPublished ErrorKind = "state_already_published"
	KindCertVerifyFailed      ErrorKind = "cert_verify_failed"
)

// Stage mirrors the original state-of-verification walk.
type Stage string

const (
	StageInit                      Stage = "AT_INIT"
	StageExtractQuote              Stage = "AT_EXTRACT_QUOTE"
	StageVerifyExternal            Stage = "AT_VERIFY_EXTERNAL"
	StageVerifyEnclaveAttrs        Stage = "AT_VERIFY_ENCLAVE_ATTRS"
	StageVerifyEnclaveMeasurements Stage = "AT_VERIFY_ENCLAVE_MEASUREMENTS"
	StageNone                      Stage = "AT_NONE"
)

// Error is the concrete error type every package in this module returns.
type Error struct {
	Kind  ErrorKind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ratls: %s at %s: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("ratls: %s at %s", e.Kind, e.Stage)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports true for target == ErrCertVerifyFailed on any *Error carrying
// KindCertVerifyFailed, so callers can use errors.Is(err, ErrCertVerifyFailed)
// without needing Err to wrap that sentinel itself.
func (e *Error) Is(target error) bool {
	return target == ErrCertVerifyFailed && e.Kind == KindCertVerifyFailed
}

// New builds an *Error, the single constructor every package uses so
// kind/stage pairs stay consistent.
func New(kind ErrorKind, stage Stage, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// ErrCertVerifyFailed is the umbrella sentinel every VerifyPeerCertificate
// rejection matches: errors.Is(err, ErrCertVerifyFailed) holds for every
// rejection. The returned *Error carries the stage; its Err is the *Error
// with the fine-grained kind.
var ErrCertVerifyFailed = errors.New("ratls: remote attestation verification failed")

// As extracts the *Error from an error chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
