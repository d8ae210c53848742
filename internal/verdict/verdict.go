// Package verdict applies the policy decisions that turn a validated
// appraisal token and an extracted quote into an accept/reject outcome:
// the TCB status table, enclave attribute checks, and the measurement
// cross-check between the quote presented in the handshake and the
// measurements the appraisal token attests to.
package verdict

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/gramine-ratls/ita-verifier/internal/config"
	"github.com/gramine-ratls/ita-verifier/internal/jwtvalidator"
	"github.com/gramine-ratls/ita-verifier/internal/quote"
	"github.com/gramine-ratls/ita-verifier/internal/raerr"
)

// TCB status values the appraisal token's attester_tcb_status carries.
const (
	TCBUpToDate                         = "UpToDate"
	TCBSWHardeningNeeded                = "SWHardeningNeeded"
	TCBConfigurationNeeded              = "ConfigurationNeeded"
	TCBConfigurationAndSWHardeningNeeded = "ConfigurationAndSWHardeningNeeded"
	TCBOutOfDate                        = "OutOfDate"
	TCBOutOfDateConfigurationNeeded     = "OutOfDateConfigurationNeeded"
)

// CheckTCBStatus applies the allow-flag gated decision table. UpToDate
// is always accepted; every other status requires the matching allow
// flag, and OutOfDate/OutOfDateConfigurationNeeded additionally require
// AllowOutdatedTCB regardless of the other flags.
func CheckTCBStatus(status string, p config.Policy) error {
	switch status {
	case TCBUpToDate:
		return nil
	case TCBSWHardeningNeeded:
		if p.AllowSWHardening {
			return nil
		}
	case TCBConfigurationNeeded:
		if p.AllowHWConfigNeeded {
			return nil
		}
	case TCBConfigurationAndSWHardeningNeeded:
		if p.AllowHWConfigNeeded && p.AllowSWHardening {
			return nil
		}
	case TCBOutOfDate:
		if p.AllowOutdatedTCB {
			return nil
		}
	case TCBOutOfDateConfigurationNeeded:
		if p.AllowOutdatedTCB && p.AllowHWConfigNeeded {
			return nil
		}
	default:
		return raerr.New(raerr.KindTcbNotAllowed, raerr.StageVerifyExternal,
			errors.Errorf("unrecognized attester_tcb_status %q", status))
	}
	return raerr.New(raerr.KindTcbNotAllowed, raerr.StageVerifyExternal,
		errors.Errorf("attester_tcb_status %q not allowed by current policy", status))
}

// CheckEnclaveAttributes rejects a quote built by a debug enclave unless
// the operator has explicitly opted into accepting one, requires
// MODE64BIT and INITIALIZED to be set, and requires PROVISION_KEY and
// LICENSE_KEY to be clear — an enclave holding either of those key
// rights is never an acceptable RA-TLS peer, allow-flags or not.
func CheckEnclaveAttributes(flags uint64, p config.Policy) error {
	if flags&quote.FlagDebug != 0 && !p.AllowDebugEnclave {
		return raerr.New(raerr.KindDebugEnclave, raerr.StageVerifyEnclaveAttrs,
			errors.New("quote was produced by a debug enclave"))
	}
	if flags&quote.FlagMode64Bit == 0 {
		return raerr.New(raerr.KindDebugEnclave, raerr.StageVerifyEnclaveAttrs,
			errors.New("quote enclave attributes do not set MODE64BIT"))
	}
	if flags&quote.FlagInitialized == 0 {
		return raerr.New(raerr.KindDebugEnclave, raerr.StageVerifyEnclaveAttrs,
			errors.New("quote enclave attributes do not set INITIALIZED"))
	}
	if flags&quote.FlagProvisionKey != 0 {
		return raerr.New(raerr.KindDebugEnclave, raerr.StageVerifyEnclaveAttrs,
			errors.New("quote enclave attributes set PROVISION_KEY"))
	}
	if flags&quote.FlagLicenseKey != 0 {
		return raerr.New(raerr.KindDebugEnclave, raerr.StageVerifyEnclaveAttrs,
			errors.New("quote enclave attributes set LICENSE_KEY"))
	}
	return nil
}

// CheckMeasurementCrossCheck verifies the measurements recorded in the
// handshake quote agree with the measurements the appraisal token
// attests to — the two must describe the same enclave, since the token
// is evidence ABOUT the quote, not a substitute for comparing against it.
// It runs at AT_VERIFY_EXTERNAL, immediately after the appraisal token is
// validated and before the enclave-attribute check bumps the stage to
// AT_VERIFY_ENCLAVE_ATTRS.
func CheckMeasurementCrossCheck(qrb quote.ReportBody, c *jwtvalidator.Claims) error {
	if subtle.ConstantTimeCompare(qrb.ReportData[:], c.ReportData[:]) != 1 {
		return raerr.New(raerr.KindMeasurementMismatch, raerr.StageVerifyExternal,
			errors.New("quote report_data does not match appraisal token"))
	}
	if subtle.ConstantTimeCompare(qrb.MrEnclave[:], c.MrEnclave[:]) != 1 {
		return raerr.New(raerr.KindMeasurementMismatch, raerr.StageVerifyExternal,
			errors.New("quote MRENCLAVE does not match appraisal token"))
	}
	if subtle.ConstantTimeCompare(qrb.MrSigner[:], c.MrSigner[:]) != 1 {
		return raerr.New(raerr.KindMeasurementMismatch, raerr.StageVerifyExternal,
			errors.New("quote MRSIGNER does not match appraisal token"))
	}
	if qrb.IsvProdID != c.IsvProdID {
		return raerr.New(raerr.KindMeasurementMismatch, raerr.StageVerifyExternal,
			errors.Errorf("quote isv_prod_id %d does not match appraisal token %d", qrb.IsvProdID, c.IsvProdID))
	}
	if qrb.IsvSvn != c.IsvSvn {
		return raerr.New(raerr.KindMeasurementMismatch, raerr.StageVerifyExternal,
			errors.Errorf("quote isv_svn %d does not match appraisal token %d", qrb.IsvSvn, c.IsvSvn))
	}
	return nil
}

// MeasurementPolicy decides whether a given enclave identity is allowed
// to pass verification. It is the Go shape of "an optional caller-
// supplied measurement callback, falling back to a configuration-slot
// comparison" — the same pattern the reference corpus uses for allow-list
// based measurement checks. pkg/ratls.MeasurementPolicy is a type alias
// of this interface, so callers outside this module never import this
// package directly.
type MeasurementPolicy interface {
	Allow(mrEnclave, mrSigner [32]byte, isvProdID, isvSvn uint16) bool
}

// EnvMeasurementPolicy reads the expected MRENCLAVE/MRSIGNER from
// RA_TLS_EXPECTED_MRENCLAVE / RA_TLS_EXPECTED_MRSIGNER. An empty expected
// value acts as a wildcard for that field.
type EnvMeasurementPolicy struct {
	ExpectedMrEnclave string
	ExpectedMrSigner  string
}

// Allow implements MeasurementPolicy.
func (p EnvMeasurementPolicy) Allow(mrEnclave, mrSigner [32]byte, _, _ uint16) bool {
	if p.ExpectedMrEnclave != "" {
		want, err := hex.DecodeString(p.ExpectedMrEnclave)
		if err != nil || len(want) != 32 || subtle.ConstantTimeCompare(want, mrEnclave[:]) != 1 {
			return false
		}
	}
	if p.ExpectedMrSigner != "" {
		want, err := hex.DecodeString(p.ExpectedMrSigner)
		if err != nil || len(want) != 32 || subtle.ConstantTimeCompare(want, mrSigner[:]) != 1 {
			return false
		}
	}
	return true
}

// CheckMeasurementPolicy runs the caller's MeasurementPolicy (or, if nil,
// an EnvMeasurementPolicy built from p) against the measurements recorded
// in the appraisal token.
func CheckMeasurementPolicy(policy MeasurementPolicy, c *jwtvalidator.Claims, p config.Policy) error {
	if policy == nil {
		policy = EnvMeasurementPolicy{ExpectedMrEnclave: p.ExpectedMrEnclave, ExpectedMrSigner: p.ExpectedMrSigner}
	}
	if !policy.Allow(c.MrEnclave, c.MrSigner, c.IsvProdID, c.IsvSvn) {
		return raerr.New(raerr.KindMeasurementMismatch, raerr.StageVerifyEnclaveMeasurements,
			errors.New("enclave measurements rejected by measurement policy"))
	}
	return nil
}
