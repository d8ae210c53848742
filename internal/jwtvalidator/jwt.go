// Package jwtvalidator validates an Intel Trust Authority attestation
// token: structural shape, header, PS384 signature against the fetched
// JWK set, and the payload claims that determine attester identity,
// freshness, policy match, and TCB status.
package jwtvalidator

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/gramine-ratls/ita-verifier/internal/quote"
	"github.com/gramine-ratls/ita-verifier/internal/raerr"
)

// nbfSlack is the allowance §4.4 grants the not-before claim so a
// verifier whose clock trails the issuer's by a little doesn't reject a
// token that has technically not yet become valid.
const nbfSlack = 60 * time.Second

// issuerITA and supportedVersion are the exact `iss`/`ver` values every
// accepted appraisal token must carry.
const (
	issuerITA        = "Intel Trust Authority"
	supportedVersion = "1.0.0"
)

// jwkSet is the manually-decoded shape of the GET /certs response: a
// standard JWK Set where each key additionally carries an x5c certificate
// chain. A generic JWK library's higher-level key abstraction (jwk.Key,
// jwk.Set) buys little here — see DESIGN.md — since the only operations
// this validator needs are "find by kid" and "decode x5c[0]", both a
// few lines of encoding/json and encoding/base64 away.
type jwkSet struct {
	Keys []jwkEntry `json:"keys"`
}

type jwkEntry struct {
	Kty string   `json:"kty"`
	Kid string   `json:"kid"`
	Alg string   `json:"alg"`
	X5c []string `json:"x5c"`
}

// header is the subset of JOSE header fields the validator checks before
// ever touching the signature.
type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
	Jku string `json:"jku"`
}

// Claims is the typed projection of the appraisal token's payload used by
// the verdict engine. MrEnclave/MrSigner/ReportData/IsvProdID/IsvSvn/
// EnclaveFlags together are the SyntheticQuoteBody materialized from the
// flat sgx_* claims, for comparison against the quote presented at the
// handshake.
type Claims struct {
	Issuer             string
	Version            string
	ExpiresAt          time.Time
	NotBefore          time.Time
	AttesterType       string
	TCBStatus          string
	TCBDate            string
	AdvisoryIDs        []string
	PolicyIDsMatched   []string
	PolicyIDsUnmatched []string
	MrEnclave          [32]byte
	MrSigner           [32]byte
	ReportData         [64]byte
	IsvProdID          uint16
	IsvSvn             uint16
	EnclaveFlags       uint64
}

// Published carries the validated JWT and the JWK set it was checked
// against, for callers that want to surface them via Results — the Go
// realization of §9's redesign away from a process-wide publish slot.
type Published struct {
	JWT    string
	JWKSet string
}

// tokenClaims is the wire shape of the appraisal token payload: generic
// JWT claims, verifier/attester claims, and the flat sgx_* measurement
// claims ITA reports alongside them.
type tokenClaims struct {
	Ver                string   `json:"ver"`
	Iss                string   `json:"iss"`
	Exp                int64    `json:"exp"`
	Nbf                int64    `json:"nbf"`
	AttesterType       string   `json:"attester_type"`
	AttesterTCBStatus  string   `json:"attester_tcb_status"`
	AttesterTCBDate    string   `json:"attester_tcb_date"`
	AttesterAdvisoryID []string `json:"attester_advisory_ids"`
	PolicyIDsMatched   []string `json:"policy_ids_matched"`
	PolicyIDsUnmatched []string `json:"policy_ids_unmatched"`
	SgxIsDebuggable    bool     `json:"sgx_is_debuggable"`
	SgxMrEnclave       string   `json:"sgx_mrenclave"`
	SgxMrSigner        string   `json:"sgx_mrsigner"`
	SgxIsvProdID       int64    `json:"sgx_isvprodid"`
	SgxIsvSvn          int64    `json:"sgx_isvsvn"`
	SgxReportData      string   `json:"sgx_report_data"`
}

// Validate checks the full structural/signature/claims chain of raw
// against the signing-cert set in jwkSetJSON, and returns the typed
// claims plus the Published bundle. portalURL is compared byte-for-byte
// against the header's jku — the jku is never trusted to pick its own
// fetch location.
func Validate(jwkSetJSON []byte, raw, portalURL string, now time.Time) (*Claims, *Published, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.New("token is not of the form header.payload.signature"))
	}

	hdrBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Wrap(err, "decode header"))
	}
	var hdr header
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Wrap(err, "unmarshal header"))
	}
	if hdr.Alg != "PS384" {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Errorf("unexpected alg %q", hdr.Alg))
	}
	if hdr.Typ != "JWT" {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Errorf("unexpected typ %q", hdr.Typ))
	}
	if hdr.Kid == "" {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.New("missing kid"))
	}
	wantJku := portalURL + "/certs"
	if hdr.Jku != wantJku {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Errorf("jku %q does not match expected %q", hdr.Jku, wantJku))
	}

	var set jwkSet
	if err := json.Unmarshal(jwkSetJSON, &set); err != nil {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Wrap(err, "unmarshal JWK set"))
	}
	pub, err := selectKey(set, hdr.Kid)
	if err != nil {
		return nil, nil, err
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{"PS384"}), jwt.WithoutClaimsValidation())
	token, err := parser.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return pub, nil
	})
	if err != nil || !token.Valid {
		return nil, nil, raerr.New(raerr.KindSignatureInvalid, raerr.StageVerifyExternal,
			errors.Wrap(err, "PS384 signature verification failed"))
	}
	// The library's PS384 verification accepts any PSS salt length; the
	// 48-byte (hash-length) salt is checked here.
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err == nil {
		digest := sha512.Sum384([]byte(parts[0] + "." + parts[1]))
		err = rsa.VerifyPSS(pub, crypto.SHA384, digest[:], sig, &rsa.PSSOptions{SaltLength: sha512.Size384})
	}
	if err != nil {
		return nil, nil, raerr.New(raerr.KindSignatureInvalid, raerr.StageVerifyExternal,
			errors.Wrap(err, "PS384 signature salt length check failed"))
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Wrap(err, "decode payload"))
	}
	var tc tokenClaims
	if err := json.Unmarshal(payloadBytes, &tc); err != nil {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Wrap(err, "unmarshal payload"))
	}

	if tc.Iss != issuerITA {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Errorf("token not issued by %q: iss=%q", issuerITA, tc.Iss))
	}
	if tc.Ver != supportedVersion {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Errorf("unsupported token ver %q, expected %q", tc.Ver, supportedVersion))
	}

	exp := time.Unix(tc.Exp, 0)
	if now.After(exp) {
		return nil, nil, raerr.New(raerr.KindJwtExpired, raerr.StageVerifyExternal,
			errors.Errorf("token expired at %s", exp))
	}
	nbf := time.Unix(tc.Nbf, 0)
	if now.Add(nbfSlack).Before(nbf) {
		return nil, nil, raerr.New(raerr.KindJwtExpired, raerr.StageVerifyExternal,
			errors.Errorf("token not valid before %s (with %s slack)", nbf, nbfSlack))
	}

	if tc.AttesterType != "SGX" {
		return nil, nil, raerr.New(raerr.KindWrongAttester, raerr.StageVerifyExternal,
			errors.Errorf("unexpected attester_type %q", tc.AttesterType))
	}

	if len(tc.PolicyIDsUnmatched) > 0 {
		return nil, nil, raerr.New(raerr.KindPolicyUnmatched, raerr.StageVerifyExternal,
			errors.Errorf("policy IDs unmatched: %v", tc.PolicyIDsUnmatched))
	}

	mrEnclave, err := decodeFixed32(tc.SgxMrEnclave)
	if err != nil {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Wrap(err, "decode sgx_mrenclave"))
	}
	mrSigner, err := decodeFixed32(tc.SgxMrSigner)
	if err != nil {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Wrap(err, "decode sgx_mrsigner"))
	}
	reportData, err := decodeFixed64(tc.SgxReportData)
	if err != nil {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Wrap(err, "decode sgx_report_data"))
	}
	isvProdID, err := toUint16(tc.SgxIsvProdID)
	if err != nil {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Wrap(err, "sgx_isvprodid"))
	}
	isvSvn, err := toUint16(tc.SgxIsvSvn)
	if err != nil {
		return nil, nil, raerr.New(raerr.KindMalformedJwt, raerr.StageVerifyExternal,
			errors.Wrap(err, "sgx_isvsvn"))
	}

	flags := quote.FlagInitialized | quote.FlagMode64Bit
	if tc.SgxIsDebuggable {
		flags |= quote.FlagDebug
	}

	claims := &Claims{
		Issuer:             tc.Iss,
		Version:            tc.Ver,
		ExpiresAt:          exp,
		NotBefore:          nbf,
		AttesterType:       tc.AttesterType,
		TCBStatus:          tc.AttesterTCBStatus,
		TCBDate:            tc.AttesterTCBDate,
		AdvisoryIDs:        tc.AttesterAdvisoryID,
		PolicyIDsMatched:   tc.PolicyIDsMatched,
		PolicyIDsUnmatched: tc.PolicyIDsUnmatched,
		MrEnclave:          mrEnclave,
		MrSigner:           mrSigner,
		ReportData:         reportData,
		IsvProdID:          isvProdID,
		IsvSvn:             isvSvn,
		EnclaveFlags:       flags,
	}
	published := &Published{JWT: raw, JWKSet: string(jwkSetJSON)}
	return claims, published, nil
}

func selectKey(set jwkSet, kid string) (*rsa.PublicKey, error) {
	for _, k := range set.Keys {
		if k.Kid != kid {
			continue
		}
		if k.Kty != "RSA" || len(k.X5c) == 0 {
			continue
		}
		der, err := base64.StdEncoding.DecodeString(k.X5c[0])
		if err != nil {
			return nil, raerr.New(raerr.KindKeyNotFound, raerr.StageVerifyExternal,
				errors.Wrap(err, "decode x5c[0]"))
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, raerr.New(raerr.KindKeyNotFound, raerr.StageVerifyExternal,
				errors.Wrap(err, "parse x5c[0] certificate"))
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, raerr.New(raerr.KindKeyNotFound, raerr.StageVerifyExternal,
				errors.New("signing certificate does not carry an RSA public key"))
		}
		return pub, nil
	}
	return nil, raerr.New(raerr.KindKeyNotFound, raerr.StageVerifyExternal,
		errors.Errorf("no RSA key with kid %q in signing-cert set", kid))
}

func decodeFixed32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, errors.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func decodeFixed64(s string) ([64]byte, error) {
	var out [64]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 64 {
		return out, errors.Errorf("expected 64 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func toUint16(v int64) (uint16, error) {
	if v < 0 || v > math.MaxUint16 {
		return 0, errors.Errorf("%d out of uint16 range", v)
	}
	return uint16(v), nil
}
