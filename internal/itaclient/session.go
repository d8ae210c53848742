// Package itaclient performs the two HTTPS round-trips a verification
// needs against Intel Trust Authority: fetching the current signing
// certificate (JWK) set, and submitting a quote for appraisal. A Session
// is single-use: built fresh inside one Verify call and discarded
// afterward, per the baseline (non-pooled) session lifetime this module
// takes from the original design notes.
package itaclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/gramine-ratls/ita-verifier/internal/metrics"
	"github.com/gramine-ratls/ita-verifier/internal/raerr"
)

const (
	certsPath = "/certs"

	headerAPIKey = "x-api-key"
)

// Session wraps one *http.Client configured for a single verification.
// It never negotiates a non-default TLS version ceiling: the zero-value
// http.Transport's own maximum is used, matching the reference CLI's
// "TLS maximum default" connection setting.
type Session struct {
	apiURL     string
	apiKey     string
	attestPath string
	client     *http.Client
	recorder   *metrics.Recorder
}

// New builds a Session bound to one verification call. apiVersion selects
// the appraisal endpoint path segment (RA_TLS_ITA_PROVIDER_API_VERSION,
// e.g. "v1"); attestation requests go to /appraisal/<apiVersion>/attest.
func New(apiURL, apiKey, apiVersion string, recorder *metrics.Recorder) *Session {
	return &Session{
		apiURL:     apiURL,
		apiKey:     apiKey,
		attestPath: "/appraisal/" + apiVersion + "/attest",
		client:     &http.Client{},
		recorder:   recorder,
	}
}

// attestRequest is the POST /appraisal/<version>/attest body: the raw
// quote and the runtime data it's bound to, both body-only base64url per
// §4.2 (not the JWT's own base64url, but the same RFC 4648 alphabet).
// policy_ids is deliberately absent here — it is spliced into the
// marshaled body as a raw JSON literal by SendAttestation, not encoded
// through this struct, since the env var it comes from is itself a raw
// JSON array literal that must reach ITA byte-for-byte.
type attestRequest struct {
	Quote       string `json:"quote"`
	RuntimeData string `json:"runtime_data,omitempty"`
}

type attestResponse struct {
	Token string `json:"token"`
}

// GetSigningCerts fetches the current JWK set used to validate the
// appraisal response's signature. The set is never cached across calls.
func (s *Session) GetSigningCerts(ctx context.Context) ([]byte, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+certsPath, nil)
	if err != nil {
		return nil, raerr.New(raerr.KindUpstreamError, raerr.StageVerifyExternal, err)
	}
	req.Header.Set(headerAPIKey, s.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	s.recorder.ObserveRoundTrip("certs", time.Since(start), err)
	if err != nil {
		return nil, raerr.New(raerr.KindUpstreamError, raerr.StageVerifyExternal,
			errors.Wrap(err, "GET /certs"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, raerr.New(raerr.KindUpstreamError, raerr.StageVerifyExternal,
			errors.Wrap(err, "read /certs response"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, raerr.New(raerr.KindUpstreamError, raerr.StageVerifyExternal,
			errors.Errorf("GET /certs: unexpected status %d: %s", resp.StatusCode, string(body)))
	}
	return body, nil
}

// SendAttestation submits the raw quote bytes and optional runtime data
// for appraisal and returns the signed JWT response as a raw string.
// policyIDsRaw, when non-empty, is a raw JSON array literal (e.g.
// `"id1","id2"`) spliced verbatim between the request body's
// "policy_ids": [ and ] — never re-escaped through encoding/json, since
// the original ita_policy_ids string is formatted the same way in the C
// source this client is ported from.
func (s *Session) SendAttestation(ctx context.Context, rawQuote, runtimeData []byte, policyIDsRaw string) (string, error) {
	reqBody := attestRequest{
		Quote: base64.RawURLEncoding.EncodeToString(rawQuote),
	}
	if len(runtimeData) > 0 {
		reqBody.RuntimeData = base64.RawURLEncoding.EncodeToString(runtimeData)
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", raerr.New(raerr.KindUpstreamError, raerr.StageVerifyExternal,
			errors.Wrap(err, "marshal attest request"))
	}
	if policyIDsRaw != "" {
		payload, err = spliceRawField(payload, "policy_ids", "["+policyIDsRaw+"]")
		if err != nil {
			return "", raerr.New(raerr.KindUpstreamError, raerr.StageVerifyExternal,
				errors.Wrap(err, "splice policy_ids"))
		}
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+s.attestPath, bytes.NewReader(payload))
	if err != nil {
		return "", raerr.New(raerr.KindUpstreamError, raerr.StageVerifyExternal, err)
	}
	req.Header.Set(headerAPIKey, s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	s.recorder.ObserveRoundTrip("attest", time.Since(start), err)
	if err != nil {
		return "", raerr.New(raerr.KindUpstreamError, raerr.StageVerifyExternal,
			errors.Wrap(err, "POST "+s.attestPath))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", raerr.New(raerr.KindUpstreamError, raerr.StageVerifyExternal,
			errors.Wrap(err, "read attest response"))
	}
	if resp.StatusCode != http.StatusOK {
		return "", raerr.New(raerr.KindUpstreamError, raerr.StageVerifyExternal,
			errors.Errorf("POST %s: unexpected status %d: %s", s.attestPath, resp.StatusCode, string(body)))
	}

	var parsed attestResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", raerr.New(raerr.KindUpstreamError, raerr.StageVerifyExternal,
			errors.Wrap(err, "decode attest response"))
	}
	if parsed.Token == "" {
		return "", raerr.New(raerr.KindUpstreamError, raerr.StageVerifyExternal,
			errors.New("attest response carried no token"))
	}
	return parsed.Token, nil
}

// spliceRawField inserts "name": rawValue as an additional top-level
// member of the given JSON object, by rewriting the object's closing
// brace — the simplest way to embed a byte-for-byte raw literal without
// an encoding/json field round-trip re-escaping it.
func spliceRawField(obj []byte, name, rawValue string) ([]byte, error) {
	trimmed := bytes.TrimRight(obj, " \t\r\n")
	if len(trimmed) == 0 || trimmed[len(trimmed)-1] != '}' {
		return nil, errors.New("not a JSON object")
	}
	body := trimmed[:len(trimmed)-1]
	sep := ","
	if bytes.HasSuffix(bytes.TrimRight(body, " \t\r\n"), []byte("{")) {
		sep = ""
	}
	out := make([]byte, 0, len(body)+len(sep)+len(name)+len(rawValue)+8)
	out = append(out, body...)
	out = append(out, sep...)
	out = append(out, '"')
	out = append(out, name...)
	out = append(out, `":`...)
	out = append(out, rawValue...)
	out = append(out, '}')
	return out, nil
}
