package ratls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/gramine-ratls/ita-verifier/internal/config"
	"github.com/gramine-ratls/ita-verifier/internal/quote"
)

const testPortalURL = "https://portal.example.test"

type itaFixture struct {
	server      *httptest.Server
	jwkSetJSON  []byte
	signingKid  string
	signingKey  *rsa.PrivateKey
	enclaveCert *x509.Certificate
	enclaveRaw  []byte
	mrEnclave   [32]byte
	mrSigner    [32]byte
	reportData  [64]byte
}

func buildItaFixture(t *testing.T, tokenFn func(f *itaFixture) string) *itaFixture {
	t.Helper()

	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signingTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ita-signing-cert"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	signingDER, err := x509.CreateCertificate(rand.Reader, signingTmpl, signingTmpl, &signingKey.PublicKey, signingKey)
	require.NoError(t, err)

	kid := "ita-kid-1"
	set := struct {
		Keys []struct {
			Kty string   `json:"kty"`
			Kid string   `json:"kid"`
			Alg string   `json:"alg"`
			X5c []string `json:"x5c"`
		} `json:"keys"`
	}{}
	set.Keys = append(set.Keys, struct {
		Kty string   `json:"kty"`
		Kid string   `json:"kid"`
		Alg string   `json:"alg"`
		X5c []string `json:"x5c"`
	}{Kty: "RSA", Kid: kid, Alg: "PS384", X5c: []string{base64.StdEncoding.EncodeToString(signingDER)}})
	jwkSetJSON, err := json.Marshal(set)
	require.NoError(t, err)

	enclaveKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pkDER, err := x509.MarshalPKIXPublicKey(&enclaveKey.PublicKey)
	require.NoError(t, err)
	hash := sha256.Sum256(pkDER)

	var mrEnclave, mrSigner [32]byte
	mrEnclave[0] = 0x11
	mrSigner[0] = 0x22
	var reportData [64]byte
	copy(reportData[:32], hash[:])

	quoteRaw := makeQuoteBytes(t, quote.FlagInitialized|quote.FlagMode64Bit, mrEnclave, mrSigner, 1, 2, reportData)

	enclaveTmpl := &x509.Certificate{
		SerialNumber:    big.NewInt(2),
		Subject:         pkix.Name{CommonName: "enclave"},
		NotBefore:       time.Now().Add(-time.Hour),
		NotAfter:        time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{{Id: quote.OID, Value: quoteRaw}},
	}
	enclaveDER, err := x509.CreateCertificate(rand.Reader, enclaveTmpl, enclaveTmpl, &enclaveKey.PublicKey, enclaveKey)
	require.NoError(t, err)
	enclaveCert, err := x509.ParseCertificate(enclaveDER)
	require.NoError(t, err)

	f := &itaFixture{
		jwkSetJSON:  jwkSetJSON,
		signingKid:  kid,
		signingKey:  signingKey,
		enclaveCert: enclaveCert,
		enclaveRaw:  enclaveDER,
		mrEnclave:   mrEnclave,
		mrSigner:    mrSigner,
		reportData:  reportData,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/certs", func(w http.ResponseWriter, r *http.Request) {
		w.Write(f.jwkSetJSON)
	})
	mux.HandleFunc("/appraisal/v1/attest", func(w http.ResponseWriter, r *http.Request) {
		token := tokenFn(f)
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
	f.server = httptest.NewServer(mux)
	return f
}

func makeQuoteBytes(t *testing.T, flags uint64, mrEnclave, mrSigner [32]byte, isvProdID, isvSvn uint16, reportData [64]byte) []byte {
	t.Helper()
	const headerSize = 48
	const reportBodySize = 384
	buf := make([]byte, headerSize+reportBodySize)
	rb := buf[headerSize:]
	for i := 0; i < 8; i++ {
		rb[48+i] = byte(flags >> (8 * i))
	}
	copy(rb[64:96], mrEnclave[:])
	copy(rb[128:160], mrSigner[:])
	rb[256] = byte(isvProdID)
	rb[257] = byte(isvProdID >> 8)
	rb[258] = byte(isvSvn)
	rb[259] = byte(isvSvn >> 8)
	copy(rb[320:384], reportData[:])
	return buf
}

func defaultClaims(f *itaFixture) jwt.MapClaims {
	return jwt.MapClaims{
		"ver":                 "1.0.0",
		"iss":                 "Intel Trust Authority",
		"exp":                 time.Now().Add(time.Hour).Unix(),
		"nbf":                 time.Now().Add(-time.Minute).Unix(),
		"attester_type":       "SGX",
		"attester_tcb_status": "UpToDate",
		"sgx_is_debuggable":   false,
		"sgx_mrenclave":       hex.EncodeToString(f.mrEnclave[:]),
		"sgx_mrsigner":        hex.EncodeToString(f.mrSigner[:]),
		"sgx_isvprodid":       1,
		"sgx_isvsvn":          2,
		"sgx_report_data":     hex.EncodeToString(f.reportData[:]),
	}
}

func sign(t *testing.T, f *itaFixture, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodPS384, claims)
	token.Header["jku"] = testPortalURL + "/certs"
	token.Header["kid"] = f.signingKid
	signed, err := token.SignedString(f.signingKey)
	require.NoError(t, err)
	return signed
}

func clearPolicyEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"RA_TLS_ITA_POLICY_IDS",
		"RA_TLS_ALLOW_DEBUG_ENCLAVE",
		"RA_TLS_ALLOW_OUTDATED_TCB",
		"RA_TLS_ALLOW_HW_CONFIG_NEEDED",
		"RA_TLS_ALLOW_SW_HARDENING_NEEDED",
		"RA_TLS_EXPECTED_MRENCLAVE",
		"RA_TLS_EXPECTED_MRSIGNER",
	} {
		os.Unsetenv(k)
	}
}

func newTestVerifier(f *itaFixture, opts ...Option) (*Verifier, error) {
	base := []Option{WithConfig(&config.Config{
		ProviderURL:    f.server.URL,
		ProviderAPIVer: "v1",
		APIKey:         "test-key",
		PortalURL:      testPortalURL,
	})}
	return New(append(base, opts...)...)
}

func TestVerifyPeerCertificate_HappyPath(t *testing.T) {
	clearPolicyEnv(t)
	var f *itaFixture
	f = buildItaFixture(t, func(f *itaFixture) string { return sign(t, f, defaultClaims(f)) })
	defer f.server.Close()

	v, err := newTestVerifier(f)
	require.NoError(t, err)

	var results Results
	err = v.VerifyPeerCertificateContext(context.Background(), [][]byte{f.enclaveRaw}, &results)
	require.NoError(t, err)
	require.Equal(t, "UpToDate", results.TCBStatus)
	require.Equal(t, StageNone, results.Stage)
}

func TestVerifyPeerCertificate_InvalidCertCount(t *testing.T) {
	clearPolicyEnv(t)
	f := buildItaFixture(t, func(f *itaFixture) string { return sign(t, f, defaultClaims(f)) })
	defer f.server.Close()

	v, err := newTestVerifier(f)
	require.NoError(t, err)

	err = v.VerifyPeerCertificate([][]byte{f.enclaveRaw, f.enclaveRaw}, nil)
	require.Error(t, err)
	ratlsErr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindCertVerifyFailed, ratlsErr.Kind)
}

func TestVerifyPeerCertificate_TCBOutOfDateRejected(t *testing.T) {
	clearPolicyEnv(t)
	f := buildItaFixture(t, func(f *itaFixture) string {
		claims := defaultClaims(f)
		claims["attester_tcb_status"] = "OutOfDate"
		return sign(t, f, claims)
	})
	defer f.server.Close()

	v, err := newTestVerifier(f)
	require.NoError(t, err)

	var results Results
	err = v.VerifyPeerCertificateContext(context.Background(), [][]byte{f.enclaveRaw}, &results)
	require.Error(t, err)
	require.Equal(t, KindTcbNotAllowed, results.Kind)
}

func TestVerifyPeerCertificate_TCBOutOfDateAllowed(t *testing.T) {
	clearPolicyEnv(t)
	os.Setenv("RA_TLS_ALLOW_OUTDATED_TCB", "1")
	defer os.Unsetenv("RA_TLS_ALLOW_OUTDATED_TCB")

	f := buildItaFixture(t, func(f *itaFixture) string {
		claims := defaultClaims(f)
		claims["attester_tcb_status"] = "OutOfDate"
		return sign(t, f, claims)
	})
	defer f.server.Close()

	v, err := newTestVerifier(f)
	require.NoError(t, err)

	var results Results
	err = v.VerifyPeerCertificateContext(context.Background(), [][]byte{f.enclaveRaw}, &results)
	require.NoError(t, err)
}

func TestVerifyPeerCertificate_MeasurementMismatch(t *testing.T) {
	clearPolicyEnv(t)
	f := buildItaFixture(t, func(f *itaFixture) string {
		claims := defaultClaims(f)
		claims["sgx_mrenclave"] = hex.EncodeToString(make([]byte, 32))
		return sign(t, f, claims)
	})
	defer f.server.Close()

	v, err := newTestVerifier(f)
	require.NoError(t, err)

	var results Results
	err = v.VerifyPeerCertificateContext(context.Background(), [][]byte{f.enclaveRaw}, &results)
	require.Error(t, err)
	require.Equal(t, KindMeasurementMismatch, results.Kind)
}

func TestVerifyPeerCertificate_ReportDataMismatch(t *testing.T) {
	clearPolicyEnv(t)
	f := buildItaFixture(t, func(f *itaFixture) string {
		claims := defaultClaims(f)
		claims["sgx_report_data"] = hex.EncodeToString(make([]byte, 64))
		return sign(t, f, claims)
	})
	defer f.server.Close()

	v, err := newTestVerifier(f)
	require.NoError(t, err)

	var results Results
	err = v.VerifyPeerCertificateContext(context.Background(), [][]byte{f.enclaveRaw}, &results)
	require.Error(t, err)
	require.Equal(t, KindMeasurementMismatch, results.Kind)
	require.Equal(t, StageVerifyExternal, results.Stage)
}

func TestVerifyPeerCertificate_UnexpectedMrEnclave(t *testing.T) {
	clearPolicyEnv(t)
	os.Setenv("RA_TLS_EXPECTED_MRENCLAVE", hex.EncodeToString(make([]byte, 32)))
	defer os.Unsetenv("RA_TLS_EXPECTED_MRENCLAVE")

	f := buildItaFixture(t, func(f *itaFixture) string { return sign(t, f, defaultClaims(f)) })
	defer f.server.Close()

	v, err := newTestVerifier(f)
	require.NoError(t, err)

	var results Results
	err = v.VerifyPeerCertificateContext(context.Background(), [][]byte{f.enclaveRaw}, &results)
	require.Error(t, err)
	require.Equal(t, KindMeasurementMismatch, results.Kind)
}
