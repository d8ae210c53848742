// Package quote extracts and parses the SGX DCAP quote embedded in a
// peer's leaf certificate, and checks the quote's binding to that
// certificate's public key.
package quote

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/gramine-ratls/ita-verifier/internal/raerr"
)

// OID is the quote-carrier X.509 extension identifier used by Gramine's
// RA-TLS convention.
var OID = asn1.ObjectIdentifier{1, 2, 840, 113741, 1337, 6}

const (
	headerSize     = 48
	reportBodySize = 384
	minQuoteSize   = headerSize + reportBodySize

	// Offsets from the start of the quote: the header, then the field's
	// offset within report_body.
	offFlags      = headerSize + 48
	offMrEnclave  = headerSize + 64
	offMrSigner   = headerSize + 128
	offIsvProdID  = headerSize + 256
	offIsvSvn     = headerSize + 258
	offReportData = headerSize + 320
)

// SGX attribute flag bits, per the Intel SGX SDK reference manual.
const (
	FlagInitialized  uint64 = 0x01
	FlagDebug        uint64 = 0x02
	FlagMode64Bit    uint64 = 0x04
	FlagProvisionKey uint64 = 0x10
	FlagLicenseKey   uint64 = 0x20
)

// ReportBody is the parsed view over an SGX quote's report_body.
type ReportBody struct {
	Flags      uint64
	MrEnclave  [32]byte
	MrSigner   [32]byte
	IsvProdID  uint16
	IsvSvn     uint16
	ReportData [64]byte
}

// Quote is a parsed SGX DCAP quote.
type Quote struct {
	Raw        []byte
	ReportBody ReportBody
}

// Extract locates the quote extension on the leaf certificate and parses
// its report_body. It returns *ratls.Error{Kind: InvalidCert} if the
// extension is missing or too short to contain a report_body.
func Extract(cert *x509.Certificate) (*Quote, error) {
	var raw []byte
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OID) {
			raw = ext.Value
			break
		}
	}
	if raw == nil {
		return nil, raerr.New(raerr.KindInvalidCert, raerr.StageExtractQuote,
			errors.New("no SGX quote extension present on leaf certificate"))
	}
	if len(raw) < minQuoteSize {
		return nil, raerr.New(raerr.KindInvalidCert, raerr.StageExtractQuote,
			errors.Errorf("quote too short: %d bytes, need at least %d", len(raw), minQuoteSize))
	}

	rb := raw[headerSize : headerSize+reportBodySize]
	q := &Quote{Raw: raw}
	q.ReportBody.Flags = binary.LittleEndian.Uint64(rb[offFlags-headerSize:])
	copy(q.ReportBody.MrEnclave[:], rb[offMrEnclave-headerSize:offMrEnclave-headerSize+32])
	copy(q.ReportBody.MrSigner[:], rb[offMrSigner-headerSize:offMrSigner-headerSize+32])
	q.ReportBody.IsvProdID = binary.LittleEndian.Uint16(rb[offIsvProdID-headerSize:])
	q.ReportBody.IsvSvn = binary.LittleEndian.Uint16(rb[offIsvSvn-headerSize:])
	copy(q.ReportBody.ReportData[:], rb[offReportData-headerSize:offReportData-headerSize+64])

	return q, nil
}

// CheckBinding verifies that the quote's report_data is the SHA-256 hash
// of the peer's DER-encoded public key, left-padded into the 64-byte
// report_data field (the low 32 bytes carry the hash; the remainder is
// zero per the RA-TLS convention).
func CheckBinding(q *Quote, cert *x509.Certificate) error {
	pkDER, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return raerr.New(raerr.KindBindingMismatch, raerr.StageExtractQuote,
			errors.Wrap(err, "marshal peer public key"))
	}
	want := sha256.Sum256(pkDER)

	var got [32]byte
	copy(got[:], q.ReportBody.ReportData[:32])
	if got != want {
		return raerr.New(raerr.KindBindingMismatch, raerr.StageExtractQuote,
			errors.New("report_data does not hash-bind to the peer's public key"))
	}
	return nil
}
