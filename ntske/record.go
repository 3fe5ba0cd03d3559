// Package ntske implements the NTS key-exchange sub-protocol (RFC 8915
// section 4): a short TLS-protected record exchange that negotiates an AEAD
// algorithm, exports the per-association keys, and hands the client its
// initial cookies.
package ntske

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/jmcleod/timehand/aead"
)

// ALPN is the application protocol identifier both sides must negotiate.
const ALPN = "ntske/1"

// NextProtoNTPv4 is the only next protocol defined for NTS-KE.
const NextProtoNTPv4 uint16 = 0

// RecordType identifies an NTS-KE record. The registry is fixed by RFC 8915.
type RecordType uint16

const (
	RecEndOfMessage  RecordType = 0
	RecNextProtocol  RecordType = 1
	RecError         RecordType = 2
	RecWarning       RecordType = 3
	RecAEADAlgorithm RecordType = 4
	RecNewCookie     RecordType = 5
	RecServer        RecordType = 6
	RecPort          RecordType = 7
)

// NTS-KE error codes.
const (
	ErrorCodeUnrecognizedCritical uint16 = 0
	ErrorCodeBadRequest           uint16 = 1
	ErrorCodeInternalServer       uint16 = 2
)

const criticalBit = 0x8000

// ErrProtocolViolation indicates a malformed record stream. The connection is
// dropped without a response.
var ErrProtocolViolation = errors.New("NTS-KE protocol violation")

// Record is one NTS-KE record. A record with an unrecognized type is ignored
// unless its critical bit is set.
type Record struct {
	Critical bool
	Type     RecordType
	Body     []byte
}

// ReadRecord reads a single record from the stream.
func ReadRecord(r io.Reader) (Record, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Record{}, fmt.Errorf("reading record header: %w", err)
	}
	word := binary.BigEndian.Uint16(hdr[0:2])
	bodyLen := binary.BigEndian.Uint16(hdr[2:4])

	rec := Record{
		Critical: word&criticalBit != 0,
		Type:     RecordType(word &^ criticalBit),
	}
	if bodyLen > 0 {
		rec.Body = make([]byte, bodyLen)
		if _, err := io.ReadFull(r, rec.Body); err != nil {
			return Record{}, fmt.Errorf("reading record body: %w", err)
		}
	}
	return rec, nil
}

// WriteRecord writes a single record to the stream.
func WriteRecord(w io.Writer, rec Record) error {
	if len(rec.Body) > 0xffff {
		return fmt.Errorf("record body too large: %d bytes", len(rec.Body))
	}
	buf := make([]byte, 4, 4+len(rec.Body))
	word := uint16(rec.Type)
	if rec.Critical {
		word |= criticalBit
	}
	binary.BigEndian.PutUint16(buf[0:2], word)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(rec.Body)))
	buf = append(buf, rec.Body...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

func uint16Body(values ...uint16) []byte {
	body := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(body[2*i:], v)
	}
	return body
}

func parseUint16Body(body []byte) ([]uint16, error) {
	if len(body)%2 != 0 {
		return nil, fmt.Errorf("%w: odd record body length %d", ErrProtocolViolation, len(body))
	}
	values := make([]uint16, len(body)/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(body[2*i:])
	}
	return values, nil
}

// exportLabel is the TLS exporter label for NTS (RFC 8915 section 4.3).
const exportLabel = "EXPORTER-network-time-security"

// ExportKeys derives the C2S and S2C keys from the TLS session. The two keys
// use distinct context values, so they are independent even though they stem
// from the same handshake secret.
func ExportKeys(cs tls.ConnectionState, algo aead.Algorithm) (c2s, s2c []byte, err error) {
	context := make([]byte, 5)
	binary.BigEndian.PutUint16(context[0:2], NextProtoNTPv4)
	binary.BigEndian.PutUint16(context[2:4], uint16(algo))

	context[4] = 0x00
	c2s, err = cs.ExportKeyingMaterial(exportLabel, context, algo.KeySize())
	if err != nil {
		return nil, nil, fmt.Errorf("exporting c2s key: %w", err)
	}

	s2cContext := make([]byte, 5)
	copy(s2cContext, context)
	s2cContext[4] = 0x01
	s2c, err = cs.ExportKeyingMaterial(exportLabel, s2cContext, algo.KeySize())
	if err != nil {
		return nil, nil, fmt.Errorf("exporting s2c key: %w", err)
	}
	return c2s, s2c, nil
}
