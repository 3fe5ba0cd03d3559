// Package ntp implements the NTPv4 wire format (RFC 5905) together with the
// NTS extension fields (RFC 8915): unique identifier, cookie, cookie
// placeholder, and the authenticator carrying encrypted extension fields.
package ntp

import (
	"encoding/binary"
	"errors"
	"time"
)

// HeaderSize is the fixed NTPv4 header length.
const HeaderSize = 48

// ErrMalformedPacket is returned for any structurally invalid packet. Servers
// must drop such packets silently.
var ErrMalformedPacket = errors.New("malformed NTP packet")

// KissNTSN is the crypto-NAK kiss code ("NTSN") placed in the reference ID of
// a stratum-0 response when NTS authentication fails.
const KissNTSN uint32 = 0x4e54534e

// LeapIndicator warns of an impending leap second.
type LeapIndicator uint8

const (
	LeapNone LeapIndicator = iota
	LeapAddSecond
	LeapDelSecond
	LeapNotInSync
)

// Mode is the NTP association mode.
type Mode uint8

const (
	ModeReserved Mode = iota
	ModeSymmetricActive
	ModeSymmetricPassive
	ModeClient
	ModeServer
	ModeBroadcast
)

// Timestamp is the 64-bit fixed-point (Q32.32) NTP timestamp: seconds since
// the NTP epoch (1900-01-01) in the high word, fraction in the low word.
type Timestamp uint64

var ntpEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

const nanoPerSec = 1_000_000_000

// TimestampFromTime converts a wall-clock time to its NTP representation.
func TimestampFromTime(t time.Time) Timestamp {
	nsec := uint64(t.Sub(ntpEpoch))
	sec := nsec / nanoPerSec
	// Round up the fractional part so repeated conversions do not creep
	// backwards.
	frac := (((nsec - sec*nanoPerSec) << 32) + nanoPerSec - 1) / nanoPerSec
	return Timestamp(sec<<32 | frac)
}

// Time converts the NTP timestamp back to wall-clock time.
func (ts Timestamp) Time() time.Time {
	sec := int64(ts >> 32)
	frac := int64(ts & 0xffffffff)
	nsec := (frac*nanoPerSec + 1<<31) >> 32
	return ntpEpoch.Add(time.Duration(sec)*time.Second + time.Duration(nsec))
}

// Header is the fixed 48-byte NTPv4 packet header. All multi-byte fields are
// big endian on the wire.
type Header struct {
	Leap           LeapIndicator
	Version        uint8
	Mode           Mode
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      uint32
	RootDispersion uint32
	ReferenceID    uint32
	ReferenceTime  Timestamp
	OriginTime     Timestamp
	ReceiveTime    Timestamp
	TransmitTime   Timestamp
}

// ParseHeader extracts the header from the start of a packet.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrMalformedPacket
	}
	first := buf[0]
	return Header{
		Leap:           LeapIndicator(first >> 6),
		Version:        (first >> 3) & 0x07,
		Mode:           Mode(first & 0x07),
		Stratum:        buf[1],
		Poll:           int8(buf[2]),
		Precision:      int8(buf[3]),
		RootDelay:      binary.BigEndian.Uint32(buf[4:8]),
		RootDispersion: binary.BigEndian.Uint32(buf[8:12]),
		ReferenceID:    binary.BigEndian.Uint32(buf[12:16]),
		ReferenceTime:  Timestamp(binary.BigEndian.Uint64(buf[16:24])),
		OriginTime:     Timestamp(binary.BigEndian.Uint64(buf[24:32])),
		ReceiveTime:    Timestamp(binary.BigEndian.Uint64(buf[32:40])),
		TransmitTime:   Timestamp(binary.BigEndian.Uint64(buf[40:48])),
	}, nil
}

// Marshal serializes the header into its 48-byte wire form.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = uint8(h.Leap)<<6 | (h.Version<<3)&0x38 | uint8(h.Mode)&0x07
	buf[1] = h.Stratum
	buf[2] = uint8(h.Poll)
	buf[3] = uint8(h.Precision)
	binary.BigEndian.PutUint32(buf[4:8], h.RootDelay)
	binary.BigEndian.PutUint32(buf[8:12], h.RootDispersion)
	binary.BigEndian.PutUint32(buf[12:16], h.ReferenceID)
	binary.BigEndian.PutUint64(buf[16:24], uint64(h.ReferenceTime))
	binary.BigEndian.PutUint64(buf[24:32], uint64(h.OriginTime))
	binary.BigEndian.PutUint64(buf[32:40], uint64(h.ReceiveTime))
	binary.BigEndian.PutUint64(buf[40:48], uint64(h.TransmitTime))
	return buf
}

// IsCryptoNAK reports whether the header is a crypto-NAK kiss-of-death.
func (h Header) IsCryptoNAK() bool {
	return h.Stratum == 0 && h.ReferenceID == KissNTSN
}
