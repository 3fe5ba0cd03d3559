package ntp

import (
	"encoding/binary"
	"fmt"
)

// ExtensionType identifies an NTPv4 extension field.
type ExtensionType uint16

const (
	ExtUniqueIdentifier  ExtensionType = 0x0104
	ExtCookie            ExtensionType = 0x0204
	ExtCookiePlaceholder ExtensionType = 0x0304
	ExtAuthenticator     ExtensionType = 0x0404
)

// MinUniqueIDLen is the minimum accepted Unique Identifier body length.
const MinUniqueIDLen = 32

// Extension is one extension field. Body excludes the 4-byte type/length
// header but includes any padding the sender added.
type Extension struct {
	Type ExtensionType
	Body []byte
}

func padded(n int) int {
	return (n + 3) &^ 3
}

// ParseExtensions structurally parses the extension fields following the
// header in raw. No cryptography is involved; the authenticator, if present,
// appears as an opaque extension. Fails on truncation, lengths that are not
// multiples of 4, and fields extending past the packet end.
func ParseExtensions(raw []byte) ([]Extension, error) {
	if len(raw) < HeaderSize {
		return nil, ErrMalformedPacket
	}
	buf := raw[HeaderSize:]
	var exts []Extension
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: trailing bytes after extensions", ErrMalformedPacket)
		}
		extLen := int(binary.BigEndian.Uint16(buf[2:4]))
		if extLen < 4 || extLen%4 != 0 || extLen > len(buf) {
			return nil, fmt.Errorf("%w: bad extension length %d", ErrMalformedPacket, extLen)
		}
		exts = append(exts, Extension{
			Type: ExtensionType(binary.BigEndian.Uint16(buf[0:2])),
			Body: buf[4:extLen],
		})
		buf = buf[extLen:]
	}
	return exts, nil
}

// AppendExtension serializes one extension field, zero-padding the body to a
// 4-byte boundary. The encoded length covers the padding.
func AppendExtension(dst []byte, ext Extension) []byte {
	bodyLen := padded(len(ext.Body))
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(ext.Type))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(4+bodyLen))
	dst = append(dst, hdr[:]...)
	dst = append(dst, ext.Body...)
	for i := len(ext.Body); i < bodyLen; i++ {
		dst = append(dst, 0)
	}
	return dst
}

func appendExtensions(dst []byte, exts []Extension) []byte {
	for _, ext := range exts {
		dst = AppendExtension(dst, ext)
	}
	return dst
}
