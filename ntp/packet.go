package ntp

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jmcleod/timehand/internal/util"
)

// ErrAuthenticationFailed is returned when the authenticator extension fails
// AEAD verification.
var ErrAuthenticationFailed = errors.New("packet authentication failed")

// Packet is the NTS view of an NTP packet: plaintext extension fields that
// are authenticated as associated data, and extension fields carried inside
// the encrypted authenticator body.
type Packet struct {
	Header   Header
	AuthExts []Extension
	EncExts  []Extension
}

// parseExtBytes parses a bare sequence of extension fields (no NTP header).
func parseExtBytes(buf []byte) ([]Extension, error) {
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

// ParsePacket parses and authenticates an NTS-protected packet. The
// authenticator must be the final extension; everything before it is the
// associated data. Structural problems yield ErrMalformedPacket, a failed tag
// check yields ErrAuthenticationFailed.
func ParsePacket(raw []byte, c cipher.AEAD) (Packet, error) {
	header, err := ParseHeader(raw)
	if err != nil {
		return Packet{}, err
	}

	var authExts []Extension
	offset := HeaderSize
	for offset < len(raw) {
		if len(raw)-offset < 4 {
			return Packet{}, fmt.Errorf("%w: trailing bytes after extensions", ErrMalformedPacket)
		}
		extType := ExtensionType(binary.BigEndian.Uint16(raw[offset : offset+2]))
		extLen := int(binary.BigEndian.Uint16(raw[offset+2 : offset+4]))
		if extLen < 4 || extLen%4 != 0 || offset+extLen > len(raw) {
			return Packet{}, fmt.Errorf("%w: bad extension length %d", ErrMalformedPacket, extLen)
		}

		if extType == ExtAuthenticator {
			if offset+extLen != len(raw) {
				return Packet{}, fmt.Errorf("%w: authenticator is not the final extension", ErrMalformedPacket)
			}
			encExts, err := openAuthenticator(raw[:offset], raw[offset+4:offset+extLen], c)
			if err != nil {
				return Packet{}, err
			}
			return Packet{Header: header, AuthExts: authExts, EncExts: encExts}, nil
		}

		authExts = append(authExts, Extension{Type: extType, Body: raw[offset+4 : offset+extLen]})
		offset += extLen
	}

	return Packet{}, fmt.Errorf("%w: no authenticator extension", ErrMalformedPacket)
}

// openAuthenticator decrypts the authenticator body. aad is every packet byte
// preceding the authenticator extension.
func openAuthenticator(aad, body []byte, c cipher.AEAD) ([]Extension, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: authenticator body too short", ErrMalformedPacket)
	}
	nonceLen := int(binary.BigEndian.Uint16(body[0:2]))
	ctLen := int(binary.BigEndian.Uint16(body[2:4]))
	noncePad := padded(nonceLen)
	ctPad := padded(ctLen)
	if 4+noncePad+ctPad > len(body) {
		return nil, fmt.Errorf("%w: authenticator lengths exceed body", ErrMalformedPacket)
	}

	nonce := body[4 : 4+nonceLen]
	ciphertext := body[4+noncePad : 4+noncePad+ctLen]

	plaintext, err := c.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return parseExtBytes(plaintext)
}

// Seal serializes the packet, encrypting EncExts and appending the
// authenticator extension over everything that precedes it. A fresh random
// nonce is drawn per call.
func (p Packet) Seal(c cipher.AEAD) ([]byte, error) {
	buf := p.Header.Marshal()
	buf = appendExtensions(buf, p.AuthExts)

	plaintext := appendExtensions(nil, p.EncExts)
	nonce, err := util.RandomBytes(c.NonceSize())
	if err != nil {
		return nil, err
	}
	ciphertext := c.Seal(nil, nonce, plaintext, buf)

	body := make([]byte, 4, 4+padded(len(nonce))+padded(len(ciphertext)))
	binary.BigEndian.PutUint16(body[0:2], uint16(len(nonce)))
	binary.BigEndian.PutUint16(body[2:4], uint16(len(ciphertext)))
	body = append(body, nonce...)
	for i := len(nonce); i < padded(len(nonce)); i++ {
		body = append(body, 0)
	}
	body = append(body, ciphertext...)
	for i := len(ciphertext); i < padded(len(ciphertext)); i++ {
		body = append(body, 0)
	}

	return AppendExtension(buf, Extension{Type: ExtAuthenticator, Body: body}), nil
}

// FindExtension returns the first extension of the given type.
func FindExtension(exts []Extension, t ExtensionType) (Extension, bool) {
	for _, ext := range exts {
		if ext.Type == t {
			return ext, true
		}
	}
	return Extension{}, false
}
