// Package cookie seals and opens the opaque cookies that let a stateless NTS
// server recover per-association keys. A cookie is laid out as
//
//	key id (4 bytes, big endian) || nonce (16 bytes) || ciphertext
//
// where the ciphertext protects the negotiated AEAD algorithm and the C2S and
// S2C keys under the master key named by the key id.
package cookie

import (
	"encoding/binary"
	"errors"
	"fmt"

	siv "github.com/secure-io/siv-go"

	"github.com/jmcleod/timehand/aead"
	"github.com/jmcleod/timehand/internal/util"
)

const (
	keyIDLen = 4
	nonceLen = 16
	tagLen   = 16

	// Two bytes of algorithm id plus two reserved zero bytes keep the
	// plaintext, and with it the whole cookie, 4-byte aligned on the wire.
	plainHeaderLen = 4
)

var (
	// ErrUnknownKeyID is returned when no master key is registered for the
	// key id embedded in the cookie.
	ErrUnknownKeyID = errors.New("unknown cookie key id")
	// ErrAuthenticationFailed is returned when the cookie fails AEAD
	// authentication. Callers on the network boundary must treat this and
	// ErrUnknownKeyID identically: drop the packet without responding.
	ErrAuthenticationFailed = errors.New("cookie authentication failed")
)

// Contents is the material recovered from a cookie.
type Contents struct {
	Algorithm aead.Algorithm
	C2S       []byte
	S2C       []byte
}

// Length returns the wire length of a cookie carrying keys for the given
// algorithm.
func Length(algo aead.Algorithm) int {
	return keyIDLen + nonceLen + tagLen + plainHeaderLen + 2*algo.KeySize()
}

// Seal encrypts the association keys under the master key secret, producing
// an opaque cookie. A fresh random nonce is drawn on every call.
func Seal(keyID uint32, secret []byte, algo aead.Algorithm, c2s, s2c []byte) ([]byte, error) {
	ks := algo.KeySize()
	if ks == 0 {
		return nil, fmt.Errorf("%w: %d", aead.ErrUnknownAlgorithm, uint16(algo))
	}
	if len(c2s) != ks || len(s2c) != ks {
		return nil, fmt.Errorf("invalid key lengths for %s: got %d and %d, want %d", algo, len(c2s), len(s2c), ks)
	}

	c, err := siv.NewCMAC(secret)
	if err != nil {
		return nil, fmt.Errorf("creating cookie cipher: %w", err)
	}

	nonce, err := util.RandomBytes(nonceLen)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, plainHeaderLen+2*ks)
	binary.BigEndian.PutUint16(plaintext[0:2], uint16(algo))
	copy(plaintext[plainHeaderLen:], c2s)
	copy(plaintext[plainHeaderLen+ks:], s2c)

	out := make([]byte, keyIDLen, Length(algo))
	binary.BigEndian.PutUint32(out, keyID)
	out = append(out, nonce...)
	out = c.Seal(out, nonce, plaintext, nil)

	util.WipeBytes(plaintext)
	return out, nil
}

// KeyID extracts the master key identifier from a cookie without opening it.
func KeyID(raw []byte) (uint32, bool) {
	if len(raw) < keyIDLen {
		return 0, false
	}
	return binary.BigEndian.Uint32(raw[:keyIDLen]), true
}

// Open decrypts a cookie, resolving the master key through lookup. It fails
// with ErrUnknownKeyID when the key id is not registered and with
// ErrAuthenticationFailed when the ciphertext does not verify or the
// recovered plaintext is inconsistent.
func Open(raw []byte, lookup func(uint32) ([]byte, bool)) (Contents, error) {
	if len(raw) < keyIDLen+nonceLen+tagLen {
		return Contents{}, ErrAuthenticationFailed
	}

	keyID := binary.BigEndian.Uint32(raw[:keyIDLen])
	secret, ok := lookup(keyID)
	if !ok {
		return Contents{}, fmt.Errorf("%w: %d", ErrUnknownKeyID, keyID)
	}

	c, err := siv.NewCMAC(secret)
	if err != nil {
		return Contents{}, fmt.Errorf("creating cookie cipher: %w", err)
	}

	nonce := raw[keyIDLen : keyIDLen+nonceLen]
	ciphertext := raw[keyIDLen+nonceLen:]

	plaintext, err := c.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Contents{}, ErrAuthenticationFailed
	}

	if len(plaintext) < plainHeaderLen {
		return Contents{}, ErrAuthenticationFailed
	}
	algo := aead.Algorithm(binary.BigEndian.Uint16(plaintext[0:2]))
	ks := algo.KeySize()
	if ks == 0 || len(plaintext) != plainHeaderLen+2*ks {
		return Contents{}, ErrAuthenticationFailed
	}

	return Contents{
		Algorithm: algo,
		C2S:       util.CopyBytes(plaintext[plainHeaderLen : plainHeaderLen+ks]),
		S2C:       util.CopyBytes(plaintext[plainHeaderLen+ks:]),
	}, nil
}
