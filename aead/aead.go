// Package aead holds the registry of AEAD algorithms negotiable during NTS
// key exchange and constructs ciphers for them.
package aead

import (
	"crypto/cipher"
	"errors"
	"fmt"

	siv "github.com/secure-io/siv-go"
)

// Algorithm is an AEAD algorithm identifier from the IANA AEAD registry.
type Algorithm uint16

const (
	// AesSivCmac256 is AEAD_AES_SIV_CMAC_256 (RFC 5297), the algorithm every
	// NTS server must support.
	AesSivCmac256 Algorithm = 15
	// AesSivCmac512 is AEAD_AES_SIV_CMAC_512.
	AesSivCmac512 Algorithm = 17
)

// ErrUnknownAlgorithm is returned when an algorithm identifier is not in the
// supported set.
var ErrUnknownAlgorithm = errors.New("unknown AEAD algorithm")

// DefaultPreferences is the server-side preference order used when none is
// configured.
var DefaultPreferences = []Algorithm{AesSivCmac256}

func (a Algorithm) String() string {
	switch a {
	case AesSivCmac256:
		return "AEAD_AES_SIV_CMAC_256"
	case AesSivCmac512:
		return "AEAD_AES_SIV_CMAC_512"
	default:
		return fmt.Sprintf("AEAD(%d)", uint16(a))
	}
}

// Known reports whether the algorithm is implemented here.
func (a Algorithm) Known() bool {
	return a == AesSivCmac256 || a == AesSivCmac512
}

// KeySize returns the key length in bytes the algorithm requires. This is
// also the length of each of the exported C2S and S2C keys.
func (a Algorithm) KeySize() int {
	switch a {
	case AesSivCmac256:
		return 32
	case AesSivCmac512:
		return 64
	default:
		return 0
	}
}

// New constructs the cipher for the algorithm. The key must be exactly
// KeySize() bytes.
func New(a Algorithm, key []byte) (cipher.AEAD, error) {
	if !a.Known() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint16(a))
	}
	if len(key) != a.KeySize() {
		return nil, fmt.Errorf("invalid key size for %s: got %d, want %d", a, len(key), a.KeySize())
	}
	c, err := siv.NewCMAC(key)
	if err != nil {
		return nil, fmt.Errorf("creating %s cipher: %w", a, err)
	}
	return c, nil
}

// Negotiate selects the first algorithm in prefs that also appears in offers.
// The preference order is the server's policy, not hard-coded.
func Negotiate(prefs, offers []Algorithm) (Algorithm, bool) {
	for _, p := range prefs {
		if !p.Known() {
			continue
		}
		for _, o := range offers {
			if p == o {
				return p, true
			}
		}
	}
	return 0, false
}
