package ntp

import (
	"bytes"
	"crypto/cipher"
	"errors"
	"testing"

	"github.com/jmcleod/timehand/aead"
	"github.com/jmcleod/timehand/internal/util"
)

func testCipher(t *testing.T) (c, other cipher.AEAD) {
	t.Helper()
	key1, _ := util.RandomBytes(32)
	key2, _ := util.RandomBytes(32)
	a, err := aead.New(aead.AesSivCmac256, key1)
	if err != nil {
		t.Fatalf("aead.New failed: %v", err)
	}
	b, err := aead.New(aead.AesSivCmac256, key2)
	if err != nil {
		t.Fatalf("aead.New failed: %v", err)
	}
	return a, b
}

func testPacket() Packet {
	uid, _ := util.RandomBytes(32)
	cookieBody, _ := util.RandomBytes(104)
	return Packet{
		Header: Header{
			Version:      4,
			Mode:         ModeClient,
			TransmitTime: 0x0102030405060708,
		},
		AuthExts: []Extension{
			{Type: ExtUniqueIdentifier, Body: uid},
			{Type: ExtCookie, Body: cookieBody},
			{Type: ExtCookiePlaceholder, Body: make([]byte, 104)},
		},
		EncExts: []Extension{
			{Type: ExtCookie, Body: bytes.Repeat([]byte{0xfe}, 104)},
		},
	}
}

func extsEqual(a, b []Extension) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || !bytes.Equal(a[i].Body, b[i].Body) {
			return false
		}
	}
	return true
}

func TestSealParseRoundTrip(t *testing.T) {
	c, _ := testCipher(t)
	in := testPacket()

	raw, err := in.Seal(c)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	out, err := ParsePacket(raw, c)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if out.Header != in.Header {
		t.Errorf("header mismatch: got %+v, want %+v", out.Header, in.Header)
	}
	if !extsEqual(out.AuthExts, in.AuthExts) {
		t.Error("authenticated extensions do not round trip")
	}
	if !extsEqual(out.EncExts, in.EncExts) {
		t.Error("encrypted extensions do not round trip")
	}
}

func TestParseRejectsTampering(t *testing.T) {
	c, _ := testCipher(t)
	raw, err := testPacket().Seal(c)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	for _, i := range []int{0, 1, HeaderSize, HeaderSize + 5, len(raw) - 1} {
		mutated := util.CopyBytes(raw)
		mutated[i] ^= 0x01
		_, err := ParsePacket(mutated, c)
		if err == nil {
			t.Fatalf("byte %d: tampered packet accepted", i)
		}
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	c, other := testCipher(t)
	raw, _ := testPacket().Seal(c)
	_, err := ParsePacket(raw, other)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("got %v, want ErrAuthenticationFailed", err)
	}
}

func TestParseRejectsMissingAuthenticator(t *testing.T) {
	c, _ := testCipher(t)
	h := Header{Version: 4, Mode: ModeClient}
	raw := AppendExtension(h.Marshal(), Extension{Type: ExtUniqueIdentifier, Body: make([]byte, 32)})
	_, err := ParsePacket(raw, c)
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("got %v, want ErrMalformedPacket", err)
	}
}

func TestParseRejectsAuthenticatorNotLast(t *testing.T) {
	c, _ := testCipher(t)
	raw, _ := testPacket().Seal(c)
	// Append a trailing extension after the authenticator.
	raw = AppendExtension(raw, Extension{Type: ExtUniqueIdentifier, Body: make([]byte, 32)})
	_, err := ParsePacket(raw, c)
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("got %v, want ErrMalformedPacket", err)
	}
}

func TestParseRejectsStructuralGarbage(t *testing.T) {
	c, _ := testCipher(t)
	raw, _ := testPacket().Seal(c)

	cases := map[string][]byte{
		"Truncated":          raw[:len(raw)-7],
		"TooShort":           raw[:20],
		"TrailingBytes":      append(util.CopyBytes(raw), 0x00),
		"UnalignedExtension": nil,
	}
	// Build an extension whose length is not a multiple of 4.
	h := Header{Version: 4, Mode: ModeClient}
	bad := h.Marshal()
	bad = append(bad, 0x01, 0x04, 0x00, 0x06, 0xaa, 0xbb)
	cases["UnalignedExtension"] = bad

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePacket(input, c); !errors.Is(err, ErrMalformedPacket) {
				t.Errorf("got %v, want ErrMalformedPacket", err)
			}
		})
	}
}

func TestParseExtensionsStructural(t *testing.T) {
	h := Header{Version: 4, Mode: ModeClient}
	raw := h.Marshal()
	raw = AppendExtension(raw, Extension{Type: ExtUniqueIdentifier, Body: make([]byte, 32)})
	raw = AppendExtension(raw, Extension{Type: ExtCookie, Body: make([]byte, 104)})

	exts, err := ParseExtensions(raw)
	if err != nil {
		t.Fatalf("ParseExtensions failed: %v", err)
	}
	if len(exts) != 2 || exts[0].Type != ExtUniqueIdentifier || exts[1].Type != ExtCookie {
		t.Errorf("unexpected extensions: %+v", exts)
	}

	if _, err := ParseExtensions(raw[:len(raw)-2]); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("truncated: got %v, want ErrMalformedPacket", err)
	}
}

func TestFindExtension(t *testing.T) {
	exts := []Extension{
		{Type: ExtUniqueIdentifier, Body: []byte{1}},
		{Type: ExtCookie, Body: []byte{2}},
		{Type: ExtCookie, Body: []byte{3}},
	}
	got, ok := FindExtension(exts, ExtCookie)
	if !ok || got.Body[0] != 2 {
		t.Errorf("FindExtension returned %+v, %v", got, ok)
	}
	if _, ok := FindExtension(exts, ExtCookiePlaceholder); ok {
		t.Error("found an extension that is not present")
	}
}
