package util

import (
	"bytes"
	"testing"
)

func TestCopyBytes(t *testing.T) {
	src := []byte{1, 2, 3}
	dst := CopyBytes(src)
	if !bytes.Equal(src, dst) {
		t.Errorf("expected %v, got %v", src, dst)
	}
	dst[0] = 9
	if src[0] == 9 {
		t.Error("CopyBytes did not copy")
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d not wiped", i)
		}
	}
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("unexpected lengths %d, %d", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Error("two random reads returned identical bytes")
	}
}

func TestHKDFDeterministic(t *testing.T) {
	k1, err := HKDF([]byte("seed"), []byte("salt"), []byte("info"))
	if err != nil {
		t.Fatalf("HKDF failed: %v", err)
	}
	k2, err := HKDF([]byte("seed"), []byte("salt"), []byte("info"))
	if err != nil {
		t.Fatalf("HKDF failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("HKDF not deterministic for identical inputs")
	}
	k3, _ := HKDF([]byte("seed"), []byte("salt"), []byte("other"))
	if bytes.Equal(k1, k3) {
		t.Error("HKDF ignored info parameter")
	}
}

func TestHexRoundTrip(t *testing.T) {
	in := []byte{0xde, 0xad, 0xbe, 0xef}
	out, err := HexDecode(HexEncode(in))
	if err != nil {
		t.Fatalf("HexDecode failed: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Errorf("expected %v, got %v", in, out)
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Error("certificate chain is empty")
	}
}
