package bbolt

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmcleod/timehand/storage"
)

func newTestKV(t *testing.T) *KV {
	t.Helper()
	kv, err := NewKVFromFile(filepath.Join(t.TempDir(), "keys.db"), nil)
	if err != nil {
		t.Fatalf("NewKVFromFile failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestPutGet(t *testing.T) {
	kv := newTestKV(t)

	if err := kv.Put("keys/3600", []byte("seed material"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := kv.Get("keys/3600")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("seed material")) {
		t.Errorf("got %q, want %q", got, "seed material")
	}

	_, err = kv.Get("keys/7200")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	kv := newTestKV(t)
	current := time.Unix(5000, 0)
	kv.now = func() time.Time { return current }

	kv.Put("keys/1", []byte("a"), time.Hour)
	kv.Put("keys/2", []byte("b"), 0)

	if _, err := kv.Get("keys/1"); err != nil {
		t.Fatalf("Get before expiry failed: %v", err)
	}

	current = current.Add(2 * time.Hour)
	if _, err := kv.Get("keys/1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired record still visible: %v", err)
	}

	keys, err := kv.List("keys/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "keys/2" {
		t.Errorf("List returned %v, want [keys/2]", keys)
	}
}

func TestListPrefix(t *testing.T) {
	kv := newTestKV(t)
	kv.Put("nts/1", []byte("x"), 0)
	kv.Put("nts/2", []byte("y"), 0)
	kv.Put("other/1", []byte("z"), 0)

	keys, err := kv.List("nts/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("List returned %v, want 2 entries", keys)
	}
}

func TestSweep(t *testing.T) {
	kv := newTestKV(t)
	current := time.Unix(5000, 0)
	kv.now = func() time.Time { return current }

	kv.Put("keys/1", []byte("a"), time.Minute)
	kv.Put("keys/2", []byte("b"), 0)

	current = current.Add(time.Hour)
	if err := kv.Sweep(); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	keys, _ := kv.List("keys/")
	if len(keys) != 1 || keys[0] != "keys/2" {
		t.Errorf("after sweep List returned %v, want [keys/2]", keys)
	}
}
