package memory

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/jmcleod/timehand/storage"
)

func TestPutGet(t *testing.T) {
	kv := NewKV()
	if err := kv.Put("keys/100", []byte("abc"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := kv.Get("keys/100")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("abc")) {
		t.Errorf("got %q, want %q", got, "abc")
	}

	_, err = kv.Get("keys/200")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	kv := NewKV()
	current := time.Unix(1000, 0)
	kv.now = func() time.Time { return current }

	kv.Put("keys/1", []byte("a"), time.Minute)
	kv.Put("keys/2", []byte("b"), 0)

	if _, err := kv.Get("keys/1"); err != nil {
		t.Fatalf("Get before expiry failed: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := kv.Get("keys/1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired record still visible: %v", err)
	}
	if _, err := kv.Get("keys/2"); err != nil {
		t.Errorf("record without TTL expired: %v", err)
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
	kv := NewKV()
	kv.Put("a/1", []byte("x"), 0)
	kv.Put("a/2", []byte("y"), 0)
	kv.Put("b/1", []byte("z"), 0)

	keys, err := kv.List("a/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("List returned %v, want 2 entries", keys)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	kv := NewKV()
	kv.Put("k", []byte{1, 2, 3}, 0)
	got, _ := kv.Get("k")
	got[0] = 9
	again, _ := kv.Get("k")
	if again[0] != 1 {
		t.Error("Get returned a mutable reference to stored data")
	}
}
