// Package memory provides a thread-safe in-memory implementation of
// storage.KV. Suitable for testing, demos, and single-process use cases.
package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/timehand/storage"
)

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// KV is a thread-safe in-memory implementation of storage.KV.
type KV struct {
	mu   sync.RWMutex
	data map[string]entry

	// now is overridable in tests.
	now func() time.Time
}

var _ storage.KV = (*KV)(nil)

// NewKV creates a new empty in-memory KV.
func NewKV() *KV {
	return &KV{data: make(map[string]entry), now: time.Now}
}

func (kv *KV) live(e entry) bool {
	return e.expires.IsZero() || kv.now().Before(e.expires)
}

func (kv *KV) Get(key string) ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	e, ok := kv.data[key]
	if !ok || !kv.live(e) {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (kv *KV) Put(key string, value []byte, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e := entry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expires = kv.now().Add(ttl)
	}
	kv.data[key] = e
	return nil
}

func (kv *KV) List(prefix string) ([]string, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	var keys []string
	for k, e := range kv.data {
		if strings.HasPrefix(k, prefix) && kv.live(e) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
