// Package bbolt provides a BBolt-backed implementation of storage.KV, letting
// multiple server processes on a host share the same rotating key material.
package bbolt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/timehand/storage"
)

var bucketName = []byte("records")

type record struct {
	Value   []byte `json:"value"`
	Expires int64  `json:"expires,omitempty"` // unix seconds, 0 means no expiry
}

// KV implements storage.KV backed by a BBolt database.
type KV struct {
	db *bbolt.DB

	// now is overridable in tests.
	now func() time.Time
}

var _ storage.KV = (*KV)(nil)

// NewKV returns a KV backed by the given BBolt database.
func NewKV(db *bbolt.DB) *KV {
	return &KV{db: db, now: time.Now}
}

// NewKVFromFile opens a BBolt database at the given path and returns a new KV.
func NewKVFromFile(path string, options *bbolt.Options) (*KV, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewKV(db), nil
}

// Close closes the underlying BBolt database.
func (kv *KV) Close() error {
	return kv.db.Close()
}

func (kv *KV) live(r record) bool {
	return r.Expires == 0 || kv.now().Unix() < r.Expires
}

func (kv *KV) Get(key string) ([]byte, error) {
	var value []byte
	err := kv.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decoding record %s: %w", key, err)
		}
		if !kv.live(r) {
			return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		value = make([]byte, len(r.Value))
		copy(value, r.Value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (kv *KV) Put(key string, value []byte, ttl time.Duration) error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		r := record{Value: value}
		if ttl > 0 {
			r.Expires = kv.now().Add(ttl).Unix()
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (kv *KV) List(prefix string) ([]string, error) {
	var keys []string
	err := kv.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if kv.live(r) {
				keys = append(keys, string(k))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Sweep deletes expired records. It may be called periodically; Get and List
// already treat expired records as absent.
func (kv *KV) Sweep() error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		var dead [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r record
			if err := json.Unmarshal(v, &r); err != nil || !kv.live(r) {
				dead = append(dead, append([]byte(nil), k...))
			}
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
