// Package storage defines the shared key-value boundary used to distribute
// rotating master key material between server processes.
package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist or has expired.
var ErrNotFound = errors.New("record not found")

// KV is a keyed byte store with per-record TTL. Expiry is the pruning
// mechanism for old key periods: once a record's TTL elapses it must be
// invisible to both Get and List.
type KV interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte, ttl time.Duration) error
	List(prefix string) ([]string, error)
}
