// Package keystore manages the rotating set of master keys used to seal and
// open NTS cookies. The active key set is shared between key-exchange and NTP
// server processes through a storage.KV; every process derives the same
// per-period keys from the same seed.
package keystore

import (
	"errors"
	"sync"
	"time"

	"github.com/jmcleod/timehand/internal/util"
)

// ErrNoCurrentKey indicates the store holds no key usable for minting new
// cookies. Request handlers treat this as fatal to the request, never to the
// process.
var ErrNoCurrentKey = errors.New("no current master key")

// MasterKey is one period's cookie-sealing key. Identifiers increase
// monotonically with rotation.
type MasterKey struct {
	ID        uint32
	Secret    []byte
	CreatedAt time.Time
}

// Store holds the active master key set. Reads are short critical sections
// safe under the rotator's periodic writes; a reader never observes a
// half-applied rotation.
type Store struct {
	mu      sync.RWMutex
	keys    map[uint32]MasterKey
	current uint32
	hasCur  bool
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{keys: make(map[uint32]MasterKey)}
}

// Insert adds a master key. The key with the highest identifier becomes the
// current minting key.
func (s *Store) Insert(k MasterKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.ID] = MasterKey{
		ID:        k.ID,
		Secret:    util.CopyBytes(k.Secret),
		CreatedAt: k.CreatedAt,
	}
	if !s.hasCur || k.ID >= s.current {
		s.current = k.ID
		s.hasCur = true
	}
}

// Lookup returns the secret registered for the identifier. The returned slice
// is a copy.
func (s *Store) Lookup(id uint32) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, false
	}
	return util.CopyBytes(k.Secret), true
}

// Current returns the newest master key, used for minting new cookies.
func (s *Store) Current() (MasterKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasCur {
		return MasterKey{}, ErrNoCurrentKey
	}
	k := s.keys[s.current]
	return MasterKey{ID: k.ID, Secret: util.CopyBytes(k.Secret), CreatedAt: k.CreatedAt}, nil
}

// Prune removes keys created before the retention window measured from now.
// Cookies minted under pruned identifiers become undecryptable.
func (s *Store) Prune(now time.Time, retention time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-retention)
	for id, k := range s.keys {
		if k.CreatedAt.Before(cutoff) {
			util.WipeBytes(s.keys[id].Secret)
			delete(s.keys, id)
			if s.hasCur && id == s.current {
				s.hasCur = false
			}
		}
	}
	if !s.hasCur {
		for id := range s.keys {
			if !s.hasCur || id > s.current {
				s.current = id
				s.hasCur = true
			}
		}
	}
}

// ReplaceAll atomically swaps the entire key set. Used by the rotator so that
// concurrent readers see either the old window or the new one, never a mix.
func (s *Store) ReplaceAll(keys []MasterKey, current uint32) {
	fresh := make(map[uint32]MasterKey, len(keys))
	for _, k := range keys {
		fresh[k.ID] = MasterKey{
			ID:        k.ID,
			Secret:    util.CopyBytes(k.Secret),
			CreatedAt: k.CreatedAt,
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.keys {
		util.WipeBytes(s.keys[id].Secret)
	}
	s.keys = fresh
	_, ok := fresh[current]
	s.current = current
	s.hasCur = ok
}

// Len returns the number of keys currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// ActiveIDs returns the identifiers currently held, in no particular order.
func (s *Store) ActiveIDs() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint32, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	return ids
}
