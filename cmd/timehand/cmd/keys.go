package cmd

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/timehand/keystore"
	bboltstorage "github.com/jmcleod/timehand/storage/bbolt"
)

// openKeys wires the shared key machinery: the bbolt KV holding period
// records, the in-memory store, and the rotator deriving one from the other.
// Server processes that are not the key publisher open the KV read-only so
// several of them can share one database file.
func openKeys(dataDir, seedFile string, readOnly bool) (*keystore.Store, *keystore.Rotator, *bboltstorage.KV, error) {
	seed, err := loadSeed(seedFile)
	if err != nil {
		return nil, nil, nil, err
	}

	var options *bbolt.Options
	if readOnly {
		options = &bbolt.Options{ReadOnly: true}
	}
	kv, err := bboltstorage.NewKVFromFile(dataDir+"/keys.db", options)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open key storage: %w", err)
	}

	keys := keystore.NewStore()
	rotator := keystore.NewRotator(kv, "periods", seed, keys)
	return keys, rotator, kv, nil
}
