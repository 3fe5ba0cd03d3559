package keystore

import (
	"context"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sirupsen/logrus"

	"github.com/jmcleod/timehand/internal/util"
	"github.com/jmcleod/timehand/metrics"
	"github.com/jmcleod/timehand/storage"
)

const (
	// DefaultPeriod is how long each master key identifier stays current.
	DefaultPeriod = time.Hour
	// DefaultBackwardPeriods is how many expired periods stay decryptable,
	// bounding the grace window for cookies minted under old keys.
	DefaultBackwardPeriods = 24
	// DefaultForwardPeriods is how many future periods are prefetched so
	// that peers slightly ahead of our clock still interoperate.
	DefaultForwardPeriods = 2
)

var derivationInfo = []byte("timehand/period-key")

// Rotator keeps a Store in sync with the shared period records in a
// storage.KV. Every process pointing at the same KV with the same seed
// derives an identical key set.
type Rotator struct {
	KV       storage.KV
	Prefix   string
	Period   time.Duration
	Backward int
	Forward  int
	Store    *Store
	Log      *logrus.Logger

	seed *memguard.Enclave
	now  func() time.Time
}

// NewRotator creates a rotator over the given KV and store. The seed is moved
// into a memguard enclave; the caller's copy is wiped.
func NewRotator(kv storage.KV, prefix string, seed []byte, store *Store) *Rotator {
	return &Rotator{
		KV:       kv,
		Prefix:   prefix,
		Period:   DefaultPeriod,
		Backward: DefaultBackwardPeriods,
		Forward:  DefaultForwardPeriods,
		Store:    store,
		Log:      logrus.StandardLogger(),
		seed:     memguard.NewEnclave(seed),
		now:      time.Now,
	}
}

func (r *Rotator) periodKey(epoch int64) string {
	return fmt.Sprintf("%s/%d", r.Prefix, epoch)
}

// deriveSecret turns one shared period record into the period's master key
// secret. The seed never leaves the enclave except for the duration of the
// derivation.
func (r *Rotator) deriveSecret(record []byte) ([]byte, error) {
	buf, err := r.seed.Open()
	if err != nil {
		return nil, fmt.Errorf("opening seed enclave: %w", err)
	}
	defer buf.Destroy()
	return util.HKDF(record, buf.Bytes(), derivationInfo)
}

// Rotate reads the current window of period records from the KV and atomically
// replaces the store's key set. A missing period record fails the whole
// rotation; the previous key set stays live.
func (r *Rotator) Rotate() error {
	metrics.KeyRotationsTotal.Inc()

	periodSecs := int64(r.Period / time.Second)
	if periodSecs <= 0 {
		return fmt.Errorf("invalid rotation period %v", r.Period)
	}

	now := r.now().Unix()
	currentPeriod := now / periodSecs
	first := currentPeriod - int64(r.Backward)
	if first < 0 {
		first = 0
	}
	last := currentPeriod + int64(r.Forward)

	keys := make([]MasterKey, 0, last-first+1)
	for p := first; p <= last; p++ {
		epoch := p * periodSecs
		record, err := r.KV.Get(r.periodKey(epoch))
		if err != nil {
			metrics.KeyRotationsFailedTotal.Inc()
			return fmt.Errorf("reading period record %s: %w", r.periodKey(epoch), err)
		}
		secret, err := r.deriveSecret(record)
		if err != nil {
			metrics.KeyRotationsFailedTotal.Inc()
			return fmt.Errorf("deriving key for epoch %d: %w", epoch, err)
		}
		keys = append(keys, MasterKey{
			ID:        uint32(epoch),
			Secret:    secret,
			CreatedAt: time.Unix(epoch, 0),
		})
	}

	currentEpoch := currentPeriod * periodSecs
	r.Store.ReplaceAll(keys, uint32(currentEpoch))
	for i := range keys {
		util.WipeBytes(keys[i].Secret)
	}
	return nil
}

// Start performs the initial rotation, retrying a few times so a process
// racing the key publisher at boot still comes up with keys.
func (r *Rotator) Start() error {
	const (
		maxTries   = 5
		retryDelay = 5 * time.Second
	)
	var err error
	for try := 1; try <= maxTries; try++ {
		if err = r.Rotate(); err == nil {
			return nil
		}
		r.Log.WithError(err).WithField("try", try).Warn("initial key rotation failed")
		if try < maxTries {
			time.Sleep(retryDelay)
		}
	}
	return fmt.Errorf("initializing key rotation: %w", err)
}

// Run refreshes the key set every period until the context is cancelled.
// Rotation failures are logged and the previous window stays live; staleness
// is bounded by the refresh interval.
func (r *Rotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Rotate(); err != nil {
				r.Log.WithError(err).Error("key rotation failed; keeping previous key set")
			}
		}
	}
}

// Publish writes fresh random period records into the KV for the window
// around now, skipping periods that already have one. This is the external
// key-publishing collaborator, run on a schedule or from the keygen command.
// The record TTL covers the backward window plus one period of slack.
func Publish(kv storage.KV, prefix string, period time.Duration, backward, forward int, now time.Time) error {
	periodSecs := int64(period / time.Second)
	if periodSecs <= 0 {
		return fmt.Errorf("invalid rotation period %v", period)
	}

	currentPeriod := now.Unix() / periodSecs
	first := currentPeriod - int64(backward)
	if first < 0 {
		first = 0
	}
	last := currentPeriod + int64(forward)

	ttl := time.Duration(int64(backward)+int64(forward)+1) * period

	for p := first; p <= last; p++ {
		key := fmt.Sprintf("%s/%d", prefix, p*periodSecs)
		if _, err := kv.Get(key); err == nil {
			continue
		}
		record, err := util.RandomBytes(32)
		if err != nil {
			return err
		}
		if err := kv.Put(key, record, ttl); err != nil {
			return fmt.Errorf("publishing period record %s: %w", key, err)
		}
	}
	return nil
}
