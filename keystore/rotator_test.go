package keystore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/timehand/internal/util"
	"github.com/jmcleod/timehand/storage/memory"
)

func newTestRotator(t *testing.T, now time.Time) (*Rotator, *memory.KV) {
	t.Helper()
	kv := memory.NewKV()
	seed, err := util.RandomBytes(32)
	require.NoError(t, err)

	r := NewRotator(kv, "test", util.CopyBytes(seed), NewStore())
	r.Period = time.Hour
	r.Backward = 2
	r.Forward = 1
	r.now = func() time.Time { return now }
	return r, kv
}

func TestRotate(t *testing.T) {
	now := time.Unix(4*3600+100, 0)
	r, kv := newTestRotator(t, now)

	require.NoError(t, Publish(kv, "test", time.Hour, 2, 1, now))
	require.NoError(t, r.Rotate())

	// Window is periods 2..5: two backward, current, one forward.
	assert.Equal(t, 4, r.Store.Len())

	cur, err := r.Store.Current()
	require.NoError(t, err)
	assert.Equal(t, uint32(4*3600), cur.ID)

	_, ok := r.Store.Lookup(uint32(2 * 3600))
	assert.True(t, ok, "backward period key missing")
}

func TestRotateDeterministicAcrossProcesses(t *testing.T) {
	now := time.Unix(10*3600, 0)
	kv := memory.NewKV()
	require.NoError(t, Publish(kv, "test", time.Hour, 1, 1, now))

	seed, err := util.RandomBytes(32)
	require.NoError(t, err)

	a := NewRotator(kv, "test", util.CopyBytes(seed), NewStore())
	a.Period, a.Backward, a.Forward = time.Hour, 1, 1
	a.now = func() time.Time { return now }

	b := NewRotator(kv, "test", util.CopyBytes(seed), NewStore())
	b.Period, b.Backward, b.Forward = time.Hour, 1, 1
	b.now = func() time.Time { return now }

	require.NoError(t, a.Rotate())
	require.NoError(t, b.Rotate())

	curA, err := a.Store.Current()
	require.NoError(t, err)
	secretB, ok := b.Store.Lookup(curA.ID)
	require.True(t, ok)
	assert.Equal(t, curA.Secret, secretB, "two rotators over the same KV and seed derived different keys")
}

func TestRotateMissingPeriodRecord(t *testing.T) {
	now := time.Unix(10*3600, 0)
	r, kv := newTestRotator(t, now)

	// Publish only part of the window.
	require.NoError(t, Publish(kv, "test", time.Hour, 0, 0, now))

	err := r.Rotate()
	require.Error(t, err)
	assert.Equal(t, 0, r.Store.Len(), "failed rotation must not partially apply")
}

func TestRotatePreservesOldWindowOnFailure(t *testing.T) {
	now := time.Unix(10*3600, 0)
	r, kv := newTestRotator(t, now)

	require.NoError(t, Publish(kv, "test", time.Hour, 2, 1, now))
	require.NoError(t, r.Rotate())
	before := r.Store.Len()

	// Advance beyond the published window so the next rotation fails.
	r.now = func() time.Time { return now.Add(12 * time.Hour) }
	require.Error(t, r.Rotate())
	assert.Equal(t, before, r.Store.Len(), "failed rotation wiped the previous key set")
}

func TestOldKeyStillDecryptsAfterSupersession(t *testing.T) {
	now := time.Unix(10*3600, 0)
	r, kv := newTestRotator(t, now)

	require.NoError(t, Publish(kv, "test", time.Hour, 2, 1, now))
	require.NoError(t, r.Rotate())

	k1, err := r.Store.Current()
	require.NoError(t, err)

	// One period later K2 becomes current; K1 must stay resolvable.
	later := now.Add(time.Hour)
	r.now = func() time.Time { return later }
	require.NoError(t, Publish(kv, "test", time.Hour, 2, 1, later))
	require.NoError(t, r.Rotate())

	k2, err := r.Store.Current()
	require.NoError(t, err)
	assert.NotEqual(t, k1.ID, k2.ID)

	secret, ok := r.Store.Lookup(k1.ID)
	require.True(t, ok, "superseded key fell out of the retention window early")
	assert.Equal(t, k1.Secret, secret)
}

func TestPublishIdempotent(t *testing.T) {
	now := time.Unix(10*3600, 0)
	kv := memory.NewKV()
	require.NoError(t, Publish(kv, "test", time.Hour, 1, 1, now))

	before, err := kv.Get("test/36000")
	require.NoError(t, err)

	require.NoError(t, Publish(kv, "test", time.Hour, 1, 1, now))
	after, err := kv.Get("test/36000")
	require.NoError(t, err)
	assert.Equal(t, before, after, "Publish overwrote an existing period record")
}
