package keyring

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/logging"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	var cfg Config
	cfg.LoadDefaults()
	m := NewManager(NewMemoryKeystore(), cfg, logging.NewNopLogger())

	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestDeriveAndStore_LazyFirstGeneration(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.ActiveKey(ctx, "clinic-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrKeyMissing))

	key, err := m.DeriveAndStore(ctx, "clinic-1", false)
	require.NoError(t, err)
	assert.True(t, key.IsActive)
	assert.Equal(t, "PBKDF2-HMAC-SHA256", key.DerivationMethod)
	assert.Len(t, key.Material, 32)

	// Stable across calls: no accidental rotation.
	again, err := m.DeriveAndStore(ctx, "clinic-1", false)
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, again.KeyID)
	assert.Equal(t, key.Material, again.Material)
}

func TestRotate_DeactivatesPrevious(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.DeriveAndStore(ctx, "clinic-1", false)
	require.NoError(t, err)

	second, err := m.Rotate(ctx, "clinic-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.KeyID, second.KeyID)
	assert.NotEqual(t, first.Material, second.Material)

	keys, err := m.Keys(ctx, "clinic-1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, second.KeyID, keys[0].KeyID) // newest first
	assert.True(t, keys[0].IsActive)
	assert.False(t, keys[1].IsActive)

	// Exactly one active key.
	active := 0
	for _, k := range keys {
		if k.IsActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestDeriveAndStore_RotatesInsideExpiryWindow(t *testing.T) {
	m, now := newTestManager(t)
	ctx := context.Background()

	first, err := m.DeriveAndStore(ctx, "clinic-1", false)
	require.NoError(t, err)

	// 6 days before expiry: inside the 7-day window.
	*now = time.UnixMilli(first.ExpiresAt).Add(-6 * 24 * time.Hour)
	second, err := m.DeriveAndStore(ctx, "clinic-1", false)
	require.NoError(t, err)
	assert.NotEqual(t, first.KeyID, second.KeyID)
}

func TestRotation_PurgesBeyondRetention(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, err := m.Rotate(ctx, "clinic-1")
		require.NoError(t, err)
	}

	keys, err := m.Keys(ctx, "clinic-1")
	require.NoError(t, err)
	// active + 5 retained generations
	assert.Len(t, keys, 6)
}

func TestValidate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	key, err := m.DeriveAndStore(ctx, "clinic-1", false)
	require.NoError(t, err)

	ok, err := m.Validate(ctx, "clinic-1", key.KeyID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Validate(ctx, "clinic-1", "no-such-key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteAll_RemovesMaterialAndSalt(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.DeriveAndStore(ctx, "clinic-1", false)
	require.NoError(t, err)

	require.NoError(t, m.DeleteAll(ctx, "clinic-1"))

	_, err = m.ActiveKey(ctx, "clinic-1")
	assert.True(t, errors.Is(err, errs.ErrKeyMissing))

	// A fresh derivation uses a fresh device salt, so material differs.
	again, err := m.DeriveAndStore(ctx, "clinic-1", false)
	require.NoError(t, err)
	assert.NotEqual(t, first.Material, again.Material)
}

func TestDeviceSalt_StableAcrossGenerations(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.DeriveAndStore(ctx, "clinic-1", false)
	require.NoError(t, err)
	_, err = m.Rotate(ctx, "clinic-1")
	require.NoError(t, err)

	// Older generation still derives the same material as before rotation.
	keys, err := m.Keys(ctx, "clinic-1")
	require.NoError(t, err)
	assert.Equal(t, first.Material, keys[1].Material)
}

func TestSQLiteKeystore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "keys.db")

	db, err := OpenKeystore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ks := NewSQLiteKeystore(db)

	v, err := ks.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, ks.Set(ctx, "device_salt:c1", []byte{1, 2, 3}))
	require.NoError(t, ks.Set(ctx, "device_salt:c1", []byte{4, 5, 6})) // upsert

	v, err = ks.Get(ctx, "device_salt:c1")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, v)

	require.NoError(t, ks.Delete(ctx, "device_salt:c1"))
	v, err = ks.Get(ctx, "device_salt:c1")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestManagerOverSQLiteKeystore(t *testing.T) {
	ctx := context.Background()
	db, err := OpenKeystore(ctx, filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var cfg Config
	cfg.LoadDefaults()
	m := NewManager(NewSQLiteKeystore(db), cfg, logging.NewNopLogger())

	key, err := m.DeriveAndStore(ctx, "clinic-1", false)
	require.NoError(t, err)

	// Reopen path: a second manager over the same DB sees the same key.
	m2 := NewManager(NewSQLiteKeystore(db), cfg, logging.NewNopLogger())
	key2, err := m2.ActiveKey(ctx, "clinic-1")
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, key2.KeyID)
	assert.Equal(t, key.Material, key2.Material)
}
