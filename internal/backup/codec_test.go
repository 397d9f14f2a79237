package backup

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/models"
)

func testKey(t *testing.T, id string) *models.EncryptionKey {
	t.Helper()
	material := make([]byte, 32)
	_, err := rand.Read(material)
	require.NoError(t, err)
	return &models.EncryptionKey{KeyID: id, Material: material, IsActive: true}
}

func TestBlob_RoundTrip(t *testing.T) {
	p := NewPackager()
	snap, err := p.Create("clinic-1", "dev-1", sampleTables(), nil)
	require.NoError(t, err)

	key := testKey(t, "k1")
	blob, err := EncodeBlob(snap, key)
	require.NoError(t, err)

	got, usedKey, err := DecodeBlob(blob, []*models.EncryptionKey{key})
	require.NoError(t, err)
	assert.Equal(t, "k1", usedKey)
	assert.Equal(t, snap.ClinicID, got.ClinicID)
	assert.Equal(t, snap.Checksum, got.Checksum)
	assert.True(t, p.ValidateIntegrity(got))
}

func TestDecodeBlob_FallsBackToOlderGeneration(t *testing.T) {
	p := NewPackager()
	snap, err := p.Create("clinic-1", "dev-1", sampleTables(), nil)
	require.NoError(t, err)

	oldKey := testKey(t, "k-old")
	blob, err := EncodeBlob(snap, oldKey)
	require.NoError(t, err)

	newKey := testKey(t, "k-new")
	got, usedKey, err := DecodeBlob(blob, []*models.EncryptionKey{newKey, oldKey})
	require.NoError(t, err)
	assert.Equal(t, "k-old", usedKey)
	assert.Equal(t, snap.ClinicID, got.ClinicID)
}

func TestDecodeBlob_NoMatchingKey(t *testing.T) {
	p := NewPackager()
	snap, err := p.Create("clinic-1", "dev-1", sampleTables(), nil)
	require.NoError(t, err)

	blob, err := EncodeBlob(snap, testKey(t, "k1"))
	require.NoError(t, err)

	_, _, err = DecodeBlob(blob, []*models.EncryptionKey{testKey(t, "other")})
	assert.ErrorIs(t, err, errs.ErrDecryptFailed)
}

func TestDecodeBlob_MalformedBlob(t *testing.T) {
	_, _, err := DecodeBlob([]byte("not json"), []*models.EncryptionKey{testKey(t, "k1")})
	assert.ErrorIs(t, err, errs.ErrDecryptFailed)
}
