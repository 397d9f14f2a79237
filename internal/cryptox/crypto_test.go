package cryptox

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinisync/clinisync/internal/errs"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := testKey(t)

	payloads := [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytes.Repeat([]byte{0xAB}, 1<<16),
	}
	for _, plaintext := range payloads {
		env, err := Seal(plaintext, key)
		require.NoError(t, err)

		assert.Equal(t, AlgorithmAESGCM, env.Algorithm)
		assert.Len(t, env.IV, 12)
		assert.Len(t, env.Tag, 16)
		assert.NotZero(t, env.Timestamp)

		got, err := Open(env, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestSeal_UniqueIVs(t *testing.T) {
	key := testKey(t)
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		env, err := Seal([]byte("same plaintext"), key)
		require.NoError(t, err)
		require.False(t, seen[string(env.IV)], "iv reused")
		seen[string(env.IV)] = true
	}
}

func TestOpen_TamperedCiphertext_IsTamperClass(t *testing.T) {
	key := testKey(t)
	env, err := Seal([]byte("patient data"), key)
	require.NoError(t, err)

	env.Ciphertext[0] ^= 0x01
	_, err = Open(env, key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDecryptFailed))
	assert.Equal(t, errs.ClassEncryption, errs.ClassOf(err))
}

func TestOpen_TamperedTag_IsTamperClass(t *testing.T) {
	key := testKey(t)
	env, err := Seal([]byte("patient data"), key)
	require.NoError(t, err)

	env.Tag[len(env.Tag)-1] ^= 0x80
	_, err = Open(env, key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDecryptFailed))
}

func TestOpen_WrongKey_IsTamperClass(t *testing.T) {
	env, err := Seal([]byte("patient data"), testKey(t))
	require.NoError(t, err)

	_, err = Open(env, testKey(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDecryptFailed))
}

func TestOpen_ChecksumMismatch_IsIntegrityClass(t *testing.T) {
	key := testKey(t)
	env, err := Seal([]byte("patient data"), key)
	require.NoError(t, err)

	// Valid tag, wrong application checksum: corruption, not tampering.
	env.Checksum = "00" + env.Checksum[2:]
	_, err = Open(env, key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrChecksumMismatch))
	assert.Equal(t, errs.ClassIntegrity, errs.ClassOf(err))
}

func TestOpen_RejectsForeignAlgorithm(t *testing.T) {
	key := testKey(t)
	env, err := Seal([]byte("x"), key)
	require.NoError(t, err)

	env.Algorithm = "AES-128-CBC"
	_, err = Open(env, key)
	assert.Error(t, err)
}

func TestSeal_RejectsShortKey(t *testing.T) {
	_, err := Seal([]byte("x"), make([]byte, 16))
	assert.Error(t, err)
}

func TestDeriveKey_DeterministicAndSaltSensitive(t *testing.T) {
	deviceSalt := []byte("device-salt-0123")
	keySalt := []byte("key-salt-4567890")

	k1 := DeriveKey("clinic-1", deviceSalt, keySalt, 10000)
	k2 := DeriveKey("clinic-1", deviceSalt, keySalt, 10000)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, KeySize)

	assert.NotEqual(t, k1, DeriveKey("clinic-2", deviceSalt, keySalt, 10000))
	assert.NotEqual(t, k1, DeriveKey("clinic-1", []byte("other-salt-aaaa"), keySalt, 10000))
	assert.NotEqual(t, k1, DeriveKey("clinic-1", deviceSalt, []byte("other-key-salt-b"), 10000))
}

func TestDeriveKey_ClampsIterations(t *testing.T) {
	// 1 iteration is clamped to MinIterations, so both calls must agree.
	k1 := DeriveKey("clinic-1", []byte("s"), []byte("ks"), 1)
	k2 := DeriveKey("clinic-1", []byte("s"), []byte("ks"), MinIterations)
	assert.Equal(t, k1, k2)
}
