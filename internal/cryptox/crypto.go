// Package cryptox implements the engine's authenticated encryption: sealing
// and opening AES-256-GCM envelopes and deriving clinic keys with
// PBKDF2-HMAC-SHA256.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/clinisync/clinisync/internal/errs"
)

const (
	// AlgorithmAESGCM identifies the only cipher the engine writes.
	AlgorithmAESGCM = "AES-256-GCM"

	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	ivSize  = 12 // 96-bit GCM nonce
	tagSize = 16

	// MinIterations is the floor for PBKDF2 iteration counts; lower
	// configured values are clamped up to it.
	MinIterations = 10000
)

// Envelope is the encrypted wire format stored in remote blobs. Checksum is
// the hex SHA-256 of the plaintext, verified after the GCM tag: a second,
// application-level integrity check independent of the cipher.
type Envelope struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
	Algorithm  string `json:"algorithm"`
	Checksum   string `json:"checksum"`
	Timestamp  int64  `json:"timestamp"`
}

// Seal encrypts plaintext under key with AES-256-GCM. A fresh random 96-bit
// IV is drawn for every call.
func Seal(plaintext, key []byte) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.ClassEncryption, "cryptox.Seal",
			fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key)))
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errs.New(errs.ClassEncryption, "cryptox.Seal", err)
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, errs.New(errs.ClassEncryption, "cryptox.Seal", err)
	}

	sum := sha256.Sum256(plaintext)

	// Seal appends the 16-byte tag to the ciphertext; the envelope keeps
	// them in separate fields.
	sealed := aesgcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - tagSize

	return &Envelope{
		IV:         iv,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
		Algorithm:  AlgorithmAESGCM,
		Checksum:   hex.EncodeToString(sum[:]),
		Timestamp:  time.Now().UnixMilli(),
	}, nil
}

// Open decrypts an envelope. A GCM tag failure means tampering or a wrong
// key and returns errs.ErrDecryptFailed. A checksum mismatch after the tag
// verified means storage corruption or a logic bug, never tampering, and
// returns errs.ErrChecksumMismatch.
func Open(env *Envelope, key []byte) ([]byte, error) {
	if env.Algorithm != AlgorithmAESGCM {
		return nil, errs.New(errs.ClassEncryption, "cryptox.Open",
			fmt.Errorf("unsupported algorithm %q", env.Algorithm))
	}
	if len(env.IV) != ivSize {
		return nil, errs.New(errs.ClassEncryption, "cryptox.Open",
			fmt.Errorf("iv must be %d bytes, got %d", ivSize, len(env.IV)))
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, errs.New(errs.ClassEncryption, "cryptox.Open", err)
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := aesgcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, errs.New(errs.ClassEncryption, "cryptox.Open",
			fmt.Errorf("%w: %w", errs.ErrDecryptFailed, err))
	}

	sum := sha256.Sum256(plaintext)
	want, err := hex.DecodeString(env.Checksum)
	if err != nil || subtle.ConstantTimeCompare(sum[:], want) != 1 {
		return nil, errs.New(errs.ClassIntegrity, "cryptox.Open", errs.ErrChecksumMismatch)
	}

	return plaintext, nil
}

// DeriveKey derives a 256-bit key with PBKDF2-HMAC-SHA256 over
// clinicID‖deviceSalt, salted with the per-generation keySalt. Iteration
// counts below MinIterations are clamped up.
func DeriveKey(clinicID string, deviceSalt, keySalt []byte, iterations int) []byte {
	if iterations < MinIterations {
		iterations = MinIterations
	}
	secret := append([]byte(clinicID), deviceSalt...)
	return pbkdf2.Key(secret, keySalt, iterations, KeySize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
