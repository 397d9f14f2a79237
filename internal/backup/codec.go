package backup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/clinisync/clinisync/internal/cryptox"
	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/models"
)

// sealedBlob is the on-wire shape of an uploaded backup: the encryption
// envelope plus the id of the key generation that sealed it, so restore can
// try the right generation first.
type sealedBlob struct {
	KeyID    string            `json:"key_id"`
	Envelope *cryptox.Envelope `json:"envelope"`
}

// EncodeBlob serializes a snapshot, compresses it and seals it under key.
// The result is what gets uploaded, byte for byte.
func EncodeBlob(snap *models.BackupSnapshot, key *models.EncryptionKey) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, errs.New(errs.ClassValidation, "backup.EncodeBlob", err)
	}

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(raw); err != nil {
		return nil, errs.Storagef("backup.EncodeBlob", err)
	}
	if err := zw.Close(); err != nil {
		return nil, errs.Storagef("backup.EncodeBlob", err)
	}

	env, err := cryptox.Seal(compressed.Bytes(), key.Material)
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(sealedBlob{KeyID: key.KeyID, Envelope: env})
	if err != nil {
		return nil, errs.New(errs.ClassEncryption, "backup.EncodeBlob", err)
	}
	return blob, nil
}

// DecodeBlob opens an uploaded backup, trying the key generation named in
// the blob first and then every remaining retained generation, newest first.
// A checksum mismatch stops the fallback immediately: the key was right and
// the data is damaged, so another generation cannot help. Returns the
// snapshot and the id of the key that opened it.
func DecodeBlob(data []byte, keys []*models.EncryptionKey) (*models.BackupSnapshot, string, error) {
	var blob sealedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, "", errs.New(errs.ClassEncryption, "backup.DecodeBlob",
			fmt.Errorf("%w: malformed blob: %w", errs.ErrDecryptFailed, err))
	}
	if blob.Envelope == nil {
		return nil, "", errs.New(errs.ClassEncryption, "backup.DecodeBlob",
			fmt.Errorf("%w: blob has no envelope", errs.ErrDecryptFailed))
	}

	var lastErr error
	for _, key := range orderKeys(keys, blob.KeyID) {
		plaintext, err := cryptox.Open(blob.Envelope, key.Material)
		if err != nil {
			if errors.Is(err, errs.ErrChecksumMismatch) {
				return nil, "", err
			}
			lastErr = err
			continue
		}

		snap, err := decodeSnapshot(plaintext)
		if err != nil {
			return nil, "", err
		}
		return snap, key.KeyID, nil
	}

	if lastErr == nil {
		lastErr = errs.New(errs.ClassEncryption, "backup.DecodeBlob", errs.ErrKeyMissing)
	}
	return nil, "", lastErr
}

// decodeSnapshot unmarshals plaintext into a snapshot, transparently
// decompressing when the gzip magic is present. Blobs written before
// compression was introduced are plain JSON and still restore.
func decodeSnapshot(plaintext []byte) (*models.BackupSnapshot, error) {
	if len(plaintext) >= 2 && plaintext[0] == 0x1f && plaintext[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(plaintext))
		if err != nil {
			return nil, errs.New(errs.ClassIntegrity, "backup.decodeSnapshot",
				fmt.Errorf("%w: %w", errs.ErrChecksumMismatch, err))
		}
		defer zr.Close()
		plaintext, err = io.ReadAll(zr)
		if err != nil {
			return nil, errs.New(errs.ClassIntegrity, "backup.decodeSnapshot",
				fmt.Errorf("%w: %w", errs.ErrChecksumMismatch, err))
		}
	}

	var snap models.BackupSnapshot
	if err := json.Unmarshal(plaintext, &snap); err != nil {
		return nil, errs.New(errs.ClassIntegrity, "backup.decodeSnapshot",
			fmt.Errorf("%w: %w", errs.ErrChecksumMismatch, err))
	}
	return &snap, nil
}

// orderKeys moves the generation named by keyID to the front, keeping the
// newest-first order for the rest.
func orderKeys(keys []*models.EncryptionKey, keyID string) []*models.EncryptionKey {
	if keyID == "" {
		return keys
	}
	ordered := make([]*models.EncryptionKey, 0, len(keys))
	for _, k := range keys {
		if k.KeyID == keyID {
			ordered = append(ordered, k)
		}
	}
	for _, k := range keys {
		if k.KeyID != keyID {
			ordered = append(ordered, k)
		}
	}
	return ordered
}
