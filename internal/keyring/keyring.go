package keyring

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinisync/clinisync/internal/cryptox"
	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/logging"
	"github.com/clinisync/clinisync/internal/models"
)

const (
	derivationMethod = "PBKDF2-HMAC-SHA256"
	deviceSaltSize   = 16
	keySaltSize      = 16

	deviceSaltKey = "device_salt:"
	keyChainKey   = "keys:"
)

// Config holds key lifecycle settings.
type Config struct {
	// KeyLifetime is how long a generation stays valid after creation.
	KeyLifetime time.Duration
	// RotationWindow is how close to expiry the active key may get before a
	// rotation is triggered.
	RotationWindow time.Duration
	// RetainedGenerations is how many superseded generations are kept for
	// decrypting older backups before being purged.
	RetainedGenerations int
	// Iterations is the PBKDF2 iteration count (clamped to a 10k floor).
	Iterations int
}

// LoadDefaults populates c with the stock lifecycle: 90-day keys rotated
// 7 days before expiry, 5 retained generations, 10k PBKDF2 iterations.
func (c *Config) LoadDefaults() {
	c.KeyLifetime = 90 * 24 * time.Hour
	c.RotationWindow = 7 * 24 * time.Hour
	c.RetainedGenerations = 5
	c.Iterations = cryptox.MinIterations
}

// Manager owns the key lifecycle for all clinics on this device. Key
// material is derived on demand and never written to the keystore; only
// salts and generation metadata are persisted.
type Manager struct {
	ks  Keystore
	cfg Config
	log logging.Logger

	mu  sync.Mutex
	now func() time.Time
}

func NewManager(ks Keystore, cfg Config, log logging.Logger) *Manager {
	if cfg.KeyLifetime == 0 {
		cfg.LoadDefaults()
	}
	return &Manager{ks: ks, cfg: cfg, log: log, now: time.Now}
}

// storedKey is the persisted generation metadata; it never contains material.
type storedKey struct {
	KeyID            string `json:"key_id"`
	DerivationMethod string `json:"derivation_method"`
	Salt             []byte `json:"salt"`
	CreatedAt        int64  `json:"created_at"`
	ExpiresAt        int64  `json:"expires_at"`
	IsActive         bool   `json:"is_active"`
}

// DeriveAndStore returns the active key for the clinic, creating the first
// generation lazily and rotating when forced or when the active key is
// inside the rotation window. Superseded generations beyond the retention
// depth are purged.
func (m *Manager) DeriveAndStore(ctx context.Context, clinicID string, forceRotation bool) (*models.EncryptionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	salt, err := m.deviceSalt(ctx, clinicID)
	if err != nil {
		return nil, err
	}

	chain, err := m.loadChain(ctx, clinicID)
	if err != nil {
		return nil, err
	}

	active := activeOf(chain)
	needNew := forceRotation || active == nil ||
		time.UnixMilli(active.ExpiresAt).Sub(m.now()) <= m.cfg.RotationWindow

	if needNew {
		keySalt := make([]byte, keySaltSize)
		if _, err := rand.Read(keySalt); err != nil {
			return nil, errs.New(errs.ClassEncryption, "keyring.DeriveAndStore", err)
		}

		nowMs := m.now().UnixMilli()
		next := storedKey{
			KeyID:            uuid.NewString(),
			DerivationMethod: derivationMethod,
			Salt:             keySalt,
			CreatedAt:        nowMs,
			ExpiresAt:        m.now().Add(m.cfg.KeyLifetime).UnixMilli(),
			IsActive:         true,
		}
		for i := range chain {
			chain[i].IsActive = false
		}
		// Newest first. Retention counts superseded generations only.
		chain = append([]storedKey{next}, chain...)
		if len(chain) > m.cfg.RetainedGenerations+1 {
			purged := len(chain) - (m.cfg.RetainedGenerations + 1)
			chain = chain[:m.cfg.RetainedGenerations+1]
			m.log.Info(ctx, "purged key generations beyond retention",
				"clinic_id", clinicID, "purged", purged)
		}
		if err := m.saveChain(ctx, clinicID, chain); err != nil {
			return nil, err
		}
		m.log.Info(ctx, "derived new encryption key",
			"clinic_id", clinicID, "key_id", next.KeyID, "rotation", active != nil)
		active = &chain[0]
	}

	return m.materialize(clinicID, salt, active), nil
}

// ActiveKey returns the single active key for the clinic without creating
// or rotating anything.
func (m *Manager) ActiveKey(ctx context.Context, clinicID string) (*models.EncryptionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, err := m.loadChain(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	active := activeOf(chain)
	if active == nil {
		return nil, errs.New(errs.ClassEncryption, "keyring.ActiveKey", errs.ErrKeyMissing)
	}
	salt, err := m.deviceSalt(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	return m.materialize(clinicID, salt, active), nil
}

// Rotate forces a new generation regardless of the active key's age.
func (m *Manager) Rotate(ctx context.Context, clinicID string) (*models.EncryptionKey, error) {
	return m.DeriveAndStore(ctx, clinicID, true)
}

// Keys returns every retained generation with material, newest first. Used
// by restore to decrypt backups sealed under superseded keys.
func (m *Manager) Keys(ctx context.Context, clinicID string) ([]*models.EncryptionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, err := m.loadChain(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, errs.New(errs.ClassEncryption, "keyring.Keys", errs.ErrKeyMissing)
	}
	salt, err := m.deviceSalt(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.EncryptionKey, 0, len(chain))
	for i := range chain {
		out = append(out, m.materialize(clinicID, salt, &chain[i]))
	}
	return out, nil
}

// Validate reports whether keyID names a retained, structurally sound
// generation for the clinic.
func (m *Manager) Validate(ctx context.Context, clinicID, keyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, err := m.loadChain(ctx, clinicID)
	if err != nil {
		return false, err
	}
	for _, k := range chain {
		if k.KeyID == keyID {
			return len(k.Salt) == keySaltSize && k.DerivationMethod == derivationMethod, nil
		}
	}
	return false, nil
}

// DeleteAll removes the clinic's key chain and device salt. Backups sealed
// under these keys become unrecoverable.
func (m *Manager) DeleteAll(ctx context.Context, clinicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ks.Delete(ctx, keyChainKey+clinicID); err != nil {
		return errs.Storagef("keyring.DeleteAll", err)
	}
	if err := m.ks.Delete(ctx, deviceSaltKey+clinicID); err != nil {
		return errs.Storagef("keyring.DeleteAll", err)
	}
	m.log.Warn(ctx, "deleted all key material", "clinic_id", clinicID)
	return nil
}

// deviceSalt returns the clinic's device salt, generating and persisting it
// on first use.
func (m *Manager) deviceSalt(ctx context.Context, clinicID string) ([]byte, error) {
	salt, err := m.ks.Get(ctx, deviceSaltKey+clinicID)
	if err != nil {
		return nil, errs.Storagef("keyring.deviceSalt", err)
	}
	if salt != nil {
		return salt, nil
	}
	salt = make([]byte, deviceSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errs.New(errs.ClassEncryption, "keyring.deviceSalt", err)
	}
	if err := m.ks.Set(ctx, deviceSaltKey+clinicID, salt); err != nil {
		return nil, errs.Storagef("keyring.deviceSalt", err)
	}
	return salt, nil
}

func (m *Manager) loadChain(ctx context.Context, clinicID string) ([]storedKey, error) {
	raw, err := m.ks.Get(ctx, keyChainKey+clinicID)
	if err != nil {
		return nil, errs.Storagef("keyring.loadChain", err)
	}
	if raw == nil {
		return nil, nil
	}
	var chain []storedKey
	if err := json.Unmarshal(raw, &chain); err != nil {
		return nil, errs.Storagef("keyring.loadChain", fmt.Errorf("corrupt key chain: %w", err))
	}
	return chain, nil
}

func (m *Manager) saveChain(ctx context.Context, clinicID string, chain []storedKey) error {
	raw, err := json.Marshal(chain)
	if err != nil {
		return errs.Storagef("keyring.saveChain", err)
	}
	if err := m.ks.Set(ctx, keyChainKey+clinicID, raw); err != nil {
		return errs.Storagef("keyring.saveChain", err)
	}
	return nil
}

func (m *Manager) materialize(clinicID string, deviceSalt []byte, k *storedKey) *models.EncryptionKey {
	return &models.EncryptionKey{
		KeyID:            k.KeyID,
		DerivationMethod: k.DerivationMethod,
		Salt:             k.Salt,
		CreatedAt:        k.CreatedAt,
		ExpiresAt:        k.ExpiresAt,
		IsActive:         k.IsActive,
		Material:         cryptox.DeriveKey(clinicID, deviceSalt, k.Salt, m.cfg.Iterations),
	}
}

func activeOf(chain []storedKey) *storedKey {
	for i := range chain {
		if chain[i].IsActive {
			return &chain[i]
		}
	}
	return nil
}
