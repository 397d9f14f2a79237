package models

// EncryptionKey describes one key generation. Raw key material is owned
// exclusively by the keyring and never leaves it through this type; Material
// is populated only on values handed to the crypto layer and is not
// serialized.
type EncryptionKey struct {
	KeyID            string `json:"key_id"`
	DerivationMethod string `json:"derivation_method"`
	Salt             []byte `json:"salt"`
	CreatedAt        int64  `json:"created_at"`
	ExpiresAt        int64  `json:"expires_at"`
	IsActive         bool   `json:"is_active"`

	Material []byte `json:"-"`
}
