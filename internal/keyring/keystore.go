// Package keyring owns encryption key material for the engine: derivation,
// rotation, retention of superseded generations, and the protected keystore
// they live in. No other package persists raw keys.
package keyring

import "context"

// Keystore is the protected key-value area backing the keyring. It must be
// kept in its own store, never sharing a database file with plaintext
// application data.
type Keystore interface {
	// Get returns the value for key, or nil if absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
