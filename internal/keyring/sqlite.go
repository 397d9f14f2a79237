package keyring

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clinisync/clinisync/internal/dbx"
)

// SQLiteKeystore implements Keystore over a DBTX bound to the dedicated
// keystore database file.
type SQLiteKeystore struct {
	db dbx.DBTX
}

// NewSQLiteKeystore returns a keystore bound to the given DBTX.
func NewSQLiteKeystore(db dbx.DBTX) *SQLiteKeystore {
	return &SQLiteKeystore{db: db}
}

// OpenKeystore opens (or creates) the keystore database at dsn and ensures
// its single-table schema. The file must be distinct from the store DB.
func OpenKeystore(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS keystore (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init keystore schema: %w", err)
	}
	return db, nil
}

func (r *SQLiteKeystore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM keystore WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get keystore[%s]: %w", key, err)
	}
	return value, nil
}

func (r *SQLiteKeystore) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO keystore (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set keystore[%s]: %w", key, err)
	}
	return nil
}

func (r *SQLiteKeystore) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM keystore WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete keystore[%s]: %w", key, err)
	}
	return nil
}
