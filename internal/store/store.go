// Package store implements the change-tracked local store: authoritative
// CRUD over the sync-enabled tables plus the per-record mutation metadata
// that everything else is built on. Every mutation writes the payload and
// the tracking fields in one transaction; the two are never decoupled.
package store

import (
	"context"

	"github.com/clinisync/clinisync/internal/models"
)

// ChangeOp classifies a change notification.
type ChangeOp string

const (
	OpInsert  ChangeOp = "insert"
	OpUpdate  ChangeOp = "update"
	OpDelete  ChangeOp = "delete"
	OpRemote  ChangeOp = "remote"
	OpResolve ChangeOp = "resolve"
	OpImport  ChangeOp = "import"
)

// Change is emitted after a committed mutation.
type Change struct {
	Table    string
	RecordID string
	Op       ChangeOp
}

// Store is the engine's view of the local database. SQLiteStore is the
// production implementation; tests run it over an in-memory sqlite database.
type Store interface {
	// Insert adds a new record. The payload is validated against the table's
	// typed schema; sync_status is set to pending and last_modified refreshed
	// in the same transaction.
	Insert(ctx context.Context, rec *models.Record) error

	// Update overwrites an existing record's payload, marking it pending.
	Update(ctx context.Context, rec *models.Record) error

	// Delete soft-deletes a record, marking it pending so the deletion
	// propagates on the next sync.
	Delete(ctx context.Context, table, id string) error

	// Get returns a record (including soft-deleted ones), or errs.ErrNotFound.
	Get(ctx context.Context, table, id string) (*models.Record, error)

	// GetChangedRecords returns pending records of the table modified at or
	// after since, ordered by last_modified ascending.
	GetChangedRecords(ctx context.Context, table string, since int64) ([]models.Record, error)

	// MarkRecordsSynced flips the given records to synced in one batch
	// transaction and refreshes the table's sync metadata. Each flip is
	// guarded by the record's captured last_modified: a local edit landing
	// after the upload set was captured leaves the record pending, so the
	// new revision still uploads on the next cycle.
	MarkRecordsSynced(ctx context.Context, table string, recs []models.Record) error

	// ApplyRemoteChanges upserts accepted remote records as synced, keeping
	// their remote timestamps, under one write-exclusive transaction.
	ApplyRemoteChanges(ctx context.Context, table string, recs []models.Record) error

	// SaveConflict stores a detected conflict and flips the local record to
	// conflict status without touching its payload.
	SaveConflict(ctx context.Context, c *models.SyncConflict) error

	// PendingConflicts lists unresolved conflicts, optionally filtered by
	// table ("" for all).
	PendingConflicts(ctx context.Context, table string) ([]models.SyncConflict, error)

	// GetConflict returns a conflict by id, or errs.ErrNotFound.
	GetConflict(ctx context.Context, id string) (*models.SyncConflict, error)

	// AdjudicatedRemoteTimes returns, per record of the table, the newest
	// remote timestamp that ever produced a conflict, open or resolved.
	AdjudicatedRemoteTimes(ctx context.Context, table string) (map[string]int64, error)

	// ApplyResolution writes the resolved payload back into the record,
	// re-marks it pending so the outcome propagates, and marks the conflict
	// resolved, all in one write-exclusive transaction.
	ApplyResolution(ctx context.Context, conflictID string, payload []byte, strategy models.ResolutionStrategy) error

	// ExportSnapshot produces a consistent point-in-time view of all
	// sync-enabled tables plus their sync metadata.
	ExportSnapshot(ctx context.Context) (map[string][]models.Record, map[string]models.SyncMetadata, error)

	// ImportSnapshot replaces the content of every sync-enabled table with
	// the snapshot's, all-or-nothing.
	ImportSnapshot(ctx context.Context, snap *models.BackupSnapshot) error

	// ImportTable replaces a single table from the snapshot in its own
	// transaction; used by partial restore.
	ImportTable(ctx context.Context, snap *models.BackupSnapshot, table string) error

	// Metadata returns the table's sync metadata.
	Metadata(ctx context.Context, table string) (*models.SyncMetadata, error)

	// AllMetadata returns sync metadata for every sync-enabled table.
	AllMetadata(ctx context.Context) (map[string]models.SyncMetadata, error)

	// SetLastSync records a completed sync for the table.
	SetLastSync(ctx context.Context, table string, ts int64) error

	// SetLastBackup records a completed backup for the table.
	SetLastBackup(ctx context.Context, table string, ts int64) error

	// Changes returns the change notification stream. Events are dropped,
	// not blocked on, when the subscriber lags.
	Changes() <-chan Change
}
