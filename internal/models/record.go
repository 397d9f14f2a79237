// Package models holds the data model shared by the engine packages: the
// change-tracked record envelope, typed per-table schemas, sync conflicts,
// backup snapshots, encryption key metadata and per-table sync metadata.
package models

import "encoding/json"

// SyncStatus tracks whether a record's local changes have round-tripped to
// the remote backup.
type SyncStatus string

const (
	// StatusPending means the record carries local changes not yet uploaded.
	StatusPending SyncStatus = "pending"
	// StatusSynced means the record matches the last uploaded state.
	StatusSynced SyncStatus = "synced"
	// StatusConflict means a sync conflict involving this record is awaiting
	// resolution.
	StatusConflict SyncStatus = "conflict"
)

// Record is one row of a sync-enabled business table plus its mutation
// tracking fields. Payload is the table-specific document; it is validated
// against the table's typed schema at the storage boundary.
//
// Invariant: any local mutation sets SyncStatus to StatusPending and
// refreshes LastModified in the same transaction as the payload write.
type Record struct {
	ID           string          `json:"id"`
	Table        string          `json:"table"`
	Payload      json.RawMessage `json:"payload"`
	LastModified int64           `json:"last_modified"` // unix milliseconds
	SyncStatus   SyncStatus      `json:"sync_status"`
	DeviceID     string          `json:"owning_device_id"`
	Deleted      bool            `json:"deleted"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.Payload = append(json.RawMessage(nil), r.Payload...)
	return &c
}

// PayloadMap decodes the payload into the generic map form used at the
// merge/envelope layer. Typed schemas are the rule everywhere else.
func (r *Record) PayloadMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(r.Payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}
