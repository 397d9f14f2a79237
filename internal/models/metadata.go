package models

// SyncMetadata is derived, per-table bookkeeping. It is a cache for status
// display and scheduling, never the source of truth for individual record
// status.
type SyncMetadata struct {
	Table               string `json:"table"`
	LastSyncTimestamp   int64  `json:"last_sync_timestamp"`
	LastBackupTimestamp int64  `json:"last_backup_timestamp"`
	PendingChangesCount int    `json:"pending_changes_count"`
	ConflictCount       int    `json:"conflict_count"`
}
