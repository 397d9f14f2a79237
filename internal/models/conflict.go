package models

import "encoding/json"

// ConflictType classifies the divergence that produced a conflict.
type ConflictType string

const (
	ConflictCreate ConflictType = "create"
	ConflictUpdate ConflictType = "update"
	ConflictDelete ConflictType = "delete"
)

// ResolutionStatus tracks a conflict through its lifecycle.
type ResolutionStatus string

const (
	ResolutionPending  ResolutionStatus = "pending"
	ResolutionResolved ResolutionStatus = "resolved"
)

// ResolutionStrategy selects how a stored conflict is resolved.
type ResolutionStrategy string

const (
	// ResolveUseLocal keeps the local payload.
	ResolveUseLocal ResolutionStrategy = "use_local"
	// ResolveUseRemote takes the remote payload.
	ResolveUseRemote ResolutionStrategy = "use_remote"
	// ResolveMerge merges field-by-field; for each field the non-null value
	// wins, and when both sides have one the most recently modified side wins.
	ResolveMerge ResolutionStrategy = "merge"
	// ResolveManual applies a caller-supplied payload.
	ResolveManual ResolutionStrategy = "manual"
)

// SyncConflict captures both sides of a diverged record. It is created only
// by the conflict detector and, apart from the resolution fields, immutable
// afterwards.
type SyncConflict struct {
	ID           string           `json:"id"`
	Table        string           `json:"table"`
	RecordID     string           `json:"record_id"`
	LocalData    json.RawMessage  `json:"local_data"`
	RemoteData   json.RawMessage  `json:"remote_data"`
	LocalTime    int64            `json:"local_time"`  // local last_modified, unix ms
	RemoteTime   int64            `json:"remote_time"` // remote last_modified, unix ms
	ConflictTime int64            `json:"conflict_time"`
	Type         ConflictType     `json:"type"`
	Status       ResolutionStatus `json:"resolution_status"`
	ResolvedWith string           `json:"resolved_with,omitempty"`
}
