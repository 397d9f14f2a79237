package models

// BackupSnapshot is a complete, versioned export of all sync-enabled tables
// at one point in time. Checksum covers the canonical serialization of
// Tables and is independent of any cipher-level integrity tag: a second,
// application-level integrity check.
type BackupSnapshot struct {
	ClinicID  string                  `json:"clinic_id"`
	DeviceID  string                  `json:"device_id"`
	Timestamp int64                   `json:"timestamp"` // unix milliseconds
	Version   int                     `json:"version"`
	Tables    map[string][]Record     `json:"tables"`
	Checksum  string                  `json:"checksum"`
	Metadata  map[string]SyncMetadata `json:"metadata,omitempty"`
}

// SnapshotVersion is the current snapshot envelope version.
const SnapshotVersion = 1

// RecordCount sums the records across all tables.
func (s *BackupSnapshot) RecordCount() int {
	n := 0
	for _, recs := range s.Tables {
		n += len(recs)
	}
	return n
}
