// Package backup builds and validates versioned snapshot envelopes. The
// packager is stateless and knows nothing about encryption or transport;
// it only owns the envelope shape and its application-level checksum.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/models"
)

// Packager stamps and checksums backup snapshots.
type Packager struct {
	now func() time.Time
}

func NewPackager() *Packager {
	return &Packager{now: time.Now}
}

// Create builds a snapshot from a consistent table export, stamping clinic,
// device, timestamp and version, and computing the checksum over the
// canonical serialization of the tables.
func (p *Packager) Create(clinicID, deviceID string, tables map[string][]models.Record, meta map[string]models.SyncMetadata) (*models.BackupSnapshot, error) {
	snap := &models.BackupSnapshot{
		ClinicID:  clinicID,
		DeviceID:  deviceID,
		Timestamp: p.now().UnixMilli(),
		Version:   models.SnapshotVersion,
		Tables:    tables,
		Metadata:  meta,
	}
	sum, err := tablesChecksum(tables)
	if err != nil {
		return nil, errs.New(errs.ClassValidation, "backup.Create", err)
	}
	snap.Checksum = sum
	return snap, nil
}

// ValidateIntegrity recomputes the snapshot checksum and compares it.
// Snapshots that fail must never be imported.
func (p *Packager) ValidateIntegrity(snap *models.BackupSnapshot) bool {
	if snap == nil || snap.Checksum == "" {
		return false
	}
	sum, err := tablesChecksum(snap.Tables)
	if err != nil {
		return false
	}
	return sum == snap.Checksum
}

// tablesChecksum hashes the canonical serialization of the tables: table
// names sorted, records sorted by id, JSON without indentation. Independent
// of the cipher-level tag, so corruption that slips past (or around) the
// transport still surfaces.
func tablesChecksum(tables map[string][]models.Record) (string, error) {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		recs := append([]models.Record(nil), tables[name]...)
		sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

		raw, err := json.Marshal(recs)
		if err != nil {
			return "", fmt.Errorf("canonicalize table %s: %w", name, err)
		}
		fmt.Fprintf(h, "%s\n", name)
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
