package backup

import (
	"fmt"
	"strings"
	"time"
)

// Blob names carry the owning clinic and the backup time, so candidates can
// be filtered and ordered without downloading anything:
// <clinicID>_backup_<UTC timestamp>.bak
const (
	blobTimeLayout = "20060102T150405Z"
	blobSuffix     = ".bak"
	blobMarker     = "_backup_"
)

// BlobName builds the upload name for a backup taken at ts.
func BlobName(clinicID string, ts time.Time) string {
	return clinicID + blobMarker + ts.UTC().Format(blobTimeLayout) + blobSuffix
}

// ParseBlobName extracts the clinic and timestamp from a blob name.
func ParseBlobName(name string) (clinicID string, ts time.Time, err error) {
	base, ok := strings.CutSuffix(name, blobSuffix)
	if !ok {
		return "", time.Time{}, fmt.Errorf("blob name %q: missing %s suffix", name, blobSuffix)
	}
	idx := strings.LastIndex(base, blobMarker)
	if idx <= 0 {
		return "", time.Time{}, fmt.Errorf("blob name %q: missing backup marker", name)
	}
	clinicID = base[:idx]
	ts, err = time.Parse(blobTimeLayout, base[idx+len(blobMarker):])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("blob name %q: bad timestamp: %w", name, err)
	}
	return clinicID, ts, nil
}
