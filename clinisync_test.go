package clinisync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/models"
	"github.com/clinisync/clinisync/internal/transport"
)

func newEngine(t *testing.T, tr transport.Transport) *Engine {
	t.Helper()
	dir := t.TempDir()

	e, err := New(context.Background(), Config{
		ClinicID:    "clinic-1",
		DeviceID:    "dev-1",
		DataDSN:     filepath.Join(dir, "data.db"),
		KeystoreDSN: filepath.Join(dir, "keys.db"),
	}, tr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNew_RejectsSharedDatabase(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "one.db")

	_, err := New(context.Background(), Config{
		ClinicID:    "clinic-1",
		DeviceID:    "dev-1",
		DataDSN:     shared,
		KeystoreDSN: shared,
	}, transport.NewMemoryTransport())
	assert.Error(t, err)
}

func TestEngine_SyncBackupRestore(t *testing.T) {
	tr := transport.NewMemoryTransport()
	e := newEngine(t, tr)
	ctx := context.Background()

	payload, _ := json.Marshal(models.Patient{FullName: "Ada Lovelace"})
	require.NoError(t, e.Store.Insert(ctx, &models.Record{
		ID: "p1", Table: models.TablePatients, Payload: payload, DeviceID: "dev-1",
	}))

	res := e.Orch.PerformIncrementalSync(ctx)
	require.Equal(t, errs.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, 1, res.Uploaded)

	// A second device attached to the same remote cannot decrypt without
	// the first device's keystore, so restore on the same engine instead.
	require.NoError(t, e.Store.Delete(ctx, models.TablePatients, "p1"))

	rres := e.Orch.RestoreFromBackup(ctx, "")
	require.Equal(t, errs.StatusSuccess, rres.Status, rres.Message)

	rec, err := e.Store.Get(ctx, models.TablePatients, "p1")
	require.NoError(t, err)
	assert.False(t, rec.Deleted)
	assert.Contains(t, string(rec.Payload), "Ada Lovelace")
}
