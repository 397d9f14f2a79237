package syncsvc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/clinisync/clinisync/internal/conflict"
	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/keyring"
	"github.com/clinisync/clinisync/internal/logging"
	"github.com/clinisync/clinisync/internal/models"
	"github.com/clinisync/clinisync/internal/retryx"
	"github.com/clinisync/clinisync/internal/store"
	"github.com/clinisync/clinisync/internal/transport"
)

const testClinic = "clinic-1"

// env is a shared remote plus keyring that several devices can attach to.
type env struct {
	tr    *transport.MemoryTransport
	keys  *keyring.Manager
	clock time.Time
}

type device struct {
	store *store.SQLiteStore
	orch  *Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	var kcfg keyring.Config
	kcfg.LoadDefaults()
	e := &env{
		tr:    transport.NewMemoryTransport(),
		keys:  keyring.NewManager(keyring.NewMemoryKeystore(), kcfg, logging.NewNopLogger()),
		clock: time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC),
	}
	e.tr.SetClock(func() time.Time {
		e.clock = e.clock.Add(time.Minute)
		return e.clock
	})
	return e
}

func (e *env) newDevice(t *testing.T, deviceID string) *device {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.RunMigrations(context.Background(), db))
	st := store.New(db, logging.NewNopLogger())

	rcfg := retryx.LoadDefaults()
	rcfg.Schedule = []time.Duration{time.Millisecond, time.Millisecond}
	ctrl := retryx.NewController(rcfg, nil, logging.NewNopLogger())

	o := NewOrchestrator(Config{ClinicID: testClinic, DeviceID: deviceID},
		st, e.keys, e.tr, ctrl, logging.NewNopLogger())
	o.now = func() time.Time {
		e.clock = e.clock.Add(time.Minute)
		return e.clock
	}
	return &device{store: st, orch: o}
}

func insertPatient(t *testing.T, st *store.SQLiteStore, id, name string) {
	t.Helper()
	payload, _ := json.Marshal(models.Patient{FullName: name})
	require.NoError(t, st.Insert(context.Background(), &models.Record{
		ID: id, Table: models.TablePatients, Payload: payload, DeviceID: "dev-test",
	}))
}

func TestIncrementalSync_UploadsPendingAndMarksSynced(t *testing.T) {
	e := newEnv(t)
	d := e.newDevice(t, "dev-a")
	ctx := context.Background()

	insertPatient(t, d.store, "p1", "Ada")
	insertPatient(t, d.store, "p2", "Grace")

	res := d.orch.PerformIncrementalSync(ctx)
	require.Equal(t, errs.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, 2, res.Uploaded)
	assert.NotEmpty(t, res.BackupName)
	assert.Equal(t, StateIdle, d.orch.State())

	for _, id := range []string{"p1", "p2"} {
		rec, err := d.store.Get(ctx, models.TablePatients, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSynced, rec.SyncStatus)
	}

	m, err := d.store.Metadata(ctx, models.TablePatients)
	require.NoError(t, err)
	assert.Equal(t, 0, m.PendingChangesCount)
	assert.NotZero(t, m.LastSyncTimestamp)
	assert.NotZero(t, m.LastBackupTimestamp)

	blobs, err := e.tr.List(ctx, testClinic)
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
}

func TestIncrementalSync_NothingPendingSkipsUpload(t *testing.T) {
	e := newEnv(t)
	d := e.newDevice(t, "dev-a")
	ctx := context.Background()

	res := d.orch.PerformIncrementalSync(ctx)
	require.Equal(t, errs.StatusSuccess, res.Status, res.Message)
	assert.Empty(t, res.BackupName)

	blobs, err := e.tr.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestFullSync_AlwaysUploads(t *testing.T) {
	e := newEnv(t)
	d := e.newDevice(t, "dev-a")
	ctx := context.Background()

	res := d.orch.PerformFullSync(ctx)
	require.Equal(t, errs.StatusSuccess, res.Status, res.Message)
	assert.NotEmpty(t, res.BackupName)
}

func TestSync_PropagatesAcrossDevices(t *testing.T) {
	e := newEnv(t)
	a := e.newDevice(t, "dev-a")
	b := e.newDevice(t, "dev-b")
	ctx := context.Background()

	insertPatient(t, a.store, "p1", "Ada")
	res := a.orch.PerformIncrementalSync(ctx)
	require.Equal(t, errs.StatusSuccess, res.Status, res.Message)

	res = b.orch.PerformIncrementalSync(ctx)
	require.Equal(t, errs.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, 1, res.Applied)

	rec, err := b.store.Get(ctx, models.TablePatients, "p1")
	require.NoError(t, err)
	assert.Contains(t, string(rec.Payload), "Ada")
	assert.Equal(t, models.StatusSynced, rec.SyncStatus)
}

func TestSync_SecondRunIsIdempotent(t *testing.T) {
	e := newEnv(t)
	d := e.newDevice(t, "dev-a")
	ctx := context.Background()

	insertPatient(t, d.store, "p1", "Ada")
	res := d.orch.PerformIncrementalSync(ctx)
	require.Equal(t, errs.StatusSuccess, res.Status, res.Message)

	res = d.orch.PerformIncrementalSync(ctx)
	require.Equal(t, errs.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, 0, res.Uploaded)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 0, res.Conflicts)
}

func TestSync_PendingEditConflictsThenConverges(t *testing.T) {
	e := newEnv(t)
	a := e.newDevice(t, "dev-a")
	b := e.newDevice(t, "dev-b")
	ctx := context.Background()

	insertPatient(t, a.store, "p1", "Original")
	require.Equal(t, errs.StatusSuccess, a.orch.PerformIncrementalSync(ctx).Status)
	require.Equal(t, errs.StatusSuccess, b.orch.PerformIncrementalSync(ctx).Status)

	// An edit makes the record pending; the pull half of the next sync sees
	// the remote copy with a differing timestamp and raises a conflict.
	payloadB, _ := json.Marshal(models.Patient{FullName: "Edited On B"})
	require.NoError(t, b.store.Update(ctx, &models.Record{
		ID: "p1", Table: models.TablePatients, Payload: payloadB, DeviceID: "dev-b",
	}))

	res := b.orch.PerformIncrementalSync(ctx)
	assert.Equal(t, errs.StatusPartial, res.Status)
	assert.True(t, res.PendingRemain)
	assert.Equal(t, 1, res.Conflicts)
	assert.Empty(t, res.BackupName, "conflicted records never upload")

	// B's local edit is untouched until the conflict is resolved.
	rec, err := b.store.Get(ctx, models.TablePatients, "p1")
	require.NoError(t, err)
	assert.Contains(t, string(rec.Payload), "Edited On B")
	assert.Equal(t, models.StatusConflict, rec.SyncStatus)

	// Resolving re-marks the record pending; the next sync uploads it
	// without re-raising a conflict for the already-adjudicated divergence.
	conflicts, err := b.store.PendingConflicts(ctx, "")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	r := conflict.NewResolver(b.store, logging.NewNopLogger())
	require.NoError(t, r.Resolve(ctx, conflicts[0].ID, models.ResolveUseLocal, nil))

	res = b.orch.PerformIncrementalSync(ctx)
	require.Equal(t, errs.StatusSuccess, res.Status, res.Message)
	assert.False(t, res.PendingRemain)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 0, res.Conflicts)

	// Converged: one more sync is a pure no-op.
	res = b.orch.PerformIncrementalSync(ctx)
	require.Equal(t, errs.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, 0, res.Uploaded)
	assert.Equal(t, 0, res.Conflicts)
}

func TestCreateBackup_LeavesPendingStatusUntouched(t *testing.T) {
	e := newEnv(t)
	d := e.newDevice(t, "dev-a")
	ctx := context.Background()

	insertPatient(t, d.store, "p1", "Ada")

	res := d.orch.CreateBackup(ctx)
	require.Equal(t, errs.StatusSuccess, res.Status, res.Message)
	assert.NotEmpty(t, res.BackupName)

	rec, err := d.store.Get(ctx, models.TablePatients, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.SyncStatus)

	m, err := d.store.Metadata(ctx, models.TablePatients)
	require.NoError(t, err)
	assert.NotZero(t, m.LastBackupTimestamp)
	assert.Zero(t, m.LastSyncTimestamp)
}

func TestSync_PrunesOldBackups(t *testing.T) {
	e := newEnv(t)
	d := e.newDevice(t, "dev-a")
	d.orch.cfg.KeepBackups = 2
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.Equal(t, errs.StatusSuccess, d.orch.PerformFullSync(ctx).Status)
	}

	blobs, err := e.tr.List(ctx, testClinic)
	require.NoError(t, err)
	assert.Len(t, blobs, 2)
}

func TestSync_OfflineDefersWorkAndReturnsToIdle(t *testing.T) {
	e := newEnv(t)
	d := e.newDevice(t, "dev-a")
	ctx := context.Background()

	insertPatient(t, d.store, "p1", "Ada")
	e.tr.ListErr = errs.Networkf("transport.List", errs.ErrNoConnectivity, errors.New("offline"))

	// Going offline mid-cycle is expected operation, not a fault: the run
	// reports partial with pending work remaining and the orchestrator goes
	// back to idle, ready for the next trigger.
	res := d.orch.PerformIncrementalSync(ctx)
	assert.Equal(t, errs.StatusPartial, res.Status)
	assert.True(t, res.PendingRemain)
	assert.Equal(t, StateIdle, d.orch.State())
	assert.Equal(t, res, d.orch.LastResult())

	// Offline-first: local reads and writes are unaffected.
	rec, err := d.store.Get(ctx, models.TablePatients, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.SyncStatus)
	insertPatient(t, d.store, "p2", "Grace")

	// Connectivity returns; the next sync picks everything up.
	e.tr.ListErr = nil
	res = d.orch.PerformIncrementalSync(ctx)
	require.Equal(t, errs.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, 2, res.Uploaded)
}

func TestSync_NonRecoverableFaultEntersErrorState(t *testing.T) {
	e := newEnv(t)
	d := e.newDevice(t, "dev-a")
	ctx := context.Background()

	insertPatient(t, d.store, "p1", "Ada")
	e.tr.UploadErr = errs.New(errs.ClassAuth, "transport.Upload", errs.ErrUnauthorized)

	// No re-auth hook is configured, so the auth failure cannot heal on its
	// own. Unlike connectivity loss, that is a real fault.
	res := d.orch.PerformIncrementalSync(ctx)
	assert.Equal(t, errs.StatusFailure, res.Status)
	assert.Equal(t, StateError, d.orch.State())
}

func TestRestoreFromBackup_RoundTrip(t *testing.T) {
	e := newEnv(t)
	d := e.newDevice(t, "dev-a")
	ctx := context.Background()

	insertPatient(t, d.store, "p1", "Ada")
	require.Equal(t, errs.StatusSuccess, d.orch.PerformIncrementalSync(ctx).Status)

	// Local data diverges, then is thrown away by the restore.
	require.NoError(t, d.store.Delete(ctx, models.TablePatients, "p1"))

	res := d.orch.RestoreFromBackup(ctx, "")
	require.Equal(t, errs.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, StateIdle, d.orch.State())

	rec, err := d.store.Get(ctx, models.TablePatients, "p1")
	require.NoError(t, err)
	assert.False(t, rec.Deleted)
	assert.Contains(t, string(rec.Payload), "Ada")
}

// cancellingTransport requests restore cancellation from inside the download
// stage, modelling a user cancel racing the transfer.
type cancellingTransport struct {
	*transport.MemoryTransport
	cancel func() bool
}

func (c *cancellingTransport) Download(ctx context.Context, id string, p transport.ProgressFunc) ([]byte, error) {
	c.cancel()
	return c.MemoryTransport.Download(ctx, id, p)
}

func TestRestoreFromBackup_CancelledReturnsToIdle(t *testing.T) {
	e := newEnv(t)
	d := e.newDevice(t, "dev-a")
	ctx := context.Background()

	insertPatient(t, d.store, "p1", "Ada")
	require.Equal(t, errs.StatusSuccess, d.orch.PerformIncrementalSync(ctx).Status)

	ct := &cancellingTransport{MemoryTransport: e.tr}
	rcfg := retryx.LoadDefaults()
	rcfg.Schedule = []time.Duration{time.Millisecond}
	o := NewOrchestrator(Config{ClinicID: testClinic, DeviceID: "dev-a"},
		d.store, e.keys, ct, retryx.NewController(rcfg, nil, logging.NewNopLogger()),
		logging.NewNopLogger())
	ct.cancel = o.CancelRestore

	res := o.RestoreFromBackup(ctx, "")
	assert.True(t, res.Cancelled)
	assert.NotEqual(t, errs.StatusSuccess, res.Status)
	assert.Equal(t, StateIdle, o.State(), "a user cancel is not an error")

	// Nothing was imported; the local record is exactly as before.
	rec, err := d.store.Get(ctx, models.TablePatients, "p1")
	require.NoError(t, err)
	assert.Contains(t, string(rec.Payload), "Ada")
}

func TestTriggerSync_Coalesces(t *testing.T) {
	e := newEnv(t)
	d := e.newDevice(t, "dev-a")

	d.orch.TriggerSync()
	d.orch.TriggerSync()
	d.orch.TriggerSync()
	assert.Len(t, d.orch.kick, 1, "triggers while busy collapse into one follow-up run")
}

func TestWorker_RunsTriggeredSync(t *testing.T) {
	e := newEnv(t)
	d := e.newDevice(t, "dev-a")
	ctx := context.Background()

	insertPatient(t, d.store, "p1", "Ada")

	d.orch.Start(ctx)
	d.orch.TriggerSync()

	require.Eventually(t, func() bool {
		res := d.orch.LastResult()
		return res != nil && res.Status == errs.StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	d.orch.Close()

	rec, err := d.store.Get(ctx, models.TablePatients, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, rec.SyncStatus)
}

func TestEvents_ReportStateTransitions(t *testing.T) {
	e := newEnv(t)
	d := e.newDevice(t, "dev-a")
	ctx := context.Background()

	insertPatient(t, d.store, "p1", "Ada")
	require.Equal(t, errs.StatusSuccess, d.orch.PerformIncrementalSync(ctx).Status)

	var states []State
	for {
		select {
		case s := <-d.orch.Events():
			states = append(states, s)
			continue
		default:
		}
		break
	}
	assert.Equal(t, []State{StateSyncing, StateIdle}, states)
}
