// Package syncsvc is the engine's coordinator: it runs the pull, reconcile,
// package, encrypt, upload pipeline and owns the single-worker scheduling
// rule. Exactly one sync, backup or restore is in flight per process;
// triggers arriving while one runs are coalesced into a single follow-up
// run, never parallelized.
package syncsvc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clinisync/clinisync/internal/backup"
	"github.com/clinisync/clinisync/internal/conflict"
	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/keyring"
	"github.com/clinisync/clinisync/internal/logging"
	"github.com/clinisync/clinisync/internal/models"
	"github.com/clinisync/clinisync/internal/restore"
	"github.com/clinisync/clinisync/internal/retryx"
	"github.com/clinisync/clinisync/internal/store"
	"github.com/clinisync/clinisync/internal/transport"
)

// State is the orchestrator's externally visible mode.
type State string

const (
	StateIdle      State = "idle"
	StateSyncing   State = "syncing"
	StateBackingUp State = "backing_up"
	StateRestoring State = "restoring"
	StateError     State = "error"
)

// Config holds the per-device sync settings.
type Config struct {
	ClinicID string
	DeviceID string
	// SyncInterval is the periodic background trigger; zero disables the
	// timer and leaves only explicit triggers.
	SyncInterval time.Duration
	// KeepBackups is how many remote backups survive pruning after a
	// successful upload. Zero disables pruning.
	KeepBackups int
}

// LoadDefaults fills in the stock settings for fields left zero.
func (c *Config) LoadDefaults() {
	if c.SyncInterval == 0 {
		c.SyncInterval = 15 * time.Minute
	}
	if c.KeepBackups == 0 {
		c.KeepBackups = 10
	}
}

// Result is the typed outcome of a sync or backup run. Raw errors never
// cross this boundary.
type Result struct {
	Status  errs.Status
	Message string

	Uploaded  int // records marked synced by this run
	Applied   int // remote records written locally
	Conflicts int // new conflicts raised
	// PendingRemain is set when work is left for a later run: unresolved
	// conflicts blocking an upload, or a connectivity loss that deferred
	// the remote half of the cycle.
	PendingRemain bool
	BackupName    string
}

// Orchestrator wires the engine together. All dependencies are injected by
// the constructor; it holds no global state.
type Orchestrator struct {
	cfg       Config
	store     store.Store
	keys      *keyring.Manager
	transport transport.Transport
	detector  *conflict.Detector
	packager  *backup.Packager
	retry     *retryx.Controller
	restorer  *restore.Flow
	log       logging.Logger
	now       func() time.Time

	mu         sync.Mutex
	state      State
	lastResult *Result

	runMu  sync.Mutex // serializes sync, backup and restore
	kick   chan struct{}
	done   chan struct{}
	stopWg sync.WaitGroup
	events chan State
}

func NewOrchestrator(cfg Config, st store.Store, keys *keyring.Manager,
	tr transport.Transport, retryCtrl *retryx.Controller, log logging.Logger) *Orchestrator {
	cfg.LoadDefaults()
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		keys:      keys,
		transport: tr,
		detector:  conflict.NewDetector(st, log),
		packager:  backup.NewPackager(),
		retry:     retryCtrl,
		restorer:  restore.NewFlow(st, keys, tr, retryCtrl, cfg.ClinicID, log),
		log:       log,
		now:       time.Now,
		state:     StateIdle,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		events:    make(chan State, 16),
	}
}

// Start launches the background worker: periodic syncs plus coalesced
// explicit triggers. Stop it with Close.
func (o *Orchestrator) Start(ctx context.Context) {
	o.stopWg.Add(1)
	go o.worker(ctx)
}

// Close stops the background worker and waits for an in-flight run to end.
func (o *Orchestrator) Close() {
	close(o.done)
	o.stopWg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.stopWg.Done()

	var tick <-chan time.Time
	if o.cfg.SyncInterval > 0 {
		t := time.NewTicker(o.cfg.SyncInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case <-o.kick:
		case <-tick:
		}
		o.PerformIncrementalSync(ctx)
	}
}

// TriggerSync requests a sync from the background worker. A trigger landing
// while a run is in flight is coalesced into one follow-up run.
func (o *Orchestrator) TriggerSync() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Events returns the state stream. Events are dropped, not blocked on, when
// the subscriber lags.
func (o *Orchestrator) Events() <-chan State { return o.events }

// State returns the current mode, for polling callers.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastResult returns the outcome of the most recent sync or backup run.
func (o *Orchestrator) LastResult() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

// RestoreEvents exposes the restore flow's progress stream.
func (o *Orchestrator) RestoreEvents() <-chan restore.Progress { return o.restorer.Events() }

// CancelRestore requests cancellation of an in-flight restore.
func (o *Orchestrator) CancelRestore() bool { return o.restorer.Cancel() }

// PerformIncrementalSync pulls the newest remote backup, reconciles it
// against local state, and uploads a fresh snapshot when anything pending
// exists or remote changes were applied. Local reads and writes are never
// blocked by this; a failed sync leaves the store exactly as it was.
func (o *Orchestrator) PerformIncrementalSync(ctx context.Context) *Result {
	return o.runSync(ctx, false)
}

// PerformFullSync is an incremental sync that always uploads a snapshot,
// even when nothing changed.
func (o *Orchestrator) PerformFullSync(ctx context.Context) *Result {
	return o.runSync(ctx, true)
}

func (o *Orchestrator) runSync(ctx context.Context, full bool) *Result {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.setState(StateSyncing)
	res := o.syncOnce(ctx, full)
	o.finish(res)
	return res
}

func (o *Orchestrator) syncOnce(ctx context.Context, full bool) *Result {
	res := &Result{}

	applied, conflicts, err := o.pullRemote(ctx)
	if err != nil {
		return o.failResult("pull failed", err)
	}
	res.Applied = applied
	res.Conflicts = conflicts

	pending, err := o.pendingRecords(ctx)
	if err != nil {
		return o.failResult("reading pending records failed", err)
	}

	if full || len(pending) > 0 || applied > 0 {
		name, err := o.uploadSnapshot(ctx)
		if err != nil {
			return o.failResult("upload failed", err)
		}
		res.BackupName = name

		if err := o.markSynced(ctx, pending); err != nil {
			return o.failResult("marking records synced failed", err)
		}
		res.Uploaded = countRecords(pending)

		if err := o.stampSync(ctx); err != nil {
			return o.failResult("updating sync metadata failed", err)
		}
		o.pruneBackups(ctx)
	}

	open, err := o.store.PendingConflicts(ctx, "")
	if err != nil {
		return o.failResult("reading conflicts failed", err)
	}
	if len(open) > 0 {
		res.Status = errs.StatusPartial
		res.PendingRemain = true
		res.Message = fmt.Sprintf("synced with %d unresolved conflicts", len(open))
	} else {
		res.Status = errs.StatusSuccess
		res.Message = fmt.Sprintf("synced: %d uploaded, %d applied", res.Uploaded, res.Applied)
	}
	return res
}

// pullRemote downloads the newest valid remote backup and reconciles every
// table. A damaged remote backup is logged and skipped rather than failing
// the run: the push half still replaces it with a fresh snapshot.
func (o *Orchestrator) pullRemote(ctx context.Context) (applied, conflicts int, err error) {
	candidates, err := o.restorer.ListBackups(ctx)
	if err != nil {
		return 0, 0, err
	}

	var newest *restore.Candidate
	for i := range candidates {
		if candidates[i].IsValid {
			newest = &candidates[i]
			break
		}
	}
	if newest == nil {
		return 0, 0, nil
	}

	var data []byte
	err = o.retry.Do(ctx, retryx.EndpointSync, func(ctx context.Context) error {
		var derr error
		data, derr = o.transport.Download(ctx, newest.Blob.ID, nil)
		return derr
	})
	if err != nil {
		return 0, 0, err
	}

	keys, err := o.keys.Keys(ctx, o.cfg.ClinicID)
	if err != nil {
		if errors.Is(err, errs.ErrKeyMissing) {
			// First sync on a fresh device with remote data present: nothing
			// to decrypt with until a key is derived by the push half.
			o.log.Warn(ctx, "remote backup present but no local keys, skipping pull")
			return 0, 0, nil
		}
		return 0, 0, err
	}

	snap, keyID, err := backup.DecodeBlob(data, keys)
	if err != nil {
		switch errs.ClassOf(err) {
		case errs.ClassEncryption, errs.ClassIntegrity:
			o.log.Warn(ctx, "remote backup unreadable, skipping pull",
				"backup", newest.Blob.Name, "error", err)
			return 0, 0, nil
		}
		return 0, 0, err
	}
	if !o.packager.ValidateIntegrity(snap) || snap.ClinicID != o.cfg.ClinicID {
		o.log.Warn(ctx, "remote backup failed validation, skipping pull",
			"backup", newest.Blob.Name)
		return 0, 0, nil
	}

	for _, table := range models.SyncTables() {
		out, err := o.detector.Reconcile(ctx, table, snap.Tables[table])
		if err != nil {
			return applied, conflicts, err
		}
		applied += out.Applied
		conflicts += out.Conflicts
	}

	o.log.Debug(ctx, "pulled remote backup", "backup", newest.Blob.Name,
		"key_id", keyID, "applied", applied, "conflicts", conflicts)
	return applied, conflicts, nil
}

// uploadSnapshot exports, packages, seals and uploads the current state.
func (o *Orchestrator) uploadSnapshot(ctx context.Context) (string, error) {
	tables, meta, err := o.store.ExportSnapshot(ctx)
	if err != nil {
		return "", err
	}

	snap, err := o.packager.Create(o.cfg.ClinicID, o.cfg.DeviceID, tables, meta)
	if err != nil {
		return "", err
	}

	// Rotation happens here: the active key is refreshed when inside its
	// rotation window, so every upload is sealed under a current key.
	key, err := o.keys.DeriveAndStore(ctx, o.cfg.ClinicID, false)
	if err != nil {
		return "", err
	}

	blob, err := backup.EncodeBlob(snap, key)
	if err != nil {
		return "", err
	}

	name := backup.BlobName(o.cfg.ClinicID, o.now())
	err = o.retry.Do(ctx, retryx.EndpointBackup, func(ctx context.Context) error {
		_, uerr := o.transport.Upload(ctx, name, blob)
		return uerr
	})
	if err != nil {
		return "", err
	}

	o.log.Info(ctx, "snapshot uploaded", "backup", name,
		"records", snap.RecordCount(), "key_id", key.KeyID)
	return name, nil
}

// CreateBackup uploads a snapshot of the current state without touching any
// record's sync status; pending records stay pending.
func (o *Orchestrator) CreateBackup(ctx context.Context) *Result {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.setState(StateBackingUp)
	res := o.backupOnce(ctx)
	o.finish(res)
	return res
}

func (o *Orchestrator) backupOnce(ctx context.Context) *Result {
	name, err := o.uploadSnapshot(ctx)
	if err != nil {
		return o.failResult("backup failed", err)
	}

	ts := o.now().UnixMilli()
	for _, table := range models.SyncTables() {
		if err := o.store.SetLastBackup(ctx, table, ts); err != nil {
			return o.failResult("updating backup metadata failed", err)
		}
	}
	o.pruneBackups(ctx)

	return &Result{
		Status:     errs.StatusSuccess,
		Message:    fmt.Sprintf("backup %s uploaded", name),
		BackupName: name,
	}
}

// RestoreFromBackup runs the restore flow under the single-worker rule.
// backupID empty means the newest valid backup.
func (o *Orchestrator) RestoreFromBackup(ctx context.Context, backupID string) *restore.Result {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.setState(StateRestoring)
	res := o.restorer.Run(ctx, backupID)
	switch {
	case res.Cancelled:
		// The user changed their mind; local state is untouched.
		o.setState(StateIdle)
	case res.Status == errs.StatusSuccess:
		o.setState(StateIdle)
	default:
		o.setState(StateError)
	}
	return res
}

// RestoreTables runs a partial-table restore under the single-worker rule.
func (o *Orchestrator) RestoreTables(ctx context.Context, tables []string, skipCorrupted bool) *restore.Result {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.setState(StateRestoring)
	res := o.restorer.HandlePartialRestore(ctx, tables, skipCorrupted)
	if res.Status == errs.StatusFailure && !res.Cancelled {
		o.setState(StateError)
	} else {
		o.setState(StateIdle)
	}
	return res
}

// pruneBackups deletes own backups beyond the retention count, newest kept.
// Best effort: a prune failure never fails the run that triggered it.
func (o *Orchestrator) pruneBackups(ctx context.Context) {
	if o.cfg.KeepBackups <= 0 {
		return
	}
	candidates, err := o.restorer.ListBackups(ctx)
	if err != nil {
		o.log.Warn(ctx, "listing backups for pruning failed", "error", err)
		return
	}

	kept := 0
	for _, c := range candidates {
		if !c.IsValid {
			continue
		}
		kept++
		if kept <= o.cfg.KeepBackups {
			continue
		}
		if err := o.transport.Delete(ctx, c.Blob.ID); err != nil {
			o.log.Warn(ctx, "pruning backup failed", "backup", c.Blob.Name, "error", err)
			continue
		}
		o.log.Info(ctx, "pruned old backup", "backup", c.Blob.Name)
	}
}

func (o *Orchestrator) pendingRecords(ctx context.Context) (map[string][]models.Record, error) {
	pending := make(map[string][]models.Record)
	for _, table := range models.SyncTables() {
		recs, err := o.store.GetChangedRecords(ctx, table, 0)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			pending[table] = recs
		}
	}
	return pending, nil
}

func (o *Orchestrator) markSynced(ctx context.Context, pending map[string][]models.Record) error {
	for table, recs := range pending {
		if err := o.store.MarkRecordsSynced(ctx, table, recs); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) stampSync(ctx context.Context) error {
	ts := o.now().UnixMilli()
	for _, table := range models.SyncTables() {
		if err := o.store.SetLastSync(ctx, table, ts); err != nil {
			return err
		}
		if err := o.store.SetLastBackup(ctx, table, ts); err != nil {
			return err
		}
	}
	return nil
}

func countRecords(pending map[string][]models.Record) int {
	n := 0
	for _, recs := range pending {
		n += len(recs)
	}
	return n
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	select {
	case o.events <- s:
	default:
	}
}

func (o *Orchestrator) finish(res *Result) {
	o.mu.Lock()
	o.lastResult = res
	o.mu.Unlock()
	if res.Status == errs.StatusFailure {
		o.setState(StateError)
	} else {
		o.setState(StateIdle)
	}
}

// failResult folds an error into a typed outcome. Connectivity loss and rate
// limiting are deferred work, not faults: the run reports partial with
// pending work remaining and the orchestrator returns to idle, so the next
// trigger simply picks up where this one stopped. StatusFailure, and with it
// the error state, is reserved for faults a later retry cannot fix on its
// own: storage, encryption, integrity and validation.
func (o *Orchestrator) failResult(op string, err error) *Result {
	switch errs.ClassOf(err) {
	case errs.ClassNetwork, errs.ClassRateLimit:
		return &Result{
			Status:        errs.StatusPartial,
			PendingRemain: true,
			Message:       fmt.Sprintf("%s, deferred until connectivity returns: %v", op, err),
		}
	}
	return &Result{Status: errs.StatusFailure, Message: fmt.Sprintf("%s: %v", op, err)}
}
