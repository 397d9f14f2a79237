// Package restore drives the staged recovery of a device from an encrypted
// remote backup: select, validate, download, decrypt, import. Every stage
// transition is observable and cancellable, except that an import which has
// begun committing always runs to completion or fails cleanly.
package restore

import (
	"context"
	"fmt"
	"sync"

	"github.com/clinisync/clinisync/internal/backup"
	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/keyring"
	"github.com/clinisync/clinisync/internal/logging"
	"github.com/clinisync/clinisync/internal/models"
	"github.com/clinisync/clinisync/internal/retryx"
	"github.com/clinisync/clinisync/internal/store"
	"github.com/clinisync/clinisync/internal/transport"
)

// State is the restore flow's current stage.
type State string

const (
	StateNotStarted       State = "not_started"
	StateSelectingBackup  State = "selecting_backup"
	StateValidatingBackup State = "validating_backup"
	StateDownloading      State = "downloading"
	StateDecrypting       State = "decrypting"
	StateImporting        State = "importing"
	StateCompleted        State = "completed"
	StateError            State = "error"
	StateCancelled        State = "cancelled"
)

// Candidate is one remote blob annotated with whether it can be restored
// from, and why not when it cannot.
type Candidate struct {
	Blob          transport.BlobInfo
	IsValid       bool
	InvalidReason string
}

// Progress is one event on the restore event stream.
type Progress struct {
	State      State
	BackupName string
	Received   int64
	Total      int64
	Message    string
}

// Result is the typed outcome of a restore. Raw errors never cross this
// boundary; failures carry a human-readable message instead.
type Result struct {
	Status     errs.Status
	Message    string
	BackupUsed string
	// FellBack is set when the newest candidate was damaged and an older
	// backup was restored instead.
	FellBack bool
	// Cancelled marks a user-cancelled run. The local state is untouched and
	// nothing is wrong; callers treat it as a non-outcome, not a fault.
	Cancelled bool

	// Partial-table mode only.
	PartialRestore bool
	Requested      int
	Restored       int
	FailedTables   []string
}

// Flow executes restores. One Flow runs at most one restore at a time; the
// orchestrator's single-worker rule enforces that.
type Flow struct {
	store     store.Store
	keys      *keyring.Manager
	transport transport.Transport
	packager  *backup.Packager
	retry     *retryx.Controller
	log       logging.Logger
	clinicID  string

	mu        sync.Mutex
	state     State
	cancelled bool
	importing bool

	events chan Progress
}

func NewFlow(st store.Store, keys *keyring.Manager, tr transport.Transport,
	retry *retryx.Controller, clinicID string, log logging.Logger) *Flow {
	return &Flow{
		store:     st,
		keys:      keys,
		transport: tr,
		packager:  backup.NewPackager(),
		retry:     retry,
		log:       log,
		clinicID:  clinicID,
		state:     StateNotStarted,
		events:    make(chan Progress, 16),
	}
}

// Events returns the progress stream. Events are dropped, not blocked on,
// when the subscriber lags.
func (f *Flow) Events() <-chan Progress { return f.events }

// State returns the current stage, for polling callers.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Cancel requests cancellation at the next phase boundary. It is refused
// once the import transaction has begun committing.
func (f *Flow) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.importing {
		return false
	}
	f.cancelled = true
	return true
}

// ListBackups lists every remote blob and annotates each with validity:
// ownership mismatch, malformed name and zero size are invalid. The list is
// newest first, so the first valid entry is the default selection.
func (f *Flow) ListBackups(ctx context.Context) ([]Candidate, error) {
	var blobs []transport.BlobInfo
	err := f.retry.Do(ctx, retryx.EndpointRestore, func(ctx context.Context) error {
		var lerr error
		blobs, lerr = f.transport.List(ctx, "")
		return lerr
	})
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(blobs))
	for _, b := range blobs {
		out = append(out, f.annotate(b))
	}
	return out, nil
}

func (f *Flow) annotate(b transport.BlobInfo) Candidate {
	clinic, _, err := backup.ParseBlobName(b.Name)
	switch {
	case err != nil:
		return Candidate{Blob: b, InvalidReason: "malformed name"}
	case clinic != f.clinicID:
		return Candidate{Blob: b, InvalidReason: "ownership mismatch"}
	case b.Size == 0:
		return Candidate{Blob: b, InvalidReason: "zero size"}
	}
	return Candidate{Blob: b, IsValid: true}
}

// Run restores from the named backup, or from the newest valid one when
// backupID is empty. A damaged candidate (tag or checksum failure) triggers
// automatic fallback to the next-older valid backup; the result reports
// which backup was actually used.
func (f *Flow) Run(ctx context.Context, backupID string) *Result {
	f.reset()

	f.setState(StateSelectingBackup, "", 0, 0, "")
	candidates, err := f.ListBackups(ctx)
	if err != nil {
		return f.fail("listing backups failed: %v", err)
	}

	queue := f.selectQueue(candidates, backupID)
	if len(queue) == 0 {
		return f.fail("no valid backup to restore from")
	}

	keys, err := f.keys.Keys(ctx, f.clinicID)
	if err != nil {
		return f.fail("no encryption keys available: %v", err)
	}

	fellBack := false
	for i, cand := range queue {
		if f.isCancelled() {
			return f.cancel()
		}

		snap, res := f.fetchAndDecrypt(ctx, cand, keys)
		if res != nil {
			if !res.retryable {
				return res.Result
			}
			if i+1 < len(queue) {
				f.log.Warn(ctx, "backup damaged, falling back to older backup",
					"backup", cand.Blob.Name, "reason", res.Message)
				fellBack = true
				continue
			}
			return f.fail("all candidate backups are damaged: %s", res.Message)
		}

		if f.isCancelled() {
			return f.cancel()
		}

		f.setState(StateImporting, cand.Blob.Name, 0, 0, "")
		f.setImporting(true)
		err = f.store.ImportSnapshot(ctx, snap)
		f.setImporting(false)
		if err != nil {
			return f.fail("import failed: %v", err)
		}

		f.setState(StateCompleted, cand.Blob.Name, 0, 0, "")
		f.log.Info(ctx, "restore completed", "backup", cand.Blob.Name,
			"records", snap.RecordCount(), "fell_back", fellBack)
		return &Result{
			Status:     errs.StatusSuccess,
			Message:    fmt.Sprintf("restored from %s", cand.Blob.Name),
			BackupUsed: cand.Blob.Name,
			FellBack:   fellBack,
		}
	}

	return f.fail("no candidate backup could be restored")
}

// HandlePartialRestore restores only the requested tables, each in its own
// transaction. With skipCorrupted, a failing table is recorded and the rest
// proceed; without it, the first failure aborts the remaining tables.
func (f *Flow) HandlePartialRestore(ctx context.Context, tables []string, skipCorrupted bool) *Result {
	f.reset()

	f.setState(StateSelectingBackup, "", 0, 0, "")
	candidates, err := f.ListBackups(ctx)
	if err != nil {
		return f.fail("listing backups failed: %v", err)
	}
	queue := f.selectQueue(candidates, "")
	if len(queue) == 0 {
		return f.fail("no valid backup to restore from")
	}

	keys, err := f.keys.Keys(ctx, f.clinicID)
	if err != nil {
		return f.fail("no encryption keys available: %v", err)
	}

	cand := queue[0]
	snap, res := f.fetchAndDecrypt(ctx, cand, keys)
	if res != nil {
		if res.retryable {
			return f.fail("backup %s is damaged: %s", cand.Blob.Name, res.Message)
		}
		return res.Result
	}

	f.setState(StateImporting, cand.Blob.Name, 0, 0, "")
	result := &Result{
		PartialRestore: true,
		Requested:      len(tables),
		BackupUsed:     cand.Blob.Name,
	}

	aborted := false
	for i, table := range tables {
		if aborted {
			result.FailedTables = append(result.FailedTables, tables[i])
			continue
		}
		if err := f.importOneTable(ctx, snap, table); err != nil {
			f.log.Error(ctx, "table restore failed", "table", table, "error", err)
			result.FailedTables = append(result.FailedTables, table)
			if !skipCorrupted {
				aborted = true
			}
			continue
		}
		result.Restored++
	}

	switch {
	case aborted:
		result.Status = errs.StatusFailure
		result.Message = fmt.Sprintf("aborted after table %q failed", result.FailedTables[0])
	case len(result.FailedTables) > 0:
		result.Status = errs.StatusPartial
		result.Message = fmt.Sprintf("restored %d of %d tables", result.Restored, result.Requested)
	default:
		result.Status = errs.StatusSuccess
		result.Message = fmt.Sprintf("restored %d tables from %s", result.Restored, cand.Blob.Name)
	}
	if result.Status == errs.StatusFailure {
		f.setState(StateError, cand.Blob.Name, 0, 0, result.Message)
	} else {
		f.setState(StateCompleted, cand.Blob.Name, 0, 0, result.Message)
	}
	return result
}

func (f *Flow) importOneTable(ctx context.Context, snap *models.BackupSnapshot, table string) error {
	if _, ok := snap.Tables[table]; !ok {
		return fmt.Errorf("table %q not present in backup", table)
	}
	f.setImporting(true)
	defer f.setImporting(false)
	return f.store.ImportTable(ctx, snap, table)
}

// stageResult lets fetchAndDecrypt distinguish damage (eligible for
// fallback) from terminal failures like cancellation.
type stageResult struct {
	*Result
	retryable bool
}

// fetchAndDecrypt runs the validate, download and decrypt stages for one
// candidate. It returns the snapshot on success, or a stageResult where
// retryable marks integrity damage that fallback may recover from.
func (f *Flow) fetchAndDecrypt(ctx context.Context, cand Candidate, keys []*models.EncryptionKey) (*models.BackupSnapshot, *stageResult) {
	name := cand.Blob.Name

	f.setState(StateValidatingBackup, name, 0, 0, "")
	if !cand.IsValid {
		return nil, &stageResult{Result: f.fail("backup %s is not restorable: %s", name, cand.InvalidReason)}
	}

	if f.isCancelled() {
		return nil, &stageResult{Result: f.cancel()}
	}

	f.setState(StateDownloading, name, 0, cand.Blob.Size, "")
	var data []byte
	err := f.retry.Do(ctx, retryx.EndpointRestore, func(ctx context.Context) error {
		var derr error
		data, derr = f.transport.Download(ctx, cand.Blob.ID, func(received, total int64) {
			f.emit(Progress{State: StateDownloading, BackupName: name, Received: received, Total: total})
		})
		return derr
	})
	if err != nil {
		return nil, &stageResult{Result: f.fail("download of %s failed: %v", name, err)}
	}

	if f.isCancelled() {
		return nil, &stageResult{Result: f.cancel()}
	}

	f.setState(StateDecrypting, name, 0, 0, "")
	snap, keyID, err := backup.DecodeBlob(data, keys)
	if err != nil {
		switch errs.ClassOf(err) {
		case errs.ClassEncryption, errs.ClassIntegrity:
			return nil, &stageResult{
				Result:    &Result{Status: errs.StatusFailure, Message: err.Error(), BackupUsed: name},
				retryable: true,
			}
		}
		return nil, &stageResult{Result: f.fail("decrypt of %s failed: %v", name, err)}
	}

	if !f.packager.ValidateIntegrity(snap) {
		return nil, &stageResult{
			Result: &Result{
				Status:     errs.StatusFailure,
				Message:    fmt.Sprintf("snapshot checksum mismatch in %s", name),
				BackupUsed: name,
			},
			retryable: true,
		}
	}
	if snap.ClinicID != f.clinicID {
		return nil, &stageResult{Result: f.fail("backup %s belongs to clinic %s", name, snap.ClinicID)}
	}

	f.log.Debug(ctx, "backup decrypted", "backup", name, "key_id", keyID,
		"records", snap.RecordCount())
	return snap, nil
}

// selectQueue orders the candidates to try: the explicitly named backup
// alone, or every valid candidate newest first so integrity failures can
// fall back to older generations.
func (f *Flow) selectQueue(candidates []Candidate, backupID string) []Candidate {
	if backupID != "" {
		for _, c := range candidates {
			if c.Blob.ID == backupID || c.Blob.Name == backupID {
				return []Candidate{c}
			}
		}
		return nil
	}
	var queue []Candidate
	for _, c := range candidates {
		if c.IsValid {
			queue = append(queue, c)
		}
	}
	return queue
}

func (f *Flow) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateNotStarted
	f.cancelled = false
	f.importing = false
}

func (f *Flow) setState(s State, name string, received, total int64, msg string) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.emit(Progress{State: s, BackupName: name, Received: received, Total: total, Message: msg})
}

func (f *Flow) setImporting(v bool) {
	f.mu.Lock()
	f.importing = v
	f.mu.Unlock()
}

func (f *Flow) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *Flow) emit(p Progress) {
	select {
	case f.events <- p:
	default:
	}
}

func (f *Flow) cancel() *Result {
	f.setState(StateCancelled, "", 0, 0, "restore cancelled")
	return &Result{Status: errs.StatusFailure, Cancelled: true, Message: "restore cancelled"}
}

func (f *Flow) fail(format string, args ...any) *Result {
	msg := fmt.Sprintf(format, args...)
	f.setState(StateError, "", 0, 0, msg)
	return &Result{Status: errs.StatusFailure, Message: msg}
}
