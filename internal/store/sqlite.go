package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/clinisync/clinisync/internal/dbx"
	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/logging"
	"github.com/clinisync/clinisync/internal/models"
	"github.com/clinisync/clinisync/internal/store/migrations"
)

// SQLiteStore is the production Store over a local sqlite database.
type SQLiteStore struct {
	db  *sql.DB
	log logging.Logger

	changes chan Change
	now     func() time.Time
}

// RunMigrations sets up goose with the embedded migrations and applies them.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

// Open opens (or creates) the store database at dsn, applies migrations and
// returns a ready SQLiteStore.
func Open(ctx context.Context, dsn string, log logging.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Storagef("store.Open", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, errs.Storagef("store.Open", err)
	}
	return New(db, log), nil
}

// New wraps an already-migrated database handle.
func New(db *sql.DB, log logging.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:      db,
		log:     log,
		changes: make(chan Change, 64),
		now:     time.Now,
	}
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Changes() <-chan Change { return s.changes }

// emit publishes a change notification without ever blocking a writer.
func (s *SQLiteStore) emit(c Change) {
	select {
	case s.changes <- c:
	default:
	}
}

func checkTable(table string) error {
	if !models.KnownTable(table) {
		return errs.New(errs.ClassValidation, "store", fmt.Errorf("unknown table %q", table))
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec *models.Record) error {
	if err := checkTable(rec.Table); err != nil {
		return err
	}
	if err := models.ValidatePayload(rec.Table, rec.Payload); err != nil {
		return errs.New(errs.ClassValidation, "store.Insert", err)
	}

	rec.LastModified = s.now().UnixMilli()
	rec.SyncStatus = models.StatusPending

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := fmt.Sprintf(`INSERT INTO %s (id, payload, last_modified, sync_status, device_id, deleted)
			VALUES (?, ?, ?, ?, ?, 0)`, rec.Table)
		if _, err := tx.ExecContext(ctx, query,
			rec.ID, string(rec.Payload), rec.LastModified, rec.SyncStatus, rec.DeviceID); err != nil {
			return err
		}
		return refreshPendingCount(ctx, tx, rec.Table)
	})
	if err != nil {
		return errs.Storagef("store.Insert", err)
	}

	s.emit(Change{Table: rec.Table, RecordID: rec.ID, Op: OpInsert})
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec *models.Record) error {
	if err := checkTable(rec.Table); err != nil {
		return err
	}
	if err := models.ValidatePayload(rec.Table, rec.Payload); err != nil {
		return errs.New(errs.ClassValidation, "store.Update", err)
	}

	rec.LastModified = s.now().UnixMilli()
	rec.SyncStatus = models.StatusPending

	var affected int64
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := fmt.Sprintf(`UPDATE %s SET payload = ?, last_modified = ?, sync_status = ?, device_id = ?
			WHERE id = ? AND deleted = 0`, rec.Table)
		res, err := tx.ExecContext(ctx, query,
			string(rec.Payload), rec.LastModified, rec.SyncStatus, rec.DeviceID, rec.ID)
		if err != nil {
			return err
		}
		if affected, err = res.RowsAffected(); err != nil {
			return err
		}
		return refreshPendingCount(ctx, tx, rec.Table)
	})
	if err != nil {
		return errs.Storagef("store.Update", err)
	}
	if affected == 0 {
		return errs.New(errs.ClassStorage, "store.Update", errs.ErrNotFound)
	}

	s.emit(Change{Table: rec.Table, RecordID: rec.ID, Op: OpUpdate})
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, table, id string) error {
	if err := checkTable(table); err != nil {
		return err
	}

	var affected int64
	nowMs := s.now().UnixMilli()
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := fmt.Sprintf(`UPDATE %s SET deleted = 1, last_modified = ?, sync_status = ?
			WHERE id = ? AND deleted = 0`, table)
		res, err := tx.ExecContext(ctx, query, nowMs, models.StatusPending, id)
		if err != nil {
			return err
		}
		if affected, err = res.RowsAffected(); err != nil {
			return err
		}
		return refreshPendingCount(ctx, tx, table)
	})
	if err != nil {
		return errs.Storagef("store.Delete", err)
	}
	if affected == 0 {
		return errs.New(errs.ClassStorage, "store.Delete", errs.ErrNotFound)
	}

	s.emit(Change{Table: table, RecordID: id, Op: OpDelete})
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, table, id string) (*models.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, payload, last_modified, sync_status, device_id, deleted
		FROM %s WHERE id = ?`, table)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id), table)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.ClassStorage, "store.Get", errs.ErrNotFound)
	}
	if err != nil {
		return nil, errs.Storagef("store.Get", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetChangedRecords(ctx context.Context, table string, since int64) ([]models.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, payload, last_modified, sync_status, device_id, deleted
		FROM %s WHERE sync_status = ? AND last_modified >= ?
		ORDER BY last_modified ASC`, table)
	rows, err := s.db.QueryContext(ctx, query, models.StatusPending, since)
	if err != nil {
		return nil, errs.Storagef("store.GetChangedRecords", err)
	}
	defer rows.Close()

	recs, err := collectRecords(rows, table)
	if err != nil {
		return nil, errs.Storagef("store.GetChangedRecords", err)
	}
	return recs, nil
}

func (s *SQLiteStore) MarkRecordsSynced(ctx context.Context, table string, recs []models.Record) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		// The last_modified guard makes the flip conditional on the row still
		// being the revision that was uploaded. An edit that landed after the
		// pending set was captured has a newer timestamp, stays pending, and
		// uploads on the next cycle instead of being silently dropped.
		query := fmt.Sprintf(`UPDATE %s SET sync_status = ?
			WHERE id = ? AND sync_status = ? AND last_modified = ?`, table)
		for i := range recs {
			if _, err := tx.ExecContext(ctx, query,
				models.StatusSynced, recs[i].ID, models.StatusPending, recs[i].LastModified); err != nil {
				return err
			}
		}
		return refreshPendingCount(ctx, tx, table)
	})
	if err != nil {
		return errs.Storagef("store.MarkRecordsSynced", err)
	}
	return nil
}

func (s *SQLiteStore) ApplyRemoteChanges(ctx context.Context, table string, recs []models.Record) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	for i := range recs {
		if !recs[i].Deleted {
			if err := models.ValidatePayload(table, recs[i].Payload); err != nil {
				return errs.New(errs.ClassValidation, "store.ApplyRemoteChanges", err)
			}
		}
	}

	err := dbx.WithImmediateTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		query := fmt.Sprintf(`INSERT INTO %s (id, payload, last_modified, sync_status, device_id, deleted)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET payload = excluded.payload,
				last_modified = excluded.last_modified,
				sync_status = excluded.sync_status,
				device_id = excluded.device_id,
				deleted = excluded.deleted`, table)
		for i := range recs {
			r := &recs[i]
			deleted := 0
			if r.Deleted {
				deleted = 1
			}
			if _, err := tx.ExecContext(ctx, query,
				r.ID, string(r.Payload), r.LastModified, models.StatusSynced, r.DeviceID, deleted); err != nil {
				return err
			}
		}
		return refreshPendingCount(ctx, tx, table)
	})
	if err != nil {
		return errs.Storagef("store.ApplyRemoteChanges", err)
	}

	for i := range recs {
		s.emit(Change{Table: table, RecordID: recs[i].ID, Op: OpRemote})
	}
	return nil
}

func (s *SQLiteStore) SaveConflict(ctx context.Context, c *models.SyncConflict) error {
	if err := checkTable(c.Table); err != nil {
		return err
	}

	err := dbx.WithImmediateTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sync_conflicts
			(id, table_name, record_id, local_data, remote_data, local_time, remote_time, conflict_time, type, resolution_status, resolved_with)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
			c.ID, c.Table, c.RecordID, string(c.LocalData), string(c.RemoteData),
			c.LocalTime, c.RemoteTime, c.ConflictTime, c.Type, models.ResolutionPending)
		if err != nil {
			return err
		}

		// The record's payload and last_modified stay untouched until the
		// conflict is resolved; only the status flips.
		query := fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE id = ?`, c.Table)
		if _, err := tx.ExecContext(ctx, query, models.StatusConflict, c.RecordID); err != nil {
			return err
		}
		if err := refreshPendingCount(ctx, tx, c.Table); err != nil {
			return err
		}
		return refreshConflictCount(ctx, tx, c.Table)
	})
	if err != nil {
		return errs.Storagef("store.SaveConflict", err)
	}
	return nil
}

func (s *SQLiteStore) PendingConflicts(ctx context.Context, table string) ([]models.SyncConflict, error) {
	query := `SELECT id, table_name, record_id, local_data, remote_data, local_time, remote_time, conflict_time, type, resolution_status, resolved_with
		FROM sync_conflicts WHERE resolution_status = ?`
	args := []any{models.ResolutionPending}
	if table != "" {
		if err := checkTable(table); err != nil {
			return nil, err
		}
		query += ` AND table_name = ?`
		args = append(args, table)
	}
	query += ` ORDER BY conflict_time ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storagef("store.PendingConflicts", err)
	}
	defer rows.Close()

	var out []models.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, errs.Storagef("store.PendingConflicts", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storagef("store.PendingConflicts", err)
	}
	return out, nil
}

// AdjudicatedRemoteTimes returns, per record, the newest remote timestamp
// that ever went through conflict handling for the table, whether the
// conflict is still open or already resolved. The detector uses it to avoid
// re-raising a conflict for a divergence that was already adjudicated.
func (s *SQLiteStore) AdjudicatedRemoteTimes(ctx context.Context, table string) (map[string]int64, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT record_id, MAX(remote_time)
		FROM sync_conflicts WHERE table_name = ? GROUP BY record_id`, table)
	if err != nil {
		return nil, errs.Storagef("store.AdjudicatedRemoteTimes", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, errs.Storagef("store.AdjudicatedRemoteTimes", err)
		}
		out[id] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storagef("store.AdjudicatedRemoteTimes", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*models.SyncConflict, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, table_name, record_id, local_data, remote_data, local_time, remote_time, conflict_time, type, resolution_status, resolved_with
		FROM sync_conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.ClassStorage, "store.GetConflict", errs.ErrNotFound)
	}
	if err != nil {
		return nil, errs.Storagef("store.GetConflict", err)
	}
	return c, nil
}

func (s *SQLiteStore) ApplyResolution(ctx context.Context, conflictID string, payload []byte, strategy models.ResolutionStrategy) error {
	c, err := s.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c.Status == models.ResolutionResolved {
		return errs.New(errs.ClassValidation, "store.ApplyResolution",
			fmt.Errorf("conflict %s already resolved", conflictID))
	}
	if err := models.ValidatePayload(c.Table, payload); err != nil {
		return errs.New(errs.ClassValidation, "store.ApplyResolution", err)
	}

	nowMs := s.now().UnixMilli()
	err = dbx.WithImmediateTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		// Resolved value re-enters the pending set so it propagates outward
		// on the next sync.
		query := fmt.Sprintf(`UPDATE %s SET payload = ?, last_modified = ?, sync_status = ?, deleted = 0
			WHERE id = ?`, c.Table)
		if _, err := tx.ExecContext(ctx, query, string(payload), nowMs, models.StatusPending, c.RecordID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sync_conflicts SET resolution_status = ?, resolved_with = ?
			WHERE id = ?`, models.ResolutionResolved, strategy, conflictID); err != nil {
			return err
		}
		if err := refreshPendingCount(ctx, tx, c.Table); err != nil {
			return err
		}
		return refreshConflictCount(ctx, tx, c.Table)
	})
	if err != nil {
		return errs.Storagef("store.ApplyResolution", err)
	}

	s.emit(Change{Table: c.Table, RecordID: c.RecordID, Op: OpResolve})
	return nil
}

func (s *SQLiteStore) ExportSnapshot(ctx context.Context) (map[string][]models.Record, map[string]models.SyncMetadata, error) {
	tables := make(map[string][]models.Record)
	meta := make(map[string]models.SyncMetadata)

	// Read-only transaction gives a consistent point-in-time view.
	err := dbx.WithTx(ctx, s.db, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx dbx.DBTX) error {
		for _, table := range models.SyncTables() {
			query := fmt.Sprintf(`SELECT id, payload, last_modified, sync_status, device_id, deleted
				FROM %s ORDER BY id ASC`, table)
			rows, err := tx.QueryContext(ctx, query)
			if err != nil {
				return err
			}
			recs, err := collectRecords(rows, table)
			rows.Close()
			if err != nil {
				return err
			}
			tables[table] = recs

			m, err := scanMetadata(ctx, tx, table)
			if err != nil {
				return err
			}
			meta[table] = *m
		}
		return nil
	})
	if err != nil {
		return nil, nil, errs.Storagef("store.ExportSnapshot", err)
	}
	return tables, meta, nil
}

func (s *SQLiteStore) ImportSnapshot(ctx context.Context, snap *models.BackupSnapshot) error {
	err := dbx.WithImmediateTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		for _, table := range models.SyncTables() {
			if err := importTableTx(ctx, tx, snap, table); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.Storagef("store.ImportSnapshot", err)
	}

	for _, table := range models.SyncTables() {
		s.emit(Change{Table: table, Op: OpImport})
	}
	return nil
}

func (s *SQLiteStore) ImportTable(ctx context.Context, snap *models.BackupSnapshot, table string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	err := dbx.WithImmediateTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		return importTableTx(ctx, tx, snap, table)
	})
	if err != nil {
		return errs.Storagef("store.ImportTable", err)
	}
	s.emit(Change{Table: table, Op: OpImport})
	return nil
}

// importTableTx is the replace-then-insert body shared by full and partial
// imports.
func importTableTx(ctx context.Context, tx dbx.DBTX, snap *models.BackupSnapshot, table string) error {
	recs := snap.Tables[table]
	for i := range recs {
		if !recs[i].Deleted {
			if err := models.ValidatePayload(table, recs[i].Payload); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, payload, last_modified, sync_status, device_id, deleted)
		VALUES (?, ?, ?, ?, ?, ?)`, table)
	for i := range recs {
		r := &recs[i]
		deleted := 0
		if r.Deleted {
			deleted = 1
		}
		if _, err := tx.ExecContext(ctx, query,
			r.ID, string(r.Payload), r.LastModified, r.SyncStatus, r.DeviceID, deleted); err != nil {
			return err
		}
	}

	if m, ok := snap.Metadata[table]; ok {
		if _, err := tx.ExecContext(ctx, `UPDATE sync_metadata
			SET last_sync_timestamp = ?, last_backup_timestamp = ? WHERE table_name = ?`,
			m.LastSyncTimestamp, m.LastBackupTimestamp, table); err != nil {
			return err
		}
	}
	if err := refreshPendingCount(ctx, tx, table); err != nil {
		return err
	}
	return refreshConflictCount(ctx, tx, table)
}

func (s *SQLiteStore) Metadata(ctx context.Context, table string) (*models.SyncMetadata, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	m, err := scanMetadata(ctx, s.db, table)
	if err != nil {
		return nil, errs.Storagef("store.Metadata", err)
	}
	return m, nil
}

func (s *SQLiteStore) AllMetadata(ctx context.Context) (map[string]models.SyncMetadata, error) {
	out := make(map[string]models.SyncMetadata)
	for _, table := range models.SyncTables() {
		m, err := s.Metadata(ctx, table)
		if err != nil {
			return nil, err
		}
		out[table] = *m
	}
	return out, nil
}

func (s *SQLiteStore) SetLastSync(ctx context.Context, table string, ts int64) error {
	if err := checkTable(table); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sync_metadata SET last_sync_timestamp = ? WHERE table_name = ?`, ts, table)
	if err != nil {
		return errs.Storagef("store.SetLastSync", err)
	}
	return nil
}

func (s *SQLiteStore) SetLastBackup(ctx context.Context, table string, ts int64) error {
	if err := checkTable(table); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sync_metadata SET last_backup_timestamp = ? WHERE table_name = ?`, ts, table)
	if err != nil {
		return errs.Storagef("store.SetLastBackup", err)
	}
	return nil
}

// refreshPendingCount recomputes the cached pending counter from the data.
// The cache is derived state; the record rows stay the source of truth.
func refreshPendingCount(ctx context.Context, tx dbx.DBTX, table string) error {
	query := fmt.Sprintf(`UPDATE sync_metadata
		SET pending_changes_count = (SELECT COUNT(*) FROM %s WHERE sync_status = ?)
		WHERE table_name = ?`, table)
	_, err := tx.ExecContext(ctx, query, models.StatusPending, table)
	return err
}

func refreshConflictCount(ctx context.Context, tx dbx.DBTX, table string) error {
	_, err := tx.ExecContext(ctx, `UPDATE sync_metadata
		SET conflict_count = (SELECT COUNT(*) FROM sync_conflicts WHERE table_name = ? AND resolution_status = ?)
		WHERE table_name = ?`, table, models.ResolutionPending, table)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, table string) (*models.Record, error) {
	var rec models.Record
	var payload string
	var deleted int
	if err := row.Scan(&rec.ID, &payload, &rec.LastModified, &rec.SyncStatus, &rec.DeviceID, &deleted); err != nil {
		return nil, err
	}
	rec.Table = table
	rec.Payload = []byte(payload)
	rec.Deleted = deleted != 0
	return &rec, nil
}

func collectRecords(rows *sql.Rows, table string) ([]models.Record, error) {
	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows, table)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanConflict(row rowScanner) (*models.SyncConflict, error) {
	var c models.SyncConflict
	var local, remote string
	if err := row.Scan(&c.ID, &c.Table, &c.RecordID, &local, &remote,
		&c.LocalTime, &c.RemoteTime, &c.ConflictTime, &c.Type, &c.Status, &c.ResolvedWith); err != nil {
		return nil, err
	}
	c.LocalData = []byte(local)
	c.RemoteData = []byte(remote)
	return &c, nil
}

func scanMetadata(ctx context.Context, db dbx.DBTX, table string) (*models.SyncMetadata, error) {
	m := models.SyncMetadata{Table: table}
	err := db.QueryRowContext(ctx, `SELECT last_sync_timestamp, last_backup_timestamp, pending_changes_count, conflict_count
		FROM sync_metadata WHERE table_name = ?`, table).
		Scan(&m.LastSyncTimestamp, &m.LastBackupTimestamp, &m.PendingChangesCount, &m.ConflictCount)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
