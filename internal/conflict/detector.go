// Package conflict decides what happens when local and remote copies of a
// record diverge, and applies the chosen resolutions. Conflicts are created
// only here; they are resolved only by the Resolver.
package conflict

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/logging"
	"github.com/clinisync/clinisync/internal/models"
	"github.com/clinisync/clinisync/internal/store"
)

// Outcome summarizes one reconciliation pass.
type Outcome struct {
	Applied   int // remote records written to the store
	Conflicts int // new conflicts raised
	Skipped   int // no-ops (stale or equal remote, already conflicted)
}

// Detector reconciles incoming remote records against the local store.
type Detector struct {
	store store.Store
	log   logging.Logger
	now   func() time.Time
}

func NewDetector(st store.Store, log logging.Logger) *Detector {
	return &Detector{store: st, log: log, now: time.Now}
}

// Reconcile applies the merge rules to every remote record of one table:
//
//  1. No local counterpart: accept the remote record as synced.
//  2. Local is pending and the timestamps differ: raise a conflict, even
//     when the remote is strictly older. Unsynced local work is never
//     silently clobbered; the cost is an occasional false-positive conflict
//     while a local edit waits to upload. A divergence that was already
//     adjudicated, open or resolved, is never re-raised: without that,
//     resolving a conflict and re-pulling the same remote snapshot would
//     conflict again forever.
//  3. Local is synced: last write wins. Strictly newer remote replaces
//     local; an equal or older timestamp is a no-op, so re-delivery of the
//     same changeset never produces extra writes or conflicts.
//
// Records already in conflict status are skipped until resolved.
func (d *Detector) Reconcile(ctx context.Context, table string, remote []models.Record) (*Outcome, error) {
	out := &Outcome{}

	open, err := d.openConflicts(ctx, table)
	if err != nil {
		return nil, err
	}
	adjudicated, err := d.store.AdjudicatedRemoteTimes(ctx, table)
	if err != nil {
		return nil, err
	}

	var accept []models.Record
	for i := range remote {
		rec := &remote[i]

		local, err := d.store.Get(ctx, table, rec.ID)
		switch {
		case err != nil && errors.Is(err, errs.ErrNotFound):
			accept = append(accept, *rec)
			continue
		case err != nil:
			return nil, err
		}

		switch local.SyncStatus {
		case models.StatusConflict:
			out.Skipped++

		case models.StatusPending:
			if local.LastModified == rec.LastModified {
				out.Skipped++
				continue
			}
			if open[rec.ID] || rec.LastModified <= adjudicated[rec.ID] {
				// Re-delivered divergence; an earlier conflict covers it.
				out.Skipped++
				continue
			}
			if err := d.raise(ctx, table, local, rec); err != nil {
				return nil, err
			}
			open[rec.ID] = true
			out.Conflicts++

		default: // synced
			if rec.LastModified > local.LastModified {
				accept = append(accept, *rec)
			} else {
				out.Skipped++
			}
		}
	}

	if len(accept) > 0 {
		if err := d.store.ApplyRemoteChanges(ctx, table, accept); err != nil {
			return nil, err
		}
		out.Applied = len(accept)
	}

	d.log.Debug(ctx, "reconciled remote records", "table", table,
		"applied", out.Applied, "conflicts", out.Conflicts, "skipped", out.Skipped)
	return out, nil
}

func (d *Detector) raise(ctx context.Context, table string, local *models.Record, remote *models.Record) error {
	typ := models.ConflictUpdate
	if remote.Deleted || local.Deleted {
		typ = models.ConflictDelete
	}
	c := &models.SyncConflict{
		ID:           uuid.NewString(),
		Table:        table,
		RecordID:     local.ID,
		LocalData:    local.Payload,
		RemoteData:   remote.Payload,
		LocalTime:    local.LastModified,
		RemoteTime:   remote.LastModified,
		ConflictTime: d.now().UnixMilli(),
		Type:         typ,
		Status:       models.ResolutionPending,
	}
	if err := d.store.SaveConflict(ctx, c); err != nil {
		return err
	}
	d.log.Info(ctx, "sync conflict raised", "table", table, "record_id", local.ID,
		"type", typ, "local_time", c.LocalTime, "remote_time", c.RemoteTime)
	return nil
}

func (d *Detector) openConflicts(ctx context.Context, table string) (map[string]bool, error) {
	pending, err := d.store.PendingConflicts(ctx, table)
	if err != nil {
		return nil, err
	}
	open := make(map[string]bool, len(pending))
	for _, c := range pending {
		open[c.RecordID] = true
	}
	return open, nil
}
