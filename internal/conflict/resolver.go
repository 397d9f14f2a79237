package conflict

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/logging"
	"github.com/clinisync/clinisync/internal/models"
	"github.com/clinisync/clinisync/internal/store"
)

// Resolver applies a resolution strategy to a stored conflict. The resolved
// payload is written back into the record and re-marked pending, so the
// outcome propagates outward on the next sync.
type Resolver struct {
	store store.Store
	log   logging.Logger
}

func NewResolver(st store.Store, log logging.Logger) *Resolver {
	return &Resolver{store: st, log: log}
}

// Resolve resolves the conflict with the given strategy. manual requires a
// caller-supplied payload; the other strategies ignore it.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, strategy models.ResolutionStrategy, manual json.RawMessage) error {
	c, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}

	var payload json.RawMessage
	switch strategy {
	case models.ResolveUseLocal:
		payload = c.LocalData
	case models.ResolveUseRemote:
		payload = c.RemoteData
	case models.ResolveMerge:
		payload, err = mergePayloads(c)
		if err != nil {
			return errs.New(errs.ClassValidation, "conflict.Resolve", err)
		}
	case models.ResolveManual:
		if len(manual) == 0 {
			return errs.New(errs.ClassValidation, "conflict.Resolve",
				fmt.Errorf("manual resolution requires a payload"))
		}
		payload = manual
	default:
		return errs.New(errs.ClassValidation, "conflict.Resolve",
			fmt.Errorf("unknown resolution strategy %q", strategy))
	}

	if err := r.store.ApplyResolution(ctx, conflictID, payload, strategy); err != nil {
		return err
	}
	r.log.Info(ctx, "sync conflict resolved", "conflict_id", conflictID,
		"table", c.Table, "record_id", c.RecordID, "strategy", strategy)
	return nil
}

// mergePayloads merges the two sides field by field at the generic map
// layer: a field present on only one side wins outright, and a field
// present on both takes the value from the most recently modified side,
// unless that side holds null and the other does not.
func mergePayloads(c *models.SyncConflict) (json.RawMessage, error) {
	var local, remote map[string]any
	if err := json.Unmarshal(c.LocalData, &local); err != nil {
		return nil, fmt.Errorf("local payload: %w", err)
	}
	if err := json.Unmarshal(c.RemoteData, &remote); err != nil {
		return nil, fmt.Errorf("remote payload: %w", err)
	}

	newer, older := local, remote
	if c.RemoteTime > c.LocalTime {
		newer, older = remote, local
	}

	merged := make(map[string]any, len(newer)+len(older))
	for k, v := range older {
		merged[k] = v
	}
	for k, v := range newer {
		if v == nil {
			if prev, ok := merged[k]; ok && prev != nil {
				continue
			}
		}
		merged[k] = v
	}

	return json.Marshal(merged)
}
