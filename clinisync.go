// Package clinisync is an embedded sync, backup and encryption engine for
// offline-first clinic applications. The application keeps reading and
// writing its local store unconditionally; the engine overlays asynchronous,
// encrypted backup and multi-device reconciliation on top.
//
// Construct an Engine with New, passing the production or in-memory
// transport, and interact with it through the store for local CRUD, the
// orchestrator methods for sync, backup and restore, and the event streams
// for status display.
package clinisync

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/clinisync/clinisync/internal/conflict"
	"github.com/clinisync/clinisync/internal/keyring"
	"github.com/clinisync/clinisync/internal/logging"
	"github.com/clinisync/clinisync/internal/retryx"
	"github.com/clinisync/clinisync/internal/store"
	"github.com/clinisync/clinisync/internal/syncsvc"
	"github.com/clinisync/clinisync/internal/transport"
)

// Config assembles the engine's settings. Zero values get stock defaults.
type Config struct {
	// ClinicID identifies the tenant; it feeds key derivation and backup
	// blob naming.
	ClinicID string
	// DeviceID distinguishes this device's writes in multi-device setups.
	DeviceID string

	// DataDSN is the sqlite database holding business records and sync
	// bookkeeping.
	DataDSN string
	// KeystoreDSN is a separate sqlite database for key material and the
	// device salt. It must never be the same file as DataDSN: key material
	// never shares a store with application data.
	KeystoreDSN string

	Sync  syncsvc.Config
	Keys  keyring.Config
	Retry *retryx.Config

	// Reauth, when set, is invoked once after an auth-expired transport
	// failure before the single permitted retry.
	Reauth retryx.ReauthFunc

	Logger logging.Logger
}

// Engine is the assembled dependency graph. All wiring is explicit; there
// are no globals.
type Engine struct {
	Store    *store.SQLiteStore
	Keys     *keyring.Manager
	Orch     *syncsvc.Orchestrator
	Resolver *conflict.Resolver

	keystoreDB *sql.DB
	log        logging.Logger
}

// New opens the local stores and wires the engine over the given transport.
func New(ctx context.Context, cfg Config, tr transport.Transport) (*Engine, error) {
	if cfg.ClinicID == "" || cfg.DeviceID == "" {
		return nil, fmt.Errorf("clinisync: ClinicID and DeviceID are required")
	}
	if cfg.DataDSN == cfg.KeystoreDSN {
		return nil, fmt.Errorf("clinisync: key material must not share a database with application data")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewNopLogger()
	}

	st, err := store.Open(ctx, cfg.DataDSN, log)
	if err != nil {
		return nil, err
	}

	kdb, err := keyring.OpenKeystore(ctx, cfg.KeystoreDSN)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	keys := keyring.NewManager(keyring.NewSQLiteKeystore(kdb), cfg.Keys, log)

	rcfg := cfg.Retry
	if rcfg == nil {
		rcfg = retryx.LoadDefaults()
	}
	retryCtrl := retryx.NewController(rcfg, cfg.Reauth, log)

	scfg := cfg.Sync
	scfg.ClinicID = cfg.ClinicID
	scfg.DeviceID = cfg.DeviceID
	orch := syncsvc.NewOrchestrator(scfg, st, keys, tr, retryCtrl, log)

	return &Engine{
		Store:      st,
		Keys:       keys,
		Orch:       orch,
		Resolver:   conflict.NewResolver(st, log),
		keystoreDB: kdb,
		log:        log,
	}, nil
}

// Start launches the background sync worker.
func (e *Engine) Start(ctx context.Context) { e.Orch.Start(ctx) }

// Close stops the worker and closes both local stores.
func (e *Engine) Close() error {
	e.Orch.Close()
	kerr := e.keystoreDB.Close()
	serr := e.Store.Close()
	if serr != nil {
		return serr
	}
	return kerr
}
