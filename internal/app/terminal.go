// Package app wires the terminal's components from configuration. Both the
// API server and the operator CLI build the same graph through NewTerminal.
package app

import (
	"context"
	"log/slog"

	"go-pos-core/internal/backup"
	"go-pos-core/internal/cloudsync"
	"go-pos-core/internal/config"
	"go-pos-core/internal/database"
	"go-pos-core/internal/pos"
	"go-pos-core/internal/utils"
)

// Terminal is one installation's store and the services around it.
type Terminal struct {
	Cfg      config.Config
	Store    *database.Store
	Outbox   *cloudsync.Outbox
	Bulk     *cloudsync.BulkSyncer
	Snapshot *backup.Snapshotter
	Restorer *backup.Restorer
	Coord    *pos.Coordinator
	Logger   *slog.Logger
}

// NewTerminal opens the store without touching its schema. Call Bootstrap
// before serving anything.
func NewTerminal(cfg config.Config, logger *slog.Logger) (*Terminal, error) {
	// Open touches the WAL file; Bootstrap compares against the state before it.
	before := backup.ObserveStore(cfg.DatabasePath)
	store, err := database.Open(cfg.DatabasePath, cfg.DBDebug)
	if err != nil {
		return nil, err
	}

	durable := []string{cfg.DurableBackupPath, cfg.SecondaryBackupPath}
	client := cloudsync.NewClient(cfg.CloudSyncKey, utils.DeviceID())

	t := &Terminal{Cfg: cfg, Store: store, Logger: logger}
	t.Outbox = &cloudsync.Outbox{
		Store:         store,
		Client:        client,
		Logger:        logger.With("component", "outbox"),
		FallbackURL:   cfg.CloudURL,
		FollowUpDelay: cfg.DrainFollowUpDelay,
	}
	t.Bulk = &cloudsync.BulkSyncer{
		Store:       store,
		Client:      client,
		Logger:      logger.With("component", "bulk-sync"),
		FallbackURL: cfg.CloudURL,
	}
	t.Snapshot = &backup.Snapshotter{
		Store:        store,
		Dir:          cfg.BackupDir,
		DurablePaths: durable,
		Logger:       logger.With("component", "backup"),
	}
	t.Restorer = &backup.Restorer{
		Store: store,
		Candidates: []backup.Candidate{
			{Name: "override", Path: cfg.RestoreOverridePath},
			{Name: "durable", Path: cfg.DurableBackupPath},
			{Name: "secondary", Path: cfg.SecondaryBackupPath},
			{Name: "bundled", Path: cfg.BundledSnapshotPath},
		},
		DurablePaths:  durable,
		GraceDelay:    cfg.RestoreGraceDelay,
		AdminUsername: cfg.DefaultAdminUsername,
		AdminPassword: cfg.DefaultAdminPassword,
		Logger:        logger.With("component", "restore"),
		Active:        &before,
	}
	t.Coord = pos.NewCoordinator(store, t.Outbox, t.Snapshot, logger.With("component", "pos"))
	return t, nil
}

// Bootstrap runs the startup restore decision and schema repair.
func (t *Terminal) Bootstrap(ctx context.Context) (backup.BootstrapReport, error) {
	return t.Restorer.Bootstrap(ctx)
}

// RunBackground starts the outbox sweep and the sync and backup schedules.
// They stop when ctx is cancelled.
func (t *Terminal) RunBackground(ctx context.Context) {
	go t.Outbox.RunSweep(ctx, t.Cfg.OutboxSweepInterval)
	go t.Bulk.RunSchedule(ctx)
	go t.Snapshot.RunSchedule(ctx)
	// Rows left over from the last run.
	t.Outbox.Kick()
}

// Close waits for checkout snapshots, stops the outbox, takes the on-close
// snapshot when enabled and closes the store.
func (t *Terminal) Close(ctx context.Context) error {
	t.Coord.Wait()
	t.Outbox.Close()
	t.Snapshot.OnClose(ctx)
	return t.Store.Close()
}
