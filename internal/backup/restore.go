package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/database"
	"go-pos-core/internal/models"

	"golang.org/x/crypto/bcrypt"
)

// Candidate is a possible restore source, listed in priority order.
type Candidate struct {
	Name string
	Path string
}

// Restorer runs the startup bootstrap and operator restores.
type Restorer struct {
	Store        *database.Store
	Candidates   []Candidate
	DurablePaths []string
	// GraceDelay separates closing the store from overwriting its file.
	GraceDelay    time.Duration
	AdminUsername string
	AdminPassword string
	Logger        *slog.Logger

	// Active is the active store as it was before the process opened it.
	// Opening switches the store to WAL and touches its -wal file, so a state
	// read after Open always looks current. Nil means read it at Bootstrap.
	Active *StoreState
}

// StoreState is a store file's modification time, store and WAL combined.
type StoreState struct {
	MTime  time.Time
	Exists bool
}

// ObserveStore reads path's state. Call it before database.Open.
func ObserveStore(path string) StoreState {
	mtime, ok := storeMTime(path)
	return StoreState{MTime: mtime, Exists: ok}
}

// BootstrapReport describes what the startup bootstrap did.
type BootstrapReport struct {
	Restored     bool                  `json:"restored"`
	Source       string                `json:"source,omitempty"`
	SourcePath   string                `json:"source_path,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	CreatedAdmin bool                  `json:"created_admin"`
	Counts       database.EntityCounts `json:"counts"`
}

// RestoreReport describes an operator restore.
type RestoreReport struct {
	Source          string                `json:"source"`
	Counts          database.EntityCounts `json:"counts"`
	RestartRequired bool                  `json:"restart_required"`
}

type found struct {
	Candidate
	mtime time.Time
}

// Bootstrap decides whether a candidate copy should replace the active store,
// repairs the schema, and guarantees at least one user. Running it again with
// no newer candidate changes nothing.
func (r *Restorer) Bootstrap(ctx context.Context) (BootstrapReport, error) {
	var report BootstrapReport
	log := r.logger()

	// 1. The active store as it is now
	active := ObserveStore(r.Store.Path)
	if r.Active != nil {
		active = *r.Active
		// Only the first bootstrap after open may use the pre-open state.
		r.Active = nil
	}
	activeTime, activeExists := active.MTime, active.Exists
	db := r.Store.DB()
	if db == nil {
		return report, errors.New("bootstrap: store is closed")
	}
	users, err := database.CountUsers(db.WithContext(ctx))
	if err != nil {
		// An unreadable store is treated like an empty one.
		log.Error("active store unreadable", "path", r.Store.Path, "err", err)
		users = 0
	}

	// 2. Candidates that exist and look like stores
	var cands []found
	for _, c := range r.Candidates {
		if c.Path == "" || samePath(c.Path, r.Store.Path) {
			continue
		}
		fi, err := checkStoreFile(c.Path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn("restore candidate skipped", "candidate", c.Name, "path", c.Path, "err", err)
			}
			continue
		}
		cands = append(cands, found{Candidate: c, mtime: fi.ModTime()})
	}

	// 3. Decide
	var newer bool
	for _, c := range cands {
		if !activeExists || c.mtime.After(activeTime) {
			newer = true
		}
	}
	switch {
	case users == 0 && len(cands) > 0:
		report.Reason = "active store has no users"
	case newer:
		report.Reason = "a backup is newer than the active store"
	}

	if report.Reason != "" {
		pick := newest(cands)
		log.Warn("restoring store", "reason", report.Reason, "candidate", pick.Name, "path", pick.Path)
		if err := r.replaceActive(pick.Path, pick.mtime); err != nil {
			return report, fmt.Errorf("bootstrap restore from %s: %w", pick.Path, err)
		}
		report.Restored = true
		report.Source = pick.Name
		report.SourcePath = pick.Path
	} else if users == 0 {
		berr := &apperr.Error{
			Kind:    apperr.KindBootstrap,
			Code:    apperr.CodeNoUsableStore,
			Message: "no users in the active store and no restore candidate found",
		}
		log.Error("!!! BOOTSTRAP: starting with an empty store !!!", "err", berr, "path", r.Store.Path)
	}

	// 4. Schema repair on whatever is active now
	db = r.Store.DB()
	if err := database.EnsureSchemaUpdated(db.WithContext(ctx)); err != nil {
		return report, fmt.Errorf("bootstrap schema repair: %w", err)
	}

	// 5. Never locked out
	created, err := r.ensureAdmin(ctx)
	if err != nil {
		return report, err
	}
	report.CreatedAdmin = created

	report.Counts, err = database.CountEntities(db.WithContext(ctx))
	if err != nil {
		return report, err
	}
	log.Info("bootstrap complete", "restored", report.Restored, "source", report.Source, "users", report.Counts.Users, "sales", report.Counts.Sales)
	return report, nil
}

// Restore replaces the active store with the operator-chosen file, refreshes
// the durable copies so the next bootstrap treats it as current, and repairs
// the schema. The caller should restart the process afterwards.
func (r *Restorer) Restore(ctx context.Context, path string) (RestoreReport, error) {
	report := RestoreReport{Source: path}
	if samePath(path, r.Store.Path) {
		return report, apperr.Validation(apperr.CodeInvalidRequest, "cannot restore the active store onto itself")
	}
	fi, err := checkStoreFile(path)
	if err != nil {
		return report, apperr.Validation(apperr.CodeInvalidRequest, "restore source rejected: %v", err)
	}

	// 1. Disconnect, copy, reconnect
	if err := r.replaceActive(path, fi.ModTime()); err != nil {
		return report, fmt.Errorf("restore %s: %w", path, err)
	}

	// 2. Durable copies
	for _, p := range r.DurablePaths {
		if p == "" || samePath(p, path) {
			continue
		}
		if err := copyFileAtomic(path, p, fi.ModTime()); err != nil {
			r.logger().Warn("durable backup copy failed", "path", p, "err", err)
		}
	}

	// 3. Schema repair and counts
	db := r.Store.DB().WithContext(ctx)
	if err := database.EnsureSchemaUpdated(db); err != nil {
		return report, fmt.Errorf("restore schema repair: %w", err)
	}
	report.Counts, err = database.CountEntities(db)
	if err != nil {
		return report, err
	}
	report.RestartRequired = true

	r.logger().Warn("store restored, restart required", "source", path, "sales", report.Counts.Sales, "users", report.Counts.Users)
	return report, nil
}

// replaceActive swaps the active store file for src while no connection is open.
func (r *Restorer) replaceActive(src string, mtime time.Time) error {
	if err := r.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	if r.GraceDelay > 0 {
		time.Sleep(r.GraceDelay)
	}

	copyErr := removeSidecars(r.Store.Path)
	if copyErr == nil {
		copyErr = copyFileAtomic(src, r.Store.Path, mtime)
	}

	// Reconnect even after a failed copy; the old file is still intact.
	if err := r.Store.Reopen(); err != nil {
		return errors.Join(copyErr, fmt.Errorf("reopen store: %w", err))
	}
	return copyErr
}

func (r *Restorer) ensureAdmin(ctx context.Context) (bool, error) {
	db := r.Store.DB().WithContext(ctx)
	n, err := database.CountUsers(db)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(r.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("hash default admin password: %w", err)
	}
	admin := models.User{
		Username:         r.AdminUsername,
		PasswordHash:     string(hash),
		Role:             models.RoleAdmin,
		CanChangePayment: true,
		IsActive:         true,
	}
	if err := db.Create(&admin).Error; err != nil {
		return false, fmt.Errorf("create default admin: %w", err)
	}
	r.logger().Warn("!!! NO USERS FOUND: created default administrator, change its password now !!!", "username", admin.Username)
	return true, nil
}

// newest picks the most recently modified candidate; ties go to priority order.
func newest(cands []found) found {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.mtime.After(best.mtime) {
			best = c
		}
	}
	return best
}

func (r *Restorer) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
