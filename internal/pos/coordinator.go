// Package pos executes the business transactions of a terminal: checkout,
// payment correction, void, exchange and refund.
//
// Every operation is a single unit of work against the local store. Stock
// changes, movement ledger rows, audit rows and the outbox row commit together
// or not at all. Side effects that must never block or undo a sale (cloud
// delivery, snapshots) are dispatched only after commit.
package pos

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/database"
	"go-pos-core/internal/guard"
	"go-pos-core/internal/models"

	"gorm.io/gorm"
)

// DefaultBackupEvery is the number of successful checkouts between snapshots.
const DefaultBackupEvery = 10

// Outbox receives sale mutations inside the owning transaction.
type Outbox interface {
	EnqueueTx(tx *gorm.DB, action string, sale *models.Sale) error
	Kick()
}

// Snapshotter takes a backup of the store.
type Snapshotter interface {
	Snapshot(ctx context.Context) (string, error)
}

// Coordinator is constructed once per process and owns the duplicate guard and
// the checkout counter driving periodic snapshots.
type Coordinator struct {
	Store  *database.Store
	Guard  *guard.DuplicateGuard
	Outbox Outbox
	Backup Snapshotter
	Logger *slog.Logger

	// Go runs fire-and-forget work. Tests replace it to run inline.
	Go          func(func())
	BackupEvery int

	mu               sync.Mutex
	salesSinceBackup int
	background       sync.WaitGroup
}

// NewCoordinator wires a coordinator with a fresh 30 second duplicate guard.
// outbox and backup may be nil.
func NewCoordinator(store *database.Store, outbox Outbox, backup Snapshotter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		Store:       store,
		Guard:       guard.New(guard.DefaultWindow, nil),
		Outbox:      outbox,
		Backup:      backup,
		Logger:      logger,
		Go:          func(f func()) { go f() },
		BackupEvery: DefaultBackupEvery,
	}
}

// atomic runs fn in one transaction. Any error or panic rolls everything back.
func (c *Coordinator) atomic(ctx context.Context, op string, fn func(tx *gorm.DB) error) (err error) {
	db := c.Store.DB()
	if db == nil {
		return apperr.Transaction(op, fmt.Errorf("store is closed"))
	}

	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return apperr.Transaction(op, tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			err = apperr.Transaction(op, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return apperr.Transaction(op, err)
	}
	if err := tx.Commit().Error; err != nil {
		return apperr.Transaction(op, err)
	}
	return nil
}

func (c *Coordinator) enqueue(tx *gorm.DB, action string, sale *models.Sale) error {
	if c.Outbox == nil {
		return nil
	}
	return c.Outbox.EnqueueTx(tx, action, sale)
}

// afterCommit kicks the outbox. The drain is already asynchronous.
func (c *Coordinator) afterCommit() {
	if c.Outbox != nil {
		c.Outbox.Kick()
	}
}

// countCheckout triggers a snapshot on every BackupEvery-th checkout.
func (c *Coordinator) countCheckout() {
	if c.Backup == nil || c.BackupEvery <= 0 {
		return
	}
	c.mu.Lock()
	c.salesSinceBackup++
	due := c.salesSinceBackup >= c.BackupEvery
	if due {
		c.salesSinceBackup = 0
	}
	c.mu.Unlock()
	if !due {
		return
	}

	c.background.Add(1)
	c.Go(func() {
		defer c.background.Done()
		path, err := c.Backup.Snapshot(context.Background())
		if err != nil {
			c.Logger.Warn("checkout snapshot failed", "err", err)
			return
		}
		c.Logger.Info("checkout snapshot written", "path", path)
	})
}

// Wait blocks until snapshots started by checkouts have finished. Call it
// before closing the store.
func (c *Coordinator) Wait() {
	c.background.Wait()
}

func writeAudit(tx *gorm.DB, userID uint, action, entityType, entityID string, details any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	entry := models.AuditLog{
		UserID:     userID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    string(raw),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}

func appendMovement(tx *gorm.DB, variantID, kind string, qty int, reference string, userID uint, note string) error {
	m := models.InventoryMovement{
		VariantID: variantID,
		Type:      kind,
		Quantity:  qty,
		Reference: reference,
		Note:      note,
		UserID:    userID,
	}
	if err := tx.Create(&m).Error; err != nil {
		return fmt.Errorf("append %s movement: %w", kind, err)
	}
	return nil
}

// adjustStock applies delta to a variant's cached stock. Callers pair it with
// appendMovement in the same transaction.
func adjustStock(tx *gorm.DB, variantID string, delta int) error {
	res := tx.Model(&models.ProductVariant{}).
		Where("id = ?", variantID).
		UpdateColumn("stock", gorm.Expr("stock + ?", delta))
	if res.Error != nil {
		return fmt.Errorf("adjust stock of %s: %w", variantID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("variant", variantID)
	}
	return nil
}

func loadUser(tx *gorm.DB, id uint) (models.User, error) {
	var u models.User
	if err := tx.Limit(1).Find(&u, id).Error; err != nil {
		return u, fmt.Errorf("load user: %w", err)
	}
	if u.ID == 0 || !u.IsActive {
		return u, apperr.ErrUnauthorized
	}
	return u, nil
}

func loadSale(tx *gorm.DB, id string) (models.Sale, error) {
	var s models.Sale
	err := tx.Preload("Items").Preload("Payments").Limit(1).Find(&s, "id = ?", id).Error
	if err != nil {
		return s, fmt.Errorf("load sale: %w", err)
	}
	if s.ID == "" {
		return s, apperr.NotFound("sale", id)
	}
	return s, nil
}
