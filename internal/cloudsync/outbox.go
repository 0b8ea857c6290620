// Package cloudsync delivers local mutations to the cloud mirror.
//
// The Outbox is the at-least-once path: a SyncQueueEntry row is written in the
// same transaction as the Sale it describes and deleted only after the cloud
// accepts the batch. The BulkSyncer is the coarse reconciliation path that
// pushes full snapshots of settings, users, inventory, sales and audit logs.
package cloudsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/database"
	"go-pos-core/internal/models"
	"go-pos-core/internal/syncproto"

	"gorm.io/gorm"
)

// DefaultBatchSize is how many outbox rows one drain sends.
const DefaultBatchSize = 10

// Outbox is the durable queue of cloud-bound sale mutations, drained by at
// most one worker at a time per process.
type Outbox struct {
	Store  *database.Store
	Client *Client
	Logger *slog.Logger

	// FallbackURL is used when the cloud_url setting is empty.
	FallbackURL string
	BatchSize   int
	// FollowUpDelay spaces batches when more rows remain. Zero disables the
	// automatic follow-up; the periodic sweep still picks the rows up.
	FollowUpDelay time.Duration

	draining atomic.Bool
	wg       sync.WaitGroup
	mu       sync.Mutex // orders wg.Add against Close
	closed   atomic.Bool
}

// DrainResult reports what one drain did.
type DrainResult struct {
	Skipped   bool `json:"skipped"`
	Sent      int  `json:"sent"`
	SetAside  int  `json:"set_aside"`
	Remaining int  `json:"remaining"`
}

// EnqueueTx appends a PENDING row for sale inside tx. The row commits or rolls
// back with the sale itself.
func (o *Outbox) EnqueueTx(tx *gorm.DB, action string, sale *models.Sale) error {
	var user *models.User
	var u models.User
	if err := tx.Limit(1).Find(&u, sale.UserID).Error; err != nil {
		return fmt.Errorf("outbox load user: %w", err)
	}
	if u.ID != 0 {
		user = &u
	}

	payload, err := json.Marshal(syncproto.SaleFromModel(*sale, user))
	if err != nil {
		return fmt.Errorf("outbox encode sale: %w", err)
	}

	entry := models.SyncQueueEntry{
		Action:   action,
		Model:    models.SyncModelSale,
		EntityID: sale.ID,
		Payload:  string(payload),
		Status:   models.SyncStatusPending,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("outbox append: %w", err)
	}
	return nil
}

// Enqueue appends a row in its own transaction, then attempts a drain in the
// background. A failed drain never fails the enqueue.
func (o *Outbox) Enqueue(ctx context.Context, action string, sale *models.Sale) error {
	db := o.Store.DB()
	if db == nil {
		return errors.New("outbox: store is closed")
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return o.EnqueueTx(tx, action, sale)
	})
	if err != nil {
		return err
	}
	o.Kick()
	return nil
}

// Kick starts a drain in the background and returns immediately.
func (o *Outbox) Kick() {
	if !o.track() {
		return
	}
	go func() {
		defer o.wg.Done()
		if _, err := o.Drain(context.Background()); err != nil {
			o.logger().Warn("outbox drain failed, rows stay pending", "err", err)
		}
	}()
}

// Drain sends up to BatchSize pending sale rows, oldest first, and deletes
// them once the cloud accepts the batch. It returns immediately when no cloud
// endpoint is configured or another drain is running.
//
// When the cloud rejects the batch outright, the rows are resent one at a
// time and each row the cloud rejects on its own is set aside as FAILED, so
// one bad row cannot hold back the rows queued behind it.
func (o *Outbox) Drain(ctx context.Context) (DrainResult, error) {
	db := o.Store.DB()
	if db == nil {
		return DrainResult{Skipped: true}, nil
	}
	baseURL := o.cloudURL(db)
	if baseURL == "" {
		return DrainResult{Skipped: true}, nil
	}
	if !o.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}, nil
	}
	defer o.draining.Store(false)

	db = db.WithContext(ctx)

	var entries []models.SyncQueueEntry
	err := db.Where("status = ? AND model = ?", models.SyncStatusPending, models.SyncModelSale).
		Order("id ASC").
		Limit(o.batchSize()).
		Find(&entries).Error
	if err != nil {
		return DrainResult{}, fmt.Errorf("outbox fetch: %w", err)
	}
	if len(entries) == 0 {
		return DrainResult{}, nil
	}

	var batch []queued
	var corrupt []uint
	for _, e := range entries {
		var s syncproto.Sale
		if err := json.Unmarshal([]byte(e.Payload), &s); err != nil {
			// Undeliverable; removed together with the batch.
			o.logger().Error("outbox row has corrupt payload, discarding", "id", e.ID, "entity_id", e.EntityID, "err", err)
			corrupt = append(corrupt, e.ID)
			continue
		}
		batch = append(batch, queued{entry: e, sale: s})
	}

	var res DrainResult
	if len(batch) > 0 {
		sent, setAside, err := o.deliver(ctx, db, baseURL, batch)
		res.Sent, res.SetAside = sent, setAside
		if err != nil {
			res.Remaining = len(batch) - sent - setAside
			return res, err
		}
	}
	if len(corrupt) > 0 {
		if err := db.Delete(&models.SyncQueueEntry{}, corrupt).Error; err != nil {
			return res, fmt.Errorf("outbox delete corrupt rows: %w", err)
		}
	}

	var remaining int64
	if err := db.Model(&models.SyncQueueEntry{}).
		Where("status = ? AND model = ?", models.SyncStatusPending, models.SyncModelSale).
		Count(&remaining).Error; err != nil {
		return res, fmt.Errorf("outbox count: %w", err)
	}
	res.Remaining = int(remaining)

	if remaining > 0 && o.FollowUpDelay > 0 && o.track() {
		time.AfterFunc(o.FollowUpDelay, func() {
			defer o.wg.Done()
			o.Kick()
		})
	}

	o.logger().Info("outbox drained", "sent", res.Sent, "set_aside", res.SetAside, "remaining", remaining)
	return res, nil
}

type queued struct {
	entry models.SyncQueueEntry
	sale  syncproto.Sale
}

// deliver posts batch and deletes what the cloud accepted. On error the rows
// not yet settled stay PENDING.
func (o *Outbox) deliver(ctx context.Context, db *gorm.DB, baseURL string, batch []queued) (sent, setAside int, err error) {
	sales := make([]syncproto.Sale, len(batch))
	ids := make([]uint, len(batch))
	for i, q := range batch {
		sales[i], ids[i] = q.sale, q.entry.ID
	}

	_, err = o.Client.Post(ctx, baseURL, syncproto.PathSales, syncproto.SalesRequest{Sales: sales})
	switch {
	case err == nil:
		// Commit point: the cloud has the batch.
		if err := db.Delete(&models.SyncQueueEntry{}, ids).Error; err != nil {
			return 0, 0, fmt.Errorf("outbox delete sent rows: %w", err)
		}
		outboxDelivered.Add(float64(len(ids)))
		return len(ids), 0, nil
	case !IsRejected(err):
		outboxFailures.Inc()
		return 0, 0, apperr.Network("drain outbox", err)
	case len(batch) == 1:
		if err := o.setAside(db, batch[0].entry, err); err != nil {
			return 0, 0, err
		}
		return 0, 1, nil
	}

	o.logger().Warn("cloud rejected outbox batch, sending rows one by one", "rows", len(batch), "err", err)
	for _, q := range batch {
		s, a, err := o.deliver(ctx, db, baseURL, []queued{q})
		sent += s
		setAside += a
		if err != nil {
			return sent, setAside, err
		}
	}
	return sent, setAside, nil
}

func (o *Outbox) setAside(db *gorm.DB, e models.SyncQueueEntry, cause error) error {
	err := db.Model(&models.SyncQueueEntry{}).Where("id = ?", e.ID).Updates(map[string]any{
		"status":     models.SyncStatusFailed,
		"last_error": cause.Error(),
	}).Error
	if err != nil {
		return fmt.Errorf("outbox set aside row %d: %w", e.ID, err)
	}
	outboxSetAside.Inc()
	o.logger().Error("cloud rejected outbox row, set aside", "id", e.ID, "entity_id", e.EntityID, "err", cause)
	return nil
}

// Requeue moves every set-aside row back to PENDING, for after the cloud side
// has been fixed.
func (o *Outbox) Requeue(ctx context.Context) (int64, error) {
	db := o.Store.DB()
	if db == nil {
		return 0, errors.New("outbox: store is closed")
	}
	res := db.WithContext(ctx).Model(&models.SyncQueueEntry{}).
		Where("status = ?", models.SyncStatusFailed).
		Updates(map[string]any{"status": models.SyncStatusPending, "last_error": ""})
	return res.RowsAffected, res.Error
}

// SetAside counts rows the cloud rejected.
func (o *Outbox) SetAside(ctx context.Context) (int64, error) {
	db := o.Store.DB()
	if db == nil {
		return 0, errors.New("outbox: store is closed")
	}
	var n int64
	err := db.WithContext(ctx).Model(&models.SyncQueueEntry{}).
		Where("status = ?", models.SyncStatusFailed).
		Count(&n).Error
	return n, err
}

// DrainAll drains batch after batch until the queue is empty or a drain fails.
func (o *Outbox) DrainAll(ctx context.Context) (int, error) {
	total := 0
	for {
		res, err := o.Drain(ctx)
		total += res.Sent
		if err != nil || res.Skipped || res.Remaining == 0 {
			return total, err
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(o.FollowUpDelay):
		}
	}
}

// Pending counts rows still waiting for the cloud.
func (o *Outbox) Pending(ctx context.Context) (int64, error) {
	db := o.Store.DB()
	if db == nil {
		return 0, errors.New("outbox: store is closed")
	}
	var n int64
	err := db.WithContext(ctx).Model(&models.SyncQueueEntry{}).
		Where("status = ?", models.SyncStatusPending).
		Count(&n).Error
	return n, err
}

// RunSweep drains on every tick until ctx is done. This is the retry driver
// for rows left pending by a failed drain.
func (o *Outbox) RunSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Drain(ctx); err != nil {
				o.logger().Warn("outbox sweep failed", "err", err)
			}
		}
	}
}

// Close stops scheduling new drains and waits for running ones.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed.Store(true)
	o.mu.Unlock()
	o.wg.Wait()
}

// track registers one background task with Close, or reports false once the
// outbox is closed.
func (o *Outbox) track() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed.Load() {
		return false
	}
	o.wg.Add(1)
	return true
}

func (o *Outbox) cloudURL(db *gorm.DB) string {
	return database.SettingString(db, database.SettingCloudURL, o.FallbackURL)
}

func (o *Outbox) batchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

func (o *Outbox) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}
