package database

import (
	"fmt"

	"go-pos-core/internal/models"

	"gorm.io/gorm"
)

// EntityCounts summarizes a store, reported after a restore and on the status screen.
type EntityCounts struct {
	Users       int64 `json:"users"`
	Products    int64 `json:"products"`
	Variants    int64 `json:"variants"`
	Sales       int64 `json:"sales"`
	Movements   int64 `json:"movements"`
	AuditLogs   int64 `json:"audit_logs"`
	PendingSync int64 `json:"pending_sync"`
}

// CountEntities counts the main tables of db.
func CountEntities(db *gorm.DB) (EntityCounts, error) {
	var c EntityCounts
	targets := []struct {
		model interface{}
		dest  *int64
	}{
		{&models.User{}, &c.Users},
		{&models.Product{}, &c.Products},
		{&models.ProductVariant{}, &c.Variants},
		{&models.Sale{}, &c.Sales},
		{&models.InventoryMovement{}, &c.Movements},
		{&models.AuditLog{}, &c.AuditLogs},
	}
	for _, t := range targets {
		if err := db.Model(t.model).Count(t.dest).Error; err != nil {
			return c, fmt.Errorf("count %T: %w", t.model, err)
		}
	}
	if err := db.Model(&models.SyncQueueEntry{}).
		Where("status = ?", models.SyncStatusPending).
		Count(&c.PendingSync).Error; err != nil {
		return c, fmt.Errorf("count outbox: %w", err)
	}
	return c, nil
}

// StockDrift is a variant whose cached stock disagrees with its movement ledger.
type StockDrift struct {
	VariantID string `json:"variant_id"`
	Stock     int    `json:"stock"`
	Expected  int    `json:"expected"`
}

// VerifyStockLedger replays the movement ledger and returns every variant where
// initial stock plus the sum of movements differs from the stored stock.
func VerifyStockLedger(db *gorm.DB) ([]StockDrift, error) {
	var variants []models.ProductVariant
	if err := db.Select("id", "stock", "initial_stock").Find(&variants).Error; err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}

	var sums []struct {
		VariantID string
		Total     int
	}
	// COALESCE ensures we get 0 instead of NULL
	err := db.Model(&models.InventoryMovement{}).
		Select("variant_id, COALESCE(SUM(quantity), 0) AS total").
		Group("variant_id").
		Scan(&sums).Error
	if err != nil {
		return nil, fmt.Errorf("sum movements: %w", err)
	}

	totals := make(map[string]int, len(sums))
	for _, s := range sums {
		totals[s.VariantID] = s.Total
	}

	var drift []StockDrift
	for _, v := range variants {
		expected := v.InitialStock + totals[v.ID]
		if expected != v.Stock {
			drift = append(drift, StockDrift{VariantID: v.ID, Stock: v.Stock, Expected: expected})
		}
	}
	return drift, nil
}
