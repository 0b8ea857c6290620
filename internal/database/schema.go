package database

import (
	"fmt"
	"log/slog"

	"go-pos-core/internal/models"

	"gorm.io/gorm"
)

// columnRepair describes a column newer code expects. Older stores get it
// added and back-filled with a safe value.
type columnRepair struct {
	model    interface{}
	field    string
	column   string
	backfill interface{}
}

var columnRepairs = []columnRepair{
	{&models.User{}, "CanChangePayment", "can_change_payment", false},
	{&models.User{}, "IsActive", "is_active", true},
	{&models.Product{}, "IsPlaceholder", "is_placeholder", false},
	{&models.Product{}, "IsActive", "is_active", true},
	{&models.ProductVariant{}, "IsPlaceholder", "is_placeholder", false},
	{&models.ProductVariant{}, "IsActive", "is_active", true},
	{&models.ProductVariant{}, "InitialStock", "initial_stock", 0},
}

// EnsureSchemaUpdated brings an older store up to the current schema.
// It inspects the store's own metadata, so running it twice is a no-op.
func EnsureSchemaUpdated(db *gorm.DB) error {
	m := db.Migrator()
	for _, r := range columnRepairs {
		if !m.HasTable(r.model) || m.HasColumn(r.model, r.column) {
			continue
		}
		if err := m.AddColumn(r.model, r.field); err != nil {
			return fmt.Errorf("add column %s: %w", r.column, err)
		}
		if err := db.Model(r.model).
			Where(r.column + " IS NULL").
			UpdateColumn(r.column, r.backfill).Error; err != nil {
			return fmt.Errorf("backfill column %s: %w", r.column, err)
		}
		slog.Info("schema repaired", "column", r.column)
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	// Bill numbers are unique per terminal. The mirror shares the model but
	// not this index.
	if err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS " + models.BillNoUniqueIndex + " ON sales(bill_no)").Error; err != nil {
		return fmt.Errorf("bill number index: %w", err)
	}
	return nil
}

// CountUsers returns the number of users, zero when the table does not exist yet.
func CountUsers(db *gorm.DB) (int64, error) {
	if !db.Migrator().HasTable(&models.User{}) {
		return 0, nil
	}
	var n int64
	if err := db.Model(&models.User{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}
