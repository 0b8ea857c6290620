package database

import (
	"fmt"
	"strings"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/models"

	"gorm.io/gorm"
)

// Tables whose rows are business facts. Direct update, delete and upsert are
// rejected; the only mutations let through are listed in allowedSaleUpdate.
var protectedTables = map[string]bool{
	"sales":               true,
	"audit_logs":          true,
	"inventory_movements": true,
	"exchanges":           true,
	"refunds":             true,
}

const sanctionKey = "accounting:sanction"

const sanctionPaymentUpdate = "payment_update"

var paymentColumns = map[string]bool{
	"payment_method": true,
	"paid_amount":    true,
	"change_amount":  true,
	"updated_at":     true,
}

// AllowPaymentUpdate marks tx as the payment-update path so the guard lets
// a Sale's payment columns through.
func AllowPaymentUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Set(sanctionKey, sanctionPaymentUpdate)
}

// RegisterAccountingGuard installs create/update/delete callbacks enforcing the
// accounting safety rule on db.
func RegisterAccountingGuard(db *gorm.DB) error {
	if err := db.Callback().Create().Before("gorm:create").Register("accounting:guard_upsert", guardUpsert); err != nil {
		return fmt.Errorf("register accounting guard: %w", err)
	}
	if err := db.Callback().Update().Before("gorm:update").Register("accounting:guard_update", guardUpdate); err != nil {
		return fmt.Errorf("register accounting guard: %w", err)
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("accounting:guard_delete", guardDelete); err != nil {
		return fmt.Errorf("register accounting guard: %w", err)
	}
	return nil
}

func tableOf(db *gorm.DB) string {
	if db.Statement.Schema != nil {
		return db.Statement.Schema.Table
	}
	return db.Statement.Table
}

func guardUpsert(db *gorm.DB) {
	if db.Error != nil || !protectedTables[tableOf(db)] {
		return
	}
	if _, ok := db.Statement.Clauses["ON CONFLICT"]; ok {
		db.AddError(apperr.ErrAccountingRuleViolation)
	}
}

func guardUpdate(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	table := tableOf(db)
	if !protectedTables[table] {
		return
	}
	if table == "sales" && allowedSaleUpdate(db) {
		return
	}
	db.AddError(apperr.ErrAccountingRuleViolation)
}

func guardDelete(db *gorm.DB) {
	if db.Error == nil && protectedTables[tableOf(db)] {
		db.AddError(apperr.ErrAccountingRuleViolation)
	}
}

// allowedSaleUpdate accepts exactly two shapes of map update on sales:
// status -> VOIDED, and payment columns under AllowPaymentUpdate.
func allowedSaleUpdate(db *gorm.DB) bool {
	values, ok := db.Statement.Dest.(map[string]interface{})
	if !ok || len(values) == 0 {
		return false
	}

	cols := make(map[string]interface{}, len(values))
	for k, v := range values {
		cols[columnName(db, k)] = v
	}

	if status, ok := cols["status"]; ok {
		if len(cols) > 2 {
			return false
		}
		if _, extra := cols["updated_at"]; len(cols) == 2 && !extra {
			return false
		}
		s, isString := status.(string)
		return isString && s == models.SaleStatusVoided
	}

	if v, ok := db.Get(sanctionKey); !ok || v != sanctionPaymentUpdate {
		return false
	}
	for col := range cols {
		if !paymentColumns[col] {
			return false
		}
	}
	return true
}

func columnName(db *gorm.DB, key string) string {
	if db.Statement.Schema != nil {
		if f := db.Statement.Schema.LookUpField(key); f != nil {
			return f.DBName
		}
	}
	return strings.ToLower(key)
}
