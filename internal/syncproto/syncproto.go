// Package syncproto holds the JSON bodies exchanged between a terminal and the
// cloud mirror. Every request is an idempotent upsert; replaying one is safe.
package syncproto

import (
	"go-pos-core/internal/models"

	"github.com/shopspring/decimal"
)

// Endpoint paths, relative to the configured cloud URL.
const (
	PathSales               = "/sync/sales"
	PathInventory           = "/sync/inventory"
	PathUsers               = "/sync/users"
	PathSettings            = "/sync/settings"
	PathAuditLogs           = "/sync/audit-logs"
	PathCleanupPlaceholders = "/sync/cleanup-placeholders"
)

// Headers sent with every request.
const (
	HeaderSyncKey  = "X-Sync-Key"
	HeaderDeviceID = "X-Device-ID"
)

// User is a user as mirrored to the cloud, keyed by username.
type User struct {
	Username         string `json:"username"`
	PasswordHash     string `json:"password_hash,omitempty"`
	Role             string `json:"role"`
	CanChangePayment bool   `json:"can_change_payment"`
	IsActive         bool   `json:"is_active"`
}

// Sale is a sale with its lines and tenders plus the owning user.
type Sale struct {
	models.Sale
	User *User `json:"user,omitempty"`
}

// Variant is one stock-bearing unit, keyed by its id on both sides.
type Variant struct {
	ID        string          `json:"id"`
	SKU       string          `json:"sku"`
	Barcode   string          `json:"barcode"`
	Size      string          `json:"size"`
	Color     string          `json:"color"`
	Price     decimal.Decimal `json:"price"`
	CostPrice decimal.Decimal `json:"cost_price"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	Stock     int             `json:"stock"`
	IsActive  bool            `json:"is_active"`
}

// Product is upserted by its natural key (name, category).
type Product struct {
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	IsActive    bool      `json:"is_active"`
	Variants    []Variant `json:"variants"`
}

// Setting is one key/value pair.
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SalesRequest is the body of POST /sync/sales.
type SalesRequest struct {
	Sales []Sale `json:"sales"`
}

// InventoryRequest is the body of POST /sync/inventory. It is the complete
// current catalog; variants missing from it are pruned.
type InventoryRequest struct {
	Products []Product `json:"products"`
}

// UsersRequest is the body of POST /sync/users.
type UsersRequest struct {
	Users []User `json:"users"`
}

// SettingsRequest is the body of POST /sync/settings.
type SettingsRequest struct {
	Settings []Setting `json:"settings"`
}

// AuditLogsRequest is the body of POST /sync/audit-logs.
type AuditLogsRequest struct {
	AuditLogs []models.AuditLog `json:"audit_logs"`
}

// Response is returned by every sync endpoint.
type Response struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}

// UserFromModel converts a local user.
func UserFromModel(u models.User) User {
	return User{
		Username:         u.Username,
		PasswordHash:     u.PasswordHash,
		Role:             u.Role,
		CanChangePayment: u.CanChangePayment,
		IsActive:         u.IsActive,
	}
}

// SaleFromModel converts a local sale. user may be nil.
func SaleFromModel(s models.Sale, user *models.User) Sale {
	out := Sale{Sale: s}
	if user != nil {
		u := UserFromModel(*user)
		out.User = &u
	}
	return out
}

// ProductFromModel converts a local product with its variants and category loaded.
func ProductFromModel(p models.Product) Product {
	out := Product{
		Name:        p.Name,
		Description: p.Description,
		IsActive:    p.IsActive,
		Variants:    make([]Variant, 0, len(p.Variants)),
	}
	if p.Category != nil {
		out.Category = p.Category.Name
	}
	for _, v := range p.Variants {
		out.Variants = append(out.Variants, Variant{
			ID:        v.ID,
			SKU:       v.SKU,
			Barcode:   v.Barcode,
			Size:      v.Size,
			Color:     v.Color,
			Price:     v.Price,
			CostPrice: v.CostPrice,
			TaxRate:   v.TaxRate,
			Stock:     v.Stock,
			IsActive:  v.IsActive,
		})
	}
	return out
}
