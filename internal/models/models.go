package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Sale statuses. COMPLETED -> VOIDED is the only transition.
const (
	SaleStatusCompleted = "COMPLETED"
	SaleStatusVoided    = "VOIDED"
)

// Inventory movement types.
const (
	MovementOut            = "OUT"
	MovementExchangeReturn = "EXCHANGE_RETURN"
	MovementExchangeOut    = "EXCHANGE_OUT"
	MovementRefund         = "REFUND"
)

// Audit actions.
const (
	AuditSaleCreate    = "SALE_CREATE"
	AuditPaymentUpdate = "PAYMENT_UPDATE"
	AuditExchange      = "EXCHANGE"
	AuditRefund        = "REFUND"
	AuditSaleVoid      = "SALE_VOID"
)

// Roles
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleCashier = "cashier"
)

// Outbox values.
const (
	SyncStatusPending = "PENDING"
	SyncStatusFailed  = "FAILED" // rejected by the cloud, set aside until requeued
	SyncActionCreate  = "create"
	SyncActionUpdate  = "update"
	SyncModelSale     = "Sale"
)

// BillNoUniqueIndex enforces one sale per bill number in a terminal's store.
// The cloud mirror does not carry it: a terminal restored from an older
// backup reissues bill numbers under new sale ids.
const BillNoUniqueIndex = "idx_sales_bill_no"

// Exchange line kinds.
const (
	ExchangeItemReturned = "RETURNED"
	ExchangeItemNew      = "NEW"
)

// User - The person operating the terminal
type User struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Username         string    `gorm:"uniqueIndex;size:50" json:"username"`
	PasswordHash     string    `json:"-"` // Never return this in JSON
	Role             string    `json:"role"`
	CanChangePayment bool      `gorm:"default:false" json:"can_change_payment"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IsAdmin reports whether the user holds the administrative role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Category groups products; names are the natural key across installs.
type Category struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:100" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Product - catalog entry owning one or more stock-bearing variants
type Product struct {
	ID            string           `gorm:"primaryKey;size:36" json:"id"`
	Name          string           `gorm:"index;size:200" json:"name"`
	CategoryID    uint             `gorm:"index" json:"category_id"`
	Category      *Category        `json:"category,omitempty"`
	Description   string           `json:"description"`
	IsPlaceholder bool             `gorm:"index" json:"is_placeholder"`
	IsActive      bool             `json:"is_active"`
	Variants      []ProductVariant `gorm:"foreignKey:ProductID" json:"variants,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ProductVariant - The stock-bearing unit. Stock only moves through InventoryMovement rows.
type ProductVariant struct {
	ID            string          `gorm:"primaryKey;size:36" json:"id"`
	ProductID     string          `gorm:"index;size:36" json:"product_id"`
	Product       *Product        `json:"product,omitempty"`
	SKU           string          `gorm:"index;size:100" json:"sku"`
	Barcode       string          `gorm:"index;size:100" json:"barcode"`
	Size          string          `json:"size"`
	Color         string          `json:"color"`
	Price         decimal.Decimal `gorm:"type:decimal(12,2)" json:"price"` // tax-inclusive selling price
	CostPrice     decimal.Decimal `gorm:"type:decimal(12,2)" json:"cost_price"`
	TaxRate       decimal.Decimal `gorm:"type:decimal(5,2)" json:"tax_rate"`
	Stock         int             `json:"stock"`
	InitialStock  int             `json:"initial_stock"`
	IsActive      bool            `json:"is_active"`
	IsPlaceholder bool            `json:"is_placeholder"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Sale - The bill header. Immutable once COMPLETED except payment fields and the void transition.
type Sale struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	BillNo         int64           `gorm:"index:idx_sales_bill_no_lookup" json:"bill_no"` // unique on the terminal only, see BillNoUniqueIndex
	UserID         uint            `gorm:"index" json:"user_id"` // Who processed it
	CustomerName   string          `json:"customer_name"`
	CustomerPhone  string          `json:"customer_phone"`
	Subtotal       decimal.Decimal `gorm:"type:decimal(12,2)" json:"subtotal"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(12,2)" json:"discount_amount"`
	TaxAmount      decimal.Decimal `gorm:"type:decimal(12,2)" json:"tax_amount"`
	CGST           decimal.Decimal `gorm:"column:cgst;type:decimal(12,2)" json:"cgst"`
	SGST           decimal.Decimal `gorm:"column:sgst;type:decimal(12,2)" json:"sgst"`
	GrandTotal     decimal.Decimal `gorm:"type:decimal(12,2)" json:"grand_total"`
	PaidAmount     decimal.Decimal `gorm:"type:decimal(12,2)" json:"paid_amount"`
	ChangeAmount   decimal.Decimal `gorm:"type:decimal(12,2)" json:"change_amount"`
	PaymentMethod  string          `json:"payment_method"`
	Status         string          `gorm:"index;size:20" json:"status"`
	Items          []SaleItem      `gorm:"foreignKey:SaleID" json:"items"`
	Payments       []Payment       `gorm:"foreignKey:SaleID" json:"payments"`
	CreatedAt      time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SaleItem - Snapshot of a variant at sale time, immune to later catalog edits
type SaleItem struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	SaleID         string          `gorm:"index;size:36" json:"sale_id"`
	VariantID      string          `gorm:"index;size:36" json:"variant_id"`
	ProductName    string          `json:"product_name"`
	VariantName    string          `json:"variant_name"`
	SKU            string          `json:"sku"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `gorm:"type:decimal(12,2)" json:"unit_price"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(12,2)" json:"discount_amount"`
	TaxRate        decimal.Decimal `gorm:"type:decimal(5,2)" json:"tax_rate"`
	TaxAmount      decimal.Decimal `gorm:"type:decimal(12,2)" json:"tax_amount"`
	LineTotal      decimal.Decimal `gorm:"type:decimal(12,2)" json:"line_total"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Payment - one tender line. Belongs to either a Sale or an Exchange.
type Payment struct {
	ID         string          `gorm:"primaryKey;size:36" json:"id"`
	SaleID     *string         `gorm:"index;size:36" json:"sale_id,omitempty"`
	ExchangeID *string         `gorm:"index;size:36" json:"exchange_id,omitempty"`
	Method     string          `json:"method"`
	Amount     decimal.Decimal `gorm:"type:decimal(12,2)" json:"amount"`
	Reference  string          `json:"reference"`
	CreatedAt  time.Time       `json:"created_at"`
}

// InventoryMovement - append-only stock ledger
type InventoryMovement struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	VariantID string    `gorm:"index;size:36" json:"variant_id"`
	Type      string    `gorm:"size:20" json:"type"`
	Quantity  int       `json:"quantity"` // signed delta
	Reference string    `gorm:"index;size:36" json:"reference"`
	Note      string    `json:"note"`
	UserID    uint      `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Exchange - compensating record swapping returned lines for new ones
type Exchange struct {
	ID                string          `gorm:"primaryKey;size:36" json:"id"`
	OriginalInvoiceID string          `gorm:"index;size:36" json:"original_invoice_id"`
	UserID            uint            `json:"user_id"`
	ReturnedValue     decimal.Decimal `gorm:"type:decimal(12,2)" json:"returned_value"`
	NewItemsValue     decimal.Decimal `gorm:"type:decimal(12,2)" json:"new_items_value"`
	DifferenceAmount  decimal.Decimal `gorm:"type:decimal(12,2)" json:"difference_amount"`
	PaymentMethod     string          `json:"payment_method"`
	Reason            string          `json:"reason"`
	Items             []ExchangeItem  `gorm:"foreignKey:ExchangeID" json:"items"`
	Payments          []Payment       `gorm:"foreignKey:ExchangeID" json:"payments"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ExchangeItem - a returned or newly issued line of an Exchange
type ExchangeItem struct {
	ID          string          `gorm:"primaryKey;size:36" json:"id"`
	ExchangeID  string          `gorm:"index;size:36" json:"exchange_id"`
	Kind        string          `gorm:"size:10" json:"kind"`
	SaleItemID  string          `gorm:"index;size:36" json:"sale_item_id,omitempty"`
	VariantID   string          `gorm:"index;size:36" json:"variant_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(12,2)" json:"unit_price"`
	Total       decimal.Decimal `gorm:"type:decimal(12,2)" json:"total"`
}

// Refund - compensating record returning money for sold lines
type Refund struct {
	ID                string          `gorm:"primaryKey;size:36" json:"id"`
	OriginalInvoiceID string          `gorm:"index;size:36" json:"original_invoice_id"`
	UserID            uint            `json:"user_id"`
	TotalRefundAmount decimal.Decimal `gorm:"type:decimal(12,2)" json:"total_refund_amount"`
	RefundMethod      string          `json:"refund_method"`
	Reason            string          `json:"reason"`
	Items             []RefundItem    `gorm:"foreignKey:RefundID" json:"items"`
	CreatedAt         time.Time       `json:"created_at"`
}

// RefundItem - one refunded sale line
type RefundItem struct {
	ID         string          `gorm:"primaryKey;size:36" json:"id"`
	RefundID   string          `gorm:"index;size:36" json:"refund_id"`
	SaleItemID string          `gorm:"index;size:36" json:"sale_item_id"`
	VariantID  string          `gorm:"index;size:36" json:"variant_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `gorm:"type:decimal(12,2)" json:"unit_price"`
	Total      decimal.Decimal `gorm:"type:decimal(12,2)" json:"total"`
}

// AuditLog - append-only narrative of state-changing actions
type AuditLog struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	UserID     uint      `gorm:"index" json:"user_id"`
	Action     string    `gorm:"index;size:40" json:"action"`
	EntityType string    `gorm:"size:40" json:"entity_type"`
	EntityID   string    `gorm:"size:36" json:"entity_id"`
	Details    string    `json:"details"` // JSON encoded
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// SyncQueueEntry - outbox row; deleted once the cloud accepts it
type SyncQueueEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Action    string    `gorm:"size:20" json:"action"`
	Model     string    `gorm:"index;size:40" json:"model"`
	EntityID  string    `gorm:"size:36" json:"entity_id"`
	Payload   string    `json:"payload"`
	Status    string    `gorm:"index;size:20" json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Setting - runtime key/value configuration
type Setting struct {
	Key       string    `gorm:"primaryKey;column:setting_key;size:100" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// All lists every persisted model in migration order.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Category{},
		&Product{},
		&ProductVariant{},
		&Sale{},
		&SaleItem{},
		&Payment{},
		&InventoryMovement{},
		&Exchange{},
		&ExchangeItem{},
		&Refund{},
		&RefundItem{},
		&AuditLog{},
		&SyncQueueEntry{},
		&Setting{},
	}
}

func assignID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func (p *Product) BeforeCreate(*gorm.DB) error           { assignID(&p.ID); return nil }
func (v *ProductVariant) BeforeCreate(*gorm.DB) error    { assignID(&v.ID); return nil }
func (s *Sale) BeforeCreate(*gorm.DB) error              { assignID(&s.ID); return nil }
func (i *SaleItem) BeforeCreate(*gorm.DB) error          { assignID(&i.ID); return nil }
func (p *Payment) BeforeCreate(*gorm.DB) error           { assignID(&p.ID); return nil }
func (m *InventoryMovement) BeforeCreate(*gorm.DB) error { assignID(&m.ID); return nil }
func (e *Exchange) BeforeCreate(*gorm.DB) error          { assignID(&e.ID); return nil }
func (i *ExchangeItem) BeforeCreate(*gorm.DB) error      { assignID(&i.ID); return nil }
func (r *Refund) BeforeCreate(*gorm.DB) error            { assignID(&r.ID); return nil }
func (i *RefundItem) BeforeCreate(*gorm.DB) error        { assignID(&i.ID); return nil }
func (a *AuditLog) BeforeCreate(*gorm.DB) error          { assignID(&a.ID); return nil }
