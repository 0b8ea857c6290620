package pos

import (
	"context"
	"fmt"
	"strings"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IssueLine is a new variant handed out in an exchange.
type IssueLine struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

// ExchangeRequest swaps lines of an earlier sale for new goods.
type ExchangeRequest struct {
	OriginalInvoiceID string       `json:"original_invoice_id" binding:"required"`
	UserID            uint         `json:"-"`
	Returned          []ReturnLine `json:"returned_items"`
	Issued            []IssueLine  `json:"new_items"`
	PaymentMethod     string       `json:"payment_method"`
	Reason            string       `json:"reason"`
}

// Exchange records returned and newly issued goods against a completed sale.
// The sale itself is untouched; the Exchange row and its movements compensate
// for it. The difference (new minus returned) is attached as a payment.
func (c *Coordinator) Exchange(ctx context.Context, req ExchangeRequest) (*models.Exchange, error) {
	if len(req.Returned) == 0 {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "an exchange needs at least one returned item")
	}
	for i, l := range req.Issued {
		if l.VariantID == "" || l.Quantity <= 0 {
			return nil, apperr.Validation(apperr.CodeInvalidRequest, "new item %d: variant and positive quantity are required", i+1)
		}
	}

	var ex models.Exchange
	err := c.atomic(ctx, "exchange", func(tx *gorm.DB) error {
		user, err := loadUser(tx, req.UserID)
		if err != nil {
			return err
		}
		sale, err := loadSale(tx, req.OriginalInvoiceID)
		if err != nil {
			return err
		}

		// 1. Returned lines, priced at what was paid
		back, returnedValue, err := resolveReturns(tx, sale, req.Returned)
		if err != nil {
			return err
		}

		ex = models.Exchange{
			ID:                uuid.NewString(),
			OriginalInvoiceID: sale.ID,
			UserID:            user.ID,
			ReturnedValue:     returnedValue,
			PaymentMethod:     strings.ToUpper(strings.TrimSpace(req.PaymentMethod)),
			Reason:            strings.TrimSpace(req.Reason),
		}
		if ex.PaymentMethod == "" {
			ex.PaymentMethod = DefaultPaymentMethod
		}
		for _, r := range back {
			ex.Items = append(ex.Items, models.ExchangeItem{
				Kind:        models.ExchangeItemReturned,
				SaleItemID:  r.item.ID,
				VariantID:   r.item.VariantID,
				ProductName: r.item.ProductName,
				Quantity:    r.quantity,
				UnitPrice:   r.unitPrice,
				Total:       r.total,
			})
		}

		// 2. New lines at current catalog price
		newValue := decimal.Zero
		requested := make(map[string]int, len(req.Issued))
		for i, l := range req.Issued {
			var variant models.ProductVariant
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Preload("Product").
				Limit(1).
				Find(&variant, "id = ?", l.VariantID).Error
			if err != nil {
				return fmt.Errorf("load variant: %w", err)
			}
			if variant.ID == "" {
				return apperr.NotFound("variant", l.VariantID)
			}
			if !variant.IsActive {
				return apperr.Validation(apperr.CodeInvalidRequest, "new item %d: variant %s is not for sale", i+1, variant.ID)
			}
			requested[variant.ID] += l.Quantity
			// Returned units of the same variant are back on the shelf first.
			available := variant.Stock
			for _, r := range back {
				if r.item.VariantID == variant.ID {
					available += r.quantity
				}
			}
			if available < requested[variant.ID] {
				return apperr.Validation(apperr.CodeInsufficientStock,
					"new item %d: %d requested, %d in stock for %s", i+1, requested[variant.ID], available, variant.SKU)
			}

			name := ""
			if variant.Product != nil {
				name = variant.Product.Name
			}
			total := round2(variant.Price.Mul(decimal.NewFromInt(int64(l.Quantity))))
			ex.Items = append(ex.Items, models.ExchangeItem{
				Kind:        models.ExchangeItemNew,
				VariantID:   variant.ID,
				ProductName: name,
				Quantity:    l.Quantity,
				UnitPrice:   variant.Price,
				Total:       total,
			})
			newValue = newValue.Add(total)
		}
		ex.NewItemsValue = newValue
		ex.DifferenceAmount = newValue.Sub(returnedValue)

		// 3. The delta as a tender: positive is collected, negative paid out
		if !ex.DifferenceAmount.IsZero() {
			ex.Payments = []models.Payment{{
				Method:    ex.PaymentMethod,
				Amount:    ex.DifferenceAmount,
				Reference: fmt.Sprintf("exchange on bill %d", sale.BillNo),
			}}
		}

		if err := tx.Create(&ex).Error; err != nil {
			return fmt.Errorf("create exchange: %w", err)
		}

		// 4. Stock and ledger
		for _, it := range ex.Items {
			kind, delta := models.MovementExchangeReturn, it.Quantity
			if it.Kind == models.ExchangeItemNew {
				kind, delta = models.MovementExchangeOut, -it.Quantity
			}
			if err := adjustStock(tx, it.VariantID, delta); err != nil {
				return err
			}
			if err := appendMovement(tx, it.VariantID, kind, delta, ex.ID, user.ID, fmt.Sprintf("bill %d", sale.BillNo)); err != nil {
				return err
			}
		}

		// 5. Audit
		return writeAudit(tx, user.ID, models.AuditExchange, "Exchange", ex.ID, map[string]any{
			"bill_no":           sale.BillNo,
			"sale_id":           sale.ID,
			"returned_value":    ex.ReturnedValue,
			"new_items_value":   ex.NewItemsValue,
			"difference_amount": ex.DifferenceAmount,
			"reason":            ex.Reason,
		})
	})
	if err != nil {
		c.Logger.Warn("exchange rolled back", "sale_id", req.OriginalInvoiceID, "err", err)
		return nil, err
	}

	c.Logger.Info("exchange recorded", "exchange_id", ex.ID, "sale_id", ex.OriginalInvoiceID, "difference", ex.DifferenceAmount.StringFixed(2))
	return &ex, nil
}
