package pos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultPaymentMethod is used when a checkout names no tender.
const DefaultPaymentMethod = "CASH"

// PaymentMethodSplit marks a sale paid with more than one tender.
const PaymentMethodSplit = "SPLIT"

// CheckoutItem is one cart line.
type CheckoutItem struct {
	VariantID      string          `json:"variant_id" binding:"required"`
	Quantity       int             `json:"quantity" binding:"required"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

// PaymentLine is one tender.
type PaymentLine struct {
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// CheckoutRequest is everything the till sends for a new bill. BillNo zero
// means "next number"; CreatedAt back-dates the bill and needs a privileged role.
type CheckoutRequest struct {
	BillNo         int64            `json:"bill_no"`
	UserID         uint             `json:"-"`
	CustomerName   string           `json:"customer_name"`
	CustomerPhone  string           `json:"customer_phone"`
	Items          []CheckoutItem   `json:"items" binding:"required"`
	DiscountAmount decimal.Decimal  `json:"discount_amount"`
	PaymentMethod  string           `json:"payment_method"`
	PaidAmount     *decimal.Decimal `json:"paid_amount"`
	Payments       []PaymentLine    `json:"payments"`
	CreatedAt      *time.Time       `json:"created_at"`
}

// Checkout records a sale. The bill number is admitted through the duplicate
// guard first; everything after that is one transaction.
func (c *Coordinator) Checkout(ctx context.Context, req CheckoutRequest) (*models.Sale, error) {
	if err := validateCheckout(req); err != nil {
		return nil, err
	}

	billNo := req.BillNo
	if billNo == 0 {
		next, err := c.nextBillNo(ctx)
		if err != nil {
			return nil, err
		}
		billNo = next
	}

	// 1. Admission control
	if err := c.Guard.AdmitBill(billNo); err != nil {
		return nil, err
	}

	var sale models.Sale
	err := c.atomic(ctx, "checkout", func(tx *gorm.DB) error {
		user, err := loadUser(tx, req.UserID)
		if err != nil {
			return err
		}
		if req.CreatedAt != nil && user.Role != models.RoleAdmin && user.Role != models.RoleManager {
			return apperr.ErrUnauthorized
		}

		// 2. Price every line from the locked variant rows
		lines := make([]models.SaleItem, 0, len(req.Items))
		gross := make([]decimal.Decimal, 0, len(req.Items))
		requested := make(map[string]int, len(req.Items))
		for i, item := range req.Items {
			var variant models.ProductVariant
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Limit(1).
				Find(&variant, "id = ?", item.VariantID).Error
			if err != nil {
				return fmt.Errorf("load variant: %w", err)
			}
			if variant.ID == "" {
				return apperr.NotFound("variant", item.VariantID)
			}
			if !variant.IsActive {
				return apperr.Validation(apperr.CodeInvalidRequest, "item %d: variant %s is not for sale", i+1, variant.ID)
			}
			requested[variant.ID] += item.Quantity
			if variant.Stock < requested[variant.ID] {
				return apperr.Validation(apperr.CodeInsufficientStock,
					"item %d: %d requested, %d in stock for %s", i+1, requested[variant.ID], variant.Stock, variant.SKU)
			}

			var product models.Product
			if err := tx.Select("id", "name").Limit(1).Find(&product, "id = ?", variant.ProductID).Error; err != nil {
				return fmt.Errorf("load product: %w", err)
			}

			list := round2(variant.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
			discount := round2(item.DiscountAmount)
			if discount.GreaterThan(list) {
				return apperr.Validation(apperr.CodeInvalidRequest, "item %d: discount exceeds line value", i+1)
			}

			lines = append(lines, models.SaleItem{
				VariantID:      variant.ID,
				ProductName:    product.Name,
				VariantName:    variantLabel(variant),
				SKU:            variant.SKU,
				Quantity:       item.Quantity,
				UnitPrice:      variant.Price,
				DiscountAmount: discount,
				TaxRate:        variant.TaxRate,
			})
			gross = append(gross, list.Sub(discount))
		}

		// 3. Totals. The bill discount is spread over the lines so each
		// line's total is what the customer actually paid for it.
		subtotal := decimal.Zero
		lineDiscounts := decimal.Zero
		for _, l := range lines {
			subtotal = subtotal.Add(round2(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))))
			lineDiscounts = lineDiscounts.Add(l.DiscountAmount)
		}
		billDiscount := round2(req.DiscountAmount)
		if billDiscount.GreaterThan(sumDecimals(gross...)) {
			return apperr.Validation(apperr.CodeInvalidRequest, "discount exceeds bill value")
		}
		shares := allocate(billDiscount, gross)

		tax := decimal.Zero
		for i := range lines {
			lines[i].DiscountAmount = lines[i].DiscountAmount.Add(shares[i])
			lines[i].LineTotal = gross[i].Sub(shares[i])
			lines[i].TaxAmount = inclusiveTax(lines[i].LineTotal, lines[i].TaxRate)
			tax = tax.Add(lines[i].TaxAmount)
		}
		grandTotal := subtotal.Sub(lineDiscounts).Sub(billDiscount)
		cgst, sgst := splitTax(tax)

		// 4. Tenders
		payments, method := buildPayments(req.PaymentMethod, req.Payments, grandTotal)
		paid := sumDecimals(paymentAmounts(payments)...)
		if req.PaidAmount != nil {
			paid = round2(*req.PaidAmount)
		}
		change := decimal.Max(paid.Sub(grandTotal), decimal.Zero)

		sale = models.Sale{
			BillNo:         billNo,
			UserID:         user.ID,
			CustomerName:   strings.TrimSpace(req.CustomerName),
			CustomerPhone:  strings.TrimSpace(req.CustomerPhone),
			Subtotal:       subtotal,
			DiscountAmount: lineDiscounts.Add(billDiscount),
			TaxAmount:      tax,
			CGST:           cgst,
			SGST:           sgst,
			GrandTotal:     grandTotal,
			PaidAmount:     paid,
			ChangeAmount:   change,
			PaymentMethod:  method,
			Status:         models.SaleStatusCompleted,
			Items:          lines,
			Payments:       payments,
		}
		if req.CreatedAt != nil {
			sale.CreatedAt = *req.CreatedAt
		}

		// 5. Sale header, lines and tenders
		if err := tx.Create(&sale).Error; err != nil {
			return fmt.Errorf("create sale: %w", err)
		}

		// 6. Stock out, one ledger row per line
		for _, l := range sale.Items {
			if err := adjustStock(tx, l.VariantID, -l.Quantity); err != nil {
				return err
			}
			if err := appendMovement(tx, l.VariantID, models.MovementOut, -l.Quantity, sale.ID, user.ID, fmt.Sprintf("bill %d", billNo)); err != nil {
				return err
			}
		}

		// 7. Audit and outbox
		if err := writeAudit(tx, user.ID, models.AuditSaleCreate, "Sale", sale.ID, map[string]any{
			"bill_no":        billNo,
			"grand_total":    grandTotal,
			"payment_method": method,
			"items":          len(sale.Items),
		}); err != nil {
			return err
		}
		return c.enqueue(tx, models.SyncActionCreate, &sale)
	})
	if err != nil {
		c.Guard.ReleaseBill(billNo)
		c.Logger.Warn("checkout rolled back", "bill_no", billNo, "err", err)
		return nil, err
	}

	c.Logger.Info("sale recorded", "sale_id", sale.ID, "bill_no", billNo, "grand_total", sale.GrandTotal.StringFixed(2))
	c.afterCommit()
	c.countCheckout()
	return &sale, nil
}

// nextBillNo reads max(bill_no)+1. It is not reserved; the store's unique
// index is the final arbiter between concurrent writers.
func (c *Coordinator) nextBillNo(ctx context.Context) (int64, error) {
	db := c.Store.DB()
	if db == nil {
		return 0, apperr.Transaction("next bill number", fmt.Errorf("store is closed"))
	}
	var last int64
	err := db.WithContext(ctx).Model(&models.Sale{}).
		Select("COALESCE(MAX(bill_no), 0)").
		Scan(&last).Error
	if err != nil {
		return 0, apperr.Transaction("next bill number", err)
	}
	return last + 1, nil
}

func validateCheckout(req CheckoutRequest) error {
	if len(req.Items) == 0 {
		return apperr.Validation(apperr.CodeInvalidRequest, "a sale needs at least one item")
	}
	if req.BillNo < 0 {
		return apperr.Validation(apperr.CodeInvalidRequest, "bill number must be positive")
	}
	for i, item := range req.Items {
		if item.VariantID == "" {
			return apperr.Validation(apperr.CodeInvalidRequest, "item %d: variant is required", i+1)
		}
		if item.Quantity <= 0 {
			return apperr.Validation(apperr.CodeInvalidRequest, "item %d: quantity must be positive", i+1)
		}
		if item.DiscountAmount.IsNegative() {
			return apperr.Validation(apperr.CodeInvalidRequest, "item %d: discount cannot be negative", i+1)
		}
	}
	if req.DiscountAmount.IsNegative() {
		return apperr.Validation(apperr.CodeInvalidRequest, "discount cannot be negative")
	}
	if req.PaidAmount != nil && req.PaidAmount.IsNegative() {
		return apperr.Validation(apperr.CodeInvalidRequest, "paid amount cannot be negative")
	}
	return validatePayments(req.Payments)
}

func validatePayments(payments []PaymentLine) error {
	for i, p := range payments {
		if strings.TrimSpace(p.Method) == "" {
			return apperr.Validation(apperr.CodeInvalidRequest, "payment %d: method is required", i+1)
		}
		if p.Amount.IsNegative() {
			return apperr.Validation(apperr.CodeInvalidRequest, "payment %d: amount cannot be negative", i+1)
		}
	}
	return nil
}

// buildPayments turns payment lines into Payment rows. Without split lines the
// whole total is one tender of the named method.
func buildPayments(method string, lines []PaymentLine, total decimal.Decimal) ([]models.Payment, string) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if len(lines) == 0 {
		if method == "" {
			method = DefaultPaymentMethod
		}
		return []models.Payment{{Method: method, Amount: total}}, method
	}

	out := make([]models.Payment, 0, len(lines))
	for _, l := range lines {
		out = append(out, models.Payment{
			Method:    strings.ToUpper(strings.TrimSpace(l.Method)),
			Amount:    round2(l.Amount),
			Reference: l.Reference,
		})
	}
	if len(out) > 1 {
		return out, PaymentMethodSplit
	}
	return out, out[0].Method
}

func paymentAmounts(payments []models.Payment) []decimal.Decimal {
	out := make([]decimal.Decimal, len(payments))
	for i, p := range payments {
		out[i] = p.Amount
	}
	return out
}

func variantLabel(v models.ProductVariant) string {
	var parts []string
	for _, p := range []string{v.Size, v.Color} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " / ")
}
