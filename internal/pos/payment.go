package pos

import (
	"context"
	"fmt"
	"strings"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/database"
	"go-pos-core/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentUpdate replaces how a sale was paid. Amounts of the sale itself never change.
type PaymentUpdate struct {
	PaymentMethod string           `json:"payment_method"`
	PaidAmount    *decimal.Decimal `json:"paid_amount"`
	Payments      []PaymentLine    `json:"payments"`
}

// UpdatePayment corrects the tender of a completed sale. The acting user needs
// the change-payment capability or the admin role. Payment rows are replaced
// wholesale in the same transaction.
func (c *Coordinator) UpdatePayment(ctx context.Context, saleID string, upd PaymentUpdate, userID uint) (*models.Sale, error) {
	if strings.TrimSpace(upd.PaymentMethod) == "" && len(upd.Payments) == 0 {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "payment method or payment lines are required")
	}
	if err := validatePayments(upd.Payments); err != nil {
		return nil, err
	}
	if upd.PaidAmount != nil && upd.PaidAmount.IsNegative() {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "paid amount cannot be negative")
	}

	var sale models.Sale
	err := c.atomic(ctx, "update payment", func(tx *gorm.DB) error {
		user, err := loadUser(tx, userID)
		if err != nil {
			return err
		}
		if !user.IsAdmin() && !user.CanChangePayment {
			return apperr.ErrUnauthorized
		}

		sale, err = loadSale(tx, saleID)
		if err != nil {
			return err
		}
		if sale.Status == models.SaleStatusVoided {
			return apperr.Validation(apperr.CodeInvalidRequest, "sale %d is voided", sale.BillNo)
		}

		payments, method := buildPayments(upd.PaymentMethod, upd.Payments, sale.GrandTotal)
		paid := sumDecimals(paymentAmounts(payments)...)
		if upd.PaidAmount != nil {
			paid = round2(*upd.PaidAmount)
		}
		change := decimal.Max(paid.Sub(sale.GrandTotal), decimal.Zero)

		before := map[string]any{
			"payment_method": sale.PaymentMethod,
			"paid_amount":    sale.PaidAmount,
			"payments":       len(sale.Payments),
		}

		// 1. Payment columns of the header
		err = database.AllowPaymentUpdate(tx).
			Model(&models.Sale{}).
			Where("id = ?", sale.ID).
			Updates(map[string]interface{}{
				"payment_method": method,
				"paid_amount":    paid,
				"change_amount":  change,
			}).Error
		if err != nil {
			return fmt.Errorf("update sale payment: %w", err)
		}

		// 2. Delete then recreate tender rows
		if err := tx.Where("sale_id = ?", sale.ID).Delete(&models.Payment{}).Error; err != nil {
			return fmt.Errorf("delete payments: %w", err)
		}
		for i := range payments {
			payments[i].SaleID = &sale.ID
		}
		if err := tx.Create(&payments).Error; err != nil {
			return fmt.Errorf("create payments: %w", err)
		}

		// 3. Audit
		if err := writeAudit(tx, user.ID, models.AuditPaymentUpdate, "Sale", sale.ID, map[string]any{
			"bill_no": sale.BillNo,
			"before":  before,
			"after": map[string]any{
				"payment_method": method,
				"paid_amount":    paid,
				"payments":       len(payments),
			},
		}); err != nil {
			return err
		}

		sale.PaymentMethod = method
		sale.PaidAmount = paid
		sale.ChangeAmount = change
		sale.Payments = payments
		return c.enqueue(tx, models.SyncActionUpdate, &sale)
	})
	if err != nil {
		return nil, err
	}

	c.Logger.Info("sale payment updated", "sale_id", sale.ID, "bill_no", sale.BillNo, "method", sale.PaymentMethod, "user_id", userID)
	c.afterCommit()
	return &sale, nil
}

// Void moves a completed sale to VOIDED, the only status change a sale allows.
// It needs the admin role and a reason. Stock is not moved back.
func (c *Coordinator) Void(ctx context.Context, saleID, reason string, userID uint) (*models.Sale, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.ErrVoidReasonRequired
	}

	var sale models.Sale
	err := c.atomic(ctx, "void sale", func(tx *gorm.DB) error {
		user, err := loadUser(tx, userID)
		if err != nil {
			return err
		}
		if !user.IsAdmin() {
			return apperr.ErrUnauthorized
		}

		sale, err = loadSale(tx, saleID)
		if err != nil {
			return err
		}
		if sale.Status == models.SaleStatusVoided {
			return apperr.Validation(apperr.CodeInvalidRequest, "sale %d is already voided", sale.BillNo)
		}

		err = tx.Model(&models.Sale{}).
			Where("id = ?", sale.ID).
			Update("status", models.SaleStatusVoided).Error
		if err != nil {
			return fmt.Errorf("void sale: %w", err)
		}

		if err := writeAudit(tx, user.ID, models.AuditSaleVoid, "Sale", sale.ID, map[string]any{
			"bill_no":     sale.BillNo,
			"grand_total": sale.GrandTotal,
			"reason":      reason,
		}); err != nil {
			return err
		}

		sale.Status = models.SaleStatusVoided
		return c.enqueue(tx, models.SyncActionUpdate, &sale)
	})
	if err != nil {
		return nil, err
	}

	c.Logger.Info("sale voided", "sale_id", sale.ID, "bill_no", sale.BillNo, "user_id", userID)
	c.afterCommit()
	return &sale, nil
}
