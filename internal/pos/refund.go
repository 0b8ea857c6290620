package pos

import (
	"context"
	"fmt"
	"strings"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RefundRequest returns money for lines of an earlier sale.
type RefundRequest struct {
	OriginalInvoiceID string       `json:"original_invoice_id" binding:"required"`
	UserID            uint         `json:"-"`
	Items             []ReturnLine `json:"items"`
	RefundMethod      string       `json:"refund_method"`
	Reason            string       `json:"reason"`
}

// Refund puts the refunded units back in stock and records the money paid out.
// A reason is mandatory.
func (c *Coordinator) Refund(ctx context.Context, req RefundRequest) (*models.Refund, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperr.ErrRefundReasonRequired
	}
	if len(req.Items) == 0 {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "a refund needs at least one item")
	}

	var refund models.Refund
	err := c.atomic(ctx, "refund", func(tx *gorm.DB) error {
		user, err := loadUser(tx, req.UserID)
		if err != nil {
			return err
		}
		sale, err := loadSale(tx, req.OriginalInvoiceID)
		if err != nil {
			return err
		}

		back, total, err := resolveReturns(tx, sale, req.Items)
		if err != nil {
			return err
		}

		refund = models.Refund{
			ID:                uuid.NewString(),
			OriginalInvoiceID: sale.ID,
			UserID:            user.ID,
			TotalRefundAmount: total,
			RefundMethod:      strings.ToUpper(strings.TrimSpace(req.RefundMethod)),
			Reason:            reason,
		}
		if refund.RefundMethod == "" {
			refund.RefundMethod = DefaultPaymentMethod
		}
		for _, r := range back {
			refund.Items = append(refund.Items, models.RefundItem{
				SaleItemID: r.item.ID,
				VariantID:  r.item.VariantID,
				Quantity:   r.quantity,
				UnitPrice:  r.unitPrice,
				Total:      r.total,
			})
		}

		if err := tx.Create(&refund).Error; err != nil {
			return fmt.Errorf("create refund: %w", err)
		}

		for _, it := range refund.Items {
			if err := adjustStock(tx, it.VariantID, it.Quantity); err != nil {
				return err
			}
			if err := appendMovement(tx, it.VariantID, models.MovementRefund, it.Quantity, refund.ID, user.ID, fmt.Sprintf("bill %d", sale.BillNo)); err != nil {
				return err
			}
		}

		return writeAudit(tx, user.ID, models.AuditRefund, "Refund", refund.ID, map[string]any{
			"bill_no":             sale.BillNo,
			"sale_id":             sale.ID,
			"total_refund_amount": refund.TotalRefundAmount,
			"refund_method":       refund.RefundMethod,
			"reason":              reason,
		})
	})
	if err != nil {
		c.Logger.Warn("refund rolled back", "sale_id", req.OriginalInvoiceID, "err", err)
		return nil, err
	}

	c.Logger.Info("refund recorded", "refund_id", refund.ID, "sale_id", refund.OriginalInvoiceID, "amount", refund.TotalRefundAmount.StringFixed(2))
	return &refund, nil
}
