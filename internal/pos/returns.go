package pos

import (
	"context"
	"fmt"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReturnLine names a quantity of an original sale line being given back.
type ReturnLine struct {
	SaleItemID string `json:"sale_item_id"`
	Quantity   int    `json:"quantity"`
}

// LineView is a sale line with its quantity still held by the customer.
type LineView struct {
	models.SaleItem
	ReturnedQuantity int `json:"returned_quantity"`
	RefundedQuantity int `json:"refunded_quantity"`
	ActiveQuantity   int `json:"active_quantity"`
}

// SaleView is a sale as read back by the till, with compensating records applied.
type SaleView struct {
	models.Sale
	Lines []LineView `json:"lines"`
}

// GetSale loads a sale with per-line active quantities. Nothing is stored
// for them; they are original - returned - refunded at read time.
func (c *Coordinator) GetSale(ctx context.Context, saleID string) (*SaleView, error) {
	db := c.Store.DB()
	if db == nil {
		return nil, apperr.Transaction("get sale", fmt.Errorf("store is closed"))
	}
	db = db.WithContext(ctx)

	sale, err := loadSale(db, saleID)
	if err != nil {
		return nil, apperr.Transaction("get sale", err)
	}
	returned, refunded, err := compensated(db, sale.ID)
	if err != nil {
		return nil, apperr.Transaction("get sale", err)
	}

	view := &SaleView{Sale: sale, Lines: make([]LineView, 0, len(sale.Items))}
	for _, item := range sale.Items {
		view.Lines = append(view.Lines, LineView{
			SaleItem:         item,
			ReturnedQuantity: returned[item.ID],
			RefundedQuantity: refunded[item.ID],
			ActiveQuantity:   item.Quantity - returned[item.ID] - refunded[item.ID],
		})
	}
	return view, nil
}

// compensated sums exchanged-back and refunded quantities per sale line.
func compensated(tx *gorm.DB, saleID string) (returned, refunded map[string]int, err error) {
	type row struct {
		SaleItemID string
		Qty        int
	}

	var ex []row
	err = tx.Table("exchange_items").
		Select("exchange_items.sale_item_id AS sale_item_id, SUM(exchange_items.quantity) AS qty").
		Joins("JOIN exchanges ON exchanges.id = exchange_items.exchange_id").
		Where("exchanges.original_invoice_id = ? AND exchange_items.kind = ?", saleID, models.ExchangeItemReturned).
		Group("exchange_items.sale_item_id").
		Scan(&ex).Error
	if err != nil {
		return nil, nil, fmt.Errorf("sum exchanged quantities: %w", err)
	}

	var rf []row
	err = tx.Table("refund_items").
		Select("refund_items.sale_item_id AS sale_item_id, SUM(refund_items.quantity) AS qty").
		Joins("JOIN refunds ON refunds.id = refund_items.refund_id").
		Where("refunds.original_invoice_id = ?", saleID).
		Group("refund_items.sale_item_id").
		Scan(&rf).Error
	if err != nil {
		return nil, nil, fmt.Errorf("sum refunded quantities: %w", err)
	}

	returned = make(map[string]int, len(ex))
	for _, r := range ex {
		returned[r.SaleItemID] = r.Qty
	}
	refunded = make(map[string]int, len(rf))
	for _, r := range rf {
		refunded[r.SaleItemID] = r.Qty
	}
	return returned, refunded, nil
}

// returnable is a validated return against one original sale line.
type returnable struct {
	item      models.SaleItem
	quantity  int
	unitPrice decimal.Decimal
	total     decimal.Decimal
}

// resolveReturns checks each line against what the customer still holds and
// prices it at what was actually paid per unit.
func resolveReturns(tx *gorm.DB, sale models.Sale, lines []ReturnLine) ([]returnable, decimal.Decimal, error) {
	if sale.Status == models.SaleStatusVoided {
		return nil, decimal.Zero, apperr.Validation(apperr.CodeInvalidRequest, "sale %d is voided", sale.BillNo)
	}
	returned, refunded, err := compensated(tx, sale.ID)
	if err != nil {
		return nil, decimal.Zero, err
	}

	items := make(map[string]models.SaleItem, len(sale.Items))
	for _, it := range sale.Items {
		items[it.ID] = it
	}

	claimed := make(map[string]int, len(lines))
	out := make([]returnable, 0, len(lines))
	total := decimal.Zero
	for i, l := range lines {
		if l.Quantity <= 0 {
			return nil, decimal.Zero, apperr.Validation(apperr.CodeInvalidRequest, "line %d: quantity must be positive", i+1)
		}
		item, ok := items[l.SaleItemID]
		if !ok {
			return nil, decimal.Zero, apperr.Validation(apperr.CodeInvalidRequest, "line %d: item %s is not on bill %d", i+1, l.SaleItemID, sale.BillNo)
		}
		claimed[item.ID] += l.Quantity
		active := item.Quantity - returned[item.ID] - refunded[item.ID]
		if claimed[item.ID] > active {
			return nil, decimal.Zero, apperr.Validation(apperr.CodeInvalidRequest,
				"line %d: only %d of %s can still be returned", i+1, active, item.ProductName)
		}

		unit := round2(item.LineTotal.Div(decimal.NewFromInt(int64(item.Quantity))))
		lineTotal := round2(unit.Mul(decimal.NewFromInt(int64(l.Quantity))))
		out = append(out, returnable{item: item, quantity: l.Quantity, unitPrice: unit, total: lineTotal})
		total = total.Add(lineTotal)
	}
	return out, total, nil
}
