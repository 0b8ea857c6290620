package pos

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/cloudsync"
	"go-pos-core/internal/database"
	"go-pos-core/internal/guard"
	"go-pos-core/internal/models"
	"go-pos-core/internal/syncproto"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminID   uint = 1
	cashierID uint = 2
	clerkID   uint = 3 // cashier allowed to change payments
)

type fixture struct {
	store  *database.Store
	coord  *Coordinator
	outbox *cloudsync.Outbox
	x, y   models.ProductVariant
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := database.OpenAndMigrate(filepath.Join(t.TempDir(), "pos.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	db := store.DB()
	require.NoError(t, db.Create(&[]models.User{
		{ID: adminID, Username: "admin", Role: models.RoleAdmin, IsActive: true},
		{ID: cashierID, Username: "till", Role: models.RoleCashier, IsActive: true},
		{ID: clerkID, Username: "clerk", Role: models.RoleCashier, CanChangePayment: true, IsActive: true},
	}).Error)

	cat := models.Category{Name: "Shirts"}
	require.NoError(t, db.Create(&cat).Error)
	shirt := models.Product{
		Name:       "Oxford Shirt",
		CategoryID: cat.ID,
		IsActive:   true,
		Variants: []models.ProductVariant{
			{SKU: "OX-M", Size: "M", Price: dec("999"), TaxRate: dec("18"), Stock: 50, InitialStock: 50, IsActive: true},
			{SKU: "OX-L", Size: "L", Price: dec("1299"), TaxRate: dec("18"), Stock: 20, InitialStock: 20, IsActive: true},
		},
	}
	require.NoError(t, db.Create(&shirt).Error)

	outbox := &cloudsync.Outbox{Store: store, Client: cloudsync.NewClient("", "")}
	t.Cleanup(outbox.Close)

	coord := NewCoordinator(store, outbox, nil, nil)
	coord.Go = func(f func()) { f() }

	return &fixture{store: store, coord: coord, outbox: outbox, x: shirt.Variants[0], y: shirt.Variants[1]}
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	var v models.ProductVariant
	require.NoError(t, f.store.DB().First(&v, "id = ?", id).Error)
	return v.Stock
}

func (f *fixture) count(t *testing.T, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := f.store.DB().Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func (f *fixture) sell(t *testing.T, billNo int64, variantID string, qty int) *models.Sale {
	t.Helper()
	sale, err := f.coord.Checkout(context.Background(), CheckoutRequest{
		BillNo:        billNo,
		UserID:        cashierID,
		Items:         []CheckoutItem{{VariantID: variantID, Quantity: qty}},
		PaymentMethod: "CASH",
	})
	require.NoError(t, err)
	return sale
}

func TestCheckout_SingleItemCash(t *testing.T) {
	f := newFixture(t)
	paid := dec("1000")

	sale, err := f.coord.Checkout(context.Background(), CheckoutRequest{
		BillNo:        5001,
		UserID:        cashierID,
		Items:         []CheckoutItem{{VariantID: f.x.ID, Quantity: 1}},
		PaymentMethod: "CASH",
		PaidAmount:    &paid,
	})
	require.NoError(t, err)

	assert.Equal(t, "999.00", sale.GrandTotal.StringFixed(2))
	assert.Equal(t, "1.00", sale.ChangeAmount.StringFixed(2))
	assert.Equal(t, "152.39", sale.TaxAmount.StringFixed(2))
	assert.True(t, sale.CGST.Add(sale.SGST).Equal(sale.TaxAmount))
	assert.Equal(t, models.SaleStatusCompleted, sale.Status)
	require.Len(t, sale.Payments, 1)
	assert.Equal(t, "CASH", sale.Payments[0].Method)

	assert.Equal(t, 49, f.stock(t, f.x.ID))

	var moves []models.InventoryMovement
	require.NoError(t, f.store.DB().Find(&moves).Error)
	require.Len(t, moves, 1)
	assert.Equal(t, models.MovementOut, moves[0].Type)
	assert.Equal(t, -1, moves[0].Quantity)
	assert.Equal(t, sale.ID, moves[0].Reference)

	assert.Equal(t, int64(1), f.count(t, &models.AuditLog{}, "action = ?", models.AuditSaleCreate))
	assert.Equal(t, int64(1), f.count(t, &models.SyncQueueEntry{}, "entity_id = ? AND status = ?", sale.ID, models.SyncStatusPending))
}

func TestCheckout_AssignsNextBillNo(t *testing.T) {
	f := newFixture(t)
	f.sell(t, 41, f.x.ID, 1)

	sale, err := f.coord.Checkout(context.Background(), CheckoutRequest{
		UserID: cashierID,
		Items:  []CheckoutItem{{VariantID: f.x.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), sale.BillNo)
}

func TestCheckout_BillDiscountSpreadsOverLines(t *testing.T) {
	f := newFixture(t)

	sale, err := f.coord.Checkout(context.Background(), CheckoutRequest{
		BillNo: 1,
		UserID: cashierID,
		Items: []CheckoutItem{
			{VariantID: f.x.ID, Quantity: 1},
			{VariantID: f.y.ID, Quantity: 1},
		},
		DiscountAmount: dec("100"),
		Payments: []PaymentLine{
			{Method: "cash", Amount: dec("1000")},
			{Method: "card", Amount: dec("1198")},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "2298.00", sale.Subtotal.StringFixed(2))
	assert.Equal(t, "2198.00", sale.GrandTotal.StringFixed(2))
	assert.Equal(t, PaymentMethodSplit, sale.PaymentMethod)
	assert.Equal(t, "0.00", sale.ChangeAmount.StringFixed(2))

	lineSum := decimal.Zero
	for _, it := range sale.Items {
		lineSum = lineSum.Add(it.LineTotal)
	}
	assert.True(t, lineSum.Equal(sale.GrandTotal))
}

func TestCheckout_FailureAtLaterItemLeavesNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Checkout(context.Background(), CheckoutRequest{
		BillNo: 77,
		UserID: cashierID,
		Items: []CheckoutItem{
			{VariantID: f.x.ID, Quantity: 2},
			{VariantID: f.y.ID, Quantity: 1},
			{VariantID: "missing-variant", Quantity: 1},
		},
	})
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))

	assert.Zero(t, f.count(t, &models.Sale{}, ""))
	assert.Zero(t, f.count(t, &models.SaleItem{}, ""))
	assert.Zero(t, f.count(t, &models.Payment{}, ""))
	assert.Zero(t, f.count(t, &models.InventoryMovement{}, ""))
	assert.Zero(t, f.count(t, &models.AuditLog{}, ""))
	assert.Zero(t, f.count(t, &models.SyncQueueEntry{}, ""))
	assert.Equal(t, 50, f.stock(t, f.x.ID))
	assert.Equal(t, 20, f.stock(t, f.y.ID))

	// A failed attempt does not hold the bill number.
	assert.Zero(t, f.coord.Guard.Len())
}

func TestCheckout_RejectsOverselling(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Checkout(context.Background(), CheckoutRequest{
		BillNo: 1,
		UserID: cashierID,
		Items: []CheckoutItem{
			{VariantID: f.y.ID, Quantity: 15},
			{VariantID: f.y.ID, Quantity: 6},
		},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInsufficientStock, apperr.CodeOf(err))
	assert.Equal(t, 20, f.stock(t, f.y.ID))
}

func TestCheckout_DuplicateSubmission(t *testing.T) {
	f := newFixture(t)
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.coord.Guard = guard.New(guard.DefaultWindow, clock.Now)

	req := CheckoutRequest{
		BillNo: 9000,
		UserID: cashierID,
		Items:  []CheckoutItem{{VariantID: f.x.ID, Quantity: 1}},
	}
	_, err := f.coord.Checkout(context.Background(), req)
	require.NoError(t, err)

	_, err = f.coord.Checkout(context.Background(), req)
	require.ErrorIs(t, err, apperr.ErrDuplicateSubmission)
	assert.Equal(t, int64(1), f.count(t, &models.Sale{}, ""))
	assert.Equal(t, 49, f.stock(t, f.x.ID))

	// Past the window the guard admits again; the store's bill number
	// uniqueness is what rejects it now.
	clock.Advance(31 * time.Second)
	_, err = f.coord.Checkout(context.Background(), req)
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperr.ErrDuplicateSubmission))
	assert.Equal(t, apperr.KindTransaction, apperr.KindOf(err))
	assert.Equal(t, int64(1), f.count(t, &models.Sale{}, ""))
}

func TestCheckout_BackDatingNeedsPrivilege(t *testing.T) {
	f := newFixture(t)
	when := time.Date(2024, 12, 31, 18, 0, 0, 0, time.UTC)

	_, err := f.coord.Checkout(context.Background(), CheckoutRequest{
		BillNo:    1,
		UserID:    cashierID,
		Items:     []CheckoutItem{{VariantID: f.x.ID, Quantity: 1}},
		CreatedAt: &when,
	})
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	sale, err := f.coord.Checkout(context.Background(), CheckoutRequest{
		BillNo:    1,
		UserID:    adminID,
		Items:     []CheckoutItem{{VariantID: f.x.ID, Quantity: 1}},
		CreatedAt: &when,
	})
	require.NoError(t, err)
	assert.True(t, sale.CreatedAt.Equal(when))
}

type countingSnapshotter struct {
	mu sync.Mutex
	n  int
}

func (s *countingSnapshotter) Snapshot(context.Context) (string, error) {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return "snap.db", nil
}

func TestCheckout_SnapshotEveryTenthSale(t *testing.T) {
	f := newFixture(t)
	snaps := &countingSnapshotter{}
	f.coord.Backup = snaps

	for i := 1; i <= 25; i++ {
		f.sell(t, int64(i), f.x.ID, 1)
	}
	assert.Equal(t, 2, snaps.n)
}

type blockingSnapshotter struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSnapshotter) Snapshot(ctx context.Context) (string, error) {
	b.started <- struct{}{}
	<-b.release
	return "snap.db", nil
}

func TestWaitBlocksUntilCheckoutSnapshotFinishes(t *testing.T) {
	f := newFixture(t)
	snaps := &blockingSnapshotter{started: make(chan struct{}, 1), release: make(chan struct{})}
	f.coord.Backup = snaps
	f.coord.BackupEvery = 1
	f.coord.Go = func(fn func()) { go fn() }

	f.sell(t, 1, f.x.ID, 1)
	select {
	case <-snaps.started:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot never started")
	}

	done := make(chan struct{})
	go func() {
		f.coord.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Wait returned while the snapshot was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(snaps.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the snapshot finished")
	}
}

func TestUpdatePayment(t *testing.T) {
	f := newFixture(t)
	sale := f.sell(t, 1, f.x.ID, 1)
	upd := PaymentUpdate{Payments: []PaymentLine{
		{Method: "UPI", Amount: dec("500"), Reference: "txn-1"},
		{Method: "CASH", Amount: dec("499")},
	}}

	t.Run("cashier without capability", func(t *testing.T) {
		_, err := f.coord.UpdatePayment(context.Background(), sale.ID, upd, cashierID)
		require.ErrorIs(t, err, apperr.ErrUnauthorized)
	})

	t.Run("unknown sale", func(t *testing.T) {
		_, err := f.coord.UpdatePayment(context.Background(), "nope", upd, adminID)
		require.Error(t, err)
		assert.True(t, apperr.IsNotFound(err))
	})

	t.Run("capable user replaces tenders", func(t *testing.T) {
		updated, err := f.coord.UpdatePayment(context.Background(), sale.ID, upd, clerkID)
		require.NoError(t, err)
		assert.Equal(t, PaymentMethodSplit, updated.PaymentMethod)

		var payments []models.Payment
		require.NoError(t, f.store.DB().Where("sale_id = ?", sale.ID).Find(&payments).Error)
		require.Len(t, payments, 2)

		var stored models.Sale
		require.NoError(t, f.store.DB().First(&stored, "id = ?", sale.ID).Error)
		assert.Equal(t, PaymentMethodSplit, stored.PaymentMethod)
		assert.Equal(t, "999.00", stored.PaidAmount.StringFixed(2))
		assert.Equal(t, "999.00", stored.GrandTotal.StringFixed(2))

		assert.Equal(t, int64(1), f.count(t, &models.AuditLog{}, "action = ?", models.AuditPaymentUpdate))
		assert.Equal(t, int64(1), f.count(t, &models.SyncQueueEntry{}, "action = ?", models.SyncActionUpdate))
	})
}

func TestVoid(t *testing.T) {
	f := newFixture(t)
	sale := f.sell(t, 1, f.x.ID, 2)

	_, err := f.coord.Void(context.Background(), sale.ID, "  ", adminID)
	require.ErrorIs(t, err, apperr.ErrVoidReasonRequired)

	_, err = f.coord.Void(context.Background(), sale.ID, "wrong customer", cashierID)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	voided, err := f.coord.Void(context.Background(), sale.ID, "wrong customer", adminID)
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusVoided, voided.Status)
	assert.Equal(t, 48, f.stock(t, f.x.ID))
	assert.Equal(t, int64(1), f.count(t, &models.AuditLog{}, "action = ?", models.AuditSaleVoid))

	_, err = f.coord.Void(context.Background(), sale.ID, "again", adminID)
	assert.True(t, apperr.IsValidation(err))

	_, err = f.coord.Refund(context.Background(), RefundRequest{
		OriginalInvoiceID: sale.ID,
		UserID:            adminID,
		Items:             []ReturnLine{{SaleItemID: sale.Items[0].ID, Quantity: 1}},
		Reason:            "damaged",
	})
	assert.True(t, apperr.IsValidation(err))
}

func TestExchange_SwapsVariantsAndRecordsDifference(t *testing.T) {
	f := newFixture(t)
	sale := f.sell(t, 5001, f.x.ID, 1)
	movesBefore := f.count(t, &models.InventoryMovement{}, "")

	ex, err := f.coord.Exchange(context.Background(), ExchangeRequest{
		OriginalInvoiceID: sale.ID,
		UserID:            cashierID,
		Returned:          []ReturnLine{{SaleItemID: sale.Items[0].ID, Quantity: 1}},
		Issued:            []IssueLine{{VariantID: f.y.ID, Quantity: 1}},
		PaymentMethod:     "CASH",
	})
	require.NoError(t, err)

	assert.Equal(t, 50, f.stock(t, f.x.ID))
	assert.Equal(t, 19, f.stock(t, f.y.ID))
	assert.Equal(t, "300.00", ex.DifferenceAmount.StringFixed(2))
	assert.Equal(t, "999.00", ex.ReturnedValue.StringFixed(2))
	assert.Equal(t, "1299.00", ex.NewItemsValue.StringFixed(2))
	require.Len(t, ex.Payments, 1)
	assert.Equal(t, "300.00", ex.Payments[0].Amount.StringFixed(2))

	assert.Equal(t, int64(1), f.count(t, &models.AuditLog{}, "action = ?", models.AuditExchange))
	assert.Equal(t, movesBefore+2, f.count(t, &models.InventoryMovement{}, ""))
	assert.Equal(t, int64(1), f.count(t, &models.InventoryMovement{}, "type = ? AND reference = ?", models.MovementExchangeReturn, ex.ID))
	assert.Equal(t, int64(1), f.count(t, &models.InventoryMovement{}, "type = ? AND reference = ?", models.MovementExchangeOut, ex.ID))

	var stored models.Sale
	require.NoError(t, f.store.DB().First(&stored, "id = ?", sale.ID).Error)
	assert.Equal(t, models.SaleStatusCompleted, stored.Status)

	view, err := f.coord.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, 1, view.Lines[0].ReturnedQuantity)
	assert.Zero(t, view.Lines[0].ActiveQuantity)
}

func TestExchange_FailureRestoresEverything(t *testing.T) {
	f := newFixture(t)
	sale := f.sell(t, 1, f.x.ID, 1)

	_, err := f.coord.Exchange(context.Background(), ExchangeRequest{
		OriginalInvoiceID: sale.ID,
		UserID:            cashierID,
		Returned:          []ReturnLine{{SaleItemID: sale.Items[0].ID, Quantity: 1}},
		Issued:            []IssueLine{{VariantID: f.y.ID, Quantity: 1}, {VariantID: "ghost", Quantity: 1}},
	})
	require.Error(t, err)

	assert.Equal(t, 49, f.stock(t, f.x.ID))
	assert.Equal(t, 20, f.stock(t, f.y.ID))
	assert.Zero(t, f.count(t, &models.Exchange{}, ""))
	assert.Zero(t, f.count(t, &models.AuditLog{}, "action = ?", models.AuditExchange))
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	sale := f.sell(t, 1, f.x.ID, 3)
	line := sale.Items[0].ID

	_, err := f.coord.Refund(context.Background(), RefundRequest{
		OriginalInvoiceID: sale.ID,
		UserID:            cashierID,
		Items:             []ReturnLine{{SaleItemID: line, Quantity: 1}},
	})
	require.ErrorIs(t, err, apperr.ErrRefundReasonRequired)
	assert.Equal(t, 47, f.stock(t, f.x.ID))

	refund, err := f.coord.Refund(context.Background(), RefundRequest{
		OriginalInvoiceID: sale.ID,
		UserID:            cashierID,
		Items:             []ReturnLine{{SaleItemID: line, Quantity: 2}},
		Reason:            "stitching came apart",
	})
	require.NoError(t, err)
	assert.Equal(t, "1998.00", refund.TotalRefundAmount.StringFixed(2))
	assert.Equal(t, 49, f.stock(t, f.x.ID))
	assert.Equal(t, int64(1), f.count(t, &models.AuditLog{}, "action = ?", models.AuditRefund))
	assert.Equal(t, int64(1), f.count(t, &models.InventoryMovement{}, "type = ? AND quantity = ?", models.MovementRefund, 2))

	// Only one unit is still with the customer.
	_, err = f.coord.Refund(context.Background(), RefundRequest{
		OriginalInvoiceID: sale.ID,
		UserID:            cashierID,
		Items:             []ReturnLine{{SaleItemID: line, Quantity: 2}},
		Reason:            "second thoughts",
	})
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, 49, f.stock(t, f.x.ID))
}

func TestStockMatchesLedgerAfterMixedTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.sell(t, 1, f.x.ID, 4)
	b := f.sell(t, 2, f.y.ID, 2)
	_, err := f.coord.Exchange(ctx, ExchangeRequest{
		OriginalInvoiceID: a.ID,
		UserID:            cashierID,
		Returned:          []ReturnLine{{SaleItemID: a.Items[0].ID, Quantity: 2}},
		Issued:            []IssueLine{{VariantID: f.y.ID, Quantity: 1}, {VariantID: f.x.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	_, err = f.coord.Refund(ctx, RefundRequest{
		OriginalInvoiceID: b.ID,
		UserID:            cashierID,
		Items:             []ReturnLine{{SaleItemID: b.Items[0].ID, Quantity: 1}},
		Reason:            "size",
	})
	require.NoError(t, err)

	drift, err := database.VerifyStockLedger(f.store.DB())
	require.NoError(t, err)
	assert.Empty(t, drift)

	// 50 - 4 + 2 - 1 = 47 and 20 - 2 - 1 + 1 = 18
	assert.Equal(t, 47, f.stock(t, f.x.ID))
	assert.Equal(t, 18, f.stock(t, f.y.ID))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCheckoutKicksOutboxAfterCommit(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req syncproto.SalesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		for _, s := range req.Sales {
			received = append(received, s.ID)
		}
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(syncproto.Response{Success: true})
	}))
	t.Cleanup(srv.Close)
	require.NoError(t, database.PutSetting(f.store.DB(), database.SettingCloudURL, srv.URL))

	sale := f.sell(t, 7001, f.x.ID, 1)

	assert.Eventually(t, func() bool {
		pending, err := f.outbox.Pending(context.Background())
		mu.Lock()
		defer mu.Unlock()
		return err == nil && pending == 0 && len(received) == 1 && received[0] == sale.ID
	}, 2*time.Second, 10*time.Millisecond)
}
