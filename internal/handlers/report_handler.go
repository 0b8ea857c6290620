package handlers

import (
	"net/http"
	"strconv"

	"go-pos-core/internal/database"
	"go-pos-core/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// SalesListing is the response of GET /api/sales.
type SalesListing struct {
	TotalRevenue decimal.Decimal `json:"total_revenue"`
	TotalOrders  int64           `json:"total_orders"`
	VoidedOrders int64           `json:"voided_orders"`
	RecentSales  []models.Sale   `json:"recent_sales"`
}

// --- GET: /api/sales ---
// Completed revenue plus the newest bills (?limit=, default 20, max 200).
func (a *API) ListSales(c *gin.Context) {
	var data SalesListing
	db, ready := a.db(c)
	if !ready {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	// 1. Revenue of completed sales
	var agg struct{ Revenue decimal.Decimal }
	err = db.Model(&models.Sale{}).
		Where("status = ?", models.SaleStatusCompleted).
		Select("COALESCE(SUM(grand_total), 0) AS revenue").
		Scan(&agg).Error
	if err != nil {
		a.respondError(c, err)
		return
	}
	data.TotalRevenue = agg.Revenue.Round(2)

	// 2. Counts
	if err := db.Model(&models.Sale{}).Where("status = ?", models.SaleStatusCompleted).Count(&data.TotalOrders).Error; err != nil {
		a.respondError(c, err)
		return
	}
	if err := db.Model(&models.Sale{}).Where("status = ?", models.SaleStatusVoided).Count(&data.VoidedOrders).Error; err != nil {
		a.respondError(c, err)
		return
	}

	// 3. Recent Transactions, newest first
	if err := db.Preload("Payments").Order("created_at desc").Limit(limit).Find(&data.RecentSales).Error; err != nil {
		a.respondError(c, err)
		return
	}

	ok(c, http.StatusOK, data)
}

// --- GET: /api/reports/stock-ledger (admin) ---
// Every variant whose stock disagrees with initial stock plus its movements.
func (a *API) StockLedgerReport(c *gin.Context) {
	db, ready := a.db(c)
	if !ready {
		return
	}
	drift, err := database.VerifyStockLedger(db)
	if err != nil {
		a.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"consistent": len(drift) == 0,
		"drift":      drift,
	})
}
