package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/auth"
	"go-pos-core/internal/backup"
	"go-pos-core/internal/cloudsync"
	"go-pos-core/internal/database"
	"go-pos-core/internal/middleware"
	"go-pos-core/internal/models"
	"go-pos-core/internal/pos"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// API holds everything the terminal handlers need.
type API struct {
	Store    *database.Store
	Coord    *pos.Coordinator
	Outbox   *cloudsync.Outbox
	Bulk     *cloudsync.BulkSyncer
	Backup   *backup.Snapshotter
	Restorer *backup.Restorer
	Issuer   *auth.Issuer
	Logger   *slog.Logger
}

// Register mounts every terminal route on r.
func (a *API) Register(r gin.IRouter) {
	r.GET("/health", a.Health)
	r.POST("/login", a.Login)

	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(a.Issuer))
	{
		// STAFF & ADMIN
		api.GET("/products", a.GetProducts)
		api.GET("/products/scan/:barcode", a.ScanProduct)
		api.POST("/checkout", a.Checkout)
		api.GET("/sales", a.ListSales)
		api.GET("/sales/:id", a.GetSale)
		api.PUT("/sales/:id/payment", a.UpdatePayment)
		api.POST("/exchanges", a.Exchange)
		api.POST("/refunds", a.Refund)
		api.GET("/system/status", a.GetSystemStatus)

		// ADMIN ONLY
		admin := api.Group("/")
		admin.Use(middleware.RequireRole(models.RoleAdmin))
		{
			admin.POST("/users", a.CreateUser)
			admin.POST("/products", a.AddProduct)
			admin.PUT("/products/:id", a.UpdateProduct)
			admin.DELETE("/products/:id", a.DeleteProduct)
			admin.POST("/sales/:id/void", a.VoidSale)
			admin.GET("/reports/stock-ledger", a.StockLedgerReport)
			admin.POST("/sync/now", a.SyncNow)
			admin.POST("/sync/drain", a.DrainOutbox)
			admin.POST("/sync/requeue", a.RequeueOutbox)
			admin.GET("/backups", a.ListBackups)
			admin.POST("/backup", a.BackupNow)
			admin.POST("/restore", a.Restore)
		}
	}
}

// db returns the store scoped to the request. While a restore has the store
// closed it answers 503 and returns false.
func (a *API) db(c *gin.Context) (*gorm.DB, bool) {
	db := a.Store.DB()
	if db == nil {
		fail(c, http.StatusServiceUnavailable, apperr.CodeStoreRestoring, "store is restoring, try again shortly")
		return nil, false
	}
	return db.WithContext(c.Request.Context()), true
}

func (a *API) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"success": false, "error": gin.H{"code": code, "message": msg}})
}

func badRequest(c *gin.Context, err error) {
	fail(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "Invalid input: "+err.Error())
}

// respondError maps an error kind to its HTTP status.
func (a *API) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindAuthorization:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindNetwork:
		status = http.StatusBadGateway
	}

	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) && e.Kind != apperr.KindTransaction && e.Kind != apperr.KindNetwork {
		msg = e.Message
	}
	if status >= 500 {
		a.logger().Error("request failed", "path", c.FullPath(), "err", err)
	}
	fail(c, status, apperr.CodeOf(err), msg)
}
