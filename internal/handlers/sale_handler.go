package handlers

import (
	"net/http"
	"strings"

	"go-pos-core/internal/middleware"
	"go-pos-core/internal/pos"

	"github.com/gin-gonic/gin"
)

// VoidRequest carries the mandatory reason for voiding a sale.
type VoidRequest struct {
	Reason string `json:"reason"`
}

// --- POST: /api/checkout ---
func (a *API) Checkout(c *gin.Context) {
	var req pos.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	// Who sold it comes from the token, never the body.
	req.UserID = middleware.UserID(c)

	sale, err := a.Coord.Checkout(c.Request.Context(), req)
	if err != nil {
		a.respondError(c, err)
		return
	}
	ok(c, http.StatusCreated, sale)
}

// --- PUT: /api/sales/:id/payment ---
func (a *API) UpdatePayment(c *gin.Context) {
	var upd pos.PaymentUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		badRequest(c, err)
		return
	}

	sale, err := a.Coord.UpdatePayment(c.Request.Context(), c.Param("id"), upd, middleware.UserID(c))
	if err != nil {
		a.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, sale)
}

// --- POST: /api/sales/:id/void (admin) ---
func (a *API) VoidSale(c *gin.Context) {
	var req VoidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sale, err := a.Coord.Void(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Reason), middleware.UserID(c))
	if err != nil {
		a.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, sale)
}

// --- POST: /api/exchanges ---
func (a *API) Exchange(c *gin.Context) {
	var req pos.ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.UserID = middleware.UserID(c)

	ex, err := a.Coord.Exchange(c.Request.Context(), req)
	if err != nil {
		a.respondError(c, err)
		return
	}
	ok(c, http.StatusCreated, ex)
}

// --- POST: /api/refunds ---
func (a *API) Refund(c *gin.Context) {
	var req pos.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.UserID = middleware.UserID(c)

	refund, err := a.Coord.Refund(c.Request.Context(), req)
	if err != nil {
		a.respondError(c, err)
		return
	}
	ok(c, http.StatusCreated, refund)
}

// --- GET: /api/sales/:id ---
// Lines carry the quantity still with the customer after exchanges and refunds.
func (a *API) GetSale(c *gin.Context) {
	view, err := a.Coord.GetSale(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, view)
}
