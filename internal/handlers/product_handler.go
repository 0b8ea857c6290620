package handlers

import (
	"errors"
	"net/http"
	"strings"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// VariantInput describes one variant of a new product. Stock is the opening
// balance and becomes the variant's InitialStock.
type VariantInput struct {
	SKU       string          `json:"sku"`
	Barcode   string          `json:"barcode"`
	Size      string          `json:"size"`
	Color     string          `json:"color"`
	Price     decimal.Decimal `json:"price"`
	CostPrice decimal.Decimal `json:"cost_price"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	Stock     int             `json:"stock"`
}

// ProductInput is the body of POST /api/products.
type ProductInput struct {
	Name        string         `json:"name" binding:"required"`
	Category    string         `json:"category"`
	Description string         `json:"description"`
	Variants    []VariantInput `json:"variants" binding:"required,min=1"`
}

// VariantPatch changes catalog fields of one variant. Stock is deliberately
// absent: it only moves through sales, exchanges and refunds.
type VariantPatch struct {
	ID        string           `json:"id" binding:"required"`
	SKU       *string          `json:"sku"`
	Barcode   *string          `json:"barcode"`
	Size      *string          `json:"size"`
	Color     *string          `json:"color"`
	Price     *decimal.Decimal `json:"price"`
	CostPrice *decimal.Decimal `json:"cost_price"`
	TaxRate   *decimal.Decimal `json:"tax_rate"`
	IsActive  *bool            `json:"is_active"`
}

// ProductPatch is the body of PUT /api/products/:id.
type ProductPatch struct {
	Name        *string        `json:"name"`
	Category    *string        `json:"category"`
	Description *string        `json:"description"`
	IsActive    *bool          `json:"is_active"`
	Variants    []VariantPatch `json:"variants"`
}

// --- GET: List products ---
// Inactive products are hidden unless ?all=true.
func (a *API) GetProducts(c *gin.Context) {
	var products []models.Product

	db, ready := a.db(c)
	if !ready {
		return
	}
	q := db.Preload("Category").Preload("Variants", func(db *gorm.DB) *gorm.DB {
		return db.Order("sku")
	}).Where("is_placeholder = ?", false)
	if c.Query("all") != "true" {
		q = q.Where("is_active = ?", true)
	}
	if search := strings.TrimSpace(c.Query("q")); search != "" {
		q = q.Where("name LIKE ?", "%"+search+"%")
	}

	if err := q.Order("name").Find(&products).Error; err != nil {
		a.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, products)
}

// --- GET: /api/products/scan/:barcode ---
// Matches the barcode first, then the SKU.
func (a *API) ScanProduct(c *gin.Context) {
	code := strings.TrimSpace(c.Param("barcode"))

	db, ready := a.db(c)
	if !ready {
		return
	}
	var variant models.ProductVariant
	err := db.Preload("Product").
		Where("is_active = ? AND barcode = ?", true, code).
		First(&variant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = db.Preload("Product").
			Where("is_active = ? AND sku = ?", true, code).
			First(&variant).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		a.respondError(c, apperr.NotFound("barcode", code))
		return
	}
	if err != nil {
		a.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, variant)
}

// --- POST: Add a new product ---
func (a *API) AddProduct(c *gin.Context) {
	var input ProductInput

	// 1. Parse JSON Input
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	for i, v := range input.Variants {
		if v.Stock < 0 || v.Price.IsNegative() || v.TaxRate.IsNegative() {
			fail(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "variant "+v.SKU+" has a negative stock, price or tax rate")
			return
		}
		input.Variants[i].Price = v.Price.Round(2)
		input.Variants[i].CostPrice = v.CostPrice.Round(2)
	}

	// 2. Save category, product and variants together
	db, ready := a.db(c)
	if !ready {
		return
	}
	product := models.Product{Name: strings.TrimSpace(input.Name), Description: input.Description, IsActive: true}
	err := db.Transaction(func(tx *gorm.DB) error {
		cat, err := categoryByName(tx, input.Category)
		if err != nil {
			return err
		}
		product.CategoryID = cat.ID
		for _, v := range input.Variants {
			product.Variants = append(product.Variants, models.ProductVariant{
				SKU:          v.SKU,
				Barcode:      v.Barcode,
				Size:         v.Size,
				Color:        v.Color,
				Price:        v.Price,
				CostPrice:    v.CostPrice,
				TaxRate:      v.TaxRate,
				Stock:        v.Stock,
				InitialStock: v.Stock,
				IsActive:     true,
			})
		}
		return tx.Create(&product).Error
	})
	if err != nil {
		a.respondError(c, err)
		return
	}

	ok(c, http.StatusCreated, product)
}

// --- PUT: Update catalog fields ---
// Stock is never written here.
func (a *API) UpdateProduct(c *gin.Context) {
	id := c.Param("id")

	var patch ProductPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}

	db, ready := a.db(c)
	if !ready {
		return
	}
	var product models.Product
	err := db.Transaction(func(tx *gorm.DB) error {
		// 1. Find existing product
		if err := tx.First(&product, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("product", id)
			}
			return err
		}

		// 2. Product fields
		updates := map[string]any{}
		if patch.Name != nil {
			updates["name"] = strings.TrimSpace(*patch.Name)
		}
		if patch.Description != nil {
			updates["description"] = *patch.Description
		}
		if patch.IsActive != nil {
			updates["is_active"] = *patch.IsActive
		}
		if patch.Category != nil {
			cat, err := categoryByName(tx, *patch.Category)
			if err != nil {
				return err
			}
			updates["category_id"] = cat.ID
		}
		if len(updates) > 0 {
			if err := tx.Model(&product).Updates(updates).Error; err != nil {
				return err
			}
		}

		// 3. Variant fields
		for _, vp := range patch.Variants {
			fields := vp.fields()
			if len(fields) == 0 {
				continue
			}
			res := tx.Model(&models.ProductVariant{}).
				Where("id = ? AND product_id = ?", vp.ID, product.ID).
				Updates(fields)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return apperr.NotFound("variant", vp.ID)
			}
		}

		return tx.Preload("Category").Preload("Variants").First(&product, "id = ?", id).Error
	})
	if err != nil {
		a.respondError(c, err)
		return
	}

	ok(c, http.StatusOK, product)
}

// --- DELETE: Retire a product ---
// Past sales keep pointing at the variants, so rows are deactivated, not removed.
func (a *API) DeleteProduct(c *gin.Context) {
	id := c.Param("id")

	db, ready := a.db(c)
	if !ready {
		return
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Product{}).Where("id = ?", id).Update("is_active", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("product", id)
		}
		return tx.Model(&models.ProductVariant{}).Where("product_id = ?", id).Update("is_active", false).Error
	})
	if err != nil {
		a.respondError(c, err)
		return
	}

	ok(c, http.StatusOK, gin.H{"id": id, "is_active": false})
}

func (vp VariantPatch) fields() map[string]any {
	out := map[string]any{}
	if vp.SKU != nil {
		out["sku"] = *vp.SKU
	}
	if vp.Barcode != nil {
		out["barcode"] = *vp.Barcode
	}
	if vp.Size != nil {
		out["size"] = *vp.Size
	}
	if vp.Color != nil {
		out["color"] = *vp.Color
	}
	if vp.Price != nil {
		out["price"] = vp.Price.Round(2)
	}
	if vp.CostPrice != nil {
		out["cost_price"] = vp.CostPrice.Round(2)
	}
	if vp.TaxRate != nil {
		out["tax_rate"] = *vp.TaxRate
	}
	if vp.IsActive != nil {
		out["is_active"] = *vp.IsActive
	}
	return out
}

func categoryByName(tx *gorm.DB, name string) (models.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Uncategorized"
	}
	cat := models.Category{Name: name}
	err := tx.Where(models.Category{Name: name}).FirstOrCreate(&cat).Error
	return cat, err
}
