package cloud

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"go-pos-core/internal/models"
	"go-pos-core/internal/syncproto"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Names of the rows the reconciler invents.
const (
	UnsyncedCategory  = "Unsynced Inventory"
	PlaceholderSuffix = " (Sync Placeholder)"
	FallbackAdmin     = "sync-admin"
	defaultCategory   = "Uncategorized"
)

// Reconciler applies sync batches to the mirror.
type Reconciler struct {
	DB     *gorm.DB
	Broker *Broker
	Logger *slog.Logger
}

func NewReconciler(db *gorm.DB, broker *Broker, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{DB: db, Broker: broker, Logger: logger}
}

// InventoryResult counts what a full inventory push changed.
type InventoryResult struct {
	Products int `json:"products"`
	Variants int `json:"variants"`
	Pruned   int `json:"pruned"`
	Cleaned  int `json:"cleaned"`
}

// ApplySales upserts sales with their lines and tenders. Owners are upserted by
// username first; unknown variants get placeholders so no line is rejected.
func (r *Reconciler) ApplySales(ctx context.Context, sales []syncproto.Sale) (int, error) {
	if len(sales) == 0 {
		return 0, nil
	}
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.ensureVariants(tx, sales); err != nil {
			return err
		}

		owners := map[string]uint{}
		var fallback uint
		for _, in := range sales {
			sale := in.Sale
			items, payments := sale.Items, sale.Payments
			sale.Items, sale.Payments = nil, nil

			// 1. Owner
			userID := uint(0)
			if in.User != nil && in.User.Username != "" {
				id, ok := owners[in.User.Username]
				if !ok {
					u, err := upsertUser(tx, *in.User)
					if err != nil {
						return err
					}
					id = u.ID
					owners[in.User.Username] = id
				}
				userID = id
			}
			if userID == 0 {
				if fallback == 0 {
					id, err := r.fallbackAdmin(tx)
					if err != nil {
						return err
					}
					fallback = id
				}
				userID = fallback
			}
			sale.UserID = userID

			// 2. Header, keyed by the sale's own id
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create(&sale).Error; err != nil {
				return fmt.Errorf("upsert sale %s: %w", sale.ID, err)
			}

			// 3. Lines
			for i := range items {
				items[i].SaleID = sale.ID
			}
			if len(items) > 0 {
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "id"}},
					UpdateAll: true,
				}).Create(&items).Error; err != nil {
					return fmt.Errorf("upsert items of sale %s: %w", sale.ID, err)
				}
			}

			// 4. Tenders are replaced wholesale, mirroring a payment update.
			if err := tx.Where("sale_id = ?", sale.ID).Delete(&models.Payment{}).Error; err != nil {
				return fmt.Errorf("clear payments of sale %s: %w", sale.ID, err)
			}
			for i := range payments {
				id := sale.ID
				payments[i].SaleID = &id
				payments[i].ExchangeID = nil
			}
			if len(payments) > 0 {
				if err := tx.Create(&payments).Error; err != nil {
					return fmt.Errorf("insert payments of sale %s: %w", sale.ID, err)
				}
			}
		}
		return nil
	})
	return r.finish("sales", len(sales), err)
}

// ensureVariants creates a placeholder product and variant for every variant
// id referenced by the batch that the mirror does not know yet. The variant
// keeps the source id so a later inventory push lands on the same row.
func (r *Reconciler) ensureVariants(tx *gorm.DB, sales []syncproto.Sale) error {
	names := map[string]string{}
	var ids []string
	for _, s := range sales {
		for _, it := range s.Items {
			if it.VariantID == "" {
				continue
			}
			if _, seen := names[it.VariantID]; !seen {
				ids = append(ids, it.VariantID)
			}
			names[it.VariantID] = it.ProductName
		}
	}
	if len(ids) == 0 {
		return nil
	}

	var existing []string
	if err := tx.Model(&models.ProductVariant{}).Where("id IN ?", ids).Pluck("id", &existing).Error; err != nil {
		return fmt.Errorf("lookup variants: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, id := range existing {
		known[id] = true
	}

	var bucket *models.Category
	for _, id := range ids {
		if known[id] {
			continue
		}
		if bucket == nil {
			c, err := upsertCategory(tx, UnsyncedCategory)
			if err != nil {
				return err
			}
			bucket = c
		}
		name := names[id]
		if name == "" {
			name = "Unknown item"
		}
		product := models.Product{
			Name:          name + PlaceholderSuffix,
			CategoryID:    bucket.ID,
			Description:   "Created by sync: variant " + id + " arrived with a sale before inventory",
			IsPlaceholder: true,
			IsActive:      true,
		}
		if err := tx.Create(&product).Error; err != nil {
			return fmt.Errorf("create placeholder product for %s: %w", id, err)
		}
		variant := models.ProductVariant{
			ID:            id,
			ProductID:     product.ID,
			SKU:           "PLACEHOLDER-" + id,
			IsActive:      true,
			IsPlaceholder: true,
		}
		if err := tx.Create(&variant).Error; err != nil {
			return fmt.Errorf("create placeholder variant %s: %w", id, err)
		}
		placeholdersCreated.Inc()
		r.Logger.Warn("placeholder created for unsynced variant", "variant_id", id, "product", product.Name)
	}
	return nil
}

// ApplyInventory treats the payload as the whole catalog: categories and
// products upsert by name, variants by id, and every variant missing from the
// payload is deactivated with zero stock. An empty payload prunes nothing.
func (r *Reconciler) ApplyInventory(ctx context.Context, products []syncproto.Product) (InventoryResult, error) {
	var res InventoryResult
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seen []string
		for _, in := range products {
			catName := in.Category
			if catName == "" {
				catName = defaultCategory
			}
			cat, err := upsertCategory(tx, catName)
			if err != nil {
				return err
			}

			var product models.Product
			err = tx.Where("name = ? AND category_id = ? AND is_placeholder = ?", in.Name, cat.ID, false).First(&product).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				product = models.Product{Name: in.Name, CategoryID: cat.ID, Description: in.Description, IsActive: in.IsActive}
				if err := tx.Create(&product).Error; err != nil {
					return fmt.Errorf("create product %q: %w", in.Name, err)
				}
			case err != nil:
				return fmt.Errorf("lookup product %q: %w", in.Name, err)
			default:
				if err := tx.Model(&product).Updates(map[string]any{
					"description": in.Description,
					"is_active":   in.IsActive,
				}).Error; err != nil {
					return fmt.Errorf("update product %q: %w", in.Name, err)
				}
			}
			res.Products++

			for _, v := range in.Variants {
				row := models.ProductVariant{
					ID:           v.ID,
					ProductID:    product.ID,
					SKU:          v.SKU,
					Barcode:      v.Barcode,
					Size:         v.Size,
					Color:        v.Color,
					Price:        v.Price,
					CostPrice:    v.CostPrice,
					TaxRate:      v.TaxRate,
					Stock:        v.Stock,
					InitialStock: v.Stock,
					IsActive:     v.IsActive,
				}
				if err := tx.Clauses(clause.OnConflict{
					Columns: []clause.Column{{Name: "id"}},
					DoUpdates: clause.AssignmentColumns([]string{
						"product_id", "sku", "barcode", "size", "color", "price",
						"cost_price", "tax_rate", "stock", "is_active", "is_placeholder", "updated_at",
					}),
				}).Create(&row).Error; err != nil {
					return fmt.Errorf("upsert variant %s: %w", v.ID, err)
				}
				seen = append(seen, row.ID)
				res.Variants++
			}
		}

		if len(seen) == 0 {
			return nil
		}
		pruned := tx.Model(&models.ProductVariant{}).
			Where("id NOT IN ?", seen).
			Where("is_active = ? OR stock <> ?", true, 0).
			Updates(map[string]any{"is_active": false, "stock": 0})
		if pruned.Error != nil {
			return fmt.Errorf("prune variants: %w", pruned.Error)
		}
		res.Pruned = int(pruned.RowsAffected)
		return nil
	})
	if _, err := r.finish("inventory", res.Variants, err); err != nil {
		return res, err
	}
	if res.Pruned > 0 {
		variantsPruned.Add(float64(res.Pruned))
		r.Logger.Info("variants pruned", "count", res.Pruned)
	}

	cleaned, err := r.CleanupPlaceholders(ctx)
	if err != nil {
		return res, err
	}
	res.Cleaned = cleaned
	return res, nil
}

// CleanupPlaceholders deletes placeholder products that no longer own any
// variant. Safe to run at any time.
func (r *Reconciler) CleanupPlaceholders(ctx context.Context) (int, error) {
	res := r.DB.WithContext(ctx).
		Where("is_placeholder = ?", true).
		Where("NOT EXISTS (SELECT 1 FROM product_variants v WHERE v.product_id = products.id)").
		Delete(&models.Product{})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup placeholders: %w", res.Error)
	}
	n := int(res.RowsAffected)
	if n > 0 {
		placeholdersRemoved.Add(float64(n))
		r.Logger.Info("placeholder products removed", "count", n)
	}
	return n, nil
}

// ApplyUsers upserts users by username.
func (r *Reconciler) ApplyUsers(ctx context.Context, users []syncproto.User) (int, error) {
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range users {
			if u.Username == "" {
				continue
			}
			if _, err := upsertUser(tx, u); err != nil {
				return err
			}
		}
		return nil
	})
	return r.finish("users", len(users), err)
}

// ApplySettings upserts key/value pairs.
func (r *Reconciler) ApplySettings(ctx context.Context, settings []syncproto.Setting) (int, error) {
	rows := make([]models.Setting, 0, len(settings))
	for _, s := range settings {
		if s.Key == "" {
			continue
		}
		rows = append(rows, models.Setting{Key: s.Key, Value: s.Value})
	}
	var err error
	if len(rows) > 0 {
		err = r.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "setting_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&rows).Error
	}
	return r.finish("settings", len(rows), err)
}

// ApplyAuditLogs inserts audit rows that the mirror does not have yet.
func (r *Reconciler) ApplyAuditLogs(ctx context.Context, logs []models.AuditLog) (int, error) {
	var err error
	if len(logs) > 0 {
		err = r.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&logs, 200).Error
	}
	return r.finish("audit_logs", len(logs), err)
}

// finish records the outcome and, on success, notifies observers.
func (r *Reconciler) finish(entity string, n int, err error) (int, error) {
	if err != nil {
		batchesApplied.WithLabelValues(entity, "error").Inc()
		r.Logger.Error("sync batch rejected", "entity", entity, "err", err)
		return 0, err
	}
	batchesApplied.WithLabelValues(entity, "ok").Inc()
	recordsApplied.WithLabelValues(entity).Add(float64(n))
	if r.Broker != nil {
		r.Broker.Publish(Event{Type: entity, Count: n})
	}
	return n, nil
}

// fallbackAdmin returns an administrator to own sales whose user is unknown,
// creating a disabled one when the mirror has none.
func (r *Reconciler) fallbackAdmin(tx *gorm.DB) (uint, error) {
	var admin models.User
	err := tx.Where("role = ?", models.RoleAdmin).Order("id").First(&admin).Error
	if err == nil {
		return admin.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("lookup fallback admin: %w", err)
	}

	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return 0, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(secret)), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}
	admin = models.User{
		Username:     FallbackAdmin,
		PasswordHash: string(hash),
		Role:         models.RoleAdmin,
	}
	if err := tx.Create(&admin).Error; err != nil {
		return 0, fmt.Errorf("create fallback admin: %w", err)
	}
	r.Logger.Warn("fallback administrator created for unattributed sales", "username", admin.Username)
	return admin.ID, nil
}

func upsertUser(tx *gorm.DB, in syncproto.User) (models.User, error) {
	u := models.User{
		Username:         in.Username,
		PasswordHash:     in.PasswordHash,
		Role:             in.Role,
		CanChangePayment: in.CanChangePayment,
		IsActive:         in.IsActive,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"password_hash", "role", "can_change_payment", "is_active", "updated_at"}),
	}).Create(&u).Error; err != nil {
		return u, fmt.Errorf("upsert user %q: %w", in.Username, err)
	}
	// The returned id is unreliable after a conflict on some drivers.
	if err := tx.Where("username = ?", in.Username).First(&u).Error; err != nil {
		return u, fmt.Errorf("reload user %q: %w", in.Username, err)
	}
	return u, nil
}

func upsertCategory(tx *gorm.DB, name string) (*models.Category, error) {
	c := models.Category{Name: name}
	if err := tx.Where(models.Category{Name: name}).FirstOrCreate(&c).Error; err != nil {
		return nil, fmt.Errorf("upsert category %q: %w", name, err)
	}
	return &c, nil
}
