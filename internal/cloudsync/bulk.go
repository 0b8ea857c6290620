package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go-pos-core/internal/database"
	"go-pos-core/internal/models"
	"go-pos-core/internal/syncproto"

	"gorm.io/gorm"
)

const (
	defaultSalesLimit     = 500
	defaultAuditLogsLimit = 1000
)

// BulkSyncer pushes full snapshots of local data to the cloud. Every push is
// an idempotent upsert on the receiving side, so a repeated run is harmless.
type BulkSyncer struct {
	Store       *database.Store
	Client      *Client
	Logger      *slog.Logger
	FallbackURL string
}

// SyncReport counts what each step sent.
type SyncReport struct {
	Settings  int `json:"settings"`
	Users     int `json:"users"`
	Products  int `json:"products"`
	Sales     int `json:"sales"`
	AuditLogs int `json:"audit_logs"`
}

// SyncAll pushes settings, users, inventory, recent sales and recent audit
// logs in that order. A failing step does not stop the later ones; the
// failures are joined into the returned error.
func (b *BulkSyncer) SyncAll(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	db := b.Store.DB()
	if db == nil {
		return report, errors.New("bulk sync: store is closed")
	}
	db = db.WithContext(ctx)

	baseURL := database.SettingString(db, database.SettingCloudURL, b.FallbackURL)
	if baseURL == "" {
		return report, errors.New("bulk sync: cloud url is not configured")
	}

	var errs []error
	step := func(entity string, n *int, fn func() (int, error)) {
		count, err := fn()
		if err != nil {
			bulkSyncs.WithLabelValues(entity, "error").Inc()
			b.logger().Warn("bulk sync step failed", "entity", entity, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", entity, err))
			return
		}
		bulkSyncs.WithLabelValues(entity, "ok").Inc()
		*n = count
	}

	step("settings", &report.Settings, func() (int, error) { return b.pushSettings(ctx, db, baseURL) })
	step("users", &report.Users, func() (int, error) { return b.pushUsers(ctx, db, baseURL) })
	step("inventory", &report.Products, func() (int, error) { return b.pushInventory(ctx, db, baseURL) })
	step("sales", &report.Sales, func() (int, error) { return b.pushSales(ctx, db, baseURL) })
	step("audit_logs", &report.AuditLogs, func() (int, error) { return b.pushAuditLogs(ctx, db, baseURL) })

	b.logger().Info("bulk sync finished",
		"settings", report.Settings,
		"users", report.Users,
		"products", report.Products,
		"sales", report.Sales,
		"audit_logs", report.AuditLogs,
		"failed_steps", len(errs),
	)
	return report, errors.Join(errs...)
}

func (b *BulkSyncer) pushSettings(ctx context.Context, db *gorm.DB, baseURL string) (int, error) {
	var rows []models.Setting
	if err := db.Find(&rows).Error; err != nil {
		return 0, err
	}
	body := syncproto.SettingsRequest{Settings: make([]syncproto.Setting, 0, len(rows))}
	for _, s := range rows {
		// The cloud URL is per terminal.
		if s.Key == database.SettingCloudURL {
			continue
		}
		body.Settings = append(body.Settings, syncproto.Setting{Key: s.Key, Value: s.Value})
	}
	if len(body.Settings) == 0 {
		return 0, nil
	}
	if _, err := b.Client.Post(ctx, baseURL, syncproto.PathSettings, body); err != nil {
		return 0, err
	}
	return len(body.Settings), nil
}

func (b *BulkSyncer) pushUsers(ctx context.Context, db *gorm.DB, baseURL string) (int, error) {
	var rows []models.User
	if err := db.Find(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	body := syncproto.UsersRequest{Users: make([]syncproto.User, 0, len(rows))}
	for _, u := range rows {
		body.Users = append(body.Users, syncproto.UserFromModel(u))
	}
	if _, err := b.Client.Post(ctx, baseURL, syncproto.PathUsers, body); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// pushInventory sends the complete catalog, inactive variants included, so the
// cloud can prune whatever is missing.
func (b *BulkSyncer) pushInventory(ctx context.Context, db *gorm.DB, baseURL string) (int, error) {
	var rows []models.Product
	err := db.Preload("Category").
		Preload("Variants").
		Where("is_placeholder = ?", false).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	body := syncproto.InventoryRequest{Products: make([]syncproto.Product, 0, len(rows))}
	for _, p := range rows {
		body.Products = append(body.Products, syncproto.ProductFromModel(p))
	}
	if _, err := b.Client.Post(ctx, baseURL, syncproto.PathInventory, body); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (b *BulkSyncer) pushSales(ctx context.Context, db *gorm.DB, baseURL string) (int, error) {
	limit := database.SettingInt(db, database.SettingSalesSyncLimit, defaultSalesLimit)
	if limit <= 0 {
		limit = defaultSalesLimit
	}

	var rows []models.Sale
	err := db.Preload("Items").
		Preload("Payments").
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	users, err := usersByID(db)
	if err != nil {
		return 0, err
	}
	body := syncproto.SalesRequest{Sales: make([]syncproto.Sale, 0, len(rows))}
	for _, s := range rows {
		var owner *models.User
		if u, ok := users[s.UserID]; ok {
			owner = &u
		}
		body.Sales = append(body.Sales, syncproto.SaleFromModel(s, owner))
	}
	if _, err := b.Client.Post(ctx, baseURL, syncproto.PathSales, body); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (b *BulkSyncer) pushAuditLogs(ctx context.Context, db *gorm.DB, baseURL string) (int, error) {
	var rows []models.AuditLog
	if err := db.Order("created_at DESC").Limit(defaultAuditLogsLimit).Find(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if _, err := b.Client.Post(ctx, baseURL, syncproto.PathAuditLogs, syncproto.AuditLogsRequest{AuditLogs: rows}); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func usersByID(db *gorm.DB) (map[uint]models.User, error) {
	var users []models.User
	if err := db.Find(&users).Error; err != nil {
		return nil, err
	}
	out := make(map[uint]models.User, len(users))
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (b *BulkSyncer) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}
