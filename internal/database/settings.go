package database

import (
	"strconv"
	"strings"

	"go-pos-core/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Setting keys read by the coordinators.
const (
	SettingCloudURL       = "cloud_url"
	SettingSyncInterval   = "sync_interval"   // minutes, 0 = realtime only
	SettingBackupEnabled  = "backup_enabled"  // bool
	SettingBackupInterval = "backup_interval" // minutes, 0 = on close only
	SettingBackupOnClose  = "backup_on_close" // bool, default true
	SettingSalesSyncLimit = "sales_sync_limit"
)

// SettingString returns the value for key, or fallback when unset or empty.
func SettingString(db *gorm.DB, key, fallback string) string {
	var s models.Setting
	if err := db.Where("setting_key = ?", key).Limit(1).Find(&s).Error; err != nil || s.Key == "" {
		return fallback
	}
	if v := strings.TrimSpace(s.Value); v != "" {
		return v
	}
	return fallback
}

// SettingInt parses the value for key as an integer.
func SettingInt(db *gorm.DB, key string, fallback int) int {
	n, err := strconv.Atoi(SettingString(db, key, ""))
	if err != nil {
		return fallback
	}
	return n
}

// SettingBool parses the value for key as a bool.
func SettingBool(db *gorm.DB, key string, fallback bool) bool {
	b, err := strconv.ParseBool(SettingString(db, key, ""))
	if err != nil {
		return fallback
	}
	return b
}

// PutSetting upserts key.
func PutSetting(db *gorm.DB, key, value string) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&models.Setting{Key: key, Value: value}).Error
}
