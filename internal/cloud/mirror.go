// Package cloud is the remote mirror that terminals sync into. It applies
// batches as idempotent upserts, repairs missing references with placeholder
// rows, prunes variants absent from a full inventory push, and notifies
// connected observers after each accepted batch.
package cloud

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-pos-core/internal/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const connectAttempts = 10

// Dialector picks the gorm driver from the DSN scheme: mysql://, postgres://
// (or postgresql://), anything else is a sqlite file path.
func Dialector(dsn string) (gorm.Dialector, string) {
	switch {
	case strings.HasPrefix(dsn, "mysql://"):
		d := strings.TrimPrefix(dsn, "mysql://")
		if !strings.Contains(d, "parseTime=") {
			sep := "?"
			if strings.Contains(d, "?") {
				sep = "&"
			}
			d += sep + "parseTime=true"
		}
		return mysql.Open(d), "mysql"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), "postgres"
	default:
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), "sqlite"
	}
}

// OpenMirror connects to the mirror database, retrying while a networked
// server comes up, and migrates the schema. The mirror has no accounting
// guard: upsert is its normal write path.
func OpenMirror(dsn string, debug bool) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("CLOUD_DATABASE_DSN is empty")
	}
	dialector, kind := Dialector(dsn)

	if kind == "sqlite" {
		path := strings.TrimPrefix(dsn, "sqlite://")
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create mirror dir: %w", err)
			}
		}
	}

	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}
	// TranslateError maps driver constraint errors onto gorm's sentinels so the
	// sync handlers can tell a bad row from a broken mirror.
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logLevel), TranslateError: true}

	var db *gorm.DB
	var err error
	attempts := connectAttempts
	if kind == "sqlite" {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		db, err = gorm.Open(dialector, cfg)
		if err == nil {
			break
		}
		slog.Warn("retrying mirror connection", "driver", kind, "attempt", i+1, "err", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect mirror (%s): %w", kind, err)
	}

	if kind == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
			return nil, fmt.Errorf("mirror pragma: %w", err)
		}
	}

	if err := db.Exec("SELECT 1").Error; err != nil {
		return nil, fmt.Errorf("mirror ping: %w", err)
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("mirror automigrate: %w", err)
	}
	// A restored terminal reissues bill numbers, so the mirror keys sales by
	// id alone. Mirrors created with the terminal's unique index lose it.
	if m := db.Migrator(); m.HasIndex(&models.Sale{}, models.BillNoUniqueIndex) {
		if err := m.DropIndex(&models.Sale{}, models.BillNoUniqueIndex); err != nil {
			return nil, fmt.Errorf("mirror drop bill number index: %w", err)
		}
	}
	slog.Info("mirror ready", "driver", kind)
	return db, nil
}
