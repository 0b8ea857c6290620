package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store owns the single connection to the local store file.
// The handle can be dropped and reopened around file-level restores.
type Store struct {
	Path  string
	debug bool

	mu sync.RWMutex
	db *gorm.DB
}

// Open connects to the sqlite file at path, creating it if needed, and installs
// the accounting guard. Schema repair is a separate step (EnsureSchemaUpdated)
// so the bootstrap can inspect an old store before touching it.
func Open(path string, debug bool) (*Store, error) {
	s := &Store{Path: path, debug: debug}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenAndMigrate is Open followed by EnsureSchemaUpdated.
func OpenAndMigrate(path string, debug bool) (*Store, error) {
	s, err := Open(path, debug)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchemaUpdated(s.DB()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) connect() error {
	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(s.Path), &gorm.Config{
		Logger: gormLogger(s.debug),
	})
	if err != nil {
		return fmt.Errorf("open store %s: %w", s.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("open store %s: %w", s.Path, err)
	}
	// SQLite only supports one writer at a time.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			sqlDB.Close()
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if err := RegisterAccountingGuard(db); err != nil {
		sqlDB.Close()
		return err
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return nil
}

// DB returns the live handle. Callers must not cache it across a Reopen.
func (s *Store) DB() *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Close releases the connection. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Reopen connects again after a Close.
func (s *Store) Reopen() error {
	if s.DB() != nil {
		return errors.New("store is already open")
	}
	return s.connect()
}

func gormLogger(debug bool) logger.Interface {
	if debug {
		return logger.Default.LogMode(logger.Info)
	}
	return logger.Default.LogMode(logger.Silent)
}
