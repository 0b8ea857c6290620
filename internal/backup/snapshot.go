// Package backup snapshots the local store and decides, at startup, which copy
// of the store is authoritative.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go-pos-core/internal/database"
)

// DefaultKeep is how many timestamped snapshots are retained.
const DefaultKeep = 10

const (
	snapshotPrefix = "pos-"
	snapshotSuffix = ".db"
	stampLayout    = "20060102-150405.000"
)

// Snapshotter writes timestamped copies of the store into Dir and refreshes
// the durable "latest" copies that survive a reinstall.
type Snapshotter struct {
	Store        *database.Store
	Dir          string
	DurablePaths []string
	Keep         int
	Logger       *slog.Logger
	Now          func() time.Time

	mu       sync.Mutex
	lastPath string
	lastAt   time.Time
}

// Snapshot copies the live store into Dir, refreshes the durable copies and
// prunes Dir to the Keep newest snapshots.
func (s *Snapshotter) Snapshot(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.Store.DB()
	if db == nil {
		return "", errors.New("snapshot: store is closed")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}

	now := s.now()
	dst := snapshotPath(s.Dir, now)
	tmp := dst + ".partial"
	os.Remove(tmp)

	// VACUUM INTO writes a consistent copy even while the store is in use.
	if err := db.WithContext(ctx).Exec("VACUUM INTO ?", tmp).Error; err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("snapshot: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("snapshot: %w", err)
	}
	if err := os.Chtimes(dst, now, now); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}

	// The durable copies carry the store's own mtime so the next bootstrap
	// does not see them as newer than the store they came from.
	storeTime, _ := storeMTime(s.Store.Path)
	for _, p := range s.DurablePaths {
		if p == "" {
			continue
		}
		if err := copyFileAtomic(dst, p, storeTime); err != nil {
			s.logger().Warn("durable backup copy failed", "path", p, "err", err)
		}
	}

	if err := s.rotate(); err != nil {
		s.logger().Warn("backup rotation failed", "dir", s.Dir, "err", err)
	}

	s.lastPath, s.lastAt = dst, now
	s.logger().Info("snapshot written", "path", dst)
	return dst, nil
}

// snapshotPath names a snapshot for now. A name already taken in the same
// millisecond gets a counter suffix instead of being overwritten.
func snapshotPath(dir string, now time.Time) string {
	stem := filepath.Join(dir, snapshotPrefix+now.Format(stampLayout))
	dst := stem + snapshotSuffix
	for n := 1; ; n++ {
		if _, err := os.Stat(dst); err != nil {
			return dst
		}
		dst = fmt.Sprintf("%s-%d%s", stem, n, snapshotSuffix)
	}
}

// Last reports the most recent snapshot this process wrote.
func (s *Snapshotter) Last() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPath, s.lastAt
}

// List returns the snapshots in Dir, newest first.
func (s *Snapshotter) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	type snap struct {
		path  string
		mtime time.Time
	}
	var snaps []snap
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, snap{path: filepath.Join(s.Dir, name), mtime: info.ModTime()})
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].mtime.Equal(snaps[j].mtime) {
			return snaps[i].path > snaps[j].path
		}
		return snaps[i].mtime.After(snaps[j].mtime)
	})

	out := make([]string, len(snaps))
	for i, sn := range snaps {
		out[i] = sn.path
	}
	return out, nil
}

func (s *Snapshotter) rotate() error {
	keep := s.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}
	snaps, err := s.List()
	if err != nil {
		return err
	}
	if len(snaps) <= keep {
		return nil
	}
	var errs []error
	for _, p := range snaps[keep:] {
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnClose takes the shutdown snapshot unless backup_on_close is turned off.
func (s *Snapshotter) OnClose(ctx context.Context) {
	db := s.Store.DB()
	if db == nil || !database.SettingBool(db, database.SettingBackupOnClose, true) {
		return
	}
	if _, err := s.Snapshot(ctx); err != nil {
		s.logger().Error("shutdown snapshot failed", "err", err)
	}
}

// RunSchedule snapshots every backup_interval minutes while backup_enabled is
// set. Both settings are re-read after each tick.
func (s *Snapshotter) RunSchedule(ctx context.Context) {
	for {
		interval := s.interval()
		wait := interval
		if wait <= 0 {
			wait = time.Minute
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if interval <= 0 || s.interval() <= 0 {
			continue
		}
		if _, err := s.Snapshot(ctx); err != nil {
			s.logger().Warn("scheduled snapshot failed", "err", err)
		}
	}
}

func (s *Snapshotter) interval() time.Duration {
	db := s.Store.DB()
	if db == nil || !database.SettingBool(db, database.SettingBackupEnabled, false) {
		return 0
	}
	return time.Duration(database.SettingInt(db, database.SettingBackupInterval, 0)) * time.Minute
}

func (s *Snapshotter) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Snapshotter) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
