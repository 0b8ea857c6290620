package backup

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

var sqliteHeader = []byte("SQLite format 3\x00")

// storeMTime is the newest modification time of a store file and its WAL.
// ok is false when the main file does not exist.
func storeMTime(path string) (mtime time.Time, ok bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	mtime = fi.ModTime()
	if wal, err := os.Stat(path + "-wal"); err == nil && wal.ModTime().After(mtime) {
		mtime = wal.ModTime()
	}
	return mtime, true
}

// checkStoreFile rejects anything that is not a non-empty sqlite file.
func checkStoreFile(path string) (os.FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if fi.Size() < int64(len(sqliteHeader)) {
		return nil, fmt.Errorf("%s is too small to be a store", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	head := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, head); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !bytes.Equal(head, sqliteHeader) {
		return nil, fmt.Errorf("%s is not a sqlite store", path)
	}
	return fi, nil
}

// copyFileAtomic copies src to dst through a temp file in dst's directory and
// a rename, so dst is either the old file or the complete new one. A non-zero
// mtime is applied to dst.
func copyFileAtomic(src, dst string, mtime time.Time) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	if !mtime.IsZero() {
		if err = os.Chtimes(dst, mtime, mtime); err != nil {
			return err
		}
	}
	return nil
}

// removeSidecars deletes the WAL and shared-memory files of a closed store so
// a replaced main file is not replayed against a stale log.
func removeSidecars(path string) error {
	var errs []error
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return aa == bb
}
