package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vfhky/serv00-ct8-nezha/internal/fault"
)

// Snapshot writes a consistent copy of the SQLite database at src to dst
// with VACUUM INTO, which is safe while the dashboard keeps writing. An
// existing dst is replaced.
func Snapshot(ctx context.Context, src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		// sql.Open would silently create an empty database.
		return fault.Config("snapshot "+src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("snapshot: create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("snapshot: remove stale %s: %w", dst, err)
	}

	db, err := open(src)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("snapshot %s into %s: %w", src, dst, err)
	}
	return nil
}

// SnapshotName is the file name used for a snapshot of src: the source
// base name with a .snapshot suffix before the extension.
func SnapshotName(src string) string {
	base := filepath.Base(src)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + ".snapshot" + ext
}
