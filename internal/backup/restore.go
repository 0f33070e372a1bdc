package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxEntrySize caps a single extracted file.
const maxEntrySize = 4 << 30

// ErrNoDatabase is returned for an archive without a .db entry.
var ErrNoDatabase = errors.New("invalid backup: archive does not contain a .db file")

// Restore unpacks a backup archive into targetDir. Existing files are kept
// and reported unless force is set. Entries that would land outside
// targetDir abort the restore.
func Restore(ctx context.Context, archivePath, targetDir string, force bool) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("decompressing archive: %w", err)
	}
	defer gr.Close()

	if err := os.MkdirAll(targetDir, 0o750); err != nil {
		return fmt.Errorf("creating target directory: %w", err)
	}

	tr := tar.NewReader(gr)
	foundDB := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading archive entry: %w", err)
		}
		if err := validateTarEntry(hdr.Name, targetDir); err != nil {
			return err
		}
		if strings.HasSuffix(hdr.Name, ".db") {
			foundDB = true
		}

		dest := filepath.Join(targetDir, filepath.Clean(hdr.Name)) //nolint:gosec // G305: checked by validateTarEntry
		if !force {
			if _, err := os.Stat(dest); err == nil {
				return fmt.Errorf("file already exists (use --force to overwrite): %s", dest)
			}
		}
		if err := extractEntry(tr, dest, hdr); err != nil {
			return fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}
	}

	if !foundDB {
		return ErrNoDatabase
	}
	return nil
}

// validateTarEntry rejects names that are absolute or resolve outside
// targetDir.
func validateTarEntry(name, targetDir string) error {
	if filepath.IsAbs(name) {
		return fmt.Errorf("path traversal detected: absolute path %q", name)
	}
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected: %q", name)
	}

	absTarget, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving target directory: %w", err)
	}
	absDest, err := filepath.Abs(filepath.Join(targetDir, cleaned))
	if err != nil {
		return fmt.Errorf("resolving destination path: %w", err)
	}
	if absDest != absTarget && !strings.HasPrefix(absDest, absTarget+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected: %q resolves outside target", name)
	}
	return nil
}

// extractEntry writes directories and regular files. Links and devices
// are skipped.
func extractEntry(tr *tar.Reader, dest string, hdr *tar.Header) error {
	mode := os.FileMode(hdr.Mode & 0o777) //nolint:gosec // G115: permission bits only
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, mode|0o700)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, io.LimitReader(tr, maxEntrySize)); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	default:
		return nil
	}
}
