// Package backup snapshots the dashboard database, packs it into a tar.gz
// archive and hands the archive to every configured sink.
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
)

// CreateArchive packs dbPath and any extra files into a gzip-compressed tar
// at archivePath. Entries are stored under their base names. Missing extras
// are skipped; a missing database is an error. The archive is written to a
// temporary file and renamed so readers never see a partial archive.
func CreateArchive(ctx context.Context, dbPath string, extras []string, archivePath string) (err error) {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database file not found: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o750); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".backup-*.tar.gz")
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	gw := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gw)

	files := []string{dbPath}
	for _, p := range extras {
		if _, statErr := os.Stat(p); errors.Is(statErr, os.ErrNotExist) {
			continue
		}
		files = append(files, p)
	}
	for _, p := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(tw, p); err != nil {
			return fmt.Errorf("adding %s: %w", p, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("closing gzip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), archivePath); err != nil {
		return fmt.Errorf("placing archive: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
