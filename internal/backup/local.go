package backup

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Compile-time interface guard.
var _ Sink = (*LocalArchive)(nil)

// LocalArchive copies archives into Dir and keeps the newest Keep of them.
// Keep <= 0 keeps everything.
type LocalArchive struct {
	Dir  string
	Keep int
}

func (l *LocalArchive) Name() string { return "local" }

func (l *LocalArchive) Backup(ctx context.Context, sourcePath, targetPath string) (string, error) {
	dest := filepath.Join(l.Dir, filepath.FromSlash(targetPath))
	if err := validateTarEntry(filepath.FromSlash(targetPath), l.Dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", fmt.Errorf("local: create %s: %w", filepath.Dir(dest), err)
	}
	if err := copyFile(ctx, sourcePath, dest); err != nil {
		return "", fmt.Errorf("local: %w", err)
	}
	if err := l.prune(); err != nil {
		return dest, fmt.Errorf("local: prune: %w", err)
	}
	return dest, nil
}

func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, readerCtx{ctx, in}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// readerCtx stops a copy once ctx is done.
type readerCtx struct {
	ctx context.Context
	r   io.Reader
}

func (r readerCtx) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// prune removes the oldest archives beyond Keep.
func (l *LocalArchive) prune() error {
	if l.Keep <= 0 {
		return nil
	}
	type archive struct {
		path string
		mod  int64
	}
	var all []archive
	err := filepath.WalkDir(l.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".tar.gz") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		all = append(all, archive{path: p, mod: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].mod != all[j].mod {
			return all[i].mod > all[j].mod
		}
		return all[i].path > all[j].path
	})
	for _, a := range all[min(l.Keep, len(all)):] {
		if err := os.Remove(a.path); err != nil {
			return err
		}
	}
	return nil
}
