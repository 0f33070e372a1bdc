package backup

import (
	"context"
	"path"
	"time"
)

// Sink stores one backup archive. Backup returns where the archive ended
// up: a file path, a URL or an object key.
type Sink interface {
	Backup(ctx context.Context, sourcePath, targetPath string) (string, error)
	Name() string
}

// ObjectName is the target path of an archive taken at at:
// <prefix>/<YYYYMM>/<DD_HH_MM>_<file>. Archives of one month share a
// directory so retention can be applied per month on the remote side.
func ObjectName(prefix, file string, at time.Time) string {
	return path.Join(prefix, at.Format("200601"), at.Format("02_15_04")+"_"+file)
}
