// Package remote runs scripts and copies directories on peer hosts over
// SSH, and holds the fleet's connect-on-load connections.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/vfhky/serv00-ct8-nezha/internal/confstore"
)

// Status codes reported by connect and run operations. Positive values are
// remote exit statuses.
const (
	StatusOK         = 0
	StatusAuth       = -1
	StatusProtocol   = -2
	StatusKeyMissing = -3
	StatusConnect    = -4
)

// StatusError is a failed remote operation with its status code.
type StatusError struct {
	Code    int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("remote status %d: %s", e.Code, msg)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf returns the status code carried by err: 0 for nil, the
// StatusError code when present, StatusConnect otherwise.
func StatusOf(err error) int {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return StatusConnect
}

// Executor is a live channel to one peer.
type Executor interface {
	// RunScript runs the script at path with shell-quoted args. A nonzero
	// exit is returned as a *StatusError with the exit code.
	RunScript(ctx context.Context, path string, args ...string) error
	// CopyDirectory copies every regular file under localDir to remoteDir,
	// keeping relative layout and permission bits.
	CopyDirectory(ctx context.Context, localDir, remoteDir string) error
	Close() error
}

// Dialer opens an Executor for a host entry.
type Dialer interface {
	Dial(ctx context.Context, host confstore.HostEntry) (Executor, error)
}
