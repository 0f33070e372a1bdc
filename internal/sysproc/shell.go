package sysproc

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes a shell command line and returns its combined output.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Shell runs commands through /bin/sh -c with a per-command timeout.
type Shell struct {
	Timeout time.Duration
	Dir     string
}

// Compile-time interface guard.
var _ Runner = (*Shell)(nil)

func (s *Shell) Run(ctx context.Context, command string) (string, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = s.Dir
	// A detached child (nohup ... &) keeps the pipes open; don't wait on it.
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		return out.String(), fmt.Errorf("%s: %w", command, ctx.Err())
	}
	if err != nil {
		return out.String(), err
	}
	return out.String(), nil
}

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join quotes every argument and joins them with spaces.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
