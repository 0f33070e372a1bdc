package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vfhky/serv00-ct8-nezha/internal/confstore"
	"github.com/vfhky/serv00-ct8-nezha/internal/sysproc"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultConnectTimeout bounds TCP connect plus SSH handshake.
const DefaultConnectTimeout = 3 * time.Second

// SSHDialer dials peers with password auth, key auth, or both. Password is
// offered first when set, matching how the installer provisions hosts
// before keys are copied.
type SSHDialer struct {
	KeyFile        string
	KnownHostsFile string
	Timeout        time.Duration
	Logger         *zap.Logger
}

// Compile-time interface guard.
var _ Dialer = (*SSHDialer)(nil)

func (d *SSHDialer) Dial(ctx context.Context, host confstore.HostEntry) (Executor, error) {
	cfg, err := d.clientConfig(host)
	if err != nil {
		return nil, err
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(host.Hostname, strconv.Itoa(int(host.Port)))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &StatusError{Code: StatusConnect, Message: "connect " + addr, Err: err}
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		code := StatusProtocol
		if strings.Contains(err.Error(), "unable to authenticate") {
			code = StatusAuth
		}
		return nil, &StatusError{Code: code, Message: "handshake " + addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshExecutor{client: ssh.NewClient(c, chans, reqs), target: host.String()}, nil
}

func (d *SSHDialer) clientConfig(host confstore.HostEntry) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if host.Password != "" {
		methods = append(methods, ssh.Password(host.Password))
	}
	if d.KeyFile != "" {
		pem, err := os.ReadFile(d.KeyFile)
		switch {
		case err == nil:
			signer, err := ssh.ParsePrivateKey(pem)
			if err != nil {
				return nil, &StatusError{Code: StatusKeyMissing, Message: "parse key " + d.KeyFile, Err: err}
			}
			methods = append(methods, ssh.PublicKeys(signer))
		case host.Password == "":
			return nil, &StatusError{Code: StatusKeyMissing, Message: "key file " + d.KeyFile, Err: err}
		}
	}
	if len(methods) == 0 {
		return nil, &StatusError{Code: StatusKeyMissing, Message: "no password and no key file for " + host.String()}
	}

	return &ssh.ClientConfig{
		User:            host.Username,
		Auth:            methods,
		HostKeyCallback: d.hostKeyCallback(),
		Timeout:         d.Timeout,
	}, nil
}

func (d *SSHDialer) hostKeyCallback() ssh.HostKeyCallback {
	if d.KnownHostsFile != "" {
		if _, err := os.Stat(d.KnownHostsFile); err == nil {
			cb, err := knownhosts.New(d.KnownHostsFile)
			if err == nil {
				return cb
			}
			if d.Logger != nil {
				d.Logger.Warn("unreadable known_hosts, host keys not verified",
					zap.String("file", d.KnownHostsFile),
					zap.Error(err),
				)
			}
		}
	}
	return ssh.InsecureIgnoreHostKey() //nolint:gosec // G106: fleet hosts are provisioned before known_hosts exists
}

// sshExecutor runs each operation in its own session on a shared client.
type sshExecutor struct {
	client *ssh.Client
	target string
}

func (e *sshExecutor) RunScript(ctx context.Context, scriptPath string, args ...string) error {
	cmd := sysproc.Join(append([]string{scriptPath}, args...)...)
	_, err := e.run(ctx, cmd, nil)
	return err
}

func (e *sshExecutor) CopyDirectory(ctx context.Context, localDir, remoteDir string) error {
	var errs []error
	walkErr := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if err := e.copyFile(ctx, p, path.Join(remoteDir, filepath.ToSlash(rel))); err != nil {
			errs = append(errs, fmt.Errorf("copy %s: %w", rel, err))
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	return errors.Join(errs...)
}

func (e *sshExecutor) copyFile(ctx context.Context, local, remote string) error {
	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		sysproc.Quote(path.Dir(remote)), sysproc.Quote(remote), info.Mode().Perm(), sysproc.Quote(remote))
	_, err = e.run(ctx, cmd, data)
	return err
}

func (e *sshExecutor) run(ctx context.Context, cmd string, stdin []byte) (string, error) {
	sess, err := e.client.NewSession()
	if err != nil {
		return "", &StatusError{Code: StatusProtocol, Message: "open session on " + e.target, Err: err}
	}
	defer sess.Close()

	// The session copies stdout and stderr in separate goroutines.
	var out lockedBuffer
	sess.Stdout = &out
	sess.Stderr = &out
	sess.Stdin = bytes.NewReader(stdin)

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Close()
		<-done
		return out.String(), &StatusError{Code: StatusConnect, Message: "cancelled on " + e.target, Err: ctx.Err()}
	case err = <-done:
	}

	if err == nil {
		return out.String(), nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return out.String(), &StatusError{
			Code:    exitErr.ExitStatus(),
			Message: strings.TrimSpace(out.String()),
			Err:     err,
		}
	}
	return out.String(), &StatusError{Code: StatusProtocol, Message: "run on " + e.target, Err: err}
}

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (e *sshExecutor) Close() error {
	return e.client.Close()
}
