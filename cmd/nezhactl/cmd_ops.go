package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/vfhky/serv00-ct8-nezha/internal/backup"
	"github.com/vfhky/serv00-ct8-nezha/internal/confstore"
	"github.com/vfhky/serv00-ct8-nezha/internal/heartbeat"
	"github.com/vfhky/serv00-ct8-nezha/internal/notify"
	"github.com/vfhky/serv00-ct8-nezha/internal/remote"
	"github.com/vfhky/serv00-ct8-nezha/internal/service"
	"go.uber.org/zap"
)

// copyKeysConcurrency bounds simultaneous directory copies.
const copyKeysConcurrency = 3

func sshDialer(e *env) *remote.SSHDialer {
	return &remote.SSHDialer{
		KeyFile:        e.v.GetString("ssh.key_file"),
		KnownHostsFile: e.v.GetString("ssh.known_hosts_file"),
		Timeout:        e.v.GetDuration("ssh.connect_timeout"),
		Logger:         e.logger.Named("ssh"),
	}
}

// localIdentity is this account's (hostname, username) pair.
func localIdentity() (confstore.Identity, error) {
	host, err := os.Hostname()
	if err != nil {
		return confstore.Identity{}, fmt.Errorf("hostname: %w", err)
	}
	u, err := user.Current()
	if err != nil {
		return confstore.Identity{}, fmt.Errorf("current user: %w", err)
	}
	return confstore.Identity{Hostname: host, Username: u.Username}, nil
}

// loadFiles reads the config directory. Only a missing host.conf is fatal
// for the commands that walk it.
func loadFiles(e *env) (*confstore.Store, error) {
	files, err := confstore.Load(e.v.GetString("paths.config_dir"), e.logger.Named("confstore"))
	if len(files.Hosts()) == 0 {
		if err == nil {
			err = errors.New("no hosts in " + confstore.HostFile)
		}
		return nil, err
	}
	if err != nil {
		e.logger.Debug("config directory loaded with problems", zap.Error(err))
	}
	return files, nil
}

func runCopyKeys(args []string) int {
	fs, configPath := newFlags("copy-keys")
	dir := fs.String("dir", "", "directory to copy (default ~/.ssh)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()
	ctx := context.Background()

	self, err := localIdentity()
	if err != nil {
		return fail(err)
	}
	localDir := *dir
	if localDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fail(err)
		}
		localDir = filepath.Join(home, ".ssh")
	}

	files, err := loadFiles(e)
	if err != nil {
		return fail(err)
	}
	fleet := remote.Connect(ctx, sshDialer(e), files.Hosts(), e.v.GetInt("ssh.connect_concurrency"), e.logger.Named("remote"))
	defer fleet.Close()

	results := fleet.CopyToAll(ctx, self, localDir, func(h confstore.HostEntry) string {
		return heartbeat.RemotePath(localDir, self.Username, h.Username)
	}, copyKeysConcurrency)

	failed := 0
	for i, r := range results {
		switch {
		case r.Skipped != "":
			fmt.Printf("[%d] %s skipped: %s\n", i+1, r.Host, r.Skipped)
		case r.Err != nil:
			failed++
			fmt.Printf("[%d] %s failed: %v\n", i+1, r.Host, r.Err)
		default:
			fmt.Printf("[%d] %s copied\n", i+1, r.Host)
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func runNotify(args []string) int {
	fs, configPath := newFlags("notify")
	message := fs.String("message", "", "message body")
	level := fs.String("level", notify.LevelInfo, "message level: info, warning or error")
	channel := fs.String("channel", "", "deliver to one channel only (default all)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	body := *message
	if body == "" {
		body = strings.Join(fs.Args(), " ")
	}
	if body == "" {
		return fail(errors.New("notify: --message is required"))
	}
	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()
	ctx := context.Background()

	m, err := e.boot(ctx, service.Options{DisableHistory: true})
	if err != nil {
		return fail(err)
	}
	defer m.Close()

	n := m.Notify()
	if n == nil {
		return fail(errors.New("the notify subsystem is disabled (plugins.notify.enabled)"))
	}
	if err := n.Send(ctx, body, *level, *channel); err != nil {
		return fail(err)
	}
	return 0
}

func runBackup(args []string) int {
	fs, configPath := newFlags("backup")
	target := fs.String("target", "", "deliver to one sink only: local or http (default all)")
	format := fs.String("format", "json", "output format: json or yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()
	ctx := context.Background()

	m, err := e.boot(ctx, service.Options{})
	if err != nil {
		return fail(err)
	}
	defer m.Close()

	b := m.Backup()
	if b == nil {
		return fail(errors.New("the backup subsystem is disabled (plugins.backup.enabled)"))
	}
	if *target != "" {
		var keep []backup.Sink
		for _, s := range b.Sinks() {
			if s.Name() == *target {
				keep = append(keep, s)
			}
		}
		if len(keep) == 0 {
			return fail(fmt.Errorf("backup sink %q is not configured", *target))
		}
		b.SetSinks(keep...)
	}

	rep, runErr := b.Run(ctx)
	if err := printValue(os.Stdout, *format, rep); err != nil {
		return fail(err)
	}
	if runErr != nil {
		return fail(runErr)
	}
	return 0
}

func runRestore(args []string) int {
	fs, _ := newFlags("restore")
	archive := fs.String("archive", "", "path to the .tar.gz backup archive")
	dir := fs.String("dir", "", "directory to restore into")
	force := fs.Bool("force", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *archive == "" || *dir == "" {
		return fail(errors.New("restore: --archive and --dir are required"))
	}
	if err := backup.Restore(context.Background(), *archive, *dir, *force); err != nil {
		return fail(err)
	}
	fmt.Printf("restored %s into %s\n", *archive, *dir)
	return 0
}
