package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"github.com/vfhky/serv00-ct8-nezha/internal/confstore"
	"github.com/vfhky/serv00-ct8-nezha/internal/remote"
	"github.com/vfhky/serv00-ct8-nezha/internal/server"
	"github.com/vfhky/serv00-ct8-nezha/internal/service"
	"github.com/vfhky/serv00-ct8-nezha/internal/version"
	"go.uber.org/zap"
)

func runStatus(args []string) int {
	fs, configPath := newFlags("status")
	format := fs.String("format", "json", "output format: json or yaml")
	local := fs.Bool("local", false, "compose the status locally even when a daemon is serving it")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()
	ctx := context.Background()

	if !*local {
		if st, ok := daemonStatus(ctx, e.v, e.logger); ok {
			if err := printValue(os.Stdout, *format, st); err != nil {
				return fail(err)
			}
			return 0
		}
	}

	m, err := e.boot(ctx, service.Options{})
	if err != nil {
		return fail(err)
	}
	defer m.Close()
	if err := printValue(os.Stdout, *format, m.Status(ctx)); err != nil {
		return fail(err)
	}
	return 0
}

// daemonStatus asks a running daemon's status server. ok is false when the
// server is disabled or nothing answers.
func daemonStatus(ctx context.Context, v *viper.Viper, logger *zap.Logger) (any, bool) {
	cfg, err := server.ConfigFrom(v)
	if err != nil || !cfg.Enabled {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.Addr()+"/api/v1/status", http.NoBody)
	if err != nil {
		return nil, false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Debug("daemon not reachable, composing status locally", zap.Error(err))
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var st service.ServiceStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		logger.Warn("daemon returned an unreadable status", zap.Error(err))
		return nil, false
	}
	return st, true
}

func runHosts(args []string) int {
	fs, configPath := newFlags("hosts")
	writeHeartbeat := fs.Bool("write-heartbeat", false, "write every other host.conf entry to heartbeat.conf")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()
	ctx := context.Background()

	files, err := loadFiles(e)
	if err != nil {
		return fail(err)
	}
	fleet := remote.Connect(ctx, sshDialer(e), files.Hosts(), e.v.GetInt("ssh.connect_concurrency"), e.logger.Named("remote"))
	defer fleet.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tHOST\tSTATUS\tERROR")
	for i, p := range fleet.Peers() {
		msg := ""
		if p.Err != nil {
			msg = p.Err.Error()
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", i+1, p.Entry.String(), p.Status, msg)
	}
	if err := tw.Flush(); err != nil {
		return fail(err)
	}
	ok, bad := fleet.Counts()
	fmt.Printf("%d reachable, %d unreachable\n", ok, bad)

	if *writeHeartbeat {
		self, err := localIdentity()
		if err != nil {
			return fail(err)
		}
		path := filepath.Join(files.Dir(), confstore.HeartbeatFile)
		if err := writeHeartbeatFile(path, files.Hosts(), self); err != nil {
			return fail(err)
		}
		fmt.Printf("wrote %s\n", path)
	}
	if bad > 0 {
		return 1
	}
	return 0
}

// writeHeartbeatFile writes every entry but self, without passwords.
func writeHeartbeatFile(path string, hosts []confstore.HostEntry, self confstore.Identity) error {
	var peers []confstore.HostEntry
	for _, h := range hosts {
		if !h.Is(self) {
			peers = append(peers, h)
		}
	}
	var buf bytes.Buffer
	if err := confstore.WriteHosts(&buf, peers); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func runVersion(args []string) int {
	fs, _ := newFlags("version")
	format := fs.String("format", "text", "output format: text, json or yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *format == "text" {
		fmt.Println(version.Info())
		return 0
	}
	if err := printValue(os.Stdout, *format, version.Map()); err != nil {
		return fail(err)
	}
	return 0
}
