// Command nezhactl keeps the nezha dashboard and agent alive on shared
// hosting accounts and lets the hosts in a fleet wake each other up.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"github.com/vfhky/serv00-ct8-nezha/internal/config"
	"github.com/vfhky/serv00-ct8-nezha/internal/server"
	"github.com/vfhky/serv00-ct8-nezha/internal/service"
	"github.com/vfhky/serv00-ct8-nezha/internal/version"
	"github.com/vfhky/serv00-ct8-nezha/internal/ws"
	"go.uber.org/zap"
)

// command is one subcommand. run returns the process exit code.
type command struct {
	name    string
	summary string
	run     func(args []string) int
}

func commands() []command {
	return []command{
		{"run", "run the supervisor daemon (default)", runDaemon},
		{"heartbeat", "run one heartbeat cycle: heartbeat [token]", runHeartbeat},
		{"check-url", "probe the monitor URL once", runCheckURL},
		{"restart", "restart supervised units now: restart <unit|all>", runRestartUnits},
		{"status", "print the service status", runStatus},
		{"hosts", "connect to host.conf peers and report", runHosts},
		{"copy-keys", "copy ~/.ssh to every host.conf peer", runCopyKeys},
		{"notify", "send a message through the notify channels", runNotify},
		{"backup", "snapshot the dashboard database to the backup sinks", runBackup},
		{"restore", "restore a backup archive", runRestore},
		{"version", "print version information", runVersion},
	}
}

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

func dispatch(args []string) int {
	name := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		name, args = args[0], args[1:]
	}
	if name == "help" {
		usage(os.Stdout)
		return 0
	}
	for _, c := range commands() {
		if c.name == name {
			return c.run(args)
		}
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
	usage(os.Stderr)
	return 2
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: nezhactl <command> [flags]")
	fmt.Fprintln(w)
	for _, c := range commands() {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
}

// env is the shared state every subcommand starts from.
type env struct {
	v      *viper.Viper
	logger *zap.Logger
}

// newFlags creates a subcommand flag set with the common --config flag.
func newFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file")
	return fs, configPath
}

// setup loads configuration, then the logger, so the log settings come
// from the file.
func setup(configPath string) (*env, error) {
	v, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if f := v.ConfigFileUsed(); f != "" {
		logger.Debug("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	}
	return &env{v: v, logger: logger}, nil
}

// boot builds and initializes the subsystems without starting their loops.
func (e *env) boot(ctx context.Context, opts service.Options) (*service.Manager, error) {
	m := service.New(e.v, e.logger, opts)
	if err := m.Boot(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func (e *env) close() {
	_ = e.logger.Sync()
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "nezhactl:", err)
	return 1
}

func runDaemon(args []string) int {
	fs, configPath := newFlags("run")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()
	logger := e.logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("nezhactl starting", zap.String("version", version.Short()))
	m, err := e.boot(ctx, service.Options{ConnectFleet: true})
	if err != nil {
		logger.Error("boot failed", zap.Error(err))
		return 1
	}
	defer m.Close()

	if err := m.Start(ctx); err != nil {
		logger.Error("start failed", zap.Error(err))
		return 1
	}

	srv, err := startStatusServer(e.v, m, logger)
	if err != nil {
		logger.Error("status server failed", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown error", zap.Error(err))
		}
	}
	if err := m.Stop(shutdownCtx); err != nil {
		logger.Error("stop failed", zap.Error(err))
		return 1
	}
	logger.Info("nezhactl stopped")
	return 0
}

// startStatusServer serves the status API when server.enabled is set.
// It returns a nil server when disabled.
func startStatusServer(v *viper.Viper, m *service.Manager, logger *zap.Logger) (*server.Server, error) {
	cfg, err := server.ConfigFrom(v)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, nil
	}

	events := ws.NewHandler(m.Bus(), cfg.AllowedOrigins, logger.Named("ws"))
	srv := server.New(cfg, server.Options{
		Plugins:    m.Registry(),
		Status:     func(ctx context.Context) any { return m.Status(ctx) },
		Ready:      readiness(m),
		Gatherer:   m.Metrics(),
		Registerer: m.Metrics(),
		Extra:      []server.RouteRegistrar{events},
	}, logger.Named("server"))
	if err := srv.Listen(); err != nil {
		events.Close()
		return nil, err
	}
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Error("status server stopped", zap.Error(err))
		}
		events.Close()
	}()
	return srv, nil
}

func readiness(m *service.Manager) server.ReadinessChecker {
	return func(context.Context) error {
		if !m.Running() {
			return errors.New("service not running")
		}
		return nil
	}
}
