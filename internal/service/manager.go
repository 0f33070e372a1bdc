// Package service is the composition root of the daemon: it boots the
// config files, builds every subsystem, runs them and keeps them running.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"github.com/vfhky/serv00-ct8-nezha/internal/backup"
	"github.com/vfhky/serv00-ct8-nezha/internal/config"
	"github.com/vfhky/serv00-ct8-nezha/internal/confstore"
	"github.com/vfhky/serv00-ct8-nezha/internal/event"
	"github.com/vfhky/serv00-ct8-nezha/internal/heartbeat"
	"github.com/vfhky/serv00-ct8-nezha/internal/loop"
	"github.com/vfhky/serv00-ct8-nezha/internal/monitor"
	"github.com/vfhky/serv00-ct8-nezha/internal/notify"
	"github.com/vfhky/serv00-ct8-nezha/internal/registry"
	"github.com/vfhky/serv00-ct8-nezha/internal/remote"
	"github.com/vfhky/serv00-ct8-nezha/internal/store"
	"github.com/vfhky/serv00-ct8-nezha/internal/version"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
)

const (
	defaultWatchdogInterval = 30 * time.Second
	defaultStopTimeout      = 5 * time.Second
	historyLimit            = 20
)

// Options tune Boot.
type Options struct {
	// ConnectFleet dials the heartbeat.conf peers. Commands that never
	// propagate leave it off and get an empty fleet.
	ConnectFleet bool
	// Dialer overrides the SSH dialer built from the ssh.* settings.
	Dialer remote.Dialer
	// Extra subsystems registered after the built-in ones.
	Extra []plugin.Plugin
	// DisableHistory skips the state database.
	DisableHistory bool
}

// Manager owns the subsystems and their watchdog.
type Manager struct {
	v      *viper.Viper
	cfg    *config.ViperConfig
	logger *zap.Logger
	opts   Options

	files   *confstore.Store
	state   *store.SQLiteStore
	history *store.History
	bus     *event.Bus
	reg     *registry.Registry
	metrics *prometheus.Registry
	fleet   *remote.Fleet

	heartbeat *heartbeat.Supervisor
	monitor   *monitor.Module
	notify    *notify.Module
	backup    *backup.Module

	watchdog    *loop.Loop
	stopTimeout time.Duration

	mu        sync.Mutex
	booted    bool
	running   bool
	startedAt time.Time

	// restartMu guards restarts; watchdog passes take it while Stop holds mu.
	restartMu sync.Mutex
	restarts  map[string]int
}

// New creates a manager over a loaded configuration.
func New(v *viper.Viper, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		v:        v,
		cfg:      config.New(v),
		logger:   logger,
		opts:     opts,
		restarts: make(map[string]int),
	}
}

// Boot loads the config directory and initializes every enabled
// subsystem. Missing legacy files are warnings; the daemon still runs on
// defaults.
func (m *Manager) Boot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.booted {
		return nil
	}

	dir := m.v.GetString("paths.config_dir")
	files, err := confstore.Load(dir, m.logger.Named("confstore"))
	if err != nil {
		m.logger.Warn("config directory loaded with problems", zap.String("dir", dir), zap.Error(err))
	}
	m.files = files

	if !m.opts.DisableHistory {
		m.openState(ctx)
	}

	m.bus = event.NewBus(m.logger.Named("event"))
	m.bus.SubscribeAll("service", m.onEvent)

	m.metrics = prometheus.NewRegistry()
	m.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.fleet = remote.NewFleet(m.logger.Named("remote"))
	if m.opts.ConnectFleet {
		m.fleet = remote.Connect(ctx, m.dialer(), files.Peers(), m.v.GetInt("ssh.connect_concurrency"), m.logger.Named("remote"))
		ok, bad := m.fleet.Counts()
		m.logger.Info("fleet connected", zap.Int("reachable", ok), zap.Int("unreachable", bad))
	}

	m.reg = registry.New(m.logger.Named("registry"))
	for _, p := range m.subsystems() {
		if err := m.reg.Register(p); err != nil {
			return err
		}
	}
	if err := m.reg.Validate(); err != nil {
		return err
	}
	if err := m.reg.InitAll(ctx, m.deps); err != nil {
		return err
	}

	interval := m.v.GetDuration("service.watchdog_interval")
	if interval <= 0 {
		interval = defaultWatchdogInterval
	}
	m.stopTimeout = m.v.GetDuration("service.stop_timeout")
	if m.stopTimeout <= 0 {
		m.stopTimeout = defaultStopTimeout
	}
	m.watchdog = loop.New("watchdog", interval, interval, m.watchdogPass, m.logger)
	m.booted = true
	return nil
}

func (m *Manager) openState(ctx context.Context) {
	path := m.v.GetString("paths.state_db")
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		m.logger.Warn("state database unavailable", zap.Error(err))
		return
	}
	st, err := store.New(path)
	if err != nil {
		m.logger.Warn("state database unavailable", zap.String("path", path), zap.Error(err))
		return
	}
	if err := st.CheckVersion(ctx, version.Short()); err != nil {
		st.Close()
		m.logger.Warn("state database not usable by this binary", zap.String("path", path), zap.Error(err))
		return
	}
	h, err := store.NewHistory(ctx, st)
	if err != nil {
		st.Close()
		m.logger.Warn("event history unavailable", zap.Error(err))
		return
	}
	m.state, m.history = st, h

	if keep := m.v.GetDuration("service.history_retention"); keep > 0 {
		n, err := h.Prune(ctx, time.Now().Add(-keep))
		if err != nil {
			m.logger.Warn("event history prune failed", zap.Error(err))
		} else if n > 0 {
			m.logger.Debug("event history pruned", zap.Int64("records", n))
		}
	}
}

func (m *Manager) dialer() remote.Dialer {
	if m.opts.Dialer != nil {
		return m.opts.Dialer
	}
	return &remote.SSHDialer{
		KeyFile:        m.v.GetString("ssh.key_file"),
		KnownHostsFile: m.v.GetString("ssh.known_hosts_file"),
		Timeout:        m.v.GetDuration("ssh.connect_timeout"),
		Logger:         m.logger.Named("ssh"),
	}
}

func (m *Manager) enabled(name string) bool {
	return m.v.GetBool("plugins." + name + ".enabled")
}

// subsystems builds the enabled subsystems. notify comes first so it is
// subscribed before anything can publish.
func (m *Manager) subsystems() []plugin.Plugin {
	var out []plugin.Plugin
	if m.enabled("notify") {
		m.notify = notify.New()
		m.notify.SetStore(m.files)
		m.notify.SetRegisterer(m.metrics)
		out = append(out, m.notify)
	}
	if m.enabled("backup") {
		m.backup = backup.New()
		m.backup.SetRegisterer(m.metrics)
		out = append(out, m.backup)
	}
	if m.enabled("monitor") {
		m.monitor = monitor.NewModule()
		m.monitor.SetRegisterer(m.metrics)
		out = append(out, m.monitor)
	}
	if m.enabled("heartbeat") {
		m.heartbeat = heartbeat.New()
		m.heartbeat.SetStore(m.files)
		m.heartbeat.SetFleet(m.fleet)
		m.heartbeat.SetRegisterer(m.metrics)
		out = append(out, m.heartbeat)
	}
	return append(out, m.opts.Extra...)
}

func (m *Manager) deps(name string) plugin.Dependencies {
	d := plugin.Dependencies{
		Config:  m.cfg.Sub("plugins." + name),
		Logger:  m.logger.Named(name),
		Bus:     m.bus,
		Plugins: m.reg,
	}
	if m.state != nil {
		d.Store = m.state
	}
	return d
}

// onEvent logs every core notice at the level of its topic and keeps it in
// the history.
func (m *Manager) onEvent(ctx context.Context, e plugin.Event) error {
	n, ok := event.NoticeOf(e)
	if !ok {
		return nil
	}
	fields := []zap.Field{
		zap.String("topic", e.Topic),
		zap.String("source", e.Source),
		zap.String("message", n.Message),
	}
	if n.Kind != "" {
		fields = append(fields, zap.String("kind", n.Kind))
	}
	if n.Status != "" {
		fields = append(fields, zap.String("status", n.Status))
	}
	switch e.Topic {
	case event.TopicError:
		m.logger.Error("event", fields...)
	case event.TopicWarning:
		m.logger.Warn("event", fields...)
	case event.TopicSuccess, event.TopicSystem:
		m.logger.Info("event", fields...)
	default:
		m.logger.Debug("event", fields...)
	}

	if m.history == nil {
		return nil
	}
	return m.history.Add(ctx, store.Record{
		ID:      e.ID,
		Topic:   e.Topic,
		Source:  e.Source,
		Status:  n.Status,
		Kind:    n.Kind,
		Message: n.Message,
		At:      e.Timestamp,
	})
}

// Start starts every subsystem and the watchdog. Starting a running
// manager logs a warning and does nothing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.booted {
		return errors.New("service: Start before Boot")
	}
	if m.running {
		m.logger.Warn("service already running")
		return nil
	}
	if err := m.reg.StartAll(ctx); err != nil {
		return err
	}
	m.watchdog.Start(ctx)
	m.running = true
	m.startedAt = time.Now()
	event.Emit(ctx, m.bus, "service", event.TopicSystem, event.Notice{
		Message: fmt.Sprintf("nezhactl %s started with %v", version.Short(), m.reg.Names()),
	})
	return nil
}

// Stop stops the watchdog and then every subsystem in reverse order,
// waiting at most the stop timeout. Stopping a stopped manager logs a
// warning and does nothing.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		m.logger.Warn("service not running")
		return nil
	}
	if !m.watchdog.Stop(m.stopTimeout) {
		m.logger.Warn("watchdog still running after stop timeout")
	}
	ctx, cancel := context.WithTimeout(ctx, m.stopTimeout)
	defer cancel()
	m.reg.StopAll(ctx)
	m.running = false
	return nil
}

// Close releases the fleet connections and the state database.
func (m *Manager) Close() error {
	var errs []error
	if m.fleet != nil {
		errs = append(errs, m.fleet.Close())
	}
	if m.state != nil {
		errs = append(errs, m.state.Close())
	}
	return errors.Join(errs...)
}

// Running reports whether Start has completed and Stop has not.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// watchdogPass restarts every subsystem whose loop has stopped.
func (m *Manager) watchdogPass(ctx context.Context) error {
	var errs []error
	for _, p := range m.reg.All() {
		r, ok := p.(plugin.Runner)
		if !ok || r.Running() {
			continue
		}
		name := p.Info().Name
		m.logger.Warn("subsystem not running, restarting", zap.String("name", name))
		event.Emit(ctx, m.bus, "service", event.TopicSystem, event.Notice{
			Message: fmt.Sprintf("watchdog restarting %s", name),
			Kind:    "watchdog_restart",
		})
		m.restartMu.Lock()
		m.restarts[name]++
		m.restartMu.Unlock()
		if err := m.reg.Restart(ctx, name); err != nil {
			event.Emit(ctx, m.bus, "service", event.TopicError, event.Notice{
				Message: fmt.Sprintf("watchdog could not restart %s: %v", name, err),
			})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Accessors for the CLI and the status server. A nil result means the
// subsystem is disabled.

func (m *Manager) Heartbeat() *heartbeat.Supervisor { return m.heartbeat }
func (m *Manager) Monitor() *monitor.Module         { return m.monitor }
func (m *Manager) Notify() *notify.Module           { return m.notify }
func (m *Manager) Backup() *backup.Module           { return m.backup }
func (m *Manager) Fleet() *remote.Fleet             { return m.fleet }
func (m *Manager) Files() *confstore.Store          { return m.files }
func (m *Manager) Bus() *event.Bus                  { return m.bus }
func (m *Manager) Registry() *registry.Registry     { return m.reg }
func (m *Manager) Metrics() *prometheus.Registry    { return m.metrics }
func (m *Manager) History() *store.History          { return m.history }
