package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vfhky/serv00-ct8-nezha/internal/confstore"
	"github.com/vfhky/serv00-ct8-nezha/internal/event"
	"github.com/vfhky/serv00-ct8-nezha/internal/fault"
	"github.com/vfhky/serv00-ct8-nezha/internal/loop"
	"github.com/vfhky/serv00-ct8-nezha/internal/remote"
	"github.com/vfhky/serv00-ct8-nezha/internal/sysproc"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin         = (*Supervisor)(nil)
	_ plugin.Runner         = (*Supervisor)(nil)
	_ plugin.StatusReporter = (*Supervisor)(nil)
	_ plugin.HTTPProvider   = (*Supervisor)(nil)
	_ plugin.Validator      = (*Supervisor)(nil)
)

const (
	defaultPollInterval = 10 * time.Second
	defaultErrorBackoff = 30 * time.Second
	stopTimeout         = 5 * time.Second
)

type settings struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	ErrorBackoff         time.Duration `mapstructure:"error_backoff"`
	CycleInterval        time.Duration `mapstructure:"cycle_interval"`
	MaxFailures          int           `mapstructure:"max_failures"`
	RestartGrace         time.Duration `mapstructure:"restart_grace"`
	FanoutConcurrency    int           `mapstructure:"fanout_concurrency"`
	URLTimeout           time.Duration `mapstructure:"url_timeout"`
	EntryScript          string        `mapstructure:"entry_script"`
	ProcessMonitorScript string        `mapstructure:"process_monitor_script"`
	UtilsScript          string        `mapstructure:"utils_script"`
	MonitorConfUnits     bool          `mapstructure:"monitor_conf_units"`
	HourFile             string        `mapstructure:"hour_file"`
	Local                struct {
		Hostname string `mapstructure:"hostname"`
		Username string `mapstructure:"username"`
		Port     uint16 `mapstructure:"port"`
	} `mapstructure:"local"`
	Units []UnitConfig `mapstructure:"units"`
}

// CycleReport is the outcome of one heartbeat cycle.
type CycleReport struct {
	Token           string        `json:"token,omitempty" yaml:"token,omitempty"`
	Propagated      bool          `json:"propagated" yaml:"propagated"`
	HookErrors      []string      `json:"hook_errors,omitempty" yaml:"hook_errors,omitempty"`
	URL             *ProbeResult  `json:"url,omitempty" yaml:"url,omitempty"`
	Fanout          *FanoutReport `json:"fanout,omitempty" yaml:"fanout,omitempty"`
	BackupRequested bool          `json:"backup_requested" yaml:"backup_requested"`
	StartedAt       time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt      time.Time     `json:"finished_at" yaml:"finished_at"`
}

// Supervisor keeps local units alive and runs heartbeat cycles.
type Supervisor struct {
	logger  *zap.Logger
	bus     plugin.Publisher
	plugins plugin.PluginResolver
	cfg     settings

	store    *confstore.Store
	peers    PeerSource
	finder   sysproc.Finder
	runner   sysproc.Runner
	resolver Resolver
	client   *http.Client
	reg      prometheus.Registerer
	sleep    func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	units map[string]*Unit
	order []string

	propagator *Propagator
	probe      *URLProbe
	metrics    *metrics

	unitLoop  *loop.Loop
	cycleLoop *loop.Loop

	cycleMu   sync.Mutex
	lastMu    sync.RWMutex
	lastCycle *CycleReport
}

// New creates the heartbeat subsystem.
func New() *Supervisor {
	return &Supervisor{units: make(map[string]*Unit)}
}

// SetStore injects the config file snapshot. Call before Init.
func (s *Supervisor) SetStore(st *confstore.Store) { s.store = st }

// SetFleet injects the connected peers. Call before Init.
func (s *Supervisor) SetFleet(p PeerSource) { s.peers = p }

// SetFinder injects the process finder. Call before Init.
func (s *Supervisor) SetFinder(f sysproc.Finder) { s.finder = f }

// SetRunner injects the local command runner. Call before Init.
func (s *Supervisor) SetRunner(r sysproc.Runner) { s.runner = r }

// SetResolver injects the DNS resolver for the URL probe. Call before Init.
func (s *Supervisor) SetResolver(r Resolver) { s.resolver = r }

// SetHTTPClient injects the URL probe client. Call before Init.
func (s *Supervisor) SetHTTPClient(c *http.Client) { s.client = c }

// SetRegisterer sets where metrics are registered. Call before Init.
func (s *Supervisor) SetRegisterer(reg prometheus.Registerer) { s.reg = reg }

// SetSleep replaces the restart grace sleep. Call before Init.
func (s *Supervisor) SetSleep(fn func(ctx context.Context, d time.Duration) error) { s.sleep = fn }

func (s *Supervisor) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "heartbeat",
		Version:     "0.1.0",
		Description: "Local process supervision and fleet heartbeat",
		Required:    true,
		Roles:       []string{plugin.RoleSupervisor},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (s *Supervisor) Init(_ context.Context, deps plugin.Dependencies) error {
	s.logger = deps.Logger
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.bus = deps.Bus
	s.plugins = deps.Plugins

	s.cfg = settings{
		PollInterval:      defaultPollInterval,
		ErrorBackoff:      defaultErrorBackoff,
		MaxFailures:       DefaultMaxFailures,
		RestartGrace:      DefaultRestartGrace,
		FanoutConcurrency: DefaultFanoutConcurrency,
		URLTimeout:        DefaultURLTimeout,
	}
	s.cfg.Local.Port = 22
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&s.cfg); err != nil {
			return fault.Config("decode heartbeat config", err)
		}
	}
	if s.cfg.PollInterval <= 0 {
		s.cfg.PollInterval = defaultPollInterval
	}
	if s.cfg.HourFile == "" {
		s.cfg.HourFile = filepath.Join(os.TempDir(), "nezhactl_ok_notify_hour")
	}
	s.resolveLocal()

	if s.runner == nil {
		s.runner = &sysproc.Shell{Timeout: 30 * time.Second}
	}
	if s.finder == nil {
		s.finder = sysproc.NewFinder(s.runner)
	}
	if s.peers == nil {
		s.peers = remote.NewFleet(s.logger)
	}
	s.metrics = newMetrics(s.reg)

	sys := s.sys()
	gate := NewHourGate(s.cfg.HourFile, sys.NotifyHours(s.logger))
	s.probe = NewURLProbe(s.resolver, s.client, gate, s.cfg.URLTimeout, s.bus, s.logger)
	s.propagator = NewPropagator(s.peers, s.local(), s.cfg.EntryScript, s.cfg.FanoutConcurrency, s.bus, s.logger)

	units := append([]UnitConfig(nil), s.cfg.Units...)
	if s.cfg.MonitorConfUnits && s.store != nil {
		for _, p := range s.store.Processes() {
			units = append(units, UnitConfig{Name: p.Name, Pattern: p.Name, Restart: p.RestartCommand()})
		}
	}
	for _, uc := range units {
		if err := s.AddUnit(uc); err != nil {
			s.logger.Warn("unit skipped", zap.String("unit", uc.Name), zap.Error(err))
		}
	}

	s.unitLoop = loop.New("heartbeat-units", s.cfg.PollInterval, s.cfg.ErrorBackoff, s.unitPass, s.logger)
	if s.cfg.CycleInterval > 0 {
		s.cycleLoop = loop.New("heartbeat-cycle", s.cfg.CycleInterval, s.cfg.ErrorBackoff, func(ctx context.Context) error {
			s.RunCycle(ctx, nil)
			return nil
		}, s.logger)
	}

	s.logger.Info("heartbeat module initialized",
		zap.Int("units", len(s.order)),
		zap.String("local", s.local().Username+"@"+s.local().Hostname),
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("cycle_interval", s.cfg.CycleInterval),
	)
	return nil
}

// ValidateConfig implements plugin.Validator. It rejects settings the
// supervisor cannot run with; skipped units are only logged.
func (s *Supervisor) ValidateConfig() error {
	var errs []error
	if s.cfg.Local.Username == "" {
		errs = append(errs, errors.New("local.username is empty and the current user is unknown"))
	}
	if s.cfg.Local.Port == 0 {
		errs = append(errs, errors.New("local.port must be set"))
	}
	if s.cfg.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("max_failures must be at least 1, got %d", s.cfg.MaxFailures))
	}
	if s.cfg.RestartGrace < 0 {
		errs = append(errs, fmt.Errorf("restart_grace must not be negative, got %s", s.cfg.RestartGrace))
	}
	if s.cfg.CycleInterval > 0 && s.cfg.EntryScript == "" {
		errs = append(errs, errors.New("cycle_interval is set but entry_script is empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return fault.Config("validate heartbeat config", err)
	}
	return nil
}

func (s *Supervisor) resolveLocal() {
	if s.cfg.Local.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			s.cfg.Local.Hostname = h
		}
	}
	if s.cfg.Local.Username == "" {
		if u, err := user.Current(); err == nil {
			s.cfg.Local.Username = u.Username
		} else {
			s.cfg.Local.Username = os.Getenv("USER")
		}
	}
}

func (s *Supervisor) local() Local {
	return Local{Hostname: s.cfg.Local.Hostname, Username: s.cfg.Local.Username, Port: s.cfg.Local.Port}
}

func (s *Supervisor) sys() confstore.SysConfig {
	if s.store == nil {
		return confstore.SysConfig{}
	}
	return s.store.Sys()
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.unitLoop.Start(ctx)
	if s.cycleLoop != nil {
		s.cycleLoop.Start(ctx)
	}
	s.logger.Info("heartbeat module started")
	return nil
}

func (s *Supervisor) Stop(_ context.Context) error {
	var slow []string
	if s.unitLoop != nil && !s.unitLoop.Stop(stopTimeout) {
		slow = append(slow, "units")
	}
	if s.cycleLoop != nil && !s.cycleLoop.Stop(stopTimeout) {
		slow = append(slow, "cycle")
	}
	if len(slow) > 0 {
		s.logger.Warn("heartbeat loops still running after stop timeout", zap.Strings("loops", slow))
	}
	s.logger.Info("heartbeat module stopped")
	return nil
}

// Running implements plugin.Runner.
func (s *Supervisor) Running() bool {
	if s.unitLoop == nil || !s.unitLoop.Running() {
		return false
	}
	return s.cycleLoop == nil || s.cycleLoop.Running()
}

// AddUnit registers a supervised process, replacing one of the same name.
func (s *Supervisor) AddUnit(cfg UnitConfig) error {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = s.cfg.MaxFailures
	}
	opts := []UnitOption{WithGrace(s.cfg.RestartGrace)}
	if s.sleep != nil {
		opts = append(opts, WithSleep(s.sleep))
	}
	u, err := NewUnit(cfg, s.finder, s.runner, s.bus, s.logger, opts...)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.units[u.Name()]; !exists {
		s.order = append(s.order, u.Name())
	}
	s.units[u.Name()] = u
	return nil
}

// RemoveUnit drops a unit by name and reports whether it existed.
func (s *Supervisor) RemoveUnit(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.units[name]; !ok {
		return false
	}
	delete(s.units, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Unit returns a unit by name.
func (s *Supervisor) Unit(name string) (*Unit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[name]
	return u, ok
}

// Units returns the units in registration order.
func (s *Supervisor) Units() []*Unit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Unit, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.units[n])
	}
	return out
}

// unitPass checks every unit once and applies the restart policy to
// fresh failures. Units are independent; one failing never skips another.
func (s *Supervisor) unitPass(ctx context.Context) error {
	for _, u := range s.Units() {
		if ctx.Err() != nil {
			return nil
		}
		r, live := u.Check(ctx)
		if !live {
			continue
		}
		result := "pass"
		if !r.Passed {
			result = "fail"
		}
		s.metrics.checks.WithLabelValues(u.Name(), result).Inc()
		s.metrics.failures.WithLabelValues(u.Name()).Set(float64(u.FailureCount()))
		if r.Passed {
			continue
		}

		err := u.HandleFailure(ctx)
		switch {
		case err == nil:
			s.metrics.restarts.WithLabelValues(u.Name(), "recovered").Inc()
		case fault.Is(err, fault.KindRestartExhausted):
			s.metrics.restarts.WithLabelValues(u.Name(), "exhausted").Inc()
		default:
			s.metrics.restarts.WithLabelValues(u.Name(), "failed").Inc()
			s.logger.Warn("restart did not recover unit", zap.String("unit", u.Name()), zap.Error(err))
		}
		s.metrics.failures.WithLabelValues(u.Name()).Set(float64(u.FailureCount()))
	}
	return nil
}

// RestartResult is the outcome of one requested unit restart.
type RestartResult struct {
	Unit      string `json:"unit" yaml:"unit"`
	Recovered bool   `json:"recovered" yaml:"recovered"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// RestartUnits restarts the named units, or every unit when name is "all"
// or empty, bypassing the failure threshold. Units restart one at a time
// in registration order.
func (s *Supervisor) RestartUnits(ctx context.Context, name string) ([]RestartResult, error) {
	var units []*Unit
	if name == "" || name == "all" {
		units = s.Units()
	} else {
		u, ok := s.Unit(name)
		if !ok {
			return nil, fault.Config("restart", fmt.Errorf("unknown unit %q", name))
		}
		units = []*Unit{u}
	}

	out := make([]RestartResult, 0, len(units))
	for _, u := range units {
		res := RestartResult{Unit: u.Name()}
		if err := u.Restart(ctx); err != nil {
			res.Error = err.Error()
			s.metrics.restarts.WithLabelValues(u.Name(), "failed").Inc()
		} else {
			res.Recovered = true
			s.metrics.restarts.WithLabelValues(u.Name(), "recovered").Inc()
		}
		s.metrics.failures.WithLabelValues(u.Name()).Set(float64(u.FailureCount()))
		out = append(out, res)
	}
	return out, nil
}

// RunCycle runs one heartbeat cycle: the local hooks, then the URL probe
// and fleet propagation when tok allows them, then a backup request.
// Cycles never overlap.
func (s *Supervisor) RunCycle(ctx context.Context, tok *Token) CycleReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	rep := CycleReport{StartedAt: time.Now()}
	trigger := "timer"
	if tok != nil {
		rep.Token = tok.String()
		trigger = "self"
		if tok.Type != TriggerSelf {
			trigger = "peer"
		}
		s.logger.Info("heartbeat received",
			zap.String("from", tok.Username+"@"+tok.Hostname),
			zap.Uint16("port", tok.Port),
			zap.Int("type", tok.Type),
		)
	}
	s.metrics.cycles.WithLabelValues(trigger).Inc()

	rep.HookErrors = s.runHooks(ctx)

	if ShouldPropagate(tok) {
		sys := s.sys()
		if sys.CheckMonitorURLDNS && sys.MonitorURL != "" {
			r := s.probe.Probe(ctx, sys.MonitorURL)
			rep.URL = &r
		}
		f := s.propagator.Propagate(ctx)
		s.metrics.observeFanout(f)
		rep.Fanout = &f
		rep.Propagated = true
	} else {
		s.logger.Debug("peer-originated heartbeat, not propagating")
	}

	if s.backupActive() {
		event.Emit(ctx, s.bus, "heartbeat", event.TopicBackup, event.Notice{
			Message: "dashboard backup requested by heartbeat cycle",
			Kind:    "request",
		})
		rep.BackupRequested = true
	} else {
		s.logger.Debug("no active backup subsystem, skipping backup request")
	}

	rep.FinishedAt = time.Now()
	s.lastMu.Lock()
	s.lastCycle = &rep
	s.lastMu.Unlock()
	return rep
}

// backupActive reports whether a backup subsystem would receive a request.
// Without a resolver the request is always sent.
func (s *Supervisor) backupActive() bool {
	if s.plugins == nil {
		return true
	}
	return len(s.plugins.ResolveByRole(plugin.RoleBackupSink)) > 0
}

// ProbeURL runs the DNS and HTTP checks against rawURL, or against the
// configured MONITOR_URL when rawURL is empty.
func (s *Supervisor) ProbeURL(ctx context.Context, rawURL string) (ProbeResult, error) {
	if rawURL == "" {
		rawURL = s.sys().MonitorURL
	}
	if rawURL == "" {
		return ProbeResult{}, fault.Config("probe url", errors.New("no url given and MONITOR_URL is unset"))
	}
	return s.probe.Probe(ctx, rawURL), nil
}

// runHooks runs the process monitor script and the cron installer when
// their scripts exist. Failures are logged and returned, never fatal.
func (s *Supervisor) runHooks(ctx context.Context) []string {
	var errs []string
	run := func(name string, args ...string) {
		if args[0] == "" {
			return
		}
		if _, err := os.Stat(args[0]); err != nil {
			s.logger.Debug("hook script missing, skipping", zap.String("hook", name), zap.String("script", args[0]))
			return
		}
		out, err := s.runner.Run(ctx, sysproc.Join(args...))
		if err != nil {
			s.logger.Error("hook failed",
				zap.String("hook", name),
				zap.String("output", out),
				zap.Error(err),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}

	if !s.cfg.MonitorConfUnits && s.store != nil {
		run("process_monitor", s.cfg.ProcessMonitorScript, filepath.Join(s.store.Dir(), confstore.MonitorFile))
	}
	if cron := s.sys().HeartbeatCronTime; cron != "" {
		run("cron", s.cfg.UtilsScript, "cron", cron, s.cfg.EntryScript)
	}
	return errs
}

// LastCycle returns the most recent cycle report, if any.
func (s *Supervisor) LastCycle() (CycleReport, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.lastCycle == nil {
		return CycleReport{}, false
	}
	return *s.lastCycle, true
}

// Status is the heartbeat subsystem's status detail.
type Status struct {
	Running   bool         `json:"running" yaml:"running"`
	Local     string       `json:"local" yaml:"local"`
	Units     []UnitStatus `json:"units" yaml:"units"`
	LastCycle *CycleReport `json:"last_cycle,omitempty" yaml:"last_cycle,omitempty"`
}

// Status implements plugin.StatusReporter.
func (s *Supervisor) Status() any {
	l := s.local()
	st := Status{
		Running: s.Running(),
		Local:   fmt.Sprintf("%s@%s:%d", l.Username, l.Hostname, l.Port),
		Units:   []UnitStatus{},
	}
	for _, u := range s.Units() {
		st.Units = append(st.Units, u.Status())
	}
	if c, ok := s.LastCycle(); ok {
		st.LastCycle = &c
	}
	return st
}

// Routes implements plugin.HTTPProvider.
func (s *Supervisor) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/units", Handler: s.handleUnits},
		{Method: "POST", Path: "/cycle", Handler: s.handleCycle},
		{Method: "POST", Path: "/units/{name}/restart", Handler: s.handleRestart},
	}
}

func (s *Supervisor) handleUnits(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Status())
}

func (s *Supervisor) handleRestart(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	res, err := s.RestartUnits(r.Context(), r.PathValue("name"))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(res)
}

// handleCycle runs a cycle with the token in the "token" query parameter.
func (s *Supervisor) handleCycle(w http.ResponseWriter, r *http.Request) {
	tok, err := ParseToken(r.URL.Query().Get("token"))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	rep := s.RunCycle(r.Context(), tok)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rep)
}
