package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vfhky/serv00-ct8-nezha/internal/loop"
	"github.com/vfhky/serv00-ct8-nezha/internal/sysproc"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin         = (*Module)(nil)
	_ plugin.Runner         = (*Module)(nil)
	_ plugin.StatusReporter = (*Module)(nil)
	_ plugin.HTTPProvider   = (*Module)(nil)
	_ plugin.Validator      = (*Module)(nil)
)

const (
	defaultPassInterval = 30 * time.Second
	defaultErrorBackoff = 60 * time.Second
	stopTimeout         = 5 * time.Second
)

// DefaultTargets are always monitored unless configuration replaces a
// target of the same name.
func DefaultTargets(interval time.Duration) []Target {
	return []Target{
		{Name: "nezha-dashboard", Kind: KindProcess, Identifier: "nezha-dashboard", Interval: interval},
		{Name: "nezha-agent", Kind: KindProcess, Identifier: "nezha-agent", Interval: interval},
	}
}

// Module runs every target's Check on a fixed pass interval.
type Module struct {
	logger *zap.Logger
	bus    plugin.Publisher
	finder sysproc.Finder
	client *http.Client
	reg    prometheus.Registerer
	checks *prometheus.CounterVec

	passInterval  time.Duration
	errorBackoff  time.Duration
	checkInterval time.Duration

	mu       sync.RWMutex
	monitors map[string]*Monitor
	order    []string
	counted  map[string]time.Time // CheckedAt of the last counted result
	skipped  error

	loop *loop.Loop
}

// NewModule creates the monitor subsystem.
func NewModule() *Module {
	return &Module{monitors: make(map[string]*Monitor), counted: make(map[string]time.Time)}
}

// SetFinder injects the process finder. Call before Init.
func (m *Module) SetFinder(f sysproc.Finder) {
	m.finder = f
}

// SetHTTPClient injects the URL check client. Call before Init.
func (m *Module) SetHTTPClient(c *http.Client) {
	m.client = c
}

// SetRegisterer sets where metrics are registered. Call before Init.
func (m *Module) SetRegisterer(reg prometheus.Registerer) {
	m.reg = reg
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "monitor",
		Version:     "0.1.0",
		Description: "Process and URL checks with per-target caching",
		Roles:       []string{plugin.RoleMonitoring},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

type moduleConfig struct {
	Processes []Target `mapstructure:"processes"`
	URLs      []Target `mapstructure:"urls"`
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.bus = deps.Bus
	m.checks = newChecksCounter(m.reg)

	m.passInterval = defaultPassInterval
	m.errorBackoff = defaultErrorBackoff
	m.checkInterval = DefaultInterval

	var cfg moduleConfig
	if c := deps.Config; c != nil {
		m.passInterval = m.interval(c, "pass_interval", m.passInterval)
		m.errorBackoff = m.interval(c, "error_backoff", m.errorBackoff)
		m.checkInterval = m.interval(c, "check_interval", m.checkInterval)
		if err := c.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("decode monitor config: %w", err)
		}
	}
	if m.finder == nil {
		m.finder = sysproc.NewFinder(&sysproc.Shell{Timeout: 10 * time.Second})
	}

	targets := DefaultTargets(m.checkInterval)
	for _, t := range cfg.Processes {
		t.Kind = KindProcess
		targets = append(targets, t)
	}
	for _, t := range cfg.URLs {
		t.Kind = KindURL
		targets = append(targets, t)
	}

	var errs []error
	for _, t := range targets {
		if t.Interval <= 0 {
			t.Interval = m.checkInterval
		}
		if err := m.Add(t); err != nil {
			errs = append(errs, err)
		}
	}
	m.skipped = errors.Join(errs...)
	if m.skipped != nil {
		m.logger.Warn("monitor targets skipped", zap.Error(m.skipped))
	}

	m.loop = loop.New("monitor", m.passInterval, m.errorBackoff, m.pass, m.logger)
	m.logger.Info("monitor module initialized",
		zap.Int("targets", len(m.order)),
		zap.Duration("pass_interval", m.passInterval),
	)
	return nil
}

// interval reads a positive duration from key, keeping def when the key is
// unset or its value is zero or negative.
func (m *Module) interval(c plugin.Config, key string, def time.Duration) time.Duration {
	if !c.IsSet(key) {
		return def
	}
	d := c.GetDuration(key)
	if d <= 0 {
		m.logger.Warn("non-positive interval ignored",
			zap.String("key", key),
			zap.Duration("value", d),
			zap.Duration("using", def),
		)
		return def
	}
	return d
}

// ValidateConfig implements plugin.Validator. A configured target that
// could not be added fails validation.
func (m *Module) ValidateConfig() error {
	if m.skipped != nil {
		return fmt.Errorf("monitor targets: %w", m.skipped)
	}
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	m.loop.Start(ctx)
	m.logger.Info("monitor module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.loop != nil {
		m.loop.Stop(stopTimeout)
	}
	m.logger.Info("monitor module stopped")
	return nil
}

// Running implements plugin.Runner.
func (m *Module) Running() bool {
	return m.loop != nil && m.loop.Running()
}

// Add registers a target, replacing any target with the same name.
func (m *Module) Add(t Target) error {
	opts := []Option{WithFinder(m.finder), WithPublisher(m.bus, "monitor")}
	if m.client != nil {
		opts = append(opts, WithHTTPClient(m.client))
	}
	mon, err := New(t, opts...)
	if err != nil {
		return err
	}
	name := mon.Target().Name

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.monitors[name]; !exists {
		m.order = append(m.order, name)
	}
	m.monitors[name] = mon
	return nil
}

// Remove drops a target by name and reports whether it existed.
func (m *Module) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitors[name]; !ok {
		return false
	}
	delete(m.monitors, name)
	delete(m.counted, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the monitor for a target name.
func (m *Module) Get(name string) (*Monitor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mon, ok := m.monitors[name]
	return mon, ok
}

// Monitors returns the registered monitors in registration order.
func (m *Module) Monitors() []*Monitor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Monitor, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.monitors[n])
	}
	return out
}

// pass checks every target in registration order. One failing target
// never stops the others.
func (m *Module) pass(ctx context.Context) error {
	for _, mon := range m.Monitors() {
		if ctx.Err() != nil {
			return nil
		}
		r := mon.Check(ctx)
		if m.fresh(r) {
			m.checks.WithLabelValues(r.Target, string(r.Kind), outcome(r.Passed)).Inc()
		}
		if !r.Passed {
			m.logger.Debug("target check failed",
				zap.String("target", r.Target),
				zap.String("message", r.Message),
			)
		}
	}
	return nil
}

// fresh reports whether r is a live result not yet counted, rather than a
// cached copy returned within the target's interval.
func (m *Module) fresh(r Result) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.counted[r.Target]; ok && prev.Equal(r.CheckedAt) {
		return false
	}
	m.counted[r.Target] = r.CheckedAt
	return true
}

// ModuleStatus is the monitor subsystem's status detail.
type ModuleStatus struct {
	Running bool     `json:"running" yaml:"running"`
	Targets []Result `json:"targets" yaml:"targets"`
}

// Status implements plugin.StatusReporter.
func (m *Module) Status() any {
	st := ModuleStatus{Running: m.Running(), Targets: []Result{}}
	for _, mon := range m.Monitors() {
		if r, ok := mon.Last(); ok {
			st.Targets = append(st.Targets, r)
		} else {
			t := mon.Target()
			st.Targets = append(st.Targets, Result{Target: t.Name, Kind: t.Kind, Message: "not checked yet"})
		}
	}
	return st
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/targets", Handler: m.handleTargets},
		{Method: "GET", Path: "/metrics/{name}", Handler: m.handleMetrics},
	}
}

func (m *Module) handleTargets(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Status())
}

func (m *Module) handleMetrics(w http.ResponseWriter, r *http.Request) {
	mon, ok := m.Get(r.PathValue("name"))
	if !ok {
		names := make([]string, 0)
		for _, mo := range m.Monitors() {
			names = append(names, mo.Target().Name)
		}
		sort.Strings(names)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "unknown target", "targets": names})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mon.Metrics(r.Context()))
}
