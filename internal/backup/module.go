package backup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vfhky/serv00-ct8-nezha/internal/event"
	"github.com/vfhky/serv00-ct8-nezha/internal/fault"
	"github.com/vfhky/serv00-ct8-nezha/internal/loop"
	"github.com/vfhky/serv00-ct8-nezha/internal/store"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.Runner          = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
	_ plugin.StatusReporter  = (*Module)(nil)
)

// KindRequest marks a backup notice that asks for a backup run.
const KindRequest = "request"

// ErrBusy is returned by Run while another run is in progress.
var ErrBusy = errors.New("backup already running")

const (
	stopTimeout = 5 * time.Second
	statusRuns  = 5
)

type settings struct {
	Interval     time.Duration `mapstructure:"interval"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
	Source       string        `mapstructure:"source"`
	WorkDir      string        `mapstructure:"work_dir"`
	Prefix       string        `mapstructure:"prefix"`
	Extra        []string      `mapstructure:"extra"`
	Local        struct {
		Enabled bool   `mapstructure:"enabled"`
		Dir     string `mapstructure:"dir"`
		Keep    int    `mapstructure:"keep"`
	} `mapstructure:"local"`
	HTTP struct {
		Enabled bool          `mapstructure:"enabled"`
		URL     string        `mapstructure:"url"`
		Token   string        `mapstructure:"token"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"http"`
}

// SinkResult is the outcome of one sink.
type SinkResult struct {
	Sink     string `json:"sink" yaml:"sink"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report is the outcome of one backup run.
type Report struct {
	ID         string       `json:"id" yaml:"id"`
	Source     string       `json:"source" yaml:"source"`
	Object     string       `json:"object" yaml:"object"`
	Sinks      []SinkResult `json:"sinks" yaml:"sinks"`
	StartedAt  time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time    `json:"finished_at" yaml:"finished_at"`
}

// Succeeded reports whether at least one sink stored the archive.
func (r Report) Succeeded() bool {
	for _, s := range r.Sinks {
		if s.Error == "" {
			return true
		}
	}
	return false
}

// Module runs backups on request and, optionally, on a schedule.
type Module struct {
	logger *zap.Logger
	bus    plugin.Publisher
	cfg    settings
	sinks  []Sink
	reg    prometheus.Registerer
	runs   *prometheus.CounterVec
	now    func() time.Time

	busy    sync.Mutex
	started atomic.Bool
	sched   *loop.Loop

	mu   sync.RWMutex
	last *Report
	log  *runLog
}

// New creates the backup subsystem.
func New() *Module {
	return &Module{now: time.Now}
}

// SetSinks replaces the sinks built from configuration. Before Init it
// skips building them; after Init it narrows the set for the next run.
func (m *Module) SetSinks(s ...Sink) { m.sinks = s }

// Sinks returns the configured sinks after Init.
func (m *Module) Sinks() []Sink { return append([]Sink(nil), m.sinks...) }

// SetRegisterer sets where metrics are registered. Call before Init.
func (m *Module) SetRegisterer(reg prometheus.Registerer) { m.reg = reg }

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "backup",
		Version:     "0.1.0",
		Description: "Dashboard database snapshots to local and remote sinks",
		Roles:       []string{plugin.RoleBackupSink},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.bus = deps.Bus
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fault.Config("decode backup config", err)
		}
	}
	if m.cfg.WorkDir == "" {
		m.cfg.WorkDir = filepath.Join(os.TempDir(), "nezhactl-backup")
	}
	if m.sinks == nil {
		m.sinks = m.buildSinks()
	}
	m.runs = newRunsCounter(m.reg)
	if deps.Store != nil {
		l, err := newRunLog(ctx, deps.Store)
		if err != nil {
			m.logger.Warn("backup run history unavailable", zap.Error(err))
		} else {
			m.log = l
		}
	}

	if m.cfg.Interval > 0 {
		m.sched = loop.New("backup", m.cfg.Interval, m.cfg.ErrorBackoff, func(ctx context.Context) error {
			_, err := m.Run(ctx)
			if errors.Is(err, ErrBusy) {
				return nil
			}
			return err
		}, m.logger)
	}

	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name()
	}
	m.logger.Info("backup module initialized",
		zap.String("source", m.cfg.Source),
		zap.Strings("sinks", names),
		zap.Duration("interval", m.cfg.Interval),
	)
	return nil
}

func (m *Module) buildSinks() []Sink {
	var out []Sink
	if m.cfg.Local.Enabled && m.cfg.Local.Dir != "" {
		out = append(out, &LocalArchive{Dir: m.cfg.Local.Dir, Keep: m.cfg.Local.Keep})
	}
	if m.cfg.HTTP.Enabled {
		if m.cfg.HTTP.URL == "" {
			m.logger.Warn("http backup sink enabled without url, skipping")
		} else {
			timeout := m.cfg.HTTP.Timeout
			if timeout <= 0 {
				timeout = time.Minute
			}
			out = append(out, &HTTPUpload{
				URL:    m.cfg.HTTP.URL,
				Token:  m.cfg.HTTP.Token,
				Client: &http.Client{Timeout: timeout},
			})
		}
	}
	return out
}

func (m *Module) Start(ctx context.Context) error {
	if m.sched != nil {
		m.sched.Start(ctx)
	}
	m.started.Store(true)
	m.logger.Info("backup module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.sched != nil && !m.sched.Stop(stopTimeout) {
		m.logger.Warn("backup loop still running after stop timeout")
	}
	m.started.Store(false)
	m.logger.Info("backup module stopped")
	return nil
}

// Running implements plugin.Runner.
func (m *Module) Running() bool {
	if !m.started.Load() {
		return false
	}
	return m.sched == nil || m.sched.Running()
}

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{{Topic: event.TopicBackup, Name: "backup", Handler: m.handleRequest}}
}

func (m *Module) handleRequest(ctx context.Context, e plugin.Event) error {
	n, ok := event.NoticeOf(e)
	if !ok || n.Kind != KindRequest {
		return nil
	}
	_, err := m.Run(ctx)
	if errors.Is(err, ErrBusy) {
		m.logger.Debug("backup request ignored, run in progress")
		return nil
	}
	return err
}

// Run snapshots the source database, archives it and delivers the archive
// to every sink. A result notice is published on the backup topic.
func (m *Module) Run(ctx context.Context) (Report, error) {
	if !m.busy.TryLock() {
		return Report{}, ErrBusy
	}
	defer m.busy.Unlock()

	rep := Report{ID: uuid.NewString(), Source: m.cfg.Source, StartedAt: m.now()}
	err := m.run(ctx, &rep)
	rep.FinishedAt = m.now()

	m.mu.Lock()
	m.last = &rep
	m.mu.Unlock()
	if m.log != nil {
		if lerr := m.log.add(context.WithoutCancel(ctx), rep); lerr != nil {
			m.logger.Warn("recording backup run failed", zap.String("id", rep.ID), zap.Error(lerr))
		}
	}

	n := event.Notice{Kind: "result", Fields: map[string]string{"id": rep.ID, "object": rep.Object}}
	if err == nil && rep.Succeeded() {
		n.Status = event.StatusSuccess
		n.Message = fmt.Sprintf("Backup %s stored in %s", rep.Object, storedIn(rep))
	} else {
		if err == nil {
			err = errors.New("no sink stored the archive")
		}
		n.Status = event.StatusFailure
		n.Message = fmt.Sprintf("Backup of %s failed: %v", rep.Source, err)
	}
	event.Emit(ctx, m.bus, "backup", event.TopicBackup, n)

	if n.Status == event.StatusFailure {
		m.logger.Warn("backup failed", zap.String("id", rep.ID), zap.Error(err))
		return rep, err
	}
	m.logger.Info("backup completed",
		zap.String("id", rep.ID),
		zap.String("object", rep.Object),
		zap.String("sinks", storedIn(rep)),
	)
	return rep, nil
}

func (m *Module) run(ctx context.Context, rep *Report) error {
	if m.cfg.Source == "" {
		return fault.Config("backup", errors.New("no source database configured"))
	}
	if len(m.sinks) == 0 {
		return fault.Config("backup", errors.New("no backup sinks configured"))
	}

	work := filepath.Join(m.cfg.WorkDir, rep.ID)
	if err := os.MkdirAll(work, 0o750); err != nil {
		return fmt.Errorf("backup work dir: %w", err)
	}
	defer os.RemoveAll(work)

	snap := filepath.Join(work, filepath.Base(m.cfg.Source))
	if err := store.Snapshot(ctx, m.cfg.Source, snap); err != nil {
		return err
	}
	file := strings.TrimSuffix(filepath.Base(m.cfg.Source), filepath.Ext(m.cfg.Source)) + ".tar.gz"
	archive := filepath.Join(work, file)
	if err := CreateArchive(ctx, snap, m.cfg.Extra, archive); err != nil {
		return err
	}
	rep.Object = ObjectName(m.cfg.Prefix, file, rep.StartedAt)

	for _, s := range m.sinks {
		loc, err := s.Backup(ctx, archive, rep.Object)
		res := SinkResult{Sink: s.Name(), Location: loc}
		if err != nil {
			res.Error = err.Error()
			m.runs.WithLabelValues(s.Name(), "failure").Inc()
			m.logger.Warn("backup sink failed", zap.String("sink", s.Name()), zap.Error(err))
		} else {
			m.runs.WithLabelValues(s.Name(), "success").Inc()
		}
		rep.Sinks = append(rep.Sinks, res)
	}
	return nil
}

func storedIn(rep Report) string {
	var names []string
	for _, s := range rep.Sinks {
		if s.Error == "" {
			names = append(names, s.Sink)
		}
	}
	return strings.Join(names, ", ")
}

// Last returns the most recent report, or nil.
func (m *Module) Last() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Recent returns up to limit recorded runs, newest first. Without a state
// database it returns the most recent run of this process, if any.
func (m *Module) Recent(ctx context.Context, limit int) ([]Report, error) {
	if m.log == nil {
		if last := m.Last(); last != nil && limit > 0 {
			return []Report{*last}, nil
		}
		return nil, nil
	}
	return m.log.recent(ctx, limit)
}

// Status implements plugin.StatusReporter.
func (m *Module) Status() any {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name()
	}
	st := map[string]any{
		"running":  m.Running(),
		"sinks":    names,
		"interval": m.cfg.Interval.String(),
		"last":     m.Last(),
	}
	if m.log != nil {
		recent, err := m.log.recent(context.Background(), statusRuns)
		if err != nil {
			m.logger.Debug("listing backup runs failed", zap.Error(err))
		} else {
			st["recent"] = recent
		}
	}
	return st
}
