package service

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/vfhky/serv00-ct8-nezha/internal/config"
	"github.com/vfhky/serv00-ct8-nezha/internal/event"
	"github.com/vfhky/serv00-ct8-nezha/internal/store"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// flakyPlugin is a Runner whose loop can be crashed from the test.
type flakyPlugin struct {
	running atomic.Bool
	starts  atomic.Int32
}

func (p *flakyPlugin) Info() plugin.PluginInfo {
	return plugin.PluginInfo{Name: "flaky", Version: "0.1.0", APIVersion: plugin.APIVersionCurrent}
}
func (p *flakyPlugin) Init(context.Context, plugin.Dependencies) error { return nil }
func (p *flakyPlugin) Start(context.Context) error {
	p.starts.Add(1)
	p.running.Store(true)
	return nil
}
func (p *flakyPlugin) Stop(context.Context) error {
	p.running.Store(false)
	return nil
}
func (p *flakyPlugin) Running() bool { return p.running.Load() }
func (p *flakyPlugin) Status() any   { return map[string]int32{"starts": p.starts.Load()} }

func testViper(t *testing.T) *viper.Viper {
	t.Helper()
	dir := t.TempDir()
	confDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(confDir, 0o750); err != nil {
		t.Fatal(err)
	}
	sys := "WX_PUSH_CHANNEL=\nSEND_TYPE=\n"
	if err := os.WriteFile(filepath.Join(confDir, "sys.conf"), []byte(sys), 0o600); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	config.SetDefaults(v)
	v.Set("paths.config_dir", confDir)
	v.Set("paths.state_db", filepath.Join(dir, "tmp", "state.db"))
	v.Set("plugins.heartbeat.enabled", false)
	v.Set("plugins.monitor.enabled", false)
	v.Set("plugins.backup.source", filepath.Join(dir, "missing.db"))
	v.Set("plugins.backup.work_dir", filepath.Join(dir, "work"))
	v.Set("plugins.backup.local.dir", filepath.Join(dir, "archives"))
	return v
}

func bootManager(t *testing.T, v *viper.Viper, logger *zap.Logger, extra ...plugin.Plugin) *Manager {
	t.Helper()
	m := New(v, logger, Options{Extra: extra})
	if err := m.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestBootRegistersEnabledSubsystems(t *testing.T) {
	m := bootManager(t, testViper(t), zap.NewNop())

	names := m.Registry().Names()
	want := map[string]bool{"notify": true, "backup": true}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want notify and backup", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected subsystem %q", n)
		}
	}
	if m.Heartbeat() != nil || m.Monitor() != nil {
		t.Error("disabled subsystems must not be built")
	}
	if m.Notify() == nil || m.Backup() == nil {
		t.Error("enabled subsystems must be reachable through accessors")
	}
	if m.History() == nil {
		t.Error("History() = nil, want state database opened")
	}
	if got := len(m.Fleet().Peers()); got != 0 {
		t.Errorf("fleet peers = %d without ConnectFleet, want 0", got)
	}
}

func TestBootIsIdempotent(t *testing.T) {
	m := bootManager(t, testViper(t), zap.NewNop())
	reg := m.Registry()
	if err := m.Boot(context.Background()); err != nil {
		t.Fatalf("second Boot() error = %v", err)
	}
	if m.Registry() != reg {
		t.Error("second Boot() rebuilt the registry")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	flaky := &flakyPlugin{}
	m := bootManager(t, testViper(t), zap.New(core), flaky)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if logs.FilterMessage("service already running").Len() != 1 {
		t.Error("second Start() should warn once")
	}
	if got := flaky.starts.Load(); got != 1 {
		t.Errorf("subsystem started %d times, want 1", got)
	}
	if !m.Running() {
		t.Error("Running() = false after Start")
	}

	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if logs.FilterMessage("service not running").Len() != 1 {
		t.Error("second Stop() should warn once")
	}
	if m.Running() || flaky.Running() {
		t.Error("manager and subsystems must be stopped")
	}
}

func TestStartBeforeBoot(t *testing.T) {
	m := New(testViper(t), nil, Options{})
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start() before Boot should fail")
	}
}

func TestWatchdogRestartsStoppedSubsystem(t *testing.T) {
	flaky := &flakyPlugin{}
	m := bootManager(t, testViper(t), zap.NewNop(), flaky)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = m.Stop(ctx) }()

	var restarts []string
	m.Bus().Subscribe(event.TopicSystem, "test", func(_ context.Context, e plugin.Event) error {
		if n, ok := event.NoticeOf(e); ok && n.Kind == "watchdog_restart" {
			restarts = append(restarts, n.Message)
		}
		return nil
	})

	flaky.running.Store(false)
	if err := m.watchdogPass(ctx); err != nil {
		t.Fatalf("watchdogPass() error = %v", err)
	}
	if !flaky.Running() {
		t.Error("watchdog did not restart the subsystem")
	}
	if len(restarts) != 1 {
		t.Fatalf("restart notices = %v, want 1", restarts)
	}

	// A healthy subsystem is left alone.
	if err := m.watchdogPass(ctx); err != nil {
		t.Fatalf("watchdogPass() error = %v", err)
	}
	if len(restarts) != 1 {
		t.Errorf("healthy pass emitted a restart notice")
	}

	st := m.Status(ctx)
	for _, ss := range st.Subsystems {
		if ss.Name == "flaky" && ss.Restarts != 1 {
			t.Errorf("flaky restarts = %d, want 1", ss.Restarts)
		}
	}
}

func TestStatusIsLive(t *testing.T) {
	flaky := &flakyPlugin{}
	m := bootManager(t, testViper(t), zap.NewNop(), flaky)
	ctx := context.Background()

	st := m.Status(ctx)
	if st.Running || st.StartedAt != nil {
		t.Errorf("status before Start = %+v, want stopped", st)
	}

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = m.Stop(ctx) }()

	st = m.Status(ctx)
	if !st.Running || st.StartedAt == nil {
		t.Fatalf("status after Start = %+v, want running", st)
	}
	var found bool
	for _, ss := range st.Subsystems {
		if ss.Name != "flaky" {
			continue
		}
		found = true
		if !ss.Running {
			t.Error("flaky.Running = false, want true")
		}
		if ss.Detail == nil {
			t.Error("flaky.Detail = nil, want StatusReporter output")
		}
	}
	if !found {
		t.Fatal("flaky missing from status")
	}

	flaky.running.Store(false)
	st = m.Status(ctx)
	for _, ss := range st.Subsystems {
		if ss.Name == "flaky" && ss.Running {
			t.Error("status must reflect the subsystem's current state")
		}
	}

	// The start notice lands in the history.
	if len(st.Recent) == 0 {
		t.Error("Recent is empty, want the start notice")
	}
}

func TestOnEventLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := bootManager(t, testViper(t), zap.New(core))
	ctx := context.Background()

	tests := []struct {
		topic string
		level string
	}{
		{event.TopicError, "error"},
		{event.TopicWarning, "warn"},
		{event.TopicSuccess, "info"},
		{event.TopicSystem, "info"},
		{event.TopicMonitor, "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			logs.TakeAll()
			msg := "probe " + tt.topic
			if err := m.onEvent(ctx, plugin.Event{Topic: tt.topic, Source: "test", Payload: event.Notice{Message: msg}}); err != nil {
				t.Fatalf("onEvent() error = %v", err)
			}
			entries := logs.FilterMessage("event").FilterField(zap.String("message", msg)).All()
			if len(entries) != 1 {
				t.Fatalf("got %d log entries, want 1", len(entries))
			}
			if got := entries[0].Level.String(); got != tt.level {
				t.Errorf("level = %s, want %s", got, tt.level)
			}
		})
	}
}

func TestBootWithoutConfigDirectory(t *testing.T) {
	v := testViper(t)
	v.Set("paths.config_dir", filepath.Join(t.TempDir(), "absent"))
	core, logs := observer.New(zap.WarnLevel)
	m := bootManager(t, v, zap.New(core))
	if m.Files() == nil {
		t.Fatal("Files() = nil, want a usable empty store")
	}
	if logs.FilterMessage("config directory loaded with problems").Len() == 0 {
		t.Error("missing config files should be reported as a warning")
	}
}

func TestBootPrunesOldHistory(t *testing.T) {
	v := testViper(t)
	v.Set("service.history_retention", "24h")
	path := v.GetString("paths.state_db")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	st, err := store.New(path)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	h, err := store.NewHistory(ctx, st)
	if err != nil {
		t.Fatalf("NewHistory() error = %v", err)
	}
	for _, r := range []store.Record{
		{ID: "old", Topic: event.TopicError, Source: "heartbeat", Message: "agent down", At: time.Now().Add(-48 * time.Hour)},
		{ID: "new", Topic: event.TopicSuccess, Source: "heartbeat", Message: "agent restarted", At: time.Now()},
	} {
		if err := h.Add(ctx, r); err != nil {
			t.Fatalf("Add(%s) error = %v", r.ID, err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	m := bootManager(t, v, zap.NewNop())
	if m.History() == nil {
		t.Fatal("History() = nil")
	}
	recs, err := m.History().Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "new" {
		t.Errorf("Recent() = %+v, want only the recent record", recs)
	}
}
