// Package plugintest provides shared contract tests that verify any
// plugin.Plugin implementation behaves correctly. Every subsystem's test
// file should call TestPluginContract to ensure conformance.
package plugintest

import (
	"context"
	"sync"
	"testing"

	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
)

// TestPluginContract runs a suite of behavioral contract tests against
// any plugin.Plugin implementation. Call this from each subsystem's _test.go:
//
//	func TestContract(t *testing.T) {
//	    plugintest.TestPluginContract(t, func() plugin.Plugin { return monitor.New() })
//	}
func TestPluginContract(t *testing.T, factory func() plugin.Plugin) {
	t.Helper()

	t.Run("Info_returns_valid_metadata", func(t *testing.T) {
		p := factory()
		info := p.Info()
		if info.Name == "" {
			t.Error("Info().Name must not be empty")
		}
		if info.Version == "" {
			t.Error("Info().Version must not be empty")
		}
		if info.APIVersion < plugin.APIVersionMin {
			t.Errorf("Info().APIVersion = %d, below minimum %d", info.APIVersion, plugin.APIVersionMin)
		}
	})

	t.Run("Init_succeeds_with_valid_deps", func(t *testing.T) {
		p := factory()
		if err := p.Init(context.Background(), Deps(p.Info().Name)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
	})

	t.Run("Start_after_Init", func(t *testing.T) {
		p := factory()
		if err := p.Init(context.Background(), Deps(p.Info().Name)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if r, ok := p.(plugin.Runner); ok && !r.Running() {
			t.Error("Running() = false after Start, want true")
		}
		if err := p.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		if r, ok := p.(plugin.Runner); ok && r.Running() {
			t.Error("Running() = true after Stop, want false")
		}
	})

	t.Run("Stop_without_Start_does_not_panic", func(t *testing.T) {
		p := factory()
		if err := p.Init(context.Background(), Deps(p.Info().Name)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if err := p.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() without Start error = %v", err)
		}
	})

	t.Run("Info_is_idempotent", func(t *testing.T) {
		p := factory()
		a := p.Info()
		b := p.Info()
		if a.Name != b.Name || a.Version != b.Version {
			t.Error("Info() must return consistent results")
		}
	})
}

// Deps returns minimal dependencies: a no-op logger and a Recorder bus.
func Deps(name string) plugin.Dependencies {
	return plugin.Dependencies{
		Logger: zap.NewNop().Named(name),
		Bus:    NewRecorder(),
	}
}

// Recorder is an EventBus that records every published event and
// delivers nothing. Use it where a test only asserts what was emitted.
type Recorder struct {
	mu     sync.Mutex
	events []plugin.Event
}

var _ plugin.EventBus = (*Recorder)(nil)

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, event plugin.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Subscribe(string, string, plugin.EventHandler) func() { return func() {} }

func (r *Recorder) Unsubscribe(string, string) {}

func (r *Recorder) SubscribeAll(string, plugin.EventHandler) func() { return func() {} }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []plugin.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]plugin.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Topic returns the published events for one topic, in order.
func (r *Recorder) Topic(topic string) []plugin.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []plugin.Event
	for _, e := range r.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
