package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
)

// mockPluginSource satisfies the PluginSource interface for testing.
type mockPluginSource struct {
	plugins []plugin.Plugin
	routes  map[string][]plugin.Route
}

func (m *mockPluginSource) AllRoutes() map[string][]plugin.Route {
	if m.routes != nil {
		return m.routes
	}
	return map[string][]plugin.Route{}
}

func (m *mockPluginSource) All() []plugin.Plugin {
	return m.plugins
}

// stubPlugin satisfies plugin.Plugin for testing.
type stubPlugin struct {
	info plugin.PluginInfo
}

func (s *stubPlugin) Info() plugin.PluginInfo                             { return s.info }
func (s *stubPlugin) Init(_ context.Context, _ plugin.Dependencies) error { return nil }
func (s *stubPlugin) Start(_ context.Context) error                       { return nil }
func (s *stubPlugin) Stop(_ context.Context) error                        { return nil }

// runnerPlugin also reports whether its loop runs.
type runnerPlugin struct {
	stubPlugin
	running bool
}

func (r *runnerPlugin) Running() bool { return r.running }

func testConfig() Config {
	return Config{Host: "127.0.0.1", Port: 0, RateLimit: 1000, RateBurst: 1000}
}

func newTestServer(opts Options) *Server {
	if opts.Plugins == nil {
		opts.Plugins = &mockPluginSource{
			plugins: []plugin.Plugin{
				&stubPlugin{info: plugin.PluginInfo{Name: "notify", Version: "0.1.0", Description: "Notification channels"}},
				&runnerPlugin{stubPlugin: stubPlugin{info: plugin.PluginInfo{Name: "heartbeat", Version: "0.1.0"}}, running: true},
			},
		}
	}
	return New(testConfig(), opts, zap.NewNop())
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, http.NoBody)
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleHealthz(t *testing.T) {
	w := get(t, newTestServer(Options{}).mux, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "alive" {
		t.Errorf("status = %q, want %q", body["status"], "alive")
	}
}

func TestHandleReadyz(t *testing.T) {
	tests := []struct {
		name     string
		ready    ReadinessChecker
		wantCode int
		wantErr  string
	}{
		{name: "no checker", ready: nil, wantCode: http.StatusOK},
		{name: "ready", ready: func(context.Context) error { return nil }, wantCode: http.StatusOK},
		{
			name:     "not ready",
			ready:    func(context.Context) error { return errors.New("service not running") },
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "service not running",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, newTestServer(Options{Ready: tt.ready}).mux, "/readyz")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if tt.wantErr != "" && !strings.Contains(body["error"], tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", body["error"], tt.wantErr)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	calls := 0
	srv := newTestServer(Options{Status: func(context.Context) any {
		calls++
		return map[string]any{"running": true, "version": "dev"}
	}})

	for i := 0; i < 2; i++ {
		w := get(t, srv.mux, "/api/v1/status")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
	}
	if calls != 2 {
		t.Errorf("status composed %d times, want once per request", calls)
	}
}

func TestHandleStatus_Unavailable(t *testing.T) {
	w := get(t, newTestServer(Options{}).mux, "/api/v1/status")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content-type = %q, want problem json", ct)
	}
}

func TestHandleSubsystems(t *testing.T) {
	w := get(t, newTestServer(Options{}).mux, "/api/v1/subsystems")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var subs []SubsystemResponse
	if err := json.NewDecoder(w.Body).Decode(&subs); err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 {
		t.Fatalf("len(subsystems) = %d, want 2", len(subs))
	}
	if subs[0].Name != "notify" || subs[0].Running != nil {
		t.Errorf("notify = %+v, want no running flag", subs[0])
	}
	if subs[1].Running == nil || !*subs[1].Running {
		t.Errorf("heartbeat = %+v, want running", subs[1])
	}
}

func TestHandleVersion(t *testing.T) {
	w := get(t, newTestServer(Options{}).mux, "/api/v1/version")
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["version"] == "" {
		t.Error("expected version field")
	}
}

func TestHandleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	srv := newTestServer(Options{Gatherer: reg, Registerer: reg})

	// One API request so the HTTP metrics have a sample.
	get(t, srv.Handler(), "/api/v1/subsystems")
	w := get(t, srv.Handler(), "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	for _, want := range []string{"go_goroutines", "nezhactl_http_requests_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %s", want)
		}
	}
}

func TestMetricsRouteAbsentWithoutGatherer(t *testing.T) {
	w := get(t, newTestServer(Options{}).mux, "/metrics")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestMiddlewareChain_Integration(t *testing.T) {
	w := get(t, newTestServer(Options{}).Handler(), "/healthz")

	if v := w.Header().Get("X-Nezhactl-Version"); v == "" {
		t.Error("expected X-Nezhactl-Version header from middleware")
	}
	if v := w.Header().Get("X-Request-ID"); v == "" {
		t.Error("expected X-Request-ID header from middleware")
	}
	if v := w.Header().Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", v, "nosniff")
	}
}

func TestPluginRoutes_Mounted(t *testing.T) {
	plugins := &mockPluginSource{
		routes: map[string][]plugin.Route{
			"heartbeat": {
				{
					Method: "POST",
					Path:   "/cycle",
					Handler: func(w http.ResponseWriter, _ *http.Request) {
						w.WriteHeader(http.StatusAccepted)
					},
				},
			},
		},
	}
	srv := New(testConfig(), Options{Plugins: plugins}, zap.NewNop())

	req := httptest.NewRequest("POST", "/api/v1/heartbeat/cycle", http.NoBody)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
}

type extraRoutes struct{}

func (extraRoutes) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/extra", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestExtraRoutes(t *testing.T) {
	srv := newTestServer(Options{Extra: []RouteRegistrar{extraRoutes{}}})
	if w := get(t, srv.mux, "/api/v1/extra"); w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestListenServeShutdown(t *testing.T) {
	srv := newTestServer(Options{})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg, err := ConfigFrom(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr() != "127.0.0.1:8089" {
		t.Errorf("Addr() = %q, want 127.0.0.1:8089", cfg.Addr())
	}
}
