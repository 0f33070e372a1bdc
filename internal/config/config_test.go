package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/vfhky/serv00-ct8-nezha/internal/sysproc"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	v, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetDuration("plugins.heartbeat.poll_interval"); got != 10*time.Second {
		t.Errorf("poll_interval = %v, want 10s", got)
	}
	if got := v.GetInt("plugins.heartbeat.max_failures"); got != 3 {
		t.Errorf("max_failures = %d, want 3", got)
	}
	if got := v.GetDuration("service.watchdog_interval"); got != 30*time.Second {
		t.Errorf("watchdog_interval = %v, want 30s", got)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nezhactl.yaml")
	body := "plugins:\n  heartbeat:\n    max_failures: 5\n    fanout_concurrency: 3\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetInt("plugins.heartbeat.max_failures"); got != 5 {
		t.Errorf("max_failures = %d, want 5", got)
	}
	if got := v.GetString("logging.level"); got != "debug" {
		t.Errorf("logging.level = %q, want debug", got)
	}
	// Untouched keys in the same section keep their defaults.
	if got := v.GetDuration("plugins.heartbeat.restart_grace"); got != 5*time.Second {
		t.Errorf("restart_grace = %v, want 5s", got)
	}
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nezhactl.yaml")
	if err := os.WriteFile(path, []byte("plugins: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestSub_KeepsDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	v, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := New(v).Sub("plugins.heartbeat")
	if got := sub.GetInt("fanout_concurrency"); got != 5 {
		t.Errorf("fanout_concurrency = %d, want 5", got)
	}
	if !sub.IsSet("units") {
		t.Error("units not visible through Sub")
	}
}

func TestSub_MissingSection(t *testing.T) {
	sub := New(nil).Sub("plugins.nothing")
	if sub.IsSet("anything") {
		t.Error("missing section should be empty")
	}
}

func TestDefaults_RestartCommandExpandsToken(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	units, ok := v.Get("plugins.heartbeat.units").([]map[string]any)
	if !ok || len(units) == 0 {
		t.Fatalf("units = %#v", v.Get("plugins.heartbeat.units"))
	}
	// Shell functions stand in for the host commands so the token is known.
	const stubs = "hostname() { echo s1.serv00.com; }; whoami() { echo alice; }; "
	for _, u := range units {
		restart, _ := u["restart"].(string)
		cmd := stubs + strings.Replace(restart, "./heart_beat_entry.sh", "echo", 1)
		out, err := (&sysproc.Shell{Timeout: 5 * time.Second}).Run(context.Background(), cmd)
		if err != nil {
			t.Fatalf("%s: Run(%q) error = %v", u["name"], cmd, err)
		}
		if got := strings.TrimSpace(out); got != "0|s1.serv00.com|22|alice" {
			t.Errorf("%s: token = %q, want 0|s1.serv00.com|22|alice", u["name"], got)
		}
	}
}
