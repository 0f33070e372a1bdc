package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vfhky/serv00-ct8-nezha/internal/confstore"
	"github.com/vfhky/serv00-ct8-nezha/internal/heartbeat"
	"go.uber.org/zap"
)

func TestHeartbeatToken(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		env      string
		wantNil  bool
		wantType int
		wantErr  bool
	}{
		{name: "none", wantNil: true},
		{name: "argument", args: []string{"1|s1.serv00.com|22|bob"}, wantType: heartbeat.TriggerPeer},
		{name: "environment", env: "0|s2.serv00.com|22|alice", wantType: heartbeat.TriggerSelf},
		{name: "argument wins", args: []string{"0|a|22|u"}, env: "1|b|22|v", wantType: heartbeat.TriggerSelf},
		{name: "malformed", args: []string{"garbage"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tokenEnv, tt.env)
			tok, err := heartbeatToken(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.wantNil {
				if tok != nil {
					t.Errorf("token = %+v, want nil", tok)
				}
				return
			}
			if tok == nil || tok.Type != tt.wantType {
				t.Errorf("token = %+v, want type %d", tok, tt.wantType)
			}
		})
	}
}

func TestPrintValue(t *testing.T) {
	v := map[string]string{"version": "dev"}

	var js bytes.Buffer
	if err := printValue(&js, "json", v); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(js.String(), `"version": "dev"`) {
		t.Errorf("json = %q", js.String())
	}

	var ym bytes.Buffer
	if err := printValue(&ym, "yaml", v); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(ym.String()) != "version: dev" {
		t.Errorf("yaml = %q", ym.String())
	}

	if err := printValue(&ym, "xml", v); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestWriteHeartbeatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), confstore.HeartbeatFile)
	hosts := []confstore.HostEntry{
		{Hostname: "s1.serv00.com", Port: 22, Username: "alice", Password: "pw"},
		{Hostname: "s2.serv00.com", Port: 22, Username: "bob", Password: "pw2"},
	}
	if err := writeHeartbeatFile(path, hosts, confstore.Identity{Hostname: "s1.serv00.com", Username: "alice"}); err != nil {
		t.Fatalf("writeHeartbeatFile() error = %v", err)
	}
	got, err := confstore.LoadHosts(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Username != "bob" {
		t.Fatalf("entries = %+v, want only bob", got)
	}
	if got[0].Password != "" {
		t.Error("heartbeat.conf must not carry passwords")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	if code := dispatch([]string{"no-such-command"}); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestRestoreRequiresFlags(t *testing.T) {
	if code := runRestore(nil); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

// restartConfig writes a config with one unit whose restart command leaves
// a marker file and whose pattern never matches a running process.
func restartConfig(t *testing.T) (configPath, marker string) {
	t.Helper()
	dir := t.TempDir()
	confDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(confDir, 0o750); err != nil {
		t.Fatal(err)
	}
	marker = filepath.Join(dir, "restarted")
	body := `logging:
  level: error
paths:
  config_dir: ` + confDir + `
  state_db: ` + filepath.Join(dir, "tmp", "state.db") + `
plugins:
  monitor:
    enabled: false
  backup:
    enabled: false
  heartbeat:
    restart_grace: 1ms
    hour_file: ` + filepath.Join(dir, "hour") + `
    units:
      - name: agent
        pattern: nezhactl-test-unit-that-never-runs
        restart: touch ` + marker + `
        interval: 1m
`
	configPath = filepath.Join(dir, "nezhactl.yaml")
	if err := os.WriteFile(configPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return configPath, marker
}

func TestRestartCommand(t *testing.T) {
	tests := []struct {
		name       string
		unit       string
		wantCode   int
		wantMarker bool
	}{
		// The restart runs even though the unit never failed, and the
		// recheck still cannot find the process.
		{name: "named unit", unit: "agent", wantCode: 1, wantMarker: true},
		{name: "all units", unit: "all", wantCode: 1, wantMarker: true},
		{name: "unknown unit", unit: "nope", wantCode: 1, wantMarker: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath, marker := restartConfig(t)
			if code := dispatch([]string{"restart", "--config", configPath, tt.unit}); code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}
			_, err := os.Stat(marker)
			if got := err == nil; got != tt.wantMarker {
				t.Errorf("restart command ran = %v, want %v", got, tt.wantMarker)
			}
		})
	}
}

func TestRestartCommandRequiresUnit(t *testing.T) {
	if code := dispatch([]string{"restart"}); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}
