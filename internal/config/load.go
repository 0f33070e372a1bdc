package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: NEZHA_LOGGING_LEVEL=debug.
const EnvPrefix = "NEZHA"

// Load reads configuration from file and environment variables. A missing
// config file is not an error; defaults cover a stock install.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("nezhactl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".nezhactl"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return v, nil
}

// SetDefaults installs the built-in defaults. Relative paths are resolved
// against the user's home directory at load time by the callers.
func SetDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, "serv00-ct8-nezha")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("paths.base_dir", base)
	v.SetDefault("paths.config_dir", filepath.Join(base, "config"))
	v.SetDefault("paths.tmp_dir", filepath.Join(base, "tmp"))
	v.SetDefault("paths.state_db", filepath.Join(base, "tmp", "nezhactl.db"))

	v.SetDefault("ssh.key_file", filepath.Join(home, ".ssh", "id_ed25519"))
	v.SetDefault("ssh.known_hosts_file", filepath.Join(home, ".ssh", "known_hosts"))
	v.SetDefault("ssh.connect_timeout", "3s")
	v.SetDefault("ssh.connect_concurrency", 5)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8089)
	v.SetDefault("server.rate_limit", 20)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("service.watchdog_interval", "30s")
	v.SetDefault("service.stop_timeout", "5s")
	v.SetDefault("service.history_retention", "168h")

	v.SetDefault("plugins.heartbeat.enabled", true)
	v.SetDefault("plugins.heartbeat.poll_interval", "10s")
	v.SetDefault("plugins.heartbeat.error_backoff", "30s")
	v.SetDefault("plugins.heartbeat.cycle_interval", "0s")
	v.SetDefault("plugins.heartbeat.max_failures", 3)
	v.SetDefault("plugins.heartbeat.restart_grace", "5s")
	v.SetDefault("plugins.heartbeat.fanout_concurrency", 5)
	v.SetDefault("plugins.heartbeat.url_timeout", "3s")
	v.SetDefault("plugins.heartbeat.entry_script", filepath.Join(base, "heart_beat_entry.sh"))
	v.SetDefault("plugins.heartbeat.process_monitor_script", filepath.Join(base, "process_monitor.sh"))
	v.SetDefault("plugins.heartbeat.utils_script", filepath.Join(base, "utils.sh"))
	v.SetDefault("plugins.heartbeat.monitor_conf_units", false)
	v.SetDefault("plugins.heartbeat.local.port", 22)
	v.SetDefault("plugins.heartbeat.hour_file", filepath.Join(base, "tmp", "ok_notify_hour_file"))
	v.SetDefault("plugins.heartbeat.units", []map[string]any{
		{
			"name":     "nezha-dashboard",
			"pattern":  "nezha-dashboard",
			"restart":  `cd ~ && ./heart_beat_entry.sh "0|$(hostname)|22|$(whoami)"`,
			"interval": "60s",
		},
		{
			"name":     "nezha-agent",
			"pattern":  "nezha-agent",
			"restart":  `cd ~ && ./heart_beat_entry.sh "0|$(hostname)|22|$(whoami)"`,
			"interval": "60s",
		},
	})

	v.SetDefault("plugins.monitor.enabled", true)
	v.SetDefault("plugins.monitor.pass_interval", "30s")
	v.SetDefault("plugins.monitor.error_backoff", "60s")
	v.SetDefault("plugins.monitor.check_interval", "60s")

	v.SetDefault("plugins.notify.enabled", true)
	v.SetDefault("plugins.notify.timeout", "10s")
	v.SetDefault("plugins.notify.retry_attempts", 3)
	v.SetDefault("plugins.notify.rate_per_minute", 30)
	v.SetDefault("plugins.notify.burst", 10)

	v.SetDefault("plugins.backup.enabled", true)
	v.SetDefault("plugins.backup.interval", "0s")
	v.SetDefault("plugins.backup.error_backoff", "10m")
	v.SetDefault("plugins.backup.source", filepath.Join(home, "nezha_app", "dashboard", "data", "sqlite.db"))
	v.SetDefault("plugins.backup.work_dir", filepath.Join(base, "tmp", "backup"))
	v.SetDefault("plugins.backup.prefix", "nezha")
	v.SetDefault("plugins.backup.extra", []string{filepath.Join(home, "nezha_app", "dashboard", "data", "config.yaml")})
	v.SetDefault("plugins.backup.local.enabled", true)
	v.SetDefault("plugins.backup.local.dir", filepath.Join(base, "backup"))
	v.SetDefault("plugins.backup.local.keep", 7)
	v.SetDefault("plugins.backup.http.enabled", false)
	v.SetDefault("plugins.backup.http.url", "")
	v.SetDefault("plugins.backup.http.token", "")
	v.SetDefault("plugins.backup.http.timeout", "60s")
}
