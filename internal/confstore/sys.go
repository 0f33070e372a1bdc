package confstore

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"github.com/vfhky/serv00-ct8-nezha/internal/fault"
	"go.uber.org/zap"
)

// SysConfig is the typed view of sys.conf. Flags are "1"/"0" in the file
// and decode to booleans.
type SysConfig struct {
	MonitorURL         string `mapstructure:"monitor_url"`
	CheckMonitorURLDNS bool   `mapstructure:"check_monitor_url_dns"`
	OKNotifyHours      string `mapstructure:"ok_notify_hours"`
	HeartbeatCronTime  string `mapstructure:"heat_beat_cron_table_time"`

	EnableQYWXNotify bool   `mapstructure:"enable_qywx_notify"`
	QYWXRobotKey     string `mapstructure:"qywx_robot_key"`

	EnableQYWXAppNotify bool   `mapstructure:"enable_qywx_app_notify"`
	QYWXAppCorpID       string `mapstructure:"qywx_app_crop_id"`
	QYWXAppSecret       string `mapstructure:"qywx_app_secret"`
	QYWXAppAgentID      string `mapstructure:"qywx_app_agent_id"`
	QYWXAppNotifyUser   string `mapstructure:"qywx_app_notify_user"`

	EnableTGNotify bool   `mapstructure:"enable_tg_notify"`
	TGRobotKey     string `mapstructure:"tg_robot_key"`
	TGChatID       string `mapstructure:"tg_chat_id"`

	EnablePushPlusNotify bool   `mapstructure:"enable_pushplus_notify"`
	PushPlusKey          string `mapstructure:"pushplus_key"`

	raw map[string]string
}

// Get returns the raw value of any key, including ones without a typed
// field. Keys are matched case-insensitively.
func (c SysConfig) Get(key string) string {
	return c.raw[strings.ToUpper(key)]
}

// Keys returns the raw keys in sorted order.
func (c SysConfig) Keys() []string {
	keys := make([]string, 0, len(c.raw))
	for k := range c.raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NotifyHours parses OK_NOTIFY_HOURS ("8,20") into a set of hours. It
// returns nil when the key is unset, which means every hour is eligible.
// Tokens that are not an hour 0-23 are dropped with a warning.
func (c SysConfig) NotifyHours(logger *zap.Logger) map[int]bool {
	if strings.TrimSpace(c.OKNotifyHours) == "" {
		return nil
	}
	hours := make(map[int]bool)
	for _, tok := range strings.Split(c.OKNotifyHours, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		h, err := strconv.Atoi(tok)
		if err != nil || h < 0 || h > 23 {
			logger.Warn("ignoring invalid notify hour", zap.String("value", tok))
			continue
		}
		hours[h] = true
	}
	return hours
}

// ParseSys reads key=value lines. Blank lines and '#' comments are
// ignored; a line without '=' logs a warning and is skipped.
func ParseSys(r io.Reader, source string, logger *zap.Logger) (SysConfig, error) {
	raw := make(map[string]string)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			logger.Warn("skipping invalid setting line",
				zap.String("file", source),
				zap.Int("line", lineNo),
			)
			continue
		}
		raw[strings.ToUpper(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return SysConfig{}, fault.Config("read "+source, err)
	}
	return decodeSys(raw, source, logger)
}

func decodeSys(raw map[string]string, source string, logger *zap.Logger) (SysConfig, error) {
	v := viper.New()
	v.SetDefault("qywx_app_notify_user", "@all")
	for k, val := range raw {
		v.Set(k, val)
	}

	var cfg SysConfig
	if err := v.Unmarshal(&cfg); err != nil {
		logger.Warn("sys settings did not decode cleanly", zap.String("file", source), zap.Error(err))
		return SysConfig{raw: raw}, fault.Config("decode "+source, err)
	}
	cfg.raw = raw
	return cfg, nil
}

// LoadSys parses a settings file. A missing file yields the zero config
// (with defaults) and a config fault.
func LoadSys(path string, logger *zap.Logger) (SysConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		cfg, _ := decodeSys(map[string]string{}, path, logger)
		return cfg, fault.Config("open "+path, err)
	}
	defer f.Close()
	return ParseSys(f, path, logger)
}
