package notify

import (
	"net/http"
	"sort"

	"github.com/vfhky/serv00-ct8-nezha/internal/confstore"
	"go.uber.org/zap"
)

// FromSys builds every channel enabled in sys.conf. A channel that is
// enabled but missing its credentials is skipped with a warning.
func FromSys(sys confstore.SysConfig, client *http.Client, logger *zap.Logger) []Notifier {
	var out []Notifier
	skip := func(channel string, missing ...string) {
		logger.Warn("notify channel enabled without credentials, skipping",
			zap.String("channel", channel),
			zap.Strings("missing", missing),
		)
	}

	if sys.EnableQYWXNotify {
		if sys.QYWXRobotKey == "" {
			skip("qywx", "QYWX_ROBOT_KEY")
		} else {
			out = append(out, &QYWXRobot{Key: sys.QYWXRobotKey, Client: client})
		}
	}
	if sys.EnableQYWXAppNotify {
		var missing []string
		for key, val := range map[string]string{
			"QYWX_APP_CROP_ID":  sys.QYWXAppCorpID,
			"QYWX_APP_SECRET":   sys.QYWXAppSecret,
			"QYWX_APP_AGENT_ID": sys.QYWXAppAgentID,
		} {
			if val == "" {
				missing = append(missing, key)
			}
		}
		sort.Strings(missing)
		if len(missing) > 0 {
			skip("qywx_app", missing...)
		} else {
			out = append(out, &QYWXApp{
				CorpID:  sys.QYWXAppCorpID,
				Secret:  sys.QYWXAppSecret,
				AgentID: sys.QYWXAppAgentID,
				ToUser:  sys.QYWXAppNotifyUser,
				Client:  client,
			})
		}
	}
	if sys.EnableTGNotify {
		if sys.TGRobotKey == "" || sys.TGChatID == "" {
			skip("tg", "TG_ROBOT_KEY", "TG_CHAT_ID")
		} else {
			out = append(out, &Telegram{Token: sys.TGRobotKey, ChatID: sys.TGChatID, Client: client})
		}
	}
	if sys.EnablePushPlusNotify {
		if sys.PushPlusKey == "" {
			skip("pushplus", "PUSHPLUS_KEY")
		} else {
			out = append(out, &PushPlus{Token: sys.PushPlusKey, Client: client})
		}
	}
	return out
}
