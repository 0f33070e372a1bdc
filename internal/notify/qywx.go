package notify

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// QYWXBaseURL is the WeCom API root.
const QYWXBaseURL = "https://qyapi.weixin.qq.com"

// Compile-time interface guard.
var _ Notifier = (*QYWXRobot)(nil)

// QYWXRobot posts to a WeCom group robot webhook.
type QYWXRobot struct {
	Key     string
	BaseURL string
	Client  *http.Client
}

func (q *QYWXRobot) Type() string { return "qywx" }

func (q *QYWXRobot) Notify(ctx context.Context, msg Message) error {
	endpoint := strings.TrimRight(orDefault(q.BaseURL, QYWXBaseURL), "/") +
		"/cgi-bin/webhook/send?key=" + url.QueryEscape(q.Key)
	body := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": Render(msg)},
	}
	var resp wecomResponse
	if err := postJSON(ctx, q.Client, q.Type(), endpoint, body, &resp); err != nil {
		return err
	}
	return resp.err(q.Type())
}

type wecomResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (r wecomResponse) err(channel string) error {
	if r.ErrCode != 0 {
		return &APIError{Channel: channel, Status: http.StatusOK, Code: r.ErrCode, Message: r.ErrMsg}
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
