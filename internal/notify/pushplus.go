package notify

import (
	"context"
	"net/http"
	"strings"
)

// PushPlusBaseURL is the PushPlus API root.
const PushPlusBaseURL = "https://www.pushplus.plus"

// Compile-time interface guard.
var _ Notifier = (*PushPlus)(nil)

// PushPlus sends to a PushPlus token over the WeChat channel.
type PushPlus struct {
	Token   string
	BaseURL string
	Client  *http.Client
}

func (p *PushPlus) Type() string { return "pushplus" }

func (p *PushPlus) Notify(ctx context.Context, msg Message) error {
	title := msg.Title
	if title == "" {
		title = LevelTitle(msg.Level)
	}
	body := map[string]string{
		"token":    p.Token,
		"title":    title,
		"content":  strings.ReplaceAll(Render(msg), "\n", "<br>"),
		"template": "html",
		"channel":  "wechat",
	}
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	endpoint := strings.TrimRight(orDefault(p.BaseURL, PushPlusBaseURL), "/") + "/send"
	if err := postJSON(ctx, p.Client, p.Type(), endpoint, body, &resp); err != nil {
		return err
	}
	if resp.Code != http.StatusOK {
		return &APIError{Channel: p.Type(), Status: http.StatusOK, Code: resp.Code, Message: resp.Msg}
	}
	return nil
}
