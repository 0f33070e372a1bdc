package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// TelegramBaseURL is the Bot API root.
const TelegramBaseURL = "https://api.telegram.org"

// Compile-time interface guard.
var _ Notifier = (*Telegram)(nil)

// Telegram sends through a bot's sendMessage method.
type Telegram struct {
	Token   string
	ChatID  string
	BaseURL string
	Client  *http.Client
}

func (t *Telegram) Type() string { return "tg" }

func (t *Telegram) Notify(ctx context.Context, msg Message) error {
	endpoint := strings.TrimRight(orDefault(t.BaseURL, TelegramBaseURL), "/") + "/bot" + t.Token + "/sendMessage"
	form := url.Values{
		"chat_id": {t.ChatID},
		"text":    {Render(msg)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", t.Type(), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	if err := do(t.Client, t.Type(), req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return &APIError{Channel: t.Type(), Status: http.StatusOK, Code: resp.ErrorCode, Message: resp.Description}
	}
	return nil
}
