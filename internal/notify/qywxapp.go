package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Compile-time interface guard.
var _ Notifier = (*QYWXApp)(nil)

// tokenSlack expires a cached access token early.
const tokenSlack = 5 * time.Minute

// QYWXApp sends through a WeCom application. The access token is cached
// until shortly before it expires.
type QYWXApp struct {
	CorpID  string
	Secret  string
	AgentID string
	ToUser  string
	BaseURL string
	Client  *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

func (q *QYWXApp) Type() string { return "qywx_app" }

func (q *QYWXApp) Notify(ctx context.Context, msg Message) error {
	token, err := q.accessToken(ctx)
	if err != nil {
		return err
	}
	agentID := any(q.AgentID)
	var n int
	if _, err := fmt.Sscanf(q.AgentID, "%d", &n); err == nil {
		agentID = n
	}
	body := map[string]any{
		"touser":  orDefault(q.ToUser, "@all"),
		"msgtype": "text",
		"agentid": agentID,
		"text":    map[string]string{"content": Render(msg)},
	}
	endpoint := q.base() + "/cgi-bin/message/send?access_token=" + url.QueryEscape(token)

	var resp wecomResponse
	if err := postJSON(ctx, q.Client, q.Type(), endpoint, body, &resp); err != nil {
		return err
	}
	if resp.ErrCode == 40014 || resp.ErrCode == 42001 {
		// Invalid or expired token: drop it so the next attempt refetches.
		q.mu.Lock()
		q.token = ""
		q.mu.Unlock()
	}
	return resp.err(q.Type())
}

func (q *QYWXApp) base() string {
	return strings.TrimRight(orDefault(q.BaseURL, QYWXBaseURL), "/")
}

func (q *QYWXApp) clock() time.Time {
	if q.now != nil {
		return q.now()
	}
	return time.Now()
}

func (q *QYWXApp) accessToken(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.token != "" && q.clock().Before(q.expires) {
		return q.token, nil
	}

	endpoint := q.base() + "/cgi-bin/gettoken?corpid=" + url.QueryEscape(q.CorpID) +
		"&corpsecret=" + url.QueryEscape(q.Secret)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("%s: build token request: %w", q.Type(), err)
	}
	var resp struct {
		wecomResponse
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := do(q.Client, q.Type(), req, &resp); err != nil {
		return "", err
	}
	if err := resp.err(q.Type()); err != nil {
		return "", err
	}
	ttl := time.Duration(resp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	q.token = resp.AccessToken
	q.expires = q.clock().Add(ttl - tokenSlack)
	return q.token, nil
}
