// Package notify delivers messages to the configured chat channels:
// WeCom robot, WeCom application, Telegram and PushPlus.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Levels accepted by Send.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Message is one notification.
type Message struct {
	Title string
	Body  string
	Level string
	// At is when the notified condition was observed. Zero means now.
	At time.Time
}

// Notifier is one delivery channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
	Type() string
}

var beijing = func() *time.Location {
	if loc, err := time.LoadLocation("Asia/Shanghai"); err == nil {
		return loc
	}
	return time.FixedZone("CST", 8*60*60)
}()

// LevelTitle is the default heading for a level.
func LevelTitle(level string) string {
	switch level {
	case LevelError:
		return "🚨 Error"
	case LevelWarning:
		return "⚠️ Warning"
	default:
		return "📢 Info"
	}
}

// Render formats msg as plain text with a heading and both the host's
// local time and Beijing time.
func Render(msg Message) string {
	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}
	title := msg.Title
	if title == "" {
		title = LevelTitle(msg.Level)
	}
	const layout = "2006-01-02 15:04:05"
	return fmt.Sprintf("----- %s -----\n%s\nSystem time: %s\nBeijing time: %s",
		title, msg.Body, at.Format(layout), at.In(beijing).Format(layout))
}

// APIError is a channel that accepted the request but reported failure.
type APIError struct {
	Channel string
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 || e.Message != "" {
		return fmt.Sprintf("%s: api error %d: %s", e.Channel, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: http status %d", e.Channel, e.Status)
}

// postJSON sends body as JSON and decodes the response into out. A non-2xx
// status is returned as *APIError.
func postJSON(ctx context.Context, client *http.Client, channel, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", channel, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(client, channel, req, out)
}

func do(client *http.Client, channel string, req *http.Request, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	req.Header.Set("User-Agent", "nezhactl-notify/0.1")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", channel, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", channel, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Channel: channel, Status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", channel, err)
	}
	return nil
}
