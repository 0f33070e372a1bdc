package event

import (
	"context"

	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
)

// Topics published by the supervision core.
const (
	TopicError     = "error"
	TopicWarning   = "warning"
	TopicSuccess   = "success"
	TopicSystem    = "system"
	TopicMonitor   = "monitor"
	TopicBackup    = "backup"
	TopicHeartbeat = "heartbeat"
)

// Status values carried by monitor, backup and heartbeat notices.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Notice is the payload of every core topic.
type Notice struct {
	Message string
	// Status is StatusSuccess or StatusFailure on monitor, backup and
	// heartbeat topics, empty elsewhere.
	Status string
	// Kind narrows the notice within its topic, e.g. "dns_failure" on
	// monitor or "request" on backup.
	Kind   string
	Fields map[string]string
}

// NoticeOf extracts a Notice payload, accepting values and pointers.
func NoticeOf(e plugin.Event) (Notice, bool) {
	switch p := e.Payload.(type) {
	case Notice:
		return p, true
	case *Notice:
		if p == nil {
			return Notice{}, false
		}
		return *p, true
	default:
		return Notice{}, false
	}
}

// Emit publishes a Notice on topic from source. A nil publisher is a no-op.
func Emit(ctx context.Context, pub plugin.Publisher, source, topic string, n Notice) {
	if pub == nil {
		return
	}
	_ = pub.Publish(ctx, plugin.Event{Topic: topic, Source: source, Payload: n})
}
