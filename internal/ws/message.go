package ws

import (
	"time"

	"github.com/vfhky/serv00-ct8-nezha/internal/event"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
)

// Message is the envelope for every event streamed to clients.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Status    string            `json:"status,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// MessageFrom flattens a bus event. Events that carry no notice keep only
// their envelope.
func MessageFrom(e plugin.Event) Message {
	msg := Message{
		ID:        e.ID,
		Topic:     e.Topic,
		Source:    e.Source,
		Timestamp: e.Timestamp,
	}
	if n, ok := event.NoticeOf(e); ok {
		msg.Message = n.Message
		msg.Status = n.Status
		msg.Kind = n.Kind
		msg.Fields = n.Fields
	}
	return msg
}
