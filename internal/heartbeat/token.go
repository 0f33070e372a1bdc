// Package heartbeat supervises the local dashboard and agent processes,
// propagates heartbeats across the fleet and watches the monitor URL.
package heartbeat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vfhky/serv00-ct8-nezha/internal/confstore"
	"github.com/vfhky/serv00-ct8-nezha/internal/fault"
)

// Trigger types carried in the first token field.
const (
	TriggerSelf = 0
	TriggerPeer = 1
)

// Token is the argument passed to the heartbeat entry script:
// "<type>|<hostname>|<port>|<username>".
type Token struct {
	Type     int
	Hostname string
	Port     uint16
	Username string
}

// ParseToken decodes a token. An empty string yields nil, meaning no token
// was given.
func ParseToken(s string) (*Token, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return nil, fault.Config("parse token", fmt.Errorf("token %q: want 4 fields, got %d", s, len(parts)))
	}
	typ, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fault.Config("parse token", fmt.Errorf("token %q: bad type: %w", s, err))
	}
	port, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 16)
	if err != nil {
		return nil, fault.Config("parse token", fmt.Errorf("token %q: bad port: %w", s, err))
	}
	return &Token{
		Type:     typ,
		Hostname: strings.TrimSpace(parts[1]),
		Port:     uint16(port),
		Username: strings.TrimSpace(parts[3]),
	}, nil
}

func (t Token) String() string {
	return fmt.Sprintf("%d|%s|%d|%s", t.Type, t.Hostname, t.Port, t.Username)
}

// Origin returns the host the token came from.
func (t Token) Origin() confstore.Identity {
	return confstore.Identity{Hostname: t.Hostname, Username: t.Username}
}

// ShouldPropagate reports whether a cycle started with tok fans out to
// peers. Only timer-originated cycles do; a peer-originated heartbeat
// never re-triggers propagation.
func ShouldPropagate(tok *Token) bool {
	return tok == nil || tok.Type == TriggerSelf
}
