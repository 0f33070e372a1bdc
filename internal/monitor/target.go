// Package monitor checks named processes and URLs on a per-target
// interval, caching each result until the interval elapses.
package monitor

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/vfhky/serv00-ct8-nezha/internal/fault"
)

// Kind selects how a target is checked.
type Kind string

const (
	KindProcess Kind = "process"
	KindURL     Kind = "url"
)

// URLTimeout bounds every URL check. It is not configurable per target.
const URLTimeout = 10 * time.Second

// DefaultInterval is used when configuration omits check_interval.
const DefaultInterval = 60 * time.Second

// Target is something periodically checked. For process targets
// Identifier is a command-line pattern and Expected the minimum instance
// count; for URL targets Identifier is the URL and Expected the HTTP status.
type Target struct {
	Name       string        `json:"name" yaml:"name" mapstructure:"name"`
	Kind       Kind          `json:"kind" yaml:"kind" mapstructure:"kind"`
	Identifier string        `json:"identifier" yaml:"identifier" mapstructure:"identifier"`
	Expected   int           `json:"expected" yaml:"expected" mapstructure:"expected"`
	Interval   time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
}

// Validate fills defaults and rejects unusable targets.
func (t *Target) Validate() error {
	if t.Identifier == "" {
		return fault.Config("validate target", fmt.Errorf("target %q: identifier is required", t.Name))
	}
	if t.Name == "" {
		t.Name = t.Identifier
	}
	switch t.Kind {
	case KindProcess:
		if t.Expected <= 0 {
			t.Expected = 1
		}
	case KindURL:
		u, err := url.Parse(t.Identifier)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fault.Config("validate target", fmt.Errorf("target %q: %q is not an http(s) url", t.Name, t.Identifier))
		}
		if t.Expected == 0 {
			t.Expected = http.StatusOK
		}
	default:
		return fault.Config("validate target", fmt.Errorf("target %q: unknown kind %q", t.Name, t.Kind))
	}
	if t.Interval <= 0 {
		return fault.Config("validate target", fmt.Errorf("target %q: interval must be positive, got %s", t.Name, t.Interval))
	}
	return nil
}

// Result is the outcome of one live check. Cached copies are returned
// unchanged until the target's interval elapses.
type Result struct {
	Target    string    `json:"target" yaml:"target"`
	Kind      Kind      `json:"kind" yaml:"kind"`
	Passed    bool      `json:"passed" yaml:"passed"`
	Errored   bool      `json:"errored,omitempty" yaml:"errored,omitempty"`
	Message   string    `json:"message" yaml:"message"`
	CheckedAt time.Time `json:"checked_at" yaml:"checked_at"`

	PIDs []int `json:"pids,omitempty" yaml:"pids,omitempty"`

	StatusCode    int     `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	LatencyMs     float64 `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`
	ContentLength int64   `json:"content_length,omitempty" yaml:"content_length,omitempty"`
}

// Metrics is a result flattened with best-effort telemetry.
type Metrics struct {
	Result `yaml:",inline"`

	Count      int           `json:"count" yaml:"count"`
	CPUPercent float64       `json:"cpu_percent" yaml:"cpu_percent"`
	MemPercent float64       `json:"mem_percent" yaml:"mem_percent"`
	Uptime     time.Duration `json:"uptime" yaml:"uptime"`
}
