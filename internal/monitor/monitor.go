package monitor

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vfhky/serv00-ct8-nezha/internal/event"
	"github.com/vfhky/serv00-ct8-nezha/internal/sysproc"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
)

// Monitor checks one target and caches the result for its interval.
type Monitor struct {
	target Target
	finder sysproc.Finder
	client *http.Client
	pub    plugin.Publisher
	source string
	now    func() time.Time

	// checkMu serializes live checks; mu guards the cached result.
	checkMu   sync.Mutex
	mu        sync.Mutex
	last      Result
	lastCheck time.Time
	checked   bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithFinder sets the process finder used by process targets.
func WithFinder(f sysproc.Finder) Option {
	return func(m *Monitor) { m.finder = f }
}

// WithHTTPClient replaces the URL check client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// WithPublisher sets where warning and error events go.
func WithPublisher(pub plugin.Publisher, source string) Option {
	return func(m *Monitor) {
		m.pub = pub
		m.source = source
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New validates target and builds its monitor.
func New(target Target, opts ...Option) (*Monitor, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		target: target,
		source: "monitor",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = NewHTTPClient(URLTimeout)
	}
	return m, nil
}

// NewHTTPClient returns the client URL checks use. Self-signed
// certificates are accepted.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}, //nolint:gosec // G402: panels often run behind self-signed certs
			DisableKeepAlives: true,
		},
	}
}

// Target returns the validated target.
func (m *Monitor) Target() Target {
	return m.target
}

// Check returns the cached result while the interval has not elapsed,
// and runs a live check otherwise.
func (m *Monitor) Check(ctx context.Context) Result {
	r, live := m.run(ctx, true)
	if live {
		m.publish(ctx, r)
	}
	return r
}

// Refresh runs a live check regardless of the cache.
func (m *Monitor) Refresh(ctx context.Context) Result {
	r, _ := m.run(ctx, false)
	m.publish(ctx, r)
	return r
}

// Last returns the most recent result, if any check has run.
func (m *Monitor) Last() (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.checked
}

// run serializes live checks on checkMu and reports whether r is fresh.
// mu is only held to read or store the cached result, and nothing is
// published here, so readers never wait on a live check or a notice delivery.
func (m *Monitor) run(ctx context.Context, useCache bool) (Result, bool) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	if useCache {
		if r, ok := m.cached(); ok {
			return r, false
		}
	}

	now := m.now()
	var r Result
	switch m.target.Kind {
	case KindProcess:
		r = m.checkProcess(ctx)
	case KindURL:
		r = m.checkURL(ctx)
	}
	r.Target = m.target.Name
	r.Kind = m.target.Kind
	r.CheckedAt = now

	m.mu.Lock()
	m.last = r
	m.lastCheck = now
	m.checked = true
	m.mu.Unlock()
	return r, true
}

func (m *Monitor) cached() (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checked && m.now().Sub(m.lastCheck) < m.target.Interval {
		return m.last, true
	}
	return Result{}, false
}

func (m *Monitor) publish(ctx context.Context, r Result) {
	switch {
	case r.Errored:
		m.emit(ctx, event.TopicError, r)
	case !r.Passed:
		m.emit(ctx, event.TopicWarning, r)
	}
}

func (m *Monitor) checkProcess(ctx context.Context) Result {
	if m.finder == nil {
		return Result{Errored: true, Message: fmt.Sprintf("%s: no process finder configured", m.target.Name)}
	}
	pids, err := m.finder.Find(ctx, m.target.Identifier)
	if err != nil {
		return Result{Errored: true, Message: fmt.Sprintf("%s: process lookup failed: %v", m.target.Name, err)}
	}
	r := Result{PIDs: pids, Passed: len(pids) >= m.target.Expected}
	if r.Passed {
		r.Message = fmt.Sprintf("%s is running (%d instances)", m.target.Name, len(pids))
	} else {
		r.Message = fmt.Sprintf("%s has %d instances, want at least %d", m.target.Name, len(pids), m.target.Expected)
	}
	return r
}

func (m *Monitor) checkURL(ctx context.Context) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.target.Identifier, http.NoBody)
	if err != nil {
		return Result{Errored: true, Message: fmt.Sprintf("invalid URL %q: %v", m.target.Identifier, err)}
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	elapsed := time.Since(start)
	latency := float64(elapsed) / float64(time.Millisecond)
	if err != nil {
		return Result{Errored: true, LatencyMs: latency, Message: fmt.Sprintf("GET %s: %v", m.target.Identifier, err)}
	}
	n, _ := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	length := resp.ContentLength
	if length < 0 {
		length = n
	}
	r := Result{
		StatusCode:    resp.StatusCode,
		LatencyMs:     latency,
		ContentLength: length,
		Passed:        resp.StatusCode == m.target.Expected,
	}
	if r.Passed {
		r.Message = fmt.Sprintf("%s returned %d", m.target.Identifier, resp.StatusCode)
	} else {
		r.Message = fmt.Sprintf("%s returned %d, want %d", m.target.Identifier, resp.StatusCode, m.target.Expected)
	}
	return r
}

// Metrics forces a live check and adds telemetry. Pids that fail to
// sample contribute zero.
func (m *Monitor) Metrics(ctx context.Context) Metrics {
	r := m.Refresh(ctx)
	out := Metrics{Result: r}
	if m.target.Kind != KindProcess {
		return out
	}
	out.Count = len(r.PIDs)
	if m.finder == nil {
		return out
	}
	for _, pid := range r.PIDs {
		s, err := m.finder.Sample(ctx, pid)
		if err != nil {
			continue
		}
		out.CPUPercent += s.CPUPercent
		out.MemPercent += s.MemPercent
		if s.Uptime > out.Uptime {
			out.Uptime = s.Uptime
		}
	}
	return out
}

func (m *Monitor) emit(ctx context.Context, topic string, r Result) {
	event.Emit(ctx, m.pub, m.source, topic, event.Notice{
		Message: r.Message,
		Kind:    string(r.Kind),
		Fields: map[string]string{
			"target":      r.Target,
			"identifier":  m.target.Identifier,
			"status_code": strconv.Itoa(r.StatusCode),
		},
	})
}
