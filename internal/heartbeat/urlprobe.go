package heartbeat

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vfhky/serv00-ct8-nezha/internal/event"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
)

// DefaultURLTimeout bounds the DNS lookup and the HTTP GET separately.
const DefaultURLTimeout = 3 * time.Second

// Monitor notice kinds.
const (
	KindDNSFailure   = "dns_failure"
	KindVisitFailure = "visit_failure"
	KindVisitOK      = "visit_ok"
)

// Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ProbeResult is the outcome of one monitor URL probe.
type ProbeResult struct {
	URL        string `json:"url" yaml:"url"`
	Phase      string `json:"phase" yaml:"phase"`
	OK         bool   `json:"ok" yaml:"ok"`
	StatusCode int    `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
	Notified   bool   `json:"notified" yaml:"notified"`
}

// URLProbe checks the monitor URL in two phases. A DNS failure is reported
// and ends the probe; every HTTP failure is reported; a success is
// reported only when the hour gate allows it.
type URLProbe struct {
	resolver Resolver
	client   *http.Client
	gate     *HourGate
	timeout  time.Duration
	pub      plugin.Publisher
	logger   *zap.Logger
}

// NewURLProbe builds a probe. Nil resolver and client fall back to the
// system resolver and a client with the given timeout.
func NewURLProbe(resolver Resolver, client *http.Client, gate *HourGate, timeout time.Duration, pub plugin.Publisher, logger *zap.Logger) *URLProbe {
	if timeout <= 0 {
		timeout = DefaultURLTimeout
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &URLProbe{
		resolver: resolver,
		client:   client,
		gate:     gate,
		timeout:  timeout,
		pub:      pub,
		logger:   logger,
	}
}

// Probe runs both phases against rawURL.
func (p *URLProbe) Probe(ctx context.Context, rawURL string) ProbeResult {
	res := ProbeResult{URL: rawURL, Phase: "dns"}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		res.Error = fmt.Sprintf("invalid monitor URL %q", rawURL)
		p.notify(ctx, KindDNSFailure, event.StatusFailure, &res)
		return res
	}

	dnsCtx, cancel := context.WithTimeout(ctx, p.timeout)
	_, err = p.resolver.LookupHost(dnsCtx, u.Hostname())
	cancel()
	if err != nil {
		res.Error = fmt.Sprintf("resolve %s: %v", u.Hostname(), err)
		p.notify(ctx, KindDNSFailure, event.StatusFailure, &res)
		return res
	}

	res.Phase = "http"
	httpCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(httpCtx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		res.Error = err.Error()
		p.notify(ctx, KindVisitFailure, event.StatusFailure, &res)
		return res
	}
	resp, err := p.client.Do(req)
	if err != nil {
		res.Error = err.Error()
		p.notify(ctx, KindVisitFailure, event.StatusFailure, &res)
		return res
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	res.StatusCode = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		res.Error = fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		p.notify(ctx, KindVisitFailure, event.StatusFailure, &res)
		return res
	}

	res.OK = true
	if p.gate == nil {
		p.notify(ctx, KindVisitOK, event.StatusSuccess, &res)
		return res
	}
	allowed, err := p.gate.Allow()
	if err != nil {
		p.logger.Warn("hour gate unavailable, suppressing success notice", zap.Error(err))
		return res
	}
	if allowed {
		p.notify(ctx, KindVisitOK, event.StatusSuccess, &res)
	}
	return res
}

func (p *URLProbe) notify(ctx context.Context, kind, status string, res *ProbeResult) {
	res.Notified = true
	var msg string
	switch kind {
	case KindDNSFailure:
		msg = fmt.Sprintf("monitor URL %s DNS lookup failed: %s", res.URL, res.Error)
	case KindVisitFailure:
		msg = fmt.Sprintf("monitor URL %s visit failed: %s", res.URL, res.Error)
	default:
		msg = fmt.Sprintf("monitor URL %s is reachable", res.URL)
	}
	event.Emit(ctx, p.pub, "heartbeat", event.TopicMonitor, event.Notice{
		Message: msg,
		Status:  status,
		Kind:    kind,
		Fields: map[string]string{
			"url":         res.URL,
			"status_code": strconv.Itoa(res.StatusCode),
		},
	})
	if kind == KindVisitOK {
		return
	}
	p.logger.Warn("monitor URL check failed",
		zap.String("url", res.URL),
		zap.String("kind", kind),
		zap.String("error", res.Error),
	)
}
