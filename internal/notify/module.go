package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vfhky/serv00-ct8-nezha/internal/confstore"
	"github.com/vfhky/serv00-ct8-nezha/internal/event"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
	_ plugin.StatusReporter  = (*Module)(nil)
)

const (
	defaultTimeout       = 10 * time.Second
	defaultRetryAttempts = 3
	defaultRatePerMinute = 30
	defaultBurst         = 10
	retryDelay           = time.Second
	retryMaxDelay        = 5 * time.Second
)

// ErrUnknownChannel is returned by Send when the named channel is not
// configured.
var ErrUnknownChannel = errors.New("notify: unknown channel")

// Module turns bus events into messages and fans them out to every
// configured channel.
type Module struct {
	logger    *zap.Logger
	store     *confstore.Store
	channels  []Notifier
	client    *http.Client
	limiter   *rate.Limiter
	attempts  uint
	delay     time.Duration
	reg       prometheus.Registerer
	delivered *prometheus.CounterVec

	mu      sync.Mutex
	sent    map[string]int
	failed  map[string]int
	lastErr map[string]string
}

// New creates the notify subsystem.
func New() *Module {
	return &Module{}
}

// SetStore injects the config snapshot channels are built from. Call
// before Init.
func (m *Module) SetStore(st *confstore.Store) { m.store = st }

// SetRegisterer sets where metrics are registered. Call before Init.
func (m *Module) SetRegisterer(reg prometheus.Registerer) { m.reg = reg }

// SetChannels replaces the channels built from sys.conf. Call before Init.
func (m *Module) SetChannels(ch ...Notifier) { m.channels = ch }

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "notify",
		Version:     "0.1.0",
		Description: "Delivers supervision events to chat channels",
		Roles:       []string{plugin.RoleNotifier},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}

	timeout := defaultTimeout
	attempts := defaultRetryAttempts
	perMinute := defaultRatePerMinute
	burst := defaultBurst
	if c := deps.Config; c != nil {
		if d := c.GetDuration("timeout"); d > 0 {
			timeout = d
		}
		if n := c.GetInt("retry_attempts"); n > 0 {
			attempts = n
		}
		if n := c.GetInt("rate_per_minute"); n > 0 {
			perMinute = n
		}
		if n := c.GetInt("burst"); n > 0 {
			burst = n
		}
	}
	m.attempts = uint(attempts)
	m.delay = retryDelay
	m.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
	m.client = &http.Client{Timeout: timeout}
	m.delivered = newDeliveriesCounter(m.reg)

	if m.channels == nil && m.store != nil {
		m.channels = FromSys(m.store.Sys(), m.client, m.logger)
	}
	m.sent = make(map[string]int)
	m.failed = make(map[string]int)
	m.lastErr = make(map[string]string)

	if len(m.channels) == 0 {
		m.logger.Warn("no notify channels configured; messages will only be logged")
	}
	m.logger.Info("notify module initialized",
		zap.Strings("channels", m.channelTypes()),
		zap.Duration("timeout", timeout),
		zap.Int("rate_per_minute", perMinute),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.logger.Info("notify module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("notify module stopped")
	return nil
}

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	topics := []string{
		event.TopicError,
		event.TopicWarning,
		event.TopicSuccess,
		event.TopicMonitor,
		event.TopicBackup,
		event.TopicHeartbeat,
	}
	subs := make([]plugin.Subscription, len(topics))
	for i, t := range topics {
		subs[i] = plugin.Subscription{Topic: t, Name: "notify", Handler: m.handleEvent}
	}
	return subs
}

func (m *Module) handleEvent(ctx context.Context, e plugin.Event) error {
	n, ok := event.NoticeOf(e)
	if !ok {
		return nil
	}
	msg, deliver := MessageFor(e.Topic, n)
	if !deliver {
		return nil
	}
	msg.At = e.Timestamp
	return m.Notify(ctx, msg)
}

// MessageFor maps a core notice to a message. deliver is false for
// notices that are not meant for people, such as backup requests and
// successful fan-outs.
func MessageFor(topic string, n event.Notice) (msg Message, deliver bool) {
	msg = Message{Body: n.Message, Level: LevelInfo}
	switch topic {
	case event.TopicError:
		msg.Level = LevelError
	case event.TopicWarning:
		msg.Level = LevelWarning
	case event.TopicSuccess:
		msg.Level = LevelInfo
	case event.TopicMonitor:
		switch n.Kind {
		case "dns_failure":
			msg.Title, msg.Level = "Monitor URL DNS lookup failed", LevelError
		case "visit_failure":
			msg.Title, msg.Level = "Monitor URL visit failed", LevelError
		case "visit_ok":
			msg.Title = "Monitor URL visit succeeded"
		default:
			if n.Status == event.StatusFailure {
				msg.Level = LevelError
			}
		}
	case event.TopicBackup:
		if n.Kind == "request" {
			return msg, false
		}
		msg.Title = "Dashboard backup succeeded"
		if n.Status == event.StatusFailure {
			msg.Title, msg.Level = "Dashboard backup failed", LevelError
		}
	case event.TopicHeartbeat:
		if n.Status != event.StatusFailure {
			return msg, false
		}
		msg.Title, msg.Level = "Heartbeat incomplete", LevelWarning
	default:
		return msg, false
	}
	return msg, true
}

// Send is the direct delivery API. An empty channel sends to all.
func (m *Module) Send(ctx context.Context, body, level, channel string) error {
	msg := Message{Body: body, Level: level}
	if channel == "" {
		return m.Notify(ctx, msg)
	}
	for _, ch := range m.channels {
		if ch.Type() == channel {
			return m.deliver(ctx, ch, msg)
		}
	}
	return fmt.Errorf("%w %q (configured: %v)", ErrUnknownChannel, channel, m.channelTypes())
}

// Notify fans msg out to every channel. One channel failing never stops
// the others; the failures are joined.
func (m *Module) Notify(ctx context.Context, msg Message) error {
	m.logger.Info("notification",
		zap.String("level", msg.Level),
		zap.String("title", msg.Title),
		zap.String("body", msg.Body),
	)
	var errs []error
	for _, ch := range m.channels {
		if err := m.deliver(ctx, ch, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Module) deliver(ctx context.Context, ch Notifier, msg Message) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit: %w", ch.Type(), err)
	}
	err := retry.Do(func() error {
		if ctx.Err() != nil {
			return nil
		}
		return ch.Notify(ctx, msg)
	}, retry.Attempts(m.attempts), retry.Delay(m.delay), retry.MaxDelay(retryMaxDelay))
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.delivered.WithLabelValues(ch.Type(), "failure").Inc()
		m.failed[ch.Type()]++
		m.lastErr[ch.Type()] = err.Error()
		m.logger.Warn("notify delivery failed",
			zap.String("channel", ch.Type()),
			zap.Error(err),
		)
		return err
	}
	m.delivered.WithLabelValues(ch.Type(), "success").Inc()
	m.sent[ch.Type()]++
	m.logger.Debug("notify delivered", zap.String("channel", ch.Type()))
	return nil
}

func (m *Module) channelTypes() []string {
	out := make([]string, len(m.channels))
	for i, ch := range m.channels {
		out[i] = ch.Type()
	}
	return out
}

// ChannelStatus is the delivery record of one channel.
type ChannelStatus struct {
	Type      string `json:"type" yaml:"type"`
	Sent      int    `json:"sent" yaml:"sent"`
	Failed    int    `json:"failed" yaml:"failed"`
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// Status implements plugin.StatusReporter.
func (m *Module) Status() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChannelStatus, 0, len(m.channels))
	for _, ch := range m.channels {
		t := ch.Type()
		out = append(out, ChannelStatus{Type: t, Sent: m.sent[t], Failed: m.failed[t], LastError: m.lastErr[t]})
	}
	return map[string]any{"channels": out}
}
