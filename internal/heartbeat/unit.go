package heartbeat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/vfhky/serv00-ct8-nezha/internal/event"
	"github.com/vfhky/serv00-ct8-nezha/internal/fault"
	"github.com/vfhky/serv00-ct8-nezha/internal/monitor"
	"github.com/vfhky/serv00-ct8-nezha/internal/sysproc"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
)

// State is a unit's position in the restart policy.
type State string

const (
	StateUnknown          State = "unknown"
	StateHealthy          State = "healthy"
	StateFailing          State = "failing"
	StateRestartAttempted State = "restart_attempted"
	StateExceeded         State = "exceeded"
)

const (
	DefaultMaxFailures  = 3
	DefaultRestartGrace = 5 * time.Second
)

// UnitConfig describes one supervised process.
type UnitConfig struct {
	Name        string        `mapstructure:"name"`
	Pattern     string        `mapstructure:"pattern"`
	Restart     string        `mapstructure:"restart"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxFailures int           `mapstructure:"max_failures"`
}

// UnitStatus is a point-in-time view of a unit.
type UnitStatus struct {
	Name         string         `json:"name" yaml:"name"`
	State        State          `json:"state" yaml:"state"`
	FailureCount int            `json:"failure_count" yaml:"failure_count"`
	MaxFailures  int            `json:"max_failures" yaml:"max_failures"`
	Restarts     int            `json:"restarts" yaml:"restarts"`
	Last         monitor.Result `json:"last" yaml:"last"`
}

// Unit is a local process under restart policy. Its failure counter is
// advanced only by live checks; cached results never count twice.
type Unit struct {
	name        string
	restart     string
	maxFailures int
	grace       time.Duration

	mon    *monitor.Monitor
	runner sysproc.Runner
	pub    plugin.Publisher
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	clock  func() time.Time

	mu       sync.Mutex
	failures int
	state    State
	seen     time.Time
	restarts int
	last     monitor.Result
}

// UnitOption configures a Unit.
type UnitOption func(*Unit)

// WithGrace sets the pause between a restart and its recheck.
func WithGrace(d time.Duration) UnitOption {
	return func(u *Unit) { u.grace = d }
}

// WithSleep replaces the grace sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) UnitOption {
	return func(u *Unit) { u.sleep = fn }
}

// WithUnitClock replaces time.Now for the unit's monitor.
func WithUnitClock(now func() time.Time) UnitOption {
	return func(u *Unit) { u.clock = now }
}

// NewUnit builds a unit. Pattern defaults to the name.
func NewUnit(cfg UnitConfig, finder sysproc.Finder, runner sysproc.Runner, pub plugin.Publisher, logger *zap.Logger, opts ...UnitOption) (*Unit, error) {
	if cfg.Name == "" {
		return nil, fault.Config("new unit", fmt.Errorf("unit name is required"))
	}
	if cfg.Pattern == "" {
		cfg.Pattern = cfg.Name
	}
	if cfg.Interval <= 0 {
		cfg.Interval = monitor.DefaultInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	u := &Unit{
		name:        cfg.Name,
		restart:     cfg.Restart,
		maxFailures: cfg.MaxFailures,
		grace:       DefaultRestartGrace,
		runner:      runner,
		pub:         pub,
		logger:      logger,
		sleep:       sleepCtx,
		state:       StateUnknown,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	mon, err := monitor.New(monitor.Target{
		Name:       cfg.Name,
		Kind:       monitor.KindProcess,
		Identifier: cfg.Pattern,
		Interval:   cfg.Interval,
	}, monitor.WithFinder(finder), monitor.WithPublisher(pub, "heartbeat"), monitor.WithClock(u.clock))
	if err != nil {
		return nil, err
	}
	u.mon = mon
	return u, nil
}

// Name returns the unit name.
func (u *Unit) Name() string { return u.name }

// Check runs the cached process check. live reports whether this call
// produced a fresh result, which is the only case the counter moves.
func (u *Unit) Check(ctx context.Context) (r monitor.Result, live bool) {
	r = u.mon.Check(ctx)

	u.mu.Lock()
	defer u.mu.Unlock()
	if r.CheckedAt.Equal(u.seen) && u.state != StateUnknown {
		return r, false
	}
	u.seen = r.CheckedAt
	u.last = r
	if r.Passed {
		u.failures = 0
		u.state = StateHealthy
	} else {
		u.failures++
		if u.failures > u.maxFailures {
			u.state = StateExceeded
		} else {
			u.state = StateFailing
		}
	}
	return r, true
}

// HandleFailure applies the restart policy after a failed check. Past the
// threshold it reports and returns fault.RestartExhausted without running
// the restart command. Otherwise it restarts, waits the grace period and
// rechecks; a failed recheck does not advance the counter.
func (u *Unit) HandleFailure(ctx context.Context) error {
	u.mu.Lock()
	failures := u.failures
	u.mu.Unlock()

	if failures > u.maxFailures {
		u.setState(StateExceeded)
		msg := fmt.Sprintf("%s exceeded restart threshold (%d failures, max %d)", u.name, failures, u.maxFailures)
		u.emit(ctx, event.TopicError, msg, failures)
		return fault.RestartExhausted("handle failure", fmt.Errorf("%s", msg))
	}

	return u.restartAndRecheck(ctx, fmt.Sprintf("restarting %s (attempt %d of %d)", u.name, failures, u.maxFailures), failures)
}

// Restart runs the restart command and recheck on request, without the
// failure threshold. A passing recheck clears the counter like any live
// pass; a failing one leaves it alone.
func (u *Unit) Restart(ctx context.Context) error {
	failures := u.FailureCount()
	return u.restartAndRecheck(ctx, fmt.Sprintf("restarting %s on request", u.name), failures)
}

func (u *Unit) restartAndRecheck(ctx context.Context, notice string, failures int) error {
	u.setState(StateRestartAttempted)
	u.emit(ctx, event.TopicSystem, notice, failures)

	u.mu.Lock()
	u.restarts++
	u.mu.Unlock()

	if u.restart == "" {
		u.logger.Warn("unit has no restart command", zap.String("unit", u.name))
	} else if u.runner == nil {
		u.logger.Warn("no command runner configured", zap.String("unit", u.name))
	} else if out, err := u.runner.Run(ctx, u.restart); err != nil {
		u.logger.Warn("restart command failed",
			zap.String("unit", u.name),
			zap.String("output", out),
			zap.Error(err),
		)
	}

	if err := u.sleep(ctx, u.grace); err != nil {
		return err
	}

	r := u.mon.Refresh(ctx)
	u.mu.Lock()
	u.seen = r.CheckedAt
	u.last = r
	if r.Passed {
		u.failures = 0
		u.state = StateHealthy
	} else if u.failures > u.maxFailures {
		u.state = StateExceeded
	} else {
		u.state = StateFailing
	}
	u.mu.Unlock()

	if r.Passed {
		u.emit(ctx, event.TopicSuccess, fmt.Sprintf("%s restarted successfully", u.name), 0)
		return nil
	}
	msg := fmt.Sprintf("%s still not running after restart: %s", u.name, r.Message)
	u.emit(ctx, event.TopicError, msg, failures)
	return fault.Check("restart", fmt.Errorf("%s", msg))
}

// Status returns the unit's current view.
func (u *Unit) Status() UnitStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UnitStatus{
		Name:         u.name,
		State:        u.state,
		FailureCount: u.failures,
		MaxFailures:  u.maxFailures,
		Restarts:     u.restarts,
		Last:         u.last,
	}
}

// State returns the unit's policy state.
func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// FailureCount returns the consecutive live failures observed.
func (u *Unit) FailureCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.failures
}

func (u *Unit) setState(s State) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
}

func (u *Unit) emit(ctx context.Context, topic, msg string, failures int) {
	event.Emit(ctx, u.pub, "heartbeat", topic, event.Notice{
		Message: msg,
		Kind:    "unit",
		Fields: map[string]string{
			"unit":     u.name,
			"failures": strconv.Itoa(failures),
		},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
