// Package loop runs a function on a fixed interval until stopped. A pass
// that returns an error or panics is logged and followed by a longer
// backoff before the next pass; nothing escapes the loop.
package loop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PassFunc is one iteration of the loop.
type PassFunc func(ctx context.Context) error

// Loop is a restartable periodic worker.
type Loop struct {
	name     string
	interval time.Duration
	backoff  time.Duration
	pass     PassFunc
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	passes  atomic.Int64
	errs    atomic.Int64
}

// New creates a loop. A zero backoff falls back to the interval.
func New(name string, interval, backoff time.Duration, pass PassFunc, logger *zap.Logger) *Loop {
	if backoff <= 0 {
		backoff = interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		name:     name,
		interval: interval,
		backoff:  backoff,
		pass:     pass,
		logger:   logger,
	}
}

// Start launches the loop goroutine. The first pass runs immediately.
// Starting a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running.Load() {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	l.running.Store(true)

	go func(done chan struct{}) {
		defer close(done)
		defer l.running.Store(false)

		for {
			wait := l.interval
			if err := l.safePass(ctx); err != nil {
				l.errs.Add(1)
				l.logger.Error("loop pass failed, backing off",
					zap.String("loop", l.name),
					zap.Duration("backoff", l.backoff),
					zap.Error(err),
				)
				wait = l.backoff
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}(l.done)
}

// Stop cancels the loop and waits up to timeout for the in-flight pass to
// finish. It reports whether the loop exited in time.
func (l *Loop) Stop(timeout time.Duration) bool {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		l.logger.Warn("loop did not stop in time",
			zap.String("loop", l.name),
			zap.Duration("timeout", timeout),
		)
		return false
	}
}

// Running reports whether the loop goroutine is alive.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Passes returns how many passes have completed, successful or not.
func (l *Loop) Passes() int64 {
	return l.passes.Load()
}

// Errors returns how many passes failed or panicked.
func (l *Loop) Errors() int64 {
	return l.errs.Load()
}

func (l *Loop) safePass(ctx context.Context) (err error) {
	defer l.passes.Add(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.pass(ctx)
}
