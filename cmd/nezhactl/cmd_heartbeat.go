package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/vfhky/serv00-ct8-nezha/internal/heartbeat"
	"github.com/vfhky/serv00-ct8-nezha/internal/service"
	"go.uber.org/zap"
)

// tokenEnv carries the token when a peer or cron calls the entry script
// without arguments.
const tokenEnv = "HEART_BEAT_EXTRA_INFO"

var errHeartbeatDisabled = errors.New("the heartbeat subsystem is disabled (plugins.heartbeat.enabled)")

// heartbeatToken picks the token from the first argument, then the
// environment. No token at all means a timer-style cycle that propagates.
func heartbeatToken(args []string) (*heartbeat.Token, error) {
	raw := ""
	if len(args) > 0 {
		raw = args[0]
	}
	if raw == "" {
		raw = os.Getenv(tokenEnv)
	}
	if raw == "" {
		return nil, nil
	}
	return heartbeat.ParseToken(raw)
}

func runHeartbeat(args []string) int {
	fs, configPath := newFlags("heartbeat")
	format := fs.String("format", "json", "output format: json or yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	tok, err := heartbeatToken(fs.Args())
	if err != nil {
		return fail(err)
	}
	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()

	ctx := context.Background()
	m, err := e.boot(ctx, service.Options{ConnectFleet: heartbeat.ShouldPropagate(tok)})
	if err != nil {
		return fail(err)
	}
	defer m.Close()

	sup := m.Heartbeat()
	if sup == nil {
		return fail(errHeartbeatDisabled)
	}
	rep := sup.RunCycle(ctx, tok)
	if rep.Fanout != nil {
		if err := rep.Fanout.Err(); err != nil {
			e.logger.Warn("heartbeat incomplete", zap.Error(err))
		}
	}
	if err := printValue(os.Stdout, *format, rep); err != nil {
		return fail(err)
	}
	return 0
}

func runCheckURL(args []string) int {
	fs, configPath := newFlags("check-url")
	url := fs.String("url", "", "url to probe (default MONITOR_URL from sys.conf)")
	format := fs.String("format", "json", "output format: json or yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()

	ctx := context.Background()
	m, err := e.boot(ctx, service.Options{})
	if err != nil {
		return fail(err)
	}
	defer m.Close()

	sup := m.Heartbeat()
	if sup == nil {
		return fail(errHeartbeatDisabled)
	}
	res, err := sup.ProbeURL(ctx, *url)
	if err != nil {
		return fail(err)
	}
	if err := printValue(os.Stdout, *format, res); err != nil {
		return fail(err)
	}
	if !res.OK {
		fmt.Fprintf(os.Stderr, "nezhactl: %s failed at %s: %s\n", res.URL, res.Phase, res.Error)
		return 1
	}
	return 0
}

// runRestartUnits runs the restart command and recheck of one unit, or of
// every unit for "all", regardless of the failure threshold.
func runRestartUnits(args []string) int {
	fs, configPath := newFlags("restart")
	format := fs.String("format", "json", "output format: json or yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: nezhactl restart [flags] <unit|all>")
		return 2
	}
	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()

	ctx := context.Background()
	m, err := e.boot(ctx, service.Options{})
	if err != nil {
		return fail(err)
	}
	defer m.Close()

	sup := m.Heartbeat()
	if sup == nil {
		return fail(errHeartbeatDisabled)
	}
	results, err := sup.RestartUnits(ctx, fs.Arg(0))
	if err != nil {
		return fail(err)
	}
	if err := printValue(os.Stdout, *format, results); err != nil {
		return fail(err)
	}
	for _, r := range results {
		if !r.Recovered {
			return 1
		}
	}
	return 0
}
