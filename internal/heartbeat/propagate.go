package heartbeat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vfhky/serv00-ct8-nezha/internal/confstore"
	"github.com/vfhky/serv00-ct8-nezha/internal/event"
	"github.com/vfhky/serv00-ct8-nezha/internal/fault"
	"github.com/vfhky/serv00-ct8-nezha/internal/remote"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultFanoutConcurrency bounds in-flight peer invocations per cycle.
const DefaultFanoutConcurrency = 5

// PeerSource lists the fleet's peers. *remote.Fleet satisfies it.
type PeerSource interface {
	Peers() []*remote.Peer
}

// Local is this host's identity as peers see it.
type Local struct {
	Hostname string
	Username string
	Port     uint16
}

// Identity returns the (hostname, username) pair.
func (l Local) Identity() confstore.Identity {
	return confstore.Identity{Hostname: l.Hostname, Username: l.Username}
}

// PeerFailure is one peer whose invocation failed.
type PeerFailure struct {
	Host   string `json:"host" yaml:"host"`
	Status int    `json:"status" yaml:"status"`
	Error  string `json:"error" yaml:"error"`
}

// FanoutReport accounts for every peer of one propagation.
type FanoutReport struct {
	Attempted   int           `json:"attempted" yaml:"attempted"`
	Succeeded   int           `json:"succeeded" yaml:"succeeded"`
	Failed      int           `json:"failed" yaml:"failed"`
	Skipped     int           `json:"skipped" yaml:"skipped"`
	Unreachable int           `json:"unreachable" yaml:"unreachable"`
	Failures    []PeerFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Propagator invokes the heartbeat entry script on every other reachable
// peer with a peer-originated token.
type Propagator struct {
	peers       PeerSource
	local       Local
	entryScript string
	concurrency int
	pub         plugin.Publisher
	logger      *zap.Logger
}

// NewPropagator builds a propagator for entryScript, the local path of
// the heartbeat entry script.
func NewPropagator(peers PeerSource, local Local, entryScript string, concurrency int, pub plugin.Publisher, logger *zap.Logger) *Propagator {
	if concurrency <= 0 {
		concurrency = DefaultFanoutConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{
		peers:       peers,
		local:       local,
		entryScript: entryScript,
		concurrency: concurrency,
		pub:         pub,
		logger:      logger,
	}
}

// RemotePath maps a local path to the same location under a peer's
// account by replacing every path segment equal to localUser.
func RemotePath(localPath, localUser, peerUser string) string {
	if localUser == "" || localUser == peerUser {
		return localPath
	}
	segs := strings.Split(localPath, "/")
	for i, s := range segs {
		if s == localUser {
			segs[i] = peerUser
		}
	}
	return strings.Join(segs, "/")
}

// Token returns the token sent to peers.
func (p *Propagator) Token() Token {
	return Token{Type: TriggerPeer, Hostname: p.local.Hostname, Port: p.local.Port, Username: p.local.Username}
}

// Propagate runs one fan-out and returns once every launched peer task
// has finished. One peer failing never affects the others.
func (p *Propagator) Propagate(ctx context.Context) FanoutReport {
	var (
		mu  sync.Mutex
		rep FanoutReport
	)
	self := p.local.Identity()
	token := p.Token().String()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, peer := range p.peers.Peers() {
		if peer.Entry.Is(self) {
			rep.Skipped++
			continue
		}
		if !peer.Reachable() {
			rep.Unreachable++
			p.logger.Warn("peer unreachable, skipping",
				zap.String("host", peer.Entry.String()),
				zap.Int("status", peer.Status),
			)
			continue
		}
		rep.Attempted++

		g.Go(func() error {
			path := RemotePath(p.entryScript, p.local.Username, peer.Entry.Username)
			err := peer.Exec.RunScript(gctx, path, token)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed++
				rep.Failures = append(rep.Failures, PeerFailure{
					Host:   peer.Entry.String(),
					Status: remote.StatusOf(err),
					Error:  err.Error(),
				})
				p.logger.Warn("peer heartbeat failed",
					zap.String("host", peer.Entry.String()),
					zap.String("script", path),
					zap.Error(err),
				)
				return nil
			}
			rep.Succeeded++
			p.logger.Debug("peer heartbeat sent",
				zap.String("host", peer.Entry.String()),
				zap.String("script", path),
			)
			return nil
		})
	}
	_ = g.Wait()

	p.publish(ctx, rep)
	return rep
}

func (p *Propagator) publish(ctx context.Context, rep FanoutReport) {
	status := event.StatusSuccess
	if rep.Failed > 0 || rep.Unreachable > 0 {
		status = event.StatusFailure
	}
	msg := fmt.Sprintf("heartbeat sent to %d of %d peers (%d failed, %d unreachable)",
		rep.Succeeded, rep.Attempted+rep.Unreachable, rep.Failed, rep.Unreachable)
	for _, f := range rep.Failures {
		msg += fmt.Sprintf("\n%s: status %d", f.Host, f.Status)
	}
	event.Emit(ctx, p.pub, "heartbeat", event.TopicHeartbeat, event.Notice{
		Message: msg,
		Status:  status,
		Kind:    "fanout",
		Fields: map[string]string{
			"attempted":   fmt.Sprint(rep.Attempted),
			"succeeded":   fmt.Sprint(rep.Succeeded),
			"failed":      fmt.Sprint(rep.Failed),
			"unreachable": fmt.Sprint(rep.Unreachable),
		},
	})
}

// Err returns a fanout fault when any attempted peer failed.
func (r FanoutReport) Err() error {
	if r.Failed == 0 {
		return nil
	}
	hosts := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		hosts[i] = f.Host
	}
	return fault.Fanout("propagate", fmt.Errorf("%d of %d peers failed: %s", r.Failed, r.Attempted, strings.Join(hosts, ", ")))
}
