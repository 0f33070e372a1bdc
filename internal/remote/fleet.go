package remote

import (
	"context"
	"errors"
	"sync"

	"github.com/vfhky/serv00-ct8-nezha/internal/confstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultConnectConcurrency bounds simultaneous dials during load.
const DefaultConnectConcurrency = 5

// Peer is one host entry with the connection it owns. Exec is nil when
// the connect at load time failed; the peer then stays unreachable.
type Peer struct {
	Entry  confstore.HostEntry
	Exec   Executor
	Status int
	Err    error
}

// Reachable reports whether the peer holds a live connection.
func (p *Peer) Reachable() bool {
	return p.Exec != nil
}

// Fleet is the set of peers loaded from one host list.
type Fleet struct {
	mu     sync.RWMutex
	peers  []*Peer
	logger *zap.Logger
}

// NewFleet wraps already built peers.
func NewFleet(logger *zap.Logger, peers ...*Peer) *Fleet {
	return &Fleet{peers: peers, logger: logger}
}

// Connect dials every entry once, at most limit at a time. Failures are
// logged and recorded on the peer; they are not retried.
func Connect(ctx context.Context, d Dialer, entries []confstore.HostEntry, limit int, logger *zap.Logger) *Fleet {
	if limit <= 0 {
		limit = DefaultConnectConcurrency
	}
	peers := make([]*Peer, len(entries))

	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, entry := range entries {
		peers[i] = &Peer{Entry: entry}
		p := peers[i]
		g.Go(func() error {
			exec, err := d.Dial(ctx, p.Entry)
			if err != nil {
				p.Status, p.Err = StatusOf(err), err
				logger.Error("peer connection failed",
					zap.String("host", p.Entry.String()),
					zap.Int("status", p.Status),
					zap.Error(err),
				)
				return nil
			}
			p.Exec, p.Status = exec, StatusOK
			logger.Info("peer connected", zap.String("host", p.Entry.String()))
			return nil
		})
	}
	_ = g.Wait()

	return NewFleet(logger, peers...)
}

// Peers returns the peers in host-list order.
func (f *Fleet) Peers() []*Peer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]*Peer(nil), f.peers...)
}

// Counts returns how many peers are reachable and unreachable.
func (f *Fleet) Counts() (reachable, unreachable int) {
	for _, p := range f.Peers() {
		if p.Reachable() {
			reachable++
		} else {
			unreachable++
		}
	}
	return reachable, unreachable
}

// Swap installs a new peer set and closes the old connections.
func (f *Fleet) Swap(next *Fleet) error {
	peers := next.Peers()
	f.mu.Lock()
	old := f.peers
	f.peers = peers
	f.mu.Unlock()
	return closePeers(old)
}

// Close closes every live connection.
func (f *Fleet) Close() error {
	f.mu.Lock()
	old := f.peers
	f.peers = nil
	f.mu.Unlock()
	return closePeers(old)
}

func closePeers(peers []*Peer) error {
	var errs []error
	for _, p := range peers {
		if p.Exec != nil {
			if err := p.Exec.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// CopyResult is the outcome of copying a directory to one peer.
type CopyResult struct {
	Host    string `json:"host" yaml:"host"`
	Skipped string `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Err     error  `json:"-" yaml:"-"`
}

// CopyToAll copies localDir to every reachable peer other than self, at
// most limit at a time. remoteDir names the destination per peer. Results
// keep the host-list order.
func (f *Fleet) CopyToAll(ctx context.Context, self confstore.Identity, localDir string, remoteDir func(confstore.HostEntry) string, limit int) []CopyResult {
	if limit <= 0 {
		limit = DefaultConnectConcurrency
	}
	peers := f.Peers()
	results := make([]CopyResult, len(peers))

	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, p := range peers {
		res := &results[i]
		res.Host = p.Entry.String()
		switch {
		case p.Entry.Is(self):
			res.Skipped = "local host"
			continue
		case !p.Reachable():
			res.Skipped = "not connected"
			continue
		}
		g.Go(func() error {
			dst := remoteDir(p.Entry)
			if err := p.Exec.CopyDirectory(ctx, localDir, dst); err != nil {
				res.Err = err
				f.logger.Error("copy failed", zap.String("host", res.Host), zap.String("dir", dst), zap.Error(err))
				return nil
			}
			f.logger.Info("copied", zap.String("host", res.Host), zap.String("dir", dst))
			return nil
		})
	}
	_ = g.Wait()
	return results
}
