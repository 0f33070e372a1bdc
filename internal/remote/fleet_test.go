package remote

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vfhky/serv00-ct8-nezha/internal/confstore"
	"go.uber.org/zap"
)

type fakeExec struct {
	mu     sync.Mutex
	copies []string
	err    error
	closed bool
}

func (f *fakeExec) RunScript(context.Context, string, ...string) error { return nil }

func (f *fakeExec) CopyDirectory(_ context.Context, _, remoteDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, remoteDir)
	return f.err
}

func (f *fakeExec) Close() error {
	f.closed = true
	return nil
}

func entry(host, user string) confstore.HostEntry {
	return confstore.HostEntry{Hostname: host, Port: 22, Username: user}
}

func TestCopyToAll(t *testing.T) {
	self := &fakeExec{}
	good := &fakeExec{}
	bad := &fakeExec{err: errors.New("scp: permission denied")}
	fleet := NewFleet(zap.NewNop(),
		&Peer{Entry: entry("s1.serv00.com", "alice"), Exec: self},
		&Peer{Entry: entry("s2.serv00.com", "bob"), Exec: good},
		&Peer{Entry: entry("s3.ct8.pl", "carol")},
		&Peer{Entry: entry("s4.ct8.pl", "dave"), Exec: bad},
	)

	results := fleet.CopyToAll(context.Background(),
		confstore.Identity{Hostname: "s1.serv00.com", Username: "alice"},
		"/home/alice/.ssh",
		func(h confstore.HostEntry) string { return "/home/" + h.Username + "/.ssh" },
		3,
	)

	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}
	if results[0].Skipped != "local host" || len(self.copies) != 0 {
		t.Errorf("self = %+v, want skipped without copying", results[0])
	}
	if results[1].Err != nil || len(good.copies) != 1 || good.copies[0] != "/home/bob/.ssh" {
		t.Errorf("bob = %+v copies %v, want /home/bob/.ssh", results[1], good.copies)
	}
	if results[2].Skipped != "not connected" {
		t.Errorf("carol = %+v, want not connected", results[2])
	}
	if results[3].Err == nil {
		t.Error("dave should report the copy error")
	}
}

func TestFleetSwapClosesOld(t *testing.T) {
	old := &fakeExec{}
	fleet := NewFleet(zap.NewNop(), &Peer{Entry: entry("a", "u"), Exec: old})
	next := &fakeExec{}
	if err := fleet.Swap(NewFleet(zap.NewNop(), &Peer{Entry: entry("b", "u"), Exec: next})); err != nil {
		t.Fatalf("Swap() error = %v", err)
	}
	if !old.closed || next.closed {
		t.Errorf("old closed = %v, next closed = %v", old.closed, next.closed)
	}
	if got := fleet.Peers(); len(got) != 1 || got[0].Entry.Hostname != "b" {
		t.Errorf("Peers() = %v", got)
	}
}
