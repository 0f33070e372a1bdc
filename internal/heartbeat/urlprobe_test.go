package heartbeat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vfhky/serv00-ct8-nezha/internal/event"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin/plugintest"
)

type fakeResolver struct {
	err   error
	calls atomic.Int64
}

func (r *fakeResolver) LookupHost(context.Context, string) ([]string, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return []string{"127.0.0.1"}, nil
}

func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func monitorKinds(rec *plugintest.Recorder) []string {
	var kinds []string
	for _, e := range rec.Topic(event.TopicMonitor) {
		n, _ := event.NoticeOf(e)
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func TestProbe_DNSFailureSkipsHTTP(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK)
	rec := plugintest.NewRecorder()
	p := NewURLProbe(&fakeResolver{err: errors.New("no such host")}, srv.Client(), nil, time.Second, rec, nil)

	res := p.Probe(context.Background(), srv.URL)
	if res.OK || res.Phase != "dns" {
		t.Errorf("result = %+v, want dns failure", res)
	}
	if hits.Load() != 0 {
		t.Errorf("HTTP hits = %d, want 0", hits.Load())
	}
	if kinds := monitorKinds(rec); len(kinds) != 1 || kinds[0] != KindDNSFailure {
		t.Errorf("notices = %v, want [%s]", kinds, KindDNSFailure)
	}
}

func TestProbe_EveryFailureNotifies(t *testing.T) {
	srv, hits := countingServer(t, http.StatusServiceUnavailable)
	rec := plugintest.NewRecorder()
	gate := NewHourGate(filepath.Join(t.TempDir(), "hour"), nil)
	p := NewURLProbe(&fakeResolver{}, srv.Client(), gate, time.Second, rec, nil)

	for range 3 {
		res := p.Probe(context.Background(), srv.URL)
		if res.OK || res.StatusCode != http.StatusServiceUnavailable || !res.Notified {
			t.Fatalf("result = %+v", res)
		}
	}
	if hits.Load() != 3 {
		t.Errorf("HTTP hits = %d, want 3", hits.Load())
	}
	kinds := monitorKinds(rec)
	if len(kinds) != 3 {
		t.Fatalf("notices = %v, want 3 failures", kinds)
	}
	for _, k := range kinds {
		if k != KindVisitFailure {
			t.Errorf("kind = %s, want %s", k, KindVisitFailure)
		}
	}
}

func TestProbe_SuccessThrottledPerHour(t *testing.T) {
	srv, _ := countingServer(t, http.StatusOK)
	rec := plugintest.NewRecorder()
	gate := NewHourGate(filepath.Join(t.TempDir(), "hour"), nil)
	now := shanghai(14, 10)
	gate.SetClock(func() time.Time { return now })
	p := NewURLProbe(&fakeResolver{}, srv.Client(), gate, time.Second, rec, nil)

	first := p.Probe(context.Background(), srv.URL)
	now = shanghai(14, 40)
	second := p.Probe(context.Background(), srv.URL)
	if !first.OK || !second.OK {
		t.Fatalf("probes = %+v / %+v", first, second)
	}
	if !first.Notified || second.Notified {
		t.Errorf("notified = %v/%v, want true/false", first.Notified, second.Notified)
	}
	if got := len(rec.Topic(event.TopicMonitor)); got != 1 {
		t.Errorf("notices within one hour = %d, want 1", got)
	}

	now = shanghai(15, 0)
	p.Probe(context.Background(), srv.URL)
	if got := len(rec.Topic(event.TopicMonitor)); got != 2 {
		t.Errorf("notices across hour boundary = %d, want 2", got)
	}
}

func TestProbe_SuccessNoticeCarriesStatus(t *testing.T) {
	srv, _ := countingServer(t, http.StatusOK)
	rec := plugintest.NewRecorder()
	p := NewURLProbe(&fakeResolver{}, srv.Client(), nil, time.Second, rec, nil)

	p.Probe(context.Background(), srv.URL)
	events := rec.Topic(event.TopicMonitor)
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	n, ok := event.NoticeOf(events[0])
	if !ok || n.Status != event.StatusSuccess || n.Kind != KindVisitOK {
		t.Errorf("notice = %+v", n)
	}
}

func TestProbe_InvalidURL(t *testing.T) {
	rec := plugintest.NewRecorder()
	r := &fakeResolver{}
	p := NewURLProbe(r, nil, nil, time.Second, rec, nil)

	res := p.Probe(context.Background(), "not a url")
	if res.OK || r.calls.Load() != 0 {
		t.Errorf("result = %+v, resolver calls = %d", res, r.calls.Load())
	}
}
