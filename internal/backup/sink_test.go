package backup

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestObjectName(t *testing.T) {
	at := time.Date(2026, 3, 7, 9, 5, 0, 0, time.UTC)
	if got := ObjectName("nezha", "sqlite.tar.gz", at); got != "nezha/202603/07_09_05_sqlite.tar.gz" {
		t.Errorf("ObjectName = %q", got)
	}
	if got := ObjectName("", "sqlite.tar.gz", at); got != "202603/07_09_05_sqlite.tar.gz" {
		t.Errorf("ObjectName without prefix = %q", got)
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLocalArchive_KeepsNewest(t *testing.T) {
	src := writeFile(t, t.TempDir(), "a.tar.gz", "archive")
	dir := t.TempDir()
	sink := &LocalArchive{Dir: dir, Keep: 2}

	base := time.Now().Add(-time.Hour)
	var locs []string
	for i, name := range []string{"202603/01_00_00_a.tar.gz", "202603/02_00_00_a.tar.gz", "202604/01_00_00_a.tar.gz"} {
		loc, err := sink.Backup(context.Background(), src, name)
		if err != nil {
			t.Fatalf("Backup(%s): %v", name, err)
		}
		// Spread mod times so retention order is deterministic.
		mt := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(loc, mt, mt); err != nil {
			t.Fatal(err)
		}
		locs = append(locs, loc)
	}
	if err := sink.prune(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(locs[0]); !os.IsNotExist(err) {
		t.Error("oldest archive was kept")
	}
	for _, p := range locs[1:] {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("newer archive %s removed: %v", p, err)
		}
	}
}

func TestLocalArchive_RejectsEscapingTarget(t *testing.T) {
	src := writeFile(t, t.TempDir(), "a.tar.gz", "archive")
	sink := &LocalArchive{Dir: t.TempDir()}
	if _, err := sink.Backup(context.Background(), src, "../outside.tar.gz"); err == nil {
		t.Fatal("expected error for target outside the directory")
	}
}

func TestHTTPUpload(t *testing.T) {
	var attempts atomic.Int64
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	src := writeFile(t, t.TempDir(), "a.tar.gz", "archive-bytes")
	sink := &HTTPUpload{
		URL:   srv.URL + "/bucket/{name}?X-Amz-Signature=secret",
		Token: "tok",
		Delay: time.Millisecond,
	}
	loc, err := sink.Backup(context.Background(), src, "nezha/202603/07_09_05_a b.tar.gz")
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
	if gotPath != "/bucket/nezha/202603/07_09_05_a b.tar.gz" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" || gotBody != "archive-bytes" {
		t.Errorf("auth = %q, body = %q", gotAuth, gotBody)
	}
	if strings.Contains(loc, "secret") {
		t.Errorf("location leaks the signature: %s", loc)
	}
}

func TestHTTPUpload_GivesUp(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	src := writeFile(t, t.TempDir(), "a.tar.gz", "x")
	sink := &HTTPUpload{URL: srv.URL, Attempts: 2, Delay: time.Millisecond}
	if _, err := sink.Backup(context.Background(), src, "a.tar.gz"); err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestHTTPUpload_Endpoint(t *testing.T) {
	h := &HTTPUpload{URL: "https://dav.example.com/backups/"}
	if got := h.Endpoint("nezha/a.tar.gz"); got != "https://dav.example.com/backups/nezha/a.tar.gz" {
		t.Errorf("Endpoint = %q", got)
	}
}
