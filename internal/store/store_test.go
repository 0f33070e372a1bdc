package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vfhky/serv00-ct8-nezha/internal/fault"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
)

func tempDB(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_CreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNew_InvalidPath(t *testing.T) {
	if _, err := New("/nonexistent/path/to/db"); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestTx_Rollback(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	if _, err := s.DB().ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
			return err
		}
		return sql.ErrNoRows
	})
	if err != sql.ErrNoRows {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("count after rollback = %d, want 0", count)
	}
}

func TestMigrate(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	calls := 0
	migrations := []plugin.Migration{
		{Version: 1, Description: "create", Up: func(tx *sql.Tx) error {
			calls++
			_, err := tx.Exec("CREATE TABLE runs (id INTEGER PRIMARY KEY)")
			return err
		}},
		{Version: 2, Description: "add column", Up: func(tx *sql.Tx) error {
			calls++
			_, err := tx.Exec("ALTER TABLE runs ADD COLUMN host TEXT")
			return err
		}},
	}
	for range 2 {
		if err := s.Migrate(ctx, "heartbeat", migrations); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("migration steps ran %d times, want 2", calls)
	}
	if _, err := s.DB().ExecContext(ctx, "INSERT INTO runs (id, host) VALUES (1, 's1.serv00.com')"); err != nil {
		t.Errorf("insert after migration: %v", err)
	}
}

func TestMigrate_FailureRollsBack(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	migrations := []plugin.Migration{
		{Version: 1, Description: "ok", Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE partial (id INTEGER)")
			return err
		}},
		{Version: 2, Description: "bad", Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("INVALID SQL")
			return err
		}},
	}
	if err := s.Migrate(ctx, "partial", migrations); err == nil {
		t.Fatal("expected error from bad migration")
	}

	var count int
	err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM _migrations WHERE owner = 'partial'").Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("recorded migrations = %d, want 1", count)
	}
}

func TestWALModeEnabled(t *testing.T) {
	s := tempDB(t)
	var mode string
	if err := s.DB().QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name    string
		seq     []string
		wantErr bool
	}{
		{"first run", []string{"0.4.0"}, false},
		{"same version", []string{"0.4.0", "0.4.0"}, false},
		{"upgrade", []string{"0.4.0", "0.5.0"}, false},
		{"downgrade rejected", []string{"0.5.0", "0.4.0"}, true},
		{"dev passes", []string{"0.5.0", "dev", "0.1.0"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tempDB(t)
			var err error
			for _, v := range tt.seq {
				if err = s.CheckVersion(context.Background(), v); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckVersion error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrNewerSchema) {
				t.Errorf("error = %v, want ErrNewerSchema", err)
			}
		})
	}
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "sqlite.db")

	live, err := New(src)
	if err != nil {
		t.Fatal(err)
	}
	defer live.Close()
	if _, err := live.DB().ExecContext(ctx, "CREATE TABLE servers (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatal(err)
	}
	if _, err := live.DB().ExecContext(ctx, "INSERT INTO servers (name) VALUES ('s1'), ('s2')"); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "out", SnapshotName(src))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := Snapshot(ctx, src, dst); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	copyDB, err := New(dst)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer copyDB.Close()
	var n int
	if err := copyDB.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM servers").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("snapshot rows = %d, want 2", n)
	}
}

func TestSnapshot_MissingSource(t *testing.T) {
	dir := t.TempDir()
	err := Snapshot(context.Background(), filepath.Join(dir, "absent.db"), filepath.Join(dir, "copy.db"))
	if !fault.Is(err, fault.KindConfig) {
		t.Fatalf("err = %v, want config fault", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "absent.db")); !os.IsNotExist(statErr) {
		t.Error("snapshot created the missing source")
	}
}

func TestSnapshotName(t *testing.T) {
	if got := SnapshotName("/home/u/data/sqlite.db"); got != "sqlite.snapshot.db" {
		t.Errorf("SnapshotName = %q", got)
	}
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	s := tempDB(t)
	h, err := NewHistory(ctx, s)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	if _, err := NewHistory(ctx, s); err != nil {
		t.Fatalf("second NewHistory: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{ID: "a", Topic: "warning", Source: "monitor", Message: "agent down", At: base},
		{ID: "b", Topic: "success", Source: "heartbeat", Message: "restarted", At: base.Add(time.Minute)},
		{ID: "c", Topic: "backup", Source: "backup", Status: "success", At: base.Add(2 * time.Minute)},
	}
	for _, r := range recs {
		if err := h.Add(ctx, r); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := h.Add(ctx, recs[0]); err != nil {
		t.Fatalf("duplicate Add: %v", err)
	}

	got, err := h.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("Recent = %+v", got)
	}
	if !got[0].At.Equal(recs[2].At) || got[0].Status != "success" {
		t.Errorf("record = %+v", got[0])
	}

	n, err := h.Prune(ctx, base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
}
