package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
)

var runMigrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create backup runs",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE backup_runs (
					id          TEXT PRIMARY KEY,
					source      TEXT NOT NULL,
					object      TEXT NOT NULL DEFAULT '',
					succeeded   INTEGER NOT NULL,
					sinks       TEXT NOT NULL DEFAULT '[]',
					started_at  INTEGER NOT NULL,
					finished_at INTEGER NOT NULL
				)`)
			if err != nil {
				return err
			}
			_, err = tx.Exec("CREATE INDEX idx_backup_runs_started ON backup_runs (started_at)")
			return err
		},
	},
}

// runLog keeps backup reports in the shared state database.
type runLog struct {
	st plugin.Store
}

func newRunLog(ctx context.Context, st plugin.Store) (*runLog, error) {
	if err := st.Migrate(ctx, "backup", runMigrations); err != nil {
		return nil, err
	}
	return &runLog{st: st}, nil
}

func (l *runLog) add(ctx context.Context, rep Report) error {
	sinks, err := json.Marshal(rep.Sinks)
	if err != nil {
		return fmt.Errorf("encode sinks: %w", err)
	}
	succeeded := 0
	if rep.Succeeded() {
		succeeded = 1
	}
	_, err = l.st.DB().ExecContext(ctx, `
		INSERT OR REPLACE INTO backup_runs (id, source, object, succeeded, sinks, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rep.ID, rep.Source, rep.Object, succeeded, string(sinks),
		rep.StartedAt.UnixMilli(), rep.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record backup run %s: %w", rep.ID, err)
	}
	return nil
}

func (l *runLog) recent(ctx context.Context, limit int) ([]Report, error) {
	rows, err := l.st.DB().QueryContext(ctx, `
		SELECT id, source, object, sinks, started_at, finished_at
		FROM backup_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query backup runs: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var (
			r              Report
			sinks          string
			started, ended int64
		)
		if err := rows.Scan(&r.ID, &r.Source, &r.Object, &sinks, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan backup run: %w", err)
		}
		if err := json.Unmarshal([]byte(sinks), &r.Sinks); err != nil {
			return nil, fmt.Errorf("decode sinks of %s: %w", r.ID, err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(ended).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
