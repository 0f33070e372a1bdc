package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
)

// Record is one supervision event kept in the local history.
type Record struct {
	ID      string    `json:"id" yaml:"id"`
	Topic   string    `json:"topic" yaml:"topic"`
	Source  string    `json:"source" yaml:"source"`
	Status  string    `json:"status,omitempty" yaml:"status,omitempty"`
	Kind    string    `json:"kind,omitempty" yaml:"kind,omitempty"`
	Message string    `json:"message" yaml:"message"`
	At      time.Time `json:"at" yaml:"at"`
}

var historyMigrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create event history",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE event_history (
					id      TEXT PRIMARY KEY,
					topic   TEXT NOT NULL,
					source  TEXT NOT NULL,
					status  TEXT NOT NULL DEFAULT '',
					kind    TEXT NOT NULL DEFAULT '',
					message TEXT NOT NULL DEFAULT '',
					at      INTEGER NOT NULL
				)`)
			return err
		},
	},
	{
		Version:     2,
		Description: "index event history by time",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE INDEX idx_event_history_at ON event_history (at)")
			return err
		},
	},
}

// History persists supervision events so `nezhactl status` can show what
// happened between runs.
type History struct {
	st plugin.Store
}

// NewHistory applies the history schema and returns the repository.
func NewHistory(ctx context.Context, st plugin.Store) (*History, error) {
	if err := st.Migrate(ctx, "history", historyMigrations); err != nil {
		return nil, err
	}
	return &History{st: st}, nil
}

// Add stores r. A duplicate ID is ignored.
func (h *History) Add(ctx context.Context, r Record) error {
	_, err := h.st.DB().ExecContext(ctx, `
		INSERT OR IGNORE INTO event_history (id, topic, source, status, kind, message, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Topic, r.Source, r.Status, r.Kind, r.Message, r.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add history %s: %w", r.ID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := h.st.DB().QueryContext(ctx, `
		SELECT id, topic, source, status, kind, message, at
		FROM event_history ORDER BY at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var at int64
		if err := rows.Scan(&r.ID, &r.Topic, &r.Source, &r.Status, &r.Kind, &r.Message, &at); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.At = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes records older than before and reports how many went.
func (h *History) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := h.st.DB().ExecContext(ctx, "DELETE FROM event_history WHERE at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}
