package heartbeat

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// hourKeyLayout identifies one calendar hour. A legacy file holding only the
// hour number never matches, so the first success after an upgrade is
// reported.
const hourKeyLayout = "2006010215"

// NotifyLocation is the zone hours are counted in.
var NotifyLocation = loadShanghai()

func loadShanghai() *time.Location {
	if loc, err := time.LoadLocation("Asia/Shanghai"); err == nil {
		return loc
	}
	return time.FixedZone("CST", 8*60*60)
}

// HourGate allows at most one success notice per calendar hour. The last
// notified hour is kept in a file so the limit holds across restarts.
type HourGate struct {
	path  string
	hours map[int]bool
	now   func() time.Time

	mu sync.Mutex
}

// NewHourGate creates a gate backed by path. A nil hours set makes every
// hour eligible; otherwise only the listed hours (0-23) are.
func NewHourGate(path string, hours map[int]bool) *HourGate {
	return &HourGate{path: path, hours: hours, now: time.Now}
}

// SetClock replaces time.Now.
func (g *HourGate) SetClock(now func() time.Time) {
	g.now = now
}

// Allow reports whether a success notice may be sent now, and records the
// hour when it may.
func (g *HourGate) Allow() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().In(NotifyLocation)
	if g.hours != nil && !g.hours[now.Hour()] {
		return false, nil
	}
	key := now.Format(hourKeyLayout)

	data, err := os.ReadFile(g.path)
	switch {
	case err == nil:
		if strings.TrimSpace(string(data)) == key {
			return false, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("read hour file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(g.path), 0o750); err != nil {
		return false, fmt.Errorf("create hour file dir: %w", err)
	}
	if err := os.WriteFile(g.path, []byte(key), 0o600); err != nil {
		return false, fmt.Errorf("write hour file: %w", err)
	}
	return true, nil
}
