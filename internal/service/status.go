package service

import (
	"context"
	"time"

	"github.com/vfhky/serv00-ct8-nezha/internal/remote"
	"github.com/vfhky/serv00-ct8-nezha/internal/store"
	"github.com/vfhky/serv00-ct8-nezha/internal/version"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
)

// SubsystemStatus is one subsystem in a status query.
type SubsystemStatus struct {
	Name     string `json:"name" yaml:"name"`
	Version  string `json:"version" yaml:"version"`
	Running  bool   `json:"running" yaml:"running"`
	Restarts int    `json:"watchdog_restarts" yaml:"watchdog_restarts"`
	Detail   any    `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// PeerStatus is one fleet peer.
type PeerStatus struct {
	Host   string `json:"host" yaml:"host"`
	Status int    `json:"status" yaml:"status"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// FleetStatus summarizes the connected peers.
type FleetStatus struct {
	Reachable   int          `json:"reachable" yaml:"reachable"`
	Unreachable int          `json:"unreachable" yaml:"unreachable"`
	Peers       []PeerStatus `json:"peers" yaml:"peers"`
}

// ServiceStatus is composed from live subsystem state on every call and
// never cached.
type ServiceStatus struct {
	Version    string            `json:"version" yaml:"version"`
	Running    bool              `json:"running" yaml:"running"`
	StartedAt  *time.Time        `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	Subsystems []SubsystemStatus `json:"subsystems" yaml:"subsystems"`
	Disabled   map[string]string `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Fleet      FleetStatus       `json:"fleet" yaml:"fleet"`
	Recent     []store.Record    `json:"recent_events,omitempty" yaml:"recent_events,omitempty"`
}

// Status composes the current ServiceStatus.
func (m *Manager) Status(ctx context.Context) ServiceStatus {
	m.mu.Lock()
	running := m.running
	started := m.startedAt
	m.mu.Unlock()

	m.restartMu.Lock()
	restarts := make(map[string]int, len(m.restarts))
	for k, v := range m.restarts {
		restarts[k] = v
	}
	m.restartMu.Unlock()

	st := ServiceStatus{
		Version:    version.Short(),
		Running:    running,
		Subsystems: []SubsystemStatus{},
	}
	if running {
		st.StartedAt = &started
	}
	if m.reg == nil {
		return st
	}

	for _, p := range m.reg.All() {
		info := p.Info()
		ss := SubsystemStatus{
			Name:     info.Name,
			Version:  info.Version,
			Running:  running,
			Restarts: restarts[info.Name],
		}
		if r, ok := p.(plugin.Runner); ok {
			ss.Running = r.Running()
		}
		if sr, ok := p.(plugin.StatusReporter); ok {
			ss.Detail = sr.Status()
		}
		st.Subsystems = append(st.Subsystems, ss)
	}
	if d := m.reg.Disabled(); len(d) > 0 {
		st.Disabled = d
	}
	st.Fleet = fleetStatus(m.fleet)

	if m.history != nil {
		recent, err := m.history.Recent(ctx, historyLimit)
		if err != nil {
			m.logger.Warn("reading event history", zap.Error(err))
		}
		st.Recent = recent
	}
	return st
}

func fleetStatus(f *remote.Fleet) FleetStatus {
	fs := FleetStatus{Peers: []PeerStatus{}}
	if f == nil {
		return fs
	}
	for _, p := range f.Peers() {
		ps := PeerStatus{Host: p.Entry.String(), Status: p.Status}
		if p.Err != nil {
			ps.Error = p.Err.Error()
		}
		if p.Reachable() {
			fs.Reachable++
		} else {
			fs.Unreachable++
		}
		fs.Peers = append(fs.Peers, ps)
	}
	return fs
}
