package confstore

import (
	"errors"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// File names inside the config directory.
const (
	SysFile       = "sys.conf"
	HostFile      = "host.conf"
	HeartbeatFile = "heartbeat.conf"
	MonitorFile   = "monitor.conf"
)

// Store holds one consistent snapshot of the config directory. Reload
// replaces the snapshot wholesale; readers never see a partial update.
type Store struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	sys   SysConfig
	hosts []HostEntry
	peers []HostEntry
	procs []ProcessSpec
}

// Load reads every file in dir. Missing or unreadable files are reported
// in the returned error but do not prevent the others from loading; the
// Store is always usable.
func Load(dir string, logger *zap.Logger) (*Store, error) {
	s := &Store{dir: dir, logger: logger}
	return s, s.Reload()
}

// Reload re-reads the directory and swaps in the new snapshot.
func (s *Store) Reload() error {
	var errs []error

	sys, err := LoadSys(filepath.Join(s.dir, SysFile), s.logger)
	if err != nil {
		errs = append(errs, err)
	}
	hosts, err := LoadHosts(filepath.Join(s.dir, HostFile), s.logger)
	if err != nil {
		errs = append(errs, err)
	}
	peers, err := LoadHosts(filepath.Join(s.dir, HeartbeatFile), s.logger)
	if err != nil {
		errs = append(errs, err)
	}
	procs, err := LoadProcesses(filepath.Join(s.dir, MonitorFile), s.logger)
	if err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.sys, s.hosts, s.peers, s.procs = sys, hosts, peers, procs
	s.mu.Unlock()

	s.logger.Info("configuration loaded",
		zap.String("dir", s.dir),
		zap.Int("hosts", len(hosts)),
		zap.Int("heartbeat_peers", len(peers)),
		zap.Int("processes", len(procs)),
	)
	return errors.Join(errs...)
}

// Dir returns the config directory.
func (s *Store) Dir() string { return s.dir }

// Sys returns the system settings.
func (s *Store) Sys() SysConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sys
}

// Hosts returns the installer host list (host.conf).
func (s *Store) Hosts() []HostEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]HostEntry(nil), s.hosts...)
}

// Peers returns the heartbeat peer list (heartbeat.conf).
func (s *Store) Peers() []HostEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]HostEntry(nil), s.peers...)
}

// Processes returns the monitor.conf process specs.
func (s *Store) Processes() []ProcessSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ProcessSpec(nil), s.procs...)
}
