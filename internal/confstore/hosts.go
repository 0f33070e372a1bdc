// Package confstore parses the human-edited text files that describe the
// fleet, the supervised processes and the system settings.
package confstore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/vfhky/serv00-ct8-nezha/internal/fault"
	"go.uber.org/zap"
)

// HostEntry is one peer participating in mutual heartbeat.
type HostEntry struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	Port     uint16 `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	// Password is optional; key auth is used when it is empty.
	Password string `json:"-" yaml:"-"`
}

// Identity is the (hostname, username) pair that is unique within a
// loaded host list.
type Identity struct {
	Hostname string
	Username string
}

// Key returns the entry's identity.
func (h HostEntry) Key() Identity {
	return Identity{Hostname: h.Hostname, Username: h.Username}
}

// Is reports whether the entry is the given identity.
func (h HostEntry) Is(id Identity) bool {
	return h.Key() == id
}

// Addr returns host:port.
func (h HostEntry) Addr() string {
	return fmt.Sprintf("%s:%d", h.Hostname, h.Port)
}

func (h HostEntry) String() string {
	return fmt.Sprintf("%s@%s:%d", h.Username, h.Hostname, h.Port)
}

// ParseHosts reads pipe-delimited host lines:
//
//	hostname|port|username
//	hostname|port|username|password
//
// Blank lines and lines starting with '#' are ignored. A malformed line or
// a repeated (hostname, username) pair logs one warning and is skipped.
// Only an I/O failure is returned as an error.
func ParseHosts(r io.Reader, source string, logger *zap.Logger) ([]HostEntry, error) {
	var (
		entries []HostEntry
		seen    = make(map[Identity]int)
		scanner = bufio.NewScanner(r)
		lineNo  = 0
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, err := parseHostLine(line)
		if err != nil {
			logger.Warn("skipping invalid host line",
				zap.String("file", source),
				zap.Int("line", lineNo),
				zap.Error(err),
			)
			continue
		}
		if first, dup := seen[entry.Key()]; dup {
			logger.Warn("skipping duplicate host",
				zap.String("file", source),
				zap.Int("line", lineNo),
				zap.Int("first_line", first),
				zap.String("host", entry.String()),
			)
			continue
		}
		seen[entry.Key()] = lineNo
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fault.Config("read "+source, err)
	}
	return entries, nil
}

func parseHostLine(line string) (HostEntry, error) {
	// The password is last and may itself contain '|'.
	parts := strings.SplitN(line, "|", 4)
	if len(parts) < 3 {
		return HostEntry{}, fmt.Errorf("want 3 or 4 fields separated by '|', got %d", len(parts))
	}
	for i := range parts[:3] {
		parts[i] = strings.TrimSpace(parts[i])
	}

	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || port == 0 {
		return HostEntry{}, fmt.Errorf("invalid port %q", parts[1])
	}
	if parts[0] == "" || parts[2] == "" {
		return HostEntry{}, fmt.Errorf("hostname and username are required")
	}

	entry := HostEntry{
		Hostname: parts[0],
		Port:     uint16(port),
		Username: parts[2],
	}
	if len(parts) == 4 {
		entry.Password = parts[3]
	}
	return entry, nil
}

// LoadHosts parses a host file. A missing file yields no entries and a
// config fault for the caller to log.
func LoadHosts(path string, logger *zap.Logger) ([]HostEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Config("open "+path, err)
	}
	defer f.Close()
	return ParseHosts(f, path, logger)
}

// WriteHosts writes entries in the three-field heartbeat format, dropping
// passwords.
func WriteHosts(w io.Writer, entries []HostEntry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%s|%d|%s\n", e.Hostname, e.Port, e.Username); err != nil {
			return err
		}
	}
	return bw.Flush()
}
