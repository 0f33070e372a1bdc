package confstore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vfhky/serv00-ct8-nezha/internal/fault"
	"go.uber.org/zap"
)

// Launch modes for monitor.conf entries.
const (
	ModeForeground = "foreground"
	ModeBackground = "background"
)

// ProcessSpec is one monitor.conf line: a process kept alive by the
// heartbeat supervisor.
type ProcessSpec struct {
	Dir          string `json:"dir" yaml:"dir"`
	Name         string `json:"name" yaml:"name"`
	StartCommand string `json:"start_command" yaml:"start_command"`
	Mode         string `json:"mode" yaml:"mode"`
}

// RestartCommand is the shell line that starts the process from its
// directory. Background processes are detached with nohup.
func (p ProcessSpec) RestartCommand() string {
	if p.Mode == ModeBackground {
		return fmt.Sprintf("cd %s && nohup %s >/dev/null 2>&1 &", shellQuote(p.Dir), p.StartCommand)
	}
	return fmt.Sprintf("cd %s && %s", shellQuote(p.Dir), p.StartCommand)
}

// ParseProcesses reads path|process_name|start_command|mode lines.
// The mode defaults to foreground when omitted.
func ParseProcesses(r io.Reader, source string, logger *zap.Logger) ([]ProcessSpec, error) {
	var specs []ProcessSpec
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 3 && len(parts) != 4 {
			logger.Warn("skipping invalid process line",
				zap.String("file", source),
				zap.Int("line", lineNo),
				zap.Int("fields", len(parts)),
			)
			continue
		}
		spec := ProcessSpec{
			Dir:          strings.TrimSpace(parts[0]),
			Name:         strings.TrimSpace(parts[1]),
			StartCommand: strings.TrimSpace(parts[2]),
			Mode:         ModeForeground,
		}
		if len(parts) == 4 {
			spec.Mode = strings.ToLower(strings.TrimSpace(parts[3]))
		}
		if spec.Name == "" || spec.StartCommand == "" {
			logger.Warn("skipping process line without name or command",
				zap.String("file", source),
				zap.Int("line", lineNo),
			)
			continue
		}
		if spec.Mode != ModeForeground && spec.Mode != ModeBackground {
			logger.Warn("skipping process line with unknown mode",
				zap.String("file", source),
				zap.Int("line", lineNo),
				zap.String("mode", spec.Mode),
			)
			continue
		}
		specs = append(specs, spec)
	}
	if err := scanner.Err(); err != nil {
		return specs, fault.Config("read "+source, err)
	}
	return specs, nil
}

// LoadProcesses parses a monitor.conf file.
func LoadProcesses(path string, logger *zap.Logger) ([]ProcessSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Config("open "+path, err)
	}
	defer f.Close()
	return ParseProcesses(f, path, logger)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
