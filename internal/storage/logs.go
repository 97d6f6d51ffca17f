// Package storage manages per-action log files inside a run directory.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogStorage manages saving logs to files
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// Path returns the log path for the given stage/action position.
func (ls *LogStorage) Path(stageIndex int, stage string, actionIndex int, action string) string {
	return filepath.Join(ls.BaseDir,
		fmt.Sprintf("%02d-%s", stageIndex+1, sanitize(stage, "stage")),
		fmt.Sprintf("%02d-%s.log", actionIndex+1, sanitize(action, "action")),
	)
}

// Create opens a fresh log file for a stage/action and returns it with its path.
func (ls *LogStorage) Create(stageIndex int, stage string, actionIndex int, action string) (*os.File, string, error) {
	path := ls.Path(stageIndex, stage, actionIndex, action)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("create log %q: %w", path, err)
	}
	return f, path, nil
}

// StageLogs returns the log files written for a stage, in action order.
func (ls *LogStorage) StageLogs(stageIndex int, stage string) ([]string, error) {
	dir := filepath.Join(ls.BaseDir, fmt.Sprintf("%02d-%s", stageIndex+1, sanitize(stage, "stage")))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list logs for stage %q: %w", stage, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

// sanitize replaces characters that are unsafe in file names.
func sanitize(name, fallback string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.' || r == '/':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}
