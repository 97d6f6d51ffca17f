package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/codex-k8s/stagectl/internal/pipeline"
)

// ResultLog streams run progress as JSONL, one object per line, synced after
// every write so completed records survive a crash. A nil *ResultLog is a
// valid no-op log.
type ResultLog struct {
	logger  *slog.Logger
	file    *os.File
	encoder *json.Encoder
}

// NewResultLog creates (truncating) the JSONL file at path.
func NewResultLog(path string, logger *slog.Logger) (*ResultLog, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create result log %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultLog{logger: logger, file: file, encoder: json.NewEncoder(file)}, nil
}

// Close closes the underlying file.
func (r *ResultLog) Close() error {
	if r == nil {
		return nil
	}
	return r.file.Close()
}

// Entry is one line of the result log.
type Entry struct {
	Type      string              `json:"type"`
	Time      time.Time           `json:"time"`
	RunID     string              `json:"runId,omitempty"`
	Pipeline  string              `json:"pipeline,omitempty"`
	Stages    int                 `json:"stages,omitempty"`
	Stage     string              `json:"stage,omitempty"`
	Index     *int                `json:"index,omitempty"`
	Handle    string              `json:"handle,omitempty"`
	Status    string              `json:"status,omitempty"`
	Error     string              `json:"error,omitempty"`
	Action    *ActionResult       `json:"action,omitempty"`
	Placement *pipeline.Placement `json:"placement,omitempty"`
}

func (r *ResultLog) write(e Entry) {
	if r == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if err := r.encoder.Encode(e); err != nil {
		r.logger.Warn("failed to write result log entry", "error", err)
		return
	}
	if err := r.file.Sync(); err != nil {
		r.logger.Warn("failed to sync result log", "error", err)
	}
}
