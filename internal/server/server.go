// Package server exposes a read-only HTTP API over the runs directory.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/codex-k8s/stagectl/internal/artifact"
	"github.com/codex-k8s/stagectl/internal/engine"
	"github.com/codex-k8s/stagectl/internal/logging"
	"github.com/codex-k8s/stagectl/internal/pipeline"
	"github.com/codex-k8s/stagectl/internal/report"
)

// Server serves stored and in-flight run reports.
type Server struct {
	runsDir string
	logger  *slog.Logger

	mu   sync.RWMutex
	live map[string]*report.Collector
}

// New constructs a Server reading runs below runsDir.
func New(runsDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{runsDir: runsDir, logger: logger, live: make(map[string]*report.Collector)}
}

// Track registers the collector of a run in progress so its report is served
// from memory. It matches the engine observer signature.
func (s *Server) Track(runID string, c *report.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[runID] = c
}

// liveRuns returns snapshots of the tracked runs still in progress. Finished
// runs are forgotten; their final report is read from disk.
func (s *Server) liveRuns() map[string]report.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]report.Report, len(s.live))
	for id, c := range s.live {
		snap := c.Snapshot()
		if snap.Status.Terminal() {
			delete(s.live, id)
			continue
		}
		out[id] = snap
	}
	return out
}

// RunSummary is one entry of the run listing.
type RunSummary struct {
	RunID      string          `json:"runId"`
	Pipeline   string          `json:"pipeline"`
	Status     pipeline.Status `json:"status"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt,omitempty"`
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Get("/artifacts", s.handleListArtifacts)
			r.Get("/artifacts/{stage}/*", s.handleGetArtifact)
			r.Get("/results", s.handleResults)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(s.runsDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	seen := make(map[string]struct{})
	var runs []RunSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rep, err := s.load(e.Name())
		if err != nil {
			s.logger.Debug("skip run directory", "run", e.Name(), "error", err)
			continue
		}
		seen[rep.RunID] = struct{}{}
		runs = append(runs, summarize(rep))
	}
	for id, snap := range s.liveRuns() {
		if _, ok := seen[id]; ok {
			continue
		}
		runs = append(runs, summarize(&snap))
	}

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].RunID < runs[j].RunID
	})
	if runs == nil {
		runs = []RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.lookup(w, r)
	if !ok {
		return
	}
	format := report.FormatJSON
	if q := r.URL.Query().Get("format"); q != "" {
		f, err := report.ParseFormat(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		format = f
	}
	switch format {
	case report.FormatYAML:
		w.Header().Set("Content-Type", "application/yaml")
	case report.FormatCBOR:
		w.Header().Set("Content-Type", "application/cbor")
	case report.FormatTable:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	if err := report.Encode(w, rep, format); err != nil {
		s.logger.Warn("encode report failed", "run", rep.RunID, "error", err)
	}
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.lookup(w, r)
	if !ok {
		return
	}
	manifest := rep.Manifest
	if manifest == nil {
		manifest = []artifact.Entry{}
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.lookup(w, r)
	if !ok {
		return
	}
	stage := chi.URLParam(r, "stage")
	rel := chi.URLParam(r, "*")

	var entry *artifact.Entry
	for i := range rep.Manifest {
		if rep.Manifest[i].Stage == stage && rep.Manifest[i].Path == rel {
			entry = &rep.Manifest[i]
			break
		}
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, errors.New("artifact not found"))
		return
	}

	store := artifact.NewStore(filepath.Join(s.runsDir, rep.RunID, engine.ArtifactsDir), entry.Compression)
	rc, err := store.Open(*entry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(rel)+`"`)
	w.Header().Set("X-Artifact-Digest", entry.Digest)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("stream artifact failed", "run", rep.RunID, "artifact", rel, "error", err)
	}
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	f, err := os.Open(filepath.Join(s.runsDir, runID, engine.ResultsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, errors.New("run not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("stream results failed", "run", runID, "error", err)
	}
}

// lookup returns the live or stored report named by the runID parameter.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*report.Report, bool) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return nil, false
	}
	if snap, ok := s.liveRuns()[runID]; ok {
		return &snap, true
	}

	rep, err := s.load(runID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, errors.New("run not found"))
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return rep, true
}

func (s *Server) load(runID string) (*report.Report, error) {
	return report.Load(filepath.Join(s.runsDir, runID, engine.ReportFile))
}

func runIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "runID")
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		writeError(w, http.StatusBadRequest, errors.New("invalid run id"))
		return "", false
	}
	return id, true
}

func summarize(rep *report.Report) RunSummary {
	return RunSummary{
		RunID:      rep.RunID,
		Pipeline:   rep.Pipeline,
		Status:     rep.Status,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ListenAndServe serves Routes on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr, "runs", s.runsDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}
