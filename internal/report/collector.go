package report

import (
	"sync"
	"time"

	"github.com/codex-k8s/stagectl/internal/pipeline"
)

// Collector accumulates results while a pipeline runs. It is safe for
// concurrent use; readers may take snapshots at any time.
type Collector struct {
	mu     sync.Mutex
	report Report
	log    *ResultLog
	now    func() time.Time
}

// NewCollector prepares a report with one Pending entry per stage. log may be nil.
func NewCollector(runID string, p *pipeline.Pipeline, log *ResultLog) *Collector {
	c := &Collector{
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
	c.report = Report{
		RunID:     runID,
		Pipeline:  p.Name,
		Workspace: p.Workspace,
		Status:    pipeline.StatusPending,
	}
	for _, s := range p.Stages {
		c.report.Stages = append(c.report.Stages, StageResult{
			Name:      s.Name,
			Index:     s.Index,
			Placement: s.Placement,
			Status:    pipeline.StagePending,
		})
	}
	c.report.computeTotals()
	return c
}

// Start marks the run as Running.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.Status = pipeline.StatusRunning
	c.report.StartedAt = c.now()
	c.log.write(Entry{Type: "start", Time: c.report.StartedAt, RunID: c.report.RunID, Pipeline: c.report.Pipeline, Stages: len(c.report.Stages)})
}

// BeginStage marks a stage as Running.
func (c *Collector) BeginStage(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stage(index)
	if s == nil {
		return
	}
	s.Status = pipeline.StageRunning
	s.StartedAt = c.now()
	c.log.write(Entry{Type: "stage-start", Time: s.StartedAt, Stage: s.Name, Index: intPtr(index), Placement: &s.Placement})
}

// SetHandle records the execution handle a stage was resolved to.
func (c *Collector) SetHandle(index int, handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.stage(index); s != nil {
		s.Handle = handle
	}
}

// RecordAction appends an action result to a stage. Results are kept even
// when the stage later fails or is aborted.
func (c *Collector) RecordAction(index int, res ActionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stage(index)
	if s == nil {
		return
	}
	s.Actions = append(s.Actions, res)
	c.report.computeTotals()
	c.log.write(Entry{Type: "action", Stage: s.Name, Index: intPtr(index), Status: string(res.Status), Action: &res})
}

// EndStage sets the terminal status of a stage.
func (c *Collector) EndStage(index int, status pipeline.StageStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stage(index)
	if s == nil {
		return
	}
	s.Status = status
	s.FinishedAt = c.now()
	if err != nil {
		s.Error = err.Error()
	}
	c.report.computeTotals()
	c.log.write(Entry{Type: "stage", Time: s.FinishedAt, Stage: s.Name, Index: intPtr(index), Handle: s.Handle, Status: string(status), Error: s.Error})
}

// SkipStage marks a stage that never started as Skipped.
func (c *Collector) SkipStage(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stage(index)
	if s == nil {
		return
	}
	s.Status = pipeline.StageSkipped
	c.report.computeTotals()
	c.log.write(Entry{Type: "stage", Stage: s.Name, Index: intPtr(index), Status: string(pipeline.StageSkipped)})
}

// BeginCleanup marks the start of the cleanup pass.
func (c *Collector) BeginCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.Cleanup.Ran = true
	c.report.Cleanup.StartedAt = c.now()
	c.log.write(Entry{Type: "cleanup-start", Time: c.report.Cleanup.StartedAt})
}

// RecordCleanupAction appends a cleanup action result.
func (c *Collector) RecordCleanupAction(res ActionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.Cleanup.Actions = append(c.report.Cleanup.Actions, res)
	c.log.write(Entry{Type: "cleanup-action", Status: string(res.Status), Action: &res})
}

// RecordCleanupFailure notes a logged, non-fatal cleanup failure.
func (c *Collector) RecordCleanupFailure(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.Cleanup.Failures = append(c.report.Cleanup.Failures, err.Error())
	c.log.write(Entry{Type: "cleanup-failure", Error: err.Error()})
}

// EndCleanup marks the end of the cleanup pass.
func (c *Collector) EndCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.Cleanup.FinishedAt = c.now()
	c.log.write(Entry{Type: "cleanup", Time: c.report.Cleanup.FinishedAt, Status: "done"})
}

// Finish sets the final status and returns a snapshot of the report.
func (c *Collector) Finish(status pipeline.Status, err error) *Report {
	c.mu.Lock()
	c.report.Status = status
	c.report.FinishedAt = c.now()
	if err != nil {
		c.report.Error = err.Error()
	}
	c.report.computeTotals()
	c.log.write(Entry{Type: "complete", Time: c.report.FinishedAt, RunID: c.report.RunID, Status: string(status), Error: c.report.Error})
	c.mu.Unlock()

	snap := c.Snapshot()
	return &snap
}

// Snapshot returns a copy of the report as it stands now.
func (c *Collector) Snapshot() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.report
	r.Stages = make([]StageResult, len(c.report.Stages))
	for i, s := range c.report.Stages {
		s.Actions = append([]ActionResult(nil), s.Actions...)
		r.Stages[i] = s
	}
	r.Cleanup.Actions = append([]ActionResult(nil), c.report.Cleanup.Actions...)
	r.Cleanup.Failures = append([]string(nil), c.report.Cleanup.Failures...)
	r.Manifest = append(r.Manifest[:0:0], c.report.Manifest...)
	r.Totals.Stages = make(map[pipeline.StageStatus]int, len(c.report.Totals.Stages))
	for k, v := range c.report.Totals.Stages {
		r.Totals.Stages[k] = v
	}
	return r
}


func (c *Collector) stage(index int) *StageResult {
	if index < 0 || index >= len(c.report.Stages) {
		return nil
	}
	return &c.report.Stages[index]
}

func intPtr(i int) *int { return &i }
