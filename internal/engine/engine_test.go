//go:build unix

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/stagectl/internal/action"
	"github.com/codex-k8s/stagectl/internal/config"
	"github.com/codex-k8s/stagectl/internal/pipeline"
	"github.com/codex-k8s/stagectl/internal/placement"
	"github.com/codex-k8s/stagectl/internal/report"
)

type fixture struct {
	ws      string
	runsDir string
	engine  *Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ws := t.TempDir()
	runsDir := t.TempDir()
	cfg := &config.PipelineConfig{
		Name:      "demo",
		Workspace: ws,
		Nodes:     []config.NodeSpec{{Name: "down", Labels: []string{"gpu"}, Probe: "exit 1"}},
	}
	resolver := placement.NewResolver(cfg, nil)
	n := 0
	e := NewEngine(resolver, nil, nil, WithRunsDir(runsDir), WithRunID(func() string {
		n++
		return fmt.Sprintf("run-%d", n)
	}))
	return fixture{ws: ws, runsDir: runsDir, engine: e}
}

func shellAction(name, script string) pipeline.Action {
	return pipeline.Action{Kind: pipeline.KindRun, Name: name, Run: script, GracePeriod: 100 * time.Millisecond}
}

func stages(f fixture, count, failAt int) *pipeline.Pipeline {
	p := &pipeline.Pipeline{Name: "demo", Workspace: f.ws}
	for i := 0; i < count; i++ {
		script := fmt.Sprintf("echo stage-%d >> started.txt", i+1)
		if i+1 == failAt {
			script += "; exit 7"
		}
		p.Stages = append(p.Stages, &pipeline.Stage{
			Name:    fmt.Sprintf("s%d", i+1),
			Index:   i,
			Actions: []pipeline.Action{shellAction("step", script)},
			Status:  pipeline.StagePending,
		})
	}
	p.Cleanup = pipeline.Cleanup{
		Timeout: time.Minute,
		Actions: []pipeline.Action{
			{Kind: pipeline.KindRun, Name: "teardown", Run: "echo done >> cleanup.txt", If: pipeline.IfAlways},
		},
	}
	return p
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func stageStatuses(r *report.Report) []pipeline.StageStatus {
	out := make([]pipeline.StageStatus, len(r.Stages))
	for i, s := range r.Stages {
		out[i] = s.Status
	}
	return out
}

func TestRunStopsAtFailedStage(t *testing.T) {
	f := newFixture(t)
	p := stages(f, 5, 3)

	rep, err := f.engine.Run(context.Background(), p, config.TemplateContext{})
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusFailed, rep.Status)
	assert.Equal(t, pipeline.StatusFailed, p.Status)
	assert.Equal(t, []pipeline.StageStatus{
		pipeline.StageSuccess, pipeline.StageSuccess, pipeline.StageFailed,
		pipeline.StageSkipped, pipeline.StageSkipped,
	}, stageStatuses(rep))
	assert.Equal(t, []string{"stage-1", "stage-2", "stage-3"}, readLines(t, filepath.Join(f.ws, "started.txt")))
	assert.Equal(t, []string{"done"}, readLines(t, filepath.Join(f.ws, "cleanup.txt")))
	assert.True(t, rep.Cleanup.Ran)
	assert.Contains(t, rep.Error, `stage "s3" action "step" failed with exit code 7`)
	assert.Empty(t, rep.Stages[3].Actions)
	assert.Equal(t, pipeline.StageSkipped, p.Stages[4].Status)
}

func TestCleanupRunsExactlyOnceForEveryFailurePosition(t *testing.T) {
	for failAt := 0; failAt <= 5; failAt++ {
		t.Run(fmt.Sprintf("fail-at-%d", failAt), func(t *testing.T) {
			f := newFixture(t)
			rep, err := f.engine.Run(context.Background(), stages(f, 5, failAt), config.TemplateContext{})
			require.NoError(t, err)

			assert.Equal(t, []string{"done"}, readLines(t, filepath.Join(f.ws, "cleanup.txt")))
			if failAt == 0 {
				assert.Equal(t, pipeline.StatusSuccess, rep.Status)
				return
			}
			assert.Equal(t, pipeline.StatusFailed, rep.Status)
			assert.Equal(t, 5-failAt, rep.Totals.Stages[pipeline.StageSkipped])
		})
	}
}

func TestRunSucceedsWithArtifactsAndTests(t *testing.T) {
	f := newFixture(t)
	p := &pipeline.Pipeline{Name: "demo", Workspace: f.ws, Stages: []*pipeline.Stage{
		{Name: "build", Index: 0, Actions: []pipeline.Action{
			shellAction("compile", "mkdir -p out && echo binary > out/app"),
			{Kind: pipeline.KindArchive, Name: "archive", With: map[string]any{"patterns": "out/**"}},
		}},
		{Name: "test", Index: 1, Actions: []pipeline.Action{
			shellAction("unit", `mkdir -p reports && printf '<testsuite name="u"><testcase name="a"/><testcase name="b"/></testsuite>' > reports/unit.xml`),
			{Kind: pipeline.KindJUnit, Name: "junit", With: map[string]any{"patterns": "reports/*.xml"}},
		}},
	}}

	rep, err := f.engine.Run(context.Background(), p, config.TemplateContext{})
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusSuccess, rep.Status)
	assert.Equal(t, 2, rep.Totals.Stages[pipeline.StageSuccess])
	assert.Equal(t, 2, rep.Totals.Tests.Total)
	assert.Equal(t, 0, rep.Totals.Tests.Failed)
	require.Len(t, rep.Manifest, 1)
	assert.Equal(t, "out/app", rep.Manifest[0].Path)
	assert.True(t, rep.Cleanup.Ran)

	runDir := filepath.Join(f.runsDir, "run-1")
	stored, err := report.Load(filepath.Join(runDir, ReportFile))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSuccess, stored.Status)
	assert.FileExists(t, filepath.Join(runDir, ResultsFile))
	assert.FileExists(t, rep.Stages[0].Actions[0].LogPath)
}

func TestRunCancellationAbortsAndStillCleansUp(t *testing.T) {
	f := newFixture(t)
	p := stages(f, 3, 0)
	p.Stages[1].Actions = []pipeline.Action{shellAction("wait", "echo stage-2 >> started.txt; sleep 30")}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	rep, err := f.engine.Run(ctx, p, config.TemplateContext{})
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusAborted, rep.Status)
	assert.Equal(t, []pipeline.StageStatus{
		pipeline.StageSuccess, pipeline.StageAborted, pipeline.StageSkipped,
	}, stageStatuses(rep))
	assert.Equal(t, []string{"done"}, readLines(t, filepath.Join(f.ws, "cleanup.txt")))
	require.Len(t, rep.Stages[1].Actions, 1)
	assert.Equal(t, report.ActionAborted, rep.Stages[1].Actions[0].Status)
}

func TestRunPlacementFailureFailsStageBeforeActions(t *testing.T) {
	f := newFixture(t)
	p := stages(f, 3, 0)
	p.Stages[1].Placement = pipeline.Placement{Node: "gpu"}

	rep, err := f.engine.Run(context.Background(), p, config.TemplateContext{})
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusFailed, rep.Status)
	assert.Equal(t, pipeline.StageFailed, rep.Stages[1].Status)
	assert.Empty(t, rep.Stages[1].Actions)
	assert.Contains(t, rep.Stages[1].Error, "placement unavailable")
	assert.Equal(t, []string{"stage-1"}, readLines(t, filepath.Join(f.ws, "started.txt")))
	assert.Equal(t, []string{"done"}, readLines(t, filepath.Join(f.ws, "cleanup.txt")))
}

func TestRunJUnitThreshold(t *testing.T) {
	const reportXML = `<testsuite name="u"><testcase name="a"/><testcase name="b"><failure message="bad"/></testcase></testsuite>`

	for _, tc := range []struct {
		mode       string
		wantStatus pipeline.Status
		wantStage  pipeline.StageStatus
	}{
		{mode: "unstable", wantStatus: pipeline.StatusUnstable, wantStage: pipeline.StageUnstable},
		{mode: "failure", wantStatus: pipeline.StatusFailed, wantStage: pipeline.StageFailed},
	} {
		t.Run(tc.mode, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, os.WriteFile(filepath.Join(f.ws, "unit.xml"), []byte(reportXML), 0o644))
			p := stages(f, 2, 0)
			p.Stages[0].Actions = append(p.Stages[0].Actions, pipeline.Action{
				Kind: pipeline.KindJUnit, Name: "junit",
				With: map[string]any{"patterns": "unit.xml", "onThreshold": tc.mode},
			})

			rep, err := f.engine.Run(context.Background(), p, config.TemplateContext{})
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, rep.Status)
			assert.Equal(t, tc.wantStage, rep.Stages[0].Status)
			assert.Equal(t, 1, rep.Totals.Tests.Failed)
		})
	}
}

func TestCleanupIfFilterAndFailuresAreRecorded(t *testing.T) {
	f := newFixture(t)
	p := stages(f, 2, 2)
	p.Cleanup.Actions = []pipeline.Action{
		{Kind: pipeline.KindRun, Name: "on-success", Run: "echo success >> cleanup.txt", If: pipeline.IfSuccess},
		{Kind: pipeline.KindRun, Name: "broken", Run: "exit 4", If: pipeline.IfAlways},
		{Kind: pipeline.KindRun, Name: "on-failure", Run: "echo failure >> cleanup.txt", If: pipeline.IfFailure},
	}

	rep, err := f.engine.Run(context.Background(), p, config.TemplateContext{})
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusFailed, rep.Status)
	assert.Equal(t, []string{"failure"}, readLines(t, filepath.Join(f.ws, "cleanup.txt")))
	require.Len(t, rep.Cleanup.Actions, 3)
	assert.Equal(t, report.ActionSkipped, rep.Cleanup.Actions[0].Status)
	assert.Equal(t, report.ActionFailed, rep.Cleanup.Actions[1].Status)
	assert.Equal(t, report.ActionSuccess, rep.Cleanup.Actions[2].Status)
	require.Len(t, rep.Cleanup.Failures, 1)
	assert.Contains(t, rep.Cleanup.Failures[0], "broken")
}

func TestRunWhenSeesPipelineStatus(t *testing.T) {
	f := newFixture(t)
	p := stages(f, 1, 0)
	p.Stages[0].Actions = append(p.Stages[0].Actions,
		pipeline.Action{Kind: pipeline.KindRun, Name: "only-on-failure", Run: "exit 1", When: `{{ eq .Status "Failed" }}`},
		pipeline.Action{Kind: pipeline.KindRun, Name: "run-id", Run: `echo "$STAGECTL_RUN_ID" > id.txt`},
	)

	rep, err := f.engine.Run(context.Background(), p, config.TemplateContext{})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSuccess, rep.Status)
	assert.Equal(t, report.ActionSkipped, rep.Stages[0].Actions[1].Status)
	assert.Equal(t, []string{"run-1"}, readLines(t, filepath.Join(f.ws, "id.txt")))
}

func TestObserverReceivesLiveCollector(t *testing.T) {
	f := newFixture(t)
	var seen string
	f.engine.onStart = func(runID string, c *report.Collector) {
		seen = runID
		assert.Equal(t, pipeline.StatusPending, c.Snapshot().Status)
	}
	_, err := f.engine.Run(context.Background(), stages(f, 1, 0), config.TemplateContext{})
	require.NoError(t, err)
	assert.Equal(t, "run-1", seen)
}

// explodingExecutor panics on the named action and delegates the rest.
type explodingExecutor struct {
	next   ActionExecutor
	target string
}

func (x explodingExecutor) Execute(ctx context.Context, rc action.RunContext, index int, a pipeline.Action) (report.ActionResult, error) {
	if a.Name == x.target {
		panic("executor blew up")
	}
	return x.next.Execute(ctx, rc, index, a)
}

func TestRunPanickingActionFailsStage(t *testing.T) {
	f := newFixture(t)
	resolver := placement.NewResolver(&config.PipelineConfig{Name: "demo", Workspace: f.ws}, nil)
	executor := explodingExecutor{next: action.NewExecutor(nil, nil), target: "step"}
	e := NewEngine(resolver, executor, nil, WithRunsDir(f.runsDir), WithRunID(func() string { return "panic" }))

	p := stages(f, 3, 0)
	p.Stages[1].Actions[0].Name = "step"
	p.Stages[0].Actions[0].Name = "first"
	p.Stages[2].Actions[0].Name = "last"

	rep, err := e.Run(context.Background(), p, config.TemplateContext{})
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusFailed, rep.Status)
	assert.Equal(t, []pipeline.StageStatus{
		pipeline.StageSuccess, pipeline.StageFailed, pipeline.StageSkipped,
	}, stageStatuses(rep))
	require.Len(t, rep.Stages[1].Actions, 1)
	assert.Equal(t, report.ActionFailed, rep.Stages[1].Actions[0].Status)
	assert.Contains(t, rep.Stages[1].Actions[0].Error, "panic: executor blew up")
	assert.Equal(t, []string{"stage-1"}, readLines(t, filepath.Join(f.ws, "started.txt")))
	assert.Equal(t, []string{"done"}, readLines(t, filepath.Join(f.ws, "cleanup.txt")))
	assert.True(t, rep.Cleanup.Ran)
}

func TestRunWarningsReadEarlierStageLogs(t *testing.T) {
	f := newFixture(t)
	p := &pipeline.Pipeline{Name: "demo", Workspace: f.ws, Stages: []*pipeline.Stage{
		{Name: "build", Index: 0, Actions: []pipeline.Action{
			shellAction("compile", `echo "src/a.c:10:5: warning: unused variable 'x' [-Wunused-variable]"`),
		}},
		{Name: "analysis", Index: 1, Actions: []pipeline.Action{
			{Kind: pipeline.KindWarnings, Name: "warnings", With: map[string]any{"fromStage": "build"}},
		}},
	}}

	rep, err := f.engine.Run(context.Background(), p, config.TemplateContext{})
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusSuccess, rep.Status)
	res := rep.Stage("analysis").Actions[0]
	require.NotNil(t, res.Warnings)
	assert.Equal(t, 1, res.Warnings.Total)
	assert.Equal(t, 1, rep.Totals.Warnings)
}
