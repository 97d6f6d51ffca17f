//go:build unix

package action

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/stagectl/internal/artifact"
	"github.com/codex-k8s/stagectl/internal/config"
	"github.com/codex-k8s/stagectl/internal/pipeline"
	"github.com/codex-k8s/stagectl/internal/placement"
	"github.com/codex-k8s/stagectl/internal/report"
	"github.com/codex-k8s/stagectl/internal/storage"
)

func newRunContext(t *testing.T) RunContext {
	t.Helper()
	ws := t.TempDir()
	runDir := t.TempDir()
	return RunContext{
		RunID:      "run-1",
		Pipeline:   &pipeline.Pipeline{Name: "demo", Workspace: ws, Env: map[string]string{"GLOBAL": "g"}},
		StageIndex: 0,
		StageName:  "build",
		Handle:     &placement.Handle{ID: "local-1", Workspace: ws},
		Logs:       storage.NewLogStorage(filepath.Join(runDir, "logs")),
		Artifacts:  artifact.NewStore(filepath.Join(runDir, "artifacts"), artifact.CompressionZstd),
	}
}

func writeWorkspaceFile(t *testing.T, rc RunContext, rel, content string) {
	t.Helper()
	p := filepath.Join(rc.Pipeline.Workspace, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestExecuteRunWritesLogAndEnv(t *testing.T) {
	rc := newRunContext(t)
	e := NewExecutor(nil, nil)

	res, err := e.Execute(context.Background(), rc, 0, pipeline.Action{
		Kind: pipeline.KindRun,
		Name: "compile",
		Run:  `echo "$GLOBAL $LOCAL $STAGECTL_STAGE $STAGECTL_ACTION"; pwd`,
		Env:  map[string]string{"LOCAL": "l"},
	})
	require.NoError(t, err)
	assert.Equal(t, report.ActionSuccess, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "local-1", res.Handle)
	require.NotEmpty(t, res.LogPath)

	data, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "g l build compile")
	resolved, err := filepath.EvalSymlinks(rc.Pipeline.Workspace)
	require.NoError(t, err)
	assert.Contains(t, string(data), resolved)
}

func TestExecuteRunFailure(t *testing.T) {
	rc := newRunContext(t)
	e := NewExecutor(nil, nil)

	res, err := e.Execute(context.Background(), rc, 0, pipeline.Action{Kind: pipeline.KindRun, Name: "boom", Run: "exit 3"})
	require.Error(t, err)
	assert.True(t, pipeline.IsActionFailureError(err))
	assert.Equal(t, `stage "build" action "boom" failed with exit code 3`, err.Error())
	assert.Equal(t, report.ActionFailed, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Tolerated)
}

func TestExecuteContinueOnError(t *testing.T) {
	rc := newRunContext(t)
	e := NewExecutor(nil, nil)

	res, err := e.Execute(context.Background(), rc, 0, pipeline.Action{
		Kind: pipeline.KindRun, Name: "flaky", Run: "exit 1", ContinueOnError: true,
	})
	require.NoError(t, err)
	assert.Equal(t, report.ActionFailed, res.Status)
	assert.True(t, res.Tolerated)
	assert.NotEmpty(t, res.Error)
}

func TestExecuteWhenFalseSkips(t *testing.T) {
	rc := newRunContext(t)
	rc.Template = config.TemplateContext{Status: "Failed"}
	e := NewExecutor(nil, nil)

	res, err := e.Execute(context.Background(), rc, 0, pipeline.Action{
		Kind: pipeline.KindRun, Name: "notify", Run: "exit 1",
		When: `{{ eq .Status "Success" }}`,
	})
	require.NoError(t, err)
	assert.Equal(t, report.ActionSkipped, res.Status)
	assert.Empty(t, res.LogPath)
}

func TestExecuteTimeout(t *testing.T) {
	rc := newRunContext(t)
	e := NewExecutor(nil, nil)

	start := time.Now()
	res, err := e.Execute(context.Background(), rc, 0, pipeline.Action{
		Kind: pipeline.KindRun, Name: "slow", Run: "sleep 30",
		Timeout: 100 * time.Millisecond, GracePeriod: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, report.ActionFailed, res.Status)
	assert.Contains(t, err.Error(), "timed out after 100ms")
}

func TestExecuteCancelledAborts(t *testing.T) {
	rc := newRunContext(t)
	e := NewExecutor(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := e.Execute(ctx, rc, 0, pipeline.Action{
		Kind: pipeline.KindRun, Name: "slow", Run: "sleep 30", GracePeriod: 100 * time.Millisecond,
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, report.ActionAborted, res.Status)
}

func TestExecuteCleanWorkspaceKeepsListedEntries(t *testing.T) {
	rc := newRunContext(t)
	writeWorkspaceFile(t, rc, "build/out.o", "x")
	writeWorkspaceFile(t, rc, "cache/keep.bin", "x")
	writeWorkspaceFile(t, rc, ".hidden", "x")
	e := NewExecutor(nil, nil)

	res, err := e.Execute(context.Background(), rc, 0, pipeline.Action{
		Kind: pipeline.KindCleanWorkspace, Name: "clean",
		With: map[string]any{"keep": "cache"},
	})
	require.NoError(t, err)
	assert.Equal(t, report.ActionSuccess, res.Status)

	entries, err := os.ReadDir(rc.Pipeline.Workspace)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cache", entries[0].Name())
}

func TestExecuteCleanWorkspaceRefusesRoot(t *testing.T) {
	rc := newRunContext(t)
	rc.Handle = &placement.Handle{ID: "local-1", Workspace: "/"}
	e := NewExecutor(nil, nil)

	_, err := e.Execute(context.Background(), rc, 0, pipeline.Action{Kind: pipeline.KindCleanWorkspace, Name: "clean"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to clean")
}

func TestExecuteUnknownWithKeyFails(t *testing.T) {
	rc := newRunContext(t)
	e := NewExecutor(nil, nil)

	_, err := e.Execute(context.Background(), rc, 0, pipeline.Action{
		Kind: pipeline.KindArchive, Name: "archive",
		With: map[string]any{"patterns": "*.txt", "bogus": true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode with")
}

func TestExecuteArchive(t *testing.T) {
	rc := newRunContext(t)
	writeWorkspaceFile(t, rc, "dist/app.bin", "binary")
	writeWorkspaceFile(t, rc, "dist/readme.txt", "docs")
	e := NewExecutor(nil, nil)

	res, err := e.Execute(context.Background(), rc, 1, pipeline.Action{
		Kind: pipeline.KindArchive, Name: "archive",
		With: map[string]any{"patterns": []any{"dist/*.bin"}, "compression": "lz4"},
	})
	require.NoError(t, err)
	assert.Equal(t, report.ActionSuccess, res.Status)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "dist/app.bin", res.Artifacts[0].Path)
	assert.Equal(t, artifact.CompressionLZ4, res.Artifacts[0].Compression)
	require.NoError(t, rc.Artifacts.Verify(res.Artifacts[0]))

	_, err = e.Execute(context.Background(), rc, 2, pipeline.Action{
		Kind: pipeline.KindArchive, Name: "missing",
		With: map[string]any{"patterns": "nothing/**"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, artifact.ErrNoMatches)
}

const failingReport = `<?xml version="1.0"?>
<testsuite name="unit" tests="3">
  <testcase classname="pkg" name="a"/>
  <testcase classname="pkg" name="b"><failure message="expected 1"/></testcase>
  <testcase classname="pkg" name="c"><skipped/></testcase>
</testsuite>`

func TestExecuteJUnitThresholds(t *testing.T) {
	rc := newRunContext(t)
	writeWorkspaceFile(t, rc, "reports/unit.xml", failingReport)
	e := NewExecutor(nil, nil)

	res, err := e.Execute(context.Background(), rc, 0, pipeline.Action{
		Kind: pipeline.KindJUnit, Name: "tests",
		With: map[string]any{"patterns": "reports/*.xml"},
	})
	require.NoError(t, err)
	assert.Equal(t, report.ActionUnstable, res.Status)
	require.NotNil(t, res.Tests)
	assert.Equal(t, 3, res.Tests.Total)
	assert.Equal(t, 1, res.Tests.Failed)
	assert.Contains(t, res.Error, "test failures threshold exceeded: 1 > 0")

	res, err = e.Execute(context.Background(), rc, 1, pipeline.Action{
		Kind: pipeline.KindJUnit, Name: "tests-strict",
		With: map[string]any{"patterns": "reports/*.xml", "onThreshold": "failure"},
	})
	require.Error(t, err)
	assert.True(t, pipeline.IsThresholdExceededError(err))
	assert.Equal(t, report.ActionFailed, res.Status)

	res, err = e.Execute(context.Background(), rc, 2, pipeline.Action{
		Kind: pipeline.KindJUnit, Name: "tests-lenient",
		With: map[string]any{"patterns": "reports/*.xml", "failureThreshold": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, report.ActionSuccess, res.Status)
}

func TestExecuteJUnitAllowEmpty(t *testing.T) {
	rc := newRunContext(t)
	e := NewExecutor(nil, nil)

	res, err := e.Execute(context.Background(), rc, 0, pipeline.Action{
		Kind: pipeline.KindJUnit, Name: "tests",
		With: map[string]any{"patterns": "reports/*.xml", "allowEmpty": true},
	})
	require.NoError(t, err)
	assert.Equal(t, report.ActionSuccess, res.Status)
	assert.Nil(t, res.Tests)

	_, err = e.Execute(context.Background(), rc, 1, pipeline.Action{
		Kind: pipeline.KindJUnit, Name: "tests-required",
		With: map[string]any{"patterns": "reports/*.xml"},
	})
	require.Error(t, err)
}

func TestExecuteWarningsFromStageLogs(t *testing.T) {
	rc := newRunContext(t)
	e := NewExecutor(nil, nil)

	build, err := e.Execute(context.Background(), rc, 0, pipeline.Action{
		Kind: pipeline.KindRun, Name: "compile",
		Run: `echo "src/a.c:10:5: warning: unused variable 'x' [-Wunused-variable]"; echo "src/b.c:3: warning: implicit declaration"`,
	})
	require.NoError(t, err)

	rc.StageLogs = func(stage string) []string {
		if stage == "build" {
			return []string{build.LogPath}
		}
		return nil
	}
	res, err := e.Execute(context.Background(), rc, 1, pipeline.Action{
		Kind: pipeline.KindWarnings, Name: "warnings",
		With: map[string]any{"threshold": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, report.ActionUnstable, res.Status)
	require.NotNil(t, res.Warnings)
	assert.Equal(t, 2, res.Warnings.Total)
	assert.Equal(t, 1, res.Warnings.ByCategory["-Wunused-variable"])

	res, err = e.Execute(context.Background(), rc, 2, pipeline.Action{
		Kind: pipeline.KindWarnings, Name: "warnings-excluded",
		With: map[string]any{"exclude": `^src/b\.c$`, "threshold": 1, "onThreshold": "failure"},
	})
	require.NoError(t, err)
	assert.Equal(t, report.ActionSuccess, res.Status)
	assert.Equal(t, 1, res.Warnings.Excluded)
}

func TestExecuteWarningsWithoutLogsFails(t *testing.T) {
	rc := newRunContext(t)
	e := NewExecutor(nil, nil)

	_, err := e.Execute(context.Background(), rc, 0, pipeline.Action{Kind: pipeline.KindWarnings, Name: "warnings"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no logs to parse")
}

func TestExecuteCheckoutRequiresURL(t *testing.T) {
	rc := newRunContext(t)
	e := NewExecutor(nil, nil)

	_, err := e.Execute(context.Background(), rc, 0, pipeline.Action{Kind: pipeline.KindCheckout, Name: "checkout"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "with.url is required")
}
