package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/stagectl/internal/artifact"
	"github.com/codex-k8s/stagectl/internal/junit"
	"github.com/codex-k8s/stagectl/internal/pipeline"
	"github.com/codex-k8s/stagectl/internal/warnings"
)

func samplePipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Name:      "demo",
		Workspace: "/ws",
		Stages: []*pipeline.Stage{
			{Name: "Build", Index: 0, Placement: pipeline.Placement{Partition: "jenkins"}},
			{Name: "Test", Index: 1},
			{Name: "Deploy", Index: 2},
		},
	}
}

func populated(t *testing.T, log *ResultLog) *Collector {
	t.Helper()
	c := NewCollector("run-1", samplePipeline(), log)
	c.Start()
	c.BeginStage(0)
	c.SetHandle(0, "partition-jenkins-1")
	c.RecordAction(0, ActionResult{
		Name: "compile", Kind: pipeline.KindRun, Status: ActionSuccess, LogPath: "/runs/x/logs/01-Build/01-compile.log",
	})
	c.RecordAction(0, ActionResult{
		Name: "archive", Kind: pipeline.KindArchive, Status: ActionSuccess,
		Artifacts: []artifact.Entry{{Stage: "Build", Path: "bin/app", Size: 100, Digest: "blake3:00"}},
	})
	c.RecordAction(0, ActionResult{
		Name: "warnings", Kind: pipeline.KindWarnings, Status: ActionUnstable,
		Warnings: &warnings.Summary{Total: 4},
	})
	c.EndStage(0, pipeline.StageUnstable, nil)

	c.BeginStage(1)
	c.RecordAction(1, ActionResult{
		Name: "junit", Kind: pipeline.KindJUnit, Status: ActionFailed, ExitCode: -1, Error: "test failures threshold exceeded: 2 > 0",
		Tests: &junit.Summary{Total: 10, Passed: 8, Failed: 2, Failures: []junit.Case{{Name: "a", Kind: "failure"}}},
	})
	c.EndStage(1, pipeline.StageFailed, errors.New("test failures threshold exceeded: 2 > 0"))
	c.SkipStage(2)

	c.BeginCleanup()
	c.RecordCleanupAction(ActionResult{Name: "rm", Kind: pipeline.KindRun, Status: ActionFailed, ExitCode: 1})
	c.RecordCleanupFailure(errors.New(`cleanup action "rm" failed`))
	c.EndCleanup()
	return c
}

func TestCollectorAccumulatesPartialResults(t *testing.T) {
	c := NewCollector("run-1", samplePipeline(), nil)
	snap := c.Snapshot()
	assert.Equal(t, pipeline.StatusPending, snap.Status)
	require.Len(t, snap.Stages, 3)
	for _, s := range snap.Stages {
		assert.Equal(t, pipeline.StagePending, s.Status)
	}

	c = populated(t, nil)
	r := c.Finish(pipeline.StatusFailed, errors.New("stage Test failed"))

	assert.Equal(t, pipeline.StatusFailed, r.Status)
	assert.Equal(t, "stage Test failed", r.Error)
	assert.False(t, r.FinishedAt.IsZero())
	assert.Equal(t, pipeline.StageUnstable, r.Stage("Build").Status)
	assert.Equal(t, "partition-jenkins-1", r.Stage("Build").Handle)
	assert.Equal(t, pipeline.StageFailed, r.Stage("Test").Status)
	assert.Equal(t, pipeline.StageSkipped, r.Stage("Deploy").Status)
	assert.Len(t, r.Stage("Build").Actions, 3)

	assert.Equal(t, map[pipeline.StageStatus]int{pipeline.StageUnstable: 1, pipeline.StageFailed: 1, pipeline.StageSkipped: 1}, r.Totals.Stages)
	assert.Equal(t, 10, r.Totals.Tests.Total)
	assert.Equal(t, 2, r.Totals.Tests.Failed)
	assert.Empty(t, r.Totals.Tests.Failures)
	assert.Equal(t, 4, r.Totals.Warnings)
	assert.Equal(t, 1, r.Totals.Artifacts)
	assert.Equal(t, int64(100), r.Totals.ArtifactBytes)
	require.Len(t, r.Manifest, 1)
	assert.Equal(t, "bin/app", r.Manifest[0].Path)

	assert.True(t, r.Cleanup.Ran)
	assert.Len(t, r.Cleanup.Actions, 1)
	assert.Len(t, r.Cleanup.Failures, 1)
}

func TestSnapshotIsIndependent(t *testing.T) {
	c := populated(t, nil)
	snap := c.Snapshot()
	snap.Stages[0].Actions[0].Name = "mutated"
	snap.Totals.Stages[pipeline.StageFailed] = 99

	again := c.Snapshot()
	assert.Equal(t, "compile", again.Stages[0].Actions[0].Name)
	assert.Equal(t, 1, again.Totals.Stages[pipeline.StageFailed])
}

func TestResultLogStreamsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	log, err := NewResultLog(path, nil)
	require.NoError(t, err)

	c := populated(t, log)
	c.Finish(pipeline.StatusFailed, nil)
	require.NoError(t, log.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var types []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		types = append(types, e.Type)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{
		"start", "stage-start", "action", "action", "action", "stage",
		"stage-start", "action", "stage", "stage",
		"cleanup-start", "cleanup-action", "cleanup-failure", "cleanup", "complete",
	}, types)

	var nilLog *ResultLog
	nilLog.write(Entry{Type: "ignored"})
	assert.NoError(t, nilLog.Close())
}

func TestEncodeDecodeFormats(t *testing.T) {
	r := populated(t, nil).Finish(pipeline.StatusFailed, nil)

	for _, f := range []Format{FormatJSON, FormatYAML, FormatCBOR} {
		t.Run(string(f), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, r, f))
			got, err := Decode(buf.Bytes(), f)
			require.NoError(t, err)
			assert.Equal(t, r.RunID, got.RunID)
			assert.Equal(t, r.Status, got.Status)
			assert.True(t, r.StartedAt.Equal(got.StartedAt))
			require.Len(t, got.Stages, 3)
			assert.Equal(t, pipeline.StageSkipped, got.Stages[2].Status)
			assert.Equal(t, r.Totals.Tests.Failed, got.Totals.Tests.Failed)
			assert.Equal(t, r.Manifest[0].Digest, got.Manifest[0].Digest)
		})
	}

	_, err := Decode([]byte("x"), FormatTable)
	assert.Error(t, err)
}

func TestSaveAndLoad(t *testing.T) {
	r := populated(t, nil).Finish(pipeline.StatusFailed, nil)
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, Save(path, r))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, pipeline.StatusFailed, got.Status)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRenderTable(t *testing.T) {
	r := populated(t, nil).Finish(pipeline.StatusFailed, errors.New("stage Test failed"))
	r.Stages[0].FinishedAt = r.Stages[0].StartedAt.Add(1500 * time.Millisecond)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, r))
	out := buf.String()

	assert.Contains(t, out, "Pipeline demo  Failed")
	assert.Contains(t, out, "error: stage Test failed")
	assert.Contains(t, out, "Build   Unstable   1.5s")
	assert.Contains(t, out, "Deploy  Skipped    -")
	assert.Contains(t, out, "partition=jenkins")
	assert.Contains(t, out, "  - junit: Failed (test failures threshold exceeded: 2 > 0)")
	assert.Contains(t, out, "Tests: total 10, passed 8, failed 2, errors 0, skipped 0")
	assert.Contains(t, out, "Cleanup: 1 action(s), 1 failure(s)")
	assert.NotContains(t, out, "\x1b[")
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatTable, f)
	f, err = ParseFormat("YML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
