package junit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const suitesReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuites>
  <testsuite name="core" tests="4">
    <testcase classname="core.Parser" name="parses"/>
    <testcase classname="core.Parser" name="rejects">
      <failure message="expected error">stack</failure>
    </testcase>
    <testcase classname="core.IO" name="reads">
      <error type="IOError">disk gone
more detail</error>
    </testcase>
    <testcase classname="core.IO" name="slow"><skipped/></testcase>
  </testsuite>
  <testsuite name="summary-only" tests="5" failures="1" errors="0" skipped="2"/>
</testsuites>`

const bareSuite = `<testsuite name="solo">
  <testcase name="a"/>
  <testcase name="b"/>
</testsuite>`

func TestParseTestsuites(t *testing.T) {
	sum, err := Parse(strings.NewReader(suitesReport))
	require.NoError(t, err)

	assert.Equal(t, 9, sum.Total)
	assert.Equal(t, 3, sum.Passed)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, 3, sum.Skipped)

	require.Len(t, sum.Failures, 2)
	assert.Equal(t, Case{Suite: "core", ClassName: "core.Parser", Name: "rejects", Kind: "failure", Message: "expected error"}, sum.Failures[0])
	assert.Equal(t, "error", sum.Failures[1].Kind)
	assert.Equal(t, "disk gone", sum.Failures[1].Message)
}

func TestParseBareSuite(t *testing.T) {
	sum, err := Parse(strings.NewReader(bareSuite))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Passed)
	assert.Empty(t, sum.Failures)
}

const nestedSuites = `<testsuites>
  <testsuite name="project" tests="2" failures="1">
    <testsuite name="unit" tests="2" failures="1">
      <testcase classname="UnitTest" name="ok"/>
      <testcase classname="UnitTest" name="broken"><failure message="boom"/></testcase>
    </testsuite>
  </testsuite>
</testsuites>`

func TestParseNestedSuitesCountsCasesOnce(t *testing.T) {
	sum, err := Parse(strings.NewReader(nestedSuites))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Passed)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "unit", sum.Failures[0].Suite)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(strings.NewReader("<html></html>"))
	assert.ErrorContains(t, err, "unexpected root element")

	_, err = Parse(strings.NewReader("not xml"))
	assert.Error(t, err)
}

func TestCollect(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "reports", "unit"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "reports", "unit", "a.xml"), []byte(suitesReport), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "reports", "b.xml"), []byte(bareSuite), 0o644))

	sum, err := Collect(ws, []string{"reports/**/*.xml"})
	require.NoError(t, err)
	assert.Equal(t, []string{"reports/b.xml", "reports/unit/a.xml"}, sum.Files)
	assert.Equal(t, 11, sum.Total)
	assert.Equal(t, 5, sum.Passed)

	_, err = Collect(ws, []string{"none/*.xml"})
	assert.True(t, errors.Is(err, ErrNoReports))
}
