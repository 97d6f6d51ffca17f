// Package junit reads JUnit XML test reports and aggregates their outcomes.
package junit

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/codex-k8s/stagectl/internal/artifact"
)

// Case identifies a failed or errored test case.
type Case struct {
	Suite     string `json:"suite,omitempty" yaml:"suite,omitempty"`
	ClassName string `json:"classname,omitempty" yaml:"classname,omitempty"`
	Name      string `json:"name" yaml:"name"`
	// Kind is "failure" or "error".
	Kind    string `json:"kind" yaml:"kind"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Summary aggregates test outcomes across one or more report files.
type Summary struct {
	Files    []string `json:"files,omitempty" yaml:"files,omitempty"`
	Total    int      `json:"total" yaml:"total"`
	Passed   int      `json:"passed" yaml:"passed"`
	Failed   int      `json:"failed" yaml:"failed"`
	Errors   int      `json:"errors" yaml:"errors"`
	Skipped  int      `json:"skipped" yaml:"skipped"`
	Failures []Case   `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Add merges o into s.
func (s *Summary) Add(o Summary) {
	s.Files = append(s.Files, o.Files...)
	s.Total += o.Total
	s.Passed += o.Passed
	s.Failed += o.Failed
	s.Errors += o.Errors
	s.Skipped += o.Skipped
	s.Failures = append(s.Failures, o.Failures...)
}

type xmlSuites struct {
	XMLName xml.Name   `xml:"testsuites"`
	Suites  []xmlSuite `xml:"testsuite"`
}

type xmlSuite struct {
	XMLName  xml.Name   `xml:"testsuite"`
	Name     string     `xml:"name,attr"`
	Tests    int        `xml:"tests,attr"`
	Failures int        `xml:"failures,attr"`
	Errors   int        `xml:"errors,attr"`
	Skipped  int        `xml:"skipped,attr"`
	Disabled int        `xml:"disabled,attr"`
	Cases    []xmlCase  `xml:"testcase"`
	Suites   []xmlSuite `xml:"testsuite"`
}

type xmlCase struct {
	Name      string      `xml:"name,attr"`
	ClassName string      `xml:"classname,attr"`
	Failures  []xmlResult `xml:"failure"`
	Errors    []xmlResult `xml:"error"`
	Skipped   *xmlResult  `xml:"skipped"`
}

type xmlResult struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

// Parse reads a single JUnit XML document. Both a <testsuites> root and a
// bare <testsuite> root are accepted.
func Parse(r io.Reader) (Summary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Summary{}, fmt.Errorf("read junit report: %w", err)
	}

	var root struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(data, &root); err != nil {
		return Summary{}, fmt.Errorf("parse junit report: %w", err)
	}

	var suites []xmlSuite
	switch root.XMLName.Local {
	case "testsuites":
		var doc xmlSuites
		if err := xml.Unmarshal(data, &doc); err != nil {
			return Summary{}, fmt.Errorf("parse junit testsuites: %w", err)
		}
		suites = doc.Suites
	case "testsuite":
		var doc xmlSuite
		if err := xml.Unmarshal(data, &doc); err != nil {
			return Summary{}, fmt.Errorf("parse junit testsuite: %w", err)
		}
		suites = []xmlSuite{doc}
	default:
		return Summary{}, fmt.Errorf("parse junit report: unexpected root element <%s>", root.XMLName.Local)
	}

	var sum Summary
	for _, s := range suites {
		addSuite(&sum, s)
	}
	return sum, nil
}

// addSuite counts outcomes from test cases. Suites that list neither cases
// nor child suites fall back to their summary attributes.
func addSuite(sum *Summary, s xmlSuite) {
	for _, child := range s.Suites {
		addSuite(sum, child)
	}

	if len(s.Cases) == 0 {
		if s.Tests == 0 || len(s.Suites) > 0 {
			return
		}
		skipped := s.Skipped + s.Disabled
		sum.Total += s.Tests
		sum.Failed += s.Failures
		sum.Errors += s.Errors
		sum.Skipped += skipped
		sum.Passed += max(0, s.Tests-s.Failures-s.Errors-skipped)
		return
	}

	for _, c := range s.Cases {
		sum.Total++
		switch {
		case len(c.Errors) > 0:
			sum.Errors++
			sum.Failures = append(sum.Failures, newCase(s.Name, c, "error", c.Errors[0]))
		case len(c.Failures) > 0:
			sum.Failed++
			sum.Failures = append(sum.Failures, newCase(s.Name, c, "failure", c.Failures[0]))
		case c.Skipped != nil:
			sum.Skipped++
		default:
			sum.Passed++
		}
	}
}

func newCase(suite string, c xmlCase, kind string, res xmlResult) Case {
	msg := strings.TrimSpace(res.Message)
	if msg == "" {
		msg = firstLine(res.Body)
	}
	return Case{Suite: suite, ClassName: c.ClassName, Name: c.Name, Kind: kind, Message: msg}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// ParseFile parses the report at path.
func ParseFile(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("open junit report: %w", err)
	}
	defer func() { _ = f.Close() }()

	sum, err := Parse(f)
	if err != nil {
		return Summary{}, fmt.Errorf("%s: %w", path, err)
	}
	sum.Files = []string{path}
	return sum, nil
}

// ErrNoReports is returned by Collect when no report file matched.
var ErrNoReports = errors.New("no junit reports matched")

// Collect parses every report in workspace matching patterns and returns
// the combined summary. File paths in the summary are workspace-relative.
func Collect(workspace string, patterns []string) (Summary, error) {
	files, err := artifact.Match(workspace, patterns)
	if err != nil {
		return Summary{}, err
	}
	if len(files) == 0 {
		return Summary{}, fmt.Errorf("collect %s: %w", strings.Join(patterns, ", "), ErrNoReports)
	}

	var total Summary
	for _, rel := range files {
		sum, err := ParseFile(filepath.Join(workspace, filepath.FromSlash(rel)))
		if err != nil {
			return total, err
		}
		sum.Files = []string{rel}
		total.Add(sum)
	}
	return total, nil
}
