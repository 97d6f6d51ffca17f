// Package warnings extracts compiler and static-analysis diagnostics from
// build logs.
package warnings

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Warning is a single diagnostic.
type Warning struct {
	File     string `json:"file" yaml:"file"`
	Line     int    `json:"line" yaml:"line"`
	Column   int    `json:"column,omitempty" yaml:"column,omitempty"`
	Severity string `json:"severity" yaml:"severity"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
	Message  string `json:"message" yaml:"message"`
}

func (w Warning) key() string {
	return fmt.Sprintf("%s:%d:%d:%s:%s", w.File, w.Line, w.Column, w.Category, w.Message)
}

// Summary is the filtered, de-duplicated result of parsing.
type Summary struct {
	Total      int            `json:"total" yaml:"total"`
	Errors     int            `json:"errors" yaml:"errors"`
	Excluded   int            `json:"excluded" yaml:"excluded"`
	ByCategory map[string]int `json:"byCategory,omitempty" yaml:"byCategory,omitempty"`
	Warnings   []Warning      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Options controls parsing.
type Options struct {
	// Parser is "gcc" (default, alias "clang") or "go".
	Parser string
	// Exclude holds regular expressions matched against the file path.
	Exclude []string
}

var (
	gccLine = regexp.MustCompile(`^([^:\s][^:]*):(\d+):(?:(\d+):)?\s*(?:fatal\s+)?(warning|error):\s*(.*?)(?:\s*\[(-W[^\]]+)\])?\s*$`)
	goLine  = regexp.MustCompile(`^(?:vet:\s+)?([^:\s][^:]*\.go):(\d+):(?:(\d+):)?\s+(.+?)\s*$`)
)

type lineParser func(line string) (Warning, bool)

func parserFor(name string) (lineParser, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gcc", "clang":
		return parseGCC, nil
	case "go", "govet", "go-vet":
		return parseGo, nil
	default:
		return nil, fmt.Errorf("unsupported warnings parser %q (want gcc, clang or go)", name)
	}
}

func parseGCC(line string) (Warning, bool) {
	m := gccLine.FindStringSubmatch(line)
	if m == nil {
		return Warning{}, false
	}
	w := Warning{File: m[1], Severity: m[4], Message: m[5], Category: m[6]}
	w.Line, _ = strconv.Atoi(m[2])
	w.Column, _ = strconv.Atoi(m[3])
	if w.Category == "" {
		w.Category = w.Severity
	}
	return w, true
}

func parseGo(line string) (Warning, bool) {
	m := goLine.FindStringSubmatch(line)
	if m == nil {
		return Warning{}, false
	}
	w := Warning{File: m[1], Severity: "warning", Message: m[4], Category: "vet"}
	w.Line, _ = strconv.Atoi(m[2])
	w.Column, _ = strconv.Atoi(m[3])
	return w, true
}

// Parse scans r line by line and returns the diagnostics it recognizes.
func Parse(r io.Reader, opts Options) (Summary, error) {
	p, err := newParser(opts)
	if err != nil {
		return Summary{}, err
	}
	if err := p.scan(r); err != nil {
		return Summary{}, err
	}
	return p.summary(), nil
}

// ParseFiles parses several logs and de-duplicates across them.
func ParseFiles(paths []string, opts Options) (Summary, error) {
	p, err := newParser(opts)
	if err != nil {
		return Summary{}, err
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return Summary{}, fmt.Errorf("open log %q: %w", path, err)
		}
		err = p.scan(f)
		_ = f.Close()
		if err != nil {
			return Summary{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	return p.summary(), nil
}

type parser struct {
	parse    lineParser
	exclude  []*regexp.Regexp
	seen     map[string]struct{}
	found    []Warning
	excluded int
}

func newParser(opts Options) (*parser, error) {
	parse, err := parserFor(opts.Parser)
	if err != nil {
		return nil, err
	}
	p := &parser{parse: parse, seen: make(map[string]struct{})}
	for _, expr := range opts.Exclude {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", expr, err)
		}
		p.exclude = append(p.exclude, re)
	}
	return p, nil
}

// maxLineLength bounds a single log line; longer lines are skipped.
const maxLineLength = 1024 * 1024

func (p *parser) scan(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		switch {
		case tooLong:
		case len(line)+len(chunk) > maxLineLength:
			tooLong = true
			line = line[:0]
		default:
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if !tooLong && len(line) > 0 {
			p.add(strings.TrimRight(string(line), "\r\n"))
		}
		line, tooLong = line[:0], false
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan log: %w", err)
		}
	}
}

func (p *parser) add(line string) {
	w, ok := p.parse(line)
	if !ok {
		return
	}
	if p.excludes(w.File) {
		p.excluded++
		return
	}
	k := w.key()
	if _, dup := p.seen[k]; dup {
		return
	}
	p.seen[k] = struct{}{}
	p.found = append(p.found, w)
}

func (p *parser) excludes(file string) bool {
	for _, re := range p.exclude {
		if re.MatchString(file) {
			return true
		}
	}
	return false
}

func (p *parser) summary() Summary {
	sum := Summary{Excluded: p.excluded, Warnings: p.found}
	sort.SliceStable(sum.Warnings, func(i, j int) bool {
		a, b := sum.Warnings[i], sum.Warnings[j]
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Line < b.Line
	})
	if len(p.found) > 0 {
		sum.ByCategory = make(map[string]int)
	}
	for _, w := range p.found {
		sum.Total++
		if w.Severity == "error" {
			sum.Errors++
		}
		sum.ByCategory[w.Category]++
	}
	return sum
}
