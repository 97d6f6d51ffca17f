package warnings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gccLog = `make[1]: Entering directory '/ws/build'
src/main.c:12:5: warning: unused variable 'x' [-Wunused-variable]
src/main.c:12:5: warning: unused variable 'x' [-Wunused-variable]
src/io.c:40: warning: implicit declaration of function 'foo'
third_party/zlib/inflate.c:100:1: warning: comparison of integers [-Wsign-compare]
src/io.c:88:3: fatal error: missing.h: No such file or directory
In file included from src/main.c:1:
collect2: error: ld returned 1 exit status
`

func TestParseGCC(t *testing.T) {
	sum, err := Parse(strings.NewReader(gccLog), Options{Parser: "clang", Exclude: []string{`^third_party/`}})
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, 1, sum.Excluded)
	assert.Equal(t, map[string]int{"-Wunused-variable": 1, "warning": 1, "error": 1}, sum.ByCategory)

	require.Len(t, sum.Warnings, 3)
	assert.Equal(t, Warning{File: "src/io.c", Line: 40, Severity: "warning", Category: "warning", Message: "implicit declaration of function 'foo'"}, sum.Warnings[0])
	assert.Equal(t, Warning{File: "src/io.c", Line: 88, Column: 3, Severity: "error", Category: "error", Message: "missing.h: No such file or directory"}, sum.Warnings[1])
	assert.Equal(t, "unused variable 'x'", sum.Warnings[2].Message)
	assert.Equal(t, 12, sum.Warnings[2].Line)
	assert.Equal(t, 5, sum.Warnings[2].Column)
}

func TestParseSkipsOverlongLines(t *testing.T) {
	huge := "src/gen.c:1:1: warning: " + strings.Repeat("x", 2*maxLineLength) + "\n"
	log := huge + "src/main.c:7:2: warning: shadowed declaration [-Wshadow]\r\n" + "src/last.c:9: warning: no newline"

	sum, err := Parse(strings.NewReader(log), Options{})
	require.NoError(t, err)
	require.Len(t, sum.Warnings, 2)
	assert.Equal(t, "src/last.c", sum.Warnings[0].File)
	assert.Equal(t, "no newline", sum.Warnings[0].Message)
	assert.Equal(t, "src/main.c", sum.Warnings[1].File)
	assert.Equal(t, "shadowed declaration", sum.Warnings[1].Message)
}

func TestParseGoVet(t *testing.T) {
	log := "# example.org/pkg\nvet: ./pkg/a.go:10:2: fmt.Printf format %d has arg s of wrong type string\npkg/b.go:3: unreachable code\nok  \texample.org/pkg\t0.01s\n"
	sum, err := Parse(strings.NewReader(log), Options{Parser: "go"})
	require.NoError(t, err)
	require.Equal(t, 2, sum.Total)
	assert.Equal(t, "./pkg/a.go", sum.Warnings[0].File)
	assert.Equal(t, "vet", sum.Warnings[0].Category)
	assert.Equal(t, "pkg/b.go", sum.Warnings[1].File)
	assert.Equal(t, "unreachable code", sum.Warnings[1].Message)
}

func TestParseFilesDeduplicatesAcrossLogs(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")
	require.NoError(t, os.WriteFile(a, []byte("x.c:1:1: warning: w1 [-Wall]\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("x.c:1:1: warning: w1 [-Wall]\ny.c:2:1: warning: w2 [-Wall]\n"), 0o644))

	sum, err := ParseFiles([]string{a, b}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.ByCategory["-Wall"])

	_, err = ParseFiles([]string{filepath.Join(dir, "missing.log")}, Options{})
	assert.Error(t, err)
}

func TestParseOptionErrors(t *testing.T) {
	_, err := Parse(strings.NewReader(""), Options{Parser: "javac"})
	assert.ErrorContains(t, err, "unsupported warnings parser")

	_, err = Parse(strings.NewReader(""), Options{Exclude: []string{"("}})
	assert.ErrorContains(t, err, "compile exclude pattern")

	sum, err := Parse(strings.NewReader("nothing here\n"), Options{})
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
	assert.Nil(t, sum.ByCategory)
}
