package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for input, want := range cases {
		assert.Equal(t, want, ParseLevel(input), "input %q", input)
	}
}

func TestWriterForwardsCompleteLines(t *testing.T) {
	var out bytes.Buffer
	logger := NewLogger(&out, LevelDebug)
	w := NewWriter(logger, "stage", "build")

	n, err := w.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	assert.Equal(t, len("first line\nsecond "), n)
	assert.Contains(t, out.String(), "first line")
	assert.NotContains(t, out.String(), "second")

	_, err = w.Write([]byte("half\n"))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "second half")
	assert.Contains(t, out.String(), "stage=build")
}

func TestWriterFlushEmitsPartialLine(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(NewLogger(&out, LevelInfo))

	_, _ = w.Write([]byte("no newline"))
	assert.Empty(t, out.String())

	w.Flush()
	assert.Contains(t, out.String(), "no newline")
}

func TestWriterBelowLevelIsDropped(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(NewLogger(&out, LevelWarn)).WithLevel(LevelDebug)

	_, _ = w.Write([]byte("quiet\n"))
	assert.Empty(t, out.String())
}
