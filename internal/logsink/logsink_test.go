package logsink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteTextFraming(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "abc1234567", "web", FormatText, false)
	require.NoError(t, s.Write(Stdout, []byte("hello\n")))
	require.NoError(t, s.Close())

	b, err := os.ReadFile(filepath.Join(dir, "logs", "abc1234567", "app.log"))
	require.NoError(t, err)
	require.Contains(t, string(b), "[INFO] [web] hello")
}

func TestWriteJSONFraming(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "abc1234567", "web", FormatJSON, false)
	require.NoError(t, s.Write(Stderr, []byte("boom\n")))
	require.NoError(t, s.Close())

	b, err := os.ReadFile(filepath.Join(dir, "logs", "abc1234567", "app.log"))
	require.NoError(t, err)
	require.Contains(t, string(b), `"level":"ERROR"`)
	require.Contains(t, string(b), `"message":"boom"`)
}

func TestRotationShiftsGenerations(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "abc1234567", "web", FormatText, false)

	chunk := make([]byte, 1024)
	for i := range chunk {
		chunk[i] = 'x'
	}
	// Force several rotations by writing well past MaxSizeBytes repeatedly.
	iterations := (MaxSizeBytes/1024 + 10) * 2
	for i := 0; i < iterations; i++ {
		require.NoError(t, s.Write(Stdout, chunk))
	}
	require.NoError(t, s.Close())

	base := filepath.Join(dir, "logs", "abc1234567", "app.log")
	_, err := os.Stat(base)
	require.NoError(t, err)
	_, err = os.Stat(base + ".1")
	require.NoError(t, err)
	_, err = os.Stat(base + "." + "5")
	require.True(t, os.IsNotExist(err), "generation 5 must never exist, only 1..4")
}

func TestTailReturnsLastNLines(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "abc1234567", "web", FormatText, false)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Write(Stdout, []byte("line\n")))
	}
	require.NoError(t, s.Close())

	lines, err := Tail(dir, "abc1234567", 3)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	for _, l := range lines {
		require.True(t, strings.Contains(l, "line"))
	}
}

func TestTailMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	lines, err := Tail(dir, "nope", 5)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestWriteToStdoutSkipsRotationAndFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "abc1234567", "web", FormatText, true)
	require.NoError(t, s.Write(Stdout, []byte("hi\n")))

	_, err := os.Stat(filepath.Join(dir, "logs", "abc1234567", "app.log"))
	require.True(t, os.IsNotExist(err))
}
