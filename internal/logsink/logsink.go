// Package logsink implements the LogSink of spec.md §4.3: per-entry
// append-only log capture with text/json framing, size-based rotation
// into up to MaxFiles generations, and a tail query. It is grounded on
// the teacher's internal/process.ConfigureCmd stdout/stderr wiring and
// internal/logger.Config (which picks lumberjack for rotation); this
// package implements the rotation contract directly because lumberjack's
// age/backup-count policy doesn't expose the exact ".1..4 shift then
// rename" behavior or a tail(n) primitive that spec.md requires.
package logsink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// MaxSizeBytes is the rotation threshold (spec.md §4.3: "at ≥10 MiB").
const MaxSizeBytes = 10 * 1024 * 1024

// MaxFiles is the total number of generations kept: app.log plus
// app.log.1..app.log.(MaxFiles-1).
const MaxFiles = 5

// Stream identifies which child stream a chunk came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Format selects the on-disk/on-stdout framing.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type jsonLine struct {
	Timestamp   string `json:"timestamp"`
	Level       string `json:"level"`
	ProcessID   string `json:"processId"`
	ProcessName string `json:"processName"`
	Message     string `json:"message"`
}

// Sink manages the append handle for one entry's app.log and applies
// size-based rotation.
type Sink struct {
	mu         sync.Mutex
	id         string
	name       string
	format     Format
	dataDir    string // <data>/logs/<id>
	logPath    string // <data>/logs/<id>/app.log
	file       *os.File
	sizeBytes  int64
	toStdout   bool
	stdoutDest *os.File
}

// New constructs a Sink for entry id/name writing into dataDir/logs/<id>/app.log.
// When toStdout is true (spec.md's log destination "stdout"), chunks are
// framed the same way but written to the process's own stdout instead of
// a file, and no rotation occurs.
func New(dataDir, id, name string, format Format, toStdout bool) *Sink {
	return &Sink{
		id:         id,
		name:       name,
		format:     format,
		dataDir:    filepath.Join(dataDir, "logs", id),
		logPath:    filepath.Join(dataDir, "logs", id, "app.log"),
		toStdout:   toStdout,
		stdoutDest: os.Stdout,
	}
}

// Open ensures the append handle exists (no-op when toStdout).
func (s *Sink) Open() error {
	if s.toStdout {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *Sink) openLocked() error {
	if s.file != nil {
		return nil
	}
	if err := os.MkdirAll(s.dataDir, 0o750); err != nil {
		return fmt.Errorf("logsink: mkdir %s: %w", s.dataDir, err)
	}
	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("logsink: open %s: %w", s.logPath, err)
	}
	info, err := f.Stat()
	if err == nil {
		s.sizeBytes = info.Size()
	}
	s.file = f
	return nil
}

// Write frames chunk per spec.md §4.3 and appends it, rotating if the
// resulting size crosses MaxSizeBytes.
func (s *Sink) Write(stream Stream, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	line := s.frame(stream, chunk)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.toStdout {
		_, err := s.stdoutDest.Write(line)
		return err
	}

	if err := s.openLocked(); err != nil {
		return err
	}
	n, err := s.file.Write(line)
	if err != nil {
		return fmt.Errorf("logsink: write: %w", err)
	}
	s.sizeBytes += int64(n)
	if s.sizeBytes >= MaxSizeBytes {
		return s.rotateLocked()
	}
	return nil
}

func (s *Sink) frame(stream Stream, chunk []byte) []byte {
	level := "INFO"
	if stream == Stderr {
		level = "ERROR"
	}
	msg := string(chunk)
	msg = strings.TrimRight(msg, "\r\n")

	if s.format == FormatJSON {
		jl := jsonLine{
			Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
			Level:       level,
			ProcessID:   s.id,
			ProcessName: s.name,
			Message:     msg,
		}
		b, _ := json.Marshal(jl)
		return append(b, '\n')
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	return []byte(fmt.Sprintf("[%s] [%s] [%s] %s\n", ts, level, s.name, msg))
}

// rotateLocked shifts app.log.N -> app.log.(N+1) for N descending from
// MaxFiles-1, deletes the overflow, renames app.log -> app.log.1, and
// opens a fresh app.log. Caller must hold s.mu.
func (s *Sink) rotateLocked() error {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	overflow := fmt.Sprintf("%s.%d", s.logPath, MaxFiles-1)
	_ = os.Remove(overflow)

	for n := MaxFiles - 1; n >= 1; n-- {
		from := fmt.Sprintf("%s.%d", s.logPath, n)
		to := fmt.Sprintf("%s.%d", s.logPath, n+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
	if _, err := os.Stat(s.logPath); err == nil {
		_ = os.Rename(s.logPath, s.logPath+".1")
	}
	s.sizeBytes = 0
	return s.openLocked()
}

// Close releases the append handle.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Writer adapts a Sink to io.WriteCloser for one stream, so it can be
// wired directly into exec.Cmd.Stdout/Stderr the way the teacher's
// logger.Config.Writers results are.
type Writer struct {
	sink   *Sink
	stream Stream
}

// NewWriter returns an io.WriteCloser that frames every write through
// sink as stream.
func NewWriter(sink *Sink, stream Stream) *Writer {
	return &Writer{sink: sink, stream: stream}
}

func (w *Writer) Write(p []byte) (int, error) {
	if err := w.sink.Write(w.stream, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close is a no-op per stream; the underlying Sink is closed once via
// Sink.Close when the entry stops.
func (w *Writer) Close() error { return nil }

// Tail returns the last n non-empty lines of the current app.log file.
func Tail(dataDir, id string, n int) ([]string, error) {
	path := filepath.Join(dataDir, "logs", id, "app.log")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		l := scanner.Text()
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return lines, err
	}
	return lines, nil
}
