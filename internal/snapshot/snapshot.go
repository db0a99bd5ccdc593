// Package snapshot implements the Snapshotter of spec.md §4.2: debounced,
// atomic persistence of the Registry to a single file under the data
// directory. It is grounded on the teacher's PID-file writing
// (internal/process.WritePIDFile, a plain write), made atomic here with a
// temp file and rename for a larger JSON payload, plus the teacher's general pattern of a background goroutine
// draining a channel/timer (internal/manager/supervisor.go).
package snapshot

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/provand/internal/registry"
)

// Version is the current on-disk Snapshot schema version.
const Version = 1

// Snapshot is the persisted serialization of all entries (spec.md §3).
type Snapshot struct {
	Version   int              `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
	Entries   []registry.Entry `json:"entries"`
}

// Producer returns the current set of entries to persist. It is supplied
// by the Supervisor so the Snapshotter never touches the Registry
// directly.
type Producer func() []registry.Entry

// Snapshotter coalesces bursts of dirtying into a single write after a
// quiescent interval, and writes via temp-file + atomic rename.
type Snapshotter struct {
	path     string
	produce  Producer
	quiet    time.Duration
	mu       sync.Mutex
	timer    *time.Timer
	stopped  bool
	writesMu sync.Mutex // serializes the actual file write against concurrent fires
}

// New constructs a Snapshotter writing to path, invoking produce() when the
// debounce window elapses.
func New(path string, produce Producer) *Snapshotter {
	return &Snapshotter{path: path, produce: produce, quiet: time.Second}
}

// MarkDirty schedules a write after the 1-second quiescent interval,
// coalescing bursts (spec.md §4.2).
func (s *Snapshotter) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.quiet, s.writeNow)
}

// Stop cancels any pending debounced write. It does not flush.
func (s *Snapshotter) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

// Flush writes immediately, bypassing the debounce window. Used at daemon
// shutdown so the last state is durable.
func (s *Snapshotter) Flush() {
	s.writeNow()
}

func (s *Snapshotter) writeNow() {
	s.writesMu.Lock()
	defer s.writesMu.Unlock()

	entries := s.produce()
	snap := Snapshot{Version: Version, Timestamp: time.Now().UTC(), Entries: entries}

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		slog.Error("snapshot marshal failed", "error", err)
		return
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		slog.Error("snapshot mkdir failed", "error", err, "dir", dir)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		slog.Error("snapshot write failed", "error", err, "path", tmp)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		slog.Error("snapshot rename failed", "error", err, "path", s.path)
		return
	}
}

// Load parses the snapshot file if present. On parse failure the corrupt
// file is quarantined to <file>.backup and an empty Snapshot is returned,
// per spec.md Invariant 4 and §7 ("Corrupt snapshots are quarantined,
// never parsed past the first failure").
func Load(path string) (Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{Version: Version}, nil
		}
		return Snapshot{Version: Version}, err
	}

	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		slog.Warn("snapshot parse failed, quarantining", "path", path, "error", err)
		backup := path + ".backup"
		_ = os.Rename(path, backup)
		return Snapshot{Version: Version}, nil
	}
	return snap, nil
}
