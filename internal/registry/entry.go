// Package registry holds the authoritative in-memory map of supervised
// entries (spec.md §4.1). The Registry itself performs no locking; the
// Supervisor calls it only while holding its own mutex, as the teacher's
// internal/manager.Manager.procs map is only ever touched under the
// Manager's own mutex.
package registry

import (
	"time"

	"github.com/google/uuid"
)

// State is one of the six states of spec.md §3.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateErrored    State = "errored"
	StateRestarting State = "restarting"
)

// RestartReason ∈ {manual, crash, memory, cpu, file-change, ""}.
type RestartReason string

const (
	RestartManual     RestartReason = "manual"
	RestartCrash      RestartReason = "crash"
	RestartMemory     RestartReason = "memory"
	RestartCPU        RestartReason = "cpu"
	RestartFileChange RestartReason = "file-change"
)

// LogFormat is the wire/file framing used by LogSink for an entry.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// LogDestination selects where an entry's captured output is written.
type LogDestination string

const (
	LogDestFile   LogDestination = "file"
	LogDestStdout LogDestination = "stdout"
)

// Spec is the immutable declaration supplied at start time (spec.md §3).
type Spec struct {
	Name          string            `json:"name"`
	Script        string            `json:"script"`
	Args          []string          `json:"args,omitempty"`
	WorkDir       string            `json:"work_dir,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Instances     int               `json:"instances,omitempty"`
	Watch         bool              `json:"watch,omitempty"`
	WatchIgnore   []string          `json:"watch_ignore,omitempty"`
	MemoryLimit   int64             `json:"memory_limit,omitempty"` // bytes, 0 = unset
	CPULimit      float64           `json:"cpu_limit,omitempty"`    // percent, 0 = unset
	RestartDelay  time.Duration     `json:"restart_delay,omitempty"`
	MaxRestartDel time.Duration     `json:"max_restart_delay,omitempty"`
	MaxRestarts   int               `json:"max_restarts,omitempty"`
	HealthCheck   string            `json:"health_check,omitempty"` // URL, empty = disabled
	LogFormat     LogFormat         `json:"log_format,omitempty"`
	LogOutput     LogDestination    `json:"log_output,omitempty"`
	MetricsPort   int               `json:"metrics_port,omitempty"`
	Runtime       string            `json:"runtime,omitempty"` // interpreter, e.g. "node"; empty = exec script directly
}

// Entry is one supervised program (spec.md §3).
type Entry struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Spec              Spec          `json:"spec"`
	State             State         `json:"state"`
	OSPID             int           `json:"os_pid"`
	StartTime         time.Time     `json:"start_time,omitempty"`
	UptimeMs          int64         `json:"uptime_ms"`
	RestartCount      int           `json:"restart_count"`
	LastRestartTime   time.Time     `json:"last_restart_time,omitempty"`
	LastRestartReason RestartReason `json:"last_restart_reason,omitempty"`
	CPUPercent        float64       `json:"cpu_percent"`
	RSSBytes          uint64        `json:"rss_bytes"`
}

// Snapshot returns a deep-enough copy of e safe to hand to callers outside
// the Supervisor's serialized context.
func (e *Entry) Snapshot() Entry {
	cp := *e
	cp.Spec.Args = append([]string(nil), e.Spec.Args...)
	cp.Spec.WatchIgnore = append([]string(nil), e.Spec.WatchIgnore...)
	if e.Spec.Env != nil {
		cp.Spec.Env = make(map[string]string, len(e.Spec.Env))
		for k, v := range e.Spec.Env {
			cp.Spec.Env[k] = v
		}
	}
	return cp
}

// NewID generates a 10-character alphanumeric id. It derives the id from a
// random UUID (google/uuid) the same way the teacher's go.mod already
// carries google/uuid as a dependency of its tooling; truncating the
// hyphen-stripped hex digest yields a compact, URL-safe, alphanumeric id.
func NewID() string {
	raw := uuid.NewString()
	var b []byte
	for i := 0; i < len(raw) && len(b) < 10; i++ {
		c := raw[i]
		if c == '-' {
			continue
		}
		b = append(b, c)
	}
	return string(b)
}
