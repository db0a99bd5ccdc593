// Package sampler implements the ResourceSampler of spec.md §4.5:
// periodic CPU/RSS sampling per entry with a 60-sample ring buffer and
// hysteresis-driven threshold events. It wraps gopsutil/v4/process the
// same way the teacher's internal/metrics.ProcessMetricsCollector does
// (process.NewProcess(pid).CPUPercent()/.MemoryInfo()), but restructures
// collection per-entry with the hysteresis counters spec.md requires,
// which the teacher's collector does not have.
package sampler

import (
	"context"
	"fmt"
	"sync"
	"time"

	gopsutilprocess "github.com/shirou/gopsutil/v4/process"
)

// Interval is the fixed sampling period (spec.md §4.5: "every 5s").
const Interval = 5 * time.Second

// RingSize is the number of retained samples per entry.
const RingSize = 60

// MemoryHysteresis is the number of consecutive over-limit samples
// required before a memory threshold-exceeded event fires.
const MemoryHysteresis = 3

// CPUHysteresis is the number of consecutive over-limit samples
// required before a cpu threshold-exceeded event fires.
const CPUHysteresis = 5

// MemoryWarningRatio is the advisory threshold relative to mem_limit_bytes.
const MemoryWarningRatio = 0.8

// Sample is one CPU/RSS observation.
type Sample struct {
	Timestamp  time.Time
	CPUPercent float64
	RSSBytes   uint64
}

// EventKind distinguishes the events a Tracker can emit.
type EventKind string

const (
	EventThresholdExceeded EventKind = "threshold-exceeded"
	EventMemoryWarning     EventKind = "memory-warning"
)

// LimitType names which configured limit an event concerns.
type LimitType string

const (
	LimitMemory LimitType = "memory"
	LimitCPU    LimitType = "cpu"
)

// Event is emitted by a Tracker when a hysteresis counter trips or an
// advisory condition is met.
type Event struct {
	Kind    EventKind
	Type    LimitType
	Current float64
	Limit   float64
}

// Tracker accumulates samples for one entry and derives threshold events
// per spec.md §4.5's hysteresis rule.
type Tracker struct {
	mu              sync.Mutex
	memLimitBytes   int64
	cpuLimitPercent float64
	ring            []Sample
	memCounter      int
	cpuCounter      int
}

// NewTracker constructs a Tracker with the given optional limits (zero
// value disables that limit's threshold checks).
func NewTracker(memLimitBytes int64, cpuLimitPercent float64) *Tracker {
	return &Tracker{memLimitBytes: memLimitBytes, cpuLimitPercent: cpuLimitPercent}
}

// Observe records s and returns any events it triggers.
func (t *Tracker) Observe(s Sample) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ring = append(t.ring, s)
	if len(t.ring) > RingSize {
		t.ring = t.ring[len(t.ring)-RingSize:]
	}

	var events []Event

	if t.memLimitBytes > 0 {
		if s.RSSBytes > uint64(t.memLimitBytes) {
			t.memCounter++
		} else {
			t.memCounter = 0
		}
		if t.memCounter >= MemoryHysteresis {
			events = append(events, Event{Kind: EventThresholdExceeded, Type: LimitMemory, Current: float64(s.RSSBytes), Limit: float64(t.memLimitBytes)})
			t.memCounter = 0
		}
		if float64(s.RSSBytes) > MemoryWarningRatio*float64(t.memLimitBytes) {
			events = append(events, Event{Kind: EventMemoryWarning, Type: LimitMemory, Current: float64(s.RSSBytes), Limit: float64(t.memLimitBytes)})
		}
	}

	if t.cpuLimitPercent > 0 {
		if s.CPUPercent > t.cpuLimitPercent {
			t.cpuCounter++
		} else {
			t.cpuCounter = 0
		}
		if t.cpuCounter >= CPUHysteresis {
			events = append(events, Event{Kind: EventThresholdExceeded, Type: LimitCPU, Current: s.CPUPercent, Limit: t.cpuLimitPercent})
			t.cpuCounter = 0
		}
	}

	return events
}

// Samples returns a copy of the current ring buffer, oldest first.
func (t *Tracker) Samples() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sample, len(t.ring))
	copy(out, t.ring)
	return out
}

// Reader abstracts the gopsutil process handle so Sampler's polling loop
// is testable without a real OS process.
type Reader interface {
	CPUPercent() (float64, error)
	RSSBytes() (uint64, error)
}

type gopsutilReader struct {
	proc *gopsutilprocess.Process
}

func (r *gopsutilReader) CPUPercent() (float64, error) {
	return r.proc.CPUPercent()
}

func (r *gopsutilReader) RSSBytes() (uint64, error) {
	info, err := r.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// NewReader constructs a gopsutil-backed Reader for pid.
func NewReader(pid int32) (Reader, error) {
	proc, err := gopsutilprocess.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("sampler: process handle for pid %d: %w", pid, err)
	}
	return &gopsutilReader{proc: proc}, nil
}

// OnEvent receives events produced while polling an entry.
type OnEvent func(events []Event)

// OnGone is invoked once when the pid disappears; sampling then stops
// silently for that entry per spec.md §4.5.
type OnGone func()

// Poll runs the sampling loop for one entry at Interval until ctx is
// canceled or the pid disappears.
func Poll(ctx context.Context, reader Reader, tracker *Tracker, onEvent OnEvent, onGone OnGone) {
	PollEvery(ctx, Interval, reader, tracker, onEvent, onGone)
}

// PollEvery is Poll with an explicit period, used directly by tests.
func PollEvery(ctx context.Context, period time.Duration, reader Reader, tracker *Tracker, onEvent OnEvent, onGone OnGone) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu, err := reader.CPUPercent()
			if err != nil {
				if onGone != nil {
					onGone()
				}
				return
			}
			rss, err := reader.RSSBytes()
			if err != nil {
				if onGone != nil {
					onGone()
				}
				return
			}
			events := tracker.Observe(Sample{Timestamp: time.Now(), CPUPercent: cpu, RSSBytes: rss})
			if len(events) > 0 && onEvent != nil {
				onEvent(events)
			}
		}
	}
}
