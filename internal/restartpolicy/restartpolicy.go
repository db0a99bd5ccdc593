// Package restartpolicy implements the RestartPolicy of spec.md §4.8:
// per-entry crash-time bookkeeping, crash-loop detection, max-restarts
// denial, and exponential backoff delay computation. It is grounded on
// the teacher's internal/manager/supervisor.go tryAutoStart backoff
// loop, generalized here into a standalone, directly testable decision
// function rather than logic inlined in a goroutine.
package restartpolicy

import (
	"time"

	"github.com/loykin/provand/internal/clock"
)

// CrashWindow is the sliding window crash_times is evaluated against.
const CrashWindow = 60 * time.Second

// CrashLoopThreshold is the number of crashes within CrashWindow that
// trips in_crash_loop: 5 restarts are granted, and the 6th crash within
// the window trips it (spec.md §8's testable property and scenario 3).
const CrashLoopThreshold = 6

// Decision is the verdict RestartPolicy.OnExit returns.
type Decision struct {
	Restart    bool
	Delay      time.Duration
	CrashLoop  bool
	MaxReached bool
}

// Book is the RestartBook of spec.md §3: per-entry restart bookkeeping,
// private to the policy.
type Book struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MaxRestarts int
	Attempts    int
	CrashTimes  []time.Time
	InCrashLoop bool
}

// NewBook constructs a Book with the given limits.
func NewBook(minDelay, maxDelay time.Duration, maxRestarts int) *Book {
	return &Book{MinDelay: minDelay, MaxDelay: maxDelay, MaxRestarts: maxRestarts}
}

// OnExit applies spec.md §4.8's decision procedure for a process exit.
// cleanExit is true for code 0 without signal, which always denies
// restart without touching crash_times.
func OnExit(b *Book, cleanExit bool, now time.Time) Decision {
	if cleanExit {
		return Decision{Restart: false}
	}

	b.CrashTimes = append(b.CrashTimes, now)
	cutoff := now.Add(-CrashWindow)
	kept := b.CrashTimes[:0:0]
	for _, t := range b.CrashTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.CrashTimes = kept

	if len(b.CrashTimes) >= CrashLoopThreshold {
		b.InCrashLoop = true
		return Decision{Restart: false, CrashLoop: true}
	}

	if b.Attempts >= b.MaxRestarts {
		return Decision{Restart: false, MaxReached: true}
	}

	delay := clock.ComputeBackoff(b.MinDelay, b.MaxDelay, b.Attempts)
	b.Attempts++
	return Decision{Restart: true, Delay: delay}
}

// ResetAttempts zeroes Attempts and clears InCrashLoop after a
// successful restart, without purging CrashTimes, per spec.md §4.8's
// last sentence.
func ResetAttempts(b *Book) {
	b.Attempts = 0
	b.InCrashLoop = false
}
