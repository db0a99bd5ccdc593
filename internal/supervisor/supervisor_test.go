package supervisor

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/provand/internal/registry"
)

func requireUnixSupervisor(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh/sleep")
	}
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	return New(dir, registry.New(), nil, nil)
}

func waitForState(t *testing.T, s *Supervisor, id string, want registry.State, timeout time.Duration) registry.Entry {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		e, err := s.Status(id)
		if err == nil && e.State == want {
			return e
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry %s did not reach state %s in time, last=%+v err=%v", id, want, e, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartTransitionsToRunning(t *testing.T) {
	requireUnixSupervisor(t)
	s := newTestSupervisor(t)
	ctx := context.Background()

	id, err := s.Start(ctx, registry.Spec{Name: "sleeper", Script: "sleep 1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	e := waitForState(t, s, id, registry.StateRunning, 2*time.Second)
	if e.OSPID <= 0 {
		t.Fatalf("expected OSPID > 0, got %d", e.OSPID)
	}
	_ = s.Stop(id, 2*time.Second)
}

func TestStartRejectsDuplicateName(t *testing.T) {
	requireUnixSupervisor(t)
	s := newTestSupervisor(t)
	ctx := context.Background()

	id, err := s.Start(ctx, registry.Spec{Name: "dup", Script: "sleep 1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, s, id, registry.StateRunning, 2*time.Second)

	if _, err := s.Start(ctx, registry.Spec{Name: "dup", Script: "sleep 1"}); err == nil {
		t.Fatalf("expected duplicate-name start to fail")
	}
	_ = s.Stop(id, 2*time.Second)
}

func TestStopTransitionsToStopped(t *testing.T) {
	requireUnixSupervisor(t)
	s := newTestSupervisor(t)
	ctx := context.Background()

	id, err := s.Start(ctx, registry.Spec{Name: "stopme", Script: "sleep 5"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, s, id, registry.StateRunning, 2*time.Second)

	if err := s.Stop(id, 2*time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForState(t, s, id, registry.StateStopped, 3*time.Second)
}

func TestCleanExitDoesNotRestart(t *testing.T) {
	requireUnixSupervisor(t)
	s := newTestSupervisor(t)
	ctx := context.Background()

	id, err := s.Start(ctx, registry.Spec{Name: "quickexit", Script: "sh -c 'exit 0'"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	e := waitForState(t, s, id, registry.StateStopped, 2*time.Second)
	if e.RestartCount != 0 {
		t.Fatalf("expected no restart after a clean exit, got RestartCount=%d", e.RestartCount)
	}
}

func TestCrashTriggersAutoRestart(t *testing.T) {
	requireUnixSupervisor(t)
	s := newTestSupervisor(t)
	ctx := context.Background()

	id, err := s.Start(ctx, registry.Spec{
		Name:         "crasher",
		Script:       "sh -c 'exit 1'",
		RestartDelay: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		e, err := s.Status(id)
		if err == nil && e.RestartCount > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry never restarted after crash: %+v err=%v", e, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = s.Stop(id, 2*time.Second)
}

func TestCrashLoopDeniesFurtherRestarts(t *testing.T) {
	requireUnixSupervisor(t)
	s := newTestSupervisor(t)
	ctx := context.Background()

	id, err := s.Start(ctx, registry.Spec{
		Name:          "looper",
		Script:        "sh -c 'exit 1'",
		RestartDelay:  5 * time.Millisecond,
		MaxRestartDel: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, s, id, registry.StateErrored, 5*time.Second)
}

func TestDeleteRequiresStoppedEntry(t *testing.T) {
	requireUnixSupervisor(t)
	s := newTestSupervisor(t)
	ctx := context.Background()

	id, err := s.Start(ctx, registry.Spec{Name: "delcheck", Script: "sleep 2"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, s, id, registry.StateRunning, 2*time.Second)

	if err := s.Delete(id); err == nil {
		t.Fatalf("expected delete of a running entry to fail")
	}

	if err := s.Stop(id, 2*time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForState(t, s, id, registry.StateStopped, 2*time.Second)

	if err := s.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Status(id); err == nil {
		t.Fatalf("expected deleted entry to be gone from Status")
	}
}

func TestListReturnsAllEntries(t *testing.T) {
	requireUnixSupervisor(t)
	s := newTestSupervisor(t)
	ctx := context.Background()

	id1, err := s.Start(ctx, registry.Spec{Name: "one", Script: "sleep 1"})
	if err != nil {
		t.Fatalf("start one: %v", err)
	}
	id2, err := s.Start(ctx, registry.Spec{Name: "two", Script: "sleep 1"})
	if err != nil {
		t.Fatalf("start two: %v", err)
	}
	waitForState(t, s, id1, registry.StateRunning, 2*time.Second)
	waitForState(t, s, id2, registry.StateRunning, 2*time.Second)

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
	_ = s.Stop(id1, 2*time.Second)
	_ = s.Stop(id2, 2*time.Second)
}

func TestShutdownStopsAllEntries(t *testing.T) {
	requireUnixSupervisor(t)
	s := newTestSupervisor(t)
	ctx := context.Background()

	id, err := s.Start(ctx, registry.Spec{Name: "shutme", Script: "sleep 5"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, s, id, registry.StateRunning, 2*time.Second)

	s.Shutdown(2 * time.Second)
	waitForState(t, s, id, registry.StateStopped, 2*time.Second)

	if _, err := s.Start(ctx, registry.Spec{Name: "afterShutdown", Script: "sleep 1"}); err == nil {
		t.Fatalf("expected Start to fail after Shutdown")
	}
}

func TestRestartRespawnsEntry(t *testing.T) {
	requireUnixSupervisor(t)
	s := newTestSupervisor(t)
	ctx := context.Background()

	id, err := s.Start(ctx, registry.Spec{Name: "restartme", Script: "sleep 2"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, s, id, registry.StateRunning, 2*time.Second)

	if err := s.Restart(id); err != nil {
		t.Fatalf("restart: %v", err)
	}
	e := waitForState(t, s, id, registry.StateRunning, 2*time.Second)
	if e.OSPID <= 0 {
		t.Fatalf("expected a fresh pid after restart")
	}
	_ = s.Stop(id, 2*time.Second)
}
