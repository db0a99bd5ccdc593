// Package supervisor implements the Supervisor of spec.md §4.9: one
// goroutine per entry draining a buffered control channel, owning the
// entry's full state machine (starting/running/stopping/stopped/errored/
// restarting) and wiring the Registry, Snapshotter, LogSink,
// CrashJournal, ResourceSampler, PathWatcher, HealthProbe, and
// RestartPolicy together.
//
// It is directly grounded on the teacher's internal/manager/handler.go
// (handler.run's CtrlMsg dispatch loop) and internal/manager/supervisor.go
// (supervisor.Run/waitAndHandleExit/tryAutoStart), generalized to the
// richer state machine and policy set spec.md requires.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/provand/internal/clock"
	"github.com/loykin/provand/internal/crashjournal"
	"github.com/loykin/provand/internal/env"
	"github.com/loykin/provand/internal/healthprobe"
	"github.com/loykin/provand/internal/history"
	"github.com/loykin/provand/internal/logsink"
	"github.com/loykin/provand/internal/metrics"
	"github.com/loykin/provand/internal/process"
	"github.com/loykin/provand/internal/registry"
	"github.com/loykin/provand/internal/restartpolicy"
	"github.com/loykin/provand/internal/sampler"
	"github.com/loykin/provand/internal/snapshot"
	"github.com/loykin/provand/internal/supverrors"
	"github.com/loykin/provand/internal/watcher"
)

// CtrlType enumerates control messages accepted by an entry's goroutine,
// mirroring the teacher's manager.CtrlType.
type CtrlType int

const (
	CtrlStart CtrlType = iota
	CtrlStop
	CtrlRestart
	CtrlDelete
	CtrlShutdown
)

// CtrlMsg serializes a lifecycle request onto one entry's goroutine.
type CtrlMsg struct {
	Type   CtrlType
	Wait   time.Duration
	Reason registry.RestartReason
	Reply  chan error
}

// DefaultMinDelay/DefaultMaxDelay/DefaultMaxRestarts are applied when an
// entry's Spec leaves the corresponding RestartPolicy field at zero.
const (
	DefaultMinDelay    = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxRestarts = 10
)

// StopGrace is the SIGTERM->SIGKILL escalation window used for Stop
// (spec.md §4.9/§5: "stopping | 10 s elapsed ... SIGKILL").
const StopGrace = 10 * time.Second

type entry struct {
	id      string
	ctrl    chan CtrlMsg
	cancel  context.CancelFunc
	proc    *process.Process
	book    *restartpolicy.Book
	logSink *logsink.Sink
	watch   *watcher.Watcher
}

// Supervisor owns the Registry and drives every entry's lifecycle.
type Supervisor struct {
	mu       sync.Mutex
	reg      *registry.Registry
	entries  map[string]*entry
	dataDir  string
	env      *env.Env
	snap     *snapshot.Snapshotter
	journal  *crashjournal.Journal
	prober   *healthprobe.Prober
	history  history.Sink
	shutdown bool
}

// SetHistorySink wires an optional audit mirror: every start/stop event
// is sent to it best-effort, fire-and-forget, alongside the
// authoritative Registry/Snapshotter/CrashJournal bookkeeping. Intended
// for external analytics (SQLite/Postgres/ClickHouse/OpenSearch), never
// load-bearing for the Supervisor's own state machine.
func (s *Supervisor) SetHistorySink(sink history.Sink) {
	s.mu.Lock()
	s.history = sink
	s.mu.Unlock()
}

func (s *Supervisor) sendHistory(evt history.EventType, e *registry.Entry) {
	s.mu.Lock()
	sink := s.history
	s.mu.Unlock()
	if sink == nil || e == nil {
		return
	}
	rec := history.Record{
		Name:      e.Name,
		PID:       e.OSPID,
		StartedAt: e.StartTime,
		Running:   e.State == registry.StateRunning,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.Send(ctx, history.Event{Type: evt, OccurredAt: time.Now(), Record: rec}); err != nil {
			slog.Warn("history sink send failed", "id", e.ID, "event", evt, "error", err)
		}
	}()
}

// New constructs a Supervisor rooted at dataDir. reg, snap, and journal
// are wired in by the daemon skeleton at boot.
func New(dataDir string, reg *registry.Registry, snap *snapshot.Snapshotter, journal *crashjournal.Journal) *Supervisor {
	return &Supervisor{
		reg:     reg,
		entries: make(map[string]*entry),
		dataDir: dataDir,
		env:     env.New(),
		snap:    snap,
		journal: journal,
		prober:  healthprobe.New(),
	}
}

// Start registers a new entry from spec and launches it, returning its
// generated id.
func (s *Supervisor) Start(ctx context.Context, spec registry.Spec) (string, error) {
	if spec.Name == "" || spec.Script == "" {
		return "", fmt.Errorf("supervisor: name and script are required: %w", supverrors.ErrInvalidConfig)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return "", fmt.Errorf("supervisor: shutting down: %w", supverrors.ErrInvalidConfig)
	}
	id := s.reg.GenerateID()
	s.mu.Unlock()
	return id, s.adopt(ctx, id, spec)
}

// Resume re-registers a previously-known entry under its original id and
// attempts to respawn it. Used by the daemon skeleton at boot to restore
// every entry that was `running` in the last Snapshot (spec.md §4.11); a
// failure here is the caller's to log and drop, matching the teacher's
// "respawn, or give up and drop" boot behavior.
func (s *Supervisor) Resume(ctx context.Context, id string, spec registry.Spec) error {
	if spec.Name == "" || spec.Script == "" {
		return fmt.Errorf("supervisor: name and script are required: %w", supverrors.ErrInvalidConfig)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: shutting down: %w", supverrors.ErrInvalidConfig)
	}
	s.mu.Unlock()
	return s.adopt(ctx, id, spec)
}

func (s *Supervisor) adopt(ctx context.Context, id string, spec registry.Spec) error {
	s.mu.Lock()
	e := &registry.Entry{ID: id, Name: spec.Name, Spec: spec, State: registry.StateStarting}
	if err := s.reg.Add(e); err != nil {
		s.mu.Unlock()
		return err
	}

	minDelay, maxDelay, maxRestarts := restartLimits(spec)
	ent := &entry{
		id:   id,
		ctrl: make(chan CtrlMsg, 16),
		proc: process.New(process.Spec{Name: spec.Name}),
		book: restartpolicy.NewBook(minDelay, maxDelay, maxRestarts),
	}
	ectx, cancel := context.WithCancel(ctx)
	ent.cancel = cancel
	s.entries[id] = ent
	s.mu.Unlock()

	go s.run(ectx, ent)

	reply := make(chan error, 1)
	ent.ctrl <- CtrlMsg{Type: CtrlStart, Reply: reply}
	return <-reply
}

func restartLimits(spec registry.Spec) (time.Duration, time.Duration, int) {
	minDelay := spec.RestartDelay
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	maxDelay := spec.MaxRestartDel
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	maxRestarts := spec.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = DefaultMaxRestarts
	}
	return minDelay, maxDelay, maxRestarts
}

// Stop gracefully stops the entry identified by target (id or name),
// waiting up to `wait` before escalating to SIGKILL.
func (s *Supervisor) Stop(target string, wait time.Duration) error {
	ent, err := s.lookup(target)
	if err != nil {
		return err
	}
	if wait <= 0 {
		wait = StopGrace
	}
	reply := make(chan error, 1)
	ent.ctrl <- CtrlMsg{Type: CtrlStop, Wait: wait, Reason: registry.RestartManual, Reply: reply}
	return <-reply
}

// Restart stops then starts the entry identified by target.
func (s *Supervisor) Restart(target string) error {
	ent, err := s.lookup(target)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	ent.ctrl <- CtrlMsg{Type: CtrlRestart, Wait: StopGrace, Reason: registry.RestartManual, Reply: reply}
	return <-reply
}

// Delete removes a stopped entry from the Registry, purging its restart
// bookkeeping (but not its crash journal, which is retained for audit).
func (s *Supervisor) Delete(target string) error {
	ent, err := s.lookup(target)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	ent.ctrl <- CtrlMsg{Type: CtrlDelete, Reply: reply}
	return <-reply
}

// Status returns a point-in-time snapshot of one entry.
func (s *Supervisor) Status(target string) (registry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.reg.Resolve(target)
	if e == nil {
		return registry.Entry{}, fmt.Errorf("supervisor: %s: %w", target, supverrors.ErrNotFound)
	}
	return e.Snapshot(), nil
}

// List returns a snapshot of every entry currently known to the Registry.
func (s *Supervisor) List() []registry.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.reg.List()
	out := make([]registry.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Snapshot())
	}
	return out
}

// Shutdown stops every entry and blocks until all entry goroutines exit.
func (s *Supervisor) Shutdown(wait time.Duration) {
	s.mu.Lock()
	s.shutdown = true
	targets := make([]*entry, 0, len(s.entries))
	for _, ent := range s.entries {
		targets = append(targets, ent)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ent := range targets {
		wg.Add(1)
		go func(ent *entry) {
			defer wg.Done()
			reply := make(chan error, 1)
			select {
			case ent.ctrl <- CtrlMsg{Type: CtrlShutdown, Wait: wait, Reply: reply}:
				<-reply
			case <-time.After(wait + time.Second):
			}
		}(ent)
	}
	wg.Wait()
	if s.snap != nil {
		s.snap.Flush()
	}
}

func (s *Supervisor) lookup(target string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.reg.Resolve(target)
	if e == nil {
		return nil, fmt.Errorf("supervisor: %s: %w", target, supverrors.ErrNotFound)
	}
	ent, ok := s.entries[e.ID]
	if !ok {
		return nil, fmt.Errorf("supervisor: %s: %w", target, supverrors.ErrNotFound)
	}
	return ent, nil
}

// run is the per-entry control loop, directly grounded on the teacher's
// handler.run.
func (s *Supervisor) run(ctx context.Context, ent *entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ent.ctrl:
			var err error
			switch msg.Type {
			case CtrlStart:
				err = s.doStart(ctx, ent)
			case CtrlStop:
				err = s.doStop(ent, msg.Wait)
			case CtrlRestart:
				if stopErr := s.doStop(ent, msg.Wait); stopErr != nil {
					err = stopErr
					break
				}
				err = s.doStart(ctx, ent)
				if err == nil {
					restartpolicy.ResetAttempts(ent.book)
				}
			case CtrlDelete:
				err = s.doDelete(ent)
			case CtrlShutdown:
				err = s.doStop(ent, msg.Wait)
				if msg.Reply != nil {
					msg.Reply <- err
				}
				ent.cancel()
				return
			}
			if msg.Reply != nil {
				msg.Reply <- err
			}
		}
	}
}

func (s *Supervisor) doStart(ctx context.Context, ent *entry) error {
	s.mu.Lock()
	e := s.reg.GetByID(ent.id)
	if e == nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: %s: %w", ent.id, supverrors.ErrNotFound)
	}
	spec := e.Spec
	s.mu.Unlock()

	ent.proc.SetStopRequested(false)

	format := logsink.FormatText
	if spec.LogFormat == registry.LogFormatJSON {
		format = logsink.FormatJSON
	}
	toStdout := spec.LogOutput == registry.LogDestStdout
	ent.logSink = logsink.New(s.dataDir, ent.id, spec.Name, format, toStdout)

	perProc := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		perProc = append(perProc, k+"="+v)
	}
	mergedEnv := s.env.Merge(perProc)

	procSpec := process.Spec{
		Name:    spec.Name,
		Command: buildCommandLine(spec),
		WorkDir: spec.WorkDir,
	}
	ent.proc.UpdateSpec(procSpec)

	cmd := ent.proc.ConfigureCmd(mergedEnv)
	closeIfFile(cmd.Stdout)
	closeIfFile(cmd.Stderr)
	cmd.Stdout = logsink.NewWriter(ent.logSink, logsink.Stdout)
	cmd.Stderr = logsink.NewWriter(ent.logSink, logsink.Stderr)

	if err := ent.proc.TryStart(cmd); err != nil {
		s.mu.Lock()
		if e := s.reg.GetByID(ent.id); e != nil {
			e.State = registry.StateErrored
		}
		s.mu.Unlock()
		return fmt.Errorf("supervisor: spawn %s: %w: %v", spec.Name, supverrors.ErrSpawnFailed, err)
	}

	startedSnap := ent.proc.Snapshot()
	s.mu.Lock()
	e := s.reg.GetByID(ent.id)
	if e != nil {
		e.State = registry.StateRunning
		e.OSPID = startedSnap.PID
		e.StartTime = startedSnap.StartedAt
	}
	s.mu.Unlock()
	s.sendHistory(history.EventStart, e)
	metrics.IncStart(spec.Name)
	metrics.SetCurrentState(spec.Name, string(registry.StateRunning), true)
	if s.snap != nil {
		s.snap.MarkDirty()
	}

	go s.waitAndHandleExit(ctx, ent)
	s.startSampling(ctx, ent, spec)
	s.startWatching(ent, spec)
	if spec.HealthCheck != "" {
		go s.checkReadiness(ctx, ent, spec)
	}
	return nil
}

func closeIfFile(w io.Writer) {
	if f, ok := w.(*os.File); ok {
		_ = f.Close()
	}
}

func buildCommandLine(spec registry.Spec) string {
	cmd := spec.Script
	if spec.Runtime != "" {
		cmd = spec.Runtime + " " + cmd
	}
	for _, a := range spec.Args {
		cmd += " " + a
	}
	return cmd
}

func (s *Supervisor) waitAndHandleExit(ctx context.Context, ent *entry) {
	if !ent.proc.MonitoringStartIfNeeded() {
		return
	}
	cmd := ent.proc.CopyCmd()
	var waitErr error
	if cmd != nil {
		waitErr = cmd.Wait()
	}
	ent.proc.CloseWaitDone()
	ent.proc.MarkExited(waitErr)
	ent.proc.CloseWriters()
	ent.proc.MonitoringStop()
	if ent.logSink != nil {
		_ = ent.logSink.Close()
	}
	if ent.watch != nil {
		_ = ent.watch.Stop()
		ent.watch = nil
	}

	s.mu.Lock()
	e := s.reg.GetByID(ent.id)
	s.mu.Unlock()
	if e == nil {
		return
	}

	info := parseExit(waitErr)
	snap := ent.proc.Snapshot()
	uptime := int64(0)
	if !snap.StartedAt.IsZero() {
		uptime = snap.StoppedAt.Sub(snap.StartedAt).Milliseconds()
	}

	deliberate := ent.proc.StopRequested()
	metrics.IncStop(e.Name)
	s.sendHistory(history.EventStop, e)

	if deliberate {
		s.mu.Lock()
		e.State = registry.StateStopped
		s.mu.Unlock()
		metrics.SetCurrentState(e.Name, string(registry.StateStopped), true)
		if s.snap != nil {
			s.snap.MarkDirty()
		}
		return
	}

	if info.Clean {
		s.mu.Lock()
		e.State = registry.StateStopped
		s.mu.Unlock()
		metrics.SetCurrentState(e.Name, string(registry.StateStopped), true)
		if s.snap != nil {
			s.snap.MarkDirty()
		}
		return
	}

	if s.journal != nil {
		rec := crashjournal.Record{
			Timestamp:    time.Now(),
			ID:           e.ID,
			Name:         e.Name,
			ExitCode:     info.Code,
			Signal:       info.Signal,
			CPUPercent:   e.CPUPercent,
			RSSBytes:     e.RSSBytes,
			UptimeMs:     uptime,
			RestartCount: e.RestartCount,
		}
		if err := s.journal.Append(e.ID, rec); err != nil {
			slog.Warn("crash journal append failed", "id", e.ID, "error", err)
		}
	}

	decision := restartpolicy.OnExit(ent.book, info.Clean, clock.System.Now())
	if decision.CrashLoop {
		metrics.IncCrashLoop(e.Name)
		s.mu.Lock()
		e.State = registry.StateErrored
		s.mu.Unlock()
		metrics.SetCurrentState(e.Name, string(registry.StateErrored), true)
		if s.snap != nil {
			s.snap.MarkDirty()
		}
		return
	}
	if !decision.Restart {
		s.mu.Lock()
		e.State = registry.StateErrored
		s.mu.Unlock()
		metrics.SetCurrentState(e.Name, string(registry.StateErrored), true)
		if s.snap != nil {
			s.snap.MarkDirty()
		}
		return
	}

	s.mu.Lock()
	e.State = registry.StateRestarting
	e.RestartCount++
	e.LastRestartTime = time.Now()
	e.LastRestartReason = registry.RestartCrash
	s.mu.Unlock()
	if s.snap != nil {
		s.snap.MarkDirty()
	}

	s.scheduleRestart(ctx, ent, decision.Delay)
}

// scheduleRestart waits delay, then funnels the restart back through the
// entry's own control channel so it stays serialized with any concurrent
// manual Stop/Restart/Delete request.
func (s *Supervisor) scheduleRestart(ctx context.Context, ent *entry, delay time.Duration) {
	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ent.proc.StopRequested() {
			return
		}
		reply := make(chan error, 1)
		select {
		case ent.ctrl <- CtrlMsg{Type: CtrlStart, Reply: reply}:
		case <-ctx.Done():
			return
		}
		if err := <-reply; err != nil {
			slog.Warn("scheduled restart failed", "id", ent.id, "error", err)
			return
		}
		restartpolicy.ResetAttempts(ent.book)
	}()
}

func (s *Supervisor) doStop(ent *entry, wait time.Duration) error {
	if wait <= 0 {
		wait = StopGrace
	}
	s.mu.Lock()
	e := s.reg.GetByID(ent.id)
	if e != nil {
		e.State = registry.StateStopping
	}
	s.mu.Unlock()
	metrics.SetCurrentState(safeName(e), string(registry.StateStopping), true)

	_ = ent.proc.Stop(wait)

	if ent.watch != nil {
		_ = ent.watch.Stop()
		ent.watch = nil
	}
	return nil
}

func safeName(e *registry.Entry) string {
	if e == nil {
		return ""
	}
	return e.Name
}

func (s *Supervisor) doDelete(ent *entry) error {
	s.mu.Lock()
	e := s.reg.GetByID(ent.id)
	if e != nil && e.State != registry.StateStopped && e.State != registry.StateErrored {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: %s: entry must be stopped before delete: %w", ent.id, supverrors.ErrInvalidConfig)
	}
	s.reg.Remove(ent.id)
	delete(s.entries, ent.id)
	s.mu.Unlock()
	ent.cancel()
	if s.snap != nil {
		s.snap.MarkDirty()
	}
	return nil
}

func (s *Supervisor) startSampling(ctx context.Context, ent *entry, spec registry.Spec) {
	if spec.MemoryLimit <= 0 && spec.CPULimit <= 0 {
		return
	}
	snap := ent.proc.Snapshot()
	if snap.PID == 0 {
		return
	}
	reader, err := sampler.NewReader(int32(snap.PID))
	if err != nil {
		slog.Warn("sampler unavailable", "id", ent.id, "pid", snap.PID, "error", err)
		return
	}
	tracker := sampler.NewTracker(spec.MemoryLimit, spec.CPULimit)

	onEvent := func(events []sampler.Event) {
		s.mu.Lock()
		e := s.reg.GetByID(ent.id)
		if e != nil {
			samples := tracker.Samples()
			if len(samples) > 0 {
				last := samples[len(samples)-1]
				e.CPUPercent = last.CPUPercent
				e.RSSBytes = last.RSSBytes
			}
		}
		s.mu.Unlock()
		for _, ev := range events {
			if ev.Kind == sampler.EventThresholdExceeded {
				metrics.IncThresholdExceeded(spec.Name, string(ev.Type))
			}
		}
	}
	onGone := func() {}

	go sampler.Poll(ctx, reader, tracker, onEvent, onGone)
}

func (s *Supervisor) startWatching(ent *entry, spec registry.Spec) {
	if !spec.Watch {
		return
	}
	dir := spec.WorkDir
	if dir == "" {
		return
	}
	w, err := watcher.New(ent.id, dir, s.dataDir, spec.WatchIgnore, func(id string) {
		reply := make(chan error, 1)
		ent.ctrl <- CtrlMsg{Type: CtrlRestart, Wait: StopGrace, Reason: registry.RestartFileChange, Reply: reply}
		<-reply
	})
	if err != nil {
		slog.Warn("watcher unavailable", "id", ent.id, "dir", dir, "error", err)
		return
	}
	ent.watch = w
}

// checkReadiness runs a best-effort wait_ready probe after start. A
// failure is advisory only: the entry stays running (resolved Open
// Question, see DESIGN.md).
func (s *Supervisor) checkReadiness(ctx context.Context, ent *entry, spec registry.Spec) {
	ok := s.prober.WaitReady(ctx, spec.HealthCheck, 10*time.Second)
	if !ok {
		slog.Warn("entry failed readiness probe", "id", ent.id, "name", spec.Name, "url", spec.HealthCheck)
	}
}
