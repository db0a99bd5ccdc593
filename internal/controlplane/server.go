package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/provand/internal/crashjournal"
	"github.com/loykin/provand/internal/initsystem"
	"github.com/loykin/provand/internal/logsink"
	"github.com/loykin/provand/internal/snapshot"
	"github.com/loykin/provand/internal/supervisor"
)

// DefaultTailLines is used by the logs action when Options["lines"] is absent.
const DefaultTailLines = 100

// Server accepts connections on Endpoint and dispatches each request to sv.
// Every request is handled to completion before the next is read off the
// same connection (pipelining per spec.md §4.10). Separate connections
// are read concurrently, but dispatch runs under dispatchMu, so only one
// command is in flight against the Supervisor at a time.
type Server struct {
	sv       *supervisor.Supervisor
	snap     *snapshot.Snapshotter
	journal  *crashjournal.Journal
	dataDir  string
	endpoint string

	mu sync.Mutex
	ln net.Listener

	dispatchMu sync.Mutex
}

// New constructs a Server. endpoint is the filesystem path of a Unix
// socket; on Windows ListenAndServe fails because listening is not supported.
func New(sv *supervisor.Supervisor, snap *snapshot.Snapshotter, journal *crashjournal.Journal, dataDir, endpoint string) *Server {
	return &Server{sv: sv, snap: snap, journal: journal, dataDir: dataDir, endpoint: endpoint}
}

// ListenAndServe binds the endpoint and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(s.endpoint)

	ln, err := listen(s.endpoint)
	if err != nil {
		return fmt.Errorf("controlplane: listen %s: %w", s.endpoint, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("controlplane: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	_ = os.Remove(s.endpoint)
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(fail(fmt.Sprintf("invalid request: %v", err)))
			continue
		}
		s.dispatchMu.Lock()
		reply := s.dispatch(ctx, req)
		s.dispatchMu.Unlock()
		if err := enc.Encode(reply); err != nil {
			slog.Warn("controlplane: write reply failed", "error", err)
			return
		}
	}
}

// dispatch runs one request; its caller holds dispatchMu. Each action
// either calls a single Supervisor method or fans out that same call
// across every entry for target "all".
func (s *Server) dispatch(ctx context.Context, req Request) Reply {
	switch req.Action {
	case ActionPing:
		return ok("pong", nil)
	case ActionStart:
		return s.handleStart(ctx, req)
	case ActionStop:
		return s.forEachTarget(req.Target, func(id string) error {
			return s.sv.Stop(id, parseWait(req.Options))
		})
	case ActionRestart:
		return s.forEachTarget(req.Target, func(id string) error {
			return s.sv.Restart(id)
		})
	case ActionDelete:
		return s.forEachTarget(req.Target, func(id string) error {
			return s.sv.Delete(id)
		})
	case ActionStatus:
		return s.handleStatus(req)
	case ActionLogs:
		return s.handleLogs(req)
	case ActionSave:
		if s.snap != nil {
			s.snap.Flush()
		}
		return ok("snapshot flushed", nil)
	case ActionStartup:
		return s.handleStartup(true)
	case ActionUnstartup:
		return s.handleStartup(false)
	default:
		return fail(fmt.Sprintf("Unknown command: %s", req.Action))
	}
}

func (s *Server) handleStart(ctx context.Context, req Request) Reply {
	if req.Spec == nil {
		return fail("start requires spec")
	}
	id, err := s.sv.Start(ctx, *req.Spec)
	if err != nil {
		return fail(err.Error())
	}
	return ok("started", map[string]string{"id": id})
}

func (s *Server) handleStatus(req Request) Reply {
	if req.Target == "" || req.Target == TargetAll {
		return ok("", s.sv.List())
	}
	e, err := s.sv.Status(req.Target)
	if err != nil {
		return fail(err.Error())
	}
	return ok("", e)
}

func (s *Server) handleLogs(req Request) Reply {
	if req.Target == "" || req.Target == TargetAll {
		return fail("logs requires a single target")
	}
	e, err := s.sv.Status(req.Target)
	if err != nil {
		return fail(err.Error())
	}
	n := DefaultTailLines
	if v, ok := req.Options["lines"]; ok {
		if parsed, perr := strconv.Atoi(v); perr == nil && parsed > 0 {
			n = parsed
		}
	}
	lines, err := logsink.Tail(s.dataDir, e.ID, n)
	if err != nil {
		return fail(err.Error())
	}
	return ok("", lines)
}

// handleStartup installs or removes the daemon-level boot-time unit (not
// per entry: the daemon's own Boot sequence resumes every entry that was
// last seen running, from its Snapshot).
func (s *Server) handleStartup(install bool) Reply {
	if install {
		exe, err := os.Executable()
		if err != nil {
			return fail(err.Error())
		}
		if err := initsystem.Install(exe, s.dataDir); err != nil {
			return fail(err.Error())
		}
		return ok("startup unit installed", nil)
	}
	if err := initsystem.Uninstall(); err != nil {
		return fail(err.Error())
	}
	return ok("startup unit removed", nil)
}

// forEachTarget resolves target (an id, a name, or "all") and applies fn
// to each matching entry id, aggregating failures into a single Reply.
func (s *Server) forEachTarget(target string, fn func(id string) error) Reply {
	if target == "" {
		return fail("target is required")
	}
	if target != TargetAll {
		if err := fn(target); err != nil {
			return fail(err.Error())
		}
		return ok("ok", nil)
	}

	entries := s.sv.List()
	var failed []string
	for _, e := range entries {
		if err := fn(e.ID); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", e.Name, err))
		}
	}
	if len(failed) > 0 {
		return fail(fmt.Sprintf("%d of %d entries failed: %v", len(failed), len(entries), failed))
	}
	return ok(fmt.Sprintf("applied to %d entries", len(entries)), nil)
}

func parseWait(opts map[string]string) time.Duration {
	if opts == nil {
		return 0
	}
	v, ok := opts["wait"]
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
