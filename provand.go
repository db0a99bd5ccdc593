// Package provand is a thin embeddable facade over the supervisor
// daemon's core components, for callers that want to host a Supervisor
// in-process rather than talk to a running provand daemon over its
// control socket. It mirrors the teacher's root-level provisr.go facade
// (a stable public API re-exporting internal types as aliases, wrapping
// internal/manager.Manager), adapted to wrap internal/supervisor.Supervisor
// instead.
package provand

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/provand/internal/configpkg"
	"github.com/loykin/provand/internal/crashjournal"
	"github.com/loykin/provand/internal/history"
	historyfactory "github.com/loykin/provand/internal/history/factory"
	"github.com/loykin/provand/internal/metrics"
	"github.com/loykin/provand/internal/registry"
	"github.com/loykin/provand/internal/snapshot"
	"github.com/loykin/provand/internal/supervisor"
)

// Re-export core types for external consumers; aliases so conversions
// between the facade and internal/registry are zero-cost.
type (
	Spec        = registry.Spec
	Entry       = registry.Entry
	State       = registry.State
	HistorySink = history.Sink
)

// Supervisor is a thin facade over internal/supervisor.Supervisor,
// bundling its own Registry, Snapshotter and CrashJournal so an embedder
// only needs a data directory.
type Supervisor struct {
	inner   *supervisor.Supervisor
	snap    *snapshot.Snapshotter
	journal *crashjournal.Journal
}

// New constructs an embeddable Supervisor rooted at dataDir.
func New(dataDir string) *Supervisor {
	reg := registry.New()
	journal := crashjournal.New(dataDir)
	s := &Supervisor{journal: journal}
	s.snap = snapshot.New(dataDir+"/snapshot.json", func() []registry.Entry { return s.inner.List() })
	s.inner = supervisor.New(dataDir, reg, s.snap, journal)
	return s
}

func (s *Supervisor) Start(ctx context.Context, spec Spec) (string, error) { return s.inner.Start(ctx, spec) }
func (s *Supervisor) Stop(target string, wait time.Duration) error        { return s.inner.Stop(target, wait) }
func (s *Supervisor) Restart(target string) error                         { return s.inner.Restart(target) }
func (s *Supervisor) Delete(target string) error                          { return s.inner.Delete(target) }
func (s *Supervisor) Status(target string) (Entry, error)                 { return s.inner.Status(target) }
func (s *Supervisor) List() []Entry                                       { return s.inner.List() }
func (s *Supervisor) Shutdown(wait time.Duration)                         { s.inner.Shutdown(wait) }

// SetHistorySinkDSN wires an optional audit-mirror sink by DSN; see
// internal/history/factory for supported schemes.
func (s *Supervisor) SetHistorySinkDSN(dsn string) error {
	sink, err := historyfactory.NewSinkFromDSN(dsn)
	if err != nil {
		return err
	}
	s.inner.SetHistorySink(sink)
	return nil
}

// LoadConfig loads the YAML `apps: [...]` file of spec.md §6 into specs
// ready to pass to Start.
func LoadConfig(path string) ([]Spec, error) { return configpkg.Load(path) }

// RegisterMetrics registers the package's Prometheus collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers against prometheus.DefaultRegisterer.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts a standalone HTTP server on addr exposing /metrics
// against the default Prometheus registry.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
