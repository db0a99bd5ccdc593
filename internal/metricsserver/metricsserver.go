// Package metricsserver exposes internal/metrics' Prometheus registry on
// an echo.Echo instance, one listener per Server on the address passed to
// New (cmd/provand's --metrics-listen). Entry.MetricsPort starts no listener. Grounded on the teacher's
// examples/embedded_http_echo/main.go pattern of mounting a wrapped
// http.Handler on an echo instance rather than using echo's own routing,
// since promhttp.Handler already does everything needed here.
package metricsserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps an echo instance serving /metrics on addr.
type Server struct {
	addr string
	e    *echo.Echo
}

// New constructs a metrics Server bound to addr (e.g. ":9090").
func New(addr string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Any("/metrics", echo.WrapHandler(promhttp.Handler()))
	return &Server{addr: addr, e: e}
}

// Run serves until ctx is canceled, then shuts down within 5s.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metricsserver: shutdown", "addr", s.addr, "error", err)
		return err
	}
	return nil
}
