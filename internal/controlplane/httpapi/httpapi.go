// Package httpapi is a read-only gin mirror of the control socket's
// status/list/logs actions, for operators who want curl/browser access
// instead of the raw newline-JSON protocol. It never accepts start/stop/
// restart/delete: those stay on the control socket, which is the only
// writer into the Supervisor (spec.md §4.10/§4.11). Adapted from the
// teacher's internal/server/router.go Handler()/NewServer() shape, with
// every mutating route dropped.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/provand/internal/logsink"
	"github.com/loykin/provand/internal/supervisor"
)

// Router exposes the read-only endpoints as an http.Handler.
type Router struct {
	sv      *supervisor.Supervisor
	dataDir string
}

// NewRouter constructs a Router for sv.
func NewRouter(sv *supervisor.Supervisor, dataDir string) *Router {
	return &Router{sv: sv, dataDir: dataDir}
}

// Handler returns the gin http.Handler.
//
//	GET /status          -> all entries
//	GET /status/:target  -> one entry (id or name)
//	GET /logs/:target    -> tail of that entry's log, ?lines=N
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/status", r.handleList)
	g.GET("/status/:target", r.handleStatus)
	g.GET("/logs/:target", r.handleLogs)
	return g
}

// NewServer starts a standalone read-only HTTP server on addr.
func NewServer(addr string, sv *supervisor.Supervisor, dataDir string) *http.Server {
	r := NewRouter(sv, dataDir)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, r.sv.List())
}

func (r *Router) handleStatus(c *gin.Context) {
	e, err := r.sv.Status(c.Param("target"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, e)
}

func (r *Router) handleLogs(c *gin.Context) {
	e, err := r.sv.Status(c.Param("target"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	n := 100
	if v := c.Query("lines"); v != "" {
		if parsed, perr := strconv.Atoi(v); perr == nil && parsed > 0 {
			n = parsed
		}
	}
	lines, err := logsink.Tail(r.dataDir, e.ID, n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}
