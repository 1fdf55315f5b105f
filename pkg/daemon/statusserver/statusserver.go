// Package statusserver exposes a loopback-only, read-only HTTP surface
// over the PM daemon's state: health, the persisted PmState, and a tail
// of human-escalation entries. It never accepts a write — this backs
// the status command, not a general CLI/UI surface.
package statusserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
	"github.com/codeready-toolchain/pilotd/pkg/version"
)

// StateReader is the minimal read surface the server needs from
// pkg/daemon.PmState, kept as an interface so this package never imports
// pkg/daemon (daemon imports statusserver, not the reverse).
type StateReader interface {
	Snapshot() any
}

// Server is the loopback HTTP status surface.
type Server struct {
	httpSrv     *http.Server
	router      *gin.Engine
	projectRoot string
	state       StateReader
	startedAt   time.Time
}

// New builds (but does not start) a Server bound to addr (e.g.
// "127.0.0.1:0"), reading state from reader and human-escalations.jsonl
// under projectRoot. gin runs in ReleaseMode unless PILOT_DEBUG=1.
func New(addr, projectRoot string, reader StateReader) *Server {
	if os.Getenv("PILOT_DEBUG") != "1" {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{projectRoot: projectRoot, state: reader, startedAt: time.Now().UTC()}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/escalations", s.handleEscalations)

	s.httpSrv = &http.Server{Addr: addr, Handler: r}
	s.router = r
	return s
}

// MetricsHandler mounts h (a promhttp handler) at GET /metrics. Optional —
// callers that don't care about Prometheus scraping can skip calling it.
func (s *Server) MetricsHandler(h http.Handler) {
	s.router.GET("/metrics", gin.WrapH(h))
}

// Start listens on s's address in a background goroutine and returns the
// bound address (useful when addr's port was 0). errCh receives the
// terminal ListenAndServe error, if any, other than http.ErrServerClosed.
func (s *Server) Start(errCh chan<- error) (string, error) {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return "", fmt.Errorf("statusserver: listen %s: %w", s.httpSrv.Addr, err)
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			if errCh != nil {
				errCh <- err
			}
		}
	}()
	return ln.Addr().String(), nil
}

// Shutdown gracefully stops the server, for Daemon teardown.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.startedAt).Seconds()),
		"version":    version.Full(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.Snapshot())
}

func (s *Server) handleEscalations(c *gin.Context) {
	lines := c.DefaultQuery("lines", "50")
	n := 50
	fmt.Sscanf(lines, "%d", &n)
	if n <= 0 || n > 1000 {
		n = 50
	}

	path := filepath.Join(s.projectRoot, "state", "orchestrator", "human-escalations.jsonl")
	var all []map[string]any
	err := fsstore.ReadJSONL(path, func(line []byte) error {
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil // skip malformed lines rather than fail the whole tail
		}
		all = append(all, entry)
		return nil
	})
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"escalations": []any{}})
		return
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	c.JSON(http.StatusOK, gin.H{"escalations": all})
}
