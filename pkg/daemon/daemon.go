package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/pilotd/pkg/daemon/metrics"
	"github.com/codeready-toolchain/pilotd/pkg/daemon/statusserver"
	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
	"github.com/codeready-toolchain/pilotd/pkg/scan"
)

// PidRecord is the contract for orchestrator/pm-daemon.pid, readable by
// --status/--stop without needing the flock.
type PidRecord struct {
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	ProjectRoot string    `json:"project_root"`
}

// ErrAlreadyRunning is returned by Run when another daemon instance
// already holds the lock for this project root.
var ErrAlreadyRunning = fmt.Errorf("daemon: already running")

// Config bundles the wiring Run needs beyond the tick loop itself.
type Config struct {
	ProjectRoot string
	PMSessionID string
	TickPeriod  time.Duration // default 5s
	Once        bool          // run a single pass and return, no signal handling
	DryRun      bool          // reserved: scans still run, mutating calls can check this via a collaborator
	StatusAddr  string        // loopback addr for the status/metrics server; empty disables it
	Logger      *slog.Logger
}

func (c Config) tickPeriod() time.Duration {
	if c.TickPeriod > 0 {
		return c.TickPeriod
	}
	return 5 * time.Second
}

// stateReaderAdapter satisfies statusserver.StateReader (Snapshot() any)
// over PmState (Snapshot() PmStateData) — Go interface satisfaction needs
// an exact method signature match, not a covariant return type.
type stateReaderAdapter struct{ s *PmState }

func (a stateReaderAdapter) Snapshot() any { return a.s.Snapshot() }

// FleetCounts is the minimal read surface Daemon needs each tick to keep
// the Prometheus gauges current, satisfied by pkg/session.Registry and
// pkg/spawner.Spawner without this package importing either (it would
// otherwise own the dependency edge the opposite way round).
type FleetCounts struct {
	ActiveSessions func() int
	SpawnedRunning func() int
}

// Daemon is the PM supervisor: single-instance lock, PID file, signal
// handling, and the tick loop driving pkg/scan.Loop.
type Daemon struct {
	cfg    Config
	logger *slog.Logger
	state  *PmState
	loop   *scan.Loop

	lock       *flock.Flock
	statusStop func()

	metrics      *metrics.Metrics
	counterState *metrics.CounterState
	fleet        FleetCounts
}

// New returns a Daemon wired to run loop under cfg, with state as the
// StateSink loop was constructed against.
func New(cfg Config, state *PmState, loop *scan.Loop) *Daemon {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{cfg: cfg, logger: logger.With("component", "daemon"), state: state, loop: loop}
}

// SetMetrics wires a Prometheus registry synced once per tick; fleet
// supplies the live session/spawner gauges the registry can't derive
// from PmStateData alone. Optional — a Daemon with no metrics set simply
// skips Sync.
func (d *Daemon) SetMetrics(m *metrics.Metrics, fleet FleetCounts) {
	d.metrics = m
	d.counterState = metrics.NewCounterState()
	d.fleet = fleet
}

// Metrics returns the wired Prometheus registry, or nil if SetMetrics was
// never called, so cmd/pmd can mount its handler on the status server.
func (d *Daemon) Metrics() *metrics.Metrics { return d.metrics }

func (d *Daemon) syncMetrics() {
	if d.metrics == nil {
		return
	}
	snap := d.state.Snapshot()
	active, running := 0, 0
	if d.fleet.ActiveSessions != nil {
		active = d.fleet.ActiveSessions()
	}
	if d.fleet.SpawnedRunning != nil {
		running = d.fleet.SpawnedRunning()
	}
	d.metrics.Sync(d.counterState, metrics.Snapshot{
		TickCount:         snap.TickCount,
		EventsProcessed:   snap.EventsProcessed,
		AgentsSpawned:     snap.AgentsSpawned,
		TasksAutoReviewed: snap.TasksAutoReviewed,
		TasksAutoClosed:   snap.TasksAutoClosed,
		Errors:            snap.Errors,
		LastTickAt:        snap.LastTickAt,
		ActiveSessions:    active,
		SpawnedRunning:    running,
	})
}

func (d *Daemon) lockPath() string {
	return filepath.Join(d.cfg.ProjectRoot, "state", "orchestrator", "daemon.lock")
}

func (d *Daemon) pidPath() string {
	return filepath.Join(d.cfg.ProjectRoot, "state", "orchestrator", "pm-daemon.pid")
}

// loadEnv loads <project-root>/.env via godotenv, warning and continuing
// if the file is absent — credentials the operator already placed in the
// environment reach spawned agents via inherited env, not via anything
// this package manages itself.
func (d *Daemon) loadEnv() {
	path := filepath.Join(d.cfg.ProjectRoot, ".env")
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("failed to load .env", "path", path, "error", err)
	}
}

// Run acquires the single-instance lock, writes the PID file, starts the
// status server and tick loop, and blocks until a terminal signal (watch
// mode) or a single pass completes (once mode). Recovers a top-level
// panic so teardown still runs, and returns the panic as an error.
func (d *Daemon) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("uncaught panic, tearing down", "panic", r)
			d.teardown()
			err = fmt.Errorf("daemon: panic: %v", r)
		}
	}()

	d.loadEnv()

	if err := fsstore.EnsureDir(filepath.Dir(d.lockPath())); err != nil {
		return fmt.Errorf("daemon: ensure state dir: %w", err)
	}
	d.lock = flock.New(d.lockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("daemon: acquire lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer d.teardown()

	rec := PidRecord{PID: os.Getpid(), StartedAt: time.Now().UTC(), ProjectRoot: d.cfg.ProjectRoot}
	if err := fsstore.WriteJSON(d.pidPath(), rec); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}

	if d.cfg.StatusAddr != "" && !d.cfg.Once {
		if err := d.startStatusServer(); err != nil {
			return err
		}
	}

	if d.cfg.Once {
		// Tick (not RunPeriodicScans directly) so BeginTick/EndTick still
		// bracket the pass and pm-state.json gets its atomic rewrite; the
		// loop was constructed with a nil watcher for once mode, so
		// drainEvents is a no-op and this is exactly one scan pass.
		err := d.loop.Tick(ctx)
		d.syncMetrics()
		return err
	}

	return d.watch(ctx)
}

// startStatusServer builds and starts the loopback status/metrics HTTP
// surface at cfg.StatusAddr, mounting the metrics handler if SetMetrics
// was called, and registers its Shutdown for teardown.
func (d *Daemon) startStatusServer() error {
	srv := statusserver.New(d.cfg.StatusAddr, d.cfg.ProjectRoot, stateReaderAdapter{d.state})
	if d.metrics != nil {
		srv.MetricsHandler(d.metrics.Handler())
	}

	errCh := make(chan error, 1)
	addr, err := srv.Start(errCh)
	if err != nil {
		return fmt.Errorf("daemon: start status server: %w", err)
	}
	d.logger.Info("status server listening", "addr", addr)

	go func() {
		if serveErr, ok := <-errCh; ok {
			d.logger.Error("status server error", "error", serveErr)
		}
	}()

	d.SetStatusStop(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			d.logger.Warn("status server shutdown error", "error", err)
		}
	})
	return nil
}

func (d *Daemon) watch(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(d.cfg.tickPeriod())
	defer ticker.Stop()

	d.logger.Info("daemon started", "pid", os.Getpid(), "tick_period", d.cfg.tickPeriod())

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("context canceled, shutting down")
			return nil
		case sig := <-sigCh:
			d.logger.Info("received signal, shutting down", "signal", sig.String())
			return nil
		case <-ticker.C:
			if err := d.loop.Tick(ctx); err != nil {
				d.logger.Error("tick error", "error", err)
			}
			d.syncMetrics()
		}
	}
}

func (d *Daemon) teardown() {
	if d.statusStop != nil {
		d.statusStop()
	}
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
	_ = os.Remove(d.pidPath())
}

// SetStatusStop registers a shutdown hook (the status server's Shutdown)
// to run as part of teardown.
func (d *Daemon) SetStatusStop(stop func()) {
	d.statusStop = stop
}

// Status reads the PID file and reports whether the recorded pid is
// alive, for the `status`/`stop` CLI subcommands which must work without
// holding the lock themselves.
func Status(projectRoot string) (PidRecord, bool, error) {
	path := filepath.Join(projectRoot, "state", "orchestrator", "pm-daemon.pid")
	var rec PidRecord
	ok, err := fsstore.ReadJSON(path, &rec)
	if err != nil || !ok {
		return PidRecord{}, false, err
	}
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return rec, false, nil
	}
	alive := proc.Signal(syscall.Signal(0)) == nil
	return rec, alive, nil
}

// Stop sends SIGTERM to the recorded daemon pid, per the `stop` subcommand.
func Stop(projectRoot string) error {
	rec, alive, err := Status(projectRoot)
	if err != nil {
		return err
	}
	if !alive {
		return fmt.Errorf("daemon: not running")
	}
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return fmt.Errorf("daemon: find process %d: %w", rec.PID, err)
	}
	return proc.Signal(syscall.SIGTERM)
}
