// Command pmd is the PM daemon's CLI entry point: `start`, `stop`,
// `status`, and `logs`. It wires every collaborator package into a
// single pkg/daemon.Daemon and hands control to its Run loop, using a
// subcommand style (flag.NewFlagSet per verb, .env loaded via
// godotenv, a gin-backed health surface).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/autoscale"
	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/checkpoint"
	"github.com/codeready-toolchain/pilotd/pkg/collab"
	"github.com/codeready-toolchain/pilotd/pkg/daemon"
	"github.com/codeready-toolchain/pilotd/pkg/daemon/metrics"
	"github.com/codeready-toolchain/pilotd/pkg/escalation"
	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
	"github.com/codeready-toolchain/pilotd/pkg/handlers"
	"github.com/codeready-toolchain/pilotd/pkg/overnight"
	"github.com/codeready-toolchain/pilotd/pkg/policyfile"
	"github.com/codeready-toolchain/pilotd/pkg/pressure"
	"github.com/codeready-toolchain/pilotd/pkg/scan"
	"github.com/codeready-toolchain/pilotd/pkg/scan/scans"
	"github.com/codeready-toolchain/pilotd/pkg/session"
	"github.com/codeready-toolchain/pilotd/pkg/spawner"
	"github.com/codeready-toolchain/pilotd/pkg/taskgateway"
	"github.com/codeready-toolchain/pilotd/pkg/version"
	"github.com/codeready-toolchain/pilotd/pkg/watcher"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "stop":
		err = runStop(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "logs":
		err = runLogs(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "pmd:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s {start|stop|status|logs} [flags]\n", version.AppName)
}

// rootFlag binds --root to defaultRoot on fs.
func rootFlag(fs *flag.FlagSet) *string {
	return fs.String("root", defaultRoot(), "project root directory")
}

func defaultRoot() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func runStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	root := rootFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := daemon.Stop(*root); err != nil {
		return err
	}
	fmt.Println("stop signal sent")
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	root := rootFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	rec, alive, err := daemon.Status(*root)
	if err != nil {
		return err
	}
	if rec.PID == 0 {
		return errors.New("no daemon recorded for this project root")
	}
	fmt.Printf("pid=%d alive=%v started_at=%s root=%s\n", rec.PID, alive, rec.StartedAt.Format(time.RFC3339), rec.ProjectRoot)

	var state daemon.PmStateData
	ok, err := fsstore.ReadJSON(filepath.Join(*root, "state", "orchestrator", "pm-state.json"), &state)
	if err == nil && ok {
		fmt.Printf("tick_count=%d events_processed=%d agents_spawned=%d errors=%d last_tick_at=%s\n",
			state.TickCount, state.EventsProcessed, state.AgentsSpawned, state.Errors, state.LastTickAt.Format(time.RFC3339))
	}
	if !alive {
		return errors.New("daemon pid is not alive")
	}
	return nil
}

func runLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	root := rootFlag(fs)
	lines := fs.Int("lines", 100, "number of trailing action-log entries to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := filepath.Join(*root, "state", "orchestrator", "action-log.jsonl")
	var all []string
	err := fsstore.ReadJSONL(path, func(line []byte) error {
		all = append(all, string(line))
		return nil
	})
	if err != nil {
		return err
	}
	start := 0
	if len(all) > *lines {
		start = len(all) - *lines
	}
	for _, l := range all[start:] {
		fmt.Println(l)
	}
	return nil
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	root := rootFlag(fs)
	once := fs.Bool("once", false, "run a single pass and exit (cron mode)")
	dryRun := fs.Bool("dry-run", false, "run scans without mutating external task state")
	agents := fs.Int("agents", 4, "maximum concurrent agents, including PM")
	tickMS := fs.Int("tick", 5000, "tick period in milliseconds")
	budget := fs.Float64("budget", 0, "total session budget in USD, 0 disables budget-based autoscaling")
	statusAddr := fs.String("status-addr", "127.0.0.1:8989", "loopback addr for the status/metrics server, empty disables it")
	taskBin := fs.String("task-bin", "task", "path to the external task-gateway CLI")
	agentBin := fs.String("agent-bin", "", "path to the agent binary spawned for each task; defaults to this binary")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "pmd")
	slog.SetDefault(logger)

	if *agentBin == "" {
		if self, err := os.Executable(); err == nil {
			*agentBin = self
		}
	}

	policy, err := policyfile.Load(filepath.Join(*root, "policy.yaml"))
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	registry := session.NewRegistry(*root)
	messageBus := bus.New(*root)
	checkpoints := checkpoint.New(*root, 5)
	tracker := pressure.New(*root)
	escalationEngine := escalation.NewEngine()
	overnightMgr := overnight.New(*root, policy.Overnight.ErrorBudget)
	gateway := taskgateway.NewCLIGateway(*taskBin)

	sp := spawner.New(*root, registry, spawner.Config{MaxAgents: *agents})
	if err := sp.Load(); err != nil {
		logger.Warn("failed to load prior spawner table", "error", err)
	}

	pmSessionID := registry.GenerateID()
	if _, err := registry.RecordStart(pmSessionID, os.Getpid(), 0, "pm"); err != nil {
		return fmt.Errorf("record pm session start: %w", err)
	}
	os.Setenv(session.EnvSessionID, pmSessionID)
	os.Setenv("PILOT_DAEMON_SPAWNED", "1")

	metricsReg := metrics.New()

	handlerSet := handlers.Set{
		Registry:  registry,
		Bus:       messageBus,
		Engine:    escalationEngine,
		Notifier:  collab.NoopNotifier{},
		Gateway:   gateway,
		Reviewer:  collab.AlwaysApproveReviewer{},
		Overnight: overnightMgr,
		Autonomy:  policy.Autonomy,
	}
	handlerMap := handlerSet.Build()

	humanLog := scan.NewHumanEscalationLog(*root)
	var humanLogAppender scans.HumanEscalationAppender = humanEscalationAdapter{humanLog}

	taskScan := &scans.TaskScan{
		Gateway:     gateway,
		Registry:    registry,
		Spawner:     sp,
		Bus:         messageBus,
		BinPath:     *agentBin,
		IntervalDur: 10 * time.Second,
	}
	if policy.PoolScaling.Max > 0 {
		taskScan.AutoscalePolicy = policy.PoolScaling.Policy
		taskScan.AutoscaleAudit = autoscale.NewAuditSink(*root)
		taskScan.AutoscaleMetric = metricsReg.RecordAutoscaleDecision
		if *budget > 0 {
			remaining := *budget
			taskScan.BudgetRemaining = func() float64 { return remaining }
		}
	}
	if *dryRun {
		// dry-run still computes assignments and autoscaler decisions but
		// never actually launches a process: a nil Spawner makes TaskScan
		// and RecoveryScan skip the spawn step instead of exec'ing.
		taskScan.Spawner = nil
	}

	allScans := []scan.Scan{
		&scans.HealthScan{Registry: registry, Bus: messageBus},
		taskScan,
		&scans.DriftScan{Registry: registry, Bus: messageBus, Detector: collab.ZeroScorer{}, Threshold: 0.6, FilesTouched: func(string) []string { return nil }},
		&scans.PressureScan{Registry: registry, Tracker: tracker, Bus: messageBus, Checkpoints: checkpoints, PMSessionID: pmSessionID, ThresholdPct: policy.Checkpoint.PressureThresholdPct},
		&scans.CostScan{Registry: registry, Bus: messageBus, Budget: collab.UnlimitedBudget{}, SoftPct: 20, HardPct: 5},
		buildRecoveryScan(*dryRun, registry, checkpoints, messageBus, sp, *agentBin, *root),
		&scans.EscalationScan{Bus: messageBus, Engine: escalationEngine, HumanLog: &humanLogAppender},
		&scans.ProgressScan{Registry: registry, Bus: messageBus, Artifacts: collab.AlwaysAvailable{}, RequiredArtifacts: func(string) []string { return nil }},
		&scans.OvernightScan{Manager: overnightMgr, Bus: messageBus},
		&scans.AnalyticsScan{Registry: registry, Bus: messageBus, ProjectRoot: *root, Gateway: gateway},
	}

	w := watcher.New(messageBus)
	if *once {
		w = nil
	}

	state := daemon.NewPmState(*root, pmSessionID)
	actionLog := scan.NewActionLog(*root)
	loop := scan.NewLoop(w, allScans, handlerMap, actionLog, state, time.Now())
	loop.SetRecorder(metricsReg)

	d := daemon.New(daemon.Config{
		ProjectRoot: *root,
		PMSessionID: pmSessionID,
		TickPeriod:  time.Duration(*tickMS) * time.Millisecond,
		Once:        *once,
		DryRun:      *dryRun,
		StatusAddr:  *statusAddr,
		Logger:      logger,
	}, state, loop)

	d.SetMetrics(metricsReg, daemon.FleetCounts{
		ActiveSessions: func() int {
			active, err := registry.ActiveSessions()
			if err != nil {
				return 0
			}
			return len(active)
		},
		SpawnedRunning: func() int {
			n, err := sp.CountAlive()
			if err != nil {
				return 0
			}
			return n
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	err = d.Run(ctx)
	endErr := registry.End(pmSessionID, "daemon stopped")
	if err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return err
		}
		return fmt.Errorf("daemon run: %w", err)
	}
	return endErr
}

func buildRecoveryScan(dryRun bool, registry *session.Registry, checkpoints *checkpoint.Store, b *bus.Bus, sp *spawner.Spawner, binPath, root string) scan.Scan {
	rs := &scans.RecoveryScan{Registry: registry, Checkpoints: checkpoints, Bus: b, Spawner: sp, BinPath: binPath, ProjectRoot: root}
	if dryRun {
		rs.Spawner = nil
	}
	return rs
}

// humanEscalationAdapter satisfies scans.HumanEscalationAppender over
// *pkg/scan.HumanEscalationLog's concrete Append signature.
type humanEscalationAdapter struct {
	log *scan.HumanEscalationLog
}

func (a humanEscalationAdapter) Append(e scans.HumanEscalationEntry) error {
	return a.log.Append(scan.HumanEscalation{
		TS: e.TS, TaskID: e.TaskID, Session: e.Session, Reason: e.Reason,
	})
}
