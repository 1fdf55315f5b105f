// Package overnight manages a bounded, supervised batch of tasks with
// per-task and global error budgets and a terminal report, persisted to
// state/overnight/.
package overnight

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
)

// Status is the lifecycle state of an overnight run.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// ErrorBudget bounds per-task and total failures before a run stops itself.
type ErrorBudget struct {
	MaxFailuresPerTask int `yaml:"max_failures_per_task" json:"max_failures_per_task"`
	MaxTotalFailures   int `yaml:"max_total_failures" json:"max_total_failures"`
}

// Run is the persisted OvernightRun entity.
type Run struct {
	RunID            string     `json:"run_id"`
	Description      string     `json:"description"`
	TaskIDs          []string   `json:"task_ids"`
	TasksInProgress  []string   `json:"tasks_in_progress"`
	TasksCompleted   []string   `json:"tasks_completed"`
	TasksFailed      []string   `json:"tasks_failed"`
	TotalErrors      int        `json:"total_errors"`
	DrainRequested   bool       `json:"drain_requested"`
	DrainRequestedAt *time.Time `json:"drain_requested_at,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	Status           Status     `json:"status"`

	failureCounts map[string]int
}

// Manager owns at most one active Run at a time, persisted under
// <projectRoot>/state/overnight.
type Manager struct {
	dir    string
	budget ErrorBudget
	mu     sync.Mutex
}

// New returns a Manager rooted at <projectRoot>/state/overnight.
func New(projectRoot string, budget ErrorBudget) *Manager {
	return &Manager{dir: filepath.Join(projectRoot, "state", "overnight"), budget: budget}
}

func (m *Manager) runPath(runID string) string {
	return filepath.Join(m.dir, runID+".json")
}

func (m *Manager) errorPath(runID, taskID string) string {
	return filepath.Join(m.dir, "errors", sanitize(taskID)+".json")
}

func (m *Manager) reportPath(runID, ext string) string {
	return filepath.Join(m.dir, "reports", runID+"."+ext)
}

// Budget returns the error budget this Manager enforces, so a caller
// (the overnight scan) can judge a run's TotalErrors without reaching
// into Manager internals.
func (m *Manager) Budget() ErrorBudget {
	return m.budget
}

// Active returns the single active run, if any.
func (m *Manager) Active() (*Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() (*Run, bool, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("overnight: list %s: %w", m.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var r Run
		ok, err := fsstore.ReadJSON(filepath.Join(m.dir, e.Name()), &r)
		if err != nil || !ok {
			continue
		}
		if r.Status == StatusActive {
			return &r, true, nil
		}
	}
	return nil, false, nil
}

// Start begins a new run, failing if one is already active.
func (m *Manager) Start(runID, description string, taskIDs []string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok, err := m.activeLocked(); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("overnight: run %s already active", existing.RunID)
	}

	r := &Run{
		RunID:       runID,
		Description: description,
		TaskIDs:     append([]string{}, taskIDs...),
		StartedAt:   time.Now().UTC(),
		Status:      StatusActive,
	}
	if err := m.writeLocked(r); err != nil {
		return nil, err
	}
	return r, nil
}

// RecordTaskStarted moves taskID into tasks_in_progress.
func (m *Manager) RecordTaskStarted(runID, taskID string) error {
	return m.mutate(runID, func(r *Run) error {
		r.TasksInProgress = appendUnique(r.TasksInProgress, taskID)
		return nil
	})
}

// RecordTaskCompleted moves taskID into tasks_completed.
func (m *Manager) RecordTaskCompleted(runID, taskID string) error {
	return m.mutate(runID, func(r *Run) error {
		r.TasksInProgress = remove(r.TasksInProgress, taskID)
		r.TasksCompleted = appendUnique(r.TasksCompleted, taskID)
		return nil
	})
}

// BudgetOutcome reports what RecordTaskFailed observed against the
// configured budget, so the scan can decide whether to stop the run.
type BudgetOutcome struct {
	PerTaskExceeded bool
	TotalExceeded   bool
}

// RecordTaskFailed increments error counters for taskID and the run
// total, moving taskID into tasks_failed once its per-task budget is
// exceeded.
func (m *Manager) RecordTaskFailed(runID, taskID string) (BudgetOutcome, error) {
	var outcome BudgetOutcome
	err := m.mutate(runID, func(r *Run) error {
		r.TotalErrors++
		count := m.incrementTaskFailures(runID, taskID)

		if m.budget.MaxFailuresPerTask > 0 && count >= m.budget.MaxFailuresPerTask {
			outcome.PerTaskExceeded = true
			r.TasksInProgress = remove(r.TasksInProgress, taskID)
			r.TasksFailed = appendUnique(r.TasksFailed, taskID)
		}
		if m.budget.MaxTotalFailures > 0 && r.TotalErrors >= m.budget.MaxTotalFailures {
			outcome.TotalExceeded = true
		}
		return nil
	})
	return outcome, err
}

func (m *Manager) incrementTaskFailures(runID, taskID string) int {
	path := m.errorPath(runID, taskID)
	var rec struct {
		Count int `json:"count"`
	}
	fsstore.ReadJSON(path, &rec)
	rec.Count++
	fsstore.WriteJSON(path, rec)
	return rec.Count
}

// RequestDrain asks the run to stop spawning new agents and let current
// ones finish.
func (m *Manager) RequestDrain(runID string) error {
	return m.mutate(runID, func(r *Run) error {
		if r.DrainRequested {
			return nil
		}
		now := time.Now().UTC()
		r.DrainRequested = true
		r.DrainRequestedAt = &now
		return nil
	})
}

// IsComplete reports whether every task id has landed in completed or failed.
func (r *Run) IsComplete() bool {
	done := map[string]bool{}
	for _, id := range r.TasksCompleted {
		done[id] = true
	}
	for _, id := range r.TasksFailed {
		done[id] = true
	}
	for _, id := range r.TaskIDs {
		if !done[id] {
			return false
		}
	}
	return true
}

// End transitions the run to status and generates its terminal report.
func (m *Manager) End(runID string, status Status) (*Run, error) {
	var final *Run
	err := m.mutate(runID, func(r *Run) error {
		now := time.Now().UTC()
		r.Status = status
		r.EndedAt = &now
		final = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.GenerateReport(final); err != nil {
		return final, err
	}
	return final, nil
}

// GenerateReport writes run's terminal report as both JSON and Markdown
// under state/overnight/reports/.
func (m *Manager) GenerateReport(r *Run) error {
	if err := fsstore.WriteJSON(m.reportPath(r.RunID, "json"), r); err != nil {
		return fmt.Errorf("overnight: write json report: %w", err)
	}

	md := renderMarkdownReport(r)
	if err := fsstore.EnsureDir(filepath.Dir(m.reportPath(r.RunID, "md"))); err != nil {
		return fmt.Errorf("overnight: ensure report dir: %w", err)
	}
	if err := os.WriteFile(m.reportPath(r.RunID, "md"), []byte(md), 0o644); err != nil {
		return fmt.Errorf("overnight: write md report: %w", err)
	}
	return nil
}

func renderMarkdownReport(r *Run) string {
	return fmt.Sprintf(
		"# Overnight run %s\n\n%s\n\nStatus: %s\nStarted: %s\nTasks: %d total, %d completed, %d failed\nTotal errors: %d\n",
		r.RunID, r.Description, r.Status, r.StartedAt.Format(time.RFC3339),
		len(r.TaskIDs), len(r.TasksCompleted), len(r.TasksFailed), r.TotalErrors,
	)
}

func (m *Manager) mutate(runID string, fn func(*Run) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var r Run
	ok, err := fsstore.ReadJSON(m.runPath(runID), &r)
	if err != nil {
		return fmt.Errorf("overnight: read %s: %w", runID, err)
	}
	if !ok {
		return fmt.Errorf("overnight: run %s not found", runID)
	}
	if err := fn(&r); err != nil {
		return err
	}
	return m.writeLocked(&r)
}

func (m *Manager) writeLocked(r *Run) error {
	return fsstore.WriteJSON(m.runPath(r.RunID), r)
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

func remove(list []string, id string) []string {
	out := list[:0]
	for _, existing := range list {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func sanitize(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
