// Package scheduler implements the batch scheduler contract: a pure
// function that scores ready tasks against idle agent sessions and
// produces at most one assignment per idle session. The loop
// (pkg/scan/scans.TaskScan) is responsible for actually issuing the
// assignments this function proposes.
package scheduler

import "time"

// Task is the scheduler's view of a ready work item.
type Task struct {
	ID                  string
	Role                string // preferred/required agent role, "" = any
	Priority            int    // higher runs first
	CreatedAt           time.Time
	DependencyOpenness  float64 // 0 = fully blocked, 1 = no open dependencies
}

// Session is the scheduler's view of a candidate agent session.
type Session struct {
	SessionID         string
	Role              string
	Idle              bool
	CurrentLoad       int // claimed-task count, usually 0 or 1
	RecentFailures    int
	BudgetHeadroomPct float64 // 0-100
}

// Assignment is one proposed (task, session) pairing.
type Assignment struct {
	Task      Task
	Session   Session
	Score     float64
	Rationale string
}

// Unassigned is a ready task the scheduler could not place this round,
// with a human-readable reason.
type Unassigned struct {
	Task   Task
	Reason string
}

// Weights for each scoring term: role match strongest, then load, then
// recent-failure penalty, then budget headroom, then dependency openness.
const (
	weightRoleMatch      = 40.0
	weightLoadPenalty    = 25.0
	weightFailurePenalty = 20.0
	weightBudget         = 10.0
	weightDependency     = 5.0
)

// Schedule proposes at most one assignment per currently-idle session.
// Ties among candidate tasks for the same session are broken by task
// priority (descending) then creation time (ascending, oldest first).
func Schedule(ready []Task, sessions []Session) (assignments []Assignment, unassigned []Unassigned) {
	remaining := make([]Task, len(ready))
	copy(remaining, ready)
	sortTasks(remaining)

	assignedSession := make(map[string]bool, len(sessions))

	for _, t := range remaining {
		best := bestSessionFor(t, sessions, assignedSession)
		if best == nil {
			unassigned = append(unassigned, Unassigned{Task: t, Reason: "no idle session available"})
			continue
		}
		assignedSession[best.SessionID] = true
		assignments = append(assignments, Assignment{
			Task:      t,
			Session:   *best,
			Score:     score(t, *best),
			Rationale: rationale(t, *best),
		})
	}
	return assignments, unassigned
}

func bestSessionFor(t Task, sessions []Session, taken map[string]bool) *Session {
	var best *Session
	bestScore := -1.0
	for i := range sessions {
		s := sessions[i]
		if !s.Idle || taken[s.SessionID] {
			continue
		}
		sc := score(t, s)
		if best == nil || sc > bestScore {
			best = &s
			bestScore = sc
		}
	}
	return best
}

func score(t Task, s Session) float64 {
	roleMatch := 0.0
	if t.Role == "" || t.Role == s.Role {
		roleMatch = 1.0
	}
	loadPenalty := 1.0 / float64(1+s.CurrentLoad)
	failurePenalty := 1.0 / float64(1+s.RecentFailures)
	budgetHeadroom := clamp01(s.BudgetHeadroomPct / 100)
	dependencyOpenness := clamp01(t.DependencyOpenness)

	return weightRoleMatch*roleMatch +
		weightLoadPenalty*loadPenalty +
		weightFailurePenalty*failurePenalty +
		weightBudget*budgetHeadroom +
		weightDependency*dependencyOpenness
}

func rationale(t Task, s Session) string {
	if t.Role != "" && t.Role == s.Role {
		return "role match: " + s.Role
	}
	if t.Role == "" {
		return "no role preference, idle session " + s.SessionID
	}
	return "no matching role, best available idle session"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sortTasks(tasks []Task) {
	// Insertion sort: task lists are small (bounded by a single tick's
	// ready set), and this keeps the comparator inline and obviously
	// correct rather than reaching for sort.Slice with a closure.
	for i := 1; i < len(tasks); i++ {
		j := i
		for j > 0 && taskLess(tasks[j], tasks[j-1]) {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
			j--
		}
	}
}

// taskLess orders a before b: higher priority first, then older
// creation time first.
func taskLess(a, b Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
