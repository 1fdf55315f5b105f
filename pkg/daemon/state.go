// Package daemon supervises the tick loop under a single-instance lock,
// handling signals, watch/once modes, and the read-only status surface.
package daemon

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
)

// SpawnedAgentView is the transient per-tick snapshot of one tracked
// spawner entry, as surfaced in PmStateData.SpawnedAgents.
type SpawnedAgentView struct {
	PID     int    `json:"pid"`
	TaskID  string `json:"task_id"`
	Role    string `json:"role"`
	Running bool   `json:"running"`
}

// PmStateData is the persisted, process-wide counters and bookkeeping,
// atomically rewritten to state/orchestrator/pm-state.json once per tick.
type PmStateData struct {
	PMSessionID       string             `json:"pm_session_id"`
	StartedAt         time.Time          `json:"started_at"`
	TickCount         int64              `json:"tick_count"`
	EventsProcessed   int64              `json:"events_processed"`
	AgentsSpawned     int64              `json:"agents_spawned"`
	TasksAutoReviewed int64              `json:"tasks_auto_reviewed"`
	TasksAutoClosed   int64              `json:"tasks_auto_closed"`
	Errors            int64              `json:"errors"`
	LastTickAt        time.Time          `json:"last_tick_at"`
	LastError         string             `json:"last_error,omitempty"`
	SpawnedAgents     []SpawnedAgentView `json:"spawned_agents,omitempty"`
}

// PmState wraps PmStateData with the mutex serializing tick-goroutine
// writes against status-server reads; it implements pkg/scan.StateSink.
type PmState struct {
	mu   sync.Mutex
	data PmStateData
	path string
}

// NewPmState returns a fresh, in-memory PmState for session pmSessionID,
// persisted under <projectRoot>/state/orchestrator/pm-state.json.
func NewPmState(projectRoot, pmSessionID string) *PmState {
	return &PmState{
		data: PmStateData{PMSessionID: pmSessionID, StartedAt: time.Now().UTC()},
		path: filepath.Join(projectRoot, "state", "orchestrator", "pm-state.json"),
	}
}

// LoadPmState reads a previously persisted PmState, for daemon restart;
// returns a fresh state if none exists yet.
func LoadPmState(projectRoot, pmSessionID string) (*PmState, error) {
	path := filepath.Join(projectRoot, "state", "orchestrator", "pm-state.json")
	var data PmStateData
	ok, err := fsstore.ReadJSON(path, &data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewPmState(projectRoot, pmSessionID), nil
	}
	data.PMSessionID = pmSessionID
	return &PmState{data: data, path: path}, nil
}

// BeginTick bumps tick_count; called at the start of every Loop.Tick.
func (s *PmState) BeginTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.TickCount++
}

// EndTick records the tick's terminal error (if any) and persists the
// whole state, since every tick ends with an atomic rewrite.
func (s *PmState) EndTick(err error) {
	s.mu.Lock()
	s.data.LastTickAt = time.Now().UTC()
	if err != nil {
		s.data.LastError = err.Error()
	}
	snapshot := s.data
	snapshot.SpawnedAgents = append([]SpawnedAgentView{}, s.data.SpawnedAgents...)
	s.mu.Unlock()

	_ = fsstore.WriteJSON(s.path, snapshot)
}

// RecordEventsProcessed adds n to events_processed.
func (s *PmState) RecordEventsProcessed(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.EventsProcessed += int64(n)
}

// ApplyDelta adds named counters from delta onto the matching PmState
// fields; unrecognized keys are ignored rather than rejected, since
// scans are added independently of this package.
func (s *PmState) ApplyDelta(delta map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range delta {
		switch k {
		case "agents_spawned":
			s.data.AgentsSpawned += int64(v)
		case "tasks_auto_reviewed":
			s.data.TasksAutoReviewed += int64(v)
		case "tasks_auto_closed":
			s.data.TasksAutoClosed += int64(v)
		case "errors":
			s.data.Errors += int64(v)
		}
	}
}

// SetSpawnedAgents replaces the transient spawned_agents snapshot.
func (s *PmState) SetSpawnedAgents(agents []SpawnedAgentView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.SpawnedAgents = agents
}

// Snapshot returns a copy of the current state, safe for a caller (the
// status server) to serialize without racing the tick goroutine.
func (s *PmState) Snapshot() PmStateData {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.data
	cp.SpawnedAgents = append([]SpawnedAgentView{}, s.data.SpawnedAgents...)
	return cp
}
