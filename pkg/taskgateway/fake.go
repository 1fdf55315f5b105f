package taskgateway

import (
	"context"
	"fmt"
	"sync"
)

// FakeGateway is an in-memory Gateway backing tests for the scan loop
// and scheduler, standing in for the external task CLI subprocess.
type FakeGateway struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	claims map[string]string // task id -> session id
}

// NewFakeGateway returns a FakeGateway seeded with tasks.
func NewFakeGateway(tasks ...Task) *FakeGateway {
	g := &FakeGateway{tasks: map[string]*Task{}, claims: map[string]string{}}
	for i := range tasks {
		t := tasks[i]
		g.tasks[t.ID] = &t
	}
	return g
}

func (g *FakeGateway) Ready(ctx context.Context) ([]Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Task
	for _, t := range g.tasks {
		if t.Status == "ready" || t.Status == "" {
			if len(t.BlockedBy) == 0 {
				out = append(out, *t)
			}
		}
	}
	return out, nil
}

func (g *FakeGateway) List(ctx context.Context, filter Filter) ([]Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Task
	for _, t := range g.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (g *FakeGateway) Deps(ctx context.Context, id string) (Deps, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return Deps{}, fmt.Errorf("taskgateway: unknown task %s", id)
	}
	return Deps{Blocks: t.Blocks, BlockedBy: t.BlockedBy}, nil
}

func (g *FakeGateway) Claim(ctx context.Context, id, session string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.claims[id]; ok && existing != session {
		return fmt.Errorf("taskgateway: %s already claimed by %s", id, existing)
	}
	g.claims[id] = session
	if t, ok := g.tasks[id]; ok {
		t.Status = "claimed"
	}
	return nil
}

func (g *FakeGateway) Update(ctx context.Context, id string, fields map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("taskgateway: unknown task %s", id)
	}
	if status, ok := fields["status"].(string); ok {
		t.Status = status
	}
	return nil
}

func (g *FakeGateway) Close(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("taskgateway: unknown task %s", id)
	}
	t.Status = "closed"
	return nil
}

// AddTask inserts or replaces a task, used by tests to simulate new work
// appearing between ticks.
func (g *FakeGateway) AddTask(t Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks[t.ID] = &t
}
