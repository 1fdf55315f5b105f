package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/pilotd/pkg/scan/scheduler"
)

func TestScheduleAssignsAtMostOnePerIdleSession(t *testing.T) {
	now := time.Now()
	ready := []scheduler.Task{
		{ID: "T1", Role: "backend", Priority: 1, CreatedAt: now.Add(-time.Hour)},
		{ID: "T2", Role: "backend", Priority: 1, CreatedAt: now},
	}
	sessions := []scheduler.Session{
		{SessionID: "S1", Role: "backend", Idle: true},
	}

	assignments, unassigned := scheduler.Schedule(ready, sessions)
	assert.Len(t, assignments, 1)
	assert.Equal(t, "T1", assignments[0].Task.ID, "older task wins the tie")
	assert.Len(t, unassigned, 1)
	assert.Equal(t, "T2", unassigned[0].Task.ID)
}

func TestScheduleIgnoresBusySessions(t *testing.T) {
	ready := []scheduler.Task{{ID: "T1", CreatedAt: time.Now()}}
	sessions := []scheduler.Session{
		{SessionID: "S1", Idle: false},
	}
	assignments, unassigned := scheduler.Schedule(ready, sessions)
	assert.Empty(t, assignments)
	assert.Len(t, unassigned, 1)
}

func TestScheduleRoleMatchPreferredOverBareIdle(t *testing.T) {
	ready := []scheduler.Task{{ID: "T1", Role: "frontend", Priority: 1, CreatedAt: time.Now()}}
	sessions := []scheduler.Session{
		{SessionID: "general", Role: "general", Idle: true},
		{SessionID: "frontend", Role: "frontend", Idle: true},
	}
	assignments, _ := scheduler.Schedule(ready, sessions)
	assert.Len(t, assignments, 1)
	assert.Equal(t, "frontend", assignments[0].Session.SessionID)
}

func TestScheduleBreaksTiesByPriorityThenAge(t *testing.T) {
	now := time.Now()
	ready := []scheduler.Task{
		{ID: "low-old", Priority: 1, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "high-new", Priority: 5, CreatedAt: now},
	}
	sessions := []scheduler.Session{{SessionID: "S1", Idle: true}}

	assignments, unassigned := scheduler.Schedule(ready, sessions)
	assert.Len(t, assignments, 1)
	assert.Equal(t, "high-new", assignments[0].Task.ID, "higher priority wins regardless of age")
	assert.Len(t, unassigned, 1)
	assert.Equal(t, "low-old", unassigned[0].Task.ID)
}
