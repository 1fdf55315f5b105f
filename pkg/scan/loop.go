package scan

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"context"

	"github.com/codeready-toolchain/pilotd/pkg/watcher"
)

// StateSink is the minimal slice of PmState the loop needs to mutate each
// tick. pkg/daemon.PmState implements this; the scan package never
// imports pkg/daemon (that edge would be circular) — dependencies are
// injected as capability interfaces instead of reached for just-in-time.
type StateSink interface {
	BeginTick()
	EndTick(err error)
	RecordEventsProcessed(n int)
	ApplyDelta(delta map[string]int)
}

// ScanRecorder observes each scan's execution for external metrics,
// satisfied by *pkg/daemon/metrics.Metrics without this package
// importing it (the same explicit-dependency-graph rule as StateSink).
type ScanRecorder interface {
	RecordScan(kind string, dur time.Duration, mechanical, judgment int)
}

// EventHandler reacts to one classified bus event and returns the result
// to record in the action log.
type EventHandler interface {
	Handle(ctx context.Context, c watcher.Classified) (Result, error)
}

// EventHandlerFunc adapts a plain function to EventHandler.
type EventHandlerFunc func(ctx context.Context, c watcher.Classified) (Result, error)

func (f EventHandlerFunc) Handle(ctx context.Context, c watcher.Classified) (Result, error) {
	return f(ctx, c)
}

type heapEntry struct {
	kind    string
	nextDue time.Time
}

type dueHeap []*heapEntry

func (h dueHeap) Len() int            { return len(h) }
func (h dueHeap) Less(i, j int) bool  { return h[i].nextDue.Before(h[j].nextDue) }
func (h dueHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *dueHeap) Push(x any)         { *h = append(*h, x.(*heapEntry)) }
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Loop is the PM daemon's single logical thread of control: one Tick
// drains pending bus events through handlers, then runs every scan whose
// deadline has elapsed, in a fixed order (health, task, drift, pressure,
// cost, recovery, escalation, progress, overnight, analytics).
type Loop struct {
	mu         sync.Mutex
	h          dueHeap
	scanByKind map[string]Scan
	watcher    *watcher.Watcher
	handlers   map[watcher.Action]EventHandler
	log        *ActionLog
	sink       StateSink
	recorder   ScanRecorder
}

// SetRecorder wires an optional ScanRecorder; nil (the default) disables
// per-scan metrics recording without changing any other behavior.
func (l *Loop) SetRecorder(r ScanRecorder) { l.recorder = r }

// NewLoop returns a Loop driving scans, dispatching classified events from
// w (nil in --once mode, where no watcher runs) to handlers, recording
// outcomes to log and deltas to sink. Every scan's first deadline is now,
// so the first tick runs the complete set regardless of interval.
func NewLoop(w *watcher.Watcher, scans []Scan, handlers map[watcher.Action]EventHandler, log *ActionLog, sink StateSink, now time.Time) *Loop {
	l := &Loop{
		scanByKind: make(map[string]Scan, len(scans)),
		watcher:    w,
		handlers:   handlers,
		log:        log,
		sink:       sink,
	}
	for _, s := range scans {
		l.scanByKind[s.Kind()] = s
		l.h = append(l.h, &heapEntry{kind: s.Kind(), nextDue: now})
	}
	heap.Init(&l.h)
	return l
}

// Tick drains pending events (when a watcher is set) and runs due scans.
// The daemon calls it once per tick-timer fire in watch mode, and once
// in --once mode.
func (l *Loop) Tick(ctx context.Context) error {
	l.sink.BeginTick()
	var tickErr error
	if l.watcher != nil {
		if err := l.drainEvents(ctx); err != nil {
			tickErr = err
		}
	}
	if err := l.RunPeriodicScans(ctx); err != nil && tickErr == nil {
		tickErr = err
	}
	l.sink.EndTick(tickErr)
	return tickErr
}

func (l *Loop) drainEvents(ctx context.Context) error {
	classified, err := l.watcher.Drain(ctx)
	if err != nil {
		return err
	}
	l.sink.RecordEventsProcessed(len(classified))
	for _, c := range classified {
		h, ok := l.handlers[c.Action]
		if !ok {
			continue
		}
		res, herr := l.safeHandle(ctx, h, c)
		entry := ActionLogEntry{
			TS:      time.Now().UTC(),
			Source:  "watcher:" + string(c.Action),
			Class:   res.Class,
			Summary: res.Summary,
			Detail:  res.Detail,
		}
		if herr != nil {
			entry.Error = herr.Error()
			l.sink.ApplyDelta(map[string]int{"errors": 1})
		} else if delta, ok := res.Detail["state_delta"].(map[string]int); ok {
			l.sink.ApplyDelta(delta)
		}
		_ = l.log.Append(entry)
	}
	return nil
}

func (l *Loop) safeHandle(ctx context.Context, h EventHandler, c watcher.Classified) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan: handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, c)
}

// RunPeriodicScans runs every scan whose deadline has elapsed, in fixed
// order, and reschedules each for its next interval. Tick calls it after
// draining events; in "--once" mode (cron invocation) there is no
// watcher, so that single Tick is a single pass of this.
func (l *Loop) RunPeriodicScans(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now().UTC()
	due := l.popDueLocked(now)
	l.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return orderIndex(due[i].Kind()) < orderIndex(due[j].Kind()) })

	var firstErr error
	for _, s := range due {
		start := time.Now()
		results, err := l.safeRun(ctx, s)
		if l.recorder != nil {
			mech, judg := 0, 0
			for _, r := range results {
				if r.Class == ClassJudgment {
					judg++
				} else {
					mech++
				}
			}
			l.recorder.RecordScan(s.Kind(), time.Since(start), mech, judg)
		}
		for _, r := range results {
			entry := ActionLogEntry{TS: now, Source: s.Kind(), Class: r.Class, Summary: r.Summary, Detail: r.Detail}
			_ = l.log.Append(entry)
			if delta, ok := r.Detail["state_delta"].(map[string]int); ok {
				l.sink.ApplyDelta(delta)
			}
		}
		if err != nil {
			_ = l.log.Append(ActionLogEntry{TS: now, Source: s.Kind(), Class: ClassMechanical, Summary: "scan failed", Error: err.Error()})
			l.sink.ApplyDelta(map[string]int{"errors": 1})
			if firstErr == nil {
				firstErr = err
			}
		}

		l.mu.Lock()
		heap.Push(&l.h, &heapEntry{kind: s.Kind(), nextDue: now.Add(s.Interval())})
		l.mu.Unlock()
	}
	return firstErr
}

func (l *Loop) popDueLocked(now time.Time) []Scan {
	var due []Scan
	for l.h.Len() > 0 && !l.h[0].nextDue.After(now) {
		e := heap.Pop(&l.h).(*heapEntry)
		due = append(due, l.scanByKind[e.kind])
	}
	return due
}

func (l *Loop) safeRun(ctx context.Context, s Scan) (results []Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan: %s panicked: %v", s.Kind(), r)
		}
	}()
	return s.Run(ctx)
}
