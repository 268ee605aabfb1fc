package train

import (
	"fmt"
	"sort"
	"time"
)

// Phase names instrumented by the epoch loop.
const (
	TimerLoadBatch   = "load_batch"
	TimerForwardPass = "forward_pass"
	TimerBackprop    = "backprop"
	TimerOptimize    = "optimize"
	TimerIteration   = "one_iteration"
)

type timerEntry struct {
	start   time.Time
	running bool
	total   time.Duration
	count   int
}

// Timers measures named phases of the training loop. A nil *Timers is a
// valid no-op, so instrumentation can be disabled without branching at every
// call site.
type Timers struct {
	entries map[string]*timerEntry
}

// NewTimers returns an enabled timer set.
func NewTimers() *Timers {
	return &Timers{entries: make(map[string]*timerEntry)}
}

// Tic starts (or restarts) the named phase.
func (t *Timers) Tic(name string) {
	if t == nil {
		return
	}
	e, ok := t.entries[name]
	if !ok {
		e = &timerEntry{}
		t.entries[name] = e
	}
	e.start = time.Now()
	e.running = true
}

// Toc stops the named phase and accumulates its duration. Unmatched Toc
// calls are ignored.
func (t *Timers) Toc(name string) {
	if t == nil {
		return
	}
	e, ok := t.entries[name]
	if !ok || !e.running {
		return
	}
	e.total += time.Since(e.start)
	e.running = false
	e.count++
}

// Total returns the accumulated time of the named phase.
func (t *Timers) Total(name string) time.Duration {
	if t == nil {
		return 0
	}
	if e, ok := t.entries[name]; ok {
		return e.total
	}
	return 0
}

// Count returns how many completed intervals the phase has recorded.
func (t *Timers) Count(name string) int {
	if t == nil {
		return 0
	}
	if e, ok := t.entries[name]; ok {
		return e.count
	}
	return 0
}

// Summary formats per-phase totals and mean durations, one phase per line.
func (t *Timers) Summary() string {
	if t == nil || len(t.entries) == 0 {
		return ""
	}
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	out := ""
	for _, name := range names {
		e := t.entries[name]
		mean := time.Duration(0)
		if e.count > 0 {
			mean = e.total / time.Duration(e.count)
		}
		out += fmt.Sprintf("%-16s total %-12s mean %s (n=%d)\n", name, e.total, mean, e.count)
	}
	return out
}
