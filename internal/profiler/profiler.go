// Package profiler keeps named wall-clock and process CPU timers.
//
// A Profiler is explicit state: callers create one, share it with whatever
// they want measured and Clear it between runs. Nothing here is global.
package profiler

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// Timing is the accumulated record of one timer.
type Timing struct {
	Count int           `json:"count"`
	Last  time.Duration `json:"last"`
	Total time.Duration `json:"total"`
	CPU   time.Duration `json:"cpu"`
}

// Mean returns Total / Count.
func (t Timing) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

type running struct {
	wall time.Time
	cpu  time.Duration
}

// Profiler is safe for concurrent use. A nil *Profiler ignores every call.
type Profiler struct {
	mu      sync.Mutex
	now     func() time.Time
	open    map[string]running
	timings map[string]Timing
}

// New returns an empty profiler.
func New() *Profiler {
	return &Profiler{
		now:     time.Now,
		open:    make(map[string]running),
		timings: make(map[string]Timing),
	}
}

// Start opens the timer name. Starting an open timer restarts it.
func (p *Profiler) Start(name string) {
	if p == nil {
		return
	}
	cpu := processCPU()
	p.mu.Lock()
	p.open[name] = running{wall: p.now(), cpu: cpu}
	p.mu.Unlock()
}

// End closes the timer name and returns the elapsed wall time. Ending a
// timer that was never started returns 0 and records nothing.
func (p *Profiler) End(name string) time.Duration {
	if p == nil {
		return 0
	}
	cpu := processCPU()
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.open[name]
	if !ok {
		return 0
	}
	delete(p.open, name)
	d := p.now().Sub(r.wall)
	t := p.timings[name]
	t.Count++
	t.Last = d
	t.Total += d
	t.CPU += max(cpu-r.cpu, 0)
	p.timings[name] = t
	return d
}

// Add records a duration measured elsewhere under name.
func (p *Profiler) Add(name string, d time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.timings[name]
	t.Count++
	t.Last = d
	t.Total += d
	p.timings[name] = t
}

// Get returns the last recorded duration of name.
func (p *Profiler) Get(name string) time.Duration {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timings[name].Last
}

// Timing returns the full record of name.
func (p *Profiler) Timing(name string) (Timing, bool) {
	if p == nil {
		return Timing{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.timings[name]
	return t, ok
}

// Names returns the recorded timer names, sorted.
func (p *Profiler) Names() []string {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Sorted(maps.Keys(p.timings))
}

// Snapshot copies every recorded timing.
func (p *Profiler) Snapshot() map[string]Timing {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.timings)
}

// Clear drops every timer, open or closed.
func (p *Profiler) Clear() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.open)
	clear(p.timings)
}
