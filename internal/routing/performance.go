package routing

import (
	"sync"
	"sync/atomic"
	"time"
)

// TargetPerformance is a snapshot of one target's delivery history.
type TargetPerformance struct {
	Target      string
	Success     uint64
	Failure     uint64
	ActiveConns int64
	LastUpdate  time.Time
}

// Weight is the target's success ratio, defaulting to 1.0 when unseen.
func (p TargetPerformance) Weight() float64 {
	total := p.Success + p.Failure
	if total == 0 {
		return 1.0
	}
	return float64(p.Success) / float64(total)
}

// targetPerf holds live counters. Updates are independent increments, not
// multi-field transactions; decision-time snapshots tolerate staleness.
type targetPerf struct {
	success atomic.Uint64
	failure atomic.Uint64
	active  atomic.Int64
	updated atomic.Int64 // unix nanos
}

func (p *targetPerf) snapshot(id string) TargetPerformance {
	return TargetPerformance{
		Target:      id,
		Success:     p.success.Load(),
		Failure:     p.failure.Load(),
		ActiveConns: p.active.Load(),
		LastUpdate:  time.Unix(0, p.updated.Load()),
	}
}

// PerformanceTable tracks per-target performance. Entries are never deleted;
// cardinality is bounded by the target population.
type PerformanceTable struct {
	mu sync.RWMutex
	m  map[string]*targetPerf
}

func NewPerformanceTable() *PerformanceTable {
	return &PerformanceTable{m: map[string]*targetPerf{}}
}

func (t *PerformanceTable) get(id string) *targetPerf {
	t.mu.RLock()
	p := t.m[id]
	t.mu.RUnlock()
	if p != nil {
		return p
	}
	t.mu.Lock()
	p = t.m[id]
	if p == nil {
		p = &targetPerf{}
		t.m[id] = p
	}
	t.mu.Unlock()
	return p
}

// Record counts one routing outcome against the target.
func (t *PerformanceTable) Record(id string, ok bool) {
	p := t.get(id)
	if ok {
		p.success.Add(1)
	} else {
		p.failure.Add(1)
	}
	p.updated.Store(time.Now().UnixNano())
}

// ConnOpened / ConnClosed track a target's live connection count for
// least-connections balancing.
func (t *PerformanceTable) ConnOpened(id string) {
	p := t.get(id)
	p.active.Add(1)
	p.updated.Store(time.Now().UnixNano())
}

func (t *PerformanceTable) ConnClosed(id string) {
	p := t.get(id)
	// Clamp at zero; disconnects may be reported twice.
	for {
		cur := p.active.Load()
		if cur <= 0 {
			break
		}
		if p.active.CompareAndSwap(cur, cur-1) {
			break
		}
	}
	p.updated.Store(time.Now().UnixNano())
}

// Snapshot returns the current performance view for id (zero value when
// unseen).
func (t *PerformanceTable) Snapshot(id string) TargetPerformance {
	t.mu.RLock()
	p := t.m[id]
	t.mu.RUnlock()
	if p == nil {
		return TargetPerformance{Target: id}
	}
	return p.snapshot(id)
}

// All returns snapshots for every known target.
func (t *PerformanceTable) All() []TargetPerformance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TargetPerformance, 0, len(t.m))
	for id, p := range t.m {
		out = append(out, p.snapshot(id))
	}
	return out
}
