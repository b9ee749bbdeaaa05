package aggregate

import (
	"context"
	"sync"
	"time"

	"pushgate/internal/eventbus"
	logx "pushgate/pkg/logx"
)

// milestones are the completion percentages that force a push; each fires at
// most once per batch.
var milestones = [...]float64{25, 50, 75, 100}

// Config tunes push triggering and the progress sweeps.
type Config struct {
	PushInterval       time.Duration
	QuantityStep       int
	MilestoneTolerance float64 // percent points
	RecentDevices      int

	WarningAfter time.Duration
	TimeoutAfter time.Duration
	Retention    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PushInterval <= 0 {
		c.PushInterval = 5 * time.Second
	}
	if c.QuantityStep <= 0 {
		c.QuantityStep = 50
	}
	if c.MilestoneTolerance <= 0 {
		c.MilestoneTolerance = 0.5
	}
	if c.RecentDevices <= 0 {
		c.RecentDevices = 10
	}
	if c.WarningAfter <= 0 {
		c.WarningAfter = 2 * time.Minute
	}
	if c.TimeoutAfter <= 0 {
		c.TimeoutAfter = 10 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	return c
}

// entry pairs one batch's state with its push bookkeeping. All mutation
// happens under mu; independent batches never contend.
type entry struct {
	mu sync.Mutex

	state      BatchState
	lastPushAt time.Time
	fired      map[float64]bool // milestones already pushed
	warned     bool
	finalSent  bool
	terminalAt time.Time
	extra      map[string]any
}

// Aggregator owns the per-batch state table and evaluates push triggers.
type Aggregator struct {
	mu      sync.RWMutex
	batches map[string]*entry

	cfgMu    sync.RWMutex
	cfg      Config
	archiver Archiver

	collector *Collector
	bus       eventbus.Bus
	log       logx.Logger
}

func NewAggregator(cfg Config, collector *Collector, bus eventbus.Bus, log logx.Logger) *Aggregator {
	return &Aggregator{
		batches:   map[string]*entry{},
		cfg:       cfg.withDefaults(),
		collector: collector,
		bus:       bus,
		log:       log,
	}
}

// Apply swaps the trigger/sweep tuning at runtime.
func (a *Aggregator) Apply(cfg Config) {
	a.cfgMu.Lock()
	a.cfg = cfg.withDefaults()
	a.cfgMu.Unlock()
}

func (a *Aggregator) config() Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// StartBatch registers a batch in status Running and pushes the initial
// report. Starting an already-known batch is ignored.
func (a *Aggregator) StartBatch(batchID string, total int, meta BatchMeta) {
	if batchID == "" {
		return
	}
	now := time.Now()

	a.mu.Lock()
	if _, exists := a.batches[batchID]; exists {
		a.mu.Unlock()
		a.log.Debug("batch.already_started", logx.String("batch", batchID))
		return
	}
	e := a.newEntry(batchID, total, meta, now)
	a.batches[batchID] = e
	a.mu.Unlock()

	e.mu.Lock()
	e.lastPushAt = now
	snap := e.state.clone()
	e.mu.Unlock()

	a.log.Info("batch.started",
		logx.String("batch", batchID),
		logx.String("task", meta.TaskID),
		logx.Int("total", total))
	a.push(snap, true, false, nil)
}

func (a *Aggregator) newEntry(batchID string, total int, meta BatchMeta, now time.Time) *entry {
	return &entry{
		state: BatchState{
			BatchID:      batchID,
			TaskID:       meta.TaskID,
			OrgID:        meta.OrgID,
			UserID:       meta.UserID,
			Status:       StatusRunning,
			TotalCount:   total,
			CreatedAt:    now,
			LastUpdateAt: now,
		},
		fired: map[float64]bool{},
	}
}

// lookupOrAdopt returns the entry for batchID, lazily creating one for
// results that arrive before (or without) StartBatch.
func (a *Aggregator) lookupOrAdopt(batchID string) (*entry, bool) {
	a.mu.RLock()
	e := a.batches[batchID]
	a.mu.RUnlock()
	if e != nil {
		return e, false
	}

	now := time.Now()
	a.mu.Lock()
	e = a.batches[batchID]
	adopted := false
	if e == nil {
		e = a.newEntry(batchID, 0, BatchMeta{}, now)
		a.batches[batchID] = e
		adopted = true
	}
	a.mu.Unlock()
	if adopted {
		a.log.Debug("batch.adopted", logx.String("batch", batchID))
	}
	return e, adopted
}

// RecordDeviceResult appends one device result and evaluates the push
// triggers. Results for unknown batches lazily create the batch; results for
// terminal or already count-complete batches are logged and dropped, so the
// counters never exceed TotalCount.
func (a *Aggregator) RecordDeviceResult(batchID string, rec DeviceRecord) {
	if batchID == "" {
		return
	}
	cfg := a.config()
	e, adopted := a.lookupOrAdopt(batchID)
	now := time.Now()

	e.mu.Lock()
	if e.state.Status.Terminal() {
		e.mu.Unlock()
		a.log.Debug("batch.result_after_terminal",
			logx.String("batch", batchID),
			logx.String("device", rec.DeviceID))
		return
	}
	if e.state.IsCompleted() {
		e.mu.Unlock()
		a.log.Debug("batch.result_after_complete",
			logx.String("batch", batchID),
			logx.String("device", rec.DeviceID))
		return
	}
	e.state.applyResult(rec, now)

	milestone := false
	for _, m := range milestones {
		if e.fired[m] {
			continue
		}
		if e.state.CompletionPct >= m-cfg.MilestoneTolerance {
			e.fired[m] = true
			milestone = true
		}
	}
	quantity := e.state.CompletedCount > 0 && e.state.CompletedCount%cfg.QuantityStep == 0
	interval := now.Sub(e.lastPushAt) >= cfg.PushInterval

	doPush := adopted || milestone || quantity || interval
	detailed := adopted || milestone
	var snap BatchState
	if doPush {
		e.lastPushAt = now
		snap = e.state.clone()
	}
	e.mu.Unlock()

	if doPush {
		a.push(snap, detailed, false, nil)
	}
}

// SignalStatus applies an explicit status transition from the owning
// orchestrator. Unknown batches and invalid transitions are logged and
// ignored; a malformed signal never corrupts a healthy batch.
func (a *Aggregator) SignalStatus(batchID string, status Status, extra map[string]any) bool {
	a.mu.RLock()
	e := a.batches[batchID]
	a.mu.RUnlock()
	if e == nil {
		a.log.Warn("batch.unknown", logx.String("batch", batchID), logx.String("status", status.String()))
		return false
	}
	return a.signal(e, batchID, status, extra)
}

func (a *Aggregator) signal(e *entry, batchID string, status Status, extra map[string]any) bool {
	now := time.Now()

	e.mu.Lock()
	from := e.state.Status
	if !validTransition(from, status) {
		e.mu.Unlock()
		a.log.Warn("batch.invalid_transition",
			logx.String("batch", batchID),
			logx.String("from", from.String()),
			logx.String("to", status.String()))
		return false
	}
	e.state.Status = status
	e.state.LastUpdateAt = now
	if extra != nil {
		if e.extra == nil {
			e.extra = map[string]any{}
		}
		for k, v := range extra {
			e.extra[k] = v
		}
	}
	terminal := status.Terminal()
	final := false
	if terminal {
		e.terminalAt = now
		if !e.finalSent {
			e.finalSent = true
			final = true
		}
	}
	e.lastPushAt = now
	snap := e.state.clone()
	finalExtra := e.extra
	e.mu.Unlock()

	a.log.Info("batch.status_changed",
		logx.String("batch", batchID),
		logx.String("from", from.String()),
		logx.String("to", status.String()),
		logx.Float64("pct", snap.CompletionPct))
	a.push(snap, true, final, finalExtra)

	if terminal && a.bus != nil {
		a.bus.Publish(eventbus.Event{
			Type: eventbus.EventBatchTerminal,
			Data: eventbus.BatchEvent{
				BatchID:   batchID,
				Status:    status.String(),
				Completed: snap.CompletedCount,
				Total:     snap.TotalCount,
				Pct:       snap.CompletionPct,
			},
		})
	}
	return true
}

// push emits the report tiers for one trigger: summary always, detailed on
// start/status/milestone triggers, final once on reaching a terminal status.
func (a *Aggregator) push(snap BatchState, detailed, final bool, extra map[string]any) {
	if a.collector == nil {
		return
	}
	cfg := a.config()
	ctx := context.Background()

	tier := TierSummary
	a.collector.PushSummary(ctx, snap)
	if detailed {
		tier = TierDetailed
		a.collector.PushDetailed(ctx, snap, cfg.RecentDevices)
	}
	if final {
		tier = TierFinal
		a.collector.PushFinal(ctx, snap, cfg.RecentDevices, extra)
	}

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{
			Type: eventbus.EventBatchPushed,
			Data: eventbus.BatchEvent{
				BatchID:   snap.BatchID,
				Status:    snap.Status.String(),
				Tier:      tier,
				Completed: snap.CompletedCount,
				Total:     snap.TotalCount,
				Pct:       snap.CompletionPct,
			},
		})
	}
}

// State returns a point-in-time copy of one batch's aggregation state.
func (a *Aggregator) State(batchID string) (BatchState, bool) {
	a.mu.RLock()
	e := a.batches[batchID]
	a.mu.RUnlock()
	if e == nil {
		return BatchState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone(), true
}

// Len returns the number of tracked batches.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.batches)
}

func (a *Aggregator) snapshotEntries() map[string]*entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]*entry, len(a.batches))
	for id, e := range a.batches {
		out[id] = e
	}
	return out
}
