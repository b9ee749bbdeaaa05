package aggregate

import (
	"context"
	"encoding/json"
	"time"

	logx "pushgate/pkg/logx"
)

// BatchArchive is the durable record of a finished batch handed to storage
// before eviction.
type BatchArchive struct {
	State      BatchState
	FinishedAt time.Time
	Report     []byte // final-tier report JSON
}

// Archiver persists finished batches. Archival is best-effort: failures are
// logged and the sweep moves on.
type Archiver interface {
	ArchiveBatch(ctx context.Context, rec BatchArchive) error
}

// SetArchiver installs the archive store consulted by the retention sweep.
func (a *Aggregator) SetArchiver(ar Archiver) {
	a.cfgMu.Lock()
	a.archiver = ar
	a.cfgMu.Unlock()
}

func (a *Aggregator) archiveStore() Archiver {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.archiver
}

// SweepProgress flags stalled batches and force-times-out dead ones.
//
// A batch idle past WarningAfter gets a single warning; past TimeoutAfter it
// is force-transitioned into terminal Timeout through the normal signal path
// (so the usual status-changed and final pushes fire). Returns the number of
// batches warned and timed out.
func (a *Aggregator) SweepProgress(now time.Time) (warned, timedOut int) {
	cfg := a.config()

	for id, e := range a.snapshotEntries() {
		e.mu.Lock()
		if e.state.Status.Terminal() {
			e.mu.Unlock()
			continue
		}
		idle := now.Sub(e.state.LastUpdateAt)
		needsTimeout := idle > cfg.TimeoutAfter
		needsWarn := !needsTimeout && !e.warned && idle > cfg.WarningAfter
		if needsWarn {
			e.warned = true
		}
		pct := e.state.CompletionPct
		e.mu.Unlock()

		if needsWarn {
			warned++
			a.log.Warn("batch.stalled",
				logx.String("batch", id),
				logx.Duration("idle", idle),
				logx.Float64("pct", pct))
		}
		if needsTimeout {
			if a.signal(e, id, StatusTimeout, map[string]any{"timeout_reason": "progress stalled"}) {
				timedOut++
			}
		}
	}
	return warned, timedOut
}

// SweepRetention archives and evicts terminal batches older than the
// retention window. Returns the number evicted.
func (a *Aggregator) SweepRetention(ctx context.Context, now time.Time) int {
	cfg := a.config()
	store := a.archiveStore()

	type victim struct {
		id    string
		snap  BatchState
		done  time.Time
		extra map[string]any
	}
	var victims []victim

	for id, e := range a.snapshotEntries() {
		e.mu.Lock()
		if e.state.Status.Terminal() && !e.terminalAt.IsZero() && now.Sub(e.terminalAt) > cfg.Retention {
			victims = append(victims, victim{id: id, snap: e.state.clone(), done: e.terminalAt, extra: e.extra})
		}
		e.mu.Unlock()
	}

	for _, v := range victims {
		if store != nil {
			report, err := json.Marshal(buildFinal(v.snap, cfg.RecentDevices, v.extra))
			if err != nil {
				report = nil
			}
			if err := store.ArchiveBatch(ctx, BatchArchive{State: v.snap, FinishedAt: v.done, Report: report}); err != nil {
				a.log.Warn("batch.archive_failed", logx.String("batch", v.id), logx.Err(err))
			}
		}
		a.mu.Lock()
		delete(a.batches, v.id)
		a.mu.Unlock()
	}

	if len(victims) > 0 {
		a.log.Info("batch.retention_sweep", logx.Int("evicted", len(victims)))
	}
	return len(victims)
}
