// Package storage persists finished batches and periodic delivery-statistics
// snapshots. The engine treats the store as best-effort: a write failure is
// logged by the caller and never blocks a sweep.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pushgate/internal/aggregate"
)

// StatsSnapshot is one point-in-time copy of the delivery counters.
type StatsSnapshot struct {
	At       time.Time
	Sent     uint64
	Acked    uint64
	Rejected uint64
	Failed   uint64
	TimedOut uint64
	Retries  uint64
	Pending  int
}

type Store interface {
	ArchiveBatch(ctx context.Context, rec aggregate.BatchArchive) error
	AppendDeliveryStats(ctx context.Context, snap StatsSnapshot) error
	Close() error
}

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Open returns the configured store, or (nil, nil) when storage is disabled.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}
