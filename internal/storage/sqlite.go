package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"pushgate/internal/aggregate"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db *sql.DB
}

func openSQLite(cfg Config) (Store, error) {
	path := cfg.Path
	if path == "" {
		path = "./pushgate.db"
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout("+strconv.FormatInt(busy.Milliseconds(), 10)+")")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %q: %w", path, err)
	}
	// Single writer; WAL readers don't need more either at this write volume.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) ArchiveBatch(ctx context.Context, rec aggregate.BatchArchive) error {
	st := rec.State
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO batch_archive
		(batch_id, task_id, org_id, user_id, status,
		 total, completed, success, failure, timeout, skipped,
		 completion_pct, success_rate, created_at, finished_at, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.BatchID, st.TaskID, st.OrgID, st.UserID, st.Status.String(),
		st.TotalCount, st.CompletedCount, st.SuccessCount, st.FailureCount, st.TimeoutCount, st.SkippedCount,
		st.CompletionPct, st.SuccessRate, st.CreatedAt.Unix(), rec.FinishedAt.Unix(), rec.Report,
	)
	if err != nil {
		return fmt.Errorf("storage: archive batch %s: %w", st.BatchID, err)
	}
	return nil
}

func (s *sqliteStore) AppendDeliveryStats(ctx context.Context, snap StatsSnapshot) error {
	at := snap.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_stats
		(at, sent, acked, rejected, failed, timed_out, retries, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		at.Unix(), snap.Sent, snap.Acked, snap.Rejected, snap.Failed, snap.TimedOut, snap.Retries, snap.Pending,
	)
	if err != nil {
		return fmt.Errorf("storage: append delivery stats: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }
