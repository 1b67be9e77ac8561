package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// dirtySet tracks users whose manual status needs flushing to PostgreSQL.
type dirtySet struct {
	mu      sync.Mutex
	entries map[string]bool
}

func newDirtySet() *dirtySet {
	return &dirtySet{entries: make(map[string]bool)}
}

func (d *dirtySet) add(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = true
}

func (d *dirtySet) drain() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	d.entries = make(map[string]bool)
	return keys
}

// loadManualStatuses rehydrates persisted manual statuses at boot. Users
// without a row default to online on their first connection.
func loadManualStatuses(ctx context.Context, db *sql.DB, tracker *presenceTracker) error {
	rows, err := db.QueryContext(ctx, "SELECT user_id, status, last_seen FROM user_status")
	if err != nil {
		return fmt.Errorf("query user_status: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var userId, status string
		var lastSeen int64
		if err := rows.Scan(&userId, &status, &lastSeen); err != nil {
			slog.Warn("Load: failed to scan row", "error", err)
			continue
		}
		tracker.seedManualStatus(userId, status, lastSeen)
		count++
	}
	slog.Info("Loaded manual statuses from PostgreSQL", "count", count)
	return rows.Err()
}

// flushManualStatuses batch-upserts dirty manual statuses to PostgreSQL.
func flushManualStatuses(ctx context.Context, db *sql.DB, tracker *presenceTracker, dirty *dirtySet, flushCounter metric.Int64Counter) {
	keys := dirty.drain()
	if len(keys) == 0 {
		return
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		slog.Warn("Flush: failed to begin transaction", "error", err)
		for _, k := range keys {
			dirty.add(k)
		}
		return
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO user_status (user_id, status, last_seen, updated_at) VALUES ($1, $2, $3, NOW()) "+
			"ON CONFLICT (user_id) DO UPDATE SET status = EXCLUDED.status, last_seen = EXCLUDED.last_seen, updated_at = NOW()")
	if err != nil {
		slog.Warn("Flush: failed to prepare statement", "error", err)
		tx.Rollback()
		for _, k := range keys {
			dirty.add(k)
		}
		return
	}
	defer stmt.Close()

	flushed := 0
	for _, userId := range keys {
		status, lastSeen, ok := tracker.ManualStatusSnapshot(userId)
		if !ok {
			continue
		}
		if _, err := stmt.ExecContext(ctx, userId, status, lastSeen); err != nil {
			slog.Warn("Flush: failed to upsert", "user", userId, "error", err)
			continue
		}
		flushed++
	}

	if err := tx.Commit(); err != nil {
		slog.Warn("Flush: failed to commit", "error", err)
		return
	}

	if flushed > 0 {
		flushCounter.Add(ctx, int64(flushed))
		slog.Debug("Flushed manual statuses to PostgreSQL", "count", flushed)
	}
}
