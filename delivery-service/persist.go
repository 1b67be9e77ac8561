package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// dirtySet tracks delivery records that need flushing to PostgreSQL.
// Keys are "messageId.recipientId".
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

func nullableMillis(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

// loadRecords rehydrates in-flight delivery records at boot so acks for
// messages sent before a restart still land.
func loadRecords(ctx context.Context, db *sql.DB, tracker *deliveryTracker) error {
	rows, err := db.QueryContext(ctx,
		"SELECT message_id, recipient_id, sender_id, state, COALESCE(delivered_at, 0), COALESCE(read_at, 0) FROM delivery_records")
	if err != nil {
		return fmt.Errorf("query delivery_records: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var snap RecordSnapshot
		if err := rows.Scan(&snap.MessageId, &snap.RecipientId, &snap.SenderId, &snap.State, &snap.DeliveredAt, &snap.ReadAt); err != nil {
			slog.Warn("Load: failed to scan row", "error", err)
			continue
		}
		tracker.seedRecord(snap)
		count++
	}
	slog.Info("Loaded delivery records from PostgreSQL", "count", count)
	return rows.Err()
}

// flushRecords batch-upserts dirty delivery records to PostgreSQL.
func flushRecords(ctx context.Context, db *sql.DB, tracker *deliveryTracker, dirty *dirtySet, flushCounter metric.Int64Counter) {
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
		"INSERT INTO delivery_records (message_id, recipient_id, sender_id, state, delivered_at, read_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, NOW()) "+
			"ON CONFLICT (message_id, recipient_id) DO UPDATE SET state = EXCLUDED.state, "+
			"delivered_at = EXCLUDED.delivered_at, read_at = EXCLUDED.read_at, updated_at = NOW()")
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
	for _, key := range keys {
		// key = "messageId.recipientId" — message ids carry no dots
		parts := strings.SplitN(key, ".", 2)
		if len(parts) != 2 {
			continue
		}
		snap, ok := tracker.Snapshot(parts[0], parts[1])
		if !ok {
			continue
		}
		if _, err := stmt.ExecContext(ctx, snap.MessageId, snap.RecipientId, snap.SenderId, snap.State,
			nullableMillis(snap.DeliveredAt), nullableMillis(snap.ReadAt)); err != nil {
			slog.Warn("Flush: failed to upsert", "key", key, "error", err)
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
		slog.Debug("Flushed delivery records to PostgreSQL", "count", flushed)
	}
}
