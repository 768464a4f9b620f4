// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ledger records processed webhook deliveries so each delivery's
// side effects run at most once. The authoritative record is a Postgres
// row keyed on (inbox_id, event_uid); a Redis SETNX fast path short-
// circuits obvious duplicates without a database round trip. Delivery
// dedup is independent of message idempotency: one delivery can carry
// several provider-level items.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

const (
	// seenTTL is how long the Redis fast path remembers a delivery.
	// Providers stop redelivering well before this.
	seenTTL = 24 * time.Hour

	seenKeyPrefix = "crm:webhook:seen:"
)

// querier is the slice of the pgx pool the ledger needs; narrowed for tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// seenStore is the Redis surface behind the fast path.
type seenStore interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Ledger guarantees at-most-once side effects per webhook delivery.
type Ledger struct {
	pool querier
	rdb  seenStore
}

// New creates a ledger and ensures its table exists.
func New(ctx context.Context, pool querier, rdb seenStore, ensureSchema bool) (*Ledger, error) {
	l := &Ledger{pool: pool, rdb: rdb}
	if ensureSchema {
		if err := l.ensureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure webhook_events schema: %w", err)
		}
	}
	return l, nil
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_events (
			id          BIGSERIAL PRIMARY KEY,
			inbox_id    TEXT NOT NULL,
			provider    TEXT NOT NULL,
			event_uid   TEXT NOT NULL,
			raw_payload JSONB,
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(inbox_id, event_uid)
		);
		CREATE INDEX IF NOT EXISTS idx_webhook_events_created ON webhook_events(created_at);
	`)
	return err
}

func seenKey(inboxID, eventUID string) string {
	return seenKeyPrefix + inboxID + ":" + eventUID
}

// RecordIfNew returns true only if this delivery has not been recorded
// before. Callers must run side-effecting logic only on true.
func (l *Ledger) RecordIfNew(ctx context.Context, inboxID, provider, eventUID string, rawPayload []byte) (bool, error) {
	// Fast path: a key already present in Redis means the Postgres row
	// exists. Redis being down or cold only costs the database check.
	set, err := l.rdb.SetNX(ctx, seenKey(inboxID, eventUID), 1, seenTTL).Result()
	if err != nil {
		slog.Warn("ledger fast path unavailable, falling through to Postgres",
			"inbox", inboxID,
			"error", err,
		)
	} else if !set {
		return false, nil
	}

	row := l.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (inbox_id, provider, event_uid, raw_payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (inbox_id, event_uid) DO NOTHING
		RETURNING id
	`, inboxID, provider, eventUID, rawPayload)

	var id int64
	scanErr := row.Scan(&id)
	if scanErr == pgx.ErrNoRows {
		return false, nil
	}
	if scanErr != nil {
		// The fast-path key now claims a delivery Postgres never recorded.
		// Clear it so the provider's redelivery reaches the insert again
		// instead of short-circuiting as a duplicate. Detached context: the
		// insert may have failed on cancellation.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if delErr := l.rdb.Del(cleanupCtx, seenKey(inboxID, eventUID)).Err(); delErr != nil {
			slog.Warn("ledger fast-path cleanup failed, delivery blocked until the key expires",
				"inbox", inboxID,
				"event_uid", eventUID,
				"error", delErr,
			)
		}
		return false, fmt.Errorf("record webhook event %s/%s: %w", inboxID, eventUID, scanErr)
	}
	return true, nil
}

// Entry is a recorded delivery, replayed by the backfill command.
type Entry struct {
	ID         int64
	InboxID    string
	Provider   string
	EventUID   string
	RawPayload []byte
	CreatedAt  time.Time
}

// ListSince returns deliveries recorded after the cutoff, oldest first,
// optionally restricted to one inbox.
func (l *Ledger) ListSince(ctx context.Context, cutoff time.Time, inboxID string) ([]Entry, error) {
	sql := `
		SELECT id, inbox_id, provider, event_uid, raw_payload, created_at
		FROM webhook_events
		WHERE created_at >= $1
	`
	args := []any{cutoff}
	if inboxID != "" {
		sql += ` AND inbox_id = $2`
		args = append(args, inboxID)
	}
	sql += ` ORDER BY created_at`

	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.InboxID, &e.Provider, &e.EventUID, &e.RawPayload, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
