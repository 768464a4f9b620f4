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

// Package projection maintains the chat's denormalized "last message"
// fields read by list views. The projection is last-write-wins and may
// briefly show an out-of-order message under concurrent delivery; list
// correctness comes from invalidation, which always runs afterwards.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/convocrm/ingestion/internal/invalidation"
	"github.com/convocrm/ingestion/internal/pgerr"
	"github.com/convocrm/ingestion/internal/schemacap"
)

// execer is the slice of the pgx pool the toucher needs; narrowed for tests.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// invalidator is implemented by invalidation.Engine.
type invalidator interface {
	InvalidateChatCaches(ctx context.Context, chatID string, dims *invalidation.Dimensions)
}

// Toucher updates chat projections after each message.
type Toucher struct {
	db    execer
	caps  *schemacap.Tracker
	inval invalidator
}

// NewToucher creates a projection toucher.
func NewToucher(db execer, caps *schemacap.Tracker, inval invalidator) *Toucher {
	return &Toucher{db: db, caps: caps, inval: inval}
}

// TouchArgs carries the projection update plus the list-view dimensions
// already known to the caller, so invalidation can skip its own lookup.
type TouchArgs struct {
	ChatID   string
	Content  *string
	From     string // sender attribution shown in list views
	Type     string
	MediaURL *string
	SentAt   time.Time

	Dimensions *invalidation.Dimensions
}

// projectionColumn pairs an assignment with the capability that guards it.
type projectionColumn struct {
	assignment string
	capability string
}

// TouchChatAfterMessage writes the last-message projection, dropping
// columns the live schema doesn't have yet (one capability flip per
// attempt, bounded), and always finishes by invalidating the chat's
// caches: callers must not see a stale list view even when the update
// itself failed.
func (t *Toucher) TouchChatAfterMessage(ctx context.Context, args TouchArgs) {
	defer t.inval.InvalidateChatCaches(ctx, args.ChatID, args.Dimensions)

	columns := []projectionColumn{
		{assignment: "last_message_content = $2"},
		{assignment: "last_message_from = $3"},
		{assignment: "last_message_type = $4", capability: schemacap.ChatLastMessageType},
		{assignment: "last_message_media_url = $5", capability: schemacap.ChatLastMessageMediaURL},
		{assignment: "last_message_at = $6"},
	}
	values := []any{args.ChatID, args.Content, args.From, args.Type, args.MediaURL, args.SentAt}

	// At most one retry per guarded column.
	for attempt := 0; attempt < 3; attempt++ {
		sql, vals := buildTouchSQL(columns, values, t.caps)
		_, err := t.db.Exec(ctx, sql, vals...)
		if err == nil {
			return
		}

		if capability := t.capabilityFor(err); capability != "" {
			t.caps.MarkAbsent(capability)
			continue
		}

		slog.Warn("chat projection update failed", "chat", args.ChatID, "error", err)
		return
	}
	slog.Warn("chat projection update exhausted degraded retries", "chat", args.ChatID)
}

// buildTouchSQL assembles the UPDATE over the columns still believed
// present, renumbering placeholders to match the trimmed value list.
func buildTouchSQL(columns []projectionColumn, values []any, caps *schemacap.Tracker) (string, []any) {
	assignments := make([]string, 0, len(columns))
	vals := make([]any, 0, len(values))
	vals = append(vals, values[0]) // $1 = chat id

	n := 2
	for i, c := range columns {
		if c.capability != "" && caps != nil && !caps.Present(c.capability) {
			continue
		}
		// Rewrite the recorded placeholder to its position after trimming.
		assignment := strings.Split(c.assignment, " = ")[0] + fmt.Sprintf(" = $%d", n)
		assignments = append(assignments, assignment)
		vals = append(vals, values[i+1])
		n++
	}
	assignments = append(assignments, "updated_at = NOW()")

	sql := fmt.Sprintf("UPDATE chats SET %s WHERE id = $1", strings.Join(assignments, ", "))
	return sql, vals
}

// capabilityFor maps an undefined-column error to the guarded projection
// column it names.
func (t *Toucher) capabilityFor(err error) string {
	if t.caps == nil || !pgerr.IsUndefinedColumn(err) {
		return ""
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "last_message_type"):
		return schemacap.ChatLastMessageType
	case strings.Contains(msg, "last_message_media_url"):
		return schemacap.ChatLastMessageMediaURL
	}
	return ""
}
