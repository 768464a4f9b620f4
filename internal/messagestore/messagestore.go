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

// Package messagestore persists messages idempotently. The upsert is keyed
// on (chat_id, external_id) and coalesces every mutable field on conflict,
// so the stored row converges to the union of all fields ever supplied: a
// delivery-status webhook arriving after the content webhook never nulls
// out content, and replays are commutative regardless of arrival order.
package messagestore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convocrm/ingestion/internal/models"
	"github.com/convocrm/ingestion/internal/pgerr"
	"github.com/convocrm/ingestion/internal/schemacap"
)

// Store writes messages to Postgres.
type Store struct {
	pool *pgxpool.Pool
	caps *schemacap.Tracker
}

// NewStore creates a message store and ensures its table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool, caps *schemacap.Tracker, ensureSchema bool) (*Store, error) {
	s := &Store{pool: pool, caps: caps}
	if ensureSchema {
		if err := s.ensureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure messages schema: %w", err)
		}
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id                    TEXT PRIMARY KEY,
			chat_id               TEXT NOT NULL,
			external_id           TEXT,
			is_from_customer      BOOLEAN NOT NULL DEFAULT FALSE,
			content               TEXT,
			type                  TEXT,
			view_status           TEXT,
			media_path            TEXT,
			media_url             TEXT,
			legacy_media_url      TEXT,
			sender_id             TEXT,
			participant_remote_id TEXT,
			reply_to_external_id  TEXT,
			sent_at               TIMESTAMPTZ,
			created_at            TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_chat_external
			ON messages(chat_id, external_id) WHERE external_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at);
	`)
	return err
}

// UpsertArgs carries one delivery's view of a message. Nil fields mean
// "not supplied by this delivery" and never overwrite stored values.
type UpsertArgs struct {
	ChatID              string
	ExternalID          *string
	IsFromCustomer      bool
	Content             *string
	Type                *string
	ViewStatus          *string
	MediaPath           *string
	MediaURL            *string
	LegacyMediaURL      *string
	SenderID            *string
	ParticipantRemoteID *string
	ReplyToExternalID   *string
	SentAt              *time.Time
}

// column describes one mutable message column and the schema capability
// that guards it ("" = always present).
type column struct {
	name       string
	capability string
}

// mutableColumns lists every field coalesced on conflict, in statement order.
var mutableColumns = []column{
	{name: "content"},
	{name: "type"},
	{name: "view_status"},
	{name: "media_path", capability: schemacap.MessageMediaColumns},
	{name: "media_url", capability: schemacap.MessageMediaColumns},
	{name: "legacy_media_url", capability: schemacap.MessageMediaColumns},
	{name: "sender_id"},
	{name: "participant_remote_id"},
	{name: "reply_to_external_id", capability: schemacap.MessageReplyColumn},
	{name: "sent_at"},
}

// availableColumns filters mutableColumns down to what the live schema
// supports per the capability tracker.
func availableColumns(caps *schemacap.Tracker) []column {
	cols := make([]column, 0, len(mutableColumns))
	for _, c := range mutableColumns {
		if c.capability != "" && caps != nil && !caps.Present(c.capability) {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

// buildUpsertSQL assembles the statement for the given column set. With an
// idempotency key the statement coalesces every mutable field on conflict;
// without one (internal writes) it is a plain insert. The (xmax = 0)
// marker in RETURNING is true only for a row created by this statement,
// which is the exactly-once signal for downstream triggers.
func buildUpsertSQL(cols []column, hasExternalID bool) string {
	names := make([]string, 0, len(cols))
	updates := make([]string, 0, len(cols))
	placeholders := make([]string, 0, len(cols))
	for i, c := range cols {
		names = append(names, c.name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+5))
		updates = append(updates, fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, messages.%s)", c.name, c.name, c.name))
	}

	conflict := ""
	if hasExternalID {
		conflict = fmt.Sprintf(
			"ON CONFLICT (chat_id, external_id) WHERE external_id IS NOT NULL DO UPDATE SET\n\t\t\t%s\n\t\t",
			strings.Join(updates, ",\n\t\t\t"))
	}

	return fmt.Sprintf(`
		INSERT INTO messages (id, chat_id, external_id, is_from_customer, %s)
		VALUES ($1, $2, $3, $4, %s)
		%sRETURNING id, chat_id, external_id, is_from_customer, %s, created_at, (xmax = 0)`,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		conflict,
		strings.Join(names, ", "),
	)
}

// argValues orders the argument values to match buildUpsertSQL.
func argValues(id string, args UpsertArgs, cols []column) []any {
	byName := map[string]any{
		"content":               args.Content,
		"type":                  args.Type,
		"view_status":           args.ViewStatus,
		"media_path":            args.MediaPath,
		"media_url":             args.MediaURL,
		"legacy_media_url":      args.LegacyMediaURL,
		"sender_id":             args.SenderID,
		"participant_remote_id": args.ParticipantRemoteID,
		"reply_to_external_id":  args.ReplyToExternalID,
		"sent_at":               args.SentAt,
	}

	values := []any{id, args.ChatID, args.ExternalID, args.IsFromCustomer}
	for _, c := range cols {
		values = append(values, byName[c.name])
	}
	return values
}

// capabilityForError maps an undefined-column error back to the guarded
// capability it belongs to, so only that column set is dropped.
func capabilityForError(err error) string {
	if !pgerr.IsUndefinedColumn(err) {
		return ""
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "media"):
		return schemacap.MessageMediaColumns
	case strings.Contains(msg, "reply_to_external_id"):
		return schemacap.MessageReplyColumn
	}
	return ""
}

// UpsertMessage inserts or merges one message and reports whether a new
// row was created. Rows without an external_id (internal writes) have no
// idempotency key and are always inserted fresh. If the full column set is
// unavailable in the live schema, the statement retries with the columns
// the capability tracker still believes present.
func (s *Store) UpsertMessage(ctx context.Context, args UpsertArgs) (*models.Message, bool, error) {
	if args.ChatID == "" {
		return nil, false, fmt.Errorf("upsert message: chat id required")
	}
	id := uuid.NewString()

	// One retry per guarded capability is enough: each failure
	// permanently removes one column set.
	for attempt := 0; attempt < 3; attempt++ {
		cols := availableColumns(s.caps)
		msg, inserted, err := s.run(ctx, id, args, cols)
		if err == nil {
			return msg, inserted, nil
		}
		if capability := capabilityForError(err); capability != "" && s.caps != nil {
			s.caps.MarkAbsent(capability)
			continue
		}
		return nil, false, fmt.Errorf("upsert message for chat %s: %w", args.ChatID, err)
	}
	return nil, false, fmt.Errorf("upsert message for chat %s: degraded retries exhausted", args.ChatID)
}

func (s *Store) run(ctx context.Context, id string, args UpsertArgs, cols []column) (*models.Message, bool, error) {
	sql := buildUpsertSQL(cols, args.ExternalID != nil)
	row := s.pool.QueryRow(ctx, sql, argValues(id, args, cols)...)
	return scanMessage(row, cols)
}

// scanMessage reads the RETURNING row. Columns outside the available set
// keep their zero values.
func scanMessage(row pgx.Row, cols []column) (*models.Message, bool, error) {
	var m models.Message
	var msgType *string
	var inserted bool

	targets := []any{&m.ID, &m.ChatID, &m.ExternalID, &m.IsFromCustomer}
	byName := map[string]any{
		"content":               &m.Content,
		"type":                  &msgType,
		"view_status":           &m.ViewStatus,
		"media_path":            &m.MediaPath,
		"media_url":             &m.MediaURL,
		"legacy_media_url":      &m.LegacyMediaURL,
		"sender_id":             &m.SenderID,
		"participant_remote_id": &m.ParticipantRemoteID,
		"reply_to_external_id":  &m.ReplyToExternalID,
		"sent_at":               &m.SentAt,
	}
	for _, c := range cols {
		targets = append(targets, byName[c.name])
	}
	targets = append(targets, &m.CreatedAt, &inserted)

	if err := row.Scan(targets...); err != nil {
		return nil, false, err
	}

	m.Type = models.MessageTypeText
	if msgType != nil {
		m.Type = *msgType
	}
	return &m, inserted, nil
}

// UpdateViewStatus mutates only the delivery/view status of an existing
// message, the one field updated outside the coalescing upsert path.
// Consumed by the outbound sender service when the provider acks a send
// directly instead of via a status webhook.
func (s *Store) UpdateViewStatus(ctx context.Context, chatID, externalID, viewStatus string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET view_status = $1
		WHERE chat_id = $2 AND external_id = $3
	`, viewStatus, chatID, externalID)
	if err != nil {
		return fmt.Errorf("update view status for %s/%s: %w", chatID, externalID, err)
	}
	if tag.RowsAffected() == 0 {
		slog.Debug("view status update matched no row", "chat", chatID, "external_id", externalID)
	}
	return nil
}

// BackfillMedia fills media pointers after async media processing, never
// clearing a field already set. Consumed by the media download worker once
// it has stored the payload.
func (s *Store) BackfillMedia(ctx context.Context, messageID string, mediaPath, mediaURL *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET
			media_path = COALESCE($1, media_path),
			media_url  = COALESCE($2, media_url)
		WHERE id = $3
	`, mediaPath, mediaURL, messageID)
	if err != nil {
		if s.caps != nil && s.caps.MarkAbsentIfSchemaErr(err, schemacap.MessageMediaColumns) {
			return nil
		}
		return fmt.Errorf("backfill media for message %s: %w", messageID, err)
	}
	return nil
}
