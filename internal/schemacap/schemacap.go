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

// Package schemacap tracks which optional columns and tables are present in
// the current database generation. During a rolling deploy the application
// may run ahead of the schema migration; the first undefined-column or
// undefined-table error for a guarded write flips a process-wide flag and
// the write site falls back to a reduced statement for the rest of the
// process lifetime. A restart resets the flags, which is correct because a
// restart typically follows the migration completing.
package schemacap

import (
	"log/slog"
	"sync"

	"github.com/convocrm/ingestion/internal/pgerr"
)

// Capabilities guarded by the tracker. Each names the optional column set
// or table a newer migration adds.
const (
	ChatLastMessageType     = "chats.last_message_type"
	ChatLastMessageMediaURL = "chats.last_message_media_url"
	MessageMediaColumns     = "messages.media"
	MessageReplyColumn      = "messages.reply_to_external_id"
	RemoteParticipantsTable = "remote_participants"
)

// Tracker holds monotonic capability flags. Flags only transition from
// present to absent, never back.
type Tracker struct {
	mu     sync.Mutex
	absent sync.Map // capability name -> struct{}
}

// NewTracker creates a tracker with every capability assumed present.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Present reports whether the capability is still believed present.
// Lock-free: reads race only with the one-way flip, which is safe.
func (t *Tracker) Present(capability string) bool {
	_, gone := t.absent.Load(capability)
	return !gone
}

// MarkAbsent records that the capability is missing from the live schema.
func (t *Tracker) MarkAbsent(capability string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, gone := t.absent.Load(capability); gone {
		return
	}
	t.absent.Store(capability, struct{}{})
	slog.Warn("schema capability marked absent, degrading writes",
		"capability", capability,
	)
}

// MarkAbsentIfSchemaErr flips the capability when err is an undefined
// column/table error and reports whether it did. Callers retry the write
// with a reduced statement when this returns true.
func (t *Tracker) MarkAbsentIfSchemaErr(err error, capability string) bool {
	if err == nil || !pgerr.IsSchemaMismatch(err) {
		return false
	}
	t.MarkAbsent(capability)
	return true
}
