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

package invalidation

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convocrm/ingestion/internal/cache"
)

// Engine evicts the caches a chat mutation can have made stale. All
// evictions are best-effort: the cache is advisory and a failed eviction
// only delays freshness until the TTL.
type Engine struct {
	pool  *pgxpool.Pool
	store *cache.Store
}

// NewEngine creates an invalidation engine.
func NewEngine(pool *pgxpool.Pool, store *cache.Store) *Engine {
	return &Engine{pool: pool, store: store}
}

// InvalidateChatCaches evicts the chat's point cache and message-list
// cache, then the cross product of list-view keys. Dimension fields the
// caller didn't supply are looked up once from Postgres; a failed lookup
// degrades to skipping company-scoped invalidation rather than failing
// the operation.
func (e *Engine) InvalidateChatCaches(ctx context.Context, chatID string, dims *Dimensions) {
	e.store.Evict(ctx, cache.ChatKey(chatID), cache.ChatMessagesKey(chatID))

	if dims == nil || dims.CompanyID == "" {
		looked, err := e.lookupDimensions(ctx, chatID, dims)
		if err != nil {
			slog.Warn("chat dimension lookup failed, skipping list-view invalidation",
				"chat", chatID,
				"error", err,
			)
			return
		}
		dims = looked
	}

	e.store.Evict(ctx, ComputeInvalidationKeys(*dims)...)
}

// lookupDimensions fills the list-view dimensions from the chat row,
// keeping any values the caller already supplied.
func (e *Engine) lookupDimensions(ctx context.Context, chatID string, partial *Dimensions) (*Dimensions, error) {
	d := Dimensions{}
	if partial != nil {
		d = *partial
	}

	row := e.pool.QueryRow(ctx, `
		SELECT company_id, inbox_id, status, kind, chat_type, remote_id, COALESCE(department_id, '')
		FROM chats
		WHERE id = $1
	`, chatID)

	var companyID, inboxID, status, kind, chatType, remoteID, departmentID string
	if err := row.Scan(&companyID, &inboxID, &status, &kind, &chatType, &remoteID, &departmentID); err != nil {
		return nil, err
	}

	if d.CompanyID == "" {
		d.CompanyID = companyID
	}
	if d.InboxID == "" {
		d.InboxID = inboxID
	}
	if d.Status == "" {
		d.Status = status
	}
	if d.Kind == "" {
		d.Kind = kind
	}
	if d.ChatType == "" {
		d.ChatType = chatType
	}
	if d.RemoteID == "" {
		d.RemoteID = remoteID
	}
	if d.DepartmentID == "" {
		d.DepartmentID = departmentID
	}
	return &d, nil
}
