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

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/convocrm/ingestion/internal/models"
)

// rowQuerier is the slice of the pgx pool the lookups read through;
// narrowed for tests.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TTLs configures expiry per lookup dimension. Negative entries use the
// same TTL as their dimension unless Negative is set.
type TTLs struct {
	InboxByPhoneNumberID time.Duration
	InboxByPhone         time.Duration
	BoardByCompany       time.Duration
	CredentialsByInbox   time.Duration
	ChatPhoneByChatID    time.Duration
	Negative             time.Duration
}

// Lookups bundles the cache-aside read paths the pipeline needs. Each
// lookup checks Redis first, falls through to Postgres on miss, and writes
// back either the row or a negative entry.
type Lookups struct {
	pool  rowQuerier
	store *Store
	ttls  TTLs
}

// NewLookups creates the lookup set.
func NewLookups(pool rowQuerier, store *Store, ttls TTLs) *Lookups {
	return &Lookups{pool: pool, store: store, ttls: ttls}
}

func (l *Lookups) negativeTTL(dimension time.Duration) time.Duration {
	if l.ttls.Negative > 0 {
		return l.ttls.Negative
	}
	return dimension
}

// InboxByPhoneNumberID resolves the inbox a provider webhook is addressed
// to. Returns (nil, nil) when no inbox exists; that outcome is negative-
// cached because providers keep delivering for deregistered numbers.
func (l *Lookups) InboxByPhoneNumberID(ctx context.Context, phoneNumberID string) (*models.Inbox, error) {
	key := InboxByPhoneNumberIDKey(phoneNumberID)
	if v, found, err := ReadNullable[models.Inbox](ctx, l.store, key); err == nil && found {
		return v, nil
	}

	inbox, err := l.scanInbox(ctx, `
		SELECT id, company_id, provider, phone_number_id, phone, department_id, board_id, created_at, updated_at
		FROM inboxes
		WHERE phone_number_id = $1
	`, phoneNumberID)
	if err != nil {
		return nil, fmt.Errorf("inbox by phone_number_id %s: %w", phoneNumberID, err)
	}

	if inbox == nil {
		WriteBestEffort[models.Inbox](ctx, l.store, key, nil, l.negativeTTL(l.ttls.InboxByPhoneNumberID))
	} else {
		WriteBestEffort(ctx, l.store, key, inbox, l.ttls.InboxByPhoneNumberID)
	}
	return inbox, nil
}

// InboxByPhone resolves an inbox by its own directory number. Consumed by
// the outbound sender service, which addresses inboxes by phone rather
// than by the provider's phone-number id.
func (l *Lookups) InboxByPhone(ctx context.Context, phone string) (*models.Inbox, error) {
	key := InboxByPhoneKey(phone)
	if v, found, err := ReadNullable[models.Inbox](ctx, l.store, key); err == nil && found {
		return v, nil
	}

	inbox, err := l.scanInbox(ctx, `
		SELECT id, company_id, provider, phone_number_id, phone, department_id, board_id, created_at, updated_at
		FROM inboxes
		WHERE phone = $1
	`, phone)
	if err != nil {
		return nil, fmt.Errorf("inbox by phone %s: %w", phone, err)
	}

	if inbox == nil {
		WriteBestEffort[models.Inbox](ctx, l.store, key, nil, l.negativeTTL(l.ttls.InboxByPhone))
	} else {
		WriteBestEffort(ctx, l.store, key, inbox, l.ttls.InboxByPhone)
	}
	return inbox, nil
}

// boardRef is the cached shape for the default-board lookup.
type boardRef struct {
	BoardID  string `json:"board_id"`
	ColumnID string `json:"column_id"`
}

// DefaultBoardByCompany returns the company's default kanban board and its
// first column, used to place newly created leads.
func (l *Lookups) DefaultBoardByCompany(ctx context.Context, companyID string) (boardID, columnID string, err error) {
	key := BoardByCompanyKey(companyID)
	if v, found, err := ReadNullable[boardRef](ctx, l.store, key); err == nil && found {
		if v == nil {
			return "", "", nil
		}
		return v.BoardID, v.ColumnID, nil
	}

	row := l.pool.QueryRow(ctx, `
		SELECT b.id, c.id
		FROM boards b
		JOIN board_columns c ON c.board_id = b.id
		WHERE b.company_id = $1 AND b.is_default
		ORDER BY c.position
		LIMIT 1
	`, companyID)
	var ref boardRef
	scanErr := row.Scan(&ref.BoardID, &ref.ColumnID)
	if scanErr == pgx.ErrNoRows {
		WriteBestEffort[boardRef](ctx, l.store, key, nil, l.negativeTTL(l.ttls.BoardByCompany))
		return "", "", nil
	}
	if scanErr != nil {
		return "", "", fmt.Errorf("default board for company %s: %w", companyID, scanErr)
	}

	WriteBestEffort(ctx, l.store, key, &ref, l.ttls.BoardByCompany)
	return ref.BoardID, ref.ColumnID, nil
}

// chatPhone is the cached shape for the chat-phone lookup.
type chatPhone struct {
	Phone string `json:"phone"`
}

// PhoneByChatID returns the customer phone behind a direct chat. Consumed
// by the outbound sender service to address provider sends. Group chats
// yield a negative entry.
func (l *Lookups) PhoneByChatID(ctx context.Context, chatID string) (string, error) {
	key := ChatPhoneByChatIDKey(chatID)
	if v, found, err := ReadNullable[chatPhone](ctx, l.store, key); err == nil && found {
		if v == nil {
			return "", nil
		}
		return v.Phone, nil
	}

	row := l.pool.QueryRow(ctx, `
		SELECT cu.phone
		FROM chats ch
		JOIN customers cu ON cu.id = ch.customer_id
		WHERE ch.id = $1
	`, chatID)
	var phone string
	scanErr := row.Scan(&phone)
	if scanErr == pgx.ErrNoRows {
		WriteBestEffort[chatPhone](ctx, l.store, key, nil, l.negativeTTL(l.ttls.ChatPhoneByChatID))
		return "", nil
	}
	if scanErr != nil {
		return "", fmt.Errorf("phone for chat %s: %w", chatID, scanErr)
	}

	WriteBestEffort(ctx, l.store, key, &chatPhone{Phone: phone}, l.ttls.ChatPhoneByChatID)
	return phone, nil
}

func (l *Lookups) scanInbox(ctx context.Context, sql string, args ...any) (*models.Inbox, error) {
	row := l.pool.QueryRow(ctx, sql, args...)
	var in models.Inbox
	err := row.Scan(
		&in.ID, &in.CompanyID, &in.Provider, &in.PhoneNumberID, &in.Phone,
		&in.DepartmentID, &in.BoardID, &in.CreatedAt, &in.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}
