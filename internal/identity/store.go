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

package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convocrm/ingestion/internal/models"
)

const leadColumns = `id, company_id, phone, name, lid, board_id, column_id, customer_id, created_at, updated_at`
const leadSelect = `SELECT ` + leadColumns + ` FROM leads`

const customerColumns = `id, company_id, phone, name, avatar_url, lid, lead_id, created_at, updated_at`
const customerSelect = `SELECT ` + customerColumns + ` FROM customers`

const chatColumns = `id, inbox_id, company_id, customer_id, external_id, remote_id, kind, chat_type, status,
	department_id, group_name, group_avatar_url, created_at, updated_at`
const chatSelect = `SELECT ` + chatColumns + ` FROM chats`

func scanLead(row pgx.Row) (*models.Lead, error) {
	var l models.Lead
	err := row.Scan(
		&l.ID, &l.CompanyID, &l.Phone, &l.Name, &l.Lid,
		&l.BoardID, &l.ColumnID, &l.CustomerID, &l.CreatedAt, &l.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanLeadInserted(row pgx.Row, inserted *bool) (*models.Lead, error) {
	var l models.Lead
	err := row.Scan(
		&l.ID, &l.CompanyID, &l.Phone, &l.Name, &l.Lid,
		&l.BoardID, &l.ColumnID, &l.CustomerID, &l.CreatedAt, &l.UpdatedAt,
		inserted,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanCustomer(row pgx.Row) (*models.Customer, error) {
	var c models.Customer
	err := row.Scan(
		&c.ID, &c.CompanyID, &c.Phone, &c.Name, &c.AvatarURL,
		&c.Lid, &c.LeadID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanChat(row pgx.Row) (*models.Chat, error) {
	var c models.Chat
	err := row.Scan(
		&c.ID, &c.InboxID, &c.CompanyID, &c.CustomerID, &c.ExternalID,
		&c.RemoteID, &c.Kind, &c.ChatType, &c.Status,
		&c.DepartmentID, &c.GroupName, &c.GroupAvatarURL, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// EnsureSchema creates the identity tables. The partial unique index on
// (inbox_id, external_id) is what turns a chat-creation race into a
// recoverable unique violation; rows without an external_id are exempt,
// which is why a short-lived duplicate chat is possible and tolerated.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS inboxes (
			id              TEXT PRIMARY KEY,
			company_id      TEXT NOT NULL,
			provider        TEXT NOT NULL DEFAULT 'whatsapp',
			phone_number_id TEXT NOT NULL UNIQUE,
			phone           TEXT NOT NULL,
			department_id   TEXT,
			board_id        TEXT,
			access_token    TEXT,
			client_id       TEXT,
			client_secret   TEXT,
			token_url       TEXT,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS boards (
			id         TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS board_columns (
			id       TEXT PRIMARY KEY,
			board_id TEXT NOT NULL REFERENCES boards(id),
			position INT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS leads (
			id          TEXT PRIMARY KEY,
			company_id  TEXT NOT NULL,
			phone       TEXT NOT NULL,
			name        TEXT NOT NULL DEFAULT '',
			lid         TEXT,
			board_id    TEXT,
			column_id   TEXT,
			customer_id TEXT,
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(company_id, phone)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS ux_leads_company_lid
			ON leads(company_id, lid) WHERE lid IS NOT NULL;

		CREATE TABLE IF NOT EXISTS customers (
			id         TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			phone      TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			avatar_url TEXT,
			lid        TEXT,
			lead_id    TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(company_id, phone)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS ux_customers_company_lid
			ON customers(company_id, lid) WHERE lid IS NOT NULL;

		CREATE TABLE IF NOT EXISTS chats (
			id                     TEXT PRIMARY KEY,
			inbox_id               TEXT NOT NULL,
			company_id             TEXT NOT NULL,
			customer_id            TEXT,
			external_id            TEXT,
			remote_id              TEXT NOT NULL DEFAULT '',
			kind                   TEXT NOT NULL DEFAULT 'DIRECT',
			chat_type              TEXT NOT NULL DEFAULT '',
			status                 TEXT NOT NULL DEFAULT 'AI',
			department_id          TEXT,
			group_name             TEXT,
			group_avatar_url       TEXT,
			last_message_content   TEXT,
			last_message_from      TEXT,
			last_message_type      TEXT,
			last_message_media_url TEXT,
			last_message_at        TIMESTAMPTZ,
			created_at             TIMESTAMPTZ DEFAULT NOW(),
			updated_at             TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS ux_chats_inbox_external
			ON chats(inbox_id, external_id) WHERE external_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_chats_inbox_customer ON chats(inbox_id, customer_id);
		CREATE INDEX IF NOT EXISTS idx_chats_inbox_remote ON chats(inbox_id, remote_id);

		CREATE TABLE IF NOT EXISTS remote_participants (
			id         TEXT PRIMARY KEY,
			chat_id    TEXT NOT NULL,
			remote_id  TEXT NOT NULL,
			name       TEXT,
			phone      TEXT,
			avatar_url TEXT,
			is_admin   BOOLEAN NOT NULL DEFAULT FALSE,
			joined_at  TIMESTAMPTZ DEFAULT NOW(),
			left_at    TIMESTAMPTZ,
			UNIQUE(chat_id, remote_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure identity schema: %w", err)
	}
	slog.Info("identity schema ensured")
	return nil
}
