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

// Package identity resolves an inbound participant (phone, lid, remote
// conversation id) onto the Lead → Customer → Chat graph, creating records
// as needed without producing duplicates under concurrent delivery.
// Uniqueness is enforced only by Postgres constraints; every write here is
// either a conflict-aware upsert or followed by a re-read on a unique
// violation, so the whole resolution is safe to retry.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/convocrm/ingestion/internal/models"
	"github.com/convocrm/ingestion/internal/schemacap"
)

// ErrMissingPhone is returned when neither a phone nor a lid identifies
// the sender. The webhook layer rejects the delivery permanently.
var ErrMissingPhone = errors.New("no phone or lid for sender")

const defaultChatType = "WHATSAPP"

// Notifier receives identity lifecycle events. Implementations must not
// block: calls happen on the resolution path after commit and their
// outcome never affects the returned Resolution.
type Notifier interface {
	LeadCreated(lead *models.Lead)
	ContactCreated(customer *models.Customer)
	ContactUpdated(customer *models.Customer)
}

// BoardLookup resolves the company's default board placement for new leads.
// Implemented by cache.Lookups.
type BoardLookup interface {
	DefaultBoardByCompany(ctx context.Context, companyID string) (boardID, columnID string, err error)
}

// Resolver implements identity resolution against Postgres.
type Resolver struct {
	pool     *pgxpool.Pool
	boards   BoardLookup
	caps     *schemacap.Tracker
	notifier Notifier
	timeout  time.Duration
}

// ResolverConfig holds dependencies for the resolver.
type ResolverConfig struct {
	Pool     *pgxpool.Pool
	Boards   BoardLookup
	Caps     *schemacap.Tracker
	Notifier Notifier
	Timeout  time.Duration // bound on the whole resolution; retryable on expiry
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{
		pool:     cfg.Pool,
		boards:   cfg.Boards,
		caps:     cfg.Caps,
		notifier: cfg.Notifier,
		timeout:  timeout,
	}
}

// ResolveArgs identifies the sender and conversation of one event.
type ResolveArgs struct {
	InboxID   string
	CompanyID string
	Phone     string
	Name      string
	Lid       string // provider-stable participant id; wins over phone when both match
	AvatarURL string

	RemoteID string // remote conversation id; "@g." marks a group

	// ExternalID carries the provider's chat id when the provider sends
	// one; for direct chats the webhook layer maps the first message's id
	// here instead. The (inbox_id, external_id) unique index therefore
	// only catches creation races on the same message. Two distinct first
	// messages racing fall to the tolerated-duplicate path in resolveChat.
	ExternalID string

	// Group sender attribution.
	ParticipantRemoteID string
	GroupName           string
}

// Resolution is the resolved identity triple.
type Resolution struct {
	Lead     *models.Lead // nil for group events without a sender phone
	Customer *models.Customer
	Chat     *models.Chat

	LeadCreated bool
	ChatCreated bool
}

// EnsureLeadCustomerChat resolves or creates the lead, customer, and chat
// for one inbound participant. Lookups that are independent run
// concurrently; writes run inside one transaction. On any unexpected
// database error the caller aborts this message and relies on provider
// redelivery, which is safe because every step here is idempotent.
func (r *Resolver) EnsureLeadCustomerChat(ctx context.Context, args ResolveArgs) (*Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	phone := NormalizePhone(args.Phone)
	isGroup := IsGroupRemoteID(args.RemoteID)
	if phone == "" && args.Lid == "" && !isGroup {
		return nil, ErrMissingPhone
	}

	res := &Resolution{}

	// Lead and customer lookups are independent reads; run them in
	// parallel on the pool. The pool, not this call, is the
	// serialization point.
	if phone != "" || args.Lid != "" {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			lead, err := r.findLead(gctx, args.CompanyID, args.Lid, phone)
			res.Lead = lead
			return err
		})
		g.Go(func() error {
			customer, err := r.findCustomer(gctx, args.CompanyID, args.Lid, phone)
			res.Customer = customer
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("identity lookup: %w", err)
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin identity tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if phone != "" || args.Lid != "" {
		if err := r.ensureLead(ctx, tx, args, phone, res); err != nil {
			return nil, err
		}
		if err := r.ensureCustomer(ctx, tx, args, phone, res); err != nil {
			return nil, err
		}
		r.backfillNames(ctx, tx, args.Name, res)
	}

	chat, created, err := r.resolveChat(ctx, tx, args, isGroup, res.Customer)
	if err != nil {
		return nil, err
	}
	res.Chat = chat
	res.ChatCreated = created

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit identity tx: %w", err)
	}

	// Bidirectional lead<->customer linkage is eventually consistent: a
	// one-sided window self-heals on the next resolution. Both directions
	// are independent single-row updates, issued in parallel.
	r.relink(ctx, res)

	if isGroup && args.ParticipantRemoteID != "" {
		r.upsertParticipant(ctx, chat.ID, args, phone)
	}

	r.emit(res)
	return res, nil
}

// findLead looks a lead up by lid first (providers keep lid stable even
// when a phone is reassigned), then by phone.
func (r *Resolver) findLead(ctx context.Context, companyID, lid, phone string) (*models.Lead, error) {
	if lid != "" {
		lead, err := scanLead(r.pool.QueryRow(ctx, leadSelect+` WHERE company_id = $1 AND lid = $2`, companyID, lid))
		if err != nil || lead != nil {
			return lead, err
		}
	}
	if phone == "" {
		return nil, nil
	}
	return scanLead(r.pool.QueryRow(ctx, leadSelect+` WHERE company_id = $1 AND phone = $2`, companyID, phone))
}

func (r *Resolver) findCustomer(ctx context.Context, companyID, lid, phone string) (*models.Customer, error) {
	if lid != "" {
		c, err := scanCustomer(r.pool.QueryRow(ctx, customerSelect+` WHERE company_id = $1 AND lid = $2`, companyID, lid))
		if err != nil || c != nil {
			return c, err
		}
	}
	if phone == "" {
		return nil, nil
	}
	return scanCustomer(r.pool.QueryRow(ctx, customerSelect+` WHERE company_id = $1 AND phone = $2`, companyID, phone))
}

// ensureLead creates the lead when the lookup missed, using a
// conflict-aware insert so a concurrent resolver converges on one row.
func (r *Resolver) ensureLead(ctx context.Context, tx pgx.Tx, args ResolveArgs, phone string, res *Resolution) error {
	if res.Lead != nil || phone == "" {
		return nil
	}

	boardID, columnID, err := r.boards.DefaultBoardByCompany(ctx, args.CompanyID)
	if err != nil {
		slog.Warn("default board lookup failed, creating unplaced lead",
			"company", args.CompanyID,
			"error", err,
		)
	}

	var inserted bool
	lead, err := insertOrFetch(ctx,
		func(ctx context.Context) (*models.Lead, error) {
			return queryInSavepoint(ctx, tx, func(sp pgx.Tx) (*models.Lead, error) {
				row := sp.QueryRow(ctx, `
					INSERT INTO leads (id, company_id, phone, name, lid, board_id, column_id)
					VALUES ($1, $2, $3, $4, $5, $6, $7)
					ON CONFLICT (company_id, phone) DO UPDATE SET
						lid        = COALESCE(EXCLUDED.lid, leads.lid),
						updated_at = NOW()
					RETURNING `+leadColumns+`, (xmax = 0)
				`, uuid.NewString(), args.CompanyID, phone, args.Name, nullable(args.Lid), nullable(boardID), nullable(columnID))
				return scanLeadInserted(row, &inserted)
			})
		},
		func(ctx context.Context) (*models.Lead, error) {
			return r.findLead(ctx, args.CompanyID, args.Lid, phone)
		},
	)
	if err != nil {
		return fmt.Errorf("ensure lead: %w", err)
	}
	res.Lead = lead
	res.LeadCreated = inserted && lead != nil
	return nil
}

func (r *Resolver) ensureCustomer(ctx context.Context, tx pgx.Tx, args ResolveArgs, phone string, res *Resolution) error {
	if res.Customer != nil || phone == "" {
		return nil
	}

	customer, err := insertOrFetch(ctx,
		func(ctx context.Context) (*models.Customer, error) {
			return queryInSavepoint(ctx, tx, func(sp pgx.Tx) (*models.Customer, error) {
				row := sp.QueryRow(ctx, `
					INSERT INTO customers (id, company_id, phone, name, avatar_url, lid)
					VALUES ($1, $2, $3, $4, $5, $6)
					ON CONFLICT (company_id, phone) DO UPDATE SET
						avatar_url = COALESCE(EXCLUDED.avatar_url, customers.avatar_url),
						lid        = COALESCE(EXCLUDED.lid, customers.lid),
						updated_at = NOW()
					RETURNING `+customerColumns,
					uuid.NewString(), args.CompanyID, phone, args.Name, nullable(args.AvatarURL), nullable(args.Lid))
				return scanCustomer(row)
			})
		},
		func(ctx context.Context) (*models.Customer, error) {
			return r.findCustomer(ctx, args.CompanyID, args.Lid, phone)
		},
	)
	if err != nil {
		return fmt.Errorf("ensure customer: %w", err)
	}
	res.Customer = customer
	return nil
}

// backfillNames upgrades placeholder names to meaningful ones. A failed
// upgrade only costs display quality, so errors are logged, not returned.
func (r *Resolver) backfillNames(ctx context.Context, tx pgx.Tx, incoming string, res *Resolution) {
	if res.Lead != nil && shouldReplaceName(res.Lead.Name, incoming) {
		if err := execInSavepoint(ctx, tx, `UPDATE leads SET name = $1, updated_at = NOW() WHERE id = $2`, incoming, res.Lead.ID); err != nil {
			slog.Warn("lead name backfill failed", "lead", res.Lead.ID, "error", err)
		} else {
			res.Lead.Name = incoming
		}
	}
	if res.Customer != nil && shouldReplaceName(res.Customer.Name, incoming) {
		if err := execInSavepoint(ctx, tx, `UPDATE customers SET name = $1, updated_at = NOW() WHERE id = $2`, incoming, res.Customer.ID); err != nil {
			slog.Warn("customer name backfill failed", "customer", res.Customer.ID, "error", err)
		} else {
			res.Customer.Name = incoming
		}
	}
}

// resolveChat finds or creates the conversation thread. Direct chats are
// matched by (inbox, customer) with the provider chat id as an extra
// filter; legacy rows without an external_id still match. Group chats are
// matched by the remote conversation id. A duplicate produced by a race
// is tolerated: reads prefer the row with external_id populated.
func (r *Resolver) resolveChat(ctx context.Context, tx pgx.Tx, args ResolveArgs, isGroup bool, customer *models.Customer) (*models.Chat, bool, error) {
	var (
		chat *models.Chat
		err  error
	)

	switch {
	case isGroup:
		chat, err = scanChat(tx.QueryRow(ctx, chatSelect+`
			WHERE inbox_id = $1 AND remote_id = $2
			ORDER BY external_id NULLS LAST
			LIMIT 1
		`, args.InboxID, args.RemoteID))
	case customer != nil:
		if args.ExternalID != "" || args.Lid != "" {
			chat, err = scanChat(tx.QueryRow(ctx, chatSelect+`
				WHERE inbox_id = $1 AND customer_id = $2
				  AND (external_id = $3 OR remote_id = $4)
				ORDER BY external_id NULLS LAST
				LIMIT 1
			`, args.InboxID, customer.ID, args.ExternalID, args.Lid))
		}
		if err == nil && chat == nil {
			chat, err = scanChat(tx.QueryRow(ctx, chatSelect+`
				WHERE inbox_id = $1 AND customer_id = $2
				ORDER BY external_id NULLS LAST
				LIMIT 1
			`, args.InboxID, customer.ID))
		}
	default:
		return nil, false, ErrMissingPhone
	}
	if err != nil {
		return nil, false, fmt.Errorf("find chat: %w", err)
	}

	if chat != nil {
		r.backfillChat(ctx, tx, chat, args.ExternalID)
		return chat, false, nil
	}

	created := true
	chat, err = insertOrFetch(ctx,
		func(ctx context.Context) (*models.Chat, error) {
			return r.insertChat(ctx, tx, args, isGroup, customer)
		},
		func(ctx context.Context) (*models.Chat, error) {
			// Lost the race to a concurrent resolver; its row wins.
			created = false
			c, _, ferr := r.resolveChat(ctx, tx, args, isGroup, customer)
			return c, ferr
		},
	)
	if err != nil {
		return nil, false, err
	}
	return chat, created, nil
}

func (r *Resolver) insertChat(ctx context.Context, tx pgx.Tx, args ResolveArgs, isGroup bool, customer *models.Customer) (*models.Chat, error) {
	kind := models.ChatKindDirect
	var customerID, groupName *string
	if isGroup {
		kind = models.ChatKindGroup
		groupName = nullable(args.GroupName)
	} else {
		customerID = &customer.ID
	}

	return queryInSavepoint(ctx, tx, func(sp pgx.Tx) (*models.Chat, error) {
		return scanChat(sp.QueryRow(ctx, `
			INSERT INTO chats (id, inbox_id, company_id, customer_id, external_id, remote_id, kind, chat_type, status, group_name)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING `+chatColumns,
			uuid.NewString(), args.InboxID, args.CompanyID, customerID, nullable(args.ExternalID),
			args.RemoteID, kind, defaultChatType, models.ChatStatusAI, groupName,
		))
	})
}

// backfillChat fills external_id and chat_type on legacy rows found with
// those fields empty.
func (r *Resolver) backfillChat(ctx context.Context, tx pgx.Tx, chat *models.Chat, externalID string) {
	setExternal := externalID != "" && chat.ExternalID == nil
	setType := chat.ChatType == ""
	if !setExternal && !setType {
		return
	}

	err := execInSavepoint(ctx, tx, `
		UPDATE chats SET
			external_id = COALESCE(external_id, $1),
			chat_type   = CASE WHEN chat_type = '' THEN $2 ELSE chat_type END,
			updated_at  = NOW()
		WHERE id = $3
	`, nullable(externalID), defaultChatType, chat.ID)
	if err != nil {
		slog.Warn("chat backfill failed", "chat", chat.ID, "error", err)
		return
	}
	if setExternal {
		chat.ExternalID = &externalID
	}
	if setType {
		chat.ChatType = defaultChatType
	}
}

// relink re-establishes lead.customer_id and customer.lead_id when out of
// sync. Both directions run in parallel; failures self-heal next time.
func (r *Resolver) relink(ctx context.Context, res *Resolution) {
	if res.Lead == nil || res.Customer == nil {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	if res.Lead.CustomerID == nil || *res.Lead.CustomerID != res.Customer.ID {
		leadID, customerID := res.Lead.ID, res.Customer.ID
		g.Go(func() error {
			_, err := r.pool.Exec(gctx, `UPDATE leads SET customer_id = $1, updated_at = NOW() WHERE id = $2`, customerID, leadID)
			return err
		})
		res.Lead.CustomerID = &res.Customer.ID
	}
	if res.Customer.LeadID == nil || *res.Customer.LeadID != res.Lead.ID {
		leadID, customerID := res.Lead.ID, res.Customer.ID
		g.Go(func() error {
			_, err := r.pool.Exec(gctx, `UPDATE customers SET lead_id = $1, updated_at = NOW() WHERE id = $2`, leadID, customerID)
			return err
		})
		res.Customer.LeadID = &res.Lead.ID
	}
	if err := g.Wait(); err != nil {
		slog.Warn("lead/customer relink failed, will self-heal on next resolution", "error", err)
	}
}

// upsertParticipant records the sending member of a group chat. The table
// is optional in older schemas; the first undefined-table error disables
// the write for this process.
func (r *Resolver) upsertParticipant(ctx context.Context, chatID string, args ResolveArgs, phone string) {
	if r.caps != nil && !r.caps.Present(schemacap.RemoteParticipantsTable) {
		return
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO remote_participants (id, chat_id, remote_id, name, phone, avatar_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chat_id, remote_id) DO UPDATE SET
			name       = COALESCE(EXCLUDED.name, remote_participants.name),
			phone      = COALESCE(EXCLUDED.phone, remote_participants.phone),
			avatar_url = COALESCE(EXCLUDED.avatar_url, remote_participants.avatar_url),
			left_at    = NULL
	`, uuid.NewString(), chatID, args.ParticipantRemoteID, nullable(args.Name), nullable(phone), nullable(args.AvatarURL))
	if err != nil {
		if r.caps != nil && r.caps.MarkAbsentIfSchemaErr(err, schemacap.RemoteParticipantsTable) {
			return
		}
		slog.Warn("participant upsert failed", "chat", chatID, "error", err)
	}
}

// emit fires identity lifecycle notifications after commit.
func (r *Resolver) emit(res *Resolution) {
	if r.notifier == nil || res.Customer == nil {
		return
	}
	if res.LeadCreated {
		r.notifier.LeadCreated(res.Lead)
		r.notifier.ContactCreated(res.Customer)
		return
	}
	r.notifier.ContactUpdated(res.Customer)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
