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

// Package pipeline orchestrates ingestion of one provider event: dedup the
// delivery, resolve identity, persist the message idempotently, refresh
// the chat projection and caches, and fan out notifications. Every stage
// is idempotent, so a failed event is safe to retry via provider
// redelivery.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/convocrm/ingestion/internal/identity"
	"github.com/convocrm/ingestion/internal/invalidation"
	"github.com/convocrm/ingestion/internal/messagestore"
	"github.com/convocrm/ingestion/internal/models"
	"github.com/convocrm/ingestion/internal/projection"
)

// ErrUnknownInbox is returned when the event's phone-number id matches no
// registered inbox. The delivery is rejected, not retried.
var ErrUnknownInbox = errors.New("no inbox for phone number id")

// DedupLedger gates side effects to at most once per delivery.
type DedupLedger interface {
	RecordIfNew(ctx context.Context, inboxID, provider, eventUID string, rawPayload []byte) (bool, error)
}

// InboxLookup resolves the receiving inbox. Implemented by cache.Lookups.
type InboxLookup interface {
	InboxByPhoneNumberID(ctx context.Context, phoneNumberID string) (*models.Inbox, error)
}

// Resolver maps an event onto the lead/customer/chat graph.
type Resolver interface {
	EnsureLeadCustomerChat(ctx context.Context, args identity.ResolveArgs) (*identity.Resolution, error)
}

// MessageStore persists messages idempotently.
type MessageStore interface {
	UpsertMessage(ctx context.Context, args messagestore.UpsertArgs) (*models.Message, bool, error)
}

// Toucher refreshes the chat's last-message projection and invalidates
// its caches.
type Toucher interface {
	TouchChatAfterMessage(ctx context.Context, args projection.TouchArgs)
}

// EventSink receives post-persistence events. Implemented by notify.Fanout.
type EventSink interface {
	MessageCreated(chat *models.Chat, message *models.Message)
	CustomerReplied(chat *models.Chat, customerID string, content *string)
}

// Pipeline wires the ingestion stages.
type Pipeline struct {
	ledger   DedupLedger
	inboxes  InboxLookup
	resolver Resolver
	messages MessageStore
	toucher  Toucher
	events   EventSink
}

// Config holds the pipeline's collaborators.
type Config struct {
	Ledger   DedupLedger
	Inboxes  InboxLookup
	Resolver Resolver
	Messages MessageStore
	Toucher  Toucher
	Events   EventSink
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		ledger:   cfg.Ledger,
		inboxes:  cfg.Inboxes,
		resolver: cfg.Resolver,
		messages: cfg.Messages,
		toucher:  cfg.Toucher,
		events:   cfg.Events,
	}
}

// ProcessInbound ingests one webhook or send-confirmation event. A
// duplicate delivery short-circuits after the ledger check with no side
// effects. Unknown inboxes and events without any sender identity are
// permanent failures; everything else that errors is retryable.
func (p *Pipeline) ProcessInbound(ctx context.Context, event models.InboundMessageEvent) error {
	return p.process(ctx, event, true)
}

// Reprocess replays an already-recorded delivery through the pipeline,
// skipping the ledger gate. Used by backfill; safe because every stage
// downstream is idempotent.
func (p *Pipeline) Reprocess(ctx context.Context, event models.InboundMessageEvent) error {
	return p.process(ctx, event, false)
}

func (p *Pipeline) process(ctx context.Context, event models.InboundMessageEvent, gate bool) error {
	inbox, err := p.inboxes.InboxByPhoneNumberID(ctx, event.PhoneNumberID)
	if err != nil {
		return fmt.Errorf("resolve inbox: %w", err)
	}
	if inbox == nil {
		return fmt.Errorf("%w: %s", ErrUnknownInbox, event.PhoneNumberID)
	}

	if gate {
		// The ledger stores the normalized per-item event, not the provider
		// delivery body: one delivery carries many items, and the backfill
		// replay decodes ledger rows back into events. The original body
		// rides along in the event's raw field.
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event for ledger: %w", err)
		}

		fresh, err := p.ledger.RecordIfNew(ctx, inbox.ID, event.Provider, event.EventUID, payload)
		if err != nil {
			return fmt.Errorf("dedup delivery: %w", err)
		}
		if !fresh {
			slog.Debug("duplicate delivery short-circuited",
				"inbox", inbox.ID,
				"event_uid", event.EventUID,
			)
			return nil
		}
	}

	res, err := p.resolver.EnsureLeadCustomerChat(ctx, identity.ResolveArgs{
		InboxID:             inbox.ID,
		CompanyID:           inbox.CompanyID,
		Phone:               event.Phone,
		Name:                event.PushName,
		Lid:                 event.Lid,
		AvatarURL:           event.AvatarURL,
		RemoteID:            event.RemoteID,
		ExternalID:          event.ExternalID,
		ParticipantRemoteID: event.ParticipantRemoteID,
	})
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	message, inserted, err := p.messages.UpsertMessage(ctx, upsertArgs(res.Chat.ID, event))
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	p.toucher.TouchChatAfterMessage(ctx, touchArgs(res, inbox, event))

	if inserted {
		p.events.MessageCreated(res.Chat, message)
		if event.IsFromCustomer {
			customerID := ""
			if res.Customer != nil {
				customerID = res.Customer.ID
			}
			p.events.CustomerReplied(res.Chat, customerID, message.Content)
		}
	}
	return nil
}

// IsRetryable reports whether the webhook layer should ask the provider
// to redeliver. Domain validation failures are permanent.
func IsRetryable(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrUnknownInbox) &&
		!errors.Is(err, identity.ErrMissingPhone)
}

func upsertArgs(chatID string, event models.InboundMessageEvent) messagestore.UpsertArgs {
	args := messagestore.UpsertArgs{
		ChatID:            chatID,
		IsFromCustomer:    event.IsFromCustomer,
		Content:           event.Content,
		ViewStatus:        event.ViewStatus,
		MediaURL:          event.MediaURL,
		ReplyToExternalID: event.ReplyTo,
		SentAt:            event.SentAt,
	}
	if event.ExternalID != "" {
		args.ExternalID = &event.ExternalID
	}
	if event.Type != "" {
		args.Type = &event.Type
	}
	if event.ParticipantRemoteID != "" {
		args.ParticipantRemoteID = &event.ParticipantRemoteID
	}
	return args
}

func touchArgs(res *identity.Resolution, inbox *models.Inbox, event models.InboundMessageEvent) projection.TouchArgs {
	from := "AGENT"
	if event.IsFromCustomer {
		from = event.Phone
		if res.Customer != nil && res.Customer.Name != "" {
			from = res.Customer.Name
		}
	}

	sentAt := time.Now().UTC()
	if event.SentAt != nil {
		sentAt = *event.SentAt
	}

	msgType := event.Type
	if msgType == "" {
		msgType = models.MessageTypeText
	}

	departmentID := ""
	if res.Chat.DepartmentID != nil {
		departmentID = *res.Chat.DepartmentID
	}

	return projection.TouchArgs{
		ChatID:   res.Chat.ID,
		Content:  event.Content,
		From:     from,
		Type:     msgType,
		MediaURL: event.MediaURL,
		SentAt:   sentAt,
		Dimensions: &invalidation.Dimensions{
			CompanyID:    inbox.CompanyID,
			InboxID:      inbox.ID,
			Status:       res.Chat.Status,
			Kind:         res.Chat.Kind,
			ChatType:     res.Chat.ChatType,
			RemoteID:     res.Chat.RemoteID,
			DepartmentID: departmentID,
		},
	}
}
