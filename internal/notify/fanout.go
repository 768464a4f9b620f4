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

package notify

import (
	"context"
	"log/slog"

	"github.com/convocrm/ingestion/internal/models"
)

// Fanout routes domain events onto the background queue. Every method
// returns immediately; nothing here blocks the ingestion path or reports
// failure to it.
type Fanout struct {
	queue       *Queue
	broadcaster Broadcaster
	automation  AutomationSink
	webhooks    WebhookSink
}

// NewFanout wires the sinks. Any sink may be nil; its events are skipped.
func NewFanout(queue *Queue, broadcaster Broadcaster, automation AutomationSink, webhooks WebhookSink) *Fanout {
	return &Fanout{
		queue:       queue,
		broadcaster: broadcaster,
		automation:  automation,
		webhooks:    webhooks,
	}
}

// Discard is a no-op event sink, used when side effects are unwanted,
// e.g. during quiet replays.
type Discard struct{}

func (Discard) LeadCreated(*models.Lead)                      {}
func (Discard) ContactCreated(*models.Customer)               {}
func (Discard) ContactUpdated(*models.Customer)               {}
func (Discard) MessageCreated(*models.Chat, *models.Message)  {}
func (Discard) CustomerReplied(*models.Chat, string, *string) {}
func (Discard) ChatUpdated(*models.Chat)                      {}

// LeadCreated emits the flow-engine trigger for a brand-new lead. The
// integration webhook for the contact fires separately via ContactCreated.
func (f *Fanout) LeadCreated(lead *models.Lead) {
	if lead == nil {
		return
	}
	if f.automation != nil {
		f.queue.Enqueue("automation.lead_created", func(ctx context.Context) error {
			return f.automation.Trigger(ctx, EventLeadCreated, lead.CompanyID, lead.ID, "", map[string]any{
				"phone": lead.Phone,
				"name":  lead.Name,
			})
		})
	}
}

// ContactCreated notifies external integrations of a new contact.
func (f *Fanout) ContactCreated(customer *models.Customer) {
	f.contactWebhook(WebhookContactCreated, customer)
}

// ContactUpdated notifies external integrations a contact was touched.
func (f *Fanout) ContactUpdated(customer *models.Customer) {
	f.contactWebhook(WebhookContactUpdated, customer)
}

func (f *Fanout) contactWebhook(event string, customer *models.Customer) {
	if customer == nil || f.webhooks == nil {
		return
	}
	f.queue.Enqueue("webhook."+event, func(ctx context.Context) error {
		return f.webhooks.Trigger(ctx, event, customer.CompanyID, customer)
	})
}

// MessageCreated broadcasts the new message to chat and company
// subscribers and fires the message.created integration webhook. Called
// only when the message row was freshly inserted.
func (f *Fanout) MessageCreated(chat *models.Chat, message *models.Message) {
	if chat == nil || message == nil {
		return
	}
	if f.broadcaster != nil {
		f.queue.Enqueue("broadcast.message", func(ctx context.Context) error {
			if err := f.broadcaster.Publish(ctx, ChatTopic(chat.ID), message); err != nil {
				return err
			}
			return f.broadcaster.Publish(ctx, CompanyTopic(chat.CompanyID), map[string]any{
				"event":   "chat.updated",
				"chat_id": chat.ID,
			})
		})
	}
	if f.webhooks != nil {
		f.queue.Enqueue("webhook."+WebhookMessageCreated, func(ctx context.Context) error {
			return f.webhooks.Trigger(ctx, WebhookMessageCreated, chat.CompanyID, message)
		})
	}
}

// ChatUpdated broadcasts a chat list refresh for the company. Consumed by
// the chat status/assignment handlers, which mutate chats without going
// through the message pipeline.
func (f *Fanout) ChatUpdated(chat *models.Chat) {
	if chat == nil || f.broadcaster == nil {
		return
	}
	f.queue.Enqueue("broadcast.chat_updated", func(ctx context.Context) error {
		return f.broadcaster.Publish(ctx, CompanyTopic(chat.CompanyID), map[string]any{
			"event":   "chat.updated",
			"chat_id": chat.ID,
		})
	})
}

// CustomerReplied runs the automation sequence for a freshly inserted
// customer message: resume any flow waiting on this chat, fire keyword
// triggers, and fire NEW_MESSAGE only when nothing was resumed, so a flow
// that both matches a keyword and expects this reply triggers once.
func (f *Fanout) CustomerReplied(chat *models.Chat, customerID string, content *string) {
	if chat == nil || f.automation == nil {
		return
	}

	text := ""
	if content != nil {
		text = *content
	}

	f.queue.Enqueue("automation.customer_reply", func(ctx context.Context) error {
		resumed, err := f.automation.ResumeAwaitingReply(ctx, chat.CompanyID, chat.ID)
		if err != nil {
			slog.Warn("resume awaiting reply failed", "chat", chat.ID, "error", err)
		}

		if text != "" {
			if err := f.automation.Trigger(ctx, EventKeyword, chat.CompanyID, customerID, chat.ID, map[string]any{
				"content": text,
			}); err != nil {
				slog.Warn("keyword trigger failed", "chat", chat.ID, "error", err)
			}
		}

		if resumed {
			return nil
		}
		return f.automation.Trigger(ctx, EventNewMessage, chat.CompanyID, customerID, chat.ID, map[string]any{
			"content": text,
		})
	})
}

// Stop drains the underlying queue.
func (f *Fanout) Stop() {
	f.queue.Stop()
}
