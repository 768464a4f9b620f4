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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Automation event types consumed by the flow engine.
const (
	EventLeadCreated = "LEAD_CREATED"
	EventNewMessage  = "NEW_MESSAGE"
	EventKeyword     = "KEYWORD"
	EventStageChange = "STAGE_CHANGE"
)

// AutomationSink hands events to the flow engine. Trigger is asynchronous
// from the flow engine's perspective; ResumeAwaitingReply reports whether
// a paused flow was waiting on this chat, which callers use to suppress
// the NEW_MESSAGE trigger for the same message.
type AutomationSink interface {
	Trigger(ctx context.Context, eventType, companyID, contactID, chatID string, payload map[string]any) error
	ResumeAwaitingReply(ctx context.Context, companyID, chatID string) (bool, error)
}

const (
	// awaitingReplyKey holds the set of chat ids with a paused flow
	// waiting for a customer reply. The flow engine adds members when it
	// pauses; we remove-and-test when a reply arrives.
	awaitingReplyKeyPrefix = "crm:flows:awaiting:"

	automationQueueDefault = "automation"
)

// RedisAutomationSink publishes flow-engine tasks to a Redis list queue.
type RedisAutomationSink struct {
	rdb       *redis.Client
	queueName string
}

// NewRedisAutomationSink creates a sink targeting the given queue.
func NewRedisAutomationSink(rdb *redis.Client, queueName string) *RedisAutomationSink {
	if queueName == "" {
		queueName = automationQueueDefault
	}
	return &RedisAutomationSink{rdb: rdb, queueName: queueName}
}

// flowTask is the queue message shape the flow workers consume.
type flowTask struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	CompanyID string         `json:"company_id"`
	ContactID string         `json:"contact_id"`
	ChatID    string         `json:"chat_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// Trigger enqueues one flow-engine task.
func (s *RedisAutomationSink) Trigger(ctx context.Context, eventType, companyID, contactID, chatID string, payload map[string]any) error {
	t := flowTask{
		ID:        uuid.NewString(),
		EventType: eventType,
		CompanyID: companyID,
		ContactID: contactID,
		ChatID:    chatID,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal flow task: %w", err)
	}

	if err := s.rdb.LPush(ctx, s.queueName, data).Err(); err != nil {
		return fmt.Errorf("redis LPUSH %s: %w", s.queueName, err)
	}

	slog.Debug("automation task enqueued",
		"task_id", t.ID,
		"event", eventType,
		"company", companyID,
	)
	return nil
}

// ResumeAwaitingReply atomically removes the chat from the company's
// awaiting-reply set. A successful removal means a paused flow was
// waiting; a resume task is then enqueued for it.
func (s *RedisAutomationSink) ResumeAwaitingReply(ctx context.Context, companyID, chatID string) (bool, error) {
	removed, err := s.rdb.SRem(ctx, awaitingReplyKeyPrefix+companyID, chatID).Result()
	if err != nil {
		return false, fmt.Errorf("redis SREM awaiting reply: %w", err)
	}
	if removed == 0 {
		return false, nil
	}

	if err := s.Trigger(ctx, "RESUME", companyID, "", chatID, nil); err != nil {
		return true, err
	}
	return true, nil
}
