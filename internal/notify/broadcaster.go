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

	"github.com/redis/go-redis/v9"
)

// Broadcaster publishes real-time events to connected UI consumers.
// At-most-once delivery is acceptable.
type Broadcaster interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Topics. Chat subscribers watch one conversation; company subscribers
// watch the chat list.
func ChatTopic(chatID string) string       { return "crm:events:chat:" + chatID }
func CompanyTopic(companyID string) string { return "crm:events:company:" + companyID + ":chats" }

// RedisBroadcaster publishes over Redis pub/sub.
type RedisBroadcaster struct {
	rdb *redis.Client
}

// NewRedisBroadcaster creates a broadcaster on the given Redis client.
func NewRedisBroadcaster(rdb *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{rdb: rdb}
}

// Publish serialises the payload and PUBLISHes it. Subscribers that are
// offline simply miss the event; they reconcile from Postgres on reconnect.
func (b *RedisBroadcaster) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}
	if err := b.rdb.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH %s: %w", topic, err)
	}
	return nil
}
