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

// Package cache provides the cache-aside layer over Redis. Entries are
// advisory: Postgres is the source of truth, and losing every key must
// never affect correctness. A lookup that found nothing is cached as an
// explicit negative entry so known-absent entities don't trigger repeated
// database queries.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// client is the slice of the Redis client the store needs; narrowed for tests.
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store wraps a Redis client with typed get/set-with-TTL semantics.
type Store struct {
	rdb client
}

// NewStore creates a cache store backed by the given Redis client.
func NewStore(rdb client) *Store {
	return &Store{rdb: rdb}
}

// entry is the stored envelope. Hit=false records a negative entry: the
// underlying lookup ran and found nothing.
type entry struct {
	Hit   bool            `json:"hit"`
	Value json.RawMessage `json:"value,omitempty"`
}

// encodeEntry serialises a value (nil for a negative entry) into the
// envelope format.
func encodeEntry(v any) ([]byte, error) {
	e := entry{}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal cache value: %w", err)
		}
		e.Hit = true
		e.Value = raw
	}
	return json.Marshal(e)
}

// decodeEntry parses an envelope. A negative entry yields (nil raw, nil err).
func decodeEntry(data []byte) (json.RawMessage, error) {
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse cache envelope: %w", err)
	}
	if !e.Hit {
		return nil, nil
	}
	return e.Value, nil
}

// ReadNullable returns (value, found, err). found=true with a nil value
// means a cached negative entry; found=false means the key is absent and
// the caller must fall through to Postgres.
func ReadNullable[T any](ctx context.Context, s *Store, key string) (*T, bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache GET %s: %w", key, err)
	}

	raw, err := decodeEntry(data)
	if err != nil {
		// A corrupt entry behaves like a miss.
		slog.Warn("corrupt cache entry, treating as miss", "key", key, "error", err)
		return nil, false, nil
	}
	if raw == nil {
		return nil, true, nil
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		slog.Warn("corrupt cache value, treating as miss", "key", key, "error", err)
		return nil, false, nil
	}
	return &v, true, nil
}

// Write stores a value (or a negative entry when v is nil) with the given TTL.
func Write[T any](ctx context.Context, s *Store, key string, v *T, ttl time.Duration) error {
	var payload []byte
	var err error
	if v == nil {
		payload, err = encodeEntry(nil)
	} else {
		payload, err = encodeEntry(v)
	}
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache SET %s: %w", key, err)
	}
	return nil
}

// WriteBestEffort is Write with failures logged and swallowed, for call
// sites where a lost cache write only costs a future database read.
func WriteBestEffort[T any](ctx context.Context, s *Store, key string, v *T, ttl time.Duration) {
	if err := Write(ctx, s, key, v, ttl); err != nil {
		slog.Warn("best-effort cache write failed", "key", key, "error", err)
	}
}

// Evict deletes keys, best-effort.
func (s *Store) Evict(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache eviction failed", "keys", len(keys), "error", err)
	}
}
