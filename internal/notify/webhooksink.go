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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Outbound integration event names.
const (
	WebhookContactCreated = "contact.created"
	WebhookContactUpdated = "contact.updated"
	WebhookMessageCreated = "message.created"
)

// WebhookSink delivers events to external integrations, best-effort.
type WebhookSink interface {
	Trigger(ctx context.Context, eventName, companyID string, payload any) error
}

// HTTPWebhookSink POSTs events to the endpoints a company registered.
type HTTPWebhookSink struct {
	pool   *pgxpool.Pool
	client *http.Client
}

// NewHTTPWebhookSink creates the sink and ensures its endpoint table.
func NewHTTPWebhookSink(ctx context.Context, pool *pgxpool.Pool, ensureSchema bool) (*HTTPWebhookSink, error) {
	s := &HTTPWebhookSink{
		pool:   pool,
		client: &http.Client{Timeout: 8 * time.Second},
	}
	if ensureSchema {
		if err := s.ensureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure webhook_endpoints schema: %w", err)
		}
	}
	return s, nil
}

func (s *HTTPWebhookSink) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_endpoints (
			id         TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			url        TEXT NOT NULL,
			events     TEXT[] NOT NULL DEFAULT '{}',
			enabled    BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_company ON webhook_endpoints(company_id);
	`)
	return err
}

// envelope is the body delivered to integrations.
type envelope struct {
	Event     string    `json:"event"`
	CompanyID string    `json:"company_id"`
	Data      any       `json:"data"`
	SentAt    time.Time `json:"sent_at"`
}

// Trigger posts the event to every enabled endpoint subscribed to it.
// A non-2xx response is an error for the dead-letter log; there is no
// retry contract.
func (s *HTTPWebhookSink) Trigger(ctx context.Context, eventName, companyID string, payload any) error {
	rows, err := s.pool.Query(ctx, `
		SELECT url FROM webhook_endpoints
		WHERE company_id = $1 AND enabled AND ($2 = ANY(events) OR events = '{}')
	`, companyID, eventName)
	if err != nil {
		return fmt.Errorf("list webhook endpoints: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return err
		}
		urls = append(urls, url)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(envelope{
		Event:     eventName,
		CompanyID: companyID,
		Data:      payload,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook envelope: %w", err)
	}

	var lastErr error
	for _, url := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event", eventName)

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("endpoint %s returned %d", url, resp.StatusCode)
		}
	}
	return lastErr
}
