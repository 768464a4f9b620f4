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

// Package secrets resolves decrypted messaging-provider credentials for an
// inbox. Static access tokens are stored AES-GCM encrypted at rest;
// inboxes registered with client credentials mint short-lived tokens via
// the provider's OAuth2 token endpoint. Results are cached with their own
// TTL, including negative entries for unknown inboxes.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/convocrm/ingestion/internal/cache"
)

// ErrUnknownInbox is returned for an inbox id with no credential row.
var ErrUnknownInbox = errors.New("no credentials for inbox")

// Credentials is what outbound senders need to talk to the provider.
type Credentials struct {
	InboxID     string    `json:"inbox_id"`
	Provider    string    `json:"provider"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Provider resolves and caches inbox credentials.
type Provider struct {
	pool  *pgxpool.Pool
	store *cache.Store
	ttl   time.Duration
	aead  cipher.AEAD // nil when no encryption key is configured
}

// NewProvider creates a credentials provider. key is the AES key for
// tokens encrypted at rest; empty disables decryption (tokens stored raw,
// development only).
func NewProvider(pool *pgxpool.Pool, store *cache.Store, ttl time.Duration, key []byte) (*Provider, error) {
	p := &Provider{pool: pool, store: store, ttl: ttl}
	if len(key) > 0 {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("credentials cipher: %w", err)
		}
		p.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("credentials GCM: %w", err)
		}
	}
	return p, nil
}

// Credentials returns the decrypted credentials for an inbox, cache-aside
// with negative caching for unknown inboxes.
func (p *Provider) Credentials(ctx context.Context, inboxID string) (*Credentials, error) {
	key := cache.CredentialsByInboxKey(inboxID)
	if v, found, err := cache.ReadNullable[Credentials](ctx, p.store, key); err == nil && found {
		if v == nil {
			return nil, ErrUnknownInbox
		}
		if v.ExpiresAt.IsZero() || time.Now().Before(v.ExpiresAt) {
			return v, nil
		}
		// Cached token expired before its cache entry; refresh below.
	}

	row := p.pool.QueryRow(ctx, `
		SELECT provider, COALESCE(access_token, ''), COALESCE(client_id, ''), COALESCE(client_secret, ''), COALESCE(token_url, '')
		FROM inboxes
		WHERE id = $1
	`, inboxID)

	var provider, accessToken, clientID, clientSecret, tokenURL string
	err := row.Scan(&provider, &accessToken, &clientID, &clientSecret, &tokenURL)
	if err == pgx.ErrNoRows {
		cache.WriteBestEffort[Credentials](ctx, p.store, key, nil, p.ttl)
		return nil, ErrUnknownInbox
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials for inbox %s: %w", inboxID, err)
	}

	creds := &Credentials{InboxID: inboxID, Provider: provider}

	switch {
	case clientID != "" && clientSecret != "" && tokenURL != "":
		cfg := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: p.mustDecrypt(clientSecret),
			TokenURL:     tokenURL,
		}
		token, err := cfg.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("mint provider token for inbox %s: %w", inboxID, err)
		}
		creds.AccessToken = token.AccessToken
		creds.ExpiresAt = token.Expiry
	case accessToken != "":
		creds.AccessToken = p.mustDecrypt(accessToken)
	default:
		cache.WriteBestEffort[Credentials](ctx, p.store, key, nil, p.ttl)
		return nil, ErrUnknownInbox
	}

	ttl := p.ttl
	if !creds.ExpiresAt.IsZero() {
		if until := time.Until(creds.ExpiresAt); until > 0 && until < ttl {
			ttl = until
		}
	}
	cache.WriteBestEffort(ctx, p.store, key, creds, ttl)
	return creds, nil
}

// mustDecrypt decrypts a base64(nonce||ciphertext) secret. Values that
// don't parse are assumed stored in the clear (pre-encryption rows).
func (p *Provider) mustDecrypt(stored string) string {
	if p.aead == nil {
		return stored
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil || len(raw) <= p.aead.NonceSize() {
		return stored
	}
	nonce, ciphertext := raw[:p.aead.NonceSize()], raw[p.aead.NonceSize():]
	plain, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return stored
	}
	return string(plain)
}
