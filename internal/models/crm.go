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

// Package models defines the data structures shared across the ingestion service.
package models

import (
	"encoding/json"
	"time"
)

// Chat kinds.
const (
	ChatKindDirect = "DIRECT"
	ChatKindGroup  = "GROUP"
)

// Chat statuses. AI means the conversation is currently handled by an
// automation flow rather than a human agent.
const (
	ChatStatusAI      = "AI"
	ChatStatusOpen    = "OPEN"
	ChatStatusPending = "PENDING"
)

// Message types.
const (
	MessageTypeText   = "TEXT"
	MessageTypeMedia  = "MEDIA"
	MessageTypeSystem = "SYSTEM"
)

// Inbox is a company-owned messaging channel registered with a provider.
// PhoneNumberID is the provider-side identifier webhooks are addressed to.
type Inbox struct {
	ID            string    `json:"id"`
	CompanyID     string    `json:"company_id"`
	Provider      string    `json:"provider"`
	PhoneNumberID string    `json:"phone_number_id"`
	Phone         string    `json:"phone"`
	DepartmentID  *string   `json:"department_id,omitempty"`
	BoardID       *string   `json:"board_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Lead is a prospective contact scoped to one company. One lead exists per
// (company_id, phone); the lid is a provider-stable secondary key.
type Lead struct {
	ID         string    `json:"id"`
	CompanyID  string    `json:"company_id"`
	Phone      string    `json:"phone"`
	Name       string    `json:"name"`
	Lid        *string   `json:"lid,omitempty"`
	BoardID    *string   `json:"board_id,omitempty"`
	ColumnID   *string   `json:"column_id,omitempty"`
	CustomerID *string   `json:"customer_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Customer is the durable CRM-facing contact record, intended to stay 1:1
// with Lead. The two are kept as separate tables for historical reasons.
type Customer struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	AvatarURL *string   `json:"avatar_url,omitempty"`
	Lid       *string   `json:"lid,omitempty"`
	LeadID    *string   `json:"lead_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chat is a conversation thread bound to one inbox. Direct chats carry a
// customer; group chats carry a remote conversation id instead.
type Chat struct {
	ID           string  `json:"id"`
	InboxID      string  `json:"inbox_id"`
	CompanyID    string  `json:"company_id"`
	CustomerID   *string `json:"customer_id,omitempty"`
	ExternalID   *string `json:"external_id,omitempty"`
	RemoteID     string  `json:"remote_id"`
	Kind         string  `json:"kind"`
	ChatType     string  `json:"chat_type"`
	Status       string  `json:"status"`
	DepartmentID *string `json:"department_id,omitempty"`

	GroupName      *string `json:"group_name,omitempty"`
	GroupAvatarURL *string `json:"group_avatar_url,omitempty"`

	LastMessageContent  *string    `json:"last_message_content,omitempty"`
	LastMessageFrom     *string    `json:"last_message_from,omitempty"`
	LastMessageType     *string    `json:"last_message_type,omitempty"`
	LastMessageMediaURL *string    `json:"last_message_media_url,omitempty"`
	LastMessageAt       *time.Time `json:"last_message_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one inbound or outbound utterance. (chat_id, external_id) is
// the idempotency key when external_id is present.
type Message struct {
	ID                  string     `json:"id"`
	ChatID              string     `json:"chat_id"`
	ExternalID          *string    `json:"external_id,omitempty"`
	IsFromCustomer      bool       `json:"is_from_customer"`
	Content             *string    `json:"content,omitempty"`
	Type                string     `json:"type"`
	ViewStatus          *string    `json:"view_status,omitempty"`
	MediaPath           *string    `json:"media_path,omitempty"`
	MediaURL            *string    `json:"media_url,omitempty"`
	LegacyMediaURL      *string    `json:"legacy_media_url,omitempty"`
	SenderID            *string    `json:"sender_id,omitempty"`
	ParticipantRemoteID *string    `json:"participant_remote_id,omitempty"`
	ReplyToExternalID   *string    `json:"reply_to_external_id,omitempty"`
	SentAt              *time.Time `json:"sent_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// RemoteParticipant is a member of a group chat. "Left" is a soft state;
// rows are never deleted.
type RemoteParticipant struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chat_id"`
	RemoteID  string     `json:"remote_id"`
	Name      *string    `json:"name,omitempty"`
	Phone     *string    `json:"phone,omitempty"`
	AvatarURL *string    `json:"avatar_url,omitempty"`
	IsAdmin   bool       `json:"is_admin"`
	JoinedAt  time.Time  `json:"joined_at"`
	LeftAt    *time.Time `json:"left_at,omitempty"`
}

// InboundMessageEvent is a single provider-level item extracted from a
// webhook delivery or a send confirmation, ready for the pipeline.
type InboundMessageEvent struct {
	Provider      string `json:"provider"`
	PhoneNumberID string `json:"phone_number_id"`
	EventUID      string `json:"event_uid"`

	ExternalID          string `json:"external_id"`
	RemoteID            string `json:"remote_id"`
	ParticipantRemoteID string `json:"participant_remote_id,omitempty"`
	Phone               string `json:"phone"`
	PushName            string `json:"push_name,omitempty"`
	Lid                 string `json:"lid,omitempty"`
	AvatarURL           string `json:"avatar_url,omitempty"`

	IsFromCustomer bool       `json:"is_from_customer"`
	Content        *string    `json:"content,omitempty"`
	Type           string     `json:"type"`
	ViewStatus     *string    `json:"view_status,omitempty"`
	MediaURL       *string    `json:"media_url,omitempty"`
	ReplyTo        *string    `json:"reply_to,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`

	Raw json.RawMessage `json:"raw,omitempty"`
}
