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

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/convocrm/ingestion/internal/identity"
	"github.com/convocrm/ingestion/internal/messagestore"
	"github.com/convocrm/ingestion/internal/models"
	"github.com/convocrm/ingestion/internal/projection"
)

// --- Mock collaborators ---

type mockLedger struct {
	mu       sync.Mutex
	seen     map[string]bool
	err      error
	recorded int
	payloads [][]byte
}

func (m *mockLedger) RecordIfNew(_ context.Context, inboxID, _, eventUID string, rawPayload []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	m.recorded++
	m.payloads = append(m.payloads, rawPayload)
	key := inboxID + ":" + eventUID
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

type mockInboxes struct {
	inbox *models.Inbox
	err   error
}

func (m *mockInboxes) InboxByPhoneNumberID(context.Context, string) (*models.Inbox, error) {
	return m.inbox, m.err
}

type mockResolver struct {
	mu    sync.Mutex
	res   *identity.Resolution
	err   error
	calls []identity.ResolveArgs
}

func (m *mockResolver) EnsureLeadCustomerChat(_ context.Context, args identity.ResolveArgs) (*identity.Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, args)
	return m.res, m.err
}

type mockMessages struct {
	mu       sync.Mutex
	message  *models.Message
	inserted bool
	err      error
	calls    []messagestore.UpsertArgs
}

func (m *mockMessages) UpsertMessage(_ context.Context, args messagestore.UpsertArgs) (*models.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, args)
	return m.message, m.inserted, m.err
}

type mockToucher struct {
	mu    sync.Mutex
	calls []projection.TouchArgs
}

func (m *mockToucher) TouchChatAfterMessage(_ context.Context, args projection.TouchArgs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, args)
}

type mockEvents struct {
	mu       sync.Mutex
	created  int
	replied  int
	lastFrom string
}

func (m *mockEvents) MessageCreated(*models.Chat, *models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
}

func (m *mockEvents) CustomerReplied(_ *models.Chat, customerID string, _ *string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replied++
	m.lastFrom = customerID
}

// --- Fixtures ---

func testInbox() *models.Inbox {
	return &models.Inbox{
		ID:            "in-1",
		CompanyID:     "co-1",
		Provider:      "whatsapp",
		PhoneNumberID: "pn-1",
		Phone:         "+5511888880000",
	}
}

func testResolution() *identity.Resolution {
	custID := "cust-1"
	return &identity.Resolution{
		Lead:     &models.Lead{ID: "lead-1", CompanyID: "co-1", Phone: "+5511999990000"},
		Customer: &models.Customer{ID: custID, CompanyID: "co-1", Name: "Alice"},
		Chat: &models.Chat{
			ID:         "chat-1",
			InboxID:    "in-1",
			CompanyID:  "co-1",
			CustomerID: &custID,
			Kind:       models.ChatKindDirect,
			ChatType:   "WHATSAPP",
			Status:     models.ChatStatusAI,
			RemoteID:   "5511999990000@c.us",
		},
	}
}

func testEvent(uid string) models.InboundMessageEvent {
	content := "hello"
	sentAt := time.Now().UTC()
	return models.InboundMessageEvent{
		Provider:       "whatsapp",
		PhoneNumberID:  "pn-1",
		EventUID:       uid,
		ExternalID:     "wamid." + uid,
		RemoteID:       "5511999990000@c.us",
		Phone:          "+5511999990000",
		PushName:       "Alice",
		IsFromCustomer: true,
		Content:        &content,
		Type:           models.MessageTypeText,
		SentAt:         &sentAt,
	}
}

func newTestPipeline() (*Pipeline, *mockLedger, *mockResolver, *mockMessages, *mockToucher, *mockEvents) {
	ledger := &mockLedger{}
	resolver := &mockResolver{res: testResolution()}
	messages := &mockMessages{message: &models.Message{ID: "msg-1", ChatID: "chat-1"}, inserted: true}
	toucher := &mockToucher{}
	events := &mockEvents{}

	p := New(Config{
		Ledger:   ledger,
		Inboxes:  &mockInboxes{inbox: testInbox()},
		Resolver: resolver,
		Messages: messages,
		Toucher:  toucher,
		Events:   events,
	})
	return p, ledger, resolver, messages, toucher, events
}

// TestProcessInbound_HappyPath verifies the full stage sequence for a
// fresh customer message.
func TestProcessInbound_HappyPath(t *testing.T) {
	p, _, resolver, messages, toucher, events := newTestPipeline()

	if err := p.ProcessInbound(context.Background(), testEvent("e1")); err != nil {
		t.Fatalf("ProcessInbound failed: %v", err)
	}

	if len(resolver.calls) != 1 {
		t.Fatalf("resolver called %d times, want 1", len(resolver.calls))
	}
	if resolver.calls[0].CompanyID != "co-1" || resolver.calls[0].InboxID != "in-1" {
		t.Errorf("resolver args = %+v", resolver.calls[0])
	}

	if len(messages.calls) != 1 {
		t.Fatalf("upsert called %d times, want 1", len(messages.calls))
	}
	if messages.calls[0].ChatID != "chat-1" {
		t.Errorf("upsert chat = %q, want chat-1", messages.calls[0].ChatID)
	}
	if messages.calls[0].ExternalID == nil || *messages.calls[0].ExternalID != "wamid.e1" {
		t.Errorf("upsert external id = %v", messages.calls[0].ExternalID)
	}

	if len(toucher.calls) != 1 {
		t.Fatalf("toucher called %d times, want 1", len(toucher.calls))
	}
	if toucher.calls[0].From != "Alice" {
		t.Errorf("projection from = %q, want Alice", toucher.calls[0].From)
	}
	if toucher.calls[0].Dimensions == nil || toucher.calls[0].Dimensions.Status != models.ChatStatusAI {
		t.Errorf("projection dimensions = %+v", toucher.calls[0].Dimensions)
	}

	if events.created != 1 {
		t.Errorf("MessageCreated fired %d times, want 1", events.created)
	}
	if events.replied != 1 || events.lastFrom != "cust-1" {
		t.Errorf("CustomerReplied fired %d times (from %q), want 1 from cust-1", events.replied, events.lastFrom)
	}
}

// TestProcessInbound_DuplicateDelivery verifies the second delivery of the
// same event has no side effects.
func TestProcessInbound_DuplicateDelivery(t *testing.T) {
	p, _, resolver, messages, _, events := newTestPipeline()

	if err := p.ProcessInbound(context.Background(), testEvent("e1")); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := p.ProcessInbound(context.Background(), testEvent("e1")); err != nil {
		t.Fatalf("duplicate delivery should succeed silently: %v", err)
	}

	if len(resolver.calls) != 1 {
		t.Errorf("resolver called %d times, want 1", len(resolver.calls))
	}
	if len(messages.calls) != 1 {
		t.Errorf("upsert called %d times, want 1", len(messages.calls))
	}
	if events.created != 1 {
		t.Errorf("MessageCreated fired %d times, want 1", events.created)
	}
}

// TestProcessInbound_UnknownInbox verifies the permanent rejection.
func TestProcessInbound_UnknownInbox(t *testing.T) {
	ledger := &mockLedger{}
	p := New(Config{
		Ledger:   ledger,
		Inboxes:  &mockInboxes{inbox: nil},
		Resolver: &mockResolver{},
		Messages: &mockMessages{},
		Toucher:  &mockToucher{},
		Events:   &mockEvents{},
	})

	err := p.ProcessInbound(context.Background(), testEvent("e1"))
	if !errors.Is(err, ErrUnknownInbox) {
		t.Fatalf("err = %v, want ErrUnknownInbox", err)
	}
	if ledger.recorded != 0 {
		t.Error("unknown inbox must not consume a ledger entry")
	}
	if IsRetryable(err) {
		t.Error("unknown inbox must not be retryable")
	}
}

// TestProcessInbound_AgentMessage verifies outbound confirmations persist
// without triggering reply automation.
func TestProcessInbound_AgentMessage(t *testing.T) {
	p, _, _, _, toucher, events := newTestPipeline()

	event := testEvent("e1")
	event.IsFromCustomer = false

	if err := p.ProcessInbound(context.Background(), event); err != nil {
		t.Fatalf("ProcessInbound failed: %v", err)
	}

	if events.created != 1 {
		t.Errorf("MessageCreated fired %d times, want 1", events.created)
	}
	if events.replied != 0 {
		t.Errorf("CustomerReplied fired %d times, want 0", events.replied)
	}
	if toucher.calls[0].From != "AGENT" {
		t.Errorf("projection from = %q, want AGENT", toucher.calls[0].From)
	}
}

// TestProcessInbound_MergedMessageFiresNoEvents verifies an upsert that
// merged into an existing row (e.g. a status update) fires no creation
// events.
func TestProcessInbound_MergedMessageFiresNoEvents(t *testing.T) {
	p, _, _, messages, toucher, events := newTestPipeline()
	messages.inserted = false

	if err := p.ProcessInbound(context.Background(), testEvent("e1")); err != nil {
		t.Fatalf("ProcessInbound failed: %v", err)
	}

	if events.created != 0 || events.replied != 0 {
		t.Errorf("events fired (%d created, %d replied), want none", events.created, events.replied)
	}
	// Projection still refreshes: a status change updates the list view.
	if len(toucher.calls) != 1 {
		t.Errorf("toucher called %d times, want 1", len(toucher.calls))
	}
}

// TestProcessInbound_LedgerPayloadRoundTrips verifies the recorded ledger
// payload decodes back into the event, so a replay carries the full sender
// identity. The provider delivery body shares almost no fields with the
// event shape, which is why the event itself must be what gets stored.
func TestProcessInbound_LedgerPayloadRoundTrips(t *testing.T) {
	p, ledger, _, _, _, _ := newTestPipeline()

	event := testEvent("e1")
	event.Raw = json.RawMessage(`{"phone_number_id":"pn-1","events":[{"message_id":"wamid.e1"}]}`)

	if err := p.ProcessInbound(context.Background(), event); err != nil {
		t.Fatalf("ProcessInbound failed: %v", err)
	}
	if len(ledger.payloads) != 1 {
		t.Fatalf("ledger received %d payloads, want 1", len(ledger.payloads))
	}

	var replayed models.InboundMessageEvent
	if err := json.Unmarshal(ledger.payloads[0], &replayed); err != nil {
		t.Fatalf("recorded payload does not decode as an event: %v", err)
	}
	if replayed.EventUID != event.EventUID {
		t.Errorf("replayed event_uid = %q, want %q", replayed.EventUID, event.EventUID)
	}
	if replayed.ExternalID != event.ExternalID {
		t.Errorf("replayed external_id = %q, want %q", replayed.ExternalID, event.ExternalID)
	}
	if replayed.Phone != event.Phone {
		t.Errorf("replayed phone = %q, want %q", replayed.Phone, event.Phone)
	}
	if replayed.RemoteID != event.RemoteID {
		t.Errorf("replayed remote_id = %q, want %q", replayed.RemoteID, event.RemoteID)
	}
	if string(replayed.Raw) != string(event.Raw) {
		t.Errorf("replayed raw body = %s, want original delivery body", replayed.Raw)
	}
}

// TestReprocess_SkipsLedger verifies replays bypass the dedup gate.
func TestReprocess_SkipsLedger(t *testing.T) {
	p, ledger, _, messages, _, _ := newTestPipeline()

	if err := p.ProcessInbound(context.Background(), testEvent("e1")); err != nil {
		t.Fatalf("ProcessInbound failed: %v", err)
	}
	if err := p.Reprocess(context.Background(), testEvent("e1")); err != nil {
		t.Fatalf("Reprocess failed: %v", err)
	}

	if ledger.recorded != 1 {
		t.Errorf("ledger recorded %d entries, want 1", ledger.recorded)
	}
	if len(messages.calls) != 2 {
		t.Errorf("upsert called %d times, want 2", len(messages.calls))
	}
}

// TestIsRetryable classifies pipeline failures for the webhook response.
func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unknown inbox", ErrUnknownInbox, false},
		{"missing phone", identity.ErrMissingPhone, false},
		{"wrapped missing phone", errors.Join(errors.New("resolve identity"), identity.ErrMissingPhone), false},
		{"database down", errors.New("connection refused"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

// TestProcessInbound_ResolverFailureIsRetryable verifies mid-pipeline
// failures propagate as retryable so the provider redelivers.
func TestProcessInbound_ResolverFailureIsRetryable(t *testing.T) {
	p, _, resolver, messages, _, _ := newTestPipeline()
	resolver.res = nil
	resolver.err = errors.New("deadlock detected")

	err := p.ProcessInbound(context.Background(), testEvent("e1"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(err) {
		t.Errorf("resolver failure should be retryable: %v", err)
	}
	if len(messages.calls) != 0 {
		t.Error("message store must not run after resolver failure")
	}
}
