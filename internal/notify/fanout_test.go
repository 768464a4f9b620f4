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
	"sync"
	"testing"
	"time"

	"github.com/convocrm/ingestion/internal/models"
)

// --- Mock sinks ---

type mockBroadcaster struct {
	mu     sync.Mutex
	topics []string
}

func (m *mockBroadcaster) Publish(_ context.Context, topic string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	return nil
}

type mockAutomation struct {
	mu       sync.Mutex
	awaiting bool // SRem would have removed a member
	triggers []string
	resumes  int
}

func (m *mockAutomation) Trigger(_ context.Context, eventType, _, _, _ string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers = append(m.triggers, eventType)
	return nil
}

func (m *mockAutomation) ResumeAwaitingReply(context.Context, string, string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumes++
	return m.awaiting, nil
}

type mockWebhooks struct {
	mu     sync.Mutex
	events []string
}

func (m *mockWebhooks) Trigger(_ context.Context, event, _ string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func testChat() *models.Chat {
	return &models.Chat{ID: "chat-1", CompanyID: "co-1", Status: models.ChatStatusAI}
}

func newTestFanout() (*Fanout, *mockBroadcaster, *mockAutomation, *mockWebhooks) {
	broadcaster := &mockBroadcaster{}
	automation := &mockAutomation{}
	webhooks := &mockWebhooks{}
	f := NewFanout(NewQueue(16, 1, time.Second), broadcaster, automation, webhooks)
	return f, broadcaster, automation, webhooks
}

// TestFanout_MessageCreated verifies broadcasts and the integration
// webhook fire for a fresh message.
func TestFanout_MessageCreated(t *testing.T) {
	f, broadcaster, _, webhooks := newTestFanout()

	f.MessageCreated(testChat(), &models.Message{ID: "msg-1", ChatID: "chat-1"})
	f.Stop()

	wantTopics := map[string]bool{
		ChatTopic("chat-1"):  true,
		CompanyTopic("co-1"): true,
	}
	for _, topic := range broadcaster.topics {
		delete(wantTopics, topic)
	}
	if len(wantTopics) != 0 {
		t.Errorf("missing broadcasts: %v (got %v)", wantTopics, broadcaster.topics)
	}

	if len(webhooks.events) != 1 || webhooks.events[0] != WebhookMessageCreated {
		t.Errorf("webhook events = %v", webhooks.events)
	}
}

// TestFanout_CustomerReplied_NotAwaiting verifies keyword and NEW_MESSAGE
// both fire when no flow was paused on the chat.
func TestFanout_CustomerReplied_NotAwaiting(t *testing.T) {
	f, _, automation, _ := newTestFanout()

	content := "renew my plan"
	f.CustomerReplied(testChat(), "cust-1", &content)
	f.Stop()

	if automation.resumes != 1 {
		t.Errorf("resume checked %d times, want 1", automation.resumes)
	}
	want := []string{EventKeyword, EventNewMessage}
	if len(automation.triggers) != len(want) {
		t.Fatalf("triggers = %v, want %v", automation.triggers, want)
	}
	for i := range want {
		if automation.triggers[i] != want[i] {
			t.Errorf("trigger[%d] = %q, want %q", i, automation.triggers[i], want[i])
		}
	}
}

// TestFanout_CustomerReplied_ResumeSuppressesNewMessage verifies a resumed
// flow consumes the reply: keyword still fires, NEW_MESSAGE does not.
func TestFanout_CustomerReplied_ResumeSuppressesNewMessage(t *testing.T) {
	f, _, automation, _ := newTestFanout()
	automation.awaiting = true

	content := "yes"
	f.CustomerReplied(testChat(), "cust-1", &content)
	f.Stop()

	for _, trigger := range automation.triggers {
		if trigger == EventNewMessage {
			t.Errorf("NEW_MESSAGE fired despite resume: %v", automation.triggers)
		}
	}
	if len(automation.triggers) != 1 || automation.triggers[0] != EventKeyword {
		t.Errorf("triggers = %v, want [KEYWORD]", automation.triggers)
	}
}

// TestFanout_CustomerReplied_EmptyContent verifies media-only replies skip
// the keyword trigger but still count as a new message.
func TestFanout_CustomerReplied_EmptyContent(t *testing.T) {
	f, _, automation, _ := newTestFanout()

	f.CustomerReplied(testChat(), "cust-1", nil)
	f.Stop()

	if len(automation.triggers) != 1 || automation.triggers[0] != EventNewMessage {
		t.Errorf("triggers = %v, want [NEW_MESSAGE]", automation.triggers)
	}
}

// TestFanout_LeadCreated verifies the flow trigger and contact webhook
// paths are independent.
func TestFanout_LeadCreated(t *testing.T) {
	f, _, automation, webhooks := newTestFanout()

	f.LeadCreated(&models.Lead{ID: "lead-1", CompanyID: "co-1", Phone: "+55119"})
	f.ContactCreated(&models.Customer{ID: "cust-1", CompanyID: "co-1"})
	f.Stop()

	if len(automation.triggers) != 1 || automation.triggers[0] != EventLeadCreated {
		t.Errorf("triggers = %v, want [LEAD_CREATED]", automation.triggers)
	}
	if len(webhooks.events) != 1 || webhooks.events[0] != WebhookContactCreated {
		t.Errorf("webhook events = %v", webhooks.events)
	}
}

// TestFanout_NilSinks verifies nil sinks and nil payloads are skipped, not
// panicked on.
func TestFanout_NilSinks(t *testing.T) {
	f := NewFanout(NewQueue(4, 1, time.Second), nil, nil, nil)

	f.LeadCreated(nil)
	f.ContactCreated(&models.Customer{ID: "cust-1"})
	f.MessageCreated(testChat(), &models.Message{ID: "msg-1"})
	f.CustomerReplied(testChat(), "cust-1", nil)
	f.Stop()
}
