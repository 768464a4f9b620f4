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

package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/convocrm/ingestion/internal/ledger"
	"github.com/convocrm/ingestion/internal/models"
	"github.com/convocrm/ingestion/internal/pipeline"
)

// --- Mock entry source ---

type mockEntries struct {
	entries []ledger.Entry
}

func (m *mockEntries) ListSince(_ context.Context, _ time.Time, inboxID string) ([]ledger.Entry, error) {
	if inboxID == "" {
		return m.entries, nil
	}
	var out []ledger.Entry
	for _, e := range m.entries {
		if e.InboxID == inboxID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Mock reprocessor ---

type mockPipe struct {
	mu     sync.Mutex
	events []models.InboundMessageEvent
	fail   map[string]error // event_uid -> error
}

func (m *mockPipe) Reprocess(_ context.Context, event models.InboundMessageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[event.EventUID]; err != nil {
		return err
	}
	m.events = append(m.events, event)
	return nil
}

func entryFor(inboxID, uid string) ledger.Entry {
	raw, _ := json.Marshal(models.InboundMessageEvent{
		Provider:      "whatsapp",
		PhoneNumberID: "pn-1",
		EventUID:      uid,
		ExternalID:    "ext-" + uid,
		Phone:         "+5511999990000",
	})
	return ledger.Entry{InboxID: inboxID, EventUID: uid, RawPayload: raw}
}

// TestRun_ReplaysInOrder verifies every decodable entry replays, oldest
// first.
func TestRun_ReplaysInOrder(t *testing.T) {
	entries := &mockEntries{entries: []ledger.Entry{
		entryFor("in-1", "e1"),
		entryFor("in-1", "e2"),
		entryFor("in-2", "e3"),
	}}
	pipe := &mockPipe{}

	r := NewRunner(RunnerConfig{Entries: entries, Pipe: pipe, Delay: time.Millisecond})
	result, err := r.Run(context.Background(), ReplayRequest{Since: time.Hour})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TotalReplayed != 3 {
		t.Errorf("replayed = %d, want 3", result.TotalReplayed)
	}
	if len(pipe.events) != 3 {
		t.Fatalf("pipeline saw %d events, want 3", len(pipe.events))
	}
	if pipe.events[0].EventUID != "e1" || pipe.events[2].EventUID != "e3" {
		t.Errorf("replay order wrong: %v", pipe.events)
	}
}

// TestRun_PerInboxResults verifies counts group by inbox in first-seen
// order.
func TestRun_PerInboxResults(t *testing.T) {
	entries := &mockEntries{entries: []ledger.Entry{
		entryFor("in-1", "e1"),
		entryFor("in-2", "e2"),
		entryFor("in-1", "e3"),
	}}

	r := NewRunner(RunnerConfig{Entries: entries, Pipe: &mockPipe{}, Delay: time.Millisecond})
	result, err := r.Run(context.Background(), ReplayRequest{Since: time.Hour})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.InboxResults) != 2 {
		t.Fatalf("got %d inbox results, want 2", len(result.InboxResults))
	}
	if result.InboxResults[0].InboxID != "in-1" || result.InboxResults[0].Replayed != 2 {
		t.Errorf("in-1 result = %+v", result.InboxResults[0])
	}
	if result.InboxResults[1].InboxID != "in-2" || result.InboxResults[1].Replayed != 1 {
		t.Errorf("in-2 result = %+v", result.InboxResults[1])
	}
}

// TestRun_SkipsUndecodable verifies bad payloads are skipped, not fatal.
func TestRun_SkipsUndecodable(t *testing.T) {
	entries := &mockEntries{entries: []ledger.Entry{
		{InboxID: "in-1", EventUID: "empty"},
		{InboxID: "in-1", EventUID: "garbage", RawPayload: []byte("not json")},
		entryFor("in-1", "good"),
	}}
	pipe := &mockPipe{}

	r := NewRunner(RunnerConfig{Entries: entries, Pipe: pipe, Delay: time.Millisecond})
	result, err := r.Run(context.Background(), ReplayRequest{Since: time.Hour})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TotalSkipped != 2 {
		t.Errorf("skipped = %d, want 2", result.TotalSkipped)
	}
	if result.TotalReplayed != 1 {
		t.Errorf("replayed = %d, want 1", result.TotalReplayed)
	}
}

// TestRun_ClassifiesFailures verifies permanent rejections count as
// skipped while retryable failures count as errors, without stopping the
// run.
func TestRun_ClassifiesFailures(t *testing.T) {
	entries := &mockEntries{entries: []ledger.Entry{
		entryFor("in-1", "permanent"),
		entryFor("in-1", "transient"),
		entryFor("in-1", "good"),
	}}
	pipe := &mockPipe{fail: map[string]error{
		"permanent": fmt.Errorf("resolve inbox: %w", pipeline.ErrUnknownInbox),
		"transient": errors.New("connection refused"),
	}}

	r := NewRunner(RunnerConfig{Entries: entries, Pipe: pipe, Delay: time.Millisecond})
	result, err := r.Run(context.Background(), ReplayRequest{Since: time.Hour})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TotalSkipped != 1 {
		t.Errorf("skipped = %d, want 1", result.TotalSkipped)
	}
	if result.TotalErrors != 1 {
		t.Errorf("errors = %d, want 1", result.TotalErrors)
	}
	if result.TotalReplayed != 1 {
		t.Errorf("replayed = %d, want 1", result.TotalReplayed)
	}
}

// TestRun_InboxFilter verifies the inbox restriction reaches the source.
func TestRun_InboxFilter(t *testing.T) {
	entries := &mockEntries{entries: []ledger.Entry{
		entryFor("in-1", "e1"),
		entryFor("in-2", "e2"),
	}}
	pipe := &mockPipe{}

	r := NewRunner(RunnerConfig{Entries: entries, Pipe: pipe, Delay: time.Millisecond})
	result, err := r.Run(context.Background(), ReplayRequest{Since: time.Hour, InboxID: "in-2"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TotalReplayed != 1 {
		t.Errorf("replayed = %d, want 1", result.TotalReplayed)
	}
	if len(pipe.events) != 1 || pipe.events[0].EventUID != "e2" {
		t.Errorf("pipeline saw %v", pipe.events)
	}
}
