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

package schemacap

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

// TestTracker_DefaultsPresent verifies every capability starts present.
func TestTracker_DefaultsPresent(t *testing.T) {
	tr := NewTracker()
	for _, c := range []string{
		ChatLastMessageType,
		ChatLastMessageMediaURL,
		MessageMediaColumns,
		MessageReplyColumn,
		RemoteParticipantsTable,
	} {
		if !tr.Present(c) {
			t.Errorf("capability %q should start present", c)
		}
	}
}

// TestTracker_MarkAbsent verifies the one-way flip.
func TestTracker_MarkAbsent(t *testing.T) {
	tr := NewTracker()

	tr.MarkAbsent(MessageMediaColumns)

	if tr.Present(MessageMediaColumns) {
		t.Error("capability should be absent after MarkAbsent")
	}
	if !tr.Present(MessageReplyColumn) {
		t.Error("other capabilities should be unaffected")
	}

	// Marking twice is a no-op.
	tr.MarkAbsent(MessageMediaColumns)
	if tr.Present(MessageMediaColumns) {
		t.Error("capability should stay absent")
	}
}

// TestTracker_MarkAbsentIfSchemaErr verifies only undefined column/table
// errors flip the flag.
func TestTracker_MarkAbsentIfSchemaErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"undefined column", &pgconn.PgError{Code: "42703"}, true},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, true},
		{"wrapped undefined column", fmt.Errorf("touch chat: %w", &pgconn.PgError{Code: "42703"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("connection refused"), false},
		{"nil", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker()
			got := tr.MarkAbsentIfSchemaErr(tc.err, ChatLastMessageType)
			if got != tc.want {
				t.Errorf("MarkAbsentIfSchemaErr = %v, want %v", got, tc.want)
			}
			if tr.Present(ChatLastMessageType) == tc.want {
				t.Errorf("Present = %v after flip=%v", tr.Present(ChatLastMessageType), got)
			}
		})
	}
}

// TestTracker_ConcurrentFlips verifies the tracker under concurrent use.
func TestTracker_ConcurrentFlips(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.MarkAbsent(RemoteParticipantsTable)
			tr.Present(RemoteParticipantsTable)
			tr.Present(MessageMediaColumns)
		}()
	}
	wg.Wait()

	if tr.Present(RemoteParticipantsTable) {
		t.Error("capability should be absent")
	}
	if !tr.Present(MessageMediaColumns) {
		t.Error("untouched capability should be present")
	}
}
