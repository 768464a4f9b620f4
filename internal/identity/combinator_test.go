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

package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type row struct{ ID string }

// TestInsertOrFetch_InsertWins verifies the happy path skips the re-read.
func TestInsertOrFetch_InsertWins(t *testing.T) {
	fetched := false
	got, err := insertOrFetch(context.Background(),
		func(context.Context) (*row, error) { return &row{ID: "a"}, nil },
		func(context.Context) (*row, error) { fetched = true; return &row{ID: "b"}, nil },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "a" {
		t.Errorf("ID = %q, want a", got.ID)
	}
	if fetched {
		t.Error("fetch should not run when insert succeeds")
	}
}

// TestInsertOrFetch_UniqueViolation verifies a lost race falls back to the
// re-read.
func TestInsertOrFetch_UniqueViolation(t *testing.T) {
	got, err := insertOrFetch(context.Background(),
		func(context.Context) (*row, error) {
			return nil, &pgconn.PgError{Code: "23505"}
		},
		func(context.Context) (*row, error) { return &row{ID: "winner"}, nil },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "winner" {
		t.Errorf("ID = %q, want winner", got.ID)
	}
}

// TestInsertOrFetch_NilResult verifies a no-row insert falls back to the
// re-read.
func TestInsertOrFetch_NilResult(t *testing.T) {
	got, err := insertOrFetch(context.Background(),
		func(context.Context) (*row, error) { return nil, nil },
		func(context.Context) (*row, error) { return &row{ID: "existing"}, nil },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "existing" {
		t.Errorf("ID = %q, want existing", got.ID)
	}
}

// TestInsertOrFetch_OtherErrorPropagates verifies non-race errors are not
// swallowed.
func TestInsertOrFetch_OtherErrorPropagates(t *testing.T) {
	boom := errors.New("connection lost")
	_, err := insertOrFetch(context.Background(),
		func(context.Context) (*row, error) { return nil, boom },
		func(context.Context) (*row, error) { t.Fatal("fetch should not run"); return nil, nil },
	)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}
