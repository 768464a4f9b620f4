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

	"github.com/jackc/pgx/v5"

	"github.com/convocrm/ingestion/internal/pgerr"
)

// insertOrFetch runs a conflict-aware insert and falls back to a plain
// re-read when the insert loses a race (unique violation) or returns
// nothing (driver edge case with DO UPDATE returning no row). A unique
// violation is always recoverable by re-reading; anything else propagates.
func insertOrFetch[T any](ctx context.Context, insert, fetch func(context.Context) (*T, error)) (*T, error) {
	v, err := insert(ctx)
	if err != nil {
		if pgerr.IsUniqueViolation(err) {
			return fetch(ctx)
		}
		return nil, err
	}
	if v == nil {
		return fetch(ctx)
	}
	return v, nil
}

// queryInSavepoint runs one write inside a savepoint (pgx nests tx.Begin
// as SAVEPOINT) so a constraint violation does not abort the enclosing
// transaction; a later re-read on the same transaction stays valid.
func queryInSavepoint[T any](ctx context.Context, tx pgx.Tx, query func(pgx.Tx) (*T, error)) (*T, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	v, err := query(sp)
	if err != nil {
		sp.Rollback(ctx)
		return nil, err
	}
	if err := sp.Commit(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// execInSavepoint is queryInSavepoint for statements without a result.
func execInSavepoint(ctx context.Context, tx pgx.Tx, sql string, args ...any) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := sp.Exec(ctx, sql, args...); err != nil {
		sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}
