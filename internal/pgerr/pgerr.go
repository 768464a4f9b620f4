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

// Package pgerr classifies Postgres error codes the pipeline reacts to:
// unique violations (constraint races, resolved by re-reading) and
// undefined column/table errors (schema lag, resolved by degraded writes).
package pgerr

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes. See https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	codeUniqueViolation = "23505"
	codeUndefinedColumn = "42703"
	codeUndefinedTable  = "42P01"
)

// IsUniqueViolation reports whether err is a unique-constraint violation.
func IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

// IsUndefinedColumn reports whether err means a referenced column does not
// exist in the current database generation.
func IsUndefinedColumn(err error) bool {
	return hasCode(err, codeUndefinedColumn)
}

// IsUndefinedTable reports whether err means a referenced table does not
// exist in the current database generation.
func IsUndefinedTable(err error) bool {
	return hasCode(err, codeUndefinedTable)
}

// IsSchemaMismatch reports whether err is an undefined column or table error.
func IsSchemaMismatch(err error) bool {
	return IsUndefinedColumn(err) || IsUndefinedTable(err)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
