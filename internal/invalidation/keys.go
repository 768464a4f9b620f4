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

// Package invalidation computes and applies the set of cached list views a
// chat mutation can have made stale. List views are cached per
// (company, inbox, status, kind, department) and any mutation to a chat
// must evict the full cross product of dimensions that could include it.
package invalidation

import (
	"fmt"

	"github.com/convocrm/ingestion/internal/identity"
	"github.com/convocrm/ingestion/internal/models"
)

// scopeAll is the wildcard segment for a dimension-agnostic list view.
const scopeAll = "ALL"

// none marks a dimension the list view does not filter on (inbox-agnostic
// and department-agnostic views).
const none = "-"

// Dimensions describes where a chat shows up in cached list views.
type Dimensions struct {
	CompanyID    string
	InboxID      string // "" when unknown
	Status       string
	Kind         string // "" to infer from ChatType / RemoteID
	ChatType     string
	RemoteID     string
	DepartmentID string // "" when none
}

// ResolveKind picks the chat kind from an explicit value, else the chat
// type, else by inspecting the remote conversation id for a group marker.
func ResolveKind(explicit, chatType, remoteID string) string {
	if explicit != "" {
		return explicit
	}
	if chatType == models.ChatKindGroup || chatType == models.ChatKindDirect {
		return chatType
	}
	if identity.IsGroupRemoteID(remoteID) {
		return models.ChatKindGroup
	}
	return models.ChatKindDirect
}

// ListViewKey builds one list-view cache key.
func ListViewKey(companyID, inboxID, status, kind, departmentID string) string {
	if inboxID == "" {
		inboxID = none
	}
	if departmentID == "" {
		departmentID = none
	}
	return fmt.Sprintf("crm:chats:%s:i=%s:s=%s:k=%s:d=%s", companyID, inboxID, status, kind, departmentID)
}

// ComputeInvalidationKeys returns every list-view key a mutation to a chat
// with these dimensions can have invalidated: {inbox, any-inbox} ×
// {ALL, current status, OPEN, PENDING} × {ALL, kind} × {department, any}.
// Status transitions move chats between OPEN and PENDING views, hence both
// always appear even when the current status is neither.
func ComputeInvalidationKeys(d Dimensions) []string {
	inboxes := withAgnostic(d.InboxID)
	statuses := uniq(scopeAll, d.Status, models.ChatStatusOpen, models.ChatStatusPending)
	kinds := uniq(scopeAll, ResolveKind(d.Kind, d.ChatType, d.RemoteID))
	departments := withAgnostic(d.DepartmentID)

	keys := make([]string, 0, len(inboxes)*len(statuses)*len(kinds)*len(departments))
	for _, inbox := range inboxes {
		for _, status := range statuses {
			for _, kind := range kinds {
				for _, department := range departments {
					keys = append(keys, ListViewKey(d.CompanyID, inbox, status, kind, department))
				}
			}
		}
	}
	return keys
}

// withAgnostic pairs a scoped dimension value with its dimension-agnostic
// counterpart, collapsing to one entry when the value is unknown.
func withAgnostic(v string) []string {
	if v == "" {
		return []string{""}
	}
	return []string{v, ""}
}

// uniq keeps first occurrences and drops empties.
func uniq(values ...string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
