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

import "strings"

// MeaningfulName reports whether a display name carries information worth
// keeping: non-empty, not a lone dash, and free of digits. The digit rule
// also covers auto-generated placeholders like "Contact 3" and names that
// are really phone numbers. Names are only ever upgraded: a meaningful
// name is never replaced by a non-meaningful one.
func MeaningfulName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || name == "-" {
		return false
	}
	return !strings.ContainsAny(name, "0123456789")
}

// shouldReplaceName applies the monotonic upgrade rule.
func shouldReplaceName(current, incoming string) bool {
	return MeaningfulName(incoming) && !MeaningfulName(current)
}

// NormalizePhone canonicalises a phone number to +<digits>. Formatting
// characters are stripped; an empty result stays empty so callers can
// reject it.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// groupMarker is the substring providers embed in group conversation ids.
const groupMarker = "@g."

// IsGroupRemoteID reports whether a remote conversation id denotes a group.
func IsGroupRemoteID(remoteID string) bool {
	return strings.Contains(remoteID, groupMarker)
}
