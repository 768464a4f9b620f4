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

package cache

// keyPrefix namespaces every pipeline key in Redis.
const keyPrefix = "crm:"

// Point and list keys for a single chat.

func ChatKey(chatID string) string         { return keyPrefix + "chat:" + chatID }
func ChatMessagesKey(chatID string) string { return keyPrefix + "chat:msgs:" + chatID }

// Lookup-dimension keys, one per cache-aside read path.

func InboxByPhoneNumberIDKey(phoneNumberID string) string {
	return keyPrefix + "inbox:pnid:" + phoneNumberID
}

func InboxByPhoneKey(phone string) string {
	return keyPrefix + "inbox:phone:" + phone
}

func BoardByCompanyKey(companyID string) string {
	return keyPrefix + "board:company:" + companyID
}

func CredentialsByInboxKey(inboxID string) string {
	return keyPrefix + "creds:inbox:" + inboxID
}

func ChatPhoneByChatIDKey(chatID string) string {
	return keyPrefix + "chatphone:" + chatID
}
