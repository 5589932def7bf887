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

// Package mail defines the canonical inbound email model and the normalizer
// that converts heterogeneous provider webhook payloads into it. Everything
// downstream of the webhook operates on this one shape.
package mail

// Attachment is one decoded, validated attachment. ContentBase64 is always
// canonical standard base64 (the normalizer re-encodes after decoding).
type Attachment struct {
	ExternalID    string `json:"externalId"`
	FileName      string `json:"fileName"`
	MimeType      string `json:"mimeType"`
	Size          int64  `json:"size"`
	ContentBase64 string `json:"contentBase64"`
}

// Email is the canonical inbound email. Empty string fields mean "absent".
type Email struct {
	Provider    string       `json:"provider"`
	MessageID   string       `json:"messageId"`
	FromEmail   string       `json:"fromEmail"`
	FromName    string       `json:"fromName"`
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text"`
	HTML        string       `json:"html"`
	ReceivedAt  string       `json:"receivedAt"`
	Attachments []Attachment `json:"attachments"`
}
