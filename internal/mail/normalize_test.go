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

package mail

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func decodePayload(t *testing.T, raw string) any {
	t.Helper()
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("test payload invalid: %v", err)
	}
	return payload
}

var pdfBase64 = base64.StdEncoding.EncodeToString([]byte("%PDF-1.7 test"))

func TestNormalizeNestedEnvelope(t *testing.T) {
	payload := decodePayload(t, `{
		"type": "email.received",
		"data": {
			"message_id": "msg-100",
			"from": "Huber Fenster GmbH <bestellung@huber-fenster.de>",
			"to": ["ab@firma-crm.at"],
			"subject": "AB zu Bestellung",
			"text": "Anbei die AB.",
			"attachments": [
				{"id": "att-1", "filename": "AB 4711.pdf", "content_type": "application/PDF", "content": "`+pdfBase64+`"}
			]
		}
	}`)

	email := Normalize(payload)
	if email == nil {
		t.Fatal("expected normalized email, got nil")
	}
	if email.Provider != "resend" {
		t.Errorf("provider = %q, want resend", email.Provider)
	}
	if email.MessageID != "msg-100" {
		t.Errorf("messageID = %q", email.MessageID)
	}
	if email.FromEmail != "bestellung@huber-fenster.de" {
		t.Errorf("fromEmail = %q", email.FromEmail)
	}
	if email.FromName != "Huber Fenster GmbH" {
		t.Errorf("fromName = %q", email.FromName)
	}
	if len(email.To) != 1 || email.To[0] != "ab@firma-crm.at" {
		t.Errorf("to = %v", email.To)
	}
	if len(email.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(email.Attachments))
	}
	att := email.Attachments[0]
	if att.FileName != "AB_4711.pdf" {
		t.Errorf("fileName = %q", att.FileName)
	}
	if att.MimeType != "application/pdf" {
		t.Errorf("mimeType = %q", att.MimeType)
	}
	if att.ContentBase64 != pdfBase64 {
		t.Errorf("content was not canonicalised")
	}
}

func TestNormalizeFlatEnvelope(t *testing.T) {
	payload := decodePayload(t, `{
		"messageId": "flat-1",
		"sender": "rechnung@lieferant.de",
		"recipients": "rechnungen@firma-crm.at",
		"attachments": [{"name": "Rechnung.pdf", "data": "`+pdfBase64+`"}]
	}`)

	email := Normalize(payload)
	if email == nil {
		t.Fatal("expected normalized email, got nil")
	}
	if email.Provider != "generic" {
		t.Errorf("provider = %q, want generic", email.Provider)
	}
	if email.Subject != DefaultSubject {
		t.Errorf("subject = %q, want default", email.Subject)
	}
	if len(email.To) != 1 || email.To[0] != "rechnungen@firma-crm.at" {
		t.Errorf("to = %v", email.To)
	}
}

func TestNormalizeRejectsWithoutAttachments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no attachments field", `{"messageId": "m1", "from": "a@b.de"}`},
		{"empty array", `{"messageId": "m1", "attachments": []}`},
		{"only broken attachments", `{"messageId": "m1", "attachments": [{"name": "x.pdf", "content": "!!not-base64!!"}]}`},
		{"attachment without content", `{"messageId": "m1", "attachments": [{"name": "x.pdf"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if email := Normalize(decodePayload(t, tt.raw)); email != nil {
				t.Errorf("expected rejection, got %+v", email)
			}
		})
	}
}

func TestNormalizeSyntheticMessageID(t *testing.T) {
	payload := decodePayload(t, `{"attachments": [{"name": "x.pdf", "content": "`+pdfBase64+`"}]}`)

	email := Normalize(payload)
	if email == nil {
		t.Fatal("expected normalized email")
	}
	if !strings.HasPrefix(email.MessageID, "inbound-") {
		t.Errorf("messageID = %q, want synthetic inbound- prefix", email.MessageID)
	}
}

func TestNormalizeDeduplicatesRecipients(t *testing.T) {
	payload := decodePayload(t, `{
		"data": {
			"to": ["AB@Firma.at", "ab@firma.at"],
			"attachments": [{"name": "x.pdf", "content": "`+pdfBase64+`"}]
		},
		"to": ["ab@firma.at"]
	}`)

	email := Normalize(payload)
	if email == nil {
		t.Fatal("expected normalized email")
	}
	if len(email.To) != 1 {
		t.Errorf("to = %v, want single deduplicated recipient", email.To)
	}
}
