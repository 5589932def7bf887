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
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/baucrm/inbound/internal/encoding"
)

// DefaultSubject is used when a provider delivers an email without one.
const DefaultSubject = "(ohne Betreff)"

var fromWithName = regexp.MustCompile(`^(.*)<([^>]+)>$`)

// Normalize converts an arbitrary decoded webhook payload into the canonical
// Email. It tolerates both a nested "data" envelope and a flat envelope,
// preferring the nested one when present.
//
// Attachments that fail to decode are dropped; when none survive the whole
// email is rejected (nil return) because an attachment-less email carries no
// actionable document.
func Normalize(payload any) *Email {
	root := asMap(payload)
	source := asMap(root["data"])
	if len(source) == 0 {
		source = root
	}

	messageID := firstString(source, "messageId", "message_id", "id")
	if messageID == "" {
		// Synthetic ID so downstream dedupe keys stay well-formed.
		messageID = "inbound-" + uuid.New().String()
	}

	fromName, fromEmail := parseFromField(firstString(source, "from", "sender"))

	seen := map[string]bool{}
	var to []string
	for _, raw := range append(append(stringList(source["to"]), stringList(source["recipients"])...), stringList(root["to"])...) {
		_, addr := parseFromField(raw)
		if addr != "" && !seen[addr] {
			seen[addr] = true
			to = append(to, addr)
		}
	}

	rawAttachments, ok := source["attachments"].([]any)
	if !ok {
		rawAttachments, _ = root["attachments"].([]any)
	}

	var attachments []Attachment
	for i, entry := range rawAttachments {
		if att := normalizeAttachment(entry, i); att != nil {
			attachments = append(attachments, *att)
		}
	}
	if len(attachments) == 0 {
		return nil
	}

	receivedAt := firstString(source, "receivedAt", "received_at", "created_at")
	if receivedAt == "" {
		receivedAt = time.Now().UTC().Format(time.RFC3339)
	}

	subject := firstString(source, "subject")
	if subject == "" {
		subject = DefaultSubject
	}

	provider := "generic"
	if _, hasType := root["type"]; hasType {
		provider = "resend"
	}

	return &Email{
		Provider:    provider,
		MessageID:   messageID,
		FromEmail:   fromEmail,
		FromName:    fromName,
		To:          to,
		Subject:     subject,
		Text:        firstString(source, "text", "textBody"),
		HTML:        firstString(source, "html", "htmlBody"),
		ReceivedAt:  receivedAt,
		Attachments: attachments,
	}
}

// normalizeAttachment validates and canonicalises one raw attachment entry.
// Returns nil when the content is missing or not valid base64.
func normalizeAttachment(entry any, index int) *Attachment {
	record := asMap(entry)

	fileName := firstString(record, "filename", "fileName", "name")
	if fileName == "" {
		fileName = fmt.Sprintf("attachment-%d", index+1)
	}

	rawContent := firstString(record, "content", "content_base64", "base64", "data")
	if rawContent == "" {
		return nil
	}
	decoded := encoding.DecodeBase64(rawContent)
	if decoded == nil {
		return nil
	}

	externalID := firstString(record, "id", "attachmentId")
	if externalID == "" {
		externalID = encoding.SHA256Hex([]byte(fmt.Sprintf("%s:%d", fileName, index)))
	}

	size := int64(len(decoded))
	if explicit, ok := record["size"].(float64); ok && explicit > 0 {
		size = int64(explicit)
	}

	return &Attachment{
		ExternalID:    externalID,
		FileName:      encoding.SanitizeFileName(fileName),
		MimeType:      strings.ToLower(firstString(record, "contentType", "content_type", "mimeType")),
		Size:          size,
		ContentBase64: base64.StdEncoding.EncodeToString(decoded),
	}
}

// parseFromField splits `Name <email>` headers into their parts. A bare
// address yields an empty name.
func parseFromField(value string) (name, email string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ""
	}
	if m := fromWithName.FindStringSubmatch(value); m != nil {
		return strings.TrimSpace(m[1]), encoding.NormalizeEmail(m[2])
	}
	return "", encoding.NormalizeEmail(value)
}

func asMap(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// firstString returns the first non-blank string value under the given keys.
func firstString(record map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := record[key].(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// stringList accepts both a JSON array of strings and a single string.
func stringList(value any) []string {
	switch v := value.(type) {
	case []any:
		var out []string
		for _, entry := range v {
			if s, ok := entry.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) != "" {
			return []string{strings.TrimSpace(v)}
		}
	}
	return nil
}
