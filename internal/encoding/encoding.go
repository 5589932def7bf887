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

// Package encoding holds the content-level helpers the intake path is built
// on: attachment decoding, hashing, filename sanitation and the dedupe key
// that makes webhook redelivery idempotent.
package encoding

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeFileName replaces every character outside [A-Za-z0-9._-] with an
// underscore. The result is never empty.
func SanitizeFileName(name string) string {
	cleaned := unsafeFileChars.ReplaceAllString(strings.TrimSpace(name), "_")
	if cleaned == "" || strings.Trim(cleaned, "_") == "" {
		return "document"
	}
	return cleaned
}

// DecodeBase64 decodes attachment content. It tolerates a data-URL prefix
// and embedded whitespace, and verifies the input round-trips through
// re-encoding so truncated or garbage payloads are caught.
//
// A nil return is a classification signal (drop the attachment), not an
// error: providers routinely send broken attachments alongside good ones.
func DecodeBase64(raw string) []byte {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "data:") {
		if idx := strings.Index(s, ";base64,"); idx >= 0 {
			s = s[idx+len(";base64,"):]
		}
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil
	}

	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if decoded, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil
		}
	}
	if len(decoded) == 0 {
		return nil
	}

	reencoded := base64.StdEncoding.EncodeToString(decoded)
	if reencoded != s && strings.TrimRight(reencoded, "=") != s {
		return nil
	}
	return decoded
}

// SHA256Hex returns the lowercase hex digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DedupeKey derives the unique intake key for one attachment delivery.
// Identical inputs always produce identical output; the inbox table's unique
// constraint on this value is what guarantees at-most-once ingestion.
func DedupeKey(userID, messageID, attachmentID, contentSHA256 string) string {
	joined := strings.Join([]string{userID, messageID, attachmentID, contentSHA256}, "|")
	return SHA256Hex([]byte(joined))
}

// NormalizeEmail lower-cases and trims an address. Empty input stays empty.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// EmailDomain extracts the domain of an address, or "" when the address is
// malformed (no "@", or "@" at either end).
func EmailDomain(raw string) string {
	addr := NormalizeEmail(raw)
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	return addr[at+1:]
}
