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

// Package resend hydrates Resend inbound webhook events. Resend's
// webhook carries only metadata; the full body and attachment bytes are
// fetched from its API so the normalizer can stay provider-generic.
package resend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the Resend API endpoint.
const DefaultBaseURL = "https://api.resend.com"

// Client talks to the Resend API with a static bearer key.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

// NewClient creates a Resend API client. An empty apiKey disables
// hydration; Hydrate will fail on received events.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// IsReceivedEvent reports whether the payload is a Resend
// "email.received" webhook event that needs hydration.
func IsReceivedEvent(payload map[string]any) bool {
	if payload == nil || payload["type"] != "email.received" {
		return false
	}
	data := asMap(payload["data"])
	_, ok := data["email_id"].(string)
	return ok
}

// Hydrate replaces the metadata-only event data with the full email and
// its attachment contents. Payloads that are not Resend received events
// pass through unchanged.
func (c *Client) Hydrate(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if !IsReceivedEvent(payload) {
		return payload, nil
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("resend api key missing for inbound event")
	}

	data := asMap(payload["data"])
	emailID := asString(data["email_id"])
	if emailID == "" {
		return payload, nil
	}

	emailResponse, err := c.getJSON(ctx, "/emails/receiving/"+emailID)
	if err != nil {
		return nil, fmt.Errorf("fetch resend email %s: %w", emailID, err)
	}
	emailData := asMap(emailResponse["data"])

	attachments, err := c.loadAttachments(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("fetch resend attachments %s: %w", emailID, err)
	}

	to := asStringList(emailData["to"])
	if len(to) == 0 {
		to = asStringList(data["to"])
	}

	hydrated := make(map[string]any, len(payload))
	for k, v := range payload {
		hydrated[k] = v
	}
	hydrated["data"] = map[string]any{
		"id":          emailID,
		"message_id":  firstOf(asString(emailData["message_id"]), asString(data["message_id"]), emailID),
		"from":        firstOf(asString(emailData["from"]), asString(data["from"])),
		"to":          to,
		"subject":     firstOf(asString(emailData["subject"]), asString(data["subject"]), "(ohne Betreff)"),
		"text":        asString(emailData["text"]),
		"html":        asString(emailData["html"]),
		"created_at":  firstOf(asString(emailData["created_at"]), asString(data["created_at"])),
		"attachments": attachments,
	}
	return hydrated, nil
}

// loadAttachments lists an email's attachments and downloads each one.
// Entries without an id, name, or download URL are skipped, as are
// downloads that fail; a metadata-only attachment is useless downstream.
func (c *Client) loadAttachments(ctx context.Context, emailID string) ([]any, error) {
	listing, err := c.getJSON(ctx, "/emails/receiving/"+emailID+"/attachments")
	if err != nil {
		return nil, err
	}

	rawList, ok := listing["data"].([]any)
	if !ok {
		rawList, _ = listing["attachments"].([]any)
	}

	attachments := []any{}
	for _, raw := range rawList {
		entry := asMap(raw)
		attachmentID := asString(entry["id"])
		fileName := firstOf(asString(entry["file_name"]), asString(entry["filename"]), asString(entry["name"]))
		downloadURL := firstOf(asString(entry["download_url"]), asString(entry["downloadUrl"]))
		if attachmentID == "" || fileName == "" || downloadURL == "" {
			continue
		}

		content, err := c.download(ctx, downloadURL)
		if err != nil || len(content) == 0 {
			slog.Warn("skipping resend attachment without content",
				"email_id", emailID,
				"attachment_id", attachmentID,
				"error", err,
			)
			continue
		}

		attachments = append(attachments, map[string]any{
			"id":           attachmentID,
			"file_name":    fileName,
			"content_type": firstOf(asString(entry["content_type"]), asString(entry["contentType"])),
			"size":         asNumber(entry["size"]),
			"content":      base64.StdEncoding.EncodeToString(content),
		})
	}
	return attachments, nil
}

func (c *Client) getJSON(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed map[string]any
	_ = json.Unmarshal(body, &parsed)
	if resp.StatusCode != http.StatusOK {
		if message := asString(parsed["message"]); message != "" {
			return nil, fmt.Errorf("resend api: %s", message)
		}
		return nil, fmt.Errorf("resend api status %d", resp.StatusCode)
	}
	if parsed == nil {
		parsed = map[string]any{}
	}
	return parsed, nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func asMap(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func asString(value any) string {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func asStringList(value any) []string {
	switch v := value.(type) {
	case []any:
		var out []string
		for _, entry := range v {
			if s := asString(entry); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := asString(v); s != "" {
			return []string{s}
		}
	}
	return nil
}

func asNumber(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return parsed
		}
	}
	return 0
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
