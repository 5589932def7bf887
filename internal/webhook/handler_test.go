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

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/baucrm/inbound/internal/inbox"
	"github.com/baucrm/inbound/internal/mail"
	"github.com/baucrm/inbound/internal/tenant"
)

// TestVerifyWebhook verifies shared-secret authentication across all
// the places providers put the secret.
func TestVerifyWebhook(t *testing.T) {
	auth := Auth{WebhookSecret: "s3cret"}

	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  bool
	}{
		{
			name:  "dedicated header",
			setup: func(r *http.Request) { r.Header.Set("X-Inbound-Email-Secret", "s3cret") },
			want:  true,
		},
		{
			name:  "generic header",
			setup: func(r *http.Request) { r.Header.Set("X-Webhook-Secret", "s3cret") },
			want:  true,
		},
		{
			name:  "bearer token",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") },
			want:  true,
		},
		{
			name:  "query parameter",
			setup: func(r *http.Request) { r.URL.RawQuery = "secret=s3cret" },
			want:  true,
		},
		{
			name:  "wrong secret",
			setup: func(r *http.Request) { r.Header.Set("X-Webhook-Secret", "nope") },
			want:  false,
		},
		{
			name:  "no secret provided",
			setup: func(r *http.Request) {},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/inbound/email/webhook", nil)
			tt.setup(r)
			if got := auth.VerifyWebhook(r); got != tt.want {
				t.Errorf("VerifyWebhook = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifyWebhookWithoutConfiguredSecret(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)

	if (Auth{}).VerifyWebhook(r) {
		t.Error("unauthenticated webhook must be rejected by default")
	}
	if !(Auth{AllowInsecure: true}).VerifyWebhook(r) {
		t.Error("AllowInsecure must admit the request in development")
	}
}

func TestVerifySignatureSvix(t *testing.T) {
	key := []byte("signing-key-material")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(key)
	body := []byte(`{"type":"email.received"}`)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("msg-id.1772000000."))
	mac.Write(body)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	header := http.Header{}
	header.Set("svix-id", "msg-id")
	header.Set("svix-timestamp", "1772000000")
	header.Set("svix-signature", "v1,"+signature)

	auth := Auth{SigningSecret: secret}
	if !auth.VerifySignature(body, header) {
		t.Error("valid svix signature rejected")
	}

	header.Set("svix-signature", "v1,Zm9yZ2VkCg==")
	if auth.VerifySignature(body, header) {
		t.Error("forged svix signature accepted")
	}

	header.Set("svix-signature", "v2,forged v1,"+signature)
	if !auth.VerifySignature(body, header) {
		t.Error("matching signature among several entries rejected")
	}
}

func TestVerifySignatureFallbackHeader(t *testing.T) {
	auth := Auth{SigningSecret: "plain-secret"}
	body := []byte("payload")

	header := http.Header{}
	header.Set("x-resend-signature", hexHMAC("plain-secret", body))
	if !auth.VerifySignature(body, header) {
		t.Error("valid fallback signature rejected")
	}

	header.Set("x-resend-signature", "deadbeef")
	if auth.VerifySignature(body, header) {
		t.Error("invalid fallback signature accepted")
	}
}

func TestVerifySignatureWithoutSecret(t *testing.T) {
	if !(Auth{}).VerifySignature([]byte("anything"), http.Header{}) {
		t.Error("signature check must pass when no signing secret is configured")
	}
}

func TestVerifyCron(t *testing.T) {
	auth := Auth{CronSecret: "cron-1"}

	r := httptest.NewRequest(http.MethodPost, "/api/inbound/process", nil)
	if auth.VerifyCron(r) {
		t.Error("missing cron auth accepted")
	}

	r.Header.Set("Authorization", "Bearer cron-1")
	if !auth.VerifyCron(r) {
		t.Error("valid cron secret rejected")
	}
}

func TestInferMimeType(t *testing.T) {
	tests := []struct {
		fileName string
		raw      string
		want     string
	}{
		{"doc.pdf", "Application/PDF", "application/pdf"},
		{"doc.pdf", "", "application/pdf"},
		{"scan.PNG", "", "image/png"},
		{"photo.jpeg", "", "image/jpeg"},
		{"photo.webp", "", "image/webp"},
		{"archive.zip", "", ""},
		{"noextension", "", ""},
	}
	for _, tt := range tests {
		if got := inferMimeType(tt.fileName, tt.raw); got != tt.want {
			t.Errorf("inferMimeType(%q, %q) = %q, want %q", tt.fileName, tt.raw, got, tt.want)
		}
	}
}

func TestParseReceivedAt(t *testing.T) {
	fallback := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	got := parseReceivedAt("2026-03-01T08:30:00Z", fallback)
	if got.Format(time.RFC3339) != "2026-03-01T08:30:00Z" {
		t.Errorf("rfc3339 parse = %v", got)
	}
	if got := parseReceivedAt("2026-03-01", fallback); got.Day() != 1 || got.Month() != time.March {
		t.Errorf("date-only parse = %v", got)
	}
	if got := parseReceivedAt("not a date", fallback); !got.Equal(fallback) {
		t.Errorf("invalid input must fall back, got %v", got)
	}
	if got := parseReceivedAt("", fallback); !got.Equal(fallback) {
		t.Errorf("empty input must fall back, got %v", got)
	}
}

// fakeInbox emulates the unique constraint on dedupe_key: a second
// insert with the same key returns the existing row.
type fakeInbox struct {
	byKey      map[string]inbox.Item
	nextID     int
	events     []inbox.Event
	failInsert bool
}

func (f *fakeInbox) Insert(ctx context.Context, item inbox.Item) (*inbox.Item, bool, error) {
	if f.failInsert {
		return nil, false, errors.New("connection reset")
	}
	if f.byKey == nil {
		f.byKey = map[string]inbox.Item{}
	}
	if existing, ok := f.byKey[item.DedupeKey]; ok {
		return &existing, false, nil
	}
	f.nextID++
	item.ID = fmt.Sprintf("item-%d", f.nextID)
	f.byKey[item.DedupeKey] = item
	return &item, true, nil
}

func (f *fakeInbox) AppendEvent(ctx context.Context, e inbox.Event) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeInbox) GetForUser(ctx context.Context, userID, itemID string) (*inbox.Item, error) {
	return nil, nil
}

func (f *fakeInbox) ListForUser(ctx context.Context, userID string, filter inbox.ListFilter) ([]inbox.Item, error) {
	return nil, nil
}

func (f *fakeInbox) ListEvents(ctx context.Context, userID, itemID string) ([]inbox.Event, error) {
	return nil, nil
}

type fakeBlobs struct {
	puts     []string
	deletes  []string
	failPuts int
}

func (b *fakeBlobs) Put(ctx context.Context, key, contentType string, data []byte) error {
	if b.failPuts > 0 {
		b.failPuts--
		return errors.New("object store unavailable")
	}
	b.puts = append(b.puts, key)
	return nil
}

func (b *fakeBlobs) Delete(ctx context.Context, key string) error {
	b.deletes = append(b.deletes, key)
	return nil
}

// fakeFilter mirrors the Redis SETNX semantics in memory. With alwaysNew
// set, every check passes, forcing duplicates through to the insert.
type fakeFilter struct {
	seen      map[string]bool
	alwaysNew bool
}

func (f *fakeFilter) IsNew(ctx context.Context, dedupeKey string) (bool, error) {
	if f.alwaysNew {
		return true, nil
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[dedupeKey] {
		return false, nil
	}
	f.seen[dedupeKey] = true
	return true, nil
}

func (f *fakeFilter) Forget(ctx context.Context, dedupeKey string) error {
	delete(f.seen, dedupeKey)
	return nil
}

func intakeHandler(store Inbox, blobs Blobs, filter DuplicateFilter) *Handler {
	return NewHandler(nil, nil, store, blobs, filter, nil, nil, Auth{}, Limits{
		MaxAttachmentBytes: 1 << 20,
		AllowedMimeTypes:   map[string]bool{"application/pdf": true},
	})
}

func sampleEmail() *mail.Email {
	return &mail.Email{
		Provider:  "resend",
		MessageID: "msg-1",
		FromEmail: "info@stahlwerk.at",
		To:        []string{"ab@firma.at"},
		Subject:   "Auftragsbestätigung",
		Attachments: []mail.Attachment{{
			ExternalID:    "att-1",
			FileName:      "ab.pdf",
			MimeType:      "application/pdf",
			ContentBase64: "JVBERi0xLjQ=",
		}},
	}
}

// TestIngestDuplicateDeliveryResolvesToSameRow drives the same delivery
// through twice with the Redis pre-filter disabled, so the second pass
// exercises the unique-constraint branch: one row, a duplicate count,
// and the redundant upload removed.
func TestIngestDuplicateDeliveryResolvesToSameRow(t *testing.T) {
	store := &fakeInbox{}
	blobs := &fakeBlobs{}
	h := intakeHandler(store, blobs, &fakeFilter{alwaysNew: true})
	identity := tenant.Identity{UserID: "user-1"}

	first := h.ingestAttachments(context.Background(), identity, sampleEmail())
	if first.Received != 1 || first.Duplicates != 0 {
		t.Fatalf("first delivery = %+v, want one received", first)
	}

	second := h.ingestAttachments(context.Background(), identity, sampleEmail())
	if second.Received != 0 || second.Duplicates != 1 {
		t.Errorf("second delivery = %+v, want one duplicate", second)
	}
	if len(store.byKey) != 1 {
		t.Errorf("rows = %d, want the duplicate resolved to the existing row", len(store.byKey))
	}
	if len(blobs.deletes) != 1 {
		t.Errorf("deletes = %v, want the redundant upload removed", blobs.deletes)
	}
	if len(store.events) != 1 {
		t.Errorf("events = %d, want received event only for the new row", len(store.events))
	}
}

// TestIngestUploadFailureAllowsRedelivery covers the order of the dedupe
// marking: a failed upload must release the key so the provider's retry
// still creates the row.
func TestIngestUploadFailureAllowsRedelivery(t *testing.T) {
	store := &fakeInbox{}
	blobs := &fakeBlobs{failPuts: 1}
	filter := &fakeFilter{}
	h := intakeHandler(store, blobs, filter)
	identity := tenant.Identity{UserID: "user-1"}

	first := h.ingestAttachments(context.Background(), identity, sampleEmail())
	if first.Received != 0 || first.Skipped != 1 {
		t.Fatalf("failed delivery = %+v, want one skipped", first)
	}
	if len(store.byKey) != 0 {
		t.Fatalf("rows = %d, want none after upload failure", len(store.byKey))
	}

	retry := h.ingestAttachments(context.Background(), identity, sampleEmail())
	if retry.Received != 1 || retry.Duplicates != 0 {
		t.Errorf("redelivery = %+v, want the row created", retry)
	}
}

// TestIngestInsertFailureAllowsRedelivery is the same property for the
// database insert failing after the key was marked seen.
func TestIngestInsertFailureAllowsRedelivery(t *testing.T) {
	store := &fakeInbox{failInsert: true}
	filter := &fakeFilter{}
	h := intakeHandler(store, &fakeBlobs{}, filter)
	identity := tenant.Identity{UserID: "user-1"}

	first := h.ingestAttachments(context.Background(), identity, sampleEmail())
	if first.Skipped != 1 {
		t.Fatalf("failed delivery = %+v, want one skipped", first)
	}

	store.failInsert = false
	retry := h.ingestAttachments(context.Background(), identity, sampleEmail())
	if retry.Received != 1 {
		t.Errorf("redelivery = %+v, want the row created", retry)
	}
}
