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

// Package inbox owns the inbound document inbox: one row per accepted
// attachment, plus an append-only event trail recording every status
// transition. All reads and writes are scoped by the owning tenant.
package inbox

import (
	"time"

	"github.com/baucrm/inbound/internal/signal"
)

// Status is the processing status of an inbox item.
type Status string

const (
	StatusReceived    Status = "received"
	StatusClassified  Status = "classified"
	StatusPreassigned Status = "preassigned"
	StatusNeedsReview Status = "needs_review"
	StatusConfirmed   Status = "confirmed"
	StatusRejected    Status = "rejected"
	StatusFailed      Status = "failed"
)

// ParseStatus maps a raw string onto a known Status, or "" if unrecognized.
func ParseStatus(raw string) Status {
	switch Status(raw) {
	case StatusReceived, StatusClassified, StatusPreassigned, StatusNeedsReview,
		StatusConfirmed, StatusRejected, StatusFailed:
		return Status(raw)
	}
	return ""
}

// Confirmable reports whether an item in this status may still be
// confirmed or rejected by an operator.
func (s Status) Confirmable() bool {
	return s == StatusPreassigned || s == StatusNeedsReview
}

// Item is one inbound document: a single attachment of a single email,
// persisted with its extraction results and assignment state.
type Item struct {
	ID                string
	UserID            string
	CompanyID         *string
	Provider          string
	ProviderMessageID string
	AttachmentID      string
	DedupeKey         string
	FromEmail         string
	FromName          string
	ToEmail           string
	Subject           string
	BodyText          string
	ReceivedAt        time.Time
	FileName          string
	MimeType          string
	FileSize          int64
	StoragePath       string
	ContentSHA256     string

	DocumentKind     signal.Kind
	ProcessingStatus Status
	ProcessingError  *string

	// ExtractedPayload and AssignmentCandidates hold JSONB blobs: the
	// merged document signals and the ranked candidate list.
	ExtractedPayload     []byte
	AssignmentCandidates []byte

	AssignmentConfidence    float64
	AssignedSupplierOrderID *string
	AssignedProjectID       *string

	ConfirmedAt     *time.Time
	RejectedAt      *time.Time
	RejectionReason *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is one append-only audit record for an inbox item.
type Event struct {
	ID          int64
	InboxItemID string
	UserID      string
	EventType   string
	FromStatus  *Status
	ToStatus    *Status
	Payload     []byte
	CreatedAt   time.Time
}
