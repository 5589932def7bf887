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

package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baucrm/inbound/internal/signal"
)

// uniqueViolation is the SQLSTATE pgx reports when the dedupe_key
// constraint rejects a duplicate insert.
const uniqueViolation = "23505"

const itemColumns = `
	id, user_id, company_id, provider, provider_message_id, attachment_id,
	dedupe_key, from_email, from_name, to_email, subject, body_text,
	received_at, file_name, mime_type, file_size, storage_path,
	content_sha256, document_kind, processing_status, processing_error,
	extracted_payload, assignment_candidates, assignment_confidence,
	assigned_supplier_order_id, assigned_project_id,
	confirmed_at, rejected_at, rejection_reason, created_at, updated_at`

// Store provides tenant-scoped access to inbox items and their events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an inbox store backed by the given Postgres pool and
// ensures the inbox tables exist.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure inbox schema: %w", err)
	}
	slog.Info("inbox store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS inbound_document_inbox (
			id                         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id                    TEXT NOT NULL,
			company_id                 TEXT,
			provider                   TEXT NOT NULL DEFAULT '',
			provider_message_id        TEXT NOT NULL,
			attachment_id              TEXT NOT NULL DEFAULT '',
			dedupe_key                 TEXT NOT NULL UNIQUE,
			from_email                 TEXT NOT NULL DEFAULT '',
			from_name                  TEXT NOT NULL DEFAULT '',
			to_email                   TEXT NOT NULL DEFAULT '',
			subject                    TEXT NOT NULL DEFAULT '',
			body_text                  TEXT NOT NULL DEFAULT '',
			received_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			file_name                  TEXT NOT NULL DEFAULT '',
			mime_type                  TEXT NOT NULL DEFAULT '',
			file_size                  BIGINT NOT NULL DEFAULT 0,
			storage_path               TEXT NOT NULL DEFAULT '',
			content_sha256             TEXT NOT NULL DEFAULT '',
			document_kind              TEXT NOT NULL DEFAULT 'unknown',
			processing_status          TEXT NOT NULL DEFAULT 'received',
			processing_error           TEXT,
			extracted_payload          JSONB,
			assignment_candidates      JSONB,
			assignment_confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
			assigned_supplier_order_id TEXT,
			assigned_project_id        TEXT,
			confirmed_at               TIMESTAMPTZ,
			rejected_at                TIMESTAMPTZ,
			rejection_reason           TEXT,
			created_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_inbox_user ON inbound_document_inbox(user_id);
		CREATE INDEX IF NOT EXISTS idx_inbox_status ON inbound_document_inbox(processing_status);
		CREATE INDEX IF NOT EXISTS idx_inbox_received ON inbound_document_inbox(received_at);

		CREATE TABLE IF NOT EXISTS inbound_document_events (
			id             BIGSERIAL PRIMARY KEY,
			inbox_item_id  UUID NOT NULL REFERENCES inbound_document_inbox(id),
			user_id        TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			from_status    TEXT,
			to_status      TEXT,
			payload        JSONB,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_inbox_events_item ON inbound_document_events(inbox_item_id);
	`)
	return err
}

// Insert stores a new inbox item. Inserts are idempotent on the dedupe
// key: a unique-constraint violation returns the existing row with
// created=false instead of an error.
func (s *Store) Insert(ctx context.Context, item Item) (*Item, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO inbound_document_inbox
			(user_id, company_id, provider, provider_message_id, attachment_id,
			 dedupe_key, from_email, from_name, to_email, subject, body_text,
			 received_at, file_name, mime_type, file_size, storage_path,
			 content_sha256, document_kind, processing_status, extracted_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING `+itemColumns+`
	`, item.UserID, item.CompanyID, item.Provider, item.ProviderMessageID,
		item.AttachmentID, item.DedupeKey, item.FromEmail, item.FromName,
		item.ToEmail, item.Subject, item.BodyText, item.ReceivedAt,
		item.FileName, item.MimeType, item.FileSize, item.StoragePath,
		item.ContentSHA256, string(item.DocumentKind), string(item.ProcessingStatus),
		item.ExtractedPayload)

	inserted, err := scanItem(row)
	if err == nil {
		return inserted, true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		existing, lookupErr := s.getByDedupeKey(ctx, item.DedupeKey)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		if existing == nil {
			return nil, false, fmt.Errorf("dedupe key %s conflicted but row not found", item.DedupeKey)
		}
		return existing, false, nil
	}
	return nil, false, err
}

func (s *Store) getByDedupeKey(ctx context.Context, dedupeKey string) (*Item, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+itemColumns+`
		FROM inbound_document_inbox
		WHERE dedupe_key = $1
	`, dedupeKey)
	return scanItem(row)
}

// GetForUser retrieves one inbox item scoped by tenant. Returns nil when
// the item does not exist or belongs to another tenant.
func (s *Store) GetForUser(ctx context.Context, userID, itemID string) (*Item, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+itemColumns+`
		FROM inbound_document_inbox
		WHERE id = $1 AND user_id = $2
	`, itemID, userID)
	return scanItem(row)
}

// ListPending returns unprocessed items across all tenants, oldest first.
// The limit is clamped to [1, 100].
func (s *Store) ListPending(ctx context.Context, limit int) ([]Item, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM inbound_document_inbox
		WHERE processing_status IN ('received', 'classified')
		ORDER BY received_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListFilter narrows ListForUser by document kind and processing status.
// Empty slices mean no filtering on that dimension.
type ListFilter struct {
	Kinds    []signal.Kind
	Statuses []Status
	Limit    int
}

// ListForUser returns a tenant's inbox items, newest first.
func (s *Store) ListForUser(ctx context.Context, userID string, filter ListFilter) ([]Item, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	query := `SELECT ` + itemColumns + `
		FROM inbound_document_inbox
		WHERE user_id = $1`
	args := []any{userID}

	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		args = append(args, kinds)
		query += fmt.Sprintf(" AND document_kind = ANY($%d)", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(" AND processing_status = ANY($%d)", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY received_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// ClassificationUpdate carries the result of one classification run.
type ClassificationUpdate struct {
	ItemID           string
	UserID           string
	Kind             signal.Kind
	Status           Status
	ExtractedPayload []byte
	Candidates       []byte
	Confidence       float64
	SupplierOrderID  *string
	ProjectID        *string
}

// UpdateClassification persists the outcome of the processing pipeline
// for one row.
func (s *Store) UpdateClassification(ctx context.Context, u ClassificationUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbound_document_inbox
		SET document_kind = $1,
		    processing_status = $2,
		    processing_error = NULL,
		    extracted_payload = $3,
		    assignment_candidates = $4,
		    assignment_confidence = $5,
		    assigned_supplier_order_id = $6,
		    assigned_project_id = $7,
		    updated_at = NOW()
		WHERE id = $8 AND user_id = $9
	`, string(u.Kind), string(u.Status), u.ExtractedPayload, u.Candidates,
		u.Confidence, u.SupplierOrderID, u.ProjectID, u.ItemID, u.UserID)
	return err
}

// MarkFailed records a per-row processing failure without touching any
// previously extracted data.
func (s *Store) MarkFailed(ctx context.Context, userID, itemID, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbound_document_inbox
		SET processing_status = 'failed',
		    processing_error = $1,
		    updated_at = NOW()
		WHERE id = $2 AND user_id = $3
	`, message, itemID, userID)
	return err
}

// ConfirmationUpdate finalises a confirmed item.
type ConfirmationUpdate struct {
	ItemID          string
	UserID          string
	Kind            signal.Kind
	SupplierOrderID *string
	ProjectID       *string
}

// MarkConfirmed transitions an item into the terminal confirmed status.
func (s *Store) MarkConfirmed(ctx context.Context, u ConfirmationUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE inbound_document_inbox
		SET processing_status = 'confirmed',
		    document_kind = $1,
		    assigned_supplier_order_id = COALESCE($2, assigned_supplier_order_id),
		    assigned_project_id = COALESCE($3, assigned_project_id),
		    confirmed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $4 AND user_id = $5
	`, string(u.Kind), u.SupplierOrderID, u.ProjectID, u.ItemID, u.UserID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inbox item %s not found for user", u.ItemID)
	}
	return nil
}

// MarkRejected transitions an item into the terminal rejected status.
func (s *Store) MarkRejected(ctx context.Context, userID, itemID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE inbound_document_inbox
		SET processing_status = 'rejected',
		    rejected_at = NOW(),
		    rejection_reason = $1,
		    updated_at = NOW()
		WHERE id = $2 AND user_id = $3
	`, reason, itemID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inbox item %s not found for user", itemID)
	}
	return nil
}

// AppendEvent writes one audit record. Events are insert-only.
func (s *Store) AppendEvent(ctx context.Context, e Event) error {
	var from, to *string
	if e.FromStatus != nil {
		v := string(*e.FromStatus)
		from = &v
	}
	if e.ToStatus != nil {
		v := string(*e.ToStatus)
		to = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO inbound_document_events
			(inbox_item_id, user_id, event_type, from_status, to_status, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.InboxItemID, e.UserID, e.EventType, from, to, e.Payload)
	return err
}

// ListEvents returns the audit trail for one item, oldest first.
func (s *Store) ListEvents(ctx context.Context, userID, itemID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, inbox_item_id, user_id, event_type, from_status, to_status, payload, created_at
		FROM inbound_document_events
		WHERE inbox_item_id = $1 AND user_id = $2
		ORDER BY id
	`, itemID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var from, to *string
		if err := rows.Scan(&e.ID, &e.InboxItemID, &e.UserID, &e.EventType,
			&from, &to, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if from != nil {
			st := Status(*from)
			e.FromStatus = &st
		}
		if to != nil {
			st := Status(*to)
			e.ToStatus = &st
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	var kind, status string
	err := row.Scan(
		&it.ID, &it.UserID, &it.CompanyID, &it.Provider, &it.ProviderMessageID,
		&it.AttachmentID, &it.DedupeKey, &it.FromEmail, &it.FromName,
		&it.ToEmail, &it.Subject, &it.BodyText, &it.ReceivedAt, &it.FileName,
		&it.MimeType, &it.FileSize, &it.StoragePath, &it.ContentSHA256,
		&kind, &status, &it.ProcessingError, &it.ExtractedPayload,
		&it.AssignmentCandidates, &it.AssignmentConfidence,
		&it.AssignedSupplierOrderID, &it.AssignedProjectID,
		&it.ConfirmedAt, &it.RejectedAt, &it.RejectionReason,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	it.DocumentKind = signal.ParseKind(kind)
	it.ProcessingStatus = ParseStatus(status)
	return &it, nil
}

func collectItems(rows pgx.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		var it Item
		var kind, status string
		if err := rows.Scan(
			&it.ID, &it.UserID, &it.CompanyID, &it.Provider, &it.ProviderMessageID,
			&it.AttachmentID, &it.DedupeKey, &it.FromEmail, &it.FromName,
			&it.ToEmail, &it.Subject, &it.BodyText, &it.ReceivedAt, &it.FileName,
			&it.MimeType, &it.FileSize, &it.StoragePath, &it.ContentSHA256,
			&kind, &status, &it.ProcessingError, &it.ExtractedPayload,
			&it.AssignmentCandidates, &it.AssignmentConfidence,
			&it.AssignedSupplierOrderID, &it.AssignedProjectID,
			&it.ConfirmedAt, &it.RejectedAt, &it.RejectionReason,
			&it.CreatedAt, &it.UpdatedAt,
		); err != nil {
			return nil, err
		}
		it.DocumentKind = signal.ParseKind(kind)
		it.ProcessingStatus = ParseStatus(status)
		items = append(items, it)
	}
	return items, rows.Err()
}
