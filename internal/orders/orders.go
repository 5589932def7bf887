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

// Package orders gives the inbound pipeline a narrow surface over the
// purchasing tables: open purchase orders for candidate matching, and
// the booking writes performed when an operator confirms a document.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baucrm/inbound/internal/match"
)

// advancedStatuses are supplier-order statuses past AB receipt. A
// confirmation must never regress an order out of one of these.
var advancedStatuses = map[string]bool{
	"delivery_note_received": true,
	"goods_receipt_open":     true,
	"goods_receipt_booked":   true,
	"ready_for_installation": true,
}

// IsAdvancedStatus reports whether a supplier-order status must not be
// regressed by a confirmation write.
func IsAdvancedStatus(status string) bool {
	return advancedStatuses[status]
}

// SupplierOrder is the slice of a purchase order the confirmation
// executor needs for its status guard and note merging.
type SupplierOrder struct {
	ID     string
	Status string
	Notes  string
}

// Store provides the purchasing-table queries used by the pipeline.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an orders store and ensures the purchasing tables
// exist, so a standalone deployment can come up against an empty
// database.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure orders schema: %w", err)
	}
	slog.Info("orders store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS supplier_orders (
			id                         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id                    TEXT NOT NULL,
			order_number               TEXT NOT NULL DEFAULT '',
			project_id                 TEXT,
			supplier_name              TEXT NOT NULL DEFAULT '',
			supplier_order_email       TEXT NOT NULL DEFAULT '',
			supplier_email             TEXT NOT NULL DEFAULT '',
			status                     TEXT NOT NULL DEFAULT 'ordered',
			notes                      TEXT,
			ab_number                  TEXT,
			ab_confirmed_delivery_date DATE,
			ab_received_at             TIMESTAMPTZ,
			ab_document_url            TEXT,
			ab_document_name           TEXT,
			ab_document_mime_type      TEXT,
			supplier_delivery_note_id  TEXT,
			created_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_supplier_orders_user ON supplier_orders(user_id);
		CREATE INDEX IF NOT EXISTS idx_supplier_orders_status ON supplier_orders(status);

		CREATE TABLE IF NOT EXISTS projects (
			id                   UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id              TEXT NOT NULL,
			project_order_number TEXT NOT NULL DEFAULT '',
			name                 TEXT NOT NULL DEFAULT '',
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS delivery_notes (
			id                            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id                       TEXT NOT NULL,
			supplier_name                 TEXT NOT NULL DEFAULT '',
			supplier_delivery_note_number TEXT NOT NULL DEFAULT '',
			delivery_date                 DATE,
			received_date                 TIMESTAMPTZ,
			status                        TEXT NOT NULL DEFAULT 'open',
			ai_matched                    BOOLEAN NOT NULL DEFAULT FALSE,
			ai_confidence                 DOUBLE PRECISION,
			matched_project_id            TEXT,
			matched_by_user_id            TEXT,
			matched_at                    TIMESTAMPTZ,
			supplier_order_id             TEXT,
			document_url                  TEXT,
			notes                         TEXT,
			created_at                    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_delivery_notes_user ON delivery_notes(user_id);

		CREATE TABLE IF NOT EXISTS supplier_invoices (
			id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id        TEXT NOT NULL,
			supplier_name  TEXT NOT NULL DEFAULT '',
			invoice_number TEXT NOT NULL DEFAULT '',
			invoice_date   DATE,
			due_date       DATE,
			net_amount     NUMERIC(12,2) NOT NULL DEFAULT 0,
			tax_rate       NUMERIC(5,2) NOT NULL DEFAULT 20,
			tax_amount     NUMERIC(12,2) NOT NULL DEFAULT 0,
			gross_amount   NUMERIC(12,2) NOT NULL DEFAULT 0,
			category       TEXT NOT NULL DEFAULT 'material',
			project_id     TEXT,
			document_url   TEXT,
			document_name  TEXT,
			notes          TEXT,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_supplier_invoices_user ON supplier_invoices(user_id);
	`)
	return err
}

// OpenOrdersForUser returns a tenant's not-yet-completed purchase orders
// in the matcher's row shape.
func (s *Store) OpenOrdersForUser(ctx context.Context, userID string) ([]match.OrderRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.order_number,
		       COALESCE(o.project_id, ''),
		       COALESCE(p.project_order_number, ''),
		       o.supplier_name, o.supplier_order_email, o.supplier_email
		FROM supplier_orders o
		LEFT JOIN projects p ON p.id::text = o.project_id AND p.user_id = o.user_id
		WHERE o.user_id = $1
		  AND o.status NOT IN ('completed', 'cancelled', 'invoiced')
		ORDER BY o.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []match.OrderRow
	for rows.Next() {
		var row match.OrderRow
		if err := rows.Scan(&row.OrderID, &row.OrderNumber, &row.ProjectID,
			&row.ProjectOrderNumber, &row.SupplierName,
			&row.SupplierOrderEmail, &row.SupplierEmail); err != nil {
			return nil, err
		}
		orders = append(orders, row)
	}
	return orders, rows.Err()
}

// GetSupplierOrder returns the status-guard slice of one order, or nil
// when the order does not exist for the tenant.
func (s *Store) GetSupplierOrder(ctx context.Context, userID, orderID string) (*SupplierOrder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, COALESCE(notes, '')
		FROM supplier_orders
		WHERE id = $1 AND user_id = $2
	`, orderID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var order SupplierOrder
	if err := rows.Scan(&order.ID, &order.Status, &order.Notes); err != nil {
		return nil, err
	}
	return &order, nil
}

// ABUpdate carries the order-confirmation write for an accepted AB.
type ABUpdate struct {
	UserID                string
	OrderID               string
	Status                string
	ABNumber              string
	ConfirmedDeliveryDate string
	DocumentURL           string
	DocumentName          string
	DocumentMimeType      string
	Notes                 string
}

// ApplyAB records the received order confirmation on the purchase order.
// Empty optional fields are written as NULL, matching the booking UI.
func (s *Store) ApplyAB(ctx context.Context, u ABUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE supplier_orders
		SET status = $1,
		    ab_number = NULLIF($2, ''),
		    ab_confirmed_delivery_date = NULLIF($3, '')::date,
		    ab_received_at = NOW(),
		    ab_document_url = NULLIF($4, ''),
		    ab_document_name = NULLIF($5, ''),
		    ab_document_mime_type = NULLIF($6, ''),
		    notes = NULLIF($7, ''),
		    updated_at = NOW()
		WHERE id = $8 AND user_id = $9
	`, u.Status, u.ABNumber, u.ConfirmedDeliveryDate, u.DocumentURL,
		u.DocumentName, u.DocumentMimeType, u.Notes, u.OrderID, u.UserID)
	return err
}

// DeliveryNote carries a delivery-note insert created from a confirmed
// inbound document.
type DeliveryNote struct {
	UserID             string
	SupplierName       string
	DeliveryNoteNumber string
	DeliveryDate       string
	ProjectID          string
	SupplierOrderID    *string
	DocumentURL        string
	Notes              string
	AIConfidence       float64
}

// CreateDeliveryNote inserts a matched delivery note and returns its id.
func (s *Store) CreateDeliveryNote(ctx context.Context, n DeliveryNote) (string, error) {
	now := time.Now().UTC()
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO delivery_notes
			(user_id, supplier_name, supplier_delivery_note_number, delivery_date,
			 received_date, status, ai_matched, ai_confidence,
			 matched_project_id, matched_by_user_id, matched_at,
			 supplier_order_id, document_url, notes)
		VALUES ($1, $2, $3, NULLIF($4, '')::date, $5, 'matched', TRUE, NULLIF($6, 0),
		        $7, $1, $5, $8, NULLIF($9, ''), NULLIF($10, ''))
		RETURNING id
	`, n.UserID, n.SupplierName, n.DeliveryNoteNumber, n.DeliveryDate, now,
		n.AIConfidence, n.ProjectID, n.SupplierOrderID, n.DocumentURL, n.Notes).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create delivery note: %w", err)
	}
	return id, nil
}

// LinkDeliveryNote attaches a delivery note to its purchase order and
// moves the order into the given status.
func (s *Store) LinkDeliveryNote(ctx context.Context, userID, orderID, deliveryNoteID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE supplier_orders
		SET supplier_delivery_note_id = $1,
		    status = $2,
		    updated_at = NOW()
		WHERE id = $3 AND user_id = $4
	`, deliveryNoteID, status, orderID, userID)
	return err
}

// SupplierInvoice carries a supplier-invoice insert created from a
// confirmed inbound document.
type SupplierInvoice struct {
	UserID        string
	SupplierName  string
	InvoiceNumber string
	InvoiceDate   string
	DueDate       string
	NetAmount     float64
	TaxRate       float64
	TaxAmount     float64
	GrossAmount   float64
	Category      string
	ProjectID     *string
	DocumentURL   string
	DocumentName  string
	Notes         string
}

// CreateSupplierInvoice inserts a supplier invoice and returns its id.
func (s *Store) CreateSupplierInvoice(ctx context.Context, inv SupplierInvoice) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO supplier_invoices
			(user_id, supplier_name, invoice_number, invoice_date, due_date,
			 net_amount, tax_rate, tax_amount, gross_amount, category,
			 project_id, document_url, document_name, notes)
		VALUES ($1, $2, $3, NULLIF($4, '')::date, NULLIF($5, '')::date,
		        $6, $7, $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''), NULLIF($14, ''))
		RETURNING id
	`, inv.UserID, inv.SupplierName, inv.InvoiceNumber, inv.InvoiceDate,
		inv.DueDate, inv.NetAmount, inv.TaxRate, inv.TaxAmount,
		inv.GrossAmount, inv.Category, inv.ProjectID, inv.DocumentURL,
		inv.DocumentName, inv.Notes).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create supplier invoice: %w", err)
	}
	return id, nil
}
