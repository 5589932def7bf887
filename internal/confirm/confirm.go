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

// Package confirm executes the operator's booking decision for one inbox
// item: updating the purchase order for an AB, creating a delivery note,
// or creating a supplier invoice. Every field the operator leaves blank
// falls back to the signals extracted during classification.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/baucrm/inbound/internal/inbox"
	"github.com/baucrm/inbound/internal/orders"
	"github.com/baucrm/inbound/internal/signal"
)

// Sentinel errors the API layer maps onto HTTP status codes.
var (
	ErrValidation = errors.New("validation")
	ErrNotFound   = errors.New("not found")
)

var isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Repository is the inbox surface the executor needs.
type Repository interface {
	GetForUser(ctx context.Context, userID, itemID string) (*inbox.Item, error)
	MarkConfirmed(ctx context.Context, u inbox.ConfirmationUpdate) error
	MarkRejected(ctx context.Context, userID, itemID, reason string) error
	AppendEvent(ctx context.Context, e inbox.Event) error
}

// Orders is the purchasing surface the booking paths write through.
type Orders interface {
	GetSupplierOrder(ctx context.Context, userID, orderID string) (*orders.SupplierOrder, error)
	ApplyAB(ctx context.Context, u orders.ABUpdate) error
	CreateDeliveryNote(ctx context.Context, n orders.DeliveryNote) (string, error)
	LinkDeliveryNote(ctx context.Context, userID, orderID, deliveryNoteID, status string) error
	CreateSupplierInvoice(ctx context.Context, inv orders.SupplierInvoice) (string, error)
}

// Request is the operator's confirm body. Every field is optional; blank
// fields fall back to the extracted signals.
type Request struct {
	Kind                  string   `json:"kind,omitempty"`
	SupplierOrderID       string   `json:"supplierOrderId,omitempty"`
	ProjectID             string   `json:"projectId,omitempty"`
	ABNumber              string   `json:"abNumber,omitempty"`
	ConfirmedDeliveryDate string   `json:"confirmedDeliveryDate,omitempty"`
	SupplierName          string   `json:"supplierName,omitempty"`
	DeliveryNoteNumber    string   `json:"deliveryNoteNumber,omitempty"`
	DeliveryDate          string   `json:"deliveryDate,omitempty"`
	InvoiceNumber         string   `json:"invoiceNumber,omitempty"`
	InvoiceDate           string   `json:"invoiceDate,omitempty"`
	DueDate               string   `json:"dueDate,omitempty"`
	NetAmount             *float64 `json:"netAmount,omitempty"`
	TaxRate               *float64 `json:"taxRate,omitempty"`
	Category              string   `json:"category,omitempty"`
	Notes                 string   `json:"notes,omitempty"`
}

// Outcome reports what a confirmation created or updated.
type Outcome struct {
	Kind              signal.Kind `json:"kind"`
	SupplierOrderID   string      `json:"supplierOrderId,omitempty"`
	ProjectID         string      `json:"projectId,omitempty"`
	DeliveryNoteID    string      `json:"deliveryNoteId,omitempty"`
	SupplierInvoiceID string      `json:"supplierInvoiceId,omitempty"`
}

// Executor performs confirmation and rejection actions.
type Executor struct {
	repo   Repository
	orders Orders
}

// NewExecutor creates a confirmation executor.
func NewExecutor(repo Repository, orders Orders) *Executor {
	return &Executor{repo: repo, orders: orders}
}

// Confirm books one inbox item according to its (possibly overridden)
// document kind and moves it to the terminal confirmed status.
func (e *Executor) Confirm(ctx context.Context, userID, itemID string, req Request) (*Outcome, error) {
	item, err := e.repo.GetForUser(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: Posteingangseintrag existiert nicht", ErrNotFound)
	}
	if !item.ProcessingStatus.Confirmable() {
		return nil, fmt.Errorf("%w: Eintrag hat Status %q und kann nicht bestätigt werden",
			ErrValidation, item.ProcessingStatus)
	}

	parsed := parseSignals(item)
	kind := resolveKind(item, req.Kind, parsed)

	var outcome *Outcome
	switch kind {
	case signal.KindAB:
		outcome, err = e.confirmAB(ctx, userID, item, req, parsed)
	case signal.KindDeliveryNote:
		outcome, err = e.confirmDeliveryNote(ctx, userID, item, req, parsed)
	case signal.KindInvoice:
		outcome, err = e.confirmInvoice(ctx, userID, item, req, parsed)
	default:
		return nil, fmt.Errorf("%w: Dokumenttyp ist unbekannt und kann nicht bestätigt werden", ErrValidation)
	}
	if err != nil {
		return nil, err
	}

	if err := e.repo.MarkConfirmed(ctx, inbox.ConfirmationUpdate{
		ItemID:          itemID,
		UserID:          userID,
		Kind:            kind,
		SupplierOrderID: nonEmptyPtr(outcome.SupplierOrderID),
		ProjectID:       nonEmptyPtr(outcome.ProjectID),
	}); err != nil {
		return nil, err
	}
	e.appendTransitionEvent(ctx, item, "confirmed", inbox.StatusConfirmed, outcome)
	return outcome, nil
}

// Reject moves an item to the terminal rejected status without any
// booking writes.
func (e *Executor) Reject(ctx context.Context, userID, itemID, reason string) error {
	item, err := e.repo.GetForUser(ctx, userID, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("%w: Posteingangseintrag existiert nicht", ErrNotFound)
	}
	if !item.ProcessingStatus.Confirmable() {
		return fmt.Errorf("%w: Eintrag hat Status %q und kann nicht abgelehnt werden",
			ErrValidation, item.ProcessingStatus)
	}

	if err := e.repo.MarkRejected(ctx, userID, itemID, reason); err != nil {
		return err
	}
	e.appendTransitionEvent(ctx, item, "rejected", inbox.StatusRejected,
		map[string]string{"reason": reason})
	return nil
}

func (e *Executor) confirmAB(ctx context.Context, userID string, item *inbox.Item, req Request, parsed signal.Signals) (*Outcome, error) {
	orderID := firstOf(req.SupplierOrderID, deref(item.AssignedSupplierOrderID))
	if orderID == "" {
		return nil, fmt.Errorf("%w: Für AB-Bestätigung ist eine Ziel-Bestellung erforderlich", ErrValidation)
	}

	order, err := e.orders.GetSupplierOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: Ziel-Bestellung nicht gefunden", ErrNotFound)
	}

	// An order already past AB receipt keeps its status; everything
	// earlier moves to ab_received.
	nextStatus := "ab_received"
	if orders.IsAdvancedStatus(order.Status) {
		nextStatus = order.Status
	}

	if err := e.orders.ApplyAB(ctx, orders.ABUpdate{
		UserID:                userID,
		OrderID:               orderID,
		Status:                nextStatus,
		ABNumber:              firstOf(req.ABNumber, parsed.ABNumber),
		ConfirmedDeliveryDate: firstOf(isoDate(req.ConfirmedDeliveryDate), parsed.ConfirmedDeliveryDate),
		DocumentURL:           item.StoragePath,
		DocumentName:          item.FileName,
		DocumentMimeType:      item.MimeType,
		Notes:                 mergeNotes(order.Notes, req.Notes),
	}); err != nil {
		return nil, err
	}

	return &Outcome{
		Kind:            signal.KindAB,
		SupplierOrderID: orderID,
		ProjectID:       deref(item.AssignedProjectID),
	}, nil
}

func (e *Executor) confirmDeliveryNote(ctx context.Context, userID string, item *inbox.Item, req Request, parsed signal.Signals) (*Outcome, error) {
	projectID := firstOf(req.ProjectID, deref(item.AssignedProjectID))
	if projectID == "" {
		return nil, fmt.Errorf("%w: Für Lieferscheine ist eine Projektzuordnung erforderlich", ErrValidation)
	}

	supplierOrderID := firstOf(req.SupplierOrderID, deref(item.AssignedSupplierOrderID))

	noteID, err := e.orders.CreateDeliveryNote(ctx, orders.DeliveryNote{
		UserID:       userID,
		SupplierName: firstOf(req.SupplierName, parsed.SupplierName, item.FromName, item.FromEmail, "Unbekannt"),
		DeliveryNoteNumber: firstOf(req.DeliveryNoteNumber, parsed.DeliveryNoteNumber,
			fmt.Sprintf("LS-%d", time.Now().UnixMilli())),
		DeliveryDate:    firstOf(isoDate(req.DeliveryDate), parsed.DeliveryDate, today()),
		ProjectID:       projectID,
		SupplierOrderID: nonEmptyPtr(supplierOrderID),
		DocumentURL:     item.StoragePath,
		Notes:           req.Notes,
		AIConfidence:    item.AssignmentConfidence,
	})
	if err != nil {
		return nil, err
	}

	if supplierOrderID != "" {
		order, err := e.orders.GetSupplierOrder(ctx, userID, supplierOrderID)
		if err != nil {
			return nil, err
		}
		status := "delivery_note_received"
		if order != nil && orders.IsAdvancedStatus(order.Status) {
			status = order.Status
		}
		if err := e.orders.LinkDeliveryNote(ctx, userID, supplierOrderID, noteID, status); err != nil {
			return nil, err
		}
	}

	return &Outcome{
		Kind:            signal.KindDeliveryNote,
		SupplierOrderID: supplierOrderID,
		ProjectID:       projectID,
		DeliveryNoteID:  noteID,
	}, nil
}

func (e *Executor) confirmInvoice(ctx context.Context, userID string, item *inbox.Item, req Request, parsed signal.Signals) (*Outcome, error) {
	invoiceNumber := firstOf(req.InvoiceNumber, parsed.InvoiceNumber)
	if invoiceNumber == "" {
		return nil, fmt.Errorf("%w: Rechnungsnummer fehlt für Eingangsrechnungs-Buchung", ErrValidation)
	}

	netAmount := amountOf(req.NetAmount, parsed.NetAmount, 0)
	if netAmount <= 0 {
		return nil, fmt.Errorf("%w: Netto-Betrag muss größer als 0 sein", ErrValidation)
	}
	taxRate := amountOf(req.TaxRate, parsed.TaxRate, 20)
	taxAmount := round2(netAmount * taxRate / 100)
	grossAmount := round2(netAmount + taxAmount)

	projectID := firstOf(req.ProjectID, deref(item.AssignedProjectID))

	invoiceID, err := e.orders.CreateSupplierInvoice(ctx, orders.SupplierInvoice{
		UserID:        userID,
		SupplierName:  firstOf(req.SupplierName, parsed.SupplierName, item.FromName, item.FromEmail, "Unbekannt"),
		InvoiceNumber: invoiceNumber,
		InvoiceDate:   firstOf(isoDate(req.InvoiceDate), parsed.InvoiceDate, today()),
		DueDate:       firstOf(isoDate(req.DueDate), parsed.DueDate),
		NetAmount:     netAmount,
		TaxRate:       taxRate,
		TaxAmount:     taxAmount,
		GrossAmount:   grossAmount,
		Category:      firstOf(req.Category, parsed.Category, "material"),
		ProjectID:     nonEmptyPtr(projectID),
		DocumentURL:   item.StoragePath,
		DocumentName:  item.FileName,
		Notes:         req.Notes,
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Kind:              signal.KindInvoice,
		ProjectID:         projectID,
		SupplierInvoiceID: invoiceID,
	}, nil
}

// parseSignals recovers the merged signals stored on the row during
// classification. A missing or corrupt payload yields empty signals; the
// operator can still confirm with explicit values.
func parseSignals(item *inbox.Item) signal.Signals {
	var envelope struct {
		Signals signal.Signals `json:"signals"`
	}
	if len(item.ExtractedPayload) > 0 {
		_ = json.Unmarshal(item.ExtractedPayload, &envelope)
	}

	s := envelope.Signals
	s.Kind = signal.ParseKind(string(s.Kind))
	s.ConfirmedDeliveryDate = isoDate(s.ConfirmedDeliveryDate)
	s.DeliveryDate = isoDate(s.DeliveryDate)
	s.InvoiceDate = isoDate(s.InvoiceDate)
	s.DueDate = isoDate(s.DueDate)
	return s
}

// resolveKind picks the effective kind: operator override first, the
// row's classified kind second, the parsed signal kind last.
func resolveKind(item *inbox.Item, override string, parsed signal.Signals) signal.Kind {
	if k := signal.Kind(override); k.Concrete() {
		return k
	}
	if item.DocumentKind.Concrete() {
		return item.DocumentKind
	}
	return parsed.Kind
}

func (e *Executor) appendTransitionEvent(ctx context.Context, item *inbox.Item, eventType string, to inbox.Status, payload any) {
	from := item.ProcessingStatus
	payloadJSON, _ := json.Marshal(payload)
	if err := e.repo.AppendEvent(ctx, inbox.Event{
		InboxItemID: item.ID,
		UserID:      item.UserID,
		EventType:   eventType,
		FromStatus:  &from,
		ToStatus:    &to,
		Payload:     payloadJSON,
	}); err != nil {
		// The booking already happened; a lost audit event is not worth
		// surfacing to the operator.
		slog.Warn("could not append audit event",
			"item_id", item.ID,
			"event_type", eventType,
			"error", err,
		)
	}
}

func isoDate(value string) string {
	if isoDatePattern.MatchString(value) {
		return value
	}
	return ""
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// amountOf mirrors the falsy-chain semantics of the confirm body: an
// explicit non-zero request value wins, then the parsed signal, then the
// fallback.
func amountOf(request, parsed *float64, fallback float64) float64 {
	if request != nil && isUsable(*request) {
		return *request
	}
	if parsed != nil && isUsable(*parsed) {
		return *parsed
	}
	return fallback
}

func isUsable(v float64) bool {
	return v != 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func mergeNotes(existing, added string) string {
	existing = strings.TrimSpace(existing)
	added = strings.TrimSpace(added)
	switch {
	case existing == "":
		return added
	case added == "":
		return existing
	default:
		return existing + "\n" + added
	}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func nonEmptyPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
