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

package confirm

import (
	"context"
	"errors"
	"testing"

	"github.com/baucrm/inbound/internal/inbox"
	"github.com/baucrm/inbound/internal/orders"
	"github.com/baucrm/inbound/internal/signal"
)

type fakeRepo struct {
	item      *inbox.Item
	confirmed *inbox.ConfirmationUpdate
	rejected  string
	events    []inbox.Event
}

func (r *fakeRepo) GetForUser(ctx context.Context, userID, itemID string) (*inbox.Item, error) {
	if r.item != nil && r.item.ID == itemID && r.item.UserID == userID {
		return r.item, nil
	}
	return nil, nil
}

func (r *fakeRepo) MarkConfirmed(ctx context.Context, u inbox.ConfirmationUpdate) error {
	r.confirmed = &u
	return nil
}

func (r *fakeRepo) MarkRejected(ctx context.Context, userID, itemID, reason string) error {
	r.rejected = reason
	return nil
}

func (r *fakeRepo) AppendEvent(ctx context.Context, e inbox.Event) error {
	r.events = append(r.events, e)
	return nil
}

type fakeOrders struct {
	order          *orders.SupplierOrder
	abUpdate       *orders.ABUpdate
	deliveryNote   *orders.DeliveryNote
	linkedOrderID  string
	linkedNoteID   string
	linkedStatus   string
	invoice        *orders.SupplierInvoice
	deliveryNoteID string
	invoiceID      string
}

func (o *fakeOrders) GetSupplierOrder(ctx context.Context, userID, orderID string) (*orders.SupplierOrder, error) {
	if o.order != nil && o.order.ID == orderID {
		return o.order, nil
	}
	return nil, nil
}

func (o *fakeOrders) ApplyAB(ctx context.Context, u orders.ABUpdate) error {
	o.abUpdate = &u
	return nil
}

func (o *fakeOrders) CreateDeliveryNote(ctx context.Context, n orders.DeliveryNote) (string, error) {
	o.deliveryNote = &n
	return o.deliveryNoteID, nil
}

func (o *fakeOrders) LinkDeliveryNote(ctx context.Context, userID, orderID, deliveryNoteID, status string) error {
	o.linkedOrderID = orderID
	o.linkedNoteID = deliveryNoteID
	o.linkedStatus = status
	return nil
}

func (o *fakeOrders) CreateSupplierInvoice(ctx context.Context, inv orders.SupplierInvoice) (string, error) {
	o.invoice = &inv
	return o.invoiceID, nil
}

func reviewItem(kind signal.Kind, payload string) *inbox.Item {
	return &inbox.Item{
		ID:               "item-1",
		UserID:           "user-1",
		FromName:         "Stahlwerk GmbH",
		FromEmail:        "office@stahlwerk.at",
		FileName:         "dokument.pdf",
		MimeType:         "application/pdf",
		StoragePath:      "inbound/user-1/2026/03/msg/att.pdf",
		DocumentKind:     kind,
		ProcessingStatus: inbox.StatusNeedsReview,
		ExtractedPayload: []byte(payload),
	}
}

func TestConfirmABUpdatesOrder(t *testing.T) {
	item := reviewItem(signal.KindAB,
		`{"signals":{"kind":"ab","abNumber":"AB-2026-5541","confirmedDeliveryDate":"2026-03-01"}}`)
	orderID := "ord-1"
	item.AssignedSupplierOrderID = &orderID

	repo := &fakeRepo{item: item}
	ord := &fakeOrders{order: &orders.SupplierOrder{ID: orderID, Status: "ordered", Notes: "telefonisch avisiert"}}

	outcome, err := NewExecutor(repo, ord).Confirm(context.Background(), "user-1", "item-1",
		Request{Notes: "per E-Mail bestätigt"})
	if err != nil {
		t.Fatal(err)
	}

	if outcome.SupplierOrderID != orderID {
		t.Errorf("outcome order = %s", outcome.SupplierOrderID)
	}
	if ord.abUpdate == nil {
		t.Fatal("ApplyAB not called")
	}
	if ord.abUpdate.Status != "ab_received" {
		t.Errorf("status = %s, want ab_received", ord.abUpdate.Status)
	}
	if ord.abUpdate.ABNumber != "AB-2026-5541" {
		t.Errorf("abNumber = %s, want signal fallback", ord.abUpdate.ABNumber)
	}
	if ord.abUpdate.ConfirmedDeliveryDate != "2026-03-01" {
		t.Errorf("confirmedDeliveryDate = %s", ord.abUpdate.ConfirmedDeliveryDate)
	}
	if ord.abUpdate.Notes != "telefonisch avisiert\nper E-Mail bestätigt" {
		t.Errorf("notes = %q, want appended", ord.abUpdate.Notes)
	}
	if repo.confirmed == nil || repo.confirmed.Kind != signal.KindAB {
		t.Errorf("row not marked confirmed: %+v", repo.confirmed)
	}
	if len(repo.events) != 1 || repo.events[0].EventType != "confirmed" {
		t.Errorf("events = %+v", repo.events)
	}
}

func TestConfirmABIgnoresWhitespaceNotes(t *testing.T) {
	item := reviewItem(signal.KindAB, `{"signals":{"kind":"ab"}}`)
	orderID := "ord-1"
	item.AssignedSupplierOrderID = &orderID

	repo := &fakeRepo{item: item}
	ord := &fakeOrders{order: &orders.SupplierOrder{ID: orderID, Status: "ordered", Notes: "telefonisch avisiert"}}

	if _, err := NewExecutor(repo, ord).Confirm(context.Background(), "user-1", "item-1",
		Request{Notes: "   "}); err != nil {
		t.Fatal(err)
	}

	if ord.abUpdate == nil {
		t.Fatal("ApplyAB not called")
	}
	if ord.abUpdate.Notes != "telefonisch avisiert" {
		t.Errorf("notes = %q, want existing notes unchanged", ord.abUpdate.Notes)
	}
}

func TestConfirmABKeepsAdvancedStatus(t *testing.T) {
	item := reviewItem(signal.KindAB, `{}`)
	repo := &fakeRepo{item: item}
	ord := &fakeOrders{order: &orders.SupplierOrder{ID: "ord-1", Status: "goods_receipt_booked"}}

	_, err := NewExecutor(repo, ord).Confirm(context.Background(), "user-1", "item-1",
		Request{SupplierOrderID: "ord-1"})
	if err != nil {
		t.Fatal(err)
	}
	if ord.abUpdate.Status != "goods_receipt_booked" {
		t.Errorf("status = %s, advanced status must not regress", ord.abUpdate.Status)
	}
}

func TestConfirmABWithoutTargetOrder(t *testing.T) {
	repo := &fakeRepo{item: reviewItem(signal.KindAB, `{}`)}
	_, err := NewExecutor(repo, &fakeOrders{}).Confirm(context.Background(), "user-1", "item-1", Request{})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if repo.confirmed != nil {
		t.Errorf("row must stay unconfirmed on validation error")
	}
}

func TestConfirmABOrderNotFound(t *testing.T) {
	repo := &fakeRepo{item: reviewItem(signal.KindAB, `{}`)}
	_, err := NewExecutor(repo, &fakeOrders{}).Confirm(context.Background(), "user-1", "item-1",
		Request{SupplierOrderID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConfirmDeliveryNoteCreatesAndLinks(t *testing.T) {
	item := reviewItem(signal.KindDeliveryNote,
		`{"signals":{"kind":"supplier_delivery_note","deliveryNoteNumber":"LS-881","deliveryDate":"2026-02-14","supplierName":"Stahlwerk GmbH"}}`)
	projectID := "proj-1"
	orderID := "ord-1"
	item.AssignedProjectID = &projectID
	item.AssignedSupplierOrderID = &orderID
	item.AssignmentConfidence = 0.92

	repo := &fakeRepo{item: item}
	ord := &fakeOrders{
		order:          &orders.SupplierOrder{ID: orderID, Status: "ab_received"},
		deliveryNoteID: "dn-1",
	}

	outcome, err := NewExecutor(repo, ord).Confirm(context.Background(), "user-1", "item-1", Request{})
	if err != nil {
		t.Fatal(err)
	}

	if outcome.DeliveryNoteID != "dn-1" {
		t.Errorf("deliveryNoteId = %s", outcome.DeliveryNoteID)
	}
	n := ord.deliveryNote
	if n == nil {
		t.Fatal("CreateDeliveryNote not called")
	}
	if n.DeliveryNoteNumber != "LS-881" || n.DeliveryDate != "2026-02-14" {
		t.Errorf("note fields = %q %q, want signal fallbacks", n.DeliveryNoteNumber, n.DeliveryDate)
	}
	if n.AIConfidence != 0.92 {
		t.Errorf("aiConfidence = %v", n.AIConfidence)
	}
	if ord.linkedOrderID != orderID || ord.linkedNoteID != "dn-1" {
		t.Errorf("order link = %s/%s", ord.linkedOrderID, ord.linkedNoteID)
	}
	if ord.linkedStatus != "delivery_note_received" {
		t.Errorf("linked status = %s", ord.linkedStatus)
	}
}

func TestConfirmDeliveryNoteRequiresProject(t *testing.T) {
	repo := &fakeRepo{item: reviewItem(signal.KindDeliveryNote, `{}`)}
	_, err := NewExecutor(repo, &fakeOrders{}).Confirm(context.Background(), "user-1", "item-1", Request{})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestConfirmDeliveryNoteWithoutOrderSkipsLink(t *testing.T) {
	item := reviewItem(signal.KindDeliveryNote, `{}`)
	repo := &fakeRepo{item: item}
	ord := &fakeOrders{deliveryNoteID: "dn-1"}

	outcome, err := NewExecutor(repo, ord).Confirm(context.Background(), "user-1", "item-1",
		Request{ProjectID: "proj-1"})
	if err != nil {
		t.Fatal(err)
	}
	if ord.linkedOrderID != "" {
		t.Errorf("no order link expected")
	}
	// Supplier name and note number fall back to the sender and a
	// generated LS number.
	if ord.deliveryNote.SupplierName != "Stahlwerk GmbH" {
		t.Errorf("supplierName = %s", ord.deliveryNote.SupplierName)
	}
	if ord.deliveryNote.DeliveryNoteNumber == "" {
		t.Errorf("generated note number missing")
	}
	if outcome.ProjectID != "proj-1" {
		t.Errorf("projectId = %s", outcome.ProjectID)
	}
}

func TestConfirmInvoiceComputesTax(t *testing.T) {
	item := reviewItem(signal.KindInvoice,
		`{"signals":{"kind":"supplier_invoice","invoiceNumber":"RE-2026-44","invoiceDate":"2026-02-20","netAmount":980.55}}`)
	repo := &fakeRepo{item: item}
	ord := &fakeOrders{invoiceID: "inv-1"}

	outcome, err := NewExecutor(repo, ord).Confirm(context.Background(), "user-1", "item-1", Request{})
	if err != nil {
		t.Fatal(err)
	}

	if outcome.SupplierInvoiceID != "inv-1" {
		t.Errorf("invoiceId = %s", outcome.SupplierInvoiceID)
	}
	inv := ord.invoice
	if inv == nil {
		t.Fatal("CreateSupplierInvoice not called")
	}
	if inv.NetAmount != 980.55 || inv.TaxRate != 20 {
		t.Errorf("amounts = %v / %v", inv.NetAmount, inv.TaxRate)
	}
	if inv.TaxAmount != 196.11 {
		t.Errorf("taxAmount = %v, want 196.11", inv.TaxAmount)
	}
	if inv.GrossAmount != 1176.66 {
		t.Errorf("grossAmount = %v, want 1176.66", inv.GrossAmount)
	}
	if inv.Category != "material" {
		t.Errorf("category = %s, want default", inv.Category)
	}
}

func TestConfirmInvoiceRejectsZeroAmount(t *testing.T) {
	item := reviewItem(signal.KindInvoice,
		`{"signals":{"kind":"supplier_invoice","invoiceNumber":"RE-1"}}`)
	repo := &fakeRepo{item: item}

	zero := 0.0
	_, err := NewExecutor(repo, &fakeOrders{}).Confirm(context.Background(), "user-1", "item-1",
		Request{NetAmount: &zero})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if repo.confirmed != nil {
		t.Errorf("row status must stay unchanged")
	}
}

func TestConfirmInvoiceRequiresNumber(t *testing.T) {
	repo := &fakeRepo{item: reviewItem(signal.KindInvoice, `{}`)}
	net := 100.0
	_, err := NewExecutor(repo, &fakeOrders{}).Confirm(context.Background(), "user-1", "item-1",
		Request{NetAmount: &net})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestConfirmUnknownKindFails(t *testing.T) {
	repo := &fakeRepo{item: reviewItem(signal.KindUnknown, `{}`)}
	_, err := NewExecutor(repo, &fakeOrders{}).Confirm(context.Background(), "user-1", "item-1", Request{})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestConfirmKindOverride(t *testing.T) {
	item := reviewItem(signal.KindUnknown, `{}`)
	repo := &fakeRepo{item: item}
	ord := &fakeOrders{invoiceID: "inv-1"}

	net := 500.0
	outcome, err := NewExecutor(repo, ord).Confirm(context.Background(), "user-1", "item-1", Request{
		Kind:          "supplier_invoice",
		InvoiceNumber: "RE-9",
		NetAmount:     &net,
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != signal.KindInvoice {
		t.Errorf("kind = %s, want override", outcome.Kind)
	}
}

func TestConfirmTerminalStatusRejected(t *testing.T) {
	item := reviewItem(signal.KindAB, `{}`)
	item.ProcessingStatus = inbox.StatusConfirmed
	repo := &fakeRepo{item: item}

	_, err := NewExecutor(repo, &fakeOrders{}).Confirm(context.Background(), "user-1", "item-1", Request{})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation for terminal status", err)
	}
}

func TestConfirmMissingItem(t *testing.T) {
	_, err := NewExecutor(&fakeRepo{}, &fakeOrders{}).Confirm(context.Background(), "user-1", "nope", Request{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReject(t *testing.T) {
	item := reviewItem(signal.KindAB, `{}`)
	repo := &fakeRepo{item: item}

	if err := NewExecutor(repo, &fakeOrders{}).Reject(context.Background(), "user-1", "item-1", "Spam"); err != nil {
		t.Fatal(err)
	}
	if repo.rejected != "Spam" {
		t.Errorf("reason = %q", repo.rejected)
	}
	if len(repo.events) != 1 || repo.events[0].EventType != "rejected" {
		t.Errorf("events = %+v", repo.events)
	}
}
