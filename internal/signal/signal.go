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

// Package signal defines the structured facts extracted from an inbound
// document (kind, identifiers, dates, amounts) together with the heuristic
// classifier and the merge rule that combines heuristic and AI results.
package signal

import "encoding/json"

// Kind classifies an inbound supplier document.
type Kind string

const (
	KindAB           Kind = "ab"
	KindDeliveryNote Kind = "supplier_delivery_note"
	KindInvoice      Kind = "supplier_invoice"
	KindUnknown      Kind = "unknown"
)

// ParseKind maps arbitrary input to a valid Kind, defaulting to unknown.
// This is the only place kind strings are validated; everything else
// passes the closed type around.
func ParseKind(raw string) Kind {
	switch Kind(raw) {
	case KindAB, KindDeliveryNote, KindInvoice, KindUnknown:
		return Kind(raw)
	}
	return KindUnknown
}

// Concrete reports whether the kind names an actual document type.
func (k Kind) Concrete() bool {
	return k == KindAB || k == KindDeliveryNote || k == KindInvoice
}

// Source records which extraction path produced a signal set.
type Source string

const (
	SourceHeuristic Source = "heuristic"
	SourceAI        Source = "ai"
	SourceHybrid    Source = "hybrid"
)

// Signals is the value object holding everything extracted from one
// document. Empty strings and nil pointers mean "absent"; dates are ISO
// YYYY-MM-DD strings because that is the only format either extractor emits.
type Signals struct {
	Kind                  Kind     `json:"kind"`
	Confidence            float64  `json:"confidence"`
	OrderNumbers          []string `json:"orderNumbers"`
	ProjectOrderNumbers   []string `json:"projectOrderNumbers"`
	ABNumber              string   `json:"abNumber,omitempty"`
	DeliveryNoteNumber    string   `json:"deliveryNoteNumber,omitempty"`
	InvoiceNumber         string   `json:"invoiceNumber,omitempty"`
	SupplierName          string   `json:"supplierName,omitempty"`
	ConfirmedDeliveryDate string   `json:"confirmedDeliveryDate,omitempty"`
	DeliveryDate          string   `json:"deliveryDate,omitempty"`
	InvoiceDate           string   `json:"invoiceDate,omitempty"`
	DueDate               string   `json:"dueDate,omitempty"`
	DeliveryWeek          string   `json:"deliveryWeek,omitempty"`
	NetAmount             *float64 `json:"netAmount,omitempty"`
	TaxRate               *float64 `json:"taxRate,omitempty"`
	Category              string   `json:"category,omitempty"`
	Warnings              []string `json:"warnings"`
	Source                Source   `json:"source"`

	// Raw keeps the unprocessed extractor output for audit. After a merge it
	// holds both inputs.
	Raw json.RawMessage `json:"raw,omitempty"`
}
