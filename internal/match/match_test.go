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

package match

import (
	"testing"

	"github.com/baucrm/inbound/internal/inbox"
	"github.com/baucrm/inbound/internal/signal"
)

func TestScoreOrderNumberAndDomain(t *testing.T) {
	in := Input{
		Signals: signal.Signals{
			Kind:         signal.KindInvoice,
			OrderNumbers: []string{"BST-L01"},
		},
		SenderEmail: "buchhaltung@stahlwerk.at",
		SearchText:  "rechnung zu ihrer bestellung",
	}
	orders := []OrderRow{
		{
			OrderID:            "ord-1",
			OrderNumber:        "BST-L01",
			SupplierName:       "Stahlwerk GmbH",
			SupplierOrderEmail: "bestellung@stahlwerk.at",
		},
		{
			OrderID:     "ord-2",
			OrderNumber: "BST-L02",
		},
	}

	ranked := Score(in, orders)
	if len(ranked) != 2 {
		t.Fatalf("candidates = %d, want 2", len(ranked))
	}
	if ranked[0].OrderID != "ord-1" {
		t.Errorf("top candidate = %s", ranked[0].OrderID)
	}
	if ranked[0].Score != 0.80 {
		t.Errorf("score = %v, want 0.80", ranked[0].Score)
	}
	if len(ranked[0].Reasons) != 2 {
		t.Errorf("reasons = %v, want 2 entries", ranked[0].Reasons)
	}
}

func TestScoreCaseInsensitiveSupplierName(t *testing.T) {
	in := Input{
		Signals:    signal.Signals{Kind: signal.KindInvoice},
		SearchText: "Lieferung von STAHLWERK gmbh am Montag",
	}
	ranked := Score(in, []OrderRow{{OrderID: "ord-1", SupplierName: "Stahlwerk GmbH"}})
	if len(ranked) != 1 || ranked[0].Score != 0.10 {
		t.Fatalf("ranked = %+v, want single 0.10 candidate", ranked)
	}
}

func TestScoreKindCorroboration(t *testing.T) {
	in := Input{
		Signals: signal.Signals{
			Kind:         signal.KindAB,
			OrderNumbers: []string{"BST-L01"},
			ABNumber:     "AB-2026-1",
		},
	}
	ranked := Score(in, []OrderRow{{OrderID: "ord-1", OrderNumber: "BST-L01"}})
	if len(ranked) != 1 {
		t.Fatal("expected one candidate")
	}
	if ranked[0].Score != 0.75 {
		t.Errorf("score = %v, want 0.70 + 0.05", ranked[0].Score)
	}
}

func TestScoreClampedAtOne(t *testing.T) {
	in := Input{
		Signals: signal.Signals{
			Kind:                signal.KindAB,
			OrderNumbers:        []string{"BST-L01"},
			ProjectOrderNumbers: []string{"BV-2026-001"},
			ABNumber:            "AB-1",
		},
		SenderEmail: "x@stahlwerk.at",
		SearchText:  "stahlwerk",
	}
	ranked := Score(in, []OrderRow{{
		OrderID:            "ord-1",
		OrderNumber:        "BST-L01",
		ProjectOrderNumber: "BV-2026-001",
		SupplierName:       "Stahlwerk",
		SupplierEmail:      "info@stahlwerk.at",
	}})
	if ranked[0].Score != 1 {
		t.Errorf("score = %v, want clamped to 1", ranked[0].Score)
	}
}

func TestScoreRetainsTopFive(t *testing.T) {
	in := Input{
		Signals:    signal.Signals{Kind: signal.KindInvoice},
		SearchText: "stahlwerk",
	}
	var orders []OrderRow
	for i := 0; i < 8; i++ {
		orders = append(orders, OrderRow{OrderID: "ord", SupplierName: "Stahlwerk"})
	}
	d := Decide(Score(in, orders), in.Signals, 0, 0)
	if len(d.Candidates) != 5 {
		t.Errorf("candidates = %d, want 5", len(d.Candidates))
	}
}

func TestDecideThresholds(t *testing.T) {
	order := "ord-1"
	tests := []struct {
		name       string
		score      float64
		kind       signal.Kind
		wantStatus inbox.Status
		wantAssign bool
	}{
		{"preassign above threshold", 0.95, signal.KindAB, inbox.StatusPreassigned, true},
		{"tentative assignment in review band", 0.7, signal.KindAB, inbox.StatusNeedsReview, true},
		{"no assignment below review floor", 0.3, signal.KindAB, inbox.StatusNeedsReview, false},
		{"unknown kind never preassigns", 0.95, signal.KindUnknown, inbox.StatusNeedsReview, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranked := []Candidate{{OrderID: order, Score: tt.score}}
			d := Decide(ranked, signal.Signals{Kind: tt.kind}, 0, 0)
			if d.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", d.Status, tt.wantStatus)
			}
			assigned := d.AssignedSupplierOrderID != nil
			if assigned != tt.wantAssign {
				t.Errorf("assigned = %v, want %v", assigned, tt.wantAssign)
			}
			if d.Confidence != tt.score {
				t.Errorf("confidence = %v, want %v", d.Confidence, tt.score)
			}
		})
	}
}

func TestDecideNoCandidates(t *testing.T) {
	d := Decide(nil, signal.Signals{Kind: signal.KindAB, Confidence: 0.65}, 0, 0)
	if d.Status != inbox.StatusNeedsReview {
		t.Errorf("status = %s", d.Status)
	}
	if d.AssignedSupplierOrderID != nil || d.AssignedProjectID != nil {
		t.Errorf("unexpected assignment without candidates")
	}
	if d.Confidence != 0.65 {
		t.Errorf("confidence = %v, want classifier fallback 0.65", d.Confidence)
	}
}

func TestDecideZeroScoreFallsBackToClassifierConfidence(t *testing.T) {
	ranked := []Candidate{{OrderID: "ord-1", Score: 0}}
	d := Decide(ranked, signal.Signals{Kind: signal.KindAB, Confidence: 0.4}, 0, 0)
	if d.Confidence != 0.4 {
		t.Errorf("confidence = %v, want 0.4", d.Confidence)
	}
	if d.AssignedSupplierOrderID != nil {
		t.Errorf("zero-score candidate must not be assigned")
	}
}
