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

// Package match scores a document's extracted signals against a tenant's
// open purchase orders and decides whether the document can be routed
// automatically or needs operator review.
package match

import (
	"math"
	"sort"
	"strings"

	"github.com/baucrm/inbound/internal/encoding"
	"github.com/baucrm/inbound/internal/inbox"
	"github.com/baucrm/inbound/internal/signal"
)

// Additive score bonuses, each applied at most once per candidate.
const (
	bonusOrderNumber        = 0.70
	bonusProjectOrderNumber = 0.30
	bonusSenderDomain       = 0.10
	bonusSupplierName       = 0.10
	bonusKindCorroboration  = 0.05
)

// Thresholds for the assignment decision. DefaultPreassignThreshold is
// the score above which a document routes without review.
const (
	DefaultPreassignThreshold = 0.9
	DefaultReviewThreshold    = 0.6
)

// OrderRow is the candidate-matching view of an open purchase order.
type OrderRow struct {
	OrderID            string
	OrderNumber        string
	ProjectID          string
	ProjectOrderNumber string
	SupplierName       string
	SupplierOrderEmail string
	SupplierEmail      string
}

// Candidate is one scored purchase order with the reasons that
// contributed to its score, kept for operator transparency.
type Candidate struct {
	OrderID            string   `json:"orderId"`
	OrderNumber        string   `json:"orderNumber"`
	ProjectID          string   `json:"projectId,omitempty"`
	ProjectOrderNumber string   `json:"projectOrderNumber,omitempty"`
	SupplierName       string   `json:"supplierName,omitempty"`
	Score              float64  `json:"score"`
	Reasons            []string `json:"reasons"`
}

// Input bundles everything the scorer looks at for one document.
type Input struct {
	Signals     signal.Signals
	SenderEmail string
	// SearchText is the concatenated subject and body, used for
	// supplier-name substring matching.
	SearchText string
}

// Score ranks the open orders against the document, highest score first.
func Score(in Input, orders []OrderRow) []Candidate {
	searchText := strings.ToLower(in.SearchText)
	senderDomain := encoding.EmailDomain(in.SenderEmail)

	orderNumbers := lowerSet(in.Signals.OrderNumbers)
	projectNumbers := lowerSet(in.Signals.ProjectOrderNumbers)

	candidates := make([]Candidate, 0, len(orders))
	for _, order := range orders {
		score := 0.0
		var reasons []string

		if order.OrderNumber != "" && orderNumbers[strings.ToLower(order.OrderNumber)] {
			score += bonusOrderNumber
			reasons = append(reasons, "Bestellnummer passt exakt")
		}
		if order.ProjectOrderNumber != "" && projectNumbers[strings.ToLower(order.ProjectOrderNumber)] {
			score += bonusProjectOrderNumber
			reasons = append(reasons, "Auftragsnummer passt exakt")
		}
		if senderDomain != "" && domainMatches(senderDomain, order.SupplierOrderEmail, order.SupplierEmail) {
			score += bonusSenderDomain
			reasons = append(reasons, "Absender-Domain passt zum Lieferanten")
		}
		if order.SupplierName != "" && strings.Contains(searchText, strings.ToLower(order.SupplierName)) {
			score += bonusSupplierName
			reasons = append(reasons, "Lieferantenname im Dokument gefunden")
		}
		if reason, ok := kindCorroboration(in.Signals); ok {
			score += bonusKindCorroboration
			reasons = append(reasons, reason)
		}

		candidates = append(candidates, Candidate{
			OrderID:            order.OrderID,
			OrderNumber:        order.OrderNumber,
			ProjectID:          order.ProjectID,
			ProjectOrderNumber: order.ProjectOrderNumber,
			SupplierName:       order.SupplierName,
			Score:              round4(clamp01(score)),
			Reasons:            reasons,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}

// Decision is the outcome of the assignment decision engine.
type Decision struct {
	Status                  inbox.Status
	Confidence              float64
	AssignedSupplierOrderID *string
	AssignedProjectID       *string
	// Candidates holds at most the five best-scoring orders.
	Candidates []Candidate
}

// Decide applies the two-threshold rules to the ranked candidate list.
// An unknown document kind always forces needs_review, though a strong
// candidate is still assigned as a suggestion for the operator.
func Decide(ranked []Candidate, signals signal.Signals, preassignThreshold, reviewThreshold float64) Decision {
	if preassignThreshold <= 0 {
		preassignThreshold = DefaultPreassignThreshold
	}
	if reviewThreshold <= 0 {
		reviewThreshold = DefaultReviewThreshold
	}

	d := Decision{
		Status:     inbox.StatusNeedsReview,
		Candidates: topN(ranked, 5),
		// Without a usable candidate score, the classifier's own
		// confidence is the best signal the operator gets.
		Confidence: signals.Confidence,
	}
	if len(ranked) == 0 {
		return d
	}

	top := ranked[0]
	if top.Score > 0 {
		d.Confidence = top.Score
	}
	if top.Score < reviewThreshold {
		return d
	}

	d.AssignedSupplierOrderID = nonEmptyPtr(top.OrderID)
	d.AssignedProjectID = nonEmptyPtr(top.ProjectID)
	if top.Score >= preassignThreshold && signals.Kind != signal.KindUnknown {
		d.Status = inbox.StatusPreassigned
	}
	return d
}

func kindCorroboration(s signal.Signals) (string, bool) {
	switch s.Kind {
	case signal.KindAB:
		if s.ABNumber != "" {
			return "AB-Muster erkannt", true
		}
	case signal.KindDeliveryNote:
		if s.DeliveryNoteNumber != "" {
			return "Lieferscheinmuster erkannt", true
		}
	}
	return "", false
}

func domainMatches(senderDomain string, emails ...string) bool {
	for _, email := range emails {
		if email != "" && encoding.EmailDomain(email) == senderDomain {
			return true
		}
	}
	return false
}

func lowerSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v != "" {
			set[strings.ToLower(v)] = true
		}
	}
	return set
}

func topN(candidates []Candidate, n int) []Candidate {
	if len(candidates) <= n {
		return candidates
	}
	return candidates[:n]
}

func nonEmptyPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
