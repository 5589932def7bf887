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

package signal

import (
	"encoding/json"
	"math"
)

// Merge combines heuristic and AI signals into the authoritative set. It is
// pure: inputs are not mutated and a new value is returned.
//
// Rules: the AI kind wins unless it is unknown; confidence is the max of
// both; number sets and warnings are unioned; other scalar AI fields
// override the heuristic value only when present. The merged Raw retains
// both inputs for audit.
func Merge(heuristic Signals, ai *Signals) Signals {
	if ai == nil {
		return heuristic
	}

	merged := heuristic
	merged.Source = SourceHybrid

	if ai.Kind != KindUnknown {
		merged.Kind = ai.Kind
	}
	merged.Confidence = math.Max(heuristic.Confidence, ai.Confidence)
	merged.OrderNumbers = unionStrings(heuristic.OrderNumbers, ai.OrderNumbers)
	merged.ProjectOrderNumbers = unionStrings(heuristic.ProjectOrderNumbers, ai.ProjectOrderNumbers)
	merged.Warnings = unionStrings(heuristic.Warnings, ai.Warnings)

	overrideString(&merged.ABNumber, ai.ABNumber)
	overrideString(&merged.DeliveryNoteNumber, ai.DeliveryNoteNumber)
	overrideString(&merged.InvoiceNumber, ai.InvoiceNumber)
	overrideString(&merged.SupplierName, ai.SupplierName)
	overrideString(&merged.ConfirmedDeliveryDate, ai.ConfirmedDeliveryDate)
	overrideString(&merged.DeliveryDate, ai.DeliveryDate)
	overrideString(&merged.InvoiceDate, ai.InvoiceDate)
	overrideString(&merged.DueDate, ai.DueDate)
	overrideString(&merged.DeliveryWeek, ai.DeliveryWeek)
	overrideString(&merged.Category, ai.Category)
	if ai.NetAmount != nil {
		net := *ai.NetAmount
		merged.NetAmount = &net
	}
	if ai.TaxRate != nil {
		rate := *ai.TaxRate
		merged.TaxRate = &rate
	}

	merged.Raw = mergedRaw(heuristic, ai)
	return merged
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// unionStrings preserves first-seen order across both slices.
func unionStrings(left, right []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, value := range append(append([]string{}, left...), right...) {
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	return out
}

func mergedRaw(heuristic Signals, ai *Signals) json.RawMessage {
	heuristicCopy := heuristic
	heuristicCopy.Raw = nil

	envelope := struct {
		Heuristic Signals         `json:"heuristic"`
		AI        json.RawMessage `json:"ai"`
	}{
		Heuristic: heuristicCopy,
		AI:        ai.Raw,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil
	}
	return raw
}
