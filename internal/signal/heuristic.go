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
	"math"
	"regexp"
	"strings"
)

// Keyword lists are matched against umlaut-folded lowercase text, so only
// the folded spellings appear here.
var (
	abKeywords           = []string{"auftragsbestaetigung", "bestellbestaetigung"}
	deliveryNoteKeywords = []string{"lieferschein", "liefer-schein", "delivery note"}
	invoiceKeywords      = []string{"rechnung", "invoice", "eingangsrechnung", "lieferantenrechnung"}
)

var (
	abWordPattern = regexp.MustCompile(`(?i)\bab\b`)

	// Internal order codes look like XXX-Lxx; project order numbers like
	// LETTERS-NNN or LETTERS-NNN-NN.
	orderNumberPattern        = regexp.MustCompile(`(?i)\b([A-Z0-9]{3,}-L[A-Z0-9]{2,})\b`)
	projectOrderNumberPattern = regexp.MustCompile(`(?i)\b([A-Z]{1,4}-\d{3,}(?:-\d{1,3})?)\b`)

	abNumberPattern           = regexp.MustCompile(`(?i)\b(?:AB(?:[-\s]*(?:Nr|No|Nummer))?)[-\s:#]*([A-Z0-9\-/]{2,})\b`)
	deliveryNoteNumberPattern = regexp.MustCompile(`(?i)\b(?:LS|LIEFERSCHEIN|DELIVERY\s*NOTE)[-\s:#]*([A-Z0-9\-/]{3,})\b`)
	invoiceNumberPattern      = regexp.MustCompile(`(?i)\b(?:RE|RG|RECHNUNG|INVOICE)[-\s:#]*([A-Z0-9\-/]{3,})\b`)

	confirmedDeliveryDatePattern = regexp.MustCompile(`(?i)(?:liefertermin|lieferdatum|delivery\s*date)[^\d]*(\d{4}-\d{2}-\d{2})`)
	deliveryDatePattern          = regexp.MustCompile(`(?i)(?:lieferschein|lieferung|delivery)[^\d]*(\d{4}-\d{2}-\d{2})`)
	invoiceDatePattern           = regexp.MustCompile(`(?i)(?:rechnungsdatum|invoice\s*date)[^\d]*(\d{4}-\d{2}-\d{2})`)
	dueDatePattern               = regexp.MustCompile(`(?i)(?:faelligkeit|fälligkeit|due\s*date)[^\d]*(\d{4}-\d{2}-\d{2})`)
)

var umlautFolder = strings.NewReplacer("ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss")

// HeuristicInput is the text surface the classifier works on.
type HeuristicInput struct {
	FileName string
	Subject  string
	BodyText string
}

// ExtractHeuristic runs the deterministic regex/keyword classifier. It never
// fails and never touches the network; it is the always-available fallback
// when AI extraction is unavailable.
//
// Confidence: base 0.4, +0.25 for a resolved kind, +0.2 for any order or
// project number, +0.15 for any business document number, capped at 0.95.
func ExtractHeuristic(input HeuristicInput) Signals {
	combined := foldUmlauts(strings.ToLower(input.FileName + " " + input.Subject + " " + input.BodyText))
	kind := detectKind(combined)

	searchable := input.Subject + " " + input.BodyText

	orderNumbers := extractAll(orderNumberPattern, searchable)
	projectOrderNumbers := extractAll(projectOrderNumberPattern, searchable)

	abNumber := pickBusinessToken(extractAll(abNumberPattern, searchable))
	deliveryNoteNumber := firstOf(extractAll(deliveryNoteNumberPattern, searchable))
	invoiceNumber := firstOf(extractAll(invoiceNumberPattern, searchable))

	confidence := 0.4
	if kind != KindUnknown {
		confidence += 0.25
	}
	if len(orderNumbers) > 0 || len(projectOrderNumbers) > 0 {
		confidence += 0.2
	}
	if abNumber != "" || deliveryNoteNumber != "" || invoiceNumber != "" {
		confidence += 0.15
	}
	confidence = math.Min(0.95, confidence)

	return Signals{
		Kind:                  kind,
		Confidence:            confidence,
		OrderNumbers:          orderNumbers,
		ProjectOrderNumbers:   projectOrderNumbers,
		ABNumber:              abNumber,
		DeliveryNoteNumber:    deliveryNoteNumber,
		InvoiceNumber:         invoiceNumber,
		ConfirmedDeliveryDate: extractDate(confirmedDeliveryDatePattern, searchable),
		DeliveryDate:          extractDate(deliveryDatePattern, searchable),
		InvoiceDate:           extractDate(invoiceDatePattern, searchable),
		DueDate:               extractDate(dueDatePattern, searchable),
		Warnings:              []string{},
		Source:                SourceHeuristic,
	}
}

// detectKind applies the precedence AB > delivery note > invoice.
func detectKind(combined string) Kind {
	if containsAny(combined, abKeywords) || abWordPattern.MatchString(combined) {
		return KindAB
	}
	if containsAny(combined, deliveryNoteKeywords) {
		return KindDeliveryNote
	}
	if containsAny(combined, invoiceKeywords) {
		return KindInvoice
	}
	return KindUnknown
}

func foldUmlauts(value string) string {
	return umlautFolder.Replace(value)
}

func containsAny(haystack string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(haystack, keyword) {
			return true
		}
	}
	return false
}

// extractAll returns all deduplicated capture-group matches in input order.
func extractAll(pattern *regexp.Regexp, source string) []string {
	seen := map[string]bool{}
	var out []string
	for _, match := range pattern.FindAllStringSubmatch(source, -1) {
		value := match[0]
		if len(match) > 1 && match[1] != "" {
			value = match[1]
		}
		value = strings.TrimSpace(value)
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	return out
}

// pickBusinessToken skips captures that are just the label word itself
// ("Nr", "No", "Nummer"), which the labelled-prefix regexes can produce.
func pickBusinessToken(values []string) string {
	for _, value := range values {
		normalized := strings.ToLower(strings.TrimSpace(value))
		if normalized == "" || normalized == "nr" || normalized == "no" || normalized == "nummer" {
			continue
		}
		if strings.ContainsAny(normalized, "0123456789") || strings.Contains(normalized, "-") {
			return value
		}
	}
	return ""
}

func firstOf(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func extractDate(pattern *regexp.Regexp, source string) string {
	match := pattern.FindStringSubmatch(source)
	if match == nil {
		return ""
	}
	return match[1]
}
