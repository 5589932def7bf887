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

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/baucrm/inbound/internal/signal"
)

const (
	// DefaultBaseURL targets the public Gemini REST API. Overridable for tests.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultModel is the production extraction model.
	DefaultModel = "gemini-3-flash-preview"

	// bodyTextLimit bounds how much email body we send as context.
	bodyTextLimit = 1200
)

// Gemini extracts document signals by sending the attachment inline to the
// Gemini generateContent endpoint with a JSON response schema.
type Gemini struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewGemini creates an extractor backed by the Gemini API.
func NewGemini(apiKey, model, baseURL string) *Gemini {
	if model == "" {
		model = DefaultModel
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Gemini{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}
}

type generatePart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	} `json:"inline_data,omitempty"`
}

type generateRequest struct {
	Contents []struct {
		Parts []generatePart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		ResponseMimeType string `json:"response_mime_type"`
	} `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Extract sends the attachment to the model and coerces the JSON reply into
// Signals. Any failure (transport, HTTP status, unparseable JSON) logs a
// warning and returns nil so the caller proceeds heuristic-only.
func (g *Gemini) Extract(ctx context.Context, req Request) *signal.Signals {
	if g.apiKey == "" {
		return nil
	}

	raw, err := g.call(ctx, req)
	if err != nil {
		slog.Warn("ai signal extraction failed, continuing with heuristics",
			"file_name", req.FileName,
			"error", err,
		)
		return nil
	}

	parsed, err := parseModelJSON(raw)
	if err != nil {
		slog.Warn("ai response was not valid JSON, continuing with heuristics",
			"file_name", req.FileName,
			"error", err,
		)
		return nil
	}

	signals := coerceSignals(parsed)
	rawJSON, err := json.Marshal(parsed)
	if err == nil {
		signals.Raw = rawJSON
	}
	return signals
}

func (g *Gemini) call(ctx context.Context, req Request) (string, error) {
	bodyText := req.BodyText
	if runes := []rune(bodyText); len(runes) > bodyTextLimit {
		bodyText = string(runes[:bodyTextLimit])
	}
	sender := req.SenderEmail
	if sender == "" {
		sender = "unbekannt"
	}

	prompt := fmt.Sprintf(`Du analysierst Lieferanten-Dokumente aus einem CRM-Eingang.

Kontext:
- Dateiname: %s
- Betreff: %s
- Absender: %s
- Mailtext (Ausschnitt): %s

Liefere NUR JSON und klassifiziere:
- kind: ab | supplier_delivery_note | supplier_invoice | unknown
- confidence: 0..1
- orderNumbers: string[]
- projectOrderNumbers: string[]
- abNumber?: string
- deliveryNoteNumber?: string
- invoiceNumber?: string
- supplierName?: string
- confirmedDeliveryDate?: YYYY-MM-DD
- deliveryDate?: YYYY-MM-DD
- invoiceDate?: YYYY-MM-DD
- dueDate?: YYYY-MM-DD
- deliveryWeek?: string
- netAmount?: number
- taxRate?: number
- category?: string
- warnings: string[]

Wichtig:
- Keine Halluzinationen.
- Bei Unsicherheit Felder leer lassen.
- Datumsfelder nur ISO YYYY-MM-DD.`, req.FileName, req.Subject, sender, bodyText)

	var payload generateRequest
	payload.Contents = make([]struct {
		Parts []generatePart `json:"parts"`
	}, 1)
	payload.Contents[0].Parts = []generatePart{
		{
			InlineData: &struct {
				MimeType string `json:"mime_type"`
				Data     string `json:"data"`
			}{MimeType: req.MimeType, Data: req.Base64Data},
		},
		{Text: prompt},
	}
	payload.GenerationConfig.ResponseMimeType = "application/json"

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model API returned HTTP %d", resp.StatusCode)
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("model returned no candidates")
	}
	return decoded.Candidates[0].Content.Parts[0].Text, nil
}

var fencedBlock = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)```")

// parseModelJSON accepts plain JSON or JSON wrapped in a fenced code block.
func parseModelJSON(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty model output")
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed, nil
	}

	if m := fencedBlock.FindStringSubmatch(trimmed); m != nil {
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &parsed); err == nil {
			return parsed, nil
		}
	}
	return nil, fmt.Errorf("invalid model JSON")
}

// coerceSignals defensively converts the loose model output. Blank strings
// and non-finite numbers become absent rather than zero values.
func coerceSignals(raw map[string]any) *signal.Signals {
	confidence := 0.5
	if v, ok := coerceNumber(raw["confidence"]); ok {
		confidence = math.Max(0, math.Min(1, v))
	}

	s := &signal.Signals{
		Kind:                  signal.ParseKind(coerceString(raw["kind"])),
		Confidence:            confidence,
		OrderNumbers:          coerceStringArray(raw["orderNumbers"]),
		ProjectOrderNumbers:   coerceStringArray(raw["projectOrderNumbers"]),
		ABNumber:              coerceString(raw["abNumber"]),
		DeliveryNoteNumber:    coerceString(raw["deliveryNoteNumber"]),
		InvoiceNumber:         coerceString(raw["invoiceNumber"]),
		SupplierName:          coerceString(raw["supplierName"]),
		ConfirmedDeliveryDate: coerceString(raw["confirmedDeliveryDate"]),
		DeliveryDate:          coerceString(raw["deliveryDate"]),
		InvoiceDate:           coerceString(raw["invoiceDate"]),
		DueDate:               coerceString(raw["dueDate"]),
		DeliveryWeek:          coerceString(raw["deliveryWeek"]),
		Category:              coerceString(raw["category"]),
		Warnings:              coerceStringArray(raw["warnings"]),
		Source:                signal.SourceAI,
	}
	if v, ok := coerceNumber(raw["netAmount"]); ok {
		s.NetAmount = &v
	}
	if v, ok := coerceNumber(raw["taxRate"]); ok {
		s.TaxRate = &v
	}
	return s
}

func coerceString(value any) string {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func coerceNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func coerceStringArray(value any) []string {
	entries, ok := value.([]any)
	if !ok {
		return []string{}
	}
	out := []string{}
	for _, entry := range entries {
		if s := coerceString(entry); s != "" {
			out = append(out, s)
		}
	}
	return out
}
