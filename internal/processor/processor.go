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

// Package processor runs the classification pipeline over pending inbox
// rows: heuristics, optional AI extraction, signal merge, candidate
// matching, and the assignment decision. One row's failure never aborts
// the batch.
package processor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/baucrm/inbound/internal/ai"
	"github.com/baucrm/inbound/internal/inbox"
	"github.com/baucrm/inbound/internal/match"
	"github.com/baucrm/inbound/internal/signal"
)

// Repository is the inbox persistence surface the processor needs.
type Repository interface {
	ListPending(ctx context.Context, limit int) ([]inbox.Item, error)
	UpdateClassification(ctx context.Context, u inbox.ClassificationUpdate) error
	MarkFailed(ctx context.Context, userID, itemID, message string) error
	AppendEvent(ctx context.Context, e inbox.Event) error
}

// CandidateSource supplies a tenant's open purchase orders.
type CandidateSource interface {
	OpenOrdersForUser(ctx context.Context, userID string) ([]match.OrderRow, error)
}

// Blobs fetches stored attachment bytes for AI extraction.
type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Result summarises one batch run.
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Processor drives the per-row classification sequence.
type Processor struct {
	repo               Repository
	orders             CandidateSource
	blobs              Blobs
	extractor          ai.Extractor
	preassignThreshold float64
	reviewThreshold    float64
}

// New creates a processor. Pass thresholds of 0 to use the matcher's
// defaults. The extractor may be ai.Nop when no model is configured.
func New(repo Repository, orders CandidateSource, blobs Blobs, extractor ai.Extractor, preassignThreshold, reviewThreshold float64) *Processor {
	return &Processor{
		repo:               repo,
		orders:             orders,
		blobs:              blobs,
		extractor:          extractor,
		preassignThreshold: preassignThreshold,
		reviewThreshold:    reviewThreshold,
	}
}

// ProcessBatch classifies up to limit pending rows sequentially. Open
// orders are loaded once per tenant and cached for the batch.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) (Result, error) {
	items, err := p.repo.ListPending(ctx, limit)
	if err != nil {
		return Result{}, fmt.Errorf("list pending items: %w", err)
	}

	result := Result{Total: len(items)}
	candidateCache := make(map[string][]match.OrderRow)

	for _, item := range items {
		if err := p.processItem(ctx, item, candidateCache); err != nil {
			result.Failed++
			slog.Error("inbox item processing failed",
				"item_id", item.ID,
				"user_id", item.UserID,
				"error", err,
			)
			p.markFailed(ctx, item, err)
			continue
		}
		result.Processed++
	}

	slog.Info("inbound batch complete",
		"total", result.Total,
		"processed", result.Processed,
		"failed", result.Failed,
	)
	return result, nil
}

func (p *Processor) processItem(ctx context.Context, item inbox.Item, cache map[string][]match.OrderRow) error {
	body := documentBody(item)
	heuristic := signal.ExtractHeuristic(signal.HeuristicInput{
		FileName: item.FileName,
		Subject:  item.Subject,
		BodyText: body,
	})

	merged := signal.Merge(heuristic, p.extractSignals(ctx, item))

	candidates, ok := cache[item.UserID]
	if !ok {
		loaded, err := p.orders.OpenOrdersForUser(ctx, item.UserID)
		if err != nil {
			return fmt.Errorf("load open orders: %w", err)
		}
		cache[item.UserID] = loaded
		candidates = loaded
	}

	ranked := match.Score(match.Input{
		Signals:     merged,
		SenderEmail: item.FromEmail,
		SearchText:  item.Subject + "\n" + body,
	}, candidates)
	decision := match.Decide(ranked, merged, p.preassignThreshold, p.reviewThreshold)

	payload, err := mergeExtractedPayload(item.ExtractedPayload, merged)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	candidatesJSON, err := json.Marshal(decision.Candidates)
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}

	if err := p.repo.UpdateClassification(ctx, inbox.ClassificationUpdate{
		ItemID:           item.ID,
		UserID:           item.UserID,
		Kind:             merged.Kind,
		Status:           decision.Status,
		ExtractedPayload: payload,
		Candidates:       candidatesJSON,
		Confidence:       decision.Confidence,
		SupplierOrderID:  decision.AssignedSupplierOrderID,
		ProjectID:        decision.AssignedProjectID,
	}); err != nil {
		return fmt.Errorf("persist classification: %w", err)
	}

	from := item.ProcessingStatus
	to := decision.Status
	eventPayload, _ := json.Marshal(map[string]any{
		"confidence": decision.Confidence,
		"kind":       merged.Kind,
	})
	if err := p.repo.AppendEvent(ctx, inbox.Event{
		InboxItemID: item.ID,
		UserID:      item.UserID,
		EventType:   string(decision.Status),
		FromStatus:  &from,
		ToStatus:    &to,
		Payload:     eventPayload,
	}); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// documentBody joins the plain text body with the HTML alternative kept
// in the intake payload, so HTML-only supplier mail still classifies on
// its content.
func documentBody(item inbox.Item) string {
	text := item.BodyText
	if len(item.ExtractedPayload) == 0 {
		return text
	}
	var envelope struct {
		EmailHTML string `json:"emailHtml"`
	}
	if err := json.Unmarshal(item.ExtractedPayload, &envelope); err != nil || envelope.EmailHTML == "" {
		return text
	}
	if text == "" {
		return envelope.EmailHTML
	}
	return text + "\n" + envelope.EmailHTML
}

// extractSignals runs the AI extractor against the stored attachment.
// Every failure here degrades to heuristics-only, never to a row error.
func (p *Processor) extractSignals(ctx context.Context, item inbox.Item) *signal.Signals {
	if p.extractor == nil || p.blobs == nil || item.StoragePath == "" {
		return nil
	}

	data, err := p.blobs.Get(ctx, item.StoragePath)
	if err != nil {
		slog.Warn("attachment download failed, continuing with heuristics",
			"item_id", item.ID,
			"storage_path", item.StoragePath,
			"error", err,
		)
		return nil
	}

	return p.extractor.Extract(ctx, ai.Request{
		MimeType:    item.MimeType,
		Base64Data:  base64.StdEncoding.EncodeToString(data),
		FileName:    item.FileName,
		Subject:     item.Subject,
		SenderEmail: item.FromEmail,
		BodyText:    item.BodyText,
	})
}

func (p *Processor) markFailed(ctx context.Context, item inbox.Item, cause error) {
	if err := p.repo.MarkFailed(ctx, item.UserID, item.ID, cause.Error()); err != nil {
		slog.Error("could not persist failure state", "item_id", item.ID, "error", err)
		return
	}

	from := item.ProcessingStatus
	to := inbox.StatusFailed
	payload, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if err := p.repo.AppendEvent(ctx, inbox.Event{
		InboxItemID: item.ID,
		UserID:      item.UserID,
		EventType:   "failed",
		FromStatus:  &from,
		ToStatus:    &to,
		Payload:     payload,
	}); err != nil {
		slog.Error("could not append failure event", "item_id", item.ID, "error", err)
	}
}

// mergeExtractedPayload sets the "signals" field on the row's existing
// extracted payload without discarding other keys.
func mergeExtractedPayload(existing []byte, merged signal.Signals) ([]byte, error) {
	envelope := map[string]json.RawMessage{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &envelope); err != nil {
			// A corrupt payload is replaced rather than propagated.
			envelope = map[string]json.RawMessage{}
		}
	}

	signalsJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	envelope["signals"] = signalsJSON
	return json.Marshal(envelope)
}
