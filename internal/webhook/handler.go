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

// Package webhook exposes the HTTP surface of the inbound pipeline: the
// provider webhook that ingests email attachments, the scheduler-driven
// batch endpoint, and the operator inbox API.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/baucrm/inbound/internal/confirm"
	"github.com/baucrm/inbound/internal/encoding"
	"github.com/baucrm/inbound/internal/inbox"
	"github.com/baucrm/inbound/internal/mail"
	"github.com/baucrm/inbound/internal/processor"
	"github.com/baucrm/inbound/internal/resend"
	"github.com/baucrm/inbound/internal/signal"
	"github.com/baucrm/inbound/internal/storage"
	"github.com/baucrm/inbound/internal/tenant"
)

// Inbox is the persistence surface the HTTP layer needs. *inbox.Store
// satisfies it; tests substitute fakes.
type Inbox interface {
	Insert(ctx context.Context, item inbox.Item) (*inbox.Item, bool, error)
	AppendEvent(ctx context.Context, e inbox.Event) error
	GetForUser(ctx context.Context, userID, itemID string) (*inbox.Item, error)
	ListForUser(ctx context.Context, userID string, filter inbox.ListFilter) ([]inbox.Item, error)
	ListEvents(ctx context.Context, userID, itemID string) ([]inbox.Event, error)
}

// Blobs stores attachment content. *storage.Store satisfies it.
type Blobs interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// DuplicateFilter is the fast-path dedupe check in front of the insert.
// *dedup.Filter satisfies it.
type DuplicateFilter interface {
	IsNew(ctx context.Context, dedupeKey string) (bool, error)
	Forget(ctx context.Context, dedupeKey string) error
}

// Limits guards attachment intake. Oversized or unrecognized files are
// counted as skipped, never stored.
type Limits struct {
	MaxAttachmentBytes int64
	AllowedMimeTypes   map[string]bool
	BatchLimit         int
}

// IntakeResponse is the webhook's accounting of one delivery.
type IntakeResponse struct {
	Success    bool   `json:"success"`
	Received   int    `json:"received"`
	Skipped    int    `json:"skipped"`
	Duplicates int    `json:"duplicates"`
	Message    string `json:"message,omitempty"`
}

// Handler wires the HTTP endpoints to the pipeline components.
type Handler struct {
	hydrator  *resend.Client
	resolver  *tenant.Resolver
	inbox     Inbox
	blobs     Blobs
	filter    DuplicateFilter
	processor *processor.Processor
	executor  *confirm.Executor
	auth      Auth
	limits    Limits

	// HealthCheck, when set, is consulted by the health endpoint to
	// verify backing services (Postgres, Redis).
	HealthCheck func(ctx context.Context) error
}

// NewHandler creates the HTTP handler for all inbound endpoints.
func NewHandler(
	hydrator *resend.Client,
	resolver *tenant.Resolver,
	inboxStore Inbox,
	blobs Blobs,
	filter DuplicateFilter,
	proc *processor.Processor,
	executor *confirm.Executor,
	auth Auth,
	limits Limits,
) *Handler {
	return &Handler{
		hydrator:  hydrator,
		resolver:  resolver,
		inbox:     inboxStore,
		blobs:     blobs,
		filter:    filter,
		processor: proc,
		executor:  executor,
		auth:      auth,
		limits:    limits,
	}
}

// ServeIntake handles a provider webhook delivery: authenticate, hydrate,
// normalize, then store and register every acceptable attachment.
func (h *Handler) ServeIntake(w http.ResponseWriter, r *http.Request) {
	if !h.auth.VerifyWebhook(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !h.auth.VerifySignature(rawBody, r.Header) {
		slog.Warn("inbound webhook signature rejected")
		writeError(w, http.StatusForbidden, "signature invalid")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	hydrated, err := h.hydrator.Hydrate(r.Context(), payload)
	if err != nil {
		slog.Error("resend hydration failed", "error", err)
		writeError(w, http.StatusBadGateway, "provider hydration failed")
		return
	}

	email := mail.Normalize(hydrated)
	if email == nil {
		writeError(w, http.StatusBadRequest, "Keine verarbeitbaren Anhänge im Inbound-Payload gefunden.")
		return
	}

	identity, err := h.resolver.Resolve(r.Context(), email.To)
	if err != nil {
		slog.Error("recipient resolution failed", "error", err)
		writeError(w, http.StatusInternalServerError, "recipient lookup failed")
		return
	}
	if identity == nil {
		slog.Warn("inbound document skipped, no recipient mapping",
			"recipients", email.To,
			"message_id", email.MessageID,
		)
		writeJSON(w, http.StatusOK, IntakeResponse{
			Success: true,
			Skipped: len(email.Attachments),
			Message: "Empfänger konnte keiner Firma zugeordnet werden.",
		})
		return
	}

	resp := h.ingestAttachments(r.Context(), *identity, email)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ingestAttachments(ctx context.Context, identity tenant.Identity, email *mail.Email) IntakeResponse {
	resp := IntakeResponse{Success: true}
	now := time.Now().UTC()

	for _, attachment := range email.Attachments {
		content := encoding.DecodeBase64(attachment.ContentBase64)
		fileSize := attachment.Size
		if fileSize <= 0 {
			fileSize = int64(len(content))
		}
		fileName := encoding.SanitizeFileName(attachment.FileName)
		mimeType := inferMimeType(fileName, attachment.MimeType)

		if len(content) == 0 || fileSize <= 0 || fileSize > h.limits.MaxAttachmentBytes {
			resp.Skipped++
			continue
		}
		if mimeType == "" || !h.limits.AllowedMimeTypes[mimeType] {
			resp.Skipped++
			continue
		}

		contentSHA := encoding.SHA256Hex(content)
		dedupeKey := encoding.DedupeKey(identity.UserID, email.MessageID, attachment.ExternalID, contentSHA)

		// Redis pre-filter saves the upload; the database unique
		// constraint stays authoritative.
		if isNew, err := h.filter.IsNew(ctx, dedupeKey); err != nil {
			slog.Warn("dedup check failed, proceeding", "error", err)
		} else if !isNew {
			resp.Duplicates++
			continue
		}

		storagePath := storage.AttachmentKey(identity.UserID, email.MessageID, attachment.ExternalID, fileName, now)
		if err := h.blobs.Put(ctx, storagePath, mimeType, content); err != nil {
			slog.Error("attachment upload failed",
				"message_id", email.MessageID,
				"attachment_id", attachment.ExternalID,
				"error", err,
			)
			h.releaseDedupeKey(ctx, dedupeKey)
			resp.Skipped++
			continue
		}

		item, created, err := h.inbox.Insert(ctx, inbox.Item{
			UserID:            identity.UserID,
			CompanyID:         identity.CompanyID,
			Provider:          email.Provider,
			ProviderMessageID: email.MessageID,
			AttachmentID:      attachment.ExternalID,
			DedupeKey:         dedupeKey,
			FromEmail:         email.FromEmail,
			FromName:          email.FromName,
			ToEmail:           firstRecipient(email.To),
			Subject:           email.Subject,
			BodyText:          email.Text,
			ReceivedAt:        parseReceivedAt(email.ReceivedAt, now),
			FileName:          fileName,
			MimeType:          mimeType,
			FileSize:          fileSize,
			StoragePath:       storagePath,
			ContentSHA256:     contentSHA,
			DocumentKind:      signal.KindUnknown,
			ProcessingStatus:  inbox.StatusReceived,
			ExtractedPayload:  intakePayload(email),
		})
		if err != nil {
			slog.Error("inbox insert failed",
				"message_id", email.MessageID,
				"attachment_id", attachment.ExternalID,
				"error", err,
			)
			h.releaseDedupeKey(ctx, dedupeKey)
			resp.Skipped++
			continue
		}
		if !created {
			// The constraint caught a duplicate the Redis filter missed;
			// remove the redundant upload.
			if err := h.blobs.Delete(ctx, storagePath); err != nil {
				slog.Warn("could not remove duplicate upload", "storage_path", storagePath, "error", err)
			}
			resp.Duplicates++
			continue
		}

		to := inbox.StatusReceived
		eventPayload, _ := json.Marshal(map[string]string{
			"provider":     email.Provider,
			"messageId":    email.MessageID,
			"attachmentId": attachment.ExternalID,
		})
		if err := h.inbox.AppendEvent(ctx, inbox.Event{
			InboxItemID: item.ID,
			UserID:      identity.UserID,
			EventType:   "received",
			ToStatus:    &to,
			Payload:     eventPayload,
		}); err != nil {
			slog.Warn("could not append received event", "item_id", item.ID, "error", err)
		}

		resp.Received++
	}

	slog.Info("inbound delivery processed",
		"user_id", identity.UserID,
		"message_id", email.MessageID,
		"received", resp.Received,
		"skipped", resp.Skipped,
		"duplicates", resp.Duplicates,
	)
	return resp
}

// releaseDedupeKey undoes the IsNew marking when ingestion fails after
// the check, so the provider's retry of the same delivery can still
// create the row.
func (h *Handler) releaseDedupeKey(ctx context.Context, dedupeKey string) {
	if err := h.filter.Forget(ctx, dedupeKey); err != nil {
		slog.Warn("could not release dedupe key", "error", err)
	}
}

// ServeProcess runs one classification batch. Guarded by the cron secret
// so only the scheduler can trigger it.
func (h *Handler) ServeProcess(w http.ResponseWriter, r *http.Request) {
	if !h.auth.VerifyCron(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := h.limits.BatchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	result, err := h.processor.ProcessBatch(r.Context(), limit)
	if err != nil {
		slog.Error("batch processing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "batch processing failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// itemResponse is the operator-facing view of an inbox item.
type itemResponse struct {
	ID                      string          `json:"id"`
	Provider                string          `json:"provider"`
	MessageID               string          `json:"messageId"`
	FromEmail               string          `json:"fromEmail"`
	FromName                string          `json:"fromName,omitempty"`
	Subject                 string          `json:"subject"`
	ReceivedAt              time.Time       `json:"receivedAt"`
	FileName                string          `json:"fileName"`
	MimeType                string          `json:"mimeType"`
	FileSize                int64           `json:"fileSize"`
	StoragePath             string          `json:"storagePath"`
	DocumentKind            signal.Kind     `json:"documentKind"`
	ProcessingStatus        inbox.Status    `json:"processingStatus"`
	ProcessingError         *string         `json:"processingError,omitempty"`
	ExtractedPayload        json.RawMessage `json:"extractedPayload,omitempty"`
	AssignmentCandidates    json.RawMessage `json:"assignmentCandidates,omitempty"`
	AssignmentConfidence    float64         `json:"assignmentConfidence"`
	AssignedSupplierOrderID *string         `json:"assignedSupplierOrderId,omitempty"`
	AssignedProjectID       *string         `json:"assignedProjectId,omitempty"`
	ConfirmedAt             *time.Time      `json:"confirmedAt,omitempty"`
	RejectedAt              *time.Time      `json:"rejectedAt,omitempty"`
	RejectionReason         *string         `json:"rejectionReason,omitempty"`
}

// ServeInbox lists the tenant's inbox, newest first, with optional
// ?status= and ?kind= comma-separated filters.
func (h *Handler) ServeInbox(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}

	filter := inbox.ListFilter{}
	for _, raw := range splitParam(r.URL.Query().Get("status")) {
		if status := inbox.ParseStatus(raw); status != "" {
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	for _, raw := range splitParam(r.URL.Query().Get("kind")) {
		filter.Kinds = append(filter.Kinds, signal.ParseKind(raw))
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			filter.Limit = parsed
		}
	}

	items, err := h.inbox.ListForUser(r.Context(), userID, filter)
	if err != nil {
		slog.Error("inbox list failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "inbox list failed")
		return
	}

	responses := make([]itemResponse, 0, len(items))
	for _, item := range items {
		responses = append(responses, toItemResponse(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": responses})
}

// ServeItem returns one inbox item with its audit trail.
func (h *Handler) ServeItem(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	itemID := r.PathValue("id")

	item, err := h.inbox.GetForUser(r.Context(), userID, itemID)
	if err != nil {
		slog.Error("inbox get failed", "item_id", itemID, "error", err)
		writeError(w, http.StatusInternalServerError, "inbox lookup failed")
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}

	events, err := h.inbox.ListEvents(r.Context(), userID, itemID)
	if err != nil {
		slog.Error("event list failed", "item_id", itemID, "error", err)
		writeError(w, http.StatusInternalServerError, "event lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"item":   toItemResponse(*item),
		"events": events,
	})
}

// ServeConfirm executes the operator's booking decision for one item.
func (h *Handler) ServeConfirm(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	itemID := r.PathValue("id")

	var req confirm.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	outcome, err := h.executor.Confirm(r.Context(), userID, itemID, req)
	if err != nil {
		writeConfirmError(w, itemID, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// ServeReject marks one item as rejected.
func (h *Handler) ServeReject(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	itemID := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.executor.Reject(r.Context(), userID, itemID, body.Reason); err != nil {
		writeConfirmError(w, itemID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// ServeHealth is the readiness probe. It reports unhealthy when a
// configured backing-service check fails.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if h.HealthCheck != nil {
		if err := h.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeConfirmError(w http.ResponseWriter, itemID string, err error) {
	switch {
	case errors.Is(err, confirm.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, confirm.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("confirmation failed", "item_id", itemID, "error", err)
		writeError(w, http.StatusInternalServerError, "confirmation failed")
	}
}

func toItemResponse(item inbox.Item) itemResponse {
	return itemResponse{
		ID:                      item.ID,
		Provider:                item.Provider,
		MessageID:               item.ProviderMessageID,
		FromEmail:               item.FromEmail,
		FromName:                item.FromName,
		Subject:                 item.Subject,
		ReceivedAt:              item.ReceivedAt,
		FileName:                item.FileName,
		MimeType:                item.MimeType,
		FileSize:                item.FileSize,
		StoragePath:             item.StoragePath,
		DocumentKind:            item.DocumentKind,
		ProcessingStatus:        item.ProcessingStatus,
		ProcessingError:         item.ProcessingError,
		ExtractedPayload:        json.RawMessage(item.ExtractedPayload),
		AssignmentCandidates:    json.RawMessage(item.AssignmentCandidates),
		AssignmentConfidence:    item.AssignmentConfidence,
		AssignedSupplierOrderID: item.AssignedSupplierOrderID,
		AssignedProjectID:       item.AssignedProjectID,
		ConfirmedAt:             item.ConfirmedAt,
		RejectedAt:              item.RejectedAt,
		RejectionReason:         item.RejectionReason,
	}
}

// requireUser reads the tenant from the X-User-Id header set by the API
// gateway after session validation. Writes 401 and returns "" if absent.
func requireUser(w http.ResponseWriter, r *http.Request) string {
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
	}
	return userID
}

// intakePayload seeds the row's extracted payload with the email context
// so classification and confirmation can read it without refetching.
func intakePayload(email *mail.Email) []byte {
	payload, _ := json.Marshal(map[string]any{
		"emailText": email.Text,
		"emailHtml": email.HTML,
		"source": map[string]any{
			"provider":  email.Provider,
			"fromEmail": email.FromEmail,
			"fromName":  email.FromName,
			"to":        email.To,
		},
	})
	return payload
}

// inferMimeType falls back to the file extension when the provider sent
// no usable content type.
func inferMimeType(fileName, rawMimeType string) string {
	if trimmed := strings.TrimSpace(rawMimeType); trimmed != "" {
		return strings.ToLower(trimmed)
	}

	lowered := strings.ToLower(fileName)
	switch {
	case strings.HasSuffix(lowered, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(lowered, ".png"):
		return "image/png"
	case strings.HasSuffix(lowered, ".jpg"), strings.HasSuffix(lowered, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lowered, ".webp"):
		return "image/webp"
	}
	return ""
}

func parseReceivedAt(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed
	}
	if parsed, err := time.Parse("2006-01-02", raw); err == nil {
		return parsed
	}
	return fallback
}

func firstRecipient(to []string) string {
	if len(to) == 0 {
		return ""
	}
	return to[0]
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// Serve starts the HTTP server on the given port. It binds the port
// immediately and signals readiness via the returned channel before
// accepting connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook/inbound-email", handler.ServeIntake)
	mux.HandleFunc("POST /api/inbound/process", handler.ServeProcess)
	mux.HandleFunc("GET /api/inbound/inbox", handler.ServeInbox)
	mux.HandleFunc("GET /api/inbound/inbox/{id}", handler.ServeItem)
	mux.HandleFunc("POST /api/inbound/inbox/{id}/confirm", handler.ServeConfirm)
	mux.HandleFunc("POST /api/inbound/inbox/{id}/reject", handler.ServeReject)
	mux.HandleFunc("GET /health", handler.ServeHealth)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("http server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return ready, nil
}
