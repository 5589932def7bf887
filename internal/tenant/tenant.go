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

// Package tenant resolves inbound email recipients to the owning tenant.
// A document that cannot be attributed to a tenant is never stored.
package tenant

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baucrm/inbound/internal/encoding"
)

// Identity is the resolved owner of an inbound email.
type Identity struct {
	UserID    string
	CompanyID *string
}

// Resolver maps recipient addresses onto tenants via their configured
// inbound mailboxes in company_settings.
type Resolver struct {
	pool *pgxpool.Pool
	// defaultUserID catches mail to addresses no tenant has claimed.
	// Empty disables the fallback.
	defaultUserID string
}

// NewResolver creates a recipient resolver backed by the given pool.
func NewResolver(pool *pgxpool.Pool, defaultUserID string) *Resolver {
	return &Resolver{pool: pool, defaultUserID: defaultUserID}
}

type settingsRow struct {
	companyID       string
	userID          string
	inboundAB       string
	inboundInvoices string
	inboundGeneric  string
	primaryEmail    string
}

// Resolve returns the tenant owning any of the recipient addresses, or
// nil when no tenant matches and no default is configured. Matching is
// case-insensitive across the dedicated inbound addresses first, then
// the tenant's primary mailbox.
func (r *Resolver) Resolve(ctx context.Context, recipients []string) (*Identity, error) {
	settings, err := r.loadSettings(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(recipients))
	for _, addr := range recipients {
		if normalized := encoding.NormalizeEmail(addr); normalized != "" {
			wanted[normalized] = true
		}
	}

	for _, row := range settings {
		if matchesAny(wanted, row.inboundAB, row.inboundInvoices, row.inboundGeneric) {
			return identityFor(row), nil
		}
	}
	for _, row := range settings {
		if matchesAny(wanted, row.primaryEmail) {
			return identityFor(row), nil
		}
	}

	if r.defaultUserID == "" {
		slog.Warn("no tenant matched inbound recipients", "recipients", recipients)
		return nil, nil
	}

	identity := &Identity{UserID: r.defaultUserID}
	for _, row := range settings {
		if row.userID == r.defaultUserID {
			companyID := row.companyID
			identity.CompanyID = &companyID
			break
		}
	}
	slog.Info("falling back to default tenant for inbound email", "user_id", r.defaultUserID)
	return identity, nil
}

func (r *Resolver) loadSettings(ctx context.Context) ([]settingsRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id,
		       COALESCE(inbound_email_ab, ''),
		       COALESCE(inbound_email_invoices, ''),
		       COALESCE(inbound_email, ''),
		       COALESCE(email, '')
		FROM company_settings
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []settingsRow
	for rows.Next() {
		var row settingsRow
		if err := rows.Scan(&row.companyID, &row.userID, &row.inboundAB,
			&row.inboundInvoices, &row.inboundGeneric, &row.primaryEmail); err != nil {
			return nil, err
		}
		settings = append(settings, row)
	}
	return settings, rows.Err()
}

func matchesAny(wanted map[string]bool, addresses ...string) bool {
	for _, addr := range addresses {
		if normalized := encoding.NormalizeEmail(addr); normalized != "" && wanted[normalized] {
			return true
		}
	}
	return false
}

func identityFor(row settingsRow) *Identity {
	companyID := row.companyID
	return &Identity{UserID: row.userID, CompanyID: &companyID}
}
