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

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
)

// Auth holds the secrets guarding the webhook and operator endpoints.
type Auth struct {
	// WebhookSecret is the shared secret inbound providers must present.
	WebhookSecret string
	// SigningSecret verifies svix-style payload signatures when set.
	// Resend issues these with a "whsec_" prefix.
	SigningSecret string
	// CronSecret guards the batch-processing endpoint.
	CronSecret string
	// AllowInsecure admits unauthenticated webhooks when no secret is
	// configured. Never enable outside local development.
	AllowInsecure bool
}

var bearerPattern = regexp.MustCompile(`(?i)^Bearer\s+(.+)$`)

// VerifyWebhook checks the shared-secret authentication of an inbound
// webhook request. The secret may arrive in a dedicated header, a bearer
// token, or a ?secret= query parameter; comparison is constant time.
func (a Auth) VerifyWebhook(r *http.Request) bool {
	provided := firstNonEmpty(
		strings.TrimSpace(r.Header.Get("X-Inbound-Email-Secret")),
		strings.TrimSpace(r.Header.Get("X-Webhook-Secret")),
		bearerToken(r.Header.Get("Authorization")),
		strings.TrimSpace(r.URL.Query().Get("secret")),
	)

	if a.WebhookSecret != "" {
		return provided != "" && constantTimeEquals(provided, a.WebhookSecret)
	}
	if a.AllowInsecure {
		slog.Warn("inbound webhook secret not configured, allowing request")
		return true
	}
	return false
}

// VerifySignature checks the svix-style HMAC signature over the raw
// body. Requests without a configured signing secret always pass; the
// shared-secret check above still applies.
func (a Auth) VerifySignature(rawBody []byte, header http.Header) bool {
	secret := strings.TrimSpace(a.SigningSecret)
	if secret == "" {
		return true
	}

	svixID := strings.TrimSpace(header.Get("svix-id"))
	svixTimestamp := strings.TrimSpace(header.Get("svix-timestamp"))
	svixSignature := strings.TrimSpace(header.Get("svix-signature"))
	if svixID == "" || svixTimestamp == "" || svixSignature == "" {
		// Fallback for providers signing the raw body directly.
		provided := strings.TrimSpace(header.Get("x-resend-signature"))
		return provided != "" && constantTimeEquals(provided, hexHMAC(secret, rawBody))
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil || len(key) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(svixID + "." + svixTimestamp + "."))
	mac.Write(rawBody)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	// The header carries space-separated "v1,<signature>" entries; any
	// matching version is accepted.
	for _, entry := range strings.Fields(svixSignature) {
		version, signature, found := strings.Cut(entry, ",")
		if !found || !strings.HasPrefix(version, "v") {
			continue
		}
		if constantTimeEquals(signature, expected) {
			return true
		}
	}
	return false
}

// VerifyCron checks the bearer secret on the scheduler-triggered batch
// endpoint.
func (a Auth) VerifyCron(r *http.Request) bool {
	if a.CronSecret != "" && bearerToken(r.Header.Get("Authorization")) == a.CronSecret {
		return true
	}
	return a.CronSecret == "" && a.AllowInsecure
}

func bearerToken(authorization string) string {
	m := bearerPattern.FindStringSubmatch(authorization)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func constantTimeEquals(left, right string) bool {
	return len(left) == len(right) &&
		subtle.ConstantTimeCompare([]byte(left), []byte(right)) == 1
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// hexHMAC computes the provider-specific fallback signature used when no
// svix headers are present.
func hexHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
