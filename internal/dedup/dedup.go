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

// Package dedup provides attachment deduplication using a Redis SET with
// TTL. It is a fast pre-filter in front of the database unique constraint
// on the dedupe key; the constraint remains the authority, Redis just
// saves the object-store upload for attachments we have already seen.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a seen dedupe key. Webhook
	// providers retry for at most a few days, so a week is ample.
	DefaultTTL = 7 * 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "inbound:seen:"
)

// Filter tracks which dedupe keys have already been ingested.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the dedupe key has NOT been seen before.
// If true, the key is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, dedupeKey string) (bool, error) {
	key := fmt.Sprintf("%s%s", keyPrefix, dedupeKey)

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}

// Forget releases a dedupe key that IsNew marked as seen. Callers use it
// when ingestion fails after the check, so the provider's redelivery of
// the same attachment is not mistaken for a duplicate.
func (f *Filter) Forget(ctx context.Context, dedupeKey string) error {
	key := fmt.Sprintf("%s%s", keyPrefix, dedupeKey)

	if err := f.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
