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

// Package dedup claims customer emails in Redis with a TTL. A claim covers
// the window between enqueueing a customer record and the ingestion
// consumer inserting it, so two concurrent creates for the same email
// cannot both be queued.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
)

const (
	// DefaultTTL is how long a claim is held if no TTL is configured.
	DefaultTTL = 10 * time.Minute

	// keyPrefix namespaces claim keys in Redis.
	keyPrefix = "crm:email:"
)

// Filter tracks which customer emails are currently claimed.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a claim filter backed by Redis.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb: rdb,
		ttl: ttl,
	}
}

// Claim returns true if the email was not already claimed. If true, the
// claim is taken atomically (SETNX) and expires after the TTL.
func (f *Filter) Claim(ctx context.Context, email string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, key(email), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Release drops a claim, e.g. when enqueueing failed after the claim was taken.
func (f *Filter) Release(ctx context.Context, email string) error {
	if err := f.rdb.Del(ctx, key(email)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

func key(email string) string {
	return fmt.Sprintf("%s%s", keyPrefix, models.NormalizeEmail(email))
}
