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

package segment

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
)

// DefaultPageSize is how many customers Resolve loads per query.
const DefaultPageSize = 500

// Finder runs compiled segment rules against a customer store.
type Finder interface {
	MatchCustomers(ctx context.Context, rules models.SegmentRules, now time.Time, limit, offset int) ([]models.Customer, error)
	CountMatching(ctx context.Context, rules models.SegmentRules, now time.Time) (int, error)
}

// Evaluator resolves segment rules into an audience.
type Evaluator struct {
	finder   Finder
	clock    clock.PassiveClock
	pageSize int
}

// NewEvaluator creates an evaluator over finder. A nil clock uses the real clock.
func NewEvaluator(finder Finder, clk clock.PassiveClock) *Evaluator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Evaluator{
		finder:   finder,
		clock:    clk,
		pageSize: DefaultPageSize,
	}
}

// Resolve returns every customer matching rules, paging through the store.
func (e *Evaluator) Resolve(ctx context.Context, rules models.SegmentRules) ([]models.Customer, error) {
	if err := Validate(rules); err != nil {
		return nil, err
	}
	now := e.clock.Now()

	var audience []models.Customer
	for offset := 0; ; offset += e.pageSize {
		page, err := e.finder.MatchCustomers(ctx, rules, now, e.pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("match customers at offset %d: %w", offset, err)
		}
		audience = append(audience, page...)
		if len(page) < e.pageSize {
			return audience, nil
		}
	}
}

// Page returns one page of matching customers.
func (e *Evaluator) Page(ctx context.Context, rules models.SegmentRules, limit, offset int) ([]models.Customer, error) {
	if err := Validate(rules); err != nil {
		return nil, err
	}
	return e.finder.MatchCustomers(ctx, rules, e.clock.Now(), limit, offset)
}

// Count returns the audience size for rules.
func (e *Evaluator) Count(ctx context.Context, rules models.SegmentRules) (int, error) {
	if err := Validate(rules); err != nil {
		return 0, err
	}
	return e.finder.CountMatching(ctx, rules, e.clock.Now())
}
