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

// Package segment evaluates campaign segment rules. The same rules compile
// to a SQL predicate for the Postgres store and to an in-memory matcher for
// the in-process store.
//
// Supported fields:
//
//	totalSpend    numeric, compared directly
//	visits        numeric, compared directly
//	lastActive    RFC 3339 timestamp, compared directly
//	inactiveDays  N; matches customers whose lastActive is at least N days ago
//
// Operators are > < = >= <=. Conditions combine with AND or OR; a missing
// combinator means OR.
package segment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
)

// ErrInvalidRules is returned for rule sets that cannot be evaluated.
var ErrInvalidRules = errors.New("invalid segment rules")

const (
	fieldTotalSpend   = "totalSpend"
	fieldVisits       = "visits"
	fieldLastActive   = "lastActive"
	fieldInactiveDays = "inactiveDays"
)

// Validate reports whether every condition names a known field, a known
// operator and a parseable value.
func Validate(rules models.SegmentRules) error {
	if _, err := combinator(rules.Operator); err != nil {
		return err
	}
	for _, c := range rules.Conditions {
		if _, err := compile(c, time.Time{}); err != nil {
			return err
		}
	}
	return nil
}

// BuildWhere compiles rules into a goqu predicate on the customers table.
// It returns nil when the rules match every customer.
func BuildWhere(rules models.SegmentRules, now time.Time) (exp.Expression, error) {
	or, err := combinator(rules.Operator)
	if err != nil {
		return nil, err
	}
	if len(rules.Conditions) == 0 {
		return nil, nil
	}

	exprs := make([]exp.Expression, 0, len(rules.Conditions))
	for _, c := range rules.Conditions {
		p, err := compile(c, now)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, p.sql())
	}
	if or {
		return goqu.Or(exprs...), nil
	}
	return goqu.And(exprs...), nil
}

// Matches evaluates rules against a single customer.
func Matches(rules models.SegmentRules, c *models.Customer, now time.Time) (bool, error) {
	or, err := combinator(rules.Operator)
	if err != nil {
		return false, err
	}
	if len(rules.Conditions) == 0 {
		return true, nil
	}

	for _, cond := range rules.Conditions {
		p, err := compile(cond, now)
		if err != nil {
			return false, err
		}
		ok := p.match(c)
		if or && ok {
			return true, nil
		}
		if !or && !ok {
			return false, nil
		}
	}
	return !or, nil
}

func combinator(op string) (or bool, err error) {
	switch strings.ToUpper(strings.TrimSpace(op)) {
	case "AND":
		return false, nil
	case "", "OR":
		return true, nil
	}
	return false, fmt.Errorf("%w: combinator %q", ErrInvalidRules, op)
}

// predicate is a compiled condition: a column, an operator and a value that
// is either a float64 or a time.Time.
type predicate struct {
	column string
	op     string
	value  any
	field  func(*models.Customer) any
}

func compile(c models.Condition, now time.Time) (predicate, error) {
	switch c.Operator {
	case ">", "<", "=", ">=", "<=":
	default:
		return predicate{}, fmt.Errorf("%w: operator %q", ErrInvalidRules, c.Operator)
	}

	switch c.Field {
	case fieldTotalSpend:
		v, err := number(c.Value)
		if err != nil {
			return predicate{}, fmt.Errorf("%w: %s value: %v", ErrInvalidRules, c.Field, err)
		}
		return predicate{column: "total_spend", op: c.Operator, value: v,
			field: func(cu *models.Customer) any { return cu.TotalSpend }}, nil

	case fieldVisits:
		v, err := number(c.Value)
		if err != nil {
			return predicate{}, fmt.Errorf("%w: %s value: %v", ErrInvalidRules, c.Field, err)
		}
		return predicate{column: "visits", op: c.Operator, value: v,
			field: func(cu *models.Customer) any { return float64(cu.Visits) }}, nil

	case fieldLastActive:
		s, ok := c.Value.(string)
		if !ok {
			return predicate{}, fmt.Errorf("%w: lastActive value must be a timestamp", ErrInvalidRules)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return predicate{}, fmt.Errorf("%w: lastActive value: %v", ErrInvalidRules, err)
		}
		return predicate{column: "last_active", op: c.Operator, value: t,
			field: func(cu *models.Customer) any { return cu.LastActive }}, nil

	case fieldInactiveDays:
		// The operator is ignored: inactivity always means "last active on or
		// before the cutoff".
		days, err := number(c.Value)
		if err != nil {
			return predicate{}, fmt.Errorf("%w: %s value: %v", ErrInvalidRules, c.Field, err)
		}
		cutoff := now.Add(-time.Duration(days * float64(24*time.Hour)))
		return predicate{column: "last_active", op: "<=", value: cutoff,
			field: func(cu *models.Customer) any { return cu.LastActive }}, nil
	}

	return predicate{}, fmt.Errorf("%w: field %q", ErrInvalidRules, c.Field)
}

func (p predicate) sql() exp.Expression {
	col := goqu.C(p.column)
	switch p.op {
	case ">":
		return col.Gt(p.value)
	case "<":
		return col.Lt(p.value)
	case ">=":
		return col.Gte(p.value)
	case "<=":
		return col.Lte(p.value)
	}
	return col.Eq(p.value)
}

func (p predicate) match(c *models.Customer) bool {
	var cmp int
	switch want := p.value.(type) {
	case float64:
		got := p.field(c).(float64)
		switch {
		case got < want:
			cmp = -1
		case got > want:
			cmp = 1
		}
	case time.Time:
		cmp = p.field(c).(time.Time).Compare(want)
	}

	switch p.op {
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	}
	return cmp == 0
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return 0, fmt.Errorf("not a number: %v", v)
}
