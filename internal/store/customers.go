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

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/segment"
)

var dialect = goqu.Dialect("postgres")

var customerColumns = []any{
	"id", "first_name", "last_name", "email", "phone",
	"total_spend", "visits", "last_active", "created_at", "updated_at",
}

// InsertCustomer persists a new customer and fills in its ID and
// timestamps. It returns ErrDuplicateCustomer if the email is taken.
func (s *Store) InsertCustomer(ctx context.Context, c *models.Customer) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Email = models.NormalizeEmail(c.Email)
	if c.LastActive.IsZero() {
		c.LastActive = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO customers
			(id, first_name, last_name, email, phone, total_spend, visits, last_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, c.ID, c.FirstName, c.LastName, c.Email, c.Phone, c.TotalSpend, c.Visits, c.LastActive,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateCustomer, c.Email)
	}
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

// GetCustomer retrieves a customer by ID.
func (s *Store) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, first_name, last_name, email, phone,
		       total_spend, visits, last_active, created_at, updated_at
		FROM customers
		WHERE id = $1
	`, id)
	return scanCustomer(row)
}

// UpdateCustomer overwrites a customer's names, phone and aggregate fields.
// The email is immutable and is not written.
func (s *Store) UpdateCustomer(ctx context.Context, c *models.Customer) error {
	err := s.pool.QueryRow(ctx, `
		UPDATE customers
		SET first_name = $2, last_name = $3, phone = $4, total_spend = $5,
		    visits = $6, last_active = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, c.ID, c.FirstName, c.LastName, c.Phone, c.TotalSpend, c.Visits, c.LastActive,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update customer: %w", err)
	}
	return nil
}

// DeleteCustomer removes a customer and, through the ON DELETE CASCADE
// foreign key, its communication logs. It returns ErrStatusConflict while
// the customer has a log in an in-progress campaign.
func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM customers
		WHERE id = $1 AND NOT EXISTS (
			SELECT 1 FROM communication_logs l
			JOIN campaigns c ON c.id = l.campaign_id
			WHERE l.customer_id = $1 AND c.status = 'in-progress'
		)
	`, id)
	if err != nil {
		return fmt.Errorf("delete customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetCustomer(ctx, id); getErr != nil {
			return getErr
		}
		return ErrStatusConflict
	}
	return nil
}

// GetCustomerByEmail retrieves a customer by normalized email.
func (s *Store) GetCustomerByEmail(ctx context.Context, email string) (*models.Customer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, first_name, last_name, email, phone,
		       total_spend, visits, last_active, created_at, updated_at
		FROM customers
		WHERE email = $1
	`, models.NormalizeEmail(email))
	return scanCustomer(row)
}

// ListCustomers returns one page of customers, newest first, and the total count.
func (s *Store) ListCustomers(ctx context.Context, limit, offset int) ([]models.Customer, int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, first_name, last_name, email, phone,
		       total_spend, visits, last_active, created_at, updated_at
		FROM customers
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	customers, err := collectCustomers(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM customers`).Scan(&total); err != nil {
		return nil, 0, err
	}
	return customers, total, nil
}

// MatchCustomers returns one page of customers matching segment rules, in
// insertion order.
func (s *Store) MatchCustomers(ctx context.Context, rules models.SegmentRules, now time.Time, limit, offset int) ([]models.Customer, error) {
	ds := dialect.From("customers").Select(customerColumns...).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		Limit(uint(limit)).Offset(uint(offset))

	where, err := segment.BuildWhere(rules, now)
	if err != nil {
		return nil, err
	}
	if where != nil {
		ds = ds.Where(where)
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build segment query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCustomers(rows)
}

// CountMatching returns the number of customers matching segment rules.
func (s *Store) CountMatching(ctx context.Context, rules models.SegmentRules, now time.Time) (int, error) {
	ds := dialect.From("customers").Select(goqu.COUNT("*"))

	where, err := segment.BuildWhere(rules, now)
	if err != nil {
		return 0, err
	}
	if where != nil {
		ds = ds.Where(where)
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build segment count: %w", err)
	}

	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// scanCustomer scans a single row into a Customer.
func scanCustomer(row pgx.Row) (*models.Customer, error) {
	var c models.Customer
	err := row.Scan(
		&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Phone,
		&c.TotalSpend, &c.Visits, &c.LastActive, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// collectCustomers scans multiple rows into a slice of Customers.
func collectCustomers(rows pgx.Rows) ([]models.Customer, error) {
	var customers []models.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, *c)
	}
	return customers, rows.Err()
}
