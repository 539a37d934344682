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

// Package models defines the data structures shared across the campaign
// pipeline: customers, campaigns, communication logs, and the flat field
// maps carried on the Redis streams.
package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCustomer is returned when a queued customer record is missing
// required fields or carries values that cannot be parsed.
var ErrInvalidCustomer = errors.New("invalid customer record")

// Customer is a person a campaign can be sent to.
type Customer struct {
	ID         string    `json:"id"`
	FirstName  string    `json:"firstName"`
	LastName   string    `json:"lastName"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone,omitempty"`
	TotalSpend float64   `json:"totalSpend"`
	Visits     int       `json:"visits"`
	LastActive time.Time `json:"lastActive"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NormalizeEmail trims and lower-cases an address. Uniqueness is enforced
// on the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate checks the fields a customer must carry before it is queued or
// persisted.
func (c *Customer) Validate() error {
	if strings.TrimSpace(c.FirstName) == "" {
		return fmt.Errorf("%w: firstName is required", ErrInvalidCustomer)
	}
	if strings.TrimSpace(c.LastName) == "" {
		return fmt.Errorf("%w: lastName is required", ErrInvalidCustomer)
	}
	if c.Email == "" || !strings.Contains(c.Email, "@") {
		return fmt.Errorf("%w: a valid email is required", ErrInvalidCustomer)
	}
	if c.TotalSpend < 0 || c.Visits < 0 {
		return fmt.Errorf("%w: totalSpend and visits must not be negative", ErrInvalidCustomer)
	}
	return nil
}

// Fields flattens the customer into stream fields for the customerIngest
// stream. Zero-valued optional fields are omitted.
func (c *Customer) Fields() map[string]any {
	fields := map[string]any{
		"firstName":  c.FirstName,
		"lastName":   c.LastName,
		"email":      NormalizeEmail(c.Email),
		"totalSpend": strconv.FormatFloat(c.TotalSpend, 'f', -1, 64),
		"visits":     strconv.Itoa(c.Visits),
	}
	if c.Phone != "" {
		fields["phone"] = c.Phone
	}
	if !c.LastActive.IsZero() {
		fields["lastActive"] = c.LastActive.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

// CustomerFromFields rebuilds a customer from customerIngest stream fields.
// The returned customer has no ID; the store assigns one on insert.
func CustomerFromFields(fields map[string]string) (*Customer, error) {
	c := &Customer{
		FirstName: strings.TrimSpace(fields["firstName"]),
		LastName:  strings.TrimSpace(fields["lastName"]),
		Email:     NormalizeEmail(fields["email"]),
		Phone:     strings.TrimSpace(fields["phone"]),
	}

	if v := fields["totalSpend"]; v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: totalSpend %q", ErrInvalidCustomer, v)
		}
		c.TotalSpend = f
	}
	if v := fields["visits"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: visits %q", ErrInvalidCustomer, v)
		}
		c.Visits = n
	}
	if v := fields["lastActive"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("%w: lastActive %q", ErrInvalidCustomer, v)
		}
		c.LastActive = t
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
