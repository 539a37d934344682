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

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/store"
)

// CreateCustomer validates a customer and queues it on the ingest stream.
// The customer is stored later by the ingestion consumer, so the response
// is 202 with the stream entry ID.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var c models.Customer
	if !decodeJSON(w, r, &c) {
		return
	}
	c.Email = models.NormalizeEmail(c.Email)
	if err := c.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	_, err := h.Store.GetCustomerByEmail(ctx, c.Email)
	switch {
	case err == nil:
		writeError(w, http.StatusConflict, "customer with this email already exists")
		return
	case !errors.Is(err, store.ErrNotFound):
		slog.Error("customer lookup failed", "email", c.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "error creating customer")
		return
	}

	claimed, err := h.Claims.Claim(ctx, c.Email)
	if err != nil {
		slog.Error("email claim failed", "email", c.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "error creating customer")
		return
	}
	if !claimed {
		writeError(w, http.StatusConflict, "customer with this email is already being processed")
		return
	}

	streamID, err := h.Customers.Append(ctx, c.Fields())
	if err != nil {
		slog.Error("failed to enqueue customer", "email", c.Email, "error", err)
		if relErr := h.Claims.Release(ctx, c.Email); relErr != nil {
			slog.Warn("failed to release email claim", "email", c.Email, "error", relErr)
		}
		writeError(w, http.StatusInternalServerError, "error creating customer")
		return
	}

	slog.Info("customer queued", "email", c.Email, "stream_id", streamID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":  "customer data received and queued for processing",
		"streamId": streamID,
	})
}

// ListCustomers returns one page of customers, newest first.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	page, limit := pagination(r)
	customers, total, err := h.Store.ListCustomers(r.Context(), limit, (page-1)*limit)
	if err != nil {
		slog.Error("failed to list customers", "error", err)
		writeError(w, http.StatusInternalServerError, "error fetching customers")
		return
	}
	if customers == nil {
		customers = []models.Customer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"customers":   customers,
		"totalPages":  totalPages(total, limit),
		"currentPage": page,
		"total":       total,
	})
}

// GetCustomer returns one customer.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.Store.GetCustomer(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "customer not found")
		return
	}
	if err != nil {
		slog.Error("failed to get customer", "customer_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "error fetching customer")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// customerUpdate is the body of a customer update. Fields left out are not
// changed.
type customerUpdate struct {
	FirstName  *string    `json:"firstName"`
	LastName   *string    `json:"lastName"`
	Email      *string    `json:"email"`
	Phone      *string    `json:"phone"`
	TotalSpend *float64   `json:"totalSpend"`
	Visits     *int       `json:"visits"`
	LastActive *time.Time `json:"lastActive"`
}

func (u *customerUpdate) apply(c *models.Customer) {
	if u.FirstName != nil {
		c.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		c.LastName = *u.LastName
	}
	if u.Phone != nil {
		c.Phone = *u.Phone
	}
	if u.TotalSpend != nil {
		c.TotalSpend = *u.TotalSpend
	}
	if u.Visits != nil {
		c.Visits = *u.Visits
	}
	if u.LastActive != nil {
		c.LastActive = u.LastActive.UTC()
	}
}

// UpdateCustomer edits a customer's names, phone and aggregate fields.
// The email identifies the customer and cannot be changed.
func (h *Handler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req customerUpdate
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	c, err := h.Store.GetCustomer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "customer not found")
		return
	}
	if err != nil {
		slog.Error("failed to get customer", "customer_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "error updating customer")
		return
	}
	if req.Email != nil && models.NormalizeEmail(*req.Email) != c.Email {
		writeError(w, http.StatusBadRequest, "email cannot be changed")
		return
	}

	req.apply(c)
	if err := c.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.Store.UpdateCustomer(ctx, c)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "customer not found")
		return
	}
	if err != nil {
		slog.Error("failed to update customer", "customer_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "error updating customer")
		return
	}
	slog.Info("customer updated", "customer_id", id)
	writeJSON(w, http.StatusOK, c)
}

// DeleteCustomer removes a customer and its communication logs. A customer
// with a message in a campaign still being dispatched cannot be deleted.
func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.Store.DeleteCustomer(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "customer not found")
		return
	case errors.Is(err, store.ErrStatusConflict):
		writeError(w, http.StatusConflict, "customer has messages in a running campaign")
		return
	case err != nil:
		slog.Error("failed to delete customer", "customer_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "error deleting customer")
		return
	}
	slog.Info("customer deleted", "customer_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "customer deleted"})
}
