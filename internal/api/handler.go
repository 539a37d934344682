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

// Package api serves the HTTP endpoints that feed the pipeline: customer
// creation (enqueued on the ingest stream), campaign management (which
// triggers dispatch), delivery receipt webhooks (enqueued on the receipts
// stream), segment previews, and health.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
)

// Store is the subset of the document store the HTTP layer reads and writes.
type Store interface {
	Ping(ctx context.Context) error

	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	GetCustomerByEmail(ctx context.Context, email string) (*models.Customer, error)
	ListCustomers(ctx context.Context, limit, offset int) ([]models.Customer, int, error)
	UpdateCustomer(ctx context.Context, c *models.Customer) error
	DeleteCustomer(ctx context.Context, id string) error

	CreateCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, limit, offset int) ([]models.Campaign, int, error)
	UpdateCampaign(ctx context.Context, c *models.Campaign) error
	DeleteCampaign(ctx context.Context, id string) error
	ListLogs(ctx context.Context, campaignID string) ([]models.CommunicationLog, error)
}

// Stream appends entries to a stream and reports its health.
type Stream interface {
	Append(ctx context.Context, fields map[string]any) (string, error)
	Ping(ctx context.Context) error
}

// EmailClaims guards against queueing the same customer twice.
type EmailClaims interface {
	Claim(ctx context.Context, email string) (bool, error)
	Release(ctx context.Context, email string) error
}

// Segments evaluates segment rules.
type Segments interface {
	Count(ctx context.Context, rules models.SegmentRules) (int, error)
	Page(ctx context.Context, rules models.SegmentRules, limit, offset int) ([]models.Customer, error)
}

// Dispatcher starts a campaign dispatch in the background.
type Dispatcher interface {
	DispatchAsync(campaignID string)
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Store     Store
	Customers Stream
	Receipts  Stream
	Claims    EmailClaims
	Segments  Segments
	Dispatch  Dispatcher
	// Metrics, if set, is mounted at /metrics.
	Metrics http.Handler
}

// Handler serves the HTTP API.
type Handler struct {
	Deps
}

// NewHandler creates the API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps}
}

const requestTimeout = 30 * time.Second

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/health", h.Health)

		r.Route("/customers", func(r chi.Router) {
			r.Post("/", h.CreateCustomer)
			r.Get("/", h.ListCustomers)
			r.Get("/{id}", h.GetCustomer)
			r.Put("/{id}", h.UpdateCustomer)
			r.Delete("/{id}", h.DeleteCustomer)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.CreateCampaign)
			r.Get("/", h.ListCampaigns)
			r.Get("/{id}", h.GetCampaign)
			r.Put("/{id}", h.UpdateCampaign)
			r.Delete("/{id}", h.DeleteCampaign)
			r.Get("/{id}/logs", h.ListCampaignLogs)
		})

		r.Route("/segment", func(r chi.Router) {
			r.Post("/preview", h.PreviewSegment)
			r.Post("/customers", h.SegmentCustomers)
		})

		r.Post("/delivery-receipt", h.DeliveryReceipt)
	})
	return r
}

// requestLogger logs one line per request with slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// decodeJSON decodes the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

const (
	defaultLimit = 10
	maxLimit     = 100
)

// pagination reads page (1-based) and limit from the query string.
func pagination(r *http.Request) (page, limit int) {
	page, limit = 1, defaultLimit
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = min(l, maxLimit)
	}
	return page, limit
}

func totalPages(total, limit int) int {
	return (total + limit - 1) / limit
}

// Health reports whether the store and Redis are reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok", "redis": "ok"}
	status := http.StatusOK

	if err := h.Store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.Customers.Ping(r.Context()); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}
