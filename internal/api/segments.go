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

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/segment"
)

type segmentRequest struct {
	Rules models.SegmentRules `json:"rules"`
}

// PreviewSegment returns the number of customers matching a rule set.
func (h *Handler) PreviewSegment(w http.ResponseWriter, r *http.Request) {
	var req segmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := h.Segments.Count(r.Context(), req.Rules)
	if err != nil {
		segmentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// SegmentCustomers returns one page of the customers matching a rule set.
func (h *Handler) SegmentCustomers(w http.ResponseWriter, r *http.Request) {
	var req segmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	page, limit := pagination(r)

	ctx := r.Context()
	total, err := h.Segments.Count(ctx, req.Rules)
	if err != nil {
		segmentError(w, err)
		return
	}
	customers, err := h.Segments.Page(ctx, req.Rules, limit, (page-1)*limit)
	if err != nil {
		segmentError(w, err)
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

func segmentError(w http.ResponseWriter, err error) {
	if errors.Is(err, segment.ErrInvalidRules) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Error("segment evaluation failed", "error", err)
	writeError(w, http.StatusInternalServerError, "error evaluating segment")
}
