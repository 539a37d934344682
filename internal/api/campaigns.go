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
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/segment"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/store"
)

// campaignRequest is the body of campaign create and update requests.
// Fields left out of an update are not changed.
type campaignRequest struct {
	Name          *string                `json:"name"`
	Description   *string                `json:"description"`
	SegmentRules  *models.SegmentRules   `json:"segmentRules"`
	Message       *string                `json:"message"`
	Status        *models.CampaignStatus `json:"status"`
	ScheduledDate *time.Time             `json:"scheduledDate"`
	CreatedBy     string                 `json:"createdBy"`
}

// apply copies the request's fields onto c.
func (req *campaignRequest) apply(c *models.Campaign) {
	if req.Name != nil {
		c.Name = *req.Name
	}
	if req.Description != nil {
		c.Description = *req.Description
	}
	if req.SegmentRules != nil {
		c.SegmentRules = *req.SegmentRules
	}
	if req.Message != nil {
		c.Message = *req.Message
	}
	if req.ScheduledDate != nil {
		c.ScheduledAt = req.ScheduledDate
	}
}

// activates reports whether moving from status from to to starts a dispatch.
func activates(from, to models.CampaignStatus) bool {
	return from == models.StatusDraft && (to == models.StatusScheduled || to == models.StatusInProgress)
}

// CreateCampaign stores a campaign. A campaign created in any status other
// than draft is stored as scheduled and dispatched in the background.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == nil || req.Message == nil || req.SegmentRules == nil {
		writeError(w, http.StatusBadRequest, "name, message and segmentRules are required")
		return
	}

	c := &models.Campaign{Status: models.StatusDraft, CreatedBy: req.CreatedBy}
	req.apply(c)
	if req.Status != nil && *req.Status != models.StatusDraft {
		if !req.Status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+string(*req.Status))
			return
		}
		c.Status = models.StatusScheduled
	}
	if err := validateCampaign(c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Store.CreateCampaign(r.Context(), c); err != nil {
		slog.Error("failed to create campaign", "error", err)
		writeError(w, http.StatusInternalServerError, "error creating campaign")
		return
	}

	if c.Status == models.StatusScheduled {
		h.Dispatch.DispatchAsync(c.ID)
	}
	slog.Info("campaign created", "campaign_id", c.ID, "status", c.Status)
	writeJSON(w, http.StatusCreated, c)
}

// UpdateCampaign edits a campaign. Moving a draft to scheduled or
// in-progress activates it: it is stored as scheduled and dispatched.
// Running campaigns cannot be edited, and status may otherwise only move
// between draft and scheduled.
func (h *Handler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req campaignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	c, err := h.Store.GetCampaign(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		slog.Error("failed to get campaign", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "error updating campaign")
		return
	}
	if c.Status == models.StatusInProgress {
		writeError(w, http.StatusConflict, "campaign is being dispatched")
		return
	}

	activating := false
	if req.Status != nil && *req.Status != c.Status {
		switch {
		case activates(c.Status, *req.Status):
			activating = true
			c.Status = models.StatusScheduled
		case c.Status == models.StatusScheduled && *req.Status == models.StatusDraft:
			c.Status = models.StatusDraft
		default:
			writeError(w, http.StatusConflict, "cannot move campaign from "+string(c.Status)+" to "+string(*req.Status))
			return
		}
	}
	req.apply(c)
	if err := validateCampaign(c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.Store.UpdateCampaign(ctx, c)
	if errors.Is(err, store.ErrStatusConflict) {
		writeError(w, http.StatusConflict, "campaign is being dispatched")
		return
	}
	if err != nil {
		slog.Error("failed to update campaign", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "error updating campaign")
		return
	}

	if activating {
		h.Dispatch.DispatchAsync(c.ID)
		slog.Info("campaign activated", "campaign_id", c.ID)
	}
	writeJSON(w, http.StatusOK, c)
}

func validateCampaign(c *models.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return segment.Validate(c.SegmentRules)
}

// ListCampaigns returns one page of campaigns, newest first.
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, limit := pagination(r)
	campaigns, total, err := h.Store.ListCampaigns(r.Context(), limit, (page-1)*limit)
	if err != nil {
		slog.Error("failed to list campaigns", "error", err)
		writeError(w, http.StatusInternalServerError, "error fetching campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []models.Campaign{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaigns":   campaigns,
		"totalPages":  totalPages(total, limit),
		"currentPage": page,
		"total":       total,
	})
}

// GetCampaign returns one campaign with its current counters.
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.Store.GetCampaign(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		slog.Error("failed to get campaign", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "error fetching campaign")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteCampaign removes a campaign and its communication logs.
func (h *Handler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.Store.DeleteCampaign(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		slog.Error("failed to delete campaign", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "error deleting campaign")
		return
	}
	slog.Info("campaign deleted", "campaign_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "campaign deleted"})
}

// ListCampaignLogs returns the communication logs of a campaign.
func (h *Handler) ListCampaignLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetCampaign(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		slog.Error("failed to get campaign", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "error fetching logs")
		return
	}

	logs, err := h.Store.ListLogs(r.Context(), id)
	if err != nil {
		slog.Error("failed to list logs", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "error fetching logs")
		return
	}
	if logs == nil {
		logs = []models.CommunicationLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "total": len(logs)})
}
