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
	"log/slog"
	"net/http"
	"time"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
)

// DeliveryReceipt accepts a vendor delivery callback and queues it on the
// receipts stream for the batcher. A receipt without deliveredAt is stamped
// with the time it arrived.
func (h *Handler) DeliveryReceipt(w http.ResponseWriter, r *http.Request) {
	var u models.DeliveryUpdate
	if !decodeJSON(w, r, &u) {
		return
	}
	if err := u.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if u.DeliveredAt.IsZero() {
		u.DeliveredAt = time.Now().UTC()
	}

	streamID, err := h.Receipts.Append(r.Context(), u.Fields())
	if err != nil {
		slog.Error("failed to enqueue delivery receipt",
			"message_id", u.MessageID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "error processing delivery receipt")
		return
	}

	slog.Debug("delivery receipt queued",
		"message_id", u.MessageID,
		"status", u.Status,
		"stream_id", streamID,
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":  "delivery receipt received",
		"streamId": streamID,
	})
}
