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

// Package reconcile derives campaign counters and completion from the
// communication logs. Reconcile reads only the logs, so it can be called any
// number of times, from any trigger, in any order, and converges on the same
// result.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/metrics"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
)

// Trigger names what caused a reconciliation. It is used for logging and metrics.
type Trigger string

const (
	TriggerDispatch Trigger = "dispatch"
	TriggerFlush    Trigger = "flush"
	TriggerStall    Trigger = "stall"
	TriggerSweep    Trigger = "sweep"
	TriggerManual   Trigger = "manual"
)

// Store is the subset of the document store the reconciler needs.
type Store interface {
	CountLogsByStatus(ctx context.Context, campaignID string) (delivered, failed int, err error)
	ApplyCampaignStats(ctx context.Context, id string, delivered, failed int) (*models.Campaign, bool, error)
	ListStaleCampaigns(ctx context.Context, status models.CampaignStatus, before time.Time) ([]models.Campaign, error)
}

// Reconciler recomputes campaign stats from communication logs.
type Reconciler struct {
	store   Store
	metrics *metrics.Metrics
}

// New creates a reconciler over store.
func New(store Store, m *metrics.Metrics) *Reconciler {
	return &Reconciler{store: store, metrics: m}
}

// Reconcile counts the delivered and failed logs of a campaign, writes the
// counters, and completes the campaign if every sent message has a terminal
// receipt. It returns the campaign as written.
func (r *Reconciler) Reconcile(ctx context.Context, campaignID string, trigger Trigger) (*models.Campaign, error) {
	delivered, failed, err := r.store.CountLogsByStatus(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count logs for campaign %s: %w", campaignID, err)
	}

	c, completed, err := r.store.ApplyCampaignStats(ctx, campaignID, delivered, failed)
	if err != nil {
		return nil, fmt.Errorf("apply stats for campaign %s: %w", campaignID, err)
	}

	r.metrics.RecordReconcile(string(trigger), completed)
	if completed {
		slog.Info("campaign completed",
			"campaign_id", campaignID,
			"trigger", trigger,
			"sent", c.SentCount,
			"delivered", delivered,
			"failed", failed,
		)
	} else {
		slog.Debug("campaign reconciled",
			"campaign_id", campaignID,
			"trigger", trigger,
			"status", c.Status,
			"processed", c.Processed(),
			"sent", c.SentCount,
		)
	}
	return c, nil
}

// ReconcileStale reconciles every in-progress campaign not updated since
// before. Failures are logged and do not stop the sweep. It returns the
// number of campaigns reconciled successfully.
func (r *Reconciler) ReconcileStale(ctx context.Context, before time.Time, trigger Trigger) (int, error) {
	stale, err := r.store.ListStaleCampaigns(ctx, models.StatusInProgress, before)
	if err != nil {
		return 0, fmt.Errorf("list stale campaigns: %w", err)
	}

	n := 0
	for _, c := range stale {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := r.Reconcile(ctx, c.ID, trigger); err != nil {
			slog.Error("stale campaign reconcile failed",
				"campaign_id", c.ID,
				"error", err,
			)
			continue
		}
		n++
	}
	return n, nil
}
