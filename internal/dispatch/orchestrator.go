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

// Package dispatch sends a campaign to its audience.
//
// A dispatch run moves the campaign to in-progress, resolves the audience,
// records the audience size, and then for every recipient creates a
// communication log and hands the message to the vendor. Delivery outcomes
// come back later as receipts; the run itself only knows what it issued.
// Once every recipient has been issued, a stall timer is armed that
// reconciles the campaign if receipts stop arriving. A run cancelled part
// way stops issuing and lowers the sent count to the logs it created.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/metrics"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/reconcile"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/store"
)

// ErrNotDispatchable is returned when the campaign is not in draft or
// scheduled state, which means another run already started it.
var ErrNotDispatchable = errors.New("campaign is not dispatchable")

// Store is the subset of the document store a dispatch run writes to.
type Store interface {
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	BeginCampaignRun(ctx context.Context, id string) (*models.Campaign, error)
	SetCampaignAudience(ctx context.Context, id string, sent int) error
	SetCampaignStatus(ctx context.Context, id string, status models.CampaignStatus) error
	CreateLog(ctx context.Context, l *models.CommunicationLog) error
}

// AudienceResolver returns the customers matching a campaign's rules.
type AudienceResolver interface {
	Resolve(ctx context.Context, rules models.SegmentRules) ([]models.Customer, error)
}

// Deliverer sends one message and reports its outcome on the receipts stream.
type Deliverer interface {
	Deliver(ctx context.Context, customer *models.Customer, campaign *models.Campaign, logID string) (models.LogStatus, error)
}

// Reconciler recomputes a campaign's stats.
type Reconciler interface {
	Reconcile(ctx context.Context, campaignID string, trigger reconcile.Trigger) (*models.Campaign, error)
}

// Config tunes the orchestrator.
type Config struct {
	Concurrency  int
	StallTimeout time.Duration
}

// Result summarises one dispatch run.
type Result struct {
	CampaignID string
	// Sent is the audience size recorded on the campaign.
	Sent int
	// Issued counts recipients whose log was created and whose delivery
	// was handed to the vendor without error.
	Issued int
	// Failed counts recipients that hit an error, either creating the log
	// or in the vendor call. Their errors are aggregated in Err.
	Failed int
	// Skipped counts recipients never issued because the run was cancelled.
	// Sent is lowered to the number of logs created when this is non-zero.
	Skipped int
	Err     error
}

// Orchestrator runs campaign dispatches.
type Orchestrator struct {
	store      Store
	audience   AudienceResolver
	vendor     Deliverer
	reconciler Reconciler
	cfg        Config
	clock      clock.WithDelayedExecution
	metrics    *metrics.Metrics

	// ctx is the base context for asynchronous runs and stall timers.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[string]clock.Timer
}

// New creates an orchestrator. A nil clock uses the real clock.
func New(st Store, audience AudienceResolver, vendor Deliverer, reconciler Reconciler, cfg Config, clk clock.WithDelayedExecution, m *metrics.Metrics) *Orchestrator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 32
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      st,
		audience:   audience,
		vendor:     vendor,
		reconciler: reconciler,
		cfg:        cfg,
		clock:      clk,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		timers:     make(map[string]clock.Timer),
	}
}

// DispatchAsync runs Dispatch in the background on the orchestrator's own
// context, so it outlives the request that triggered it.
func (o *Orchestrator) DispatchAsync(campaignID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		res, err := o.Dispatch(o.ctx, campaignID)
		if err != nil {
			if errors.Is(err, ErrNotDispatchable) {
				slog.Warn("campaign dispatch skipped",
					"campaign_id", campaignID,
					"error", err,
				)
				return
			}
			slog.Error("campaign dispatch failed",
				"campaign_id", campaignID,
				"error", err,
			)
			return
		}
		if res.Err != nil {
			slog.Warn("campaign dispatched with recipient failures",
				"campaign_id", campaignID,
				"sent", res.Sent,
				"failed", res.Failed,
				"error", res.Err,
			)
		}
	}()
}

// Dispatch sends a campaign to its audience and waits until every recipient
// has been handled. Per-recipient failures do not fail the run; they are
// reported in the Result. An error is returned only if the run could not
// start or could not resolve and record its audience, in which case the
// campaign is marked failed.
func (o *Orchestrator) Dispatch(ctx context.Context, campaignID string) (*Result, error) {
	campaign, err := o.store.BeginCampaignRun(ctx, campaignID)
	switch {
	case errors.Is(err, store.ErrStatusConflict):
		o.metrics.RecordDispatchRun("skipped")
		return nil, fmt.Errorf("%w: %s", ErrNotDispatchable, campaignID)
	case err != nil:
		o.metrics.RecordDispatchRun("error")
		return nil, fmt.Errorf("start campaign %s: %w", campaignID, err)
	}

	audience, err := o.audience.Resolve(ctx, campaign.SegmentRules)
	if err != nil {
		return nil, o.abort(ctx, campaignID, fmt.Errorf("resolve audience: %w", err))
	}
	if err := o.store.SetCampaignAudience(ctx, campaignID, len(audience)); err != nil {
		return nil, o.abort(ctx, campaignID, fmt.Errorf("record audience: %w", err))
	}
	campaign.SentCount = len(audience)

	slog.Info("campaign dispatch started",
		"campaign_id", campaignID,
		"audience", len(audience),
	)

	res := &Result{CampaignID: campaignID, Sent: len(audience)}
	if len(audience) == 0 {
		if _, err := o.reconciler.Reconcile(ctx, campaignID, reconcile.TriggerDispatch); err != nil {
			slog.Error("empty campaign reconcile failed",
				"campaign_id", campaignID,
				"error", err,
			)
		}
		o.metrics.RecordDispatchRun("empty")
		return res, nil
	}

	var (
		mu     sync.Mutex
		errs   *multierror.Error
		g      errgroup.Group
		logged int
	)
	g.SetLimit(o.cfg.Concurrency)

	for i := range audience {
		if ctx.Err() != nil {
			break
		}
		customer := &audience[i]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			created, err := o.send(ctx, campaign, customer)
			mu.Lock()
			defer mu.Unlock()
			if created {
				logged++
			}
			if err != nil {
				res.Failed++
				errs = multierror.Append(errs, err)
				o.metrics.RecordDispatchMessage("error")
				return nil
			}
			res.Issued++
			o.metrics.RecordDispatchMessage("issued")
			return nil
		})
	}

	if ctx.Err() == nil {
		// Every recipient is now issued; some may still be waiting on the vendor.
		o.armStallTimer(campaignID)
	}

	_ = g.Wait()
	res.Err = errs.ErrorOrNil()

	if ctx.Err() != nil && logged < len(audience) {
		o.truncate(ctx, res, logged)
		return res, nil
	}

	o.metrics.RecordDispatchRun("dispatched")
	slog.Info("campaign dispatch finished",
		"campaign_id", campaignID,
		"sent", res.Sent,
		"issued", res.Issued,
		"failed", res.Failed,
	)
	return res, nil
}

// truncate lowers the campaign's sent count to the logs actually created by
// a cancelled run and reconciles it, so the receipts of those logs alone can
// complete it.
func (o *Orchestrator) truncate(ctx context.Context, res *Result, logged int) {
	ctx = context.WithoutCancel(ctx)
	res.Skipped = res.Sent - logged
	res.Sent = logged

	o.metrics.RecordDispatchRun("cancelled")
	slog.Warn("campaign dispatch cancelled",
		"campaign_id", res.CampaignID,
		"sent", logged,
		"skipped", res.Skipped,
	)
	if err := o.store.SetCampaignAudience(ctx, res.CampaignID, logged); err != nil {
		slog.Error("failed to record truncated audience",
			"campaign_id", res.CampaignID,
			"error", err,
		)
		return
	}
	if _, err := o.reconciler.Reconcile(ctx, res.CampaignID, reconcile.TriggerDispatch); err != nil {
		slog.Error("cancelled campaign reconcile failed",
			"campaign_id", res.CampaignID,
			"error", err,
		)
	}
}

// send creates the communication log for one recipient and hands the
// message to the vendor. created reports whether the log was stored.
func (o *Orchestrator) send(ctx context.Context, campaign *models.Campaign, customer *models.Customer) (created bool, err error) {
	l := &models.CommunicationLog{
		CustomerID: customer.ID,
		CampaignID: campaign.ID,
		Channel:    models.ChannelEmail,
		Message:    campaign.Message,
		Status:     models.LogSent,
	}
	if err := o.store.CreateLog(ctx, l); err != nil {
		slog.Error("communication log create failed",
			"campaign_id", campaign.ID,
			"customer_id", customer.ID,
			"error", err,
		)
		return false, fmt.Errorf("customer %s: create log: %w", customer.ID, err)
	}

	if _, err := o.vendor.Deliver(ctx, customer, campaign, l.ID); err != nil {
		slog.Error("vendor delivery failed",
			"campaign_id", campaign.ID,
			"customer_id", customer.ID,
			"log_id", l.ID,
			"error", err,
		)
		return true, fmt.Errorf("customer %s: deliver: %w", customer.ID, err)
	}
	return true, nil
}

// abort marks the campaign failed and returns cause.
func (o *Orchestrator) abort(ctx context.Context, campaignID string, cause error) error {
	o.metrics.RecordDispatchRun("failed")
	if err := o.store.SetCampaignStatus(context.WithoutCancel(ctx), campaignID, models.StatusFailed); err != nil {
		slog.Error("failed to mark campaign failed",
			"campaign_id", campaignID,
			"cause", cause,
			"error", err,
		)
	}
	slog.Error("campaign dispatch aborted",
		"campaign_id", campaignID,
		"error", cause,
	)
	return fmt.Errorf("dispatch campaign %s: %w", campaignID, cause)
}

// armStallTimer schedules a reconciliation of the campaign after the stall
// timeout, replacing any timer already armed for it.
func (o *Orchestrator) armStallTimer(campaignID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if t, ok := o.timers[campaignID]; ok {
		t.Stop()
	}
	// The callback may run under the clock's own lock, so it only hands off.
	var timer clock.Timer
	timer = o.clock.AfterFunc(o.cfg.StallTimeout, func() {
		go func() {
			o.mu.Lock()
			if o.timers[campaignID] == timer {
				delete(o.timers, campaignID)
			}
			o.mu.Unlock()
			o.onStall(campaignID)
		}()
	})
	o.timers[campaignID] = timer
}

func (o *Orchestrator) onStall(campaignID string) {
	if o.ctx.Err() != nil {
		return
	}
	c, err := o.store.GetCampaign(o.ctx, campaignID)
	if err != nil {
		slog.Error("stall check failed",
			"campaign_id", campaignID,
			"error", err,
		)
		return
	}
	if c.Status != models.StatusInProgress {
		return
	}

	c, err = o.reconciler.Reconcile(o.ctx, campaignID, reconcile.TriggerStall)
	if err != nil {
		slog.Error("stall reconcile failed",
			"campaign_id", campaignID,
			"error", err,
		)
		return
	}
	if c.Status == models.StatusInProgress {
		slog.Warn("campaign stalled with missing receipts",
			"campaign_id", campaignID,
			"sent", c.SentCount,
			"processed", c.Processed(),
		)
	}
}

// PendingStallTimers returns the number of armed stall timers.
func (o *Orchestrator) PendingStallTimers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.timers)
}

// Stop cancels in-flight runs and pending stall timers and waits for the
// runs to return. Cancelled runs keep only the recipients they issued;
// campaigns left in progress are picked up by the sweeper.
func (o *Orchestrator) Stop() {
	o.cancel()

	o.mu.Lock()
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	o.mu.Unlock()

	o.wg.Wait()
}
