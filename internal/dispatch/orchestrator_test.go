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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/reconcile"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/segment"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/store/memory"
)

// mockVendor records deliveries without emitting receipts.
type mockVendor struct {
	mu       sync.Mutex
	logIDs   []string
	failFor  map[string]bool
	hold     chan struct{}
	inFlight int
	maxSeen  int
}

func (m *mockVendor) Deliver(ctx context.Context, customer *models.Customer, _ *models.Campaign, logID string) (models.LogStatus, error) {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxSeen {
		m.maxSeen = m.inFlight
	}
	m.mu.Unlock()

	if m.hold != nil {
		select {
		case <-m.hold:
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	if m.failFor[customer.Email] {
		return models.LogFailed, errors.New("vendor unreachable")
	}
	m.logIDs = append(m.logIDs, logID)
	return models.LogSent, nil
}

func (m *mockVendor) delivered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.logIDs...)
}

// failingResolver always fails.
type failingResolver struct{}

func (failingResolver) Resolve(context.Context, models.SegmentRules) ([]models.Customer, error) {
	return nil, errors.New("segment query timed out")
}

// cancellableStore fails log writes once the caller's context is done.
type cancellableStore struct {
	*memory.Store
}

func (s cancellableStore) CreateLog(ctx context.Context, l *models.CommunicationLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.CreateLog(ctx, l)
}

type fixture struct {
	store  *memory.Store
	clock  *clocktesting.FakeClock
	vendor *mockVendor
	orch   *Orchestrator
}

func newFixture(t *testing.T, customers int, cfg Config) *fixture {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	s := memory.New(clk)
	for i := 0; i < customers; i++ {
		require.NoError(t, s.InsertCustomer(context.Background(), &models.Customer{
			FirstName:  "F",
			LastName:   "L",
			Email:      fmt.Sprintf("c%d@example.com", i),
			TotalSpend: float64(100 * (i + 1)),
		}))
	}

	v := &mockVendor{failFor: map[string]bool{}}
	o := New(s, segment.NewEvaluator(s, clk), v, reconcile.New(s, nil), cfg, clk, nil)
	t.Cleanup(o.Stop)
	return &fixture{store: s, clock: clk, vendor: v, orch: o}
}

func (f *fixture) campaign(t *testing.T, status models.CampaignStatus, rules models.SegmentRules) *models.Campaign {
	t.Helper()
	c := &models.Campaign{Name: "launch", Message: "hello", Status: status, SegmentRules: rules}
	require.NoError(t, f.store.CreateCampaign(context.Background(), c))
	return c
}

func (f *fixture) get(t *testing.T, id string) *models.Campaign {
	t.Helper()
	c, err := f.store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	return c
}

// receipts applies terminal statuses to the first len(statuses) logs.
func (f *fixture) receipts(t *testing.T, campaignID string, statuses ...models.LogStatus) {
	t.Helper()
	ctx := context.Background()
	logs, err := f.store.ListLogs(ctx, campaignID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(logs), len(statuses))

	updates := make([]models.DeliveryUpdate, len(statuses))
	for i, st := range statuses {
		updates[i] = models.DeliveryUpdate{MessageID: logs[i].ID, Status: st, DeliveredAt: f.clock.Now()}
	}
	_, err = f.store.ApplyDeliveryUpdates(ctx, updates)
	require.NoError(t, err)
}

// TestDispatchSendsToAudience verifies logs, vendor calls and counters.
func TestDispatchSendsToAudience(t *testing.T) {
	f := newFixture(t, 4, Config{StallTimeout: 30 * time.Second})
	rules := models.SegmentRules{Conditions: []models.Condition{{Field: "totalSpend", Operator: ">", Value: 150}}}
	c := f.campaign(t, models.StatusScheduled, rules)

	res, err := f.orch.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 3, res.Issued)
	assert.Zero(t, res.Failed)
	assert.NoError(t, res.Err)

	got := f.get(t, c.ID)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Equal(t, 3, got.SentCount)

	logs, err := f.store.ListLogs(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for _, l := range logs {
		assert.Equal(t, models.LogSent, l.Status)
		assert.Equal(t, "hello", l.Message)
		assert.Contains(t, f.vendor.delivered(), l.ID)
	}
	assert.Equal(t, 1, f.orch.PendingStallTimers())
}

// TestDispatchStallKeepsIncompleteCampaignOpen verifies that with 5 sent and
// only 3 receipts, the stall reconciliation updates counters but does not
// complete the campaign.
func TestDispatchStallKeepsIncompleteCampaignOpen(t *testing.T) {
	f := newFixture(t, 5, Config{StallTimeout: 30 * time.Second})
	c := f.campaign(t, models.StatusScheduled, models.SegmentRules{})

	_, err := f.orch.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)
	f.receipts(t, c.ID, models.LogDelivered, models.LogDelivered, models.LogFailed)

	f.clock.Step(30 * time.Second)

	require.Eventually(t, func() bool {
		return f.get(t, c.ID).Processed() == 3
	}, 2*time.Second, 5*time.Millisecond)
	got := f.get(t, c.ID)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Equal(t, 5, got.SentCount)
	assert.Equal(t, 2, got.DeliveredCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Zero(t, f.orch.PendingStallTimers())
}

// TestDispatchStallCompletesWhenAllReceiptsArrived verifies the stall path
// completes a campaign whose receipts are all in but never reconciled.
func TestDispatchStallCompletesWhenAllReceiptsArrived(t *testing.T) {
	f := newFixture(t, 2, Config{StallTimeout: time.Minute})
	c := f.campaign(t, models.StatusScheduled, models.SegmentRules{})

	_, err := f.orch.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)
	f.receipts(t, c.ID, models.LogDelivered, models.LogFailed)

	f.clock.Step(59 * time.Second)
	assert.Equal(t, models.StatusInProgress, f.get(t, c.ID).Status)

	f.clock.Step(time.Second)
	require.Eventually(t, func() bool {
		return f.get(t, c.ID).Status == models.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

// TestDispatchTwiceIsRejected verifies the double-send guard.
func TestDispatchTwiceIsRejected(t *testing.T) {
	f := newFixture(t, 2, Config{})
	c := f.campaign(t, models.StatusScheduled, models.SegmentRules{})

	_, err := f.orch.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)

	_, err = f.orch.Dispatch(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrNotDispatchable)
	assert.Len(t, f.vendor.delivered(), 2)
	assert.Equal(t, models.StatusInProgress, f.get(t, c.ID).Status)
}

// TestDispatchResolveFailureMarksFailed verifies the abort path.
func TestDispatchResolveFailureMarksFailed(t *testing.T) {
	f := newFixture(t, 1, Config{})
	f.orch.audience = failingResolver{}
	c := f.campaign(t, models.StatusDraft, models.SegmentRules{})

	_, err := f.orch.Dispatch(context.Background(), c.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment query timed out")
	assert.Equal(t, models.StatusFailed, f.get(t, c.ID).Status)
	assert.Empty(t, f.vendor.delivered())
}

// TestDispatchRecipientFailuresDoNotAbort verifies partial failure handling.
func TestDispatchRecipientFailuresDoNotAbort(t *testing.T) {
	f := newFixture(t, 3, Config{})
	f.vendor.failFor["c1@example.com"] = true
	c := f.campaign(t, models.StatusScheduled, models.SegmentRules{})

	res, err := f.orch.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 2, res.Issued)
	assert.Equal(t, 1, res.Failed)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "vendor unreachable")
}

// TestDispatchEmptyAudienceCompletes verifies that a campaign nobody
// matches completes at once.
func TestDispatchEmptyAudienceCompletes(t *testing.T) {
	f := newFixture(t, 2, Config{})
	rules := models.SegmentRules{Conditions: []models.Condition{{Field: "visits", Operator: ">", Value: 1000}}}
	c := f.campaign(t, models.StatusScheduled, rules)

	res, err := f.orch.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Equal(t, models.StatusCompleted, f.get(t, c.ID).Status)
	assert.Zero(t, f.orch.PendingStallTimers())
}

// TestDispatchBoundsConcurrency verifies the worker pool limit.
func TestDispatchBoundsConcurrency(t *testing.T) {
	f := newFixture(t, 8, Config{Concurrency: 2})
	f.vendor.hold = make(chan struct{})
	c := f.campaign(t, models.StatusScheduled, models.SegmentRules{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.orch.Dispatch(context.Background(), c.ID)
	}()

	require.Eventually(t, func() bool {
		f.vendor.mu.Lock()
		defer f.vendor.mu.Unlock()
		return f.vendor.inFlight == 2
	}, time.Second, time.Millisecond)
	close(f.vendor.hold)
	<-done

	assert.Equal(t, 2, f.vendor.maxSeen)
	assert.Len(t, f.vendor.delivered(), 8)
}

// TestDispatchAsyncAndStop verifies background runs are waited for on Stop.
func TestDispatchAsyncAndStop(t *testing.T) {
	f := newFixture(t, 3, Config{})
	c := f.campaign(t, models.StatusScheduled, models.SegmentRules{})

	f.orch.DispatchAsync(c.ID)
	require.Eventually(t, func() bool {
		return len(f.vendor.delivered()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	f.orch.Stop()
	assert.Zero(t, f.orch.PendingStallTimers())
	assert.Equal(t, 3, f.get(t, c.ID).SentCount)
}

// TestDispatchStopMidRunKeepsCampaignCompletable verifies that stopping the
// orchestrator during a run stops issuing, lowers the sent count to the logs
// created, and lets their receipts complete the campaign.
func TestDispatchStopMidRunKeepsCampaignCompletable(t *testing.T) {
	f := newFixture(t, 10, Config{Concurrency: 1})
	f.orch.store = cancellableStore{f.store}
	f.vendor.hold = make(chan struct{})
	c := f.campaign(t, models.StatusScheduled, models.SegmentRules{})

	f.orch.DispatchAsync(c.ID)
	require.Eventually(t, func() bool {
		f.vendor.mu.Lock()
		defer f.vendor.mu.Unlock()
		return f.vendor.inFlight == 1
	}, 2*time.Second, time.Millisecond)

	f.orch.Stop()

	logs, err := f.store.ListLogs(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	got := f.get(t, c.ID)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Zero(t, f.orch.PendingStallTimers())

	f.receipts(t, c.ID, models.LogFailed)
	got, err = reconcile.New(f.store, nil).Reconcile(context.Background(), c.ID, reconcile.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.FailedCount)
}

// TestDispatchCancelledContextSkipsRemainingRecipients verifies the result of
// a run whose context is cancelled while a delivery is in flight.
func TestDispatchCancelledContextSkipsRemainingRecipients(t *testing.T) {
	f := newFixture(t, 4, Config{Concurrency: 1})
	f.orch.store = cancellableStore{f.store}
	f.vendor.hold = make(chan struct{})
	c := f.campaign(t, models.StatusScheduled, models.SegmentRules{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan *Result, 1)
	go func() {
		res, err := f.orch.Dispatch(ctx, c.ID)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		f.vendor.mu.Lock()
		defer f.vendor.mu.Unlock()
		return f.vendor.inFlight == 1
	}, 2*time.Second, time.Millisecond)
	cancel()

	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 1, f.get(t, c.ID).SentCount)
}
