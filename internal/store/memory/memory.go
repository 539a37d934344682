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

// Package memory is an in-process implementation of the store used for local
// runs without Postgres and for pipeline tests. It mirrors the semantics of
// the Postgres store, including the conditional status transitions.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/segment"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/store"
)

// Store holds customers, campaigns and logs in maps guarded by one mutex.
type Store struct {
	mu    sync.Mutex
	clock clock.PassiveClock
	seq   int64

	customers map[string]*record[models.Customer]
	emails    map[string]string
	campaigns map[string]*record[models.Campaign]
	logs      map[string]*record[models.CommunicationLog]

	// failApply, when set, is returned by ApplyDeliveryUpdates instead of
	// applying the batch.
	failApply error
}

type record[T any] struct {
	seq int64
	val T
}

// New creates an empty store. A nil clock uses the real clock.
func New(clk clock.PassiveClock) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{
		clock:     clk,
		customers: make(map[string]*record[models.Customer]),
		emails:    make(map[string]string),
		campaigns: make(map[string]*record[models.Campaign]),
		logs:      make(map[string]*record[models.CommunicationLog]),
	}
}

func (s *Store) next() int64 {
	s.seq++
	return s.seq
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// --- customers ---

// InsertCustomer stores a new customer, rejecting duplicate emails.
func (s *Store) InsertCustomer(_ context.Context, c *models.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Email = models.NormalizeEmail(c.Email)
	if _, ok := s.emails[c.Email]; ok {
		return fmt.Errorf("%w: %s", store.ErrDuplicateCustomer, c.Email)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := s.clock.Now()
	if c.LastActive.IsZero() {
		c.LastActive = now
	}
	c.CreatedAt, c.UpdatedAt = now, now

	s.customers[c.ID] = &record[models.Customer]{seq: s.next(), val: *c}
	s.emails[c.Email] = c.ID
	return nil
}

// GetCustomer returns a customer by ID.
func (s *Store) GetCustomer(_ context.Context, id string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := r.val
	return &c, nil
}

// GetCustomerByEmail returns a customer by normalized email.
func (s *Store) GetCustomerByEmail(ctx context.Context, email string) (*models.Customer, error) {
	s.mu.Lock()
	id, ok := s.emails[models.NormalizeEmail(email)]
	s.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetCustomer(ctx, id)
}

// UpdateCustomer overwrites a customer's names, phone and aggregates. The
// email is left unchanged.
func (s *Store) UpdateCustomer(_ context.Context, c *models.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.customers[c.ID]
	if !ok {
		return store.ErrNotFound
	}
	r.val.FirstName = c.FirstName
	r.val.LastName = c.LastName
	r.val.Phone = c.Phone
	r.val.TotalSpend = c.TotalSpend
	r.val.Visits = c.Visits
	r.val.LastActive = c.LastActive
	r.val.UpdatedAt = s.clock.Now()
	c.UpdatedAt = r.val.UpdatedAt
	return nil
}

// DeleteCustomer removes a customer and its logs. It returns
// store.ErrStatusConflict while one of those logs belongs to an in-progress
// campaign.
func (s *Store) DeleteCustomer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.customers[id]
	if !ok {
		return store.ErrNotFound
	}
	var owned []string
	for logID, l := range s.logs {
		if l.val.CustomerID != id {
			continue
		}
		if c, ok := s.campaigns[l.val.CampaignID]; ok && c.val.Status == models.StatusInProgress {
			return store.ErrStatusConflict
		}
		owned = append(owned, logID)
	}
	for _, logID := range owned {
		delete(s.logs, logID)
	}
	delete(s.emails, r.val.Email)
	delete(s.customers, id)
	return nil
}

// ListCustomers returns one page of customers, newest first.
func (s *Store) ListCustomers(_ context.Context, limit, offset int) ([]models.Customer, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := sorted(s.customers, true)
	return page(all, limit, offset), len(all), nil
}

// MatchCustomers returns one page of customers matching rules, in insertion order.
func (s *Store) MatchCustomers(_ context.Context, rules models.SegmentRules, now time.Time, limit, offset int) ([]models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.Customer
	for _, c := range sorted(s.customers, false) {
		ok, err := segment.Matches(rules, &c, now)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, c)
		}
	}
	return page(matched, limit, offset), nil
}

// CountMatching counts customers matching rules.
func (s *Store) CountMatching(_ context.Context, rules models.SegmentRules, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.customers {
		ok, err := segment.Matches(rules, &r.val, now)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// --- campaigns ---

// CreateCampaign stores a new campaign.
func (s *Store) CreateCampaign(_ context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := s.clock.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.campaigns[c.ID] = &record[models.Campaign]{seq: s.next(), val: *c}
	return nil
}

// GetCampaign returns a campaign by ID.
func (s *Store) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := r.val
	return &c, nil
}

// ListCampaigns returns one page of campaigns, newest first.
func (s *Store) ListCampaigns(_ context.Context, limit, offset int) ([]models.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := sorted(s.campaigns, true)
	return page(all, limit, offset), len(all), nil
}

// ListStaleCampaigns returns campaigns in status not updated since before.
func (s *Store) ListStaleCampaigns(_ context.Context, status models.CampaignStatus, before time.Time) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Campaign
	for _, c := range sorted(s.campaigns, false) {
		if c.Status == status && c.UpdatedAt.Before(before) {
			out = append(out, c)
		}
	}
	return out, nil
}

// UpdateCampaign writes the editable fields of a campaign.
func (s *Store) UpdateCampaign(_ context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.campaigns[c.ID]
	if !ok {
		return store.ErrNotFound
	}
	if r.val.Status == models.StatusInProgress {
		return store.ErrStatusConflict
	}
	r.val.Name = c.Name
	r.val.Description = c.Description
	r.val.SegmentRules = c.SegmentRules
	r.val.Message = c.Message
	r.val.Status = c.Status
	r.val.ScheduledAt = c.ScheduledAt
	r.val.UpdatedAt = s.clock.Now()
	c.UpdatedAt = r.val.UpdatedAt
	return nil
}

// DeleteCampaign removes a campaign and its logs.
func (s *Store) DeleteCampaign(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.campaigns, id)
	for logID, r := range s.logs {
		if r.val.CampaignID == id {
			delete(s.logs, logID)
		}
	}
	return nil
}

// BeginCampaignRun moves a draft or scheduled campaign to in-progress.
func (s *Store) BeginCampaignRun(_ context.Context, id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !r.val.Dispatchable() {
		return nil, store.ErrStatusConflict
	}
	r.val.Status = models.StatusInProgress
	r.val.UpdatedAt = s.clock.Now()
	c := r.val
	return &c, nil
}

// SetCampaignAudience records the audience size and resets counters.
func (s *Store) SetCampaignAudience(_ context.Context, id string, sent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	r.val.SentCount = sent
	r.val.DeliveredCount = 0
	r.val.FailedCount = 0
	r.val.UpdatedAt = s.clock.Now()
	return nil
}

// SetCampaignStatus sets the status of a campaign.
func (s *Store) SetCampaignStatus(_ context.Context, id string, status models.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	r.val.Status = status
	r.val.UpdatedAt = s.clock.Now()
	return nil
}

// ApplyCampaignStats writes receipt counts and applies the completion rule
// atomically.
func (s *Store) ApplyCampaignStats(_ context.Context, id string, delivered, failed int) (*models.Campaign, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.campaigns[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	completed := r.val.ApplyStats(delivered, failed)
	r.val.UpdatedAt = s.clock.Now()
	c := r.val
	return &c, completed, nil
}

// --- communication logs ---

// CreateLog stores a communication log.
func (s *Store) CreateLog(_ context.Context, l *models.CommunicationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[l.CampaignID]; !ok {
		return fmt.Errorf("insert communication log: campaign %s: %w", l.CampaignID, store.ErrNotFound)
	}
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Channel == "" {
		l.Channel = models.ChannelEmail
	}
	if l.Status == "" {
		l.Status = models.LogSent
	}
	now := s.clock.Now()
	if l.SentAt.IsZero() {
		l.SentAt = now
	}
	l.CreatedAt, l.UpdatedAt = now, now
	s.logs[l.ID] = &record[models.CommunicationLog]{seq: s.next(), val: *l}
	return nil
}

// GetLog returns a communication log by ID.
func (s *Store) GetLog(_ context.Context, id string) (*models.CommunicationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.logs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	l := r.val
	return &l, nil
}

// ListLogs returns the logs of a campaign in send order.
func (s *Store) ListLogs(_ context.Context, campaignID string) ([]models.CommunicationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CommunicationLog
	for _, l := range sorted(s.logs, false) {
		if l.CampaignID == campaignID {
			out = append(out, l)
		}
	}
	return out, nil
}

// ApplyDeliveryUpdates applies a batch of receipts and returns the distinct
// campaign IDs touched, in first-seen order.
func (s *Store) ApplyDeliveryUpdates(_ context.Context, updates []models.DeliveryUpdate) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failApply != nil {
		return nil, s.failApply
	}

	now := s.clock.Now()
	seen := make(map[string]bool)
	var campaignIDs []string
	for _, u := range updates {
		r, ok := s.logs[u.MessageID]
		if !ok {
			continue
		}
		deliveredAt := u.DeliveredAt
		r.val.Status = u.Status
		r.val.DeliveredAt = &deliveredAt
		r.val.Error = u.Error
		r.val.ProcessedAt = &now
		r.val.UpdatedAt = now
		if !seen[r.val.CampaignID] {
			seen[r.val.CampaignID] = true
			campaignIDs = append(campaignIDs, r.val.CampaignID)
		}
	}
	return campaignIDs, nil
}

// CountLogsByStatus counts delivered and failed logs of a campaign.
func (s *Store) CountLogsByStatus(_ context.Context, campaignID string) (delivered, failed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.logs {
		if r.val.CampaignID != campaignID {
			continue
		}
		switch r.val.Status {
		case models.LogDelivered:
			delivered++
		case models.LogFailed:
			failed++
		}
	}
	return delivered, failed, nil
}

// SetFailApply sets or clears the injected bulk-update error.
func (s *Store) SetFailApply(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failApply = err
}

func sorted[T any](m map[string]*record[T], newestFirst bool) []T {
	recs := make([]*record[T], 0, len(m))
	for _, r := range m {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		if newestFirst {
			return recs[i].seq > recs[j].seq
		}
		return recs[i].seq < recs[j].seq
	})
	out := make([]T, len(recs))
	for i, r := range recs {
		out[i] = r.val
	}
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
