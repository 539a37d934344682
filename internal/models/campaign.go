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

package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	StatusDraft      CampaignStatus = "draft"
	StatusScheduled  CampaignStatus = "scheduled"
	StatusInProgress CampaignStatus = "in-progress"
	StatusCompleted  CampaignStatus = "completed"
	StatusFailed     CampaignStatus = "failed"
)

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ErrInvalidCampaign is returned for campaigns that fail validation.
var ErrInvalidCampaign = errors.New("invalid campaign")

// SegmentRules selects the audience of a campaign. Conditions are combined
// with Operator ("AND" or "OR", OR when empty). An empty rule set matches
// every customer.
type SegmentRules struct {
	Operator   string      `json:"operator"`
	Conditions []Condition `json:"conditions"`
}

// Condition compares one customer field against a value. Value arrives from
// JSON as either a number or a numeric string.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Campaign is a message sent to the audience selected by SegmentRules.
type Campaign struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	SegmentRules   SegmentRules   `json:"segmentRules"`
	Message        string         `json:"message"`
	Status         CampaignStatus `json:"status"`
	ScheduledAt    *time.Time     `json:"scheduledDate,omitempty"`
	SentCount      int            `json:"sentCount"`
	DeliveredCount int            `json:"deliveredCount"`
	FailedCount    int            `json:"failedCount"`
	CreatedBy      string         `json:"createdBy,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Validate checks the fields required to persist a campaign.
func (c *Campaign) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCampaign)
	}
	if strings.TrimSpace(c.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidCampaign)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidCampaign, c.Status)
	}
	return nil
}

// Dispatchable reports whether the campaign may start a dispatch run.
func (c *Campaign) Dispatchable() bool {
	return c.Status == StatusDraft || c.Status == StatusScheduled
}

// Processed is the number of recipients with a terminal receipt.
func (c *Campaign) Processed() int {
	return c.DeliveredCount + c.FailedCount
}

// ApplyStats records receipt counts and moves an in-progress campaign to
// completed once every sent message has a terminal receipt. It returns true
// when the status changed. Calling it repeatedly with the same counts is a
// no-op after the first call.
func (c *Campaign) ApplyStats(delivered, failed int) bool {
	c.DeliveredCount = delivered
	c.FailedCount = failed
	if c.Status == StatusInProgress && c.Processed() >= c.SentCount {
		c.Status = StatusCompleted
		return true
	}
	return false
}
