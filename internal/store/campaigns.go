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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
)

const campaignColumns = `id, name, description, segment_rules, message, status,
	scheduled_at, sent_count, delivered_count, failed_count, created_by,
	created_at, updated_at`

// CreateCampaign persists a new campaign and fills in its ID and timestamps.
func (s *Store) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	rules, err := json.Marshal(c.SegmentRules)
	if err != nil {
		return fmt.Errorf("marshal segment rules: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO campaigns
			(id, name, description, segment_rules, message, status, scheduled_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, c.ID, c.Name, c.Description, rules, c.Message, c.Status, c.ScheduledAt, c.CreatedBy,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// GetCampaign retrieves a campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	return scanCampaign(row)
}

// ListCampaigns returns one page of campaigns, newest first, and the total count.
func (s *Store) ListCampaigns(ctx context.Context, limit, offset int) ([]models.Campaign, int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns, err := collectCampaigns(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM campaigns`).Scan(&total); err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// ListStaleCampaigns returns campaigns in status that have not been updated
// since before.
func (s *Store) ListStaleCampaigns(ctx context.Context, status models.CampaignStatus, before time.Time) ([]models.Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
	`, status, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCampaigns(rows)
}

// UpdateCampaign writes the editable fields of a campaign. Counters are
// owned by the pipeline and are not touched. It returns ErrStatusConflict
// if the campaign is being dispatched.
func (s *Store) UpdateCampaign(ctx context.Context, c *models.Campaign) error {
	rules, err := json.Marshal(c.SegmentRules)
	if err != nil {
		return fmt.Errorf("marshal segment rules: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		UPDATE campaigns
		SET name = $2, description = $3, segment_rules = $4, message = $5,
		    status = $6, scheduled_at = $7, updated_at = NOW()
		WHERE id = $1 AND status <> 'in-progress'
		RETURNING updated_at
	`, c.ID, c.Name, c.Description, rules, c.Message, c.Status, c.ScheduledAt,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetCampaign(ctx, c.ID); getErr != nil {
			return getErr
		}
		return ErrStatusConflict
	}
	return err
}

// DeleteCampaign removes a campaign. Its communication logs are removed by
// the ON DELETE CASCADE foreign key.
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BeginCampaignRun moves a draft or scheduled campaign to in-progress and
// returns it. It returns ErrStatusConflict if the campaign is in any other
// state, so at most one dispatch run starts per activation.
func (s *Store) BeginCampaignRun(ctx context.Context, id string) (*models.Campaign, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE campaigns
		SET status = 'in-progress', updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'scheduled')
		RETURNING `+campaignColumns, id)
	c, err := scanCampaign(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetCampaign(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusConflict
	}
	return c, err
}

// SetCampaignAudience records the audience size of a dispatch run and
// resets the receipt counters.
func (s *Store) SetCampaignAudience(ctx context.Context, id string, sent int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET sent_count = $2, delivered_count = 0, failed_count = 0, updated_at = NOW()
		WHERE id = $1
	`, id, sent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCampaignStatus sets the status of a campaign unconditionally.
func (s *Store) SetCampaignStatus(ctx context.Context, id string, status models.CampaignStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyCampaignStats writes receipt counts and, in the same statement,
// completes an in-progress campaign whose receipts cover every sent message.
// The returned bool reports whether this call made that transition.
func (s *Store) ApplyCampaignStats(ctx context.Context, id string, delivered, failed int) (*models.Campaign, bool, error) {
	var prevStatus models.CampaignStatus
	row := s.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT status AS prev_status FROM campaigns WHERE id = $1 FOR UPDATE
		)
		UPDATE campaigns
		SET delivered_count = $2,
		    failed_count    = $3,
		    status = CASE
		        WHEN status = 'in-progress' AND $2::int + $3::int >= sent_count THEN 'completed'
		        ELSE status
		    END,
		    updated_at = NOW()
		FROM prev
		WHERE id = $1
		RETURNING `+campaignColumns+`, prev_status`, id, delivered, failed)
	c, err := scanCampaign(row, &prevStatus)
	if err != nil {
		return nil, false, err
	}
	completed := prevStatus == models.StatusInProgress && c.Status == models.StatusCompleted
	return c, completed, nil
}

// scanCampaign scans a single row into a Campaign. Columns after the
// campaign columns are scanned into extra.
func scanCampaign(row pgx.Row, extra ...any) (*models.Campaign, error) {
	var (
		c     models.Campaign
		rules []byte
	)
	dest := []any{
		&c.ID, &c.Name, &c.Description, &rules, &c.Message, &c.Status,
		&c.ScheduledAt, &c.SentCount, &c.DeliveredCount, &c.FailedCount, &c.CreatedBy,
		&c.CreatedAt, &c.UpdatedAt,
	}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rules, &c.SegmentRules); err != nil {
		return nil, fmt.Errorf("unmarshal segment rules for campaign %s: %w", c.ID, err)
	}
	return &c, nil
}

// collectCampaigns scans multiple rows into a slice of Campaigns.
func collectCampaigns(rows pgx.Rows) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}
