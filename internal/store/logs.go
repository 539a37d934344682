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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
)

// CreateLog persists a communication log with status sent and fills in its
// ID and timestamps.
func (s *Store) CreateLog(ctx context.Context, l *models.CommunicationLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Channel == "" {
		l.Channel = models.ChannelEmail
	}
	if l.Status == "" {
		l.Status = models.LogSent
	}
	if l.SentAt.IsZero() {
		l.SentAt = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO communication_logs
			(id, customer_id, campaign_id, channel, message, status, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, l.ID, l.CustomerID, l.CampaignID, l.Channel, l.Message, l.Status, l.SentAt,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert communication log: %w", err)
	}
	return nil
}

// GetLog retrieves a communication log by ID.
func (s *Store) GetLog(ctx context.Context, id string) (*models.CommunicationLog, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, campaign_id, channel, message, status,
		       sent_at, delivered_at, processed_at, error, created_at, updated_at
		FROM communication_logs
		WHERE id = $1
	`, id)
	return scanLog(row)
}

// ListLogs returns the communication logs of a campaign in send order.
func (s *Store) ListLogs(ctx context.Context, campaignID string) ([]models.CommunicationLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, customer_id, campaign_id, channel, message, status,
		       sent_at, delivered_at, processed_at, error, created_at, updated_at
		FROM communication_logs
		WHERE campaign_id = $1
		ORDER BY sent_at, id
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLogs(rows)
}

// ApplyDeliveryUpdates applies a batch of receipts in a single statement and
// returns the distinct campaign IDs whose logs changed. When the batch holds
// several receipts for one message, the last one wins. Receipts for unknown
// messages are ignored.
func (s *Store) ApplyDeliveryUpdates(ctx context.Context, updates []models.DeliveryUpdate) ([]string, error) {
	updates = lastPerMessage(updates)
	if len(updates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(updates))
	statuses := make([]string, len(updates))
	deliveredAt := make([]time.Time, len(updates))
	errs := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.MessageID
		statuses[i] = string(u.Status)
		deliveredAt[i] = u.DeliveredAt
		errs[i] = u.Error
	}

	rows, err := s.pool.Query(ctx, `
		UPDATE communication_logs AS l
		SET status       = u.status,
		    delivered_at = u.delivered_at,
		    error        = u.error,
		    processed_at = NOW(),
		    updated_at   = NOW()
		FROM unnest($1::text[], $2::text[], $3::timestamptz[], $4::text[])
		     AS u(id, status, delivered_at, error)
		WHERE l.id = u.id
		RETURNING l.campaign_id
	`, ids, statuses, deliveredAt, errs)
	if err != nil {
		return nil, fmt.Errorf("bulk update communication logs: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var campaignIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			campaignIDs = append(campaignIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bulk update communication logs: %w", err)
	}
	return campaignIDs, nil
}

// CountLogsByStatus counts the delivered and failed logs of a campaign.
func (s *Store) CountLogsByStatus(ctx context.Context, campaignID string) (delivered, failed int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'delivered'),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM communication_logs
		WHERE campaign_id = $1
	`, campaignID).Scan(&delivered, &failed)
	return delivered, failed, err
}

// lastPerMessage keeps the last receipt per message ID, preserving the order
// in which each message first appeared.
func lastPerMessage(updates []models.DeliveryUpdate) []models.DeliveryUpdate {
	index := make(map[string]int, len(updates))
	out := make([]models.DeliveryUpdate, 0, len(updates))
	for _, u := range updates {
		if i, ok := index[u.MessageID]; ok {
			out[i] = u
			continue
		}
		index[u.MessageID] = len(out)
		out = append(out, u)
	}
	return out
}

// scanLog scans a single row into a CommunicationLog.
func scanLog(row pgx.Row) (*models.CommunicationLog, error) {
	var l models.CommunicationLog
	err := row.Scan(
		&l.ID, &l.CustomerID, &l.CampaignID, &l.Channel, &l.Message, &l.Status,
		&l.SentAt, &l.DeliveredAt, &l.ProcessedAt, &l.Error, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// collectLogs scans multiple rows into a slice of CommunicationLogs.
func collectLogs(rows pgx.Rows) ([]models.CommunicationLog, error) {
	var logs []models.CommunicationLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}
