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

// Package ingest consumes the customer ingest stream and persists customers.
//
// An entry is acknowledged only after the customer is stored. Entries that
// fail (invalid fields, duplicate email, store errors) stay pending and are
// picked up again by the reclaim loop once they have been idle long enough.
// After MaxDeliveries attempts an entry is copied to the dead-letter stream
// and acknowledged.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/config"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/metrics"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/queue"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/store"
)

// Source is the consumer-group view of the customer ingest stream.
type Source interface {
	Name() string
	ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]models.StreamMessage, error)
	Ack(ctx context.Context, ids ...string) error
	Pending(ctx context.Context, minIdle time.Duration, count int64) ([]queue.PendingEntry, error)
	Claim(ctx context.Context, consumer string, minIdle time.Duration, ids ...string) ([]models.StreamMessage, error)
}

// Appender appends an entry to a stream.
type Appender interface {
	Append(ctx context.Context, fields map[string]any) (string, error)
}

// Store persists customers.
type Store interface {
	InsertCustomer(ctx context.Context, c *models.Customer) error
}

// Ingestion results, used for logging and metrics.
const (
	resultInserted  = "inserted"
	resultDuplicate = "duplicate"
	resultInvalid   = "invalid"
	resultError     = "error"
)

const reclaimBatch = 100

// Consumer reads customers from the ingest stream one at a time.
type Consumer struct {
	source     Source
	deadLetter Appender
	store      Store
	cfg        config.IngestConfig
	clock      clock.WithTicker
	metrics    *metrics.Metrics
	name       string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer with a unique name in the source's group.
// A nil clock uses the real clock.
func NewConsumer(source Source, deadLetter Appender, st Store, cfg config.IngestConfig, clk clock.WithTicker, m *metrics.Metrics) *Consumer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = 100 * time.Millisecond
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.ErrorBackoff {
		cfg.MaxBackoff = cfg.ErrorBackoff
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	return &Consumer{
		source:     source,
		deadLetter: deadLetter,
		store:      st,
		cfg:        cfg,
		clock:      clk,
		metrics:    m,
		name:       "consumer-" + uuid.New().String(),
	}
}

// Name returns the consumer's name within its group.
func (c *Consumer) Name() string { return c.name }

// Start launches the read loop and, if a reclaim interval is configured,
// the reclaim loop.
func (c *Consumer) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(loopCtx)
	}()

	if c.cfg.ReclaimInterval > 0 {
		ticker := c.clock.NewTicker(c.cfg.ReclaimInterval)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-loopCtx.Done():
					return
				case <-ticker.C():
					if _, err := c.Reclaim(loopCtx); err != nil && loopCtx.Err() == nil {
						slog.Error("customer reclaim failed", "error", err)
					}
				}
			}
		}()
	}

	slog.Info("customer ingestion consumer started",
		"consumer", c.name,
		"stream", c.source.Name(),
	)
}

// Stop cancels both loops and waits for them to exit. An entry being
// processed when Stop is called is left pending.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Run reads and processes entries until ctx is cancelled. Read errors back
// off exponentially up to MaxBackoff and never end the loop.
func (c *Consumer) Run(ctx context.Context) {
	backoff := time.Duration(0)
	for ctx.Err() == nil {
		msgs, err := c.source.ReadGroup(ctx, c.name, 1, c.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.ErrorBackoff, c.cfg.MaxBackoff)
			slog.Error("customer stream read failed",
				"consumer", c.name,
				"backoff", backoff,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(backoff):
			}
			continue
		}
		backoff = 0

		for _, msg := range msgs {
			c.process(ctx, msg)
		}
	}
}

// nextBackoff doubles prev, starting at base and capped at ceiling.
func nextBackoff(prev, base, ceiling time.Duration) time.Duration {
	if prev <= 0 {
		return base
	}
	next := prev * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

// process stores one customer and acknowledges the entry on success. It
// returns the ingestion result.
func (c *Consumer) process(ctx context.Context, msg models.StreamMessage) string {
	result := c.insert(ctx, msg)
	c.metrics.RecordCustomerIngested(result)
	if result != resultInserted {
		return result
	}

	if err := c.source.Ack(ctx, msg.ID); err != nil {
		// The entry will be reclaimed and fail as a duplicate, then dead-lettered.
		slog.Error("customer ack failed",
			"stream_id", msg.ID,
			"error", err,
		)
	}
	return result
}

func (c *Consumer) insert(ctx context.Context, msg models.StreamMessage) string {
	customer, err := models.CustomerFromFields(msg.Fields)
	if err != nil {
		slog.Warn("invalid customer entry left pending",
			"stream_id", msg.ID,
			"error", err,
		)
		return resultInvalid
	}

	err = c.store.InsertCustomer(ctx, customer)
	switch {
	case err == nil:
		slog.Info("customer ingested",
			"stream_id", msg.ID,
			"customer_id", customer.ID,
		)
		return resultInserted
	case errors.Is(err, store.ErrDuplicateCustomer):
		slog.Warn("duplicate customer entry left pending",
			"stream_id", msg.ID,
			"email", customer.Email,
		)
		return resultDuplicate
	default:
		slog.Error("customer insert failed",
			"stream_id", msg.ID,
			"error", err,
		)
		return resultError
	}
}

// Reclaim takes over entries that have been pending for at least
// ReclaimMinIdle, from any consumer in the group, and processes them again.
// Entries already delivered MaxDeliveries times are dead-lettered instead.
// It returns the number of entries handled.
func (c *Consumer) Reclaim(ctx context.Context) (int, error) {
	pending, err := c.source.Pending(ctx, c.cfg.ReclaimMinIdle, reclaimBatch)
	if err != nil {
		return 0, err
	}

	var retry, dead []string
	for _, p := range pending {
		if p.Deliveries >= int64(c.cfg.MaxDeliveries) {
			dead = append(dead, p.ID)
		} else {
			retry = append(retry, p.ID)
		}
	}

	handled := 0
	if len(dead) > 0 {
		msgs, err := c.source.Claim(ctx, c.name, c.cfg.ReclaimMinIdle, dead...)
		if err != nil {
			return handled, err
		}
		for _, msg := range msgs {
			if err := c.deadLetterEntry(ctx, msg); err != nil {
				return handled, err
			}
			handled++
		}
	}

	if len(retry) > 0 {
		msgs, err := c.source.Claim(ctx, c.name, c.cfg.ReclaimMinIdle, retry...)
		if err != nil {
			return handled, err
		}
		for _, msg := range msgs {
			c.process(ctx, msg)
			handled++
		}
	}
	return handled, nil
}

func (c *Consumer) deadLetterEntry(ctx context.Context, msg models.StreamMessage) error {
	fields := make(map[string]any, len(msg.Fields)+2)
	for k, v := range msg.Fields {
		fields[k] = v
	}
	fields["sourceId"] = msg.ID
	fields["sourceStream"] = c.source.Name()

	if _, err := c.deadLetter.Append(ctx, fields); err != nil {
		return err
	}
	if err := c.source.Ack(ctx, msg.ID); err != nil {
		return err
	}

	c.metrics.RecordCustomerDeadLettered()
	slog.Warn("customer entry dead-lettered",
		"stream_id", msg.ID,
		"max_deliveries", c.cfg.MaxDeliveries,
	)
	return nil
}
