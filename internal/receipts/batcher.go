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

// Package receipts consumes the delivery receipts stream and applies the
// receipts to communication logs in batches.
//
// Receipts are acknowledged as soon as they are parsed, before the batch is
// written. A crash between the ack and the flush loses those receipts and
// leaves their campaigns short of completion. Moving the ack after the flush
// would make delivery at-least-once at the cost of holding stream entries
// pending for the length of a bulk write.
package receipts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"k8s.io/utils/clock"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/config"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/metrics"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/reconcile"
)

// Reader reads and acknowledges entries of a consumer group.
type Reader interface {
	ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]models.StreamMessage, error)
	Ack(ctx context.Context, ids ...string) error
}

// Store applies a batch of receipts and returns the campaigns it touched.
type Store interface {
	ApplyDeliveryUpdates(ctx context.Context, updates []models.DeliveryUpdate) ([]string, error)
}

// Reconciler recomputes a campaign's stats.
type Reconciler interface {
	Reconcile(ctx context.Context, campaignID string, trigger reconcile.Trigger) (*models.Campaign, error)
}

// Flush triggers, used for logging and metrics.
const (
	flushThreshold = "threshold"
	flushInterval  = "interval"
	flushShutdown  = "shutdown"
)

// finalFlushTimeout bounds the flush performed on Stop.
const finalFlushTimeout = 10 * time.Second

// Batcher reads receipts into a Buffer and flushes the buffer to the store
// when it reaches the threshold or when the flush interval elapses.
type Batcher struct {
	reader     Reader
	store      Store
	reconciler Reconciler
	cfg        config.ReceiptConfig
	clock      clock.WithTicker
	metrics    *metrics.Metrics
	consumer   string

	buf      Buffer
	flushNow chan struct{}
	flushMu  sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBatcher creates a batcher. A nil clock uses the real clock.
func NewBatcher(reader Reader, store Store, reconciler Reconciler, cfg config.ReceiptConfig, clk clock.WithTicker, m *metrics.Metrics) *Batcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.ReadBatchSize <= 0 {
		cfg.ReadBatchSize = 50
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = time.Second
	}
	return &Batcher{
		reader:     reader,
		store:      store,
		reconciler: reconciler,
		cfg:        cfg,
		clock:      clk,
		metrics:    m,
		consumer:   "batcher-" + uuid.New().String(),
		flushNow:   make(chan struct{}, 1),
	}
}

// Buffered returns the number of receipts waiting to be flushed.
func (b *Batcher) Buffered() int {
	return b.buf.Len()
}

// Start launches the read loop and the flush loop.
func (b *Batcher) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	ticker := b.clock.NewTicker(b.cfg.FlushInterval)
	readDone := make(chan struct{})

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		defer close(readDone)
		b.readLoop(loopCtx)
	}()
	go func() {
		defer b.wg.Done()
		defer ticker.Stop()
		b.flushLoop(loopCtx, ticker, readDone)
	}()

	slog.Info("receipt batcher started",
		"consumer", b.consumer,
		"flush_threshold", b.cfg.FlushThreshold,
		"flush_interval", b.cfg.FlushInterval,
	)
}

// Stop stops reading, flushes whatever is buffered, and waits for both
// loops to exit.
func (b *Batcher) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *Batcher) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := b.readOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			slog.Error("receipt stream read failed", "error", err)
			b.sleep(ctx, b.cfg.ErrorBackoff)
		case n == 0:
			b.sleep(ctx, b.cfg.EmptyBackoff)
		}
	}
}

// readOnce reads one batch, acknowledges it, and buffers the valid
// receipts. It returns the number of entries read.
func (b *Batcher) readOnce(ctx context.Context) (int, error) {
	msgs, err := b.reader.ReadGroup(ctx, b.consumer, int64(b.cfg.ReadBatchSize), b.cfg.ReadBlock)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(msgs))
	updates := make([]models.DeliveryUpdate, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
		u, err := models.ParseDeliveryUpdate(msg.Fields)
		if err != nil {
			b.metrics.RecordMalformedReceipt()
			slog.Warn("skipping malformed receipt",
				"stream_id", msg.ID,
				"error", err,
			)
			continue
		}
		b.metrics.RecordReceipt(string(u.Status))
		updates = append(updates, u)
	}

	if err := b.reader.Ack(ctx, ids...); err != nil {
		slog.Error("receipt ack failed",
			"count", len(ids),
			"error", err,
		)
	}

	size := b.buf.Add(updates...)
	b.metrics.SetReceiptBuffer(size)
	if size >= b.cfg.FlushThreshold {
		select {
		case b.flushNow <- struct{}{}:
		default:
		}
	}
	return len(msgs), nil
}

func (b *Batcher) flushLoop(ctx context.Context, ticker clock.Ticker, readDone <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			<-readDone
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			if err := b.Flush(flushCtx, flushShutdown); err != nil {
				slog.Error("final receipt flush failed",
					"lost", b.buf.Len(),
					"error", err,
				)
			}
			cancel()
			return
		case <-b.flushNow:
			_ = b.Flush(ctx, flushThreshold)
		case <-ticker.C():
			_ = b.Flush(ctx, flushInterval)
		}
	}
}

// Flush writes the buffered receipts in one bulk update and reconciles every
// campaign they touched. On a write failure the batch is returned to the
// front of the buffer and the error is returned.
func (b *Batcher) Flush(ctx context.Context, trigger string) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	batch := b.buf.Drain()
	if len(batch) == 0 {
		return nil
	}

	campaignIDs, err := b.store.ApplyDeliveryUpdates(ctx, batch)
	b.metrics.RecordFlush(trigger, len(batch), err)
	if err != nil {
		size := b.buf.PushFront(batch)
		b.metrics.SetReceiptBuffer(size)
		slog.Error("receipt flush failed, batch requeued",
			"trigger", trigger,
			"batch", len(batch),
			"buffered", size,
			"error", err,
		)
		return err
	}
	b.metrics.SetReceiptBuffer(b.buf.Len())

	slog.Debug("receipts flushed",
		"trigger", trigger,
		"batch", len(batch),
		"campaigns", len(campaignIDs),
	)

	var errs *multierror.Error
	for _, id := range campaignIDs {
		if _, err := b.reconciler.Reconcile(ctx, id, reconcile.TriggerFlush); err != nil {
			slog.Error("post-flush reconcile failed",
				"campaign_id", id,
				"error", err,
			)
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (b *Batcher) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-b.clock.After(d):
	}
}
