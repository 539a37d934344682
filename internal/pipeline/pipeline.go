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

// Package pipeline assembles the campaign service: the two streams, the
// ingestion consumer, the receipt batcher, the dispatch orchestrator with
// its simulated vendor, and the stale campaign sweeper. It owns their start
// and shutdown order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/api"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/config"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/dedup"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/dispatch"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/ingest"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/metrics"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/queue"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/receipts"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/reconcile"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/segment"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/store"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/store/memory"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/vendor"
)

// Store is everything the pipeline reads from and writes to the document
// store. Both the Postgres store and the in-memory store satisfy it.
type Store interface {
	api.Store
	dispatch.Store
	reconcile.Store
	segment.Finder
	ingest.Store
	receipts.Store
}

var (
	_ Store = (*store.Store)(nil)
	_ Store = (*memory.Store)(nil)
)

// Pipeline holds the running components of the campaign service.
type Pipeline struct {
	Customers  *queue.Stream
	Receipts   *queue.Stream
	DeadLetter *queue.Stream
	Claims     *dedup.Filter

	Segments     *segment.Evaluator
	Reconciler   *reconcile.Reconciler
	Vendor       *vendor.Simulator
	Orchestrator *dispatch.Orchestrator
	Consumer     *ingest.Consumer
	Batcher      *receipts.Batcher
	Sweeper      *reconcile.Sweeper

	store Store
}

// New builds the pipeline over st and rdb. Nothing runs until Start.
// A nil clock uses the real clock.
func New(cfg *config.Config, st Store, rdb *redis.Client, clk clock.WithTickerAndDelayedExecution, m *metrics.Metrics) *Pipeline {
	if clk == nil {
		clk = clock.RealClock{}
	}

	p := &Pipeline{
		Customers:  queue.NewStream(rdb, cfg.CustomerStream.Name, cfg.CustomerStream.Group),
		Receipts:   queue.NewStream(rdb, cfg.ReceiptStream.Name, cfg.ReceiptStream.Group),
		DeadLetter: queue.NewStream(rdb, cfg.DeadLetterStream, ""),
		Claims:     dedup.NewFilter(rdb, cfg.EmailClaimTTL),
		store:      st,
	}

	p.Segments = segment.NewEvaluator(st, clk)
	p.Reconciler = reconcile.New(st, m)
	p.Vendor = vendor.NewSimulator(p.Receipts, vendor.Config{
		SuccessMin: cfg.Simulator.SuccessMin,
		SuccessMax: cfg.Simulator.SuccessMax,
		LatencyMin: cfg.Simulator.LatencyMin,
		LatencyMax: cfg.Simulator.LatencyMax,
		SpreadMin:  cfg.Simulator.SpreadMin,
		SpreadMax:  cfg.Simulator.SpreadMax,
	}, clk, m)
	p.Orchestrator = dispatch.New(st, p.Segments, p.Vendor, p.Reconciler, dispatch.Config{
		Concurrency:  cfg.Dispatch.Concurrency,
		StallTimeout: cfg.Dispatch.StallTimeout,
	}, clk, m)
	p.Consumer = ingest.NewConsumer(p.Customers, p.DeadLetter, st, cfg.Ingest, clk, m)
	p.Batcher = receipts.NewBatcher(p.Receipts, st, p.Reconciler, cfg.Receipts, clk, m)
	p.Sweeper = reconcile.NewSweeper(p.Reconciler, cfg.Dispatch.SweepInterval, cfg.Dispatch.SweepStaleAfter, clk)
	return p
}

// Start creates the consumer groups and launches the background loops.
func (p *Pipeline) Start(ctx context.Context) error {
	for _, s := range []*queue.Stream{p.Customers, p.Receipts} {
		if err := s.EnsureGroup(ctx); err != nil {
			return fmt.Errorf("create consumer group %s on %s: %w", s.Group(), s.Name(), err)
		}
	}

	p.Consumer.Start(ctx)
	p.Batcher.Start(ctx)
	p.Sweeper.Start(ctx)

	slog.Info("pipeline started",
		"customer_stream", p.Customers.Name(),
		"receipt_stream", p.Receipts.Name(),
		"dead_letter_stream", p.DeadLetter.Name(),
	)
	return nil
}

// Stop shuts the pipeline down. Dispatch runs stop first so that every
// receipt the vendor emits is on the stream before the batcher performs its
// final flush. The sweeper stops last.
func (p *Pipeline) Stop() {
	p.Orchestrator.Stop()
	p.Consumer.Stop()
	p.Batcher.Stop()
	p.Sweeper.Stop()
	slog.Info("pipeline stopped")
}

// APIDeps returns the collaborators of the HTTP layer. metricsHandler may
// be nil.
func (p *Pipeline) APIDeps(metricsHandler http.Handler) api.Deps {
	return api.Deps{
		Store:     p.store,
		Customers: p.Customers,
		Receipts:  p.Receipts,
		Claims:    p.Claims,
		Segments:  p.Segments,
		Dispatch:  p.Orchestrator,
		Metrics:   metricsHandler,
	}
}
