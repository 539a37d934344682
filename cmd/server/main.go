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

// Campaign service
//
// Entry point for the campaign dispatch service. It:
//  1. Loads configuration from config.yaml, .env and the environment
//  2. Connects to PostgreSQL (or uses the in-memory store) and Redis
//  3. Starts the customer ingestion consumer, the receipt batcher and the
//     stale campaign sweeper
//  4. Serves the REST API, which queues customers and receipts and
//     triggers campaign dispatch
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/api"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/config"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/metrics"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/pipeline"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/store"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/store/memory"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting campaign service",
		"store", cfg.StoreDriver,
		"customer_stream", cfg.CustomerStream.Name,
		"receipt_stream", cfg.ReceiptStream.Name,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Document Store ---
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// --- Pipeline ---
	p := pipeline.New(cfg, st, rdb, nil, m)
	if err := p.Start(ctx); err != nil {
		slog.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(p.APIDeps(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
	}

	// --- Graceful Shutdown ---
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		// Stop taking requests first so no new dispatches start.
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		p.Stop()
		cancel()
	}()

	slog.Info("campaign service listening", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-stopped
	slog.Info("campaign service stopped")
}

// openStore opens the configured document store and returns a func that
// releases it.
func openStore(ctx context.Context, cfg *config.Config) (pipeline.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		slog.Warn("using in-memory store, data will not survive a restart")
		return memory.New(nil), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("create postgres pool: %w", err)
	}
	st, err := store.NewStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("connected to PostgreSQL")
	return st, pool.Close, nil
}
