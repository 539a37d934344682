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

// Campaign reconcile command
//
// Standalone CLI tool that recomputes campaign counters from their
// communication logs and completes campaigns whose receipts are all in.
// Intended for repairing campaigns left in progress after an outage.
//
// Usage:
//
//	go run ./cmd/reconcile/ [--campaign <id>] [--stale-after 5m]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/config"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/reconcile"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	campaignFlag := flag.String("campaign", "", "Campaign ID to reconcile (optional; empty = every stale in-progress campaign)")
	staleFlag := flag.String("stale-after", "0s", "Only sweep campaigns not updated for this long (e.g. 5m)")
	flag.Parse()

	staleAfter, err := time.ParseDuration(*staleFlag)
	if err != nil || staleAfter < 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid --stale-after duration %q\n\n", *staleFlag)
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StoreDriver != "postgres" {
		slog.Error("reconcile needs the postgres store", "driver", cfg.StoreDriver)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	st, err := store.NewStore(ctx, pool)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	r := reconcile.New(st, nil)

	// --- Single campaign ---
	if *campaignFlag != "" {
		c, err := r.Reconcile(ctx, *campaignFlag, reconcile.TriggerManual)
		if err != nil {
			slog.Error("reconcile failed", "campaign_id", *campaignFlag, "error", err)
			os.Exit(1)
		}
		slog.Info("campaign reconciled",
			"campaign_id", c.ID,
			"status", c.Status,
			"sent", c.SentCount,
			"delivered", c.DeliveredCount,
			"failed", c.FailedCount,
		)
		return
	}

	// --- Sweep ---
	start := time.Now()
	n, err := r.ReconcileStale(ctx, start.Add(-staleAfter), reconcile.TriggerManual)
	if err != nil {
		slog.Error("stale sweep failed", "error", err)
		os.Exit(1)
	}
	slog.Info("stale sweep complete",
		"reconciled", n,
		"elapsed", time.Since(start),
	)
}
