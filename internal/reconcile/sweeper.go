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

package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Sweeper periodically reconciles in-progress campaigns that have gone
// quiet. It catches campaigns whose stall timer was lost, for example
// because the process restarted mid-dispatch.
type Sweeper struct {
	reconciler *Reconciler
	clock      clock.WithTicker
	interval   time.Duration
	staleAfter time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper that runs every interval and reconciles
// in-progress campaigns not updated for staleAfter. A nil clock uses the
// real clock.
func NewSweeper(r *Reconciler, interval, staleAfter time.Duration, clk clock.WithTicker) *Sweeper {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		reconciler: r,
		clock:      clk,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// SweepOnce runs a single sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	return s.reconciler.ReconcileStale(ctx, s.clock.Now().Add(-s.staleAfter), TriggerSweep)
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := s.clock.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C():
				n, err := s.SweepOnce(loopCtx)
				if err != nil {
					slog.Error("stale campaign sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("stale campaigns reconciled", "count", n)
				}
			}
		}
	}()

	slog.Info("stale campaign sweeper started",
		"interval", s.interval,
		"stale_after", s.staleAfter,
	)
}

// Stop shuts down the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
