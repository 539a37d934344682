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

// Package metrics exposes Prometheus instrumentation for the pipeline.
// All Record methods are safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crm"

// Metrics groups the pipeline's collectors.
type Metrics struct {
	customersIngested   *prometheus.CounterVec
	customersDeadLetter prometheus.Counter
	receiptsReceived    *prometheus.CounterVec
	receiptsMalformed   prometheus.Counter
	receiptFlushes      *prometheus.CounterVec
	receiptFlushSize    prometheus.Histogram
	receiptBuffer       prometheus.Gauge
	dispatchRuns        *prometheus.CounterVec
	dispatchMessages    *prometheus.CounterVec
	vendorDeliveries    *prometheus.CounterVec
	reconciles          *prometheus.CounterVec
	campaignsCompleted  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		customersIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "customers_ingested_total",
			Help:      "Customer stream entries processed, by result.",
		}, []string{"result"}),
		customersDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "customers_dead_lettered_total",
			Help:      "Customer stream entries moved to the dead-letter stream.",
		}),
		receiptsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_received_total",
			Help:      "Delivery receipts read from the stream, by status.",
		}, []string{"status"}),
		receiptsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_malformed_total",
			Help:      "Delivery receipts skipped because they could not be parsed.",
		}),
		receiptFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_flushes_total",
			Help:      "Receipt buffer flushes, by trigger and result.",
		}, []string{"trigger", "result"}),
		receiptFlushSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "receipt_flush_size",
			Help:      "Number of receipts written per flush.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		receiptBuffer: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "receipt_buffer_size",
			Help:      "Receipts waiting in the buffer.",
		}),
		dispatchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_runs_total",
			Help:      "Campaign dispatch runs, by result.",
		}, []string{"result"}),
		dispatchMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_messages_total",
			Help:      "Per-recipient dispatch attempts, by result.",
		}, []string{"result"}),
		vendorDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_deliveries_total",
			Help:      "Simulated vendor deliveries, by outcome.",
		}, []string{"status"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaign_reconciles_total",
			Help:      "Campaign stats reconciliations, by trigger.",
		}, []string{"trigger"}),
		campaignsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaigns_completed_total",
			Help:      "Campaigns moved to completed.",
		}),
	}

	reg.MustRegister(
		m.customersIngested,
		m.customersDeadLetter,
		m.receiptsReceived,
		m.receiptsMalformed,
		m.receiptFlushes,
		m.receiptFlushSize,
		m.receiptBuffer,
		m.dispatchRuns,
		m.dispatchMessages,
		m.vendorDeliveries,
		m.reconciles,
		m.campaignsCompleted,
	)
	return m
}

func (m *Metrics) RecordCustomerIngested(result string) {
	if m == nil {
		return
	}
	m.customersIngested.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCustomerDeadLettered() {
	if m == nil {
		return
	}
	m.customersDeadLetter.Inc()
}

func (m *Metrics) RecordReceipt(status string) {
	if m == nil {
		return
	}
	m.receiptsReceived.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordMalformedReceipt() {
	if m == nil {
		return
	}
	m.receiptsMalformed.Inc()
}

// RecordFlush counts one flush attempt and, on success, its size.
func (m *Metrics) RecordFlush(trigger string, size int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		m.receiptFlushSize.Observe(float64(size))
	}
	m.receiptFlushes.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) SetReceiptBuffer(n int) {
	if m == nil {
		return
	}
	m.receiptBuffer.Set(float64(n))
}

func (m *Metrics) RecordDispatchRun(result string) {
	if m == nil {
		return
	}
	m.dispatchRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDispatchMessage(result string) {
	if m == nil {
		return
	}
	m.dispatchMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordVendorDelivery(status string) {
	if m == nil {
		return
	}
	m.vendorDeliveries.WithLabelValues(status).Inc()
}

// RecordReconcile counts one reconciliation and whether it completed the campaign.
func (m *Metrics) RecordReconcile(trigger string, completed bool) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(trigger).Inc()
	if completed {
		m.campaignsCompleted.Inc()
	}
}
