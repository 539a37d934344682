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

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// TestRecordFlush verifies flush counters and the size histogram.
func TestRecordFlush(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordFlush("threshold", 10, nil)
	m.RecordFlush("interval", 3, nil)
	m.RecordFlush("interval", 3, errors.New("db down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.receiptFlushes.WithLabelValues("threshold", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.receiptFlushes.WithLabelValues("interval", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.receiptFlushes.WithLabelValues("interval", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.receiptFlushSize))
}

// TestRecordReconcile verifies that completions are counted separately.
func TestRecordReconcile(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordReconcile("flush", false)
	m.RecordReconcile("stall", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciles.WithLabelValues("flush")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciles.WithLabelValues("stall")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.campaignsCompleted))
}

// TestNilMetrics verifies that a nil *Metrics is a no-op.
func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCustomerIngested("inserted")
		m.RecordFlush("interval", 1, nil)
		m.SetReceiptBuffer(4)
		m.RecordReconcile("flush", true)
	})
}
