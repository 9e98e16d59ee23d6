// Copyright 2025 Edgeo SCADA
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

package modbus

import (
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	var c Counter

	if c.Value() != 0 {
		t.Errorf("Initial value: expected 0, got %d", c.Value())
	}

	c.Add(5)
	if c.Value() != 5 {
		t.Errorf("After Add(5): expected 5, got %d", c.Value())
	}

	c.Add(-2)
	if c.Value() != 3 {
		t.Errorf("After Add(-2): expected 3, got %d", c.Value())
	}

	c.Reset()
	if c.Value() != 0 {
		t.Errorf("After Reset: expected 0, got %d", c.Value())
	}
}

func TestLatencyHistogram(t *testing.T) {
	h := NewLatencyHistogram()

	h.Observe(500 * time.Microsecond)
	h.Observe(2 * time.Millisecond)
	h.Observe(10 * time.Millisecond)
	h.Observe(50 * time.Millisecond)
	h.Observe(100 * time.Millisecond)

	stats := h.Stats()

	if stats.Count != 5 {
		t.Errorf("Count: expected 5, got %d", stats.Count)
	}

	if stats.Min < 0.4 || stats.Min > 0.6 {
		t.Errorf("Min: expected ~0.5, got %.2f", stats.Min)
	}

	if stats.Max < 99 || stats.Max > 101 {
		t.Errorf("Max: expected ~100, got %.2f", stats.Max)
	}

	if stats.Avg < 32 || stats.Avg > 33 {
		t.Errorf("Avg: expected ~32.5, got %.2f", stats.Avg)
	}
}

func TestLatencyHistogramReset(t *testing.T) {
	h := NewLatencyHistogram()

	h.Observe(5 * time.Millisecond)
	h.Observe(10 * time.Millisecond)

	h.Reset()

	stats := h.Stats()
	if stats.Count != 0 {
		t.Errorf("Count after reset: expected 0, got %d", stats.Count)
	}
	if stats.Sum != 0 {
		t.Errorf("Sum after reset: expected 0, got %.2f", stats.Sum)
	}
}

func TestChannelMetricsCollect(t *testing.T) {
	m := NewChannelMetrics()

	m.RequestsTotal.Add(10)
	m.RequestsSuccess.Add(8)
	m.RequestsTimeout.Add(2)
	m.Reconnections.Add(1)

	collected := m.Collect()
	if collected["requests_total"] != int64(10) {
		t.Errorf("requests_total: expected 10, got %v", collected["requests_total"])
	}
	if collected["requests_success"] != int64(8) {
		t.Errorf("requests_success: expected 8, got %v", collected["requests_success"])
	}
	if collected["requests_timeout"] != int64(2) {
		t.Errorf("requests_timeout: expected 2, got %v", collected["requests_timeout"])
	}
	if collected["reconnections"] != int64(1) {
		t.Errorf("reconnections: expected 1, got %v", collected["reconnections"])
	}

	m.Reset()
	if m.RequestsTotal.Value() != 0 || m.Latency.Stats().Count != 0 {
		t.Error("Reset did not clear all metrics")
	}
}

func TestServerMetricsCollect(t *testing.T) {
	m := &ServerMetrics{}

	m.RequestsTotal.Add(4)
	m.RequestsDropped.Add(1)
	m.AuthDenied.Add(2)

	collected := m.Collect()
	if collected["requests_total"] != int64(4) {
		t.Errorf("requests_total: expected 4, got %v", collected["requests_total"])
	}
	if collected["requests_dropped"] != int64(1) {
		t.Errorf("requests_dropped: expected 1, got %v", collected["requests_dropped"])
	}
	if collected["auth_denied"] != int64(2) {
		t.Errorf("auth_denied: expected 2, got %v", collected["auth_denied"])
	}
}
