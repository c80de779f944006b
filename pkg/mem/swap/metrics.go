// Copyright The kmemsim Authors. All Rights Reserved.
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

package swap

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collector struct {
	m          *Manager
	slotsTotal *prometheus.Desc
	slotsUsed  *prometheus.Desc
	outPages   *prometheus.Desc
	inPages    *prometheus.Desc
	compressed *prometheus.Desc
	raw        *prometheus.Desc
	bytes      *prometheus.Desc
}

// Collector returns a prometheus collector exposing slot occupancy and
// page-out/page-in counters of the manager.
func (m *Manager) Collector() prometheus.Collector {
	return &collector{
		m: m,
		slotsTotal: prometheus.NewDesc("swap_slots_total",
			"Total number of swap slots across all areas.", nil, nil),
		slotsUsed: prometheus.NewDesc("swap_slots_used",
			"Number of occupied swap slots.", nil, nil),
		outPages: prometheus.NewDesc("swap_out_pages_total",
			"Number of pages swapped out.", nil, nil),
		inPages: prometheus.NewDesc("swap_in_pages_total",
			"Number of pages swapped in.", nil, nil),
		compressed: prometheus.NewDesc("swap_compressed_writes_total",
			"Number of slot writes stored compressed.", nil, nil),
		raw: prometheus.NewDesc("swap_raw_writes_total",
			"Number of slot writes stored raw.", nil, nil),
		bytes: prometheus.NewDesc("swap_compressed_bytes_total",
			"Total payload bytes of compressed slot writes.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.slotsTotal
	ch <- c.slotsUsed
	ch <- c.outPages
	ch <- c.inPages
	ch <- c.compressed
	ch <- c.raw
	ch <- c.bytes
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.m.mu.Lock()
	total, used := uint64(0), uint64(0)
	for _, a := range c.m.areas {
		if a != nil {
			total += uint64(a.slots)
			used += uint64(a.used)
		}
	}
	out, in := c.m.swappedOut, c.m.swappedIn
	compressed, raw, bytes := c.m.compressedWrites, c.m.rawWrites, c.m.compressedBytes
	c.m.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(c.slotsTotal, prometheus.GaugeValue, float64(total))
	ch <- prometheus.MustNewConstMetric(c.slotsUsed, prometheus.GaugeValue, float64(used))
	ch <- prometheus.MustNewConstMetric(c.outPages, prometheus.CounterValue, float64(out))
	ch <- prometheus.MustNewConstMetric(c.inPages, prometheus.CounterValue, float64(in))
	ch <- prometheus.MustNewConstMetric(c.compressed, prometheus.CounterValue, float64(compressed))
	ch <- prometheus.MustNewConstMetric(c.raw, prometheus.CounterValue, float64(raw))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(bytes))
}
