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

package pmm

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collector struct {
	a        *Allocator
	total    *prometheus.Desc
	free     *prometheus.Desc
	used     *prometheus.Desc
	reserved *prometheus.Desc
	zoneFree *prometheus.Desc
}

// Collector returns a prometheus collector exposing the page accounting
// counters of the allocator.
func (a *Allocator) Collector() prometheus.Collector {
	return &collector{
		a: a,
		total: prometheus.NewDesc("pmm_total_pages",
			"Total number of physical pages.", nil, nil),
		free: prometheus.NewDesc("pmm_free_pages",
			"Number of free physical pages.", nil, nil),
		used: prometheus.NewDesc("pmm_used_pages",
			"Number of allocated physical pages.", nil, nil),
		reserved: prometheus.NewDesc("pmm_reserved_pages",
			"Number of reserved physical pages.", nil, nil),
		zoneFree: prometheus.NewDesc("pmm_zone_free_pages",
			"Number of free physical pages per zone.", []string{"zone"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.free
	ch <- c.used
	ch <- c.reserved
	ch <- c.zoneFree
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue,
		float64(c.a.TotalPages()))
	ch <- prometheus.MustNewConstMetric(c.free, prometheus.GaugeValue,
		float64(c.a.FreePagesCount()))
	ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue,
		float64(c.a.UsedPages()))
	ch <- prometheus.MustNewConstMetric(c.reserved, prometheus.GaugeValue,
		float64(c.a.ReservedPages()))

	for z := ZoneDMA; z < zoneCount; z++ {
		ch <- prometheus.MustNewConstMetric(c.zoneFree, prometheus.GaugeValue,
			float64(c.a.ZoneFreePages(z)), z.String())
	}
}
