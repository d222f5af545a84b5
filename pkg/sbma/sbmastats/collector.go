// Copyright 2021 Intel Corporation. All Rights Reserved.
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

// Package sbmastats exposes a process's admission and residency
// counters as a prometheus.Collector, grounded on the registration
// pattern in pkg/metrics but implemented directly against
// prometheus.Collector rather than through that package's
// registry-of-named-initializers (sbma is a library, not the daemon
// that package serves, so it has no init-time collector registry to
// plug into).
package sbmastats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jliverson5/sbma/pkg/sbma/ipc"
	"github.com/jliverson5/sbma/pkg/sbma/mmu"
)

// Collector reports this peer's IPC budget and per-allocation
// residency counters on each scrape.
type Collector struct {
	ctl   *ipc.Controller
	table *mmu.Table

	smem       *prometheus.Desc
	pmem       *prometheus.Desc
	loadedPg   *prometheus.Desc
	chargedPg  *prometheus.Desc
	dirtyPg    *prometheus.Desc
	allocCount *prometheus.Desc
}

// NewCollector builds a Collector reading from ctl and table. Both must
// outlive the collector.
func NewCollector(ctl *ipc.Controller, table *mmu.Table) *Collector {
	return &Collector{
		ctl:   ctl,
		table: table,
		smem: prometheus.NewDesc(
			"sbma_shared_free_bytes",
			"Remaining free bytes in the shared RAM budget.",
			nil, nil,
		),
		pmem: prometheus.NewDesc(
			"sbma_peer_charged_bytes",
			"Bytes currently charged to this peer against the shared budget.",
			nil, nil,
		),
		loadedPg: prometheus.NewDesc(
			"sbma_loaded_pages_total",
			"Pages currently resident across all live allocations.",
			nil, nil,
		),
		chargedPg: prometheus.NewDesc(
			"sbma_charged_pages_total",
			"Pages currently charged against the shared budget across all live allocations.",
			nil, nil,
		),
		dirtyPg: prometheus.NewDesc(
			"sbma_dirty_pages_total",
			"Pages currently dirty across all live allocations.",
			nil, nil,
		),
		allocCount: prometheus.NewDesc(
			"sbma_allocations_total",
			"Number of live allocations in this process.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.smem
	ch <- c.pmem
	ch <- c.loadedPg
	ch <- c.chargedPg
	ch <- c.dirtyPg
	ch <- c.allocCount
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.smem, prometheus.GaugeValue, float64(c.ctl.Smem()))
	ch <- prometheus.MustNewConstMetric(c.pmem, prometheus.GaugeValue, float64(c.ctl.Pmem(c.ctl.ID())))

	var loaded, charged, dirty uint64
	n := 0
	_ = c.table.Each(func(ate *mmu.ATE) error {
		loaded += ate.LPages
		charged += ate.CPages
		dirty += ate.DPages
		n++
		return nil
	})

	ch <- prometheus.MustNewConstMetric(c.loadedPg, prometheus.GaugeValue, float64(loaded))
	ch <- prometheus.MustNewConstMetric(c.chargedPg, prometheus.GaugeValue, float64(charged))
	ch <- prometheus.MustNewConstMetric(c.dirtyPg, prometheus.GaugeValue, float64(dirty))
	ch <- prometheus.MustNewConstMetric(c.allocCount, prometheus.GaugeValue, float64(n))
}
