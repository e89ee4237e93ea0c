// Copyright 2021 FerretDB Inc.
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

package conn

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "litequeue"
	subsystem = "conn"
)

// connMetrics holds connection's counters.
// They are updated by the connection's owner and read concurrently by Collect.
type connMetrics struct {
	labels prometheus.Labels

	open        atomic.Bool
	prepared    atomic.Int64
	cacheHits   atomic.Int64
	executes    atomic.Int64
	busyRetries atomic.Int64
	cursors     atomic.Int64
	cached      atomic.Int64
}

// newConnMetrics creates metrics for the connection to the given database.
func newConnMetrics(path string) *connMetrics {
	return &connMetrics{
		labels: prometheus.Labels{
			"db": path,
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Conn) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Conn) Collect(ch chan<- prometheus.Metric) {
	m := c.m

	var open float64
	if m.open.Load() {
		open = 1
	}

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "open"),
			"Whether the connection is open.",
			nil, m.labels,
		),
		prometheus.GaugeValue,
		open,
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "statements_prepared_total"),
			"The number of statements compiled by the engine.",
			nil, m.labels,
		),
		prometheus.CounterValue,
		float64(m.prepared.Load()),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "statement_cache_hits_total"),
			"The number of executions that reused a cached statement.",
			nil, m.labels,
		),
		prometheus.CounterValue,
		float64(m.cacheHits.Load()),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "executes_total"),
			"The number of successfully started executions.",
			nil, m.labels,
		),
		prometheus.CounterValue,
		float64(m.executes.Load()),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "busy_retries_total"),
			"The number of times the busy handler slept before retrying.",
			nil, m.labels,
		),
		prometheus.CounterValue,
		float64(m.busyRetries.Load()),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "cursors_open"),
			"The number of open cursors.",
			nil, m.labels,
		),
		prometheus.GaugeValue,
		float64(m.cursors.Load()),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "statements_cached"),
			"The number of cached prepared statements.",
			nil, m.labels,
		),
		prometheus.GaugeValue,
		float64(m.cached.Load()),
	)
}

// check interfaces
var (
	_ prometheus.Collector = (*Conn)(nil)
)
