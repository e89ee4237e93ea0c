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

package queue

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Parts of Prometheus metric names.
const (
	namespace = "litequeue"
	subsystem = "queue"
)

// Kinds of units of work.
var kinds = []string{"checkpoint", "connection", "savepoint", "transaction"}

// opsCounter counts units of work by kind.
type opsCounter map[string]*atomic.Int64

// inc increments the counter for the given kind.
func (oc opsCounter) inc(kind string) {
	oc[kind].Add(1)
}

// queueMetrics holds queue's metrics.
type queueMetrics struct {
	labels  prometheus.Labels
	ops     opsCounter
	waiting atomic.Int64
}

// newQueueMetrics creates metrics for the queue to the given database.
func newQueueMetrics(path string) *queueMetrics {
	m := &queueMetrics{
		labels: prometheus.Labels{
			"db": path,
		},
		ops: make(opsCounter, len(kinds)),
	}

	for _, kind := range kinds {
		m.ops[kind] = new(atomic.Int64)
	}

	return m
}

// Describe implements prometheus.Collector.
func (q *Queue) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(q, ch)
}

// Collect implements prometheus.Collector.
//
// It also collects metrics of the underlying connection.
func (q *Queue) Collect(ch chan<- prometheus.Metric) {
	for _, kind := range kinds {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(
				prometheus.BuildFQName(namespace, subsystem, "operations_total"),
				"The number of units of work run by the queue.",
				[]string{"kind"}, q.m.labels,
			),
			prometheus.CounterValue,
			float64(q.m.ops[kind].Load()),
			kind,
		)
	}

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "waiting"),
			"The number of callers waiting for their turn.",
			nil, q.m.labels,
		),
		prometheus.GaugeValue,
		float64(q.m.waiting.Load()),
	)

	q.c.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*Queue)(nil)
)
