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

package debug

import (
	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/FerretDB/litequeue/internal/util/lazyerrors"
)

// plotter builds statsviz plots from Prometheus metrics.
type plotter struct {
	g prometheus.Gatherer
}

// newPlotter returns a new plotter for the given (preferably caching) gatherer.
func newPlotter(g prometheus.Gatherer) *plotter {
	return &plotter{
		g: g,
	}
}

// plotConfig describes a single plot; every series is a sum of all metrics in the family.
type plotConfig struct {
	name   string
	title  string
	series []string
}

// plotConfigs lists plots of litequeue metrics.
var plotConfigs = []plotConfig{{
	name:   "litequeue_statements",
	title:  "Statements",
	series: []string{"litequeue_conn_executes_total", "litequeue_conn_statement_cache_hits_total"},
}, {
	name:   "litequeue_contention",
	title:  "Contention",
	series: []string{"litequeue_queue_waiting", "litequeue_conn_busy_retries_total"},
}, {
	name:   "litequeue_cursors",
	title:  "Open cursors and cached statements",
	series: []string{"litequeue_conn_cursors_open", "litequeue_conn_statements_cached"},
}}

// plots returns statsviz plots for plotConfigs.
func (p *plotter) plots() ([]statsviz.TimeSeriesPlot, error) {
	res := make([]statsviz.TimeSeriesPlot, 0, len(plotConfigs))

	for _, pc := range plotConfigs {
		series := make([]statsviz.TimeSeries, len(pc.series))

		for i, name := range pc.series {
			series[i] = statsviz.TimeSeries{
				Name:     name,
				Unitfmt:  "%{y:.4s}",
				GetValue: func() float64 { return p.sum(name) },
			}
		}

		plot, err := statsviz.TimeSeriesPlotConfig{
			Name:   pc.name,
			Title:  pc.title,
			Type:   statsviz.Scatter,
			Series: series,
		}.Build()
		if err != nil {
			return nil, lazyerrors.Errorf("%s: %w", pc.name, err)
		}

		res = append(res, plot)
	}

	return res, nil
}

// sum returns the sum of all metrics of the family with the given name,
// or zero if there is no such family.
func (p *plotter) sum(name string) float64 {
	mfs, err := p.g.Gather()
	if err != nil {
		return 0
	}

	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}

		var res float64
		for _, m := range mf.GetMetric() {
			res += value(mf.GetType(), m)
		}

		return res
	}

	return 0
}

// value returns a single value of the metric with the given type.
func value(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue()
	case dto.MetricType_SUMMARY:
		return m.GetSummary().GetSampleSum()
	case dto.MetricType_HISTOGRAM:
		return m.GetHistogram().GetSampleSum()
	case dto.MetricType_GAUGE_HISTOGRAM:
		return m.GetHistogram().GetSampleSum()
	default:
		return 0
	}
}
