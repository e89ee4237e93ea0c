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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// gatherTTL is how long gathered metrics are reused.
//
// statsviz calls every series' GetValue once per second, so all series share one gathering.
const gatherTTL = time.Second

// gatherer caches metrics of another Prometheus gatherer.
type gatherer struct {
	g prometheus.Gatherer
	l *zap.Logger

	m    sync.Mutex
	at   time.Time
	last []*dto.MetricFamily
}

// newGatherer returns a new caching gatherer.
func newGatherer(g prometheus.Gatherer, l *zap.Logger) *gatherer {
	return &gatherer{
		g: g,
		l: l,
	}
}

// Gather implements prometheus.Gatherer.
//
// Errors are logged; metrics gathered despite them are still returned.
func (g *gatherer) Gather() ([]*dto.MetricFamily, error) {
	g.m.Lock()
	defer g.m.Unlock()

	if time.Since(g.at) < gatherTTL {
		return g.last, nil
	}

	mfs, err := g.g.Gather()
	if err != nil {
		g.l.Warn("Failed to gather some metrics", zap.Error(err), zap.Int("families", len(mfs)))
	}

	g.last, g.at = mfs, time.Now()

	return mfs, nil
}

// check interfaces
var (
	_ prometheus.Gatherer = (*gatherer)(nil)
)
