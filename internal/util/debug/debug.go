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

// Package debug provides debug facilities.
package debug

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"slices"
	"text/template"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/FerretDB/litequeue/internal/util/lazyerrors"
)

// ListenOpts represents [Listen] options.
type ListenOpts struct {
	TCPAddr string
	L       *zap.Logger
	R       prometheus.Registerer
	G       prometheus.Gatherer
}

// Handler represents debug HTTP handler.
type Handler struct {
	lis      net.Listener
	l        *zap.Logger
	handlers map[string]string
	s        *http.Server
}

// Listen creates a new debug handler and starts listening on the given address.
//
// Registered paths are:
//   - /debug - index page;
//   - /debug/livez - liveness probe;
//   - /debug/metrics - metrics in Prometheus format;
//   - /debug/graphs - runtime and database metrics visualized by statsviz;
//   - /debug/vars - expvar;
//   - /debug/pprof/ - runtime profiling data for pprof.
func Listen(opts *ListenOpts) (*Handler, error) {
	stdL, err := zap.NewStdLogAt(opts.L, zap.WarnLevel)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	g := opts.G
	if g == nil {
		g = prometheus.DefaultGatherer
	}

	gc := newGatherer(g, opts.L.Named("gatherer"))

	mux := http.NewServeMux()

	mux.Handle("/debug/metrics", promhttp.InstrumentMetricHandler(
		opts.R, promhttp.HandlerFor(gc, promhttp.HandlerOpts{
			ErrorLog:          stdL,
			ErrorHandling:     promhttp.ContinueOnError,
			Registry:          opts.R,
			EnableOpenMetrics: true,
		}),
	))

	plots, err := newPlotter(gc).plots()
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	svOpts := []statsviz.Option{statsviz.Root("/debug/graphs")}
	for _, p := range plots {
		svOpts = append(svOpts, statsviz.TimeseriesPlot(p))
	}

	if err = statsviz.Register(mux, svOpts...); err != nil {
		return nil, lazyerrors.Error(err)
	}

	mux.Handle("/debug/vars", expvar.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/debug/livez", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})

	handlers := map[string]string{
		"/debug/graphs":  "Visualize metrics",
		"/debug/livez":   "Liveness probe",
		"/debug/metrics": "Metrics in Prometheus format",
		"/debug/vars":    "Expvar package metrics",
		"/debug/pprof/":  "Runtime profiling data for pprof",
	}

	var page bytes.Buffer

	err = template.Must(template.New("debug").Parse(`
	<html>
	<body>
	<ul>
	{{range $path, $desc := .}}
		<li><a href="{{$path}}">{{$path}}</a>: {{$desc}}</li>
	{{end}}
	</ul>
	</body>
	</html>
	`)).Execute(&page, handlers)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	mux.HandleFunc("/debug", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write(page.Bytes())
	})

	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		http.Redirect(rw, req, "/debug", http.StatusSeeOther)
	})

	lis, err := net.Listen("tcp", opts.TCPAddr)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return &Handler{
		lis:      lis,
		l:        opts.L,
		handlers: handlers,
		s: &http.Server{
			Handler:           mux,
			ErrorLog:          stdL,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Addr returns the listener's address.
func (h *Handler) Addr() net.Addr {
	return h.lis.Addr()
}

// Serve runs the debug handler until ctx is canceled.
//
// It exits when the handler is stopped and the listener is closed.
func (h *Handler) Serve(ctx context.Context) {
	h.s.BaseContext = func(net.Listener) context.Context {
		return ctx
	}

	root := fmt.Sprintf("http://%s", h.lis.Addr())

	h.l.Sugar().Infof("Starting debug server on %s ...", root)

	paths := maps.Keys(h.handlers)
	slices.Sort(paths)

	for _, path := range paths {
		h.l.Sugar().Infof("%s%s - %s", root, path, h.handlers[path])
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		if err := h.s.Serve(h.lis); !errors.Is(err, http.ErrServerClosed) {
			h.l.Error("Debug server failed", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()

	_ = h.s.Shutdown(stopCtx) //nolint:contextcheck // use new context for cancellation
	_ = h.s.Close()

	<-done

	h.l.Sugar().Info("Debug server stopped.")
}
