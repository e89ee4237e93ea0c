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

// Package pool provides a pool of connections to a single database file.
//
// Unlike the queue, the pool lets several goroutines use the database at the same time,
// each with its own connection.
// Every connection to an in-memory database is a separate database, so the pool
// should be used only with on-disk databases.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FerretDB/litequeue/internal/conn"
	"github.com/FerretDB/litequeue/internal/engine"
	"github.com/FerretDB/litequeue/internal/util/lazyerrors"
	"github.com/FerretDB/litequeue/internal/util/observability"
	"github.com/FerretDB/litequeue/internal/util/resource"
)

// Parts of Prometheus metric names.
const (
	namespace = "litequeue"
	subsystem = "pool"
)

// Config represents pool configuration.
type Config struct {
	// Path to the database file; see [conn.Config].
	Path string

	// Open flags (zero for read-write and create) and VFS name (empty for default).
	Flags engine.OpenFlags
	VFS   string

	// Zero means conn.DefaultBusyTimeout, negative value disables retries.
	BusyTimeout time.Duration

	CacheStatements bool

	// The maximum number of open connections; zero means no limit.
	MaxOpen int

	L *zap.Logger
}

// Pool keeps idle connections to one database and hands them out one at a time.
//
//nolint:vet // for readability
type Pool struct {
	l      *zap.Logger
	config Config

	rw  sync.RWMutex
	in  []*conn.Conn
	out map[*conn.Conn]struct{}

	// closed and replaced on every check-in
	checkedIn chan struct{}

	closed bool

	savepoints atomic.Uint64

	token *resource.Token
}

// New creates a new pool for the database with the given configuration.
//
// Connections are opened on demand.
func New(config *Config) *Pool {
	l := config.L
	if l == nil {
		l = zap.NewNop()
	}

	p := &Pool{
		l:         l.Named("pool"),
		config:    *config,
		out:       make(map[*conn.Conn]struct{}),
		checkedIn: make(chan struct{}),
		token:     resource.NewToken(),
	}

	p.config.L = l

	resource.Track(p, p.token)

	return p
}

// Path returns the database path.
func (p *Pool) Path() string {
	return p.config.Path
}

// errClosed returns the error for units of work submitted after Close.
func errClosed() error {
	return &conn.Error{Kind: conn.ErrNotOpen, Msg: "pool is closed"}
}

// openConn opens a new connection.
func (p *Pool) openConn() (*conn.Conn, error) {
	c := conn.New(&conn.Config{
		Path:            p.config.Path,
		BusyTimeout:     p.config.BusyTimeout,
		CacheStatements: p.config.CacheStatements,
		L:               p.config.L,
	})

	if err := c.Open(p.config.Flags, p.config.VFS); err != nil {
		return nil, err
	}

	p.l.Debug("Connection opened", zap.String("path", p.config.Path), zap.Int("open", p.open()))

	return c, nil
}

// open returns the number of open connections; p.rw must be held.
func (p *Pool) open() int {
	return len(p.in) + len(p.out)
}

// checkOut returns an idle connection or opens a new one.
//
// If MaxOpen connections are checked out, it waits for a check-in or context cancellation.
func (p *Pool) checkOut(ctx context.Context) (*conn.Conn, error) {
	for {
		p.rw.Lock()

		if p.closed {
			p.rw.Unlock()
			return nil, errClosed()
		}

		for len(p.in) > 0 {
			c := p.in[len(p.in)-1]
			p.in = p.in[:len(p.in)-1]

			if !c.IsOpen() {
				p.l.Warn("Dropping closed connection", zap.String("path", p.config.Path))
				continue
			}

			p.out[c] = struct{}{}
			p.rw.Unlock()

			return c, nil
		}

		if p.config.MaxOpen <= 0 || p.open() < p.config.MaxOpen {
			c, err := p.openConn()
			if err == nil {
				p.out[c] = struct{}{}
			}

			p.rw.Unlock()

			return c, err
		}

		checkedIn := p.checkedIn
		p.rw.Unlock()

		p.l.Debug("Waiting for a connection", zap.Int("max_open", p.config.MaxOpen))

		select {
		case <-checkedIn:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// checkIn returns the connection to the pool.
//
// Open cursors are closed, and an unfinished transaction is rolled back.
func (p *Pool) checkIn(c *conn.Conn) {
	if n := c.OpenCursors(); n > 0 {
		p.l.Warn("Checked in connection has open cursors; closing them", zap.Int("cursors", n))
		c.CloseOpenCursors()
	}

	if c.InTransaction() {
		p.l.Warn("Checked in connection has an unfinished transaction; rolling back")

		if err := c.Rollback(); err != nil {
			p.l.Error("Rollback failed, closing connection", zap.Error(err))
			_ = c.Close()
		}
	}

	p.rw.Lock()
	defer p.rw.Unlock()

	delete(p.out, c)

	if p.closed || !c.IsOpen() {
		if err := c.Close(); err != nil {
			p.l.Warn("Failed to close connection", zap.Error(err))
		}
	} else {
		p.in = append(p.in, c)
	}

	close(p.checkedIn)
	p.checkedIn = make(chan struct{})
}

// WithConnection runs f with a connection checked out from the pool.
//
// While f runs, cancellation of ctx interrupts the operation in flight.
func (p *Pool) WithConnection(ctx context.Context, f func(ctx context.Context, c *conn.Conn) error) error {
	ctx, end := observability.FuncCall(ctx)
	defer end()

	c, err := p.checkOut(ctx)
	if err != nil {
		return err
	}
	defer p.checkIn(c)

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		c.Interrupt()
		close(interrupted)
	})

	defer func() {
		if !stop() {
			<-interrupted
		}
	}()

	return f(ctx, c)
}

// WithTransaction runs f in a transaction with the given mode on a checked out connection.
//
// See [conn.Conn.InTx] for commit and rollback rules.
func (p *Pool) WithTransaction(ctx context.Context, mode conn.TxMode, f func(ctx context.Context, c *conn.Conn, rollback *bool) error) error {
	return p.WithConnection(ctx, func(ctx context.Context, c *conn.Conn) error {
		err := c.InTx(mode, func(rollback *bool) error {
			return f(ctx, c, rollback)
		})
		if err != nil {
			p.l.Warn("Transaction failed", zap.Stringer("mode", mode), zap.Error(err))
		}

		return err
	})
}

// WithSavepoint runs f within a uniquely named savepoint on a checked out connection.
func (p *Pool) WithSavepoint(ctx context.Context, f func(ctx context.Context, c *conn.Conn, rollback *bool) error) error {
	name := fmt.Sprintf("savePoint%d", p.savepoints.Add(1)-1)

	return p.WithConnection(ctx, func(ctx context.Context, c *conn.Conn) error {
		err := c.InSavepoint(name, func(rollback *bool) error {
			return f(ctx, c, rollback)
		})
		if err != nil {
			p.l.Warn("Savepoint failed", zap.String("name", name), zap.Error(err))
		}

		return err
	})
}

// CheckedIn returns the number of idle connections.
func (p *Pool) CheckedIn() int {
	p.rw.RLock()
	defer p.rw.RUnlock()

	return len(p.in)
}

// CheckedOut returns the number of connections in use.
func (p *Pool) CheckedOut() int {
	p.rw.RLock()
	defer p.rw.RUnlock()

	return len(p.out)
}

// Open returns the number of open connections, both idle and in use.
func (p *Pool) Open() int {
	p.rw.RLock()
	defer p.rw.RUnlock()

	return p.open()
}

// ReleaseAll closes all idle connections.
//
// Connections in use are not affected.
func (p *Pool) ReleaseAll() error {
	p.rw.Lock()
	defer p.rw.Unlock()

	return p.releaseAll()
}

// releaseAll closes all idle connections; p.rw must be held.
func (p *Pool) releaseAll() error {
	var err error

	for _, c := range p.in {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = lazyerrors.Error(cerr)
		}
	}

	p.l.Debug("Released idle connections", zap.Int("count", len(p.in)))
	p.in = nil

	return err
}

// Close closes all idle connections and frees all resources.
//
// Connections in use are closed when checked in.
// Waiting callers and new calls get an error.
func (p *Pool) Close() error {
	p.rw.Lock()
	defer p.rw.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	err := p.releaseAll()

	close(p.checkedIn)
	p.checkedIn = make(chan struct{})

	resource.Untrack(p, p.token)

	return err
}

// Describe implements prometheus.Collector.
func (p *Pool) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(p, ch)
}

// Collect implements prometheus.Collector.
func (p *Pool) Collect(ch chan<- prometheus.Metric) {
	p.rw.RLock()
	defer p.rw.RUnlock()

	desc := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "databases"),
		"The current number of connections in the pool.",
		[]string{"state"}, prometheus.Labels{"db": p.config.Path},
	)

	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(len(p.in)), "in")
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(len(p.out)), "out")
}

// check interfaces
var (
	_ prometheus.Collector = (*Pool)(nil)
)
