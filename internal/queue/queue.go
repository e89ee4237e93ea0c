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

// Package queue provides serialized access to a single database connection.
//
// All units of work submitted to a [Queue] run one at a time, in submission order.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/FerretDB/litequeue/internal/conn"
	"github.com/FerretDB/litequeue/internal/engine"
	"github.com/FerretDB/litequeue/internal/util/lazyerrors"
	"github.com/FerretDB/litequeue/internal/util/observability"
	"github.com/FerretDB/litequeue/internal/util/resource"
)

// Config represents queue configuration.
type Config struct {
	// Path to the database file; see [conn.Config].
	Path string

	// Open flags (zero for read-write and create) and VFS name (empty for default).
	Flags engine.OpenFlags
	VFS   string

	// Zero means conn.DefaultBusyTimeout, negative value disables retries.
	BusyTimeout time.Duration

	CacheStatements bool

	L *zap.Logger
}

// queueKey is a context key for the chain of queues the current goroutine is running on.
type queueKey struct{}

// chain is a linked list of queues entered by nested units of work.
type chain struct {
	q    *Queue
	next *chain
}

// contains returns true if q is in the chain.
func (ch *chain) contains(q *Queue) bool {
	for ; ch != nil; ch = ch.next {
		if ch.q == q {
			return true
		}
	}

	return false
}

// Queue serializes access to a lazily opened connection.
//
// Queue is safe for concurrent use; the connection passed to units of work is not,
// and must not be used after the unit of work returns.
//
//nolint:vet // for readability
type Queue struct {
	l     *zap.Logger
	c     *conn.Conn
	flags engine.OpenFlags
	vfs   string

	// one-slot semaphore; blocked senders are served in FIFO order
	sem chan struct{}

	// closed once on Close
	stop      chan struct{}
	closeOnce sync.Once

	// accessed only while holding sem
	closed  bool
	openErr error

	savepoints atomic.Uint64
	m          *queueMetrics

	token *resource.Token
}

// New creates a new queue for the database with the given configuration.
//
// The connection is opened by the first unit of work.
func New(config *Config) *Queue {
	l := config.L
	if l == nil {
		l = zap.NewNop()
	}

	q := &Queue{
		l: l.Named("queue"),
		c: conn.New(&conn.Config{
			Path:            config.Path,
			BusyTimeout:     config.BusyTimeout,
			CacheStatements: config.CacheStatements,
			L:               l,
		}),
		flags: config.Flags,
		vfs:   config.VFS,
		sem:   make(chan struct{}, 1),
		stop:  make(chan struct{}),
		m:     newQueueMetrics(config.Path),
		token: resource.NewToken(),
	}

	resource.Track(q, q.token)

	return q
}

// Path returns the database path.
func (q *Queue) Path() string {
	return q.c.Path()
}

// errClosed returns the error for units of work submitted after Close.
func errClosed() error {
	return &conn.Error{Kind: conn.ErrNotOpen, Msg: "queue is closed"}
}

// acquire waits for the queue's turn.
//
// It fails fast if the context shows that the caller is already running on this queue.
func (q *Queue) acquire(ctx context.Context) error {
	if ctxChain(ctx).contains(q) {
		q.l.Error("Queue called reentrantly", zap.String("path", q.c.Path()))
		return &conn.Error{Kind: conn.ErrReentrantQueue, Msg: "unit of work called its own queue"}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	q.m.waiting.Add(1)
	defer q.m.waiting.Add(-1)

	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-q.stop:
		return errClosed()
	}

	if q.closed {
		<-q.sem
		return errClosed()
	}

	return nil
}

// release passes the turn to the next waiting caller.
func (q *Queue) release() {
	<-q.sem
}

// database returns the open connection, opening it first if needed.
//
// An open failure is unrecoverable: it is returned for this and all later calls.
func (q *Queue) database() (*conn.Conn, error) {
	if q.openErr != nil {
		return nil, q.openErr
	}

	if q.c.IsOpen() {
		return q.c, nil
	}

	if err := q.c.Open(q.flags, q.vfs); err != nil {
		q.l.Error("Failed to open database, queue is unusable", zap.String("path", q.c.Path()), zap.Error(err))
		q.openErr = err

		return nil, err
	}

	return q.c, nil
}

// do runs f with exclusive access to the open connection.
//
// While f runs, cancellation of ctx interrupts the operation in flight.
func (q *Queue) do(ctx context.Context, kind string, f func(ctx context.Context, c *conn.Conn) error) error {
	if err := q.acquire(ctx); err != nil {
		return err
	}
	defer q.release()

	c, err := q.database()
	if err != nil {
		return err
	}

	q.m.ops.inc(kind)

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		c.Interrupt()
		close(interrupted)
	})

	defer func() {
		// make sure that the next unit of work is not interrupted
		if !stop() {
			<-interrupted
		}
	}()

	ctx = context.WithValue(ctx, queueKey{}, &chain{q: q, next: ctxChain(ctx)})

	defer func() {
		if n := c.OpenCursors(); n > 0 {
			q.l.Warn(
				"There are open cursors after the unit of work; closing them",
				zap.String("kind", kind), zap.Int("cursors", n),
			)
			c.CloseOpenCursors()
		}
	}()

	return f(ctx, c)
}

// ctxChain returns the chain of queues stored in the context, if any.
func ctxChain(ctx context.Context) *chain {
	ch, _ := ctx.Value(queueKey{}).(*chain)
	return ch
}

// WithConnection runs f with exclusive access to the connection.
//
// The context passed to f must be used for any nested queue calls;
// calling the same queue with it returns an [conn.ErrReentrantQueue] error instead of deadlocking.
// Panics and runtime.Goexit in f are propagated after the queue is released.
func (q *Queue) WithConnection(ctx context.Context, f func(ctx context.Context, c *conn.Conn) error) error {
	ctx, end := observability.FuncCall(ctx)
	defer end()

	return q.do(ctx, "connection", f)
}

// WithTransaction runs f in a transaction with the given mode.
//
// The transaction is committed unless f sets rollback to true, returns an error, or panics.
// Begin, commit and f's errors are logged and returned;
// an intentional rollback returns nil.
func (q *Queue) WithTransaction(ctx context.Context, mode conn.TxMode, f func(ctx context.Context, c *conn.Conn, rollback *bool) error) error {
	ctx, end := observability.FuncCall(ctx)
	defer end()

	return q.do(ctx, "transaction", func(ctx context.Context, c *conn.Conn) error {
		err := c.InTx(mode, func(rollback *bool) error {
			return f(ctx, c, rollback)
		})
		if err != nil {
			q.l.Warn("Transaction failed", zap.Stringer("mode", mode), zap.Error(err))
		}

		return err
	})
}

// WithSavepoint runs f within a uniquely named savepoint.
//
// Changes made by f are rolled back if it sets rollback to true or returns an error.
func (q *Queue) WithSavepoint(ctx context.Context, f func(ctx context.Context, c *conn.Conn, rollback *bool) error) error {
	ctx, end := observability.FuncCall(ctx)
	defer end()

	name := fmt.Sprintf("savePoint%d", q.savepoints.Add(1)-1)

	return q.do(ctx, "savepoint", func(ctx context.Context, c *conn.Conn) error {
		err := c.InSavepoint(name, func(rollback *bool) error {
			return f(ctx, c, rollback)
		})
		if err != nil {
			q.l.Warn("Savepoint failed", zap.String("name", name), zap.Error(err))
		}

		return err
	})
}

// Checkpoint runs a WAL checkpoint; see [conn.Conn.Checkpoint].
func (q *Queue) Checkpoint(ctx context.Context, mode engine.CheckpointMode, name string) (logFrames, checkpointed int, err error) {
	err = q.do(ctx, "checkpoint", func(_ context.Context, c *conn.Conn) error {
		var cerr error
		logFrames, checkpointed, cerr = c.Checkpoint(mode, name)

		return cerr
	})

	return
}

// Interrupt aborts the operation in flight, if any.
//
// It is safe to call it from any goroutine, including from within a unit of work.
func (q *Queue) Interrupt() {
	q.c.Interrupt()
}

// Close waits for the unit of work in flight, closes the connection, and frees all resources.
//
// Callers waiting for their turn get an error.
// Closing a closed queue does nothing.
func (q *Queue) Close() error {
	var err error

	q.closeOnce.Do(func() {
		close(q.stop)

		q.sem <- struct{}{}
		defer q.release()

		q.closed = true

		if err = q.c.Close(); err != nil {
			err = lazyerrors.Error(err)
		}

		resource.Untrack(q, q.token)
	})

	return err
}
