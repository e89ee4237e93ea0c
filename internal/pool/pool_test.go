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

package pool

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/litequeue/internal/conn"
	"github.com/FerretDB/litequeue/internal/util/testutil"
	"github.com/FerretDB/litequeue/internal/util/testutil/teststress"
)

// setup returns a pool for a new database with a table t (v).
func setup(t *testing.T, maxOpen int) *Pool {
	t.Helper()

	p := New(&Config{
		Path:            testutil.DatabasePath(t),
		CacheStatements: true,
		MaxOpen:         maxOpen,
		BusyTimeout:     10 * time.Second,
		L:               testutil.Logger(t),
	})

	t.Cleanup(func() {
		require.NoError(t, p.Close())
	})

	err := p.WithConnection(testutil.Ctx(t), func(_ context.Context, c *conn.Conn) error {
		return c.Exec("CREATE TABLE t (v)")
	})
	require.NoError(t, err)

	return p
}

func TestPool(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, 0)

	assert.Equal(t, 1, p.CheckedIn())
	assert.Equal(t, 0, p.CheckedOut())

	err := p.WithConnection(ctx, func(ctx context.Context, c1 *conn.Conn) error {
		assert.Equal(t, 0, p.CheckedIn())
		assert.Equal(t, 1, p.CheckedOut())

		return p.WithConnection(ctx, func(_ context.Context, c2 *conn.Conn) error {
			assert.NotSame(t, c1, c2)
			assert.Equal(t, 2, p.Open())

			return nil
		})
	})
	require.NoError(t, err)

	assert.Equal(t, 2, p.CheckedIn())
	assert.Equal(t, 0, p.CheckedOut())

	require.NoError(t, p.ReleaseAll())
	assert.Equal(t, 0, p.Open())

	err = p.WithConnection(ctx, func(_ context.Context, c *conn.Conn) error {
		return c.Ping()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.CheckedIn())
}

func TestMaxOpen(t *testing.T) {
	t.Parallel()

	p := setup(t, 2)

	var inUse, maxInUse atomic.Int32

	teststress.StressN(t, 20, func(i int, ready chan<- struct{}, start <-chan struct{}) {
		ctx := testutil.Ctx(t)

		ready <- struct{}{}
		<-start

		err := p.WithTransaction(ctx, conn.TxImmediate, func(_ context.Context, c *conn.Conn, _ *bool) error {
			cur := inUse.Add(1)
			defer inUse.Add(-1)

			for {
				m := maxInUse.Load()
				if cur <= m || maxInUse.CompareAndSwap(m, cur) {
					break
				}
			}

			return c.Exec("INSERT INTO t VALUES (?)", conn.Int(i))
		})
		assert.NoError(t, err)
	})

	assert.LessOrEqual(t, maxInUse.Load(), int32(2))
	assert.LessOrEqual(t, p.Open(), 2)

	err := p.WithConnection(testutil.Ctx(t), func(_ context.Context, c *conn.Conn) error {
		n, err := c.QueryInt("SELECT count(*) FROM t")
		assert.Equal(t, 20, n)

		return err
	})
	require.NoError(t, err)
}

func TestWait(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, 1)

	err := p.WithConnection(ctx, func(ctx context.Context, _ *conn.Conn) error {
		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		return p.WithConnection(waitCtx, func(context.Context, *conn.Conn) error {
			t.Fatal("must not be called")
			return nil
		})
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	released := make(chan struct{})

	go func() {
		_ = p.WithConnection(ctx, func(context.Context, *conn.Conn) error {
			<-released
			return nil
		})
	}()

	require.Eventually(t, func() bool { return p.CheckedOut() == 1 }, 5*time.Second, time.Millisecond)

	time.AfterFunc(50*time.Millisecond, func() { close(released) })

	err = p.WithConnection(ctx, func(_ context.Context, c *conn.Conn) error {
		return c.Ping()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Open())
}

func TestCheckIn(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, 1)

	err := p.WithConnection(ctx, func(_ context.Context, c *conn.Conn) error {
		if err := c.BeginImmediate(); err != nil {
			return err
		}

		if err := c.Exec("INSERT INTO t VALUES (1)"); err != nil {
			return err
		}

		_, err := c.Query("SELECT v FROM t")

		return err
	})
	require.NoError(t, err)

	err = p.WithConnection(ctx, func(_ context.Context, c *conn.Conn) error {
		assert.Zero(t, c.OpenCursors())
		assert.False(t, c.InTransaction())

		n, err := c.QueryInt("SELECT count(*) FROM t")
		assert.Equal(t, 0, n)

		return err
	})
	require.NoError(t, err)
}

func TestTransactionAndSavepoint(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, 0)

	err := p.WithTransaction(ctx, conn.TxDeferred, func(_ context.Context, c *conn.Conn, rollback *bool) error {
		require.NoError(t, c.Exec("INSERT INTO t VALUES (1)"))
		*rollback = true

		return nil
	})
	require.NoError(t, err)

	err = p.WithSavepoint(ctx, func(_ context.Context, c *conn.Conn, _ *bool) error {
		return c.Exec("INSERT INTO t VALUES (2)")
	})
	require.NoError(t, err)

	err = p.WithConnection(ctx, func(_ context.Context, c *conn.Conn) error {
		v, err := c.QueryInt("SELECT v FROM t")
		assert.Equal(t, 2, v)

		return err
	})
	require.NoError(t, err)
}

func TestClose(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := New(&Config{Path: testutil.DatabasePath(t), L: testutil.Logger(t)})

	err := p.WithConnection(ctx, func(_ context.Context, c *conn.Conn) error {
		require.NoError(t, p.Close())
		return c.Ping()
	})
	require.NoError(t, err)

	assert.Equal(t, 0, p.Open(), "connection in use is closed on check-in")

	err = p.WithConnection(ctx, func(context.Context, *conn.Conn) error {
		t.Fatal("must not be called")
		return nil
	})
	require.ErrorIs(t, err, conn.ErrNotOpen)

	require.NoError(t, p.Close())
}

func TestCollector(t *testing.T) {
	t.Parallel()

	p := setup(t, 0)

	err := p.WithConnection(testutil.Ctx(t), func(context.Context, *conn.Conn) error {
		expected := `
			# HELP litequeue_pool_databases The current number of connections in the pool.
			# TYPE litequeue_pool_databases gauge
			litequeue_pool_databases{db="` + p.Path() + `",state="in"} 0
			litequeue_pool_databases{db="` + p.Path() + `",state="out"} 1
		`

		return promtestutil.CollectAndCompare(p, strings.NewReader(expected))
	})
	require.NoError(t, err)
}
