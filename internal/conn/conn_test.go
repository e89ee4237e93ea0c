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
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/FerretDB/litequeue/internal/engine"
	"github.com/FerretDB/litequeue/internal/util/testutil"
)

// setup returns an open connection closed at the end of the test.
// Empty path means an in-memory database.
func setup(t *testing.T, config *Config) *Conn {
	t.Helper()

	if config == nil {
		config = new(Config)
	}

	if config.Path == "" {
		config.Path = ":memory:"
	}

	if config.L == nil {
		config.L = testutil.Logger(t)
	}

	c := New(config)
	require.NoError(t, c.Open(0, ""))

	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})

	return c
}

// count returns the number of rows in the table.
func count(t *testing.T, c *Conn, table string) int {
	t.Helper()

	n, err := c.QueryInt("SELECT count(*) FROM " + table)
	require.NoError(t, err)

	return n
}

func TestScenarios(t *testing.T) {
	t.Parallel()

	t.Run("IntFor", func(t *testing.T) {
		t.Parallel()

		c := setup(t, nil)

		require.NoError(t, c.Exec("CREATE TABLE t (a int)"))
		require.NoError(t, c.Exec("INSERT INTO t VALUES (?)", Int(5)))

		v, err := c.QueryInt("SELECT a FROM t WHERE a = ?", Int(5))
		require.NoError(t, err)
		assert.Equal(t, 5, v)

		v, err = c.QueryInt("SELECT a FROM t WHERE a = ?", Int(6))
		require.NoError(t, err)
		assert.Equal(t, 0, v, "no rows")
	})

	t.Run("NullColumn", func(t *testing.T) {
		t.Parallel()

		c := setup(t, nil)

		require.NoError(t, c.Exec("CREATE TABLE t (a int, b int)"))
		require.NoError(t, c.Exec("INSERT INTO t VALUES (NULL, 5)"))

		cur, err := c.Query("SELECT a, b FROM t")
		require.NoError(t, err)

		defer cur.Close()

		require.True(t, cur.Next())

		s, ok := cur.Text(0)
		assert.False(t, ok)
		assert.Empty(t, s)

		s, ok = cur.Text(1)
		assert.True(t, ok)
		assert.Equal(t, "5", s)

		assert.False(t, cur.Next())
		require.NoError(t, cur.Err())
		assert.True(t, cur.Closed(), "auto-closed")
	})

	t.Run("Rollback", func(t *testing.T) {
		t.Parallel()

		c := setup(t, nil)

		require.NoError(t, c.Exec("CREATE TABLE t (a int)"))

		require.NoError(t, c.Begin())
		assert.Equal(t, TxExclusive, c.TxMode())
		require.NoError(t, c.Exec("INSERT INTO t VALUES (1)"))
		assert.Equal(t, 1, count(t, c, "t"))
		require.NoError(t, c.Rollback())
		assert.False(t, c.InTransaction())

		assert.Equal(t, 0, count(t, c, "t"))
	})

	t.Run("EmptyBlob", func(t *testing.T) {
		t.Parallel()

		c := setup(t, nil)

		require.NoError(t, c.Exec("CREATE TABLE t (b BLOB)"))
		require.NoError(t, c.Exec("INSERT INTO t VALUES (?)", Blob([]byte{})))

		cur, err := c.Query("SELECT b FROM t")
		require.NoError(t, err)

		defer cur.Close()

		require.True(t, cur.Next())
		assert.Equal(t, engine.TypeBlob, cur.ColumnType(0))
		assert.False(t, cur.IsNull(0))

		b, ok := cur.Bytes(0)
		assert.True(t, ok)
		assert.NotNil(t, b)
		assert.Empty(t, b)
	})

	t.Run("NamedExtraKey", func(t *testing.T) {
		t.Parallel()

		c := setup(t, nil)

		require.NoError(t, c.Exec("CREATE TABLE t (a, b)"))

		err := c.ExecNamed("INSERT INTO t VALUES (:a, @b)", map[string]Value{
			"a":     Int(1),
			"@b":    Text("x"),
			"extra": Int(3),
		})
		require.NoError(t, err)

		cur, err := c.Query("SELECT a, b FROM t")
		require.NoError(t, err)

		defer cur.Close()

		require.True(t, cur.Next())
		assert.Equal(t, map[string]any{"a": int64(1), "b": "x"}, cur.AsMap())
		assert.False(t, cur.Next())
	})
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	c := setup(t, &Config{CacheStatements: true})

	require.NoError(t, c.Exec("CREATE TABLE t (v)"))

	ts := time.Unix(1700000000, 250_000_000)

	insertAndRead := func(t *testing.T, v Value) *Cursor {
		t.Helper()

		require.NoError(t, c.Exec("DELETE FROM t"))
		require.NoError(t, c.Exec("INSERT INTO t VALUES (?)", v))

		cur, err := c.Query("SELECT v FROM t")
		require.NoError(t, err)
		t.Cleanup(cur.Close)

		require.True(t, cur.Next())

		return cur
	}

	t.Run("Null", func(t *testing.T) {
		cur := insertAndRead(t, Null())
		assert.True(t, cur.IsNull(0))
		assert.True(t, cur.Value(0).IsNull())
	})

	t.Run("Text", func(t *testing.T) {
		cur := insertAndRead(t, Text("hello, мир"))
		v, ok := cur.Text(0)
		assert.True(t, ok)
		assert.Equal(t, "hello, мир", v)
		assert.Equal(t, engine.TypeText, cur.ColumnType(0))
	})

	t.Run("Int64", func(t *testing.T) {
		cur := insertAndRead(t, Int64(math.MaxInt64))
		v, ok := cur.Int64(0)
		assert.True(t, ok)
		assert.Equal(t, int64(math.MaxInt64), v)
	})

	t.Run("Uint64", func(t *testing.T) {
		cur := insertAndRead(t, Uint64(math.MaxUint64))
		v, ok := cur.Uint64(0)
		assert.True(t, ok)
		assert.Equal(t, uint64(math.MaxUint64), v)
	})

	t.Run("Int32", func(t *testing.T) {
		cur := insertAndRead(t, Int32(math.MinInt32))
		v, ok := cur.Int32(0)
		assert.True(t, ok)
		assert.Equal(t, int32(math.MinInt32), v)
	})

	t.Run("Int", func(t *testing.T) {
		cur := insertAndRead(t, Int(1<<40))
		v, ok := cur.Int(0)
		assert.True(t, ok)
		assert.Equal(t, 1<<40, v)
	})

	t.Run("Float", func(t *testing.T) {
		cur := insertAndRead(t, Float(-2.5))
		v, ok := cur.Float64(0)
		assert.True(t, ok)
		assert.Equal(t, -2.5, v)
		assert.Equal(t, engine.TypeFloat, cur.ColumnType(0))
	})

	t.Run("Bool", func(t *testing.T) {
		cur := insertAndRead(t, Bool(true))
		v, ok := cur.Bool(0)
		assert.True(t, ok)
		assert.True(t, v)

		i, ok := cur.Int64(0)
		assert.True(t, ok)
		assert.Equal(t, int64(1), i, "booleans are stored as integers")
	})

	t.Run("Blob", func(t *testing.T) {
		cur := insertAndRead(t, Blob([]byte{0, 1, 2, 0}))
		v, ok := cur.Bytes(0)
		assert.True(t, ok)
		assert.Equal(t, []byte{0, 1, 2, 0}, v)

		v, ok = cur.BytesNoCopy(0)
		assert.True(t, ok)
		assert.Equal(t, []byte{0, 1, 2, 0}, v)
	})

	t.Run("Time", func(t *testing.T) {
		cur := insertAndRead(t, Time(ts))
		v, ok := cur.Time(0)
		assert.True(t, ok)
		assert.True(t, ts.Equal(v), "%s != %s", ts, v)
	})
}

func TestNullClassification(t *testing.T) {
	t.Parallel()

	c := setup(t, nil)

	require.NoError(t, c.Exec("CREATE TABLE t (n, v)"))
	require.NoError(t, c.Exec("INSERT INTO t VALUES (NULL, 1)"))

	cur, err := c.Query("SELECT n, v AS Value FROM t")
	require.NoError(t, err)

	defer cur.Close()

	require.True(t, cur.Next())
	assert.Equal(t, 2, cur.DataCount())

	for _, i := range []int{0, -1, 2} {
		_, ok := cur.Text(i)
		assert.False(t, ok)
		_, ok = cur.Int64(i)
		assert.False(t, ok)
		_, ok = cur.Uint64(i)
		assert.False(t, ok)
		_, ok = cur.Int32(i)
		assert.False(t, ok)
		_, ok = cur.Int(i)
		assert.False(t, ok)
		_, ok = cur.Bool(i)
		assert.False(t, ok)
		_, ok = cur.Float64(i)
		assert.False(t, ok)
		_, ok = cur.Time(i)
		assert.False(t, ok)
		b, ok := cur.Bytes(i)
		assert.False(t, ok)
		assert.Nil(t, b)
		_, ok = cur.BytesNoCopy(i)
		assert.False(t, ok)

		assert.True(t, cur.IsNull(i))
		assert.Equal(t, engine.TypeNull, cur.ColumnType(i))
		assert.True(t, cur.Value(i).IsNull())
	}

	_, ok := cur.Int64ByName("missing")
	assert.False(t, ok)
	assert.True(t, cur.IsNullByName("N"))
	assert.Equal(t, -1, cur.ColumnIndex("missing"))
	assert.Equal(t, "", cur.ColumnName(5))

	assert.False(t, cur.IsNull(1))
	assert.False(t, cur.IsNullByName("value"))
	v, ok := cur.IntByName("VALUE")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, "Value", cur.ColumnName(1))
	assert.Equal(t, engine.TypeInteger, cur.ColumnTypeByName("value"))

	cur.Close()

	_, ok = cur.Int64(1)
	assert.False(t, ok, "closed cursor")
	assert.Equal(t, -1, cur.ColumnIndex("value"))
	assert.Equal(t, 0, cur.ColumnCount())
	assert.Empty(t, cur.AsMap())
}

func TestStatementCache(t *testing.T) {
	t.Parallel()

	t.Run("Enabled", func(t *testing.T) {
		t.Parallel()

		c := setup(t, &Config{CacheStatements: true})

		cur1, err := c.Query("SELECT ?", Int(1))
		require.NoError(t, err)

		stmt := cur1.Statement()
		assert.True(t, stmt.InUse())
		assert.Equal(t, 1, stmt.UseCount())

		require.True(t, cur1.Next())
		cur1.Close()
		assert.False(t, stmt.InUse())
		assert.False(t, stmt.Closed())

		cur2, err := c.Query("SELECT ?", Int(2))
		require.NoError(t, err)
		assert.Same(t, stmt, cur2.Statement())
		assert.Equal(t, 2, stmt.UseCount())

		require.True(t, cur2.Next())
		v, _ := cur2.Int(0)
		assert.Equal(t, 2, v, "bindings are replaced")

		cur3, err := c.Query("SELECT ?", Int(3))
		require.NoError(t, err)
		assert.NotSame(t, stmt, cur3.Statement(), "statement in use must not be shared")
		assert.True(t, stmt.InUse())
		assert.True(t, cur3.Statement().InUse())
		assert.Equal(t, 1, cur3.Statement().UseCount())

		cur2.Close()
		cur3.Close()

		assert.Equal(t, 2, c.CachedStatements())
		assert.Equal(t, 0, c.OpenCursors())

		// a failed bind finalizes the statement and removes it from the cache
		_, err = c.Query("SELECT ?")
		require.ErrorIs(t, err, ErrBind)
		assert.Equal(t, 1, c.CachedStatements())

		c.SetCacheStatements(false)
		assert.Equal(t, 0, c.CachedStatements())
		assert.True(t, stmt.Closed())
	})

	t.Run("Disabled", func(t *testing.T) {
		t.Parallel()

		c := setup(t, nil)

		cur, err := c.Query("SELECT 1")
		require.NoError(t, err)

		stmt := cur.Statement()
		cur.Close()
		assert.True(t, stmt.Closed())
		assert.Equal(t, 0, c.CachedStatements())
	})

	t.Run("ClearedUnderCursor", func(t *testing.T) {
		t.Parallel()

		c := setup(t, &Config{CacheStatements: true})

		cur, err := c.Query("SELECT 1 UNION ALL SELECT 2")
		require.NoError(t, err)
		require.True(t, cur.Next())

		c.ClearCachedStatements()

		res, err := cur.Step()
		assert.Equal(t, StepMisuse, res)
		require.ErrorIs(t, err, ErrMisuse)
		assert.True(t, cur.Closed())
		assert.Equal(t, 0, c.OpenCursors())
	})
}

func TestBind(t *testing.T) {
	t.Parallel()

	c := setup(t, nil)

	require.NoError(t, c.Exec("CREATE TABLE t (a, b)"))

	err := c.Exec("INSERT INTO t VALUES (?, ?)", Int(1))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrBind, e.Kind)
	assert.Contains(t, e.Msg, "2 placeholders, got 1 arguments")

	err = c.Exec("INSERT INTO t VALUES (?, ?)", Int(1), Int(2), Int(3))
	require.ErrorIs(t, err, ErrBind)

	assert.Equal(t, 0, c.OpenCursors())
	assert.Equal(t, 0, count(t, c, "t"))

	// placeholders without a key are NULL
	require.NoError(t, c.ExecNamed("INSERT INTO t VALUES ($a, :b)", map[string]Value{"$a": Int(1)}))

	isNull, err := c.QueryBool("SELECT b IS NULL FROM t")
	require.NoError(t, err)
	assert.True(t, isNull)

	require.NoError(t, c.ExecNamed("DELETE FROM t", nil))

	args, err := Args(1, "two", nil)
	require.NoError(t, err)
	require.Error(t, c.Exec("INSERT INTO t VALUES (?, ?)", args...))
	require.NoError(t, c.Exec("INSERT INTO t VALUES (?, ?)", args[:2]...))
}

func TestExec(t *testing.T) {
	t.Parallel()

	c := setup(t, nil)

	require.NoError(t, c.Exec("CREATE TABLE t (a INTEGER PRIMARY KEY, b TEXT NOT NULL)"))
	require.NoError(t, c.Exec("INSERT INTO t (b) VALUES ('x'), ('y')"))
	assert.Equal(t, 2, c.Changes())
	assert.Equal(t, int64(2), c.LastInsertRowID())
	assert.Equal(t, 2, c.TotalChanges())
	assert.False(t, c.HadError())

	err := c.Exec("SELECT * FROM t")
	require.ErrorIs(t, err, ErrStep)
	assert.Equal(t, 0, c.OpenCursors())

	err = c.Exec("INSERT INTO t (b) VALUES (NULL)")
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrStep, e.Kind)
	assert.Equal(t, engine.CodeConstraint, e.Code)
	assert.Contains(t, e.Msg, "NOT NULL constraint failed")
	assert.True(t, c.HadError())
	assert.Equal(t, engine.CodeConstraint, c.LastErrorCode())
	assert.Equal(t, e.ExtendedCode, c.LastExtendedErrorCode())
	assert.Contains(t, c.LastErrorMessage(), "NOT NULL")

	err = c.Exec("SELEKT 1")
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrPrepare, e.Kind)
	assert.Equal(t, engine.CodeError, e.Code)

	err = c.Exec("  -- nothing")
	require.ErrorIs(t, err, ErrPrepare)

	require.NoError(t, c.ValidateSQL("SELECT a FROM t"))
	require.ErrorIs(t, c.ValidateSQL("SELECT z FROM t"), ErrPrepare)

	require.NoError(t, c.Ping())
}

func TestExclusiveContention(t *testing.T) {
	t.Parallel()

	testutil.Exclusive(testutil.Ctx(t), "busy timeout timing")

	path := testutil.DatabasePath(t)

	c1 := setup(t, &Config{Path: path, BusyTimeout: 200 * time.Millisecond})
	c2 := setup(t, &Config{Path: path, BusyTimeout: 200 * time.Millisecond})

	require.NoError(t, c1.Exec("CREATE TABLE t (v)"))
	require.NoError(t, c2.Exec("INSERT INTO t VALUES (0)"))

	require.NoError(t, c1.BeginExclusive())
	require.NoError(t, c1.Exec("INSERT INTO t VALUES (1)"))

	start := time.Now()
	err := c2.Exec("INSERT INTO t VALUES (2)")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBusy) || errors.Is(err, ErrLocked), "%v", err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Positive(t, c2.m.busyRetries.Load())

	require.NoError(t, c1.Commit())

	require.NoError(t, c2.Exec("INSERT INTO t VALUES (2)"))
	assert.Equal(t, 3, count(t, c2, "t"))

	c2.SetBusyTimeout(0)
	assert.Zero(t, c2.BusyTimeout())

	require.NoError(t, c1.BeginExclusive())

	start = time.Now()
	err = c2.Exec("INSERT INTO t VALUES (3)")
	require.ErrorIs(t, err, ErrBusy)
	assert.Less(t, time.Since(start), 200*time.Millisecond, "no retries")

	require.NoError(t, c1.Rollback())
}

func TestLeakSafeClose(t *testing.T) {
	t.Parallel()

	for name, cacheStatements := range map[string]bool{"Cached": true, "Uncached": false} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c := New(&Config{
				Path:            testutil.DatabasePath(t),
				CacheStatements: cacheStatements,
				L:               testutil.Logger(t),
			})
			require.NoError(t, c.Open(0, ""))
			require.NoError(t, c.Open(0, ""), "second open is a no-op")

			require.NoError(t, c.Exec("CREATE TABLE t (v)"))
			require.NoError(t, c.Exec("INSERT INTO t VALUES (1), (2), (3)"))

			cur1, err := c.Query("SELECT v FROM t")
			require.NoError(t, err)
			require.True(t, cur1.Next())

			cur2, err := c.Query("SELECT v FROM t")
			require.NoError(t, err)

			// statement prepared past the cache and cursors
			raw, _, err := c.db.Prepare("SELECT v FROM t ORDER BY v DESC")
			require.NoError(t, err)
			require.Equal(t, engine.CodeRow, raw.Step())

			assert.Equal(t, 2, c.OpenCursors())

			require.NoError(t, c.Close())
			assert.False(t, c.IsOpen())

			assert.Equal(t, 0, c.OpenCursors())
			assert.Equal(t, 0, c.CachedStatements())
			assert.True(t, raw.Finalized())

			for _, cur := range []*Cursor{cur1, cur2} {
				assert.True(t, cur.Closed())
				assert.True(t, cur.Statement().Closed())

				_, ok := cur.Int(0)
				assert.False(t, ok)

				res, err := cur.Step()
				assert.Equal(t, StepMisuse, res)

				var e *Error
				require.ErrorAs(t, err, &e)
				assert.Equal(t, ErrMisuse, e.Kind)
				assert.Equal(t, "connection is gone", e.Msg)

				cur.Close()
			}

			require.NoError(t, c.Close(), "second close is a no-op")
			c.Interrupt()

			_, err = c.Query("SELECT 1")
			require.ErrorIs(t, err, ErrNotOpen)
			assert.Equal(t, 0, c.Changes())

			require.NoError(t, c.Open(0, ""))
			assert.Equal(t, 3, count(t, c, "t"))
			require.NoError(t, c.Close())
		})
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	c := New(&Config{
		Path: filepath.Join(t.TempDir(), "missing", "db.sqlite"),
		L:    testutil.Logger(t),
	})

	_, err := c.Query("SELECT 1")
	require.ErrorIs(t, err, ErrNotOpen)
	require.ErrorIs(t, c.Exec("SELECT 1"), ErrNotOpen)
	require.ErrorIs(t, c.Ping(), ErrNotOpen)
	require.NoError(t, c.Close())

	err = c.Open(engine.OpenReadWrite|engine.OpenCreate, "")
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrOpenFailed, e.Kind)
	assert.Equal(t, engine.CodeCantOpen, e.Code)
	assert.False(t, c.IsOpen())

	c = New(&Config{Path: testutil.DatabasePath(t), L: testutil.Logger(t)})
	err = c.Open(engine.OpenReadOnly, "")
	require.ErrorIs(t, err, ErrOpenFailed, "read-only open does not create a file")

	assert.Equal(t, DefaultBusyTimeout, c.BusyTimeout())
}

func TestAlreadyExecuting(t *testing.T) {
	t.Parallel()

	c := setup(t, nil)

	var inner error

	err := c.ExecuteStatements("SELECT 1", func(map[string]any) bool {
		assert.True(t, c.Executing())
		assert.Equal(t, 0, c.Changes())

		_, inner = c.Query("SELECT 2")

		return true
	})
	require.NoError(t, err)
	require.ErrorIs(t, inner, ErrAlreadyExecuting)
	assert.False(t, c.Executing())
}

func TestExecuteStatements(t *testing.T) {
	t.Parallel()

	c := setup(t, nil)

	script := `
		CREATE TABLE t (a, b);
		INSERT INTO t VALUES (1, 'x');
		;
		INSERT INTO t VALUES (2, NULL);
		SELECT a, b FROM t ORDER BY a;
		-- trailing comment
	`

	var rows []map[string]any

	err := c.ExecuteStatements(script, func(row map[string]any) bool {
		rows = append(rows, row)
		return true
	})
	require.NoError(t, err)

	expected := []map[string]any{
		{"a": int64(1), "b": "x"},
		{"a": int64(2), "b": nil},
	}
	assert.Equal(t, expected, rows)

	err = c.ExecuteStatements("SELECT a FROM t; DELETE FROM t", func(map[string]any) bool { return false })
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, 2, count(t, c, "t"), "DELETE was not executed")

	require.NoError(t, c.ExecuteStatements("DELETE FROM t WHERE a = 1; SELECT * FROM t", nil))
	assert.Equal(t, 1, count(t, c, "t"))

	require.ErrorIs(t, c.ExecuteStatements("SELECT 1; SELEKT 2", nil), ErrPrepare)
	require.NoError(t, c.ExecuteStatements("", nil))
}

func TestTransactions(t *testing.T) {
	t.Parallel()

	c := setup(t, &Config{Path: testutil.DatabasePath(t)})

	require.NoError(t, c.Exec("CREATE TABLE t (v)"))

	require.NoError(t, c.BeginDeferred())
	assert.Equal(t, TxDeferred, c.TxMode())
	require.NoError(t, c.Commit())
	assert.Equal(t, TxNone, c.TxMode())

	require.NoError(t, c.BeginImmediate())
	assert.Equal(t, TxImmediate, c.TxMode())
	require.Error(t, c.BeginImmediate(), "nested transaction")
	assert.Equal(t, TxImmediate, c.TxMode())
	require.NoError(t, c.Rollback())

	require.ErrorIs(t, c.Rollback(), ErrStep, "no transaction")
	require.Error(t, c.BeginMode(TxNone))

	err := c.InTx(TxImmediate, func(rollback *bool) error {
		assert.True(t, c.InTransaction())
		return c.Exec("INSERT INTO t VALUES (1)")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, c, "t"))

	err = c.InTx(TxDeferred, func(rollback *bool) error {
		require.NoError(t, c.Exec("INSERT INTO t VALUES (2)"))
		*rollback = true

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, c, "t"))

	errBody := errors.New("body failed")
	err = c.InTx(TxExclusive, func(rollback *bool) error {
		require.NoError(t, c.Exec("INSERT INTO t VALUES (3)"))
		return errBody
	})
	require.ErrorIs(t, err, errBody)
	assert.Equal(t, 1, count(t, c, "t"))
	assert.False(t, c.InTransaction())

	assert.Panics(t, func() {
		_ = c.InTx(TxExclusive, func(rollback *bool) error {
			require.NoError(t, c.Exec("INSERT INTO t VALUES (4)"))
			panic("boom")
		})
	})
	assert.Equal(t, 1, count(t, c, "t"))
	assert.False(t, c.InTransaction())
}

func TestSavepoints(t *testing.T) {
	t.Parallel()

	c := setup(t, nil)

	require.NoError(t, c.Exec("CREATE TABLE t (v)"))

	err := c.InSavepoint("outer", func(rollback *bool) error {
		require.NoError(t, c.Exec("INSERT INTO t VALUES (1)"))

		return c.InSavepoint("it's inner", func(rollback *bool) error {
			require.NoError(t, c.Exec("INSERT INTO t VALUES (2)"))
			*rollback = true

			return nil
		})
	})
	require.NoError(t, err)

	v, err := c.QueryInt("SELECT sum(v) FROM t")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	errBody := errors.New("body failed")
	err = c.InSavepoint("failing", func(*bool) error {
		require.NoError(t, c.Exec("INSERT INTO t VALUES (3)"))
		return errBody
	})
	require.ErrorIs(t, err, errBody)
	assert.Equal(t, 1, count(t, c, "t"))

	require.NoError(t, c.Begin())
	require.NoError(t, c.StartSavepoint("sp"))
	require.NoError(t, c.Exec("INSERT INTO t VALUES (4)"))
	require.NoError(t, c.RollbackToSavepoint("sp"))
	require.NoError(t, c.ReleaseSavepoint("sp"))
	require.NoError(t, c.Commit())
	assert.Equal(t, 1, count(t, c, "t"))

	require.ErrorIs(t, c.ReleaseSavepoint("missing"), ErrStep)
}

func TestSchema(t *testing.T) {
	t.Parallel()

	c := setup(t, nil)

	require.NoError(t, c.Exec("CREATE TABLE Items (ID INTEGER PRIMARY KEY, Name TEXT)"))
	require.NoError(t, c.Exec("CREATE INDEX items_name ON Items (Name)"))

	exists, err := c.TableExists("items")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.TableExists("missing")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = c.ColumnExists("ITEMS", "name")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.ColumnExists("items", "price")
	require.NoError(t, err)
	assert.False(t, exists)

	cur, err := c.TableSchema("items")
	require.NoError(t, err)

	var columns []string
	for cur.Next() {
		name, _ := cur.TextByName("name")
		typ, _ := cur.TextByName("type")
		columns = append(columns, name+" "+typ)
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []string{"ID INTEGER", "Name TEXT"}, columns)

	cur, err = c.Schema()
	require.NoError(t, err)

	var objects []string
	for cur.Next() {
		typ, _ := cur.TextByName("type")
		name, _ := cur.TextByName("name")
		objects = append(objects, typ+" "+name)
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []string{"table Items", "index items_name"}, objects)

	v, err := c.UserVersion()
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, c.SetUserVersion(42))
	v, err = c.UserVersion()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)

	require.NoError(t, c.SetUserVersion(math.MaxUint32))
	v, err = c.UserVersion()
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), v)

	require.NoError(t, c.SetApplicationIDString("LQDB"))
	id, err := c.ApplicationIDString()
	require.NoError(t, err)
	assert.Equal(t, "LQDB", id)

	appID, err := c.ApplicationID()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x4c514442), appID)

	require.ErrorIs(t, c.SetApplicationIDString("abc"), ErrBind)
}

func TestInterrupt(t *testing.T) {
	t.Parallel()

	c := setup(t, nil)

	cur, err := c.Query("WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c) SELECT count(*) FROM c")
	require.NoError(t, err)

	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				c.Interrupt()
			}
		}
	}()

	res, err := cur.Step()
	close(done)

	assert.Equal(t, StepError, res)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.True(t, cur.Closed())

	require.NoError(t, c.Ping(), "connection is usable after interrupt")
}

func TestCheckpoint(t *testing.T) {
	t.Parallel()

	c := setup(t, &Config{Path: testutil.DatabasePath(t)})

	mode, err := c.QueryText("PRAGMA journal_mode = WAL")
	require.NoError(t, err)
	require.Equal(t, "wal", mode)

	require.NoError(t, c.Exec("CREATE TABLE t (v)"))

	logFrames, checkpointed, err := c.Checkpoint(engine.CheckpointPassive, "")
	require.NoError(t, err)
	assert.Positive(t, logFrames)
	assert.Equal(t, logFrames, checkpointed)

	_, _, err = c.Checkpoint(engine.CheckpointPassive, "missing")
	require.ErrorIs(t, err, ErrStep)
}

// TestIndependentReader checks data written by Conn with a separate database/sql driver.
func TestIndependentReader(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	path := testutil.DatabasePath(t)

	c := setup(t, &Config{Path: path, CacheStatements: true})

	require.NoError(t, c.Exec("CREATE TABLE t (k TEXT, v BLOB)"))

	err := c.InTx(TxExclusive, func(*bool) error {
		for i, k := range []string{"a", "b", "c"} {
			if err := c.Exec("INSERT INTO t VALUES (?, ?)", Text(k), Blob(make([]byte, i))); err != nil {
				return err
			}
		}

		return nil
	})
	require.NoError(t, err)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	rows, err := db.QueryContext(ctx, "SELECT k, length(v), typeof(v) FROM t ORDER BY k")
	require.NoError(t, err)

	var got []string

	for rows.Next() {
		var k, typ string
		var n int
		require.NoError(t, rows.Scan(&k, &n, &typ))
		got = append(got, strings.Join([]string{k, typ, string(rune('0' + n))}, ":"))
	}

	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())

	assert.Equal(t, []string{"a:blob:0", "b:blob:1", "c:blob:2"}, got)
}

func TestCollector(t *testing.T) {
	t.Parallel()

	c := setup(t, nil)

	require.NoError(t, c.Exec("CREATE TABLE t (v)"))
	require.NoError(t, c.Exec("INSERT INTO t VALUES (?)", Int(1)))
	require.NoError(t, c.Exec("INSERT INTO t VALUES (?)", Int(2)))

	cur, err := c.Query("SELECT v FROM t")
	require.NoError(t, err)

	defer cur.Close()

	assert.Equal(t, 7, promtestutil.CollectAndCount(c))

	expected := `
		# HELP litequeue_conn_cursors_open The number of open cursors.
		# TYPE litequeue_conn_cursors_open gauge
		litequeue_conn_cursors_open{db=":memory:"} 1
		# HELP litequeue_conn_executes_total The number of successfully started executions.
		# TYPE litequeue_conn_executes_total counter
		litequeue_conn_executes_total{db=":memory:"} 4
		# HELP litequeue_conn_open Whether the connection is open.
		# TYPE litequeue_conn_open gauge
		litequeue_conn_open{db=":memory:"} 1
		# HELP litequeue_conn_statements_prepared_total The number of statements compiled by the engine.
		# TYPE litequeue_conn_statements_prepared_total counter
		litequeue_conn_statements_prepared_total{db=":memory:"} 4
	`
	err = promtestutil.CollectAndCompare(
		c, strings.NewReader(expected),
		"litequeue_conn_cursors_open",
		"litequeue_conn_executes_total",
		"litequeue_conn_open",
		"litequeue_conn_statements_prepared_total",
	)
	require.NoError(t, err)
}
