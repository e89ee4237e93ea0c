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
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/maps"

	"github.com/FerretDB/litequeue/internal/engine"
)

// binder binds arguments to a freshly prepared or reset statement.
type binder func(s *engine.Stmt) error

// namedArgs is a zap object marshaler for named arguments.
type namedArgs map[string]Value

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (args namedArgs) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	keys := maps.Keys(args)
	slices.Sort(keys)

	for _, k := range keys {
		enc.AddString(k, args[k].String())
	}

	return nil
}

// bindPositional returns a binder for positional arguments.
//
// The number of arguments must match the number of placeholders.
func bindPositional(args []Value) binder {
	return func(s *engine.Stmt) error {
		if n := s.BindParameterCount(); n != len(args) {
			return newError(ErrBind, "statement has %d placeholders, got %d arguments", n, len(args))
		}

		for i, v := range args {
			if err := v.bind(s, i+1); err != nil {
				return newEngineError(ErrBind, err)
			}
		}

		return nil
	}
}

// bindNamed returns a binder for named arguments.
//
// Keys without a prefix get ":"; keys without a matching placeholder are skipped.
func (c *Conn) bindNamed(args map[string]Value) binder {
	return func(s *engine.Stmt) error {
		keys := maps.Keys(args)
		slices.Sort(keys)

		for _, k := range keys {
			name := parameterName(k)

			i := s.BindParameterIndex(name)
			if i == 0 {
				c.l.Debug("Skipping argument without placeholder", zap.String("name", name), zap.String("sql", s.SQL()))
				continue
			}

			if err := args[k].bind(s, i); err != nil {
				return newEngineError(ErrBind, err)
			}
		}

		return nil
	}
}

// parameterName returns the placeholder name for the argument key.
func parameterName(key string) string {
	for _, prefix := range []string{":", "@", "$"} {
		if strings.HasPrefix(key, prefix) {
			return key
		}
	}

	return ":" + key
}

// Query executes a statement with positional arguments and returns a cursor over its rows.
//
// The number of arguments must match the number of placeholders.
// The caller must close the cursor or step it until the end.
func (c *Conn) Query(sql string, args ...Value) (*Cursor, error) {
	start := time.Now()
	c.l.Debug(">>> "+sql, zap.Stringers("args", args))

	cur, err := c.execute(sql, bindPositional(args))

	c.l.Debug("<<< "+sql, zap.Duration("time", time.Since(start)), zap.Error(err))

	return cur, err
}

// QueryNamed executes a statement with named arguments and returns a cursor over its rows.
//
// Map keys may include a prefix (":", "@" or "$"); ":" is used if there is none.
// Keys without a matching placeholder are ignored; placeholders without a key are NULL.
func (c *Conn) QueryNamed(sql string, args map[string]Value) (*Cursor, error) {
	start := time.Now()
	c.l.Debug(">>> "+sql, zap.Object("args", namedArgs(args)))

	cur, err := c.execute(sql, c.bindNamed(args))

	c.l.Debug("<<< "+sql, zap.Duration("time", time.Since(start)), zap.Error(err))

	return cur, err
}

// Exec executes a statement that produces no rows, such as INSERT, UPDATE, DELETE or DDL.
//
// It returns nil only if the statement completed.
// A statement that produces a row is an error.
func (c *Conn) Exec(sql string, args ...Value) error {
	cur, err := c.Query(sql, args...)
	if err != nil {
		return err
	}

	return c.finish(cur)
}

// ExecNamed is like Exec, but with named arguments; see [Conn.QueryNamed].
func (c *Conn) ExecNamed(sql string, args map[string]Value) error {
	cur, err := c.QueryNamed(sql, args)
	if err != nil {
		return err
	}

	return c.finish(cur)
}

// finish steps the cursor once expecting no rows, and closes it.
func (c *Conn) finish(cur *Cursor) error {
	defer cur.Close()

	res, err := cur.Step()
	if err != nil {
		return err
	}

	if res == StepRow {
		c.l.Warn("Statement without results produced a row", zap.String("sql", cur.SQL()))
		return newError(ErrStep, "statement produced a row")
	}

	c.l.Debug("Executed", zap.Int("changes", c.db.Changes()))

	return nil
}

// execute prepares (or takes from the cache) a statement, binds arguments if any,
// and returns an open cursor.
//
// A statement that failed to bind is finalized and never reused.
func (c *Conn) execute(sql string, bind binder) (*Cursor, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.exit()

	var stmt *Stmt
	var cached bool

	if c.cacheStatements {
		if stmt = c.cache.get(sql); stmt != nil {
			stmt.s.ClearBindings()
			cached = true
			c.m.cacheHits.Add(1)
		}
	}

	if stmt == nil {
		s, tail, err := c.db.Prepare(sql)
		if err != nil {
			return nil, newClassifiedError(ErrPrepare, err)
		}

		if s == nil {
			return nil, newError(ErrPrepare, "no SQL statement in %q", sql)
		}

		if strings.TrimSpace(tail) != "" {
			c.l.Debug("Ignoring statement tail", zap.String("tail", tail))
		}

		c.m.prepared.Add(1)

		stmt = &Stmt{s: s, sql: sql}
	}

	if bind != nil {
		if err := bind(stmt.s); err != nil {
			if cached {
				c.cache.remove(stmt)
				c.m.cached.Store(int64(c.cache.len()))
			}

			stmt.Close()

			return nil, err
		}
	}

	if c.cacheStatements && !cached {
		c.cache.put(stmt)
		c.m.cached.Store(int64(c.cache.len()))
	}

	stmt.inUse = true
	stmt.useCount++
	c.m.executes.Add(1)

	cur := newCursor(c, stmt)
	c.trackCursor(cur)

	return cur, nil
}

// ValidateSQL returns an error if sql does not compile.
// The statement is not executed.
func (c *Conn) ValidateSQL(sql string) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.exit()

	s, _, err := c.db.Prepare(sql)
	if err != nil {
		return newClassifiedError(ErrPrepare, err)
	}

	if s != nil {
		_ = s.Finalize()
	}

	return nil
}

// ExecuteStatements runs all statements in sql, one by one.
//
// If f is not nil, it is called for every row produced by any statement;
// if it returns false, execution stops with an [ErrInterrupted] error.
// Statements are never cached.
func (c *Conn) ExecuteStatements(sql string, f func(row map[string]any) bool) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.exit()

	c.l.Debug(">>> " + sql)

	for rest := sql; ; {
		s, tail, err := c.db.Prepare(rest)
		if err != nil {
			return newClassifiedError(ErrPrepare, err)
		}

		if s == nil {
			if tail == "" || tail == rest {
				break
			}

			rest = tail

			continue
		}

		c.m.prepared.Add(1)

		err = c.stepAll(s, f)
		_ = s.Finalize()

		if err != nil {
			return err
		}

		rest = tail
	}

	c.l.Debug("<<< " + sql)

	return nil
}

// stepAll steps the statement until the end, calling f for every row.
func (c *Conn) stepAll(s *engine.Stmt, f func(row map[string]any) bool) error {
	for {
		rc := s.Step()

		switch rc.Primary() {
		case engine.CodeDone:
			return nil

		case engine.CodeRow:
			if f == nil {
				continue
			}

			if !f(rowMap(s)) {
				return &Error{
					Kind:         ErrInterrupted,
					Code:         engine.CodeAbort,
					ExtendedCode: engine.CodeAbort,
					Msg:          "row callback requested abort",
				}
			}

		default:
			return c.lastError(classify(rc, ErrStep), rc)
		}
	}
}

// Ping checks that the connection is open and the database is readable.
func (c *Conn) Ping() error {
	cur, err := c.Query("SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return err
	}

	defer cur.Close()

	if _, err = cur.Step(); err != nil {
		return err
	}

	return nil
}
