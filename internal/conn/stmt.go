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
	"strings"

	"github.com/FerretDB/litequeue/internal/engine"
)

// Stmt is a prepared statement owned by a connection.
//
// While a [Cursor] holds it, the statement is in use and is never handed out again.
type Stmt struct {
	s        *engine.Stmt // nil once closed
	sql      string
	inUse    bool
	useCount int
}

// SQL returns the text the statement was prepared from.
func (s *Stmt) SQL() string {
	return s.sql
}

// InUse returns true if the statement is held by an open cursor.
func (s *Stmt) InUse() bool {
	return s.inUse
}

// UseCount returns the number of executions that obtained this statement.
func (s *Stmt) UseCount() int {
	return s.useCount
}

// Closed returns true if the statement was closed (finalized).
func (s *Stmt) Closed() bool {
	return s.s == nil || s.s.Finalized()
}

// Reset rewinds the statement for reuse and marks it as not in use.
func (s *Stmt) Reset() {
	if s.s != nil {
		// the result is the error of the last step, which was already reported
		_ = s.s.Reset()
	}

	s.inUse = false
}

// Close finalizes the statement. It is safe to call it multiple times.
func (s *Stmt) Close() {
	if s.s != nil {
		// same as above
		_ = s.s.Finalize()
		s.s = nil
	}

	s.inUse = false
}

// cacheKey returns the statement cache key for the SQL text.
func cacheKey(sql string) string {
	return strings.TrimSpace(sql)
}

// stmtCache maps SQL text to the set of prepared statements for it.
//
// It is not bounded: there is one statement per concurrently open cursor for the same SQL.
type stmtCache map[string]map[*Stmt]struct{}

// get returns a cached statement that is not in use, or nil.
func (c stmtCache) get(sql string) *Stmt {
	for s := range c[cacheKey(sql)] {
		if !s.inUse && !s.Closed() {
			return s
		}
	}

	return nil
}

// put adds statement to the cache.
func (c stmtCache) put(s *Stmt) {
	key := cacheKey(s.sql)

	set := c[key]
	if set == nil {
		set = make(map[*Stmt]struct{})
		c[key] = set
	}

	set[s] = struct{}{}
}

// remove removes statement from the cache without closing it.
func (c stmtCache) remove(s *Stmt) {
	key := cacheKey(s.sql)

	delete(c[key], s)

	if len(c[key]) == 0 {
		delete(c, key)
	}
}

// contains returns true if statement is cached.
func (c stmtCache) contains(s *Stmt) bool {
	_, ok := c[cacheKey(s.sql)][s]
	return ok
}

// len returns the number of cached statements.
func (c stmtCache) len() int {
	var n int
	for _, set := range c {
		n += len(set)
	}

	return n
}

// clear closes and removes all cached statements.
func (c stmtCache) clear() {
	for key, set := range c {
		for s := range set {
			s.Close()
		}

		delete(c, key)
	}
}
