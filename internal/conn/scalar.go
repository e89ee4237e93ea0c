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
	"time"
)

// queryScalar executes a query and returns the first column of the first row
// read with get.
//
// It returns the zero value if there are no rows or the value is NULL.
func queryScalar[T any](c *Conn, get func(cur *Cursor, i int) (T, bool), sql string, args []Value) (T, error) {
	var zero T

	cur, err := c.Query(sql, args...)
	if err != nil {
		return zero, err
	}

	defer cur.Close()

	res, err := cur.Step()
	if err != nil {
		return zero, err
	}

	if res != StepRow {
		return zero, nil
	}

	v, _ := get(cur, 0)

	return v, nil
}

// QueryInt returns the first column of the first row as int.
func (c *Conn) QueryInt(sql string, args ...Value) (int, error) {
	return queryScalar(c, (*Cursor).Int, sql, args)
}

// QueryInt64 returns the first column of the first row as int64.
func (c *Conn) QueryInt64(sql string, args ...Value) (int64, error) {
	return queryScalar(c, (*Cursor).Int64, sql, args)
}

// QueryBool returns true if the first column of the first row is a non-zero integer.
func (c *Conn) QueryBool(sql string, args ...Value) (bool, error) {
	return queryScalar(c, (*Cursor).Bool, sql, args)
}

// QueryFloat64 returns the first column of the first row as float64.
func (c *Conn) QueryFloat64(sql string, args ...Value) (float64, error) {
	return queryScalar(c, (*Cursor).Float64, sql, args)
}

// QueryText returns the first column of the first row as text.
func (c *Conn) QueryText(sql string, args ...Value) (string, error) {
	return queryScalar(c, (*Cursor).Text, sql, args)
}

// QueryBytes returns a copy of the first column of the first row as bytes, or nil.
func (c *Conn) QueryBytes(sql string, args ...Value) ([]byte, error) {
	return queryScalar(c, (*Cursor).Bytes, sql, args)
}

// QueryTime returns the first column of the first row, seconds since Unix epoch, as time.
func (c *Conn) QueryTime(sql string, args ...Value) (time.Time, error) {
	return queryScalar(c, (*Cursor).Time, sql, args)
}
