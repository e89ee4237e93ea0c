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
	"time"

	"go.uber.org/zap"

	"github.com/FerretDB/litequeue/internal/engine"
)

// StepResult is a result of [Cursor.Step].
type StepResult int

// Step results.
const (
	// StepRow means that a row is available.
	StepRow StepResult = iota + 1

	// StepDone means that there are no more rows.
	StepDone

	// StepBusy means contention with another connection; the error has ErrBusy kind.
	StepBusy

	// StepLocked means contention within the connection; the error has ErrLocked kind.
	StepLocked

	// StepError is a generic failure; the error has the engine's message.
	StepError

	// StepMisuse means that the cursor or statement can't be used anymore.
	StepMisuse
)

// String implements fmt.Stringer.
func (r StepResult) String() string {
	switch r {
	case StepRow:
		return "row"
	case StepDone:
		return "done"
	case StepBusy:
		return "busy"
	case StepLocked:
		return "locked"
	case StepError:
		return "error"
	case StepMisuse:
		return "misuse"
	default:
		return "unknown"
	}
}

// cursorState represents the lifecycle of a cursor.
type cursorState int

const (
	cursorOpen cursorState = iota
	cursorClosed

	// closed by the connection's teardown; the connection is gone
	cursorOrphaned
)

// Cursor iterates over rows produced by a statement.
//
// Column accessors return false (and zero value) for a closed cursor,
// an out-of-range or negative index, an unknown name, and SQL NULL.
//
//nolint:vet // for readability
type Cursor struct {
	c      *Conn // nil once detached
	stmt   *Stmt
	state  cursorState
	names  map[string]int // lowercase name -> index, built lazily
	err    error
	noAuto bool
}

// newCursor returns an open cursor for the statement that is already marked in use.
func newCursor(c *Conn, stmt *Stmt) *Cursor {
	return &Cursor{
		c:    c,
		stmt: stmt,
	}
}

// SetAutoClose sets whether the cursor closes itself when Step returns anything but a row.
// It is enabled by default.
func (cur *Cursor) SetAutoClose(enabled bool) {
	cur.noAuto = !enabled
}

// SQL returns the statement's SQL text.
func (cur *Cursor) SQL() string {
	return cur.stmt.sql
}

// Statement returns the prepared statement held by the cursor.
func (cur *Cursor) Statement() *Stmt {
	return cur.stmt
}

// Closed returns true if the cursor was closed.
func (cur *Cursor) Closed() bool {
	return cur.state != cursorOpen
}

// Step advances the cursor to the next row.
//
// Contention is reported as [ErrBusy] or [ErrLocked] errors;
// retries happen below this call, in the connection's busy handler.
// Any result other than [StepRow] closes the cursor if auto-close is enabled.
// The cursor is closed before the error is returned.
func (cur *Cursor) Step() (StepResult, error) {
	switch cur.state {
	case cursorOrphaned:
		return StepMisuse, &Error{Kind: ErrMisuse, Code: engine.CodeMisuse, ExtendedCode: engine.CodeMisuse, Msg: "connection is gone"}
	case cursorClosed:
		return StepMisuse, &Error{Kind: ErrMisuse, Code: engine.CodeMisuse, ExtendedCode: engine.CodeMisuse, Msg: "cursor is closed"}
	}

	if cur.stmt.Closed() {
		cur.autoClose()
		return StepMisuse, &Error{Kind: ErrMisuse, Code: engine.CodeMisuse, ExtendedCode: engine.CodeMisuse, Msg: "statement is closed"}
	}

	rc := cur.stmt.s.Step()

	var res StepResult
	var err error

	switch rc.Primary() {
	case engine.CodeRow:
		return StepRow, nil

	case engine.CodeDone:
		res = StepDone

	default:
		e := cur.c.lastError(classify(rc, ErrStep), rc)
		err = e

		switch e.Kind {
		case ErrBusy:
			res = StepBusy
		case ErrLocked:
			res = StepLocked
		case ErrMisuse:
			res = StepMisuse
		default:
			res = StepError
		}

		cur.c.l.Debug("Step failed", zap.String("sql", cur.stmt.sql), zap.Error(err))
	}

	cur.autoClose()

	return res, err
}

// autoClose closes the cursor unless auto-close is disabled.
func (cur *Cursor) autoClose() {
	if !cur.noAuto {
		cur.Close()
	}
}

// Next advances the cursor and returns true if a row is available.
// The error, if any, is available via Err.
func (cur *Cursor) Next() bool {
	res, err := cur.Step()
	cur.err = err

	return res == StepRow
}

// Err returns the error of the last Next call.
func (cur *Cursor) Err() error {
	return cur.err
}

// Close releases the statement and deregisters the cursor from its connection.
//
// A cached statement is reset for reuse, an uncached one is finalized.
// It is safe to call it multiple times.
func (cur *Cursor) Close() {
	if cur.state != cursorOpen {
		return
	}

	cur.state = cursorClosed
	cur.release()

	if cur.c != nil {
		cur.c.forgetCursor(cur)
		cur.c = nil
	}
}

// orphan closes the cursor during connection teardown without notifying the connection.
func (cur *Cursor) orphan() {
	if cur.state != cursorOpen {
		return
	}

	cur.c = nil
	cur.state = cursorOrphaned
	cur.release()
}

// release returns the statement to the cache or finalizes it.
func (cur *Cursor) release() {
	if cur.c != nil && cur.c.cache.contains(cur.stmt) {
		cur.stmt.Reset()
		return
	}

	cur.stmt.Close()
}

// ColumnCount returns the number of columns in the result set.
func (cur *Cursor) ColumnCount() int {
	if !cur.valid() {
		return 0
	}

	return cur.stmt.s.ColumnCount()
}

// DataCount returns the number of columns in the current row, or 0 if there is no current row.
func (cur *Cursor) DataCount() int {
	if !cur.valid() {
		return 0
	}

	return cur.stmt.s.DataCount()
}

// ColumnName returns the name of the column, or empty string for an invalid index.
func (cur *Cursor) ColumnName(i int) string {
	if !cur.inRange(i) {
		return ""
	}

	return cur.stmt.s.ColumnName(i)
}

// ColumnIndex returns the index of the column with the given case-insensitive name, or -1.
//
// If several columns have the same name, the last one wins.
func (cur *Cursor) ColumnIndex(name string) int {
	if !cur.valid() {
		return -1
	}

	if cur.names == nil {
		n := cur.stmt.s.ColumnCount()
		cur.names = make(map[string]int, n)

		for i := range n {
			cur.names[strings.ToLower(cur.stmt.s.ColumnName(i))] = i
		}
	}

	i, ok := cur.names[strings.ToLower(name)]
	if !ok {
		cur.c.l.Sugar().Debugf("No column named %q in %q.", name, cur.stmt.sql)
		return -1
	}

	return i
}

// valid returns true if the cursor's statement can be read.
func (cur *Cursor) valid() bool {
	return cur.state == cursorOpen && !cur.stmt.Closed()
}

// inRange returns true if the cursor is valid and the index is within the result set.
func (cur *Cursor) inRange(i int) bool {
	return cur.valid() && i >= 0 && i < cur.stmt.s.ColumnCount()
}

// present returns true if the column exists and is not NULL in the current row.
func (cur *Cursor) present(i int) bool {
	return cur.inRange(i) && cur.stmt.s.ColumnType(i) != engine.TypeNull
}

// ColumnType returns the type of the column value in the current row.
//
// The type is read from the engine as is, and may change after a typed accessor converts the value.
// Invalid indexes return [engine.TypeNull].
func (cur *Cursor) ColumnType(i int) engine.ColumnType {
	if !cur.inRange(i) {
		return engine.TypeNull
	}

	return cur.stmt.s.ColumnType(i)
}

// IsNull returns true if the column value is SQL NULL or the index is invalid.
func (cur *Cursor) IsNull(i int) bool {
	return !cur.present(i)
}

// Text returns the column value as text.
func (cur *Cursor) Text(i int) (string, bool) {
	if !cur.present(i) {
		return "", false
	}

	return cur.stmt.s.ColumnText(i), true
}

// Int64 returns the column value as 64-bit integer.
func (cur *Cursor) Int64(i int) (int64, bool) {
	if !cur.present(i) {
		return 0, false
	}

	return cur.stmt.s.ColumnInt64(i), true
}

// Uint64 returns the column value as unsigned 64-bit integer.
func (cur *Cursor) Uint64(i int) (uint64, bool) {
	v, ok := cur.Int64(i)
	return uint64(v), ok
}

// Int32 returns the column value as 32-bit integer.
func (cur *Cursor) Int32(i int) (int32, bool) {
	if !cur.present(i) {
		return 0, false
	}

	return cur.stmt.s.ColumnInt(i), true
}

// Int returns the column value as int.
func (cur *Cursor) Int(i int) (int, bool) {
	v, ok := cur.Int64(i)
	return int(v), ok
}

// Bool returns true if the column's integer value is not zero.
func (cur *Cursor) Bool(i int) (bool, bool) {
	v, ok := cur.Int32(i)
	return v != 0, ok
}

// Float64 returns the column value as 64-bit float.
func (cur *Cursor) Float64(i int) (float64, bool) {
	if !cur.present(i) {
		return 0, false
	}

	return cur.stmt.s.ColumnDouble(i), true
}

// Time returns the column value, seconds since Unix epoch, as time.
func (cur *Cursor) Time(i int) (time.Time, bool) {
	v, ok := cur.Float64(i)
	if !ok {
		return time.Time{}, false
	}

	return floatToTime(v), true
}

// Bytes returns a copy of the column value as bytes.
// A zero-length blob is returned as a non-nil empty slice.
func (cur *Cursor) Bytes(i int) ([]byte, bool) {
	if !cur.present(i) {
		return nil, false
	}

	return cur.stmt.s.ColumnBlob(i), true
}

// BytesNoCopy returns the column value as bytes without copying.
//
// The slice is valid only until the next Step or Close call.
func (cur *Cursor) BytesNoCopy(i int) ([]byte, bool) {
	if !cur.present(i) {
		return nil, false
	}

	return cur.stmt.s.ColumnBlobView(i), true
}

// Value returns the column value; see [Cursor.AsMap] for the conversion rules.
func (cur *Cursor) Value(i int) Value {
	if !cur.inRange(i) {
		return Null()
	}

	return columnValue(cur.stmt.s, i)
}

// AsMap returns the current row as a map of column names to Go values.
//
// Integers are int64, floats are float64, blobs are []byte, NULLs are nil,
// everything else is string.
// If there is no current row, the map is empty.
func (cur *Cursor) AsMap() map[string]any {
	if !cur.valid() {
		return map[string]any{}
	}

	return rowMap(cur.stmt.s)
}

// TextByName is like Text, but uses a case-insensitive column name.
func (cur *Cursor) TextByName(name string) (string, bool) {
	return cur.Text(cur.ColumnIndex(name))
}

// Int64ByName is like Int64, but uses a case-insensitive column name.
func (cur *Cursor) Int64ByName(name string) (int64, bool) {
	return cur.Int64(cur.ColumnIndex(name))
}

// Uint64ByName is like Uint64, but uses a case-insensitive column name.
func (cur *Cursor) Uint64ByName(name string) (uint64, bool) {
	return cur.Uint64(cur.ColumnIndex(name))
}

// Int32ByName is like Int32, but uses a case-insensitive column name.
func (cur *Cursor) Int32ByName(name string) (int32, bool) {
	return cur.Int32(cur.ColumnIndex(name))
}

// IntByName is like Int, but uses a case-insensitive column name.
func (cur *Cursor) IntByName(name string) (int, bool) {
	return cur.Int(cur.ColumnIndex(name))
}

// BoolByName is like Bool, but uses a case-insensitive column name.
func (cur *Cursor) BoolByName(name string) (bool, bool) {
	return cur.Bool(cur.ColumnIndex(name))
}

// Float64ByName is like Float64, but uses a case-insensitive column name.
func (cur *Cursor) Float64ByName(name string) (float64, bool) {
	return cur.Float64(cur.ColumnIndex(name))
}

// TimeByName is like Time, but uses a case-insensitive column name.
func (cur *Cursor) TimeByName(name string) (time.Time, bool) {
	return cur.Time(cur.ColumnIndex(name))
}

// BytesByName is like Bytes, but uses a case-insensitive column name.
func (cur *Cursor) BytesByName(name string) ([]byte, bool) {
	return cur.Bytes(cur.ColumnIndex(name))
}

// BytesNoCopyByName is like BytesNoCopy, but uses a case-insensitive column name.
func (cur *Cursor) BytesNoCopyByName(name string) ([]byte, bool) {
	return cur.BytesNoCopy(cur.ColumnIndex(name))
}

// IsNullByName is like IsNull, but uses a case-insensitive column name.
func (cur *Cursor) IsNullByName(name string) bool {
	return cur.IsNull(cur.ColumnIndex(name))
}

// ColumnTypeByName is like ColumnType, but uses a case-insensitive column name.
func (cur *Cursor) ColumnTypeByName(name string) engine.ColumnType {
	return cur.ColumnType(cur.ColumnIndex(name))
}

// ValueByName is like Value, but uses a case-insensitive column name.
func (cur *Cursor) ValueByName(name string) Value {
	return cur.Value(cur.ColumnIndex(name))
}
