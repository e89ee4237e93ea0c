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

package engine

import (
	"unsafe"

	"modernc.org/libc"
	"modernc.org/libc/sys/types"
	sqlite3 "modernc.org/sqlite/lib"
)

// Stmt is a prepared statement handle.
//
// Parameter indexes are 1-based, column indexes are 0-based, as in the C API.
type Stmt struct {
	db  *DB
	p   uintptr
	sql string
}

// SQL returns the text used to prepare the statement.
func (s *Stmt) SQL() string {
	return s.sql
}

// Finalized returns true if the statement was finalized.
func (s *Stmt) Finalized() bool {
	return s.p == 0
}

// Finalize destroys the statement.
// Finalizing a finalized statement does nothing.
//
// The returned error is the error of the most recent evaluation of the statement, if any.
func (s *Stmt) Finalize() error {
	if s.p == 0 {
		return nil
	}

	rc := Code(sqlite3.Xsqlite3_finalize(s.db.tls, s.p))
	delete(s.db.stmts, s.p)
	s.p = 0

	if rc != CodeOK {
		return s.db.lastError(rc)
	}

	return nil
}

// Step evaluates the statement once.
//
// It returns [CodeRow] if a row is available, [CodeDone] when finished,
// or an error code as is.
// Busy results are retried with the connection's busy handler.
func (s *Stmt) Step() Code {
	if s.p == 0 {
		return CodeMisuse
	}

	for count := 0; ; count++ {
		rc := Code(sqlite3.Xsqlite3_step(s.db.tls, s.p))
		if !s.db.retry(rc, count) {
			return rc
		}
	}
}

// Reset rewinds the statement to its initial state, keeping bindings.
//
// The returned code is the result of the most recent step, not of the reset itself.
func (s *Stmt) Reset() Code {
	if s.p == 0 {
		return CodeMisuse
	}

	return Code(sqlite3.Xsqlite3_reset(s.db.tls, s.p))
}

// ClearBindings sets all parameters to NULL.
func (s *Stmt) ClearBindings() {
	if s.p == 0 {
		return
	}

	sqlite3.Xsqlite3_clear_bindings(s.db.tls, s.p)
}

// ReadOnly returns true if the statement makes no direct changes to the database.
func (s *Stmt) ReadOnly() bool {
	if s.p == 0 {
		return true
	}

	return sqlite3.Xsqlite3_stmt_readonly(s.db.tls, s.p) != 0
}

// bindResult converts bind result code to error.
func (s *Stmt) bindResult(rc int32) error {
	if Code(rc) != CodeOK {
		return s.db.lastError(Code(rc))
	}

	return nil
}

// BindNull binds NULL to the parameter.
func (s *Stmt) BindNull(i int) error {
	if s.p == 0 {
		return s.db.lastError(CodeMisuse)
	}

	return s.bindResult(sqlite3.Xsqlite3_bind_null(s.db.tls, s.p, int32(i)))
}

// BindInt binds 32-bit integer to the parameter.
func (s *Stmt) BindInt(i int, v int32) error {
	if s.p == 0 {
		return s.db.lastError(CodeMisuse)
	}

	return s.bindResult(sqlite3.Xsqlite3_bind_int(s.db.tls, s.p, int32(i), v))
}

// BindInt64 binds 64-bit integer to the parameter.
func (s *Stmt) BindInt64(i int, v int64) error {
	if s.p == 0 {
		return s.db.lastError(CodeMisuse)
	}

	return s.bindResult(sqlite3.Xsqlite3_bind_int64(s.db.tls, s.p, int32(i), v))
}

// BindDouble binds 64-bit float to the parameter.
func (s *Stmt) BindDouble(i int, v float64) error {
	if s.p == 0 {
		return s.db.lastError(CodeMisuse)
	}

	return s.bindResult(sqlite3.Xsqlite3_bind_double(s.db.tls, s.p, int32(i), v))
}

// BindText binds UTF-8 text to the parameter.
// The engine makes its own copy of v.
func (s *Stmt) BindText(i int, v string) error {
	if s.p == 0 {
		return s.db.lastError(CodeMisuse)
	}

	p, err := s.alloc(len(v))
	if err != nil {
		return err
	}
	defer libc.Xfree(s.db.tls, p)

	if len(v) > 0 {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(p)), len(v)), v)
	}

	return s.bindResult(sqlite3.Xsqlite3_bind_text(s.db.tls, s.p, int32(i), p, int32(len(v)), transient))
}

// BindBlob binds blob to the parameter.
// The engine makes its own copy of v.
//
// Empty (including nil) v is bound as a zero-length blob, not as NULL.
func (s *Stmt) BindBlob(i int, v []byte) error {
	if s.p == 0 {
		return s.db.lastError(CodeMisuse)
	}

	// the engine binds NULL for a null data pointer,
	// so a zero-length blob still needs a valid placeholder byte
	p, err := s.alloc(len(v))
	if err != nil {
		return err
	}
	defer libc.Xfree(s.db.tls, p)

	if len(v) > 0 {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(p)), len(v)), v)
	}

	return s.bindResult(sqlite3.Xsqlite3_bind_blob(s.db.tls, s.p, int32(i), p, int32(len(v)), transient))
}

// BindZeroBlob binds a blob of n zero bytes to the parameter.
func (s *Stmt) BindZeroBlob(i, n int) error {
	if s.p == 0 {
		return s.db.lastError(CodeMisuse)
	}

	return s.bindResult(sqlite3.Xsqlite3_bind_zeroblob(s.db.tls, s.p, int32(i), int32(n)))
}

// alloc allocates at least one byte of C memory for n bytes of data.
func (s *Stmt) alloc(n int) (uintptr, error) {
	size := n
	if size == 0 {
		size = 1
	}

	p := libc.Xmalloc(s.db.tls, types.Size_t(size))
	if p == 0 {
		return 0, &Error{Code: CodeNoMem, ExtendedCode: CodeNoMem, Msg: "out of memory"}
	}

	return p, nil
}

// BindParameterCount returns the number of SQL parameters.
func (s *Stmt) BindParameterCount() int {
	if s.p == 0 {
		return 0
	}

	return int(sqlite3.Xsqlite3_bind_parameter_count(s.db.tls, s.p))
}

// BindParameterIndex returns the index of a parameter with the given name
// (including the prefix, such as ":name"), or 0 if there is no such parameter.
func (s *Stmt) BindParameterIndex(name string) int {
	if s.p == 0 {
		return 0
	}

	zName, err := libc.CString(name)
	if err != nil {
		return 0
	}
	defer libc.Xfree(s.db.tls, zName)

	return int(sqlite3.Xsqlite3_bind_parameter_index(s.db.tls, s.p, zName))
}

// BindParameterName returns the name of the parameter with the given index,
// or empty string for nameless ("?") parameters.
func (s *Stmt) BindParameterName(i int) string {
	if s.p == 0 {
		return ""
	}

	return libc.GoString(sqlite3.Xsqlite3_bind_parameter_name(s.db.tls, s.p, int32(i)))
}

// ColumnCount returns the number of columns in the result set.
func (s *Stmt) ColumnCount() int {
	if s.p == 0 {
		return 0
	}

	return int(sqlite3.Xsqlite3_column_count(s.db.tls, s.p))
}

// DataCount returns the number of columns in the current row,
// or 0 if there is no current row.
func (s *Stmt) DataCount() int {
	if s.p == 0 {
		return 0
	}

	return int(sqlite3.Xsqlite3_data_count(s.db.tls, s.p))
}

// ColumnName returns the name of the column.
func (s *Stmt) ColumnName(i int) string {
	if s.p == 0 {
		return ""
	}

	return libc.GoString(sqlite3.Xsqlite3_column_name(s.db.tls, s.p, int32(i)))
}

// ColumnType returns the datatype of the column value in the current row.
//
// The result is undefined after the value was converted by another column accessor.
func (s *Stmt) ColumnType(i int) ColumnType {
	if s.p == 0 {
		return TypeNull
	}

	return ColumnType(sqlite3.Xsqlite3_column_type(s.db.tls, s.p, int32(i)))
}

// ColumnInt64 returns the column value as 64-bit integer.
func (s *Stmt) ColumnInt64(i int) int64 {
	if s.p == 0 {
		return 0
	}

	return int64(sqlite3.Xsqlite3_column_int64(s.db.tls, s.p, int32(i)))
}

// ColumnInt returns the column value as 32-bit integer.
func (s *Stmt) ColumnInt(i int) int32 {
	if s.p == 0 {
		return 0
	}

	return sqlite3.Xsqlite3_column_int(s.db.tls, s.p, int32(i))
}

// ColumnDouble returns the column value as 64-bit float.
func (s *Stmt) ColumnDouble(i int) float64 {
	if s.p == 0 {
		return 0
	}

	return sqlite3.Xsqlite3_column_double(s.db.tls, s.p, int32(i))
}

// ColumnText returns the column value as text.
func (s *Stmt) ColumnText(i int) string {
	if s.p == 0 {
		return ""
	}

	p := sqlite3.Xsqlite3_column_text(s.db.tls, s.p, int32(i))
	n := sqlite3.Xsqlite3_column_bytes(s.db.tls, s.p, int32(i))

	if p == 0 || n == 0 {
		return ""
	}

	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}

// ColumnBlob returns a copy of the column value as bytes.
//
// A zero-length value is returned as a non-nil empty slice.
func (s *Stmt) ColumnBlob(i int) []byte {
	v := s.ColumnBlobView(i)
	if v == nil {
		return nil
	}

	res := make([]byte, len(v))
	copy(res, v)

	return res
}

// ColumnBlobView returns the column value as bytes without copying.
//
// The returned slice points to engine memory; it is valid only until the next call
// of Step, Reset or Finalize, or until another accessor converts the same column.
// A zero-length value is returned as a non-nil empty slice.
func (s *Stmt) ColumnBlobView(i int) []byte {
	if s.p == 0 {
		return nil
	}

	p := sqlite3.Xsqlite3_column_blob(s.db.tls, s.p, int32(i))
	n := sqlite3.Xsqlite3_column_bytes(s.db.tls, s.p, int32(i))

	if p == 0 || n == 0 {
		return []byte{}
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}
