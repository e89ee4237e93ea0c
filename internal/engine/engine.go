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

// Package engine provides a thin typed binding to the embedded SQLite engine.
//
// It exposes the C API almost one-to-one: result codes are returned as is,
// handles must be finalized and closed explicitly,
// and nothing is synchronized except [DB.Interrupt].
// Higher-level lifecycle rules (statement cache, cursors, transactions) live in the conn package.
//
// A DB and its statements must be used by one goroutine at a time.
package engine

import (
	"fmt"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// Code is an SQLite result code, primary or extended.
type Code int32

// Primary result codes.
const (
	CodeOK         = Code(sqlite3.SQLITE_OK)
	CodeError      = Code(sqlite3.SQLITE_ERROR)
	CodeInternal   = Code(sqlite3.SQLITE_INTERNAL)
	CodePerm       = Code(sqlite3.SQLITE_PERM)
	CodeAbort      = Code(sqlite3.SQLITE_ABORT)
	CodeBusy       = Code(sqlite3.SQLITE_BUSY)
	CodeLocked     = Code(sqlite3.SQLITE_LOCKED)
	CodeNoMem      = Code(sqlite3.SQLITE_NOMEM)
	CodeReadOnly   = Code(sqlite3.SQLITE_READONLY)
	CodeInterrupt  = Code(sqlite3.SQLITE_INTERRUPT)
	CodeIOErr      = Code(sqlite3.SQLITE_IOERR)
	CodeCorrupt    = Code(sqlite3.SQLITE_CORRUPT)
	CodeNotFound   = Code(sqlite3.SQLITE_NOTFOUND)
	CodeFull       = Code(sqlite3.SQLITE_FULL)
	CodeCantOpen   = Code(sqlite3.SQLITE_CANTOPEN)
	CodeProtocol   = Code(sqlite3.SQLITE_PROTOCOL)
	CodeSchema     = Code(sqlite3.SQLITE_SCHEMA)
	CodeTooBig     = Code(sqlite3.SQLITE_TOOBIG)
	CodeConstraint = Code(sqlite3.SQLITE_CONSTRAINT)
	CodeMismatch   = Code(sqlite3.SQLITE_MISMATCH)
	CodeMisuse     = Code(sqlite3.SQLITE_MISUSE)
	CodeRange      = Code(sqlite3.SQLITE_RANGE)
	CodeNotADB     = Code(sqlite3.SQLITE_NOTADB)
	CodeRow        = Code(sqlite3.SQLITE_ROW)
	CodeDone       = Code(sqlite3.SQLITE_DONE)
)

// Primary returns the primary result code of an extended result code.
func (c Code) Primary() Code {
	return c & 0xff
}

// String returns the English-language description of the result code.
func (c Code) String() string {
	tls := libc.NewTLS()
	defer tls.Close()

	return libc.GoString(sqlite3.Xsqlite3_errstr(tls, int32(c)))
}

// ColumnType is a fundamental datatype of a column value.
type ColumnType int32

// Column types.
const (
	TypeInteger = ColumnType(sqlite3.SQLITE_INTEGER)
	TypeFloat   = ColumnType(sqlite3.SQLITE_FLOAT)
	TypeText    = ColumnType(sqlite3.SQLITE_TEXT)
	TypeBlob    = ColumnType(sqlite3.SQLITE_BLOB)
	TypeNull    = ColumnType(sqlite3.SQLITE_NULL)
)

// String implements fmt.Stringer.
func (t ColumnType) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeFloat:
		return "FLOAT"
	case TypeText:
		return "TEXT"
	case TypeBlob:
		return "BLOB"
	case TypeNull:
		return "NULL"
	default:
		return fmt.Sprintf("ColumnType(%d)", int32(t))
	}
}

// OpenFlags are flags for [Open].
type OpenFlags int32

// Open flags.
const (
	OpenReadOnly     = OpenFlags(sqlite3.SQLITE_OPEN_READONLY)
	OpenReadWrite    = OpenFlags(sqlite3.SQLITE_OPEN_READWRITE)
	OpenCreate       = OpenFlags(sqlite3.SQLITE_OPEN_CREATE)
	OpenURI          = OpenFlags(sqlite3.SQLITE_OPEN_URI)
	OpenMemory       = OpenFlags(sqlite3.SQLITE_OPEN_MEMORY)
	OpenNoMutex      = OpenFlags(sqlite3.SQLITE_OPEN_NOMUTEX)
	OpenFullMutex    = OpenFlags(sqlite3.SQLITE_OPEN_FULLMUTEX)
	OpenSharedCache  = OpenFlags(sqlite3.SQLITE_OPEN_SHAREDCACHE)
	OpenPrivateCache = OpenFlags(sqlite3.SQLITE_OPEN_PRIVATECACHE)

	// OpenDefault is used when no flags are given.
	OpenDefault = OpenReadWrite | OpenCreate | OpenURI
)

// CheckpointMode is a WAL checkpoint mode.
type CheckpointMode int32

// Checkpoint modes.
const (
	CheckpointPassive  = CheckpointMode(sqlite3.SQLITE_CHECKPOINT_PASSIVE)
	CheckpointFull     = CheckpointMode(sqlite3.SQLITE_CHECKPOINT_FULL)
	CheckpointRestart  = CheckpointMode(sqlite3.SQLITE_CHECKPOINT_RESTART)
	CheckpointTruncate = CheckpointMode(sqlite3.SQLITE_CHECKPOINT_TRUNCATE)
)

// Error is an error reported by the engine.
type Error struct {
	Code         Code
	ExtendedCode Code
	Msg          string
}

// Error implements error interface.
func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("sqlite: %s (%d)", e.Code, e.Code)
	}

	return fmt.Sprintf("sqlite: %s (%d)", e.Msg, e.ExtendedCode)
}

// Version returns the version of the SQLite library.
func Version() string {
	tls := libc.NewTLS()
	defer tls.Close()

	return libc.GoString(sqlite3.Xsqlite3_libversion(tls))
}

// Complete reports whether sql looks like one or more complete SQL statements
// (it ends with a semicolon that is not part of a string, comment or trigger body).
func Complete(sql string) bool {
	tls := libc.NewTLS()
	defer tls.Close()

	p, err := libc.CString(sql)
	if err != nil {
		return false
	}
	defer libc.Xfree(tls, p)

	return sqlite3.Xsqlite3_complete(tls, p) != 0
}

// ptrSize is the size of a C pointer.
const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// transient is SQLITE_TRANSIENT destructor: the engine makes its own copy of bound data.
const transient = ^uintptr(0)

// readPtr reads a C pointer stored at p.
func readPtr(p uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(p))
}

// readInt32 reads a C int stored at p.
func readInt32(p uintptr) int32 {
	return *(*int32)(unsafe.Pointer(p))
}
