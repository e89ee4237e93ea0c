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
	"sync"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// BusyFunc is called when the engine reports that a table is locked by another connection.
//
// Count is the number of times the handler was already called for the current
// step or prepare call, starting from 0.
// If it returns true, the call is retried; otherwise, the busy error is returned.
type BusyFunc func(count int) bool

// DB is a database connection handle.
//
//nolint:vet // for readability
type DB struct {
	tls *libc.TLS
	p   uintptr

	// interrupts may come from other goroutines
	im   sync.Mutex
	itls *libc.TLS
	ip   uintptr

	busy  BusyFunc
	stmts map[uintptr]*Stmt
}

// Open opens a database connection.
//
// Filename may be ":memory:" or an URI (with [OpenURI] flag).
// If flags is zero, [OpenDefault] is used.
// If vfs is empty, the default VFS is used.
func Open(filename string, flags OpenFlags, vfs string) (*DB, error) {
	if flags == 0 {
		flags = OpenDefault
	}

	tls := libc.NewTLS()

	name, err := libc.CString(filename)
	if err != nil {
		tls.Close()
		return nil, err
	}
	defer libc.Xfree(tls, name)

	var zVfs uintptr

	if vfs != "" {
		if zVfs, err = libc.CString(vfs); err != nil {
			tls.Close()
			return nil, err
		}
		defer libc.Xfree(tls, zVfs)
	}

	pp := tls.Alloc(ptrSize)
	defer tls.Free(ptrSize)

	rc := Code(sqlite3.Xsqlite3_open_v2(tls, name, pp, int32(flags), zVfs))
	p := readPtr(pp)

	if rc != CodeOK {
		e := &Error{Code: rc.Primary(), ExtendedCode: rc, Msg: rc.String()}

		// a handle is usually allocated even on failure
		if p != 0 {
			e.ExtendedCode = Code(sqlite3.Xsqlite3_extended_errcode(tls, p))
			e.Msg = libc.GoString(sqlite3.Xsqlite3_errmsg(tls, p))
			sqlite3.Xsqlite3_close_v2(tls, p)
		}

		tls.Close()

		return nil, e
	}

	db := &DB{
		tls:   tls,
		p:     p,
		itls:  libc.NewTLS(),
		ip:    p,
		stmts: make(map[uintptr]*Stmt),
	}

	return db, nil
}

// lastError returns the error for the given result code with the connection's error message.
func (db *DB) lastError(rc Code) *Error {
	if db.p == 0 {
		return &Error{Code: CodeMisuse, ExtendedCode: CodeMisuse, Msg: "database is closed"}
	}

	return &Error{
		Code:         rc.Primary(),
		ExtendedCode: Code(sqlite3.Xsqlite3_extended_errcode(db.tls, db.p)),
		Msg:          libc.GoString(sqlite3.Xsqlite3_errmsg(db.tls, db.p)),
	}
}

// Close closes the connection.
//
// It returns an error with [CodeBusy] code if there are unfinalized statements;
// in that case, the connection stays open (see [DB.FinalizeLeaked]).
// Closing a closed connection does nothing.
func (db *DB) Close() error {
	if db.p == 0 {
		return nil
	}

	if rc := Code(sqlite3.Xsqlite3_close(db.tls, db.p)); rc != CodeOK {
		return db.lastError(rc)
	}

	db.im.Lock()
	db.ip = 0
	db.itls.Close()
	db.im.Unlock()

	db.p = 0
	db.stmts = nil
	db.tls.Close()

	return nil
}

// FinalizeLeaked finalizes all statements of this connection that are still not finalized,
// and returns their SQL texts.
func (db *DB) FinalizeLeaked() []string {
	if db.p == 0 {
		return nil
	}

	var res []string

	for {
		p := sqlite3.Xsqlite3_next_stmt(db.tls, db.p, 0)
		if p == 0 {
			return res
		}

		if s := db.stmts[p]; s != nil {
			res = append(res, s.sql)
			_ = s.Finalize()

			continue
		}

		res = append(res, libc.GoString(sqlite3.Xsqlite3_sql(db.tls, p)))
		sqlite3.Xsqlite3_finalize(db.tls, p)
	}
}

// Open returns true if the connection was not closed.
func (db *DB) Open() bool {
	return db.p != 0
}

// SetBusyHandler sets a function called when the database is busy.
// Nil handler makes busy errors returned immediately.
func (db *DB) SetBusyHandler(f BusyFunc) {
	db.busy = f
}

// retry calls busy handler if rc is a busy code.
func (db *DB) retry(rc Code, count int) bool {
	return rc.Primary() == CodeBusy && db.busy != nil && db.busy(count)
}

// Interrupt causes any pending operation to abort at its earliest opportunity.
//
// It is safe to call it concurrently from other goroutines, including after Close.
func (db *DB) Interrupt() {
	db.im.Lock()
	defer db.im.Unlock()

	if db.ip == 0 {
		return
	}

	sqlite3.Xsqlite3_interrupt(db.itls, db.ip)
}

// ErrMsg returns the English-language text of the most recent error.
func (db *DB) ErrMsg() string {
	if db.p == 0 {
		return "database is closed"
	}

	return libc.GoString(sqlite3.Xsqlite3_errmsg(db.tls, db.p))
}

// ErrCode returns the primary result code of the most recent failed call.
func (db *DB) ErrCode() Code {
	if db.p == 0 {
		return CodeMisuse
	}

	return Code(sqlite3.Xsqlite3_errcode(db.tls, db.p))
}

// ExtendedErrCode returns the extended result code of the most recent failed call.
func (db *DB) ExtendedErrCode() Code {
	if db.p == 0 {
		return CodeMisuse
	}

	return Code(sqlite3.Xsqlite3_extended_errcode(db.tls, db.p))
}

// Changes returns the number of rows modified by the most recent INSERT, UPDATE or DELETE.
func (db *DB) Changes() int {
	if db.p == 0 {
		return 0
	}

	return int(sqlite3.Xsqlite3_changes(db.tls, db.p))
}

// TotalChanges returns the number of rows modified since the connection was opened.
func (db *DB) TotalChanges() int {
	if db.p == 0 {
		return 0
	}

	return int(sqlite3.Xsqlite3_total_changes(db.tls, db.p))
}

// LastInsertRowID returns the rowid of the most recent successful INSERT.
func (db *DB) LastInsertRowID() int64 {
	if db.p == 0 {
		return 0
	}

	return int64(sqlite3.Xsqlite3_last_insert_rowid(db.tls, db.p))
}

// Autocommit returns true if the connection is not inside an explicit transaction.
func (db *DB) Autocommit() bool {
	if db.p == 0 {
		return true
	}

	return sqlite3.Xsqlite3_get_autocommit(db.tls, db.p) != 0
}

// Checkpoint runs a WAL checkpoint for the given attached database name (empty for all)
// and returns the size of the WAL log in frames and the number of checkpointed frames.
func (db *DB) Checkpoint(mode CheckpointMode, name string) (int, int, error) {
	if db.p == 0 {
		return 0, 0, db.lastError(CodeMisuse)
	}

	var zDB uintptr

	if name != "" {
		var err error
		if zDB, err = libc.CString(name); err != nil {
			return 0, 0, err
		}
		defer libc.Xfree(db.tls, zDB)
	}

	pLog := db.tls.Alloc(8)
	defer db.tls.Free(8)

	pCkpt := db.tls.Alloc(8)
	defer db.tls.Free(8)

	rc := Code(sqlite3.Xsqlite3_wal_checkpoint_v2(db.tls, db.p, zDB, int32(mode), pLog, pCkpt))
	if rc != CodeOK {
		return 0, 0, db.lastError(rc)
	}

	return int(readInt32(pLog)), int(readInt32(pCkpt)), nil
}

// Prepare compiles the first statement in sql.
//
// It returns the prepared statement and the unused tail of sql.
// If sql contains no statement (only whitespace or comments), it returns nil statement.
// Busy errors are retried with the busy handler.
func (db *DB) Prepare(sql string) (*Stmt, string, error) {
	if db.p == 0 {
		return nil, "", db.lastError(CodeMisuse)
	}

	zSQL, err := libc.CString(sql)
	if err != nil {
		return nil, "", err
	}
	defer libc.Xfree(db.tls, zSQL)

	pp := db.tls.Alloc(ptrSize)
	defer db.tls.Free(ptrSize)

	pTail := db.tls.Alloc(ptrSize)
	defer db.tls.Free(ptrSize)

	var rc Code

	for count := 0; ; count++ {
		rc = Code(sqlite3.Xsqlite3_prepare_v2(db.tls, db.p, zSQL, -1, pp, pTail))
		if !db.retry(rc, count) {
			break
		}
	}

	if rc != CodeOK {
		return nil, "", db.lastError(rc)
	}

	var tail string
	if t := readPtr(pTail); t != 0 {
		tail = sql[int(t-zSQL):]
	}

	p := readPtr(pp)
	if p == 0 {
		return nil, tail, nil
	}

	s := &Stmt{
		db:  db,
		p:   p,
		sql: sql[:len(sql)-len(tail)],
	}
	db.stmts[p] = s

	return s, tail, nil
}
