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

// Package conn provides database connections with cached prepared statements and cursors.
//
// A [Conn] must be used by one goroutine at a time (see the queue and pool packages
// for safe concurrent access); only [Conn.Interrupt] and metrics collection
// may be called concurrently.
package conn

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/FerretDB/litequeue/internal/engine"
	"github.com/FerretDB/litequeue/internal/util/resource"
)

// DefaultBusyTimeout is used when [Config.BusyTimeout] is zero.
const DefaultBusyTimeout = 2 * time.Second

// Config represents connection configuration.
type Config struct {
	// Path to the database file, ":memory:", or a "file:" URI.
	// Empty path opens a private temporary on-disk database.
	Path string

	// How long to retry when the database is locked by another connection.
	// Zero means DefaultBusyTimeout, negative value disables retries.
	BusyTimeout time.Duration

	// Cache prepared statements by SQL text.
	CacheStatements bool

	L *zap.Logger
}

// Conn is a database connection.
//
// It is created closed; call [Conn.Open] before use.
//
//nolint:vet // for readability
type Conn struct {
	l    *zap.Logger
	path string

	busyTimeout     time.Duration
	cacheStatements bool

	// protects db assignment for Interrupt; db itself is used only by the owner
	dbM sync.Mutex
	db  *engine.DB

	executing atomic.Bool
	tx        TxMode

	cache   stmtCache
	cursors map[*Cursor]struct{}

	m     *connMetrics
	token *resource.Token
}

// New creates a new closed connection.
func New(config *Config) *Conn {
	l := config.L
	if l == nil {
		l = zap.NewNop()
	}

	busyTimeout := config.BusyTimeout
	if busyTimeout == 0 {
		busyTimeout = DefaultBusyTimeout
	}

	return &Conn{
		l:               l.Named("conn"),
		path:            config.Path,
		busyTimeout:     busyTimeout,
		cacheStatements: config.CacheStatements,
		cache:           make(stmtCache),
		cursors:         make(map[*Cursor]struct{}),
		m:               newConnMetrics(config.Path),
		token:           resource.NewToken(),
	}
}

// Path returns the database path.
func (c *Conn) Path() string {
	return c.path
}

// IsOpen returns true if the connection is open.
func (c *Conn) IsOpen() bool {
	return c.db != nil
}

// Open opens the connection with the given flags (zero for defaults) and VFS (empty for default).
//
// Opening an open connection does nothing.
func (c *Conn) Open(flags engine.OpenFlags, vfs string) error {
	if c.db != nil {
		return nil
	}

	db, err := engine.Open(c.path, flags, vfs)
	if err != nil {
		e := newEngineError(ErrOpenFailed, err)
		c.l.Debug("Open failed", zap.String("path", c.path), zap.Error(e))

		return e
	}

	c.setDB(db)
	c.setBusyHandler()

	resource.Track(c, c.token)
	c.m.open.Store(true)

	c.l.Debug("Opened", zap.String("path", c.path), zap.String("version", engine.Version()))

	return nil
}

// setDB replaces the engine connection.
func (c *Conn) setDB(db *engine.DB) {
	c.dbM.Lock()
	c.db = db
	c.dbM.Unlock()
}

// Close closes all cursors and statements, and then the connection itself.
//
// Statements leaked past the cache and cursors are finalized with a warning.
// Closing a closed connection does nothing. A closed connection may be opened again.
func (c *Conn) Close() error {
	if c.db == nil {
		return nil
	}

	c.cache.clear()
	c.m.cached.Store(0)

	for cur := range c.cursors {
		cur.orphan()
		delete(c.cursors, cur)
	}

	c.m.cursors.Store(0)

	err := c.db.Close()
	if err != nil {
		for _, sql := range c.db.FinalizeLeaked() {
			c.l.Warn("Closing leaked statement", zap.String("sql", sql))
		}

		err = c.db.Close()
	}

	if err != nil {
		return newClassifiedError(ErrStep, err)
	}

	c.setDB(nil)
	c.tx = TxNone

	resource.Untrack(c, c.token)
	c.m.open.Store(false)

	c.l.Debug("Closed", zap.String("path", c.path))

	return nil
}

// Interrupt aborts the operation in flight at its earliest opportunity.
// The interrupted operation returns an error with [ErrInterrupted] kind.
//
// It is safe to call it from any goroutine, at any time.
func (c *Conn) Interrupt() {
	c.dbM.Lock()
	defer c.dbM.Unlock()

	if c.db != nil {
		c.db.Interrupt()
	}
}

// enter marks the start of an operation that must not overlap with other operations.
func (c *Conn) enter() error {
	if c.db == nil {
		return newError(ErrNotOpen, "%s", c.path)
	}

	if !c.executing.CompareAndSwap(false, true) {
		c.l.Warn("The connection is currently in use")
		return newError(ErrAlreadyExecuting, "another statement is being executed")
	}

	return nil
}

// exit marks the end of the operation started with enter.
func (c *Conn) exit() {
	c.executing.Store(false)
}

// Executing returns true if an operation is in flight.
func (c *Conn) Executing() bool {
	return c.executing.Load()
}

// lastError returns an error of the given kind with the connection's last error message.
func (c *Conn) lastError(kind ErrorKind, rc engine.Code) *Error {
	return &Error{
		Kind:         kind,
		Code:         rc.Primary(),
		ExtendedCode: c.db.ExtendedErrCode(),
		Msg:          c.db.ErrMsg(),
	}
}

// trackCursor registers an open cursor.
func (c *Conn) trackCursor(cur *Cursor) {
	c.cursors[cur] = struct{}{}
	c.m.cursors.Store(int64(len(c.cursors)))
}

// forgetCursor deregisters a closed cursor.
func (c *Conn) forgetCursor(cur *Cursor) {
	delete(c.cursors, cur)
	c.m.cursors.Store(int64(len(c.cursors)))
}

// OpenCursors returns the number of open cursors.
func (c *Conn) OpenCursors() int {
	return len(c.cursors)
}

// CloseOpenCursors closes all open cursors.
func (c *Conn) CloseOpenCursors() {
	for cur := range c.cursors {
		cur.Close()
	}
}

// CachedStatements returns the number of cached statements.
func (c *Conn) CachedStatements() int {
	return c.cache.len()
}

// ClearCachedStatements closes all cached statements,
// including statements held by open cursors: stepping those cursors fails with [ErrMisuse].
func (c *Conn) ClearCachedStatements() {
	c.cache.clear()
	c.m.cached.Store(0)
}

// CacheStatements returns true if statement caching is enabled.
func (c *Conn) CacheStatements() bool {
	return c.cacheStatements
}

// SetCacheStatements enables or disables statement caching.
// Disabling it clears the cache.
func (c *Conn) SetCacheStatements(enabled bool) {
	c.cacheStatements = enabled

	if !enabled {
		c.ClearCachedStatements()
	}
}

// LastInsertRowID returns the rowid of the most recent successful INSERT.
func (c *Conn) LastInsertRowID() int64 {
	if c.db == nil {
		return 0
	}

	return c.db.LastInsertRowID()
}

// Changes returns the number of rows modified by the most recent statement.
//
// It returns 0 if the connection is closed or an operation is in flight.
func (c *Conn) Changes() int {
	if c.db == nil {
		return 0
	}

	if c.executing.Load() {
		c.l.Warn("Changes requested while a statement is being executed")
		return 0
	}

	return c.db.Changes()
}

// TotalChanges returns the number of rows modified since the connection was opened.
func (c *Conn) TotalChanges() int {
	if c.db == nil {
		return 0
	}

	return c.db.TotalChanges()
}

// LastErrorMessage returns the engine's message for the most recent failure.
func (c *Conn) LastErrorMessage() string {
	if c.db == nil {
		return ErrNotOpen.String()
	}

	return c.db.ErrMsg()
}

// LastErrorCode returns the engine's primary result code for the most recent failure.
func (c *Conn) LastErrorCode() engine.Code {
	if c.db == nil {
		return engine.CodeMisuse
	}

	return c.db.ErrCode()
}

// LastExtendedErrorCode returns the engine's extended result code for the most recent failure.
func (c *Conn) LastExtendedErrorCode() engine.Code {
	if c.db == nil {
		return engine.CodeMisuse
	}

	return c.db.ExtendedErrCode()
}

// HadError returns true if the most recent engine call failed.
func (c *Conn) HadError() bool {
	switch c.LastErrorCode() {
	case engine.CodeOK, engine.CodeRow, engine.CodeDone:
		return false
	default:
		return true
	}
}

// Checkpoint runs a WAL checkpoint on the named attached database (empty name for all)
// and returns the WAL size and the number of checkpointed frames.
func (c *Conn) Checkpoint(mode engine.CheckpointMode, name string) (int, int, error) {
	if err := c.enter(); err != nil {
		return 0, 0, err
	}
	defer c.exit()

	logFrames, checkpointed, err := c.db.Checkpoint(mode, name)
	if err != nil {
		return 0, 0, newClassifiedError(ErrStep, err)
	}

	return logFrames, checkpointed, nil
}
