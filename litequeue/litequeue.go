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

// Package litequeue provides access to embedded SQL databases
// with cached prepared statements, typed parameter binding, result cursors,
// and serialized access from many goroutines.
//
// A [Conn] is used by one goroutine at a time.
// A [Queue] wraps a single lazily opened connection and runs units of work one by one,
// in submission order.
// A [Pool] hands out separate connections to the same database file to concurrent goroutines.
//
// All types are defined in internal packages; this package re-exports them.
package litequeue

import (
	"time"

	"go.uber.org/zap"

	"github.com/FerretDB/litequeue/internal/conn"
	"github.com/FerretDB/litequeue/internal/engine"
	"github.com/FerretDB/litequeue/internal/pool"
	"github.com/FerretDB/litequeue/internal/queue"
)

type (
	// Conn is a database connection; see [Open].
	Conn = conn.Conn

	// Cursor iterates over rows produced by a statement.
	Cursor = conn.Cursor

	// Statement is a prepared statement, possibly cached by its connection.
	Statement = conn.Stmt

	// StepResult is a result of a single Cursor step.
	StepResult = conn.StepResult

	// Value is an SQL value bound to a parameter or read from a column.
	Value = conn.Value

	// Kind is a kind of Value.
	Kind = conn.Kind

	// Error is an error with engine details; it wraps an ErrorKind.
	Error = conn.Error

	// ErrorKind classifies errors; use it with errors.Is.
	ErrorKind = conn.ErrorKind

	// TxMode is a transaction mode.
	TxMode = conn.TxMode

	// Queue serializes access to a single connection.
	Queue = queue.Queue

	// Pool keeps connections to a single database file.
	Pool = pool.Pool

	// OpenFlags control how the database file is opened.
	OpenFlags = engine.OpenFlags

	// CheckpointMode is a WAL checkpoint mode.
	CheckpointMode = engine.CheckpointMode

	// ColumnType is a fundamental datatype of a column value.
	ColumnType = engine.ColumnType
)

// Error kinds.
const (
	ErrOpenFailed       = conn.ErrOpenFailed
	ErrPrepare          = conn.ErrPrepare
	ErrBind             = conn.ErrBind
	ErrBusy             = conn.ErrBusy
	ErrLocked           = conn.ErrLocked
	ErrStep             = conn.ErrStep
	ErrMisuse           = conn.ErrMisuse
	ErrNotOpen          = conn.ErrNotOpen
	ErrAlreadyExecuting = conn.ErrAlreadyExecuting
	ErrReentrantQueue   = conn.ErrReentrantQueue
	ErrUnsupportedType  = conn.ErrUnsupportedType
	ErrInterrupted      = conn.ErrInterrupted
)

// Step results.
const (
	StepRow    = conn.StepRow
	StepDone   = conn.StepDone
	StepBusy   = conn.StepBusy
	StepLocked = conn.StepLocked
	StepError  = conn.StepError
	StepMisuse = conn.StepMisuse
)

// Transaction modes.
const (
	TxNone      = conn.TxNone
	TxDeferred  = conn.TxDeferred
	TxImmediate = conn.TxImmediate
	TxExclusive = conn.TxExclusive
)

// Open flags.
const (
	OpenReadOnly  = engine.OpenReadOnly
	OpenReadWrite = engine.OpenReadWrite
	OpenCreate    = engine.OpenCreate
	OpenURI       = engine.OpenURI
	OpenMemory    = engine.OpenMemory
	OpenDefault   = engine.OpenDefault
)

// Checkpoint modes.
const (
	CheckpointPassive  = engine.CheckpointPassive
	CheckpointFull     = engine.CheckpointFull
	CheckpointRestart  = engine.CheckpointRestart
	CheckpointTruncate = engine.CheckpointTruncate
)

// DefaultBusyTimeout is used when Config.BusyTimeout is zero.
const DefaultBusyTimeout = conn.DefaultBusyTimeout

// Value constructors.
var (
	Null    = conn.Null
	Blob    = conn.Blob
	Text    = conn.Text
	Float   = conn.Float
	Int64   = conn.Int64
	Uint64  = conn.Uint64
	Int32   = conn.Int32
	Uint32  = conn.Uint32
	Int     = conn.Int
	Bool    = conn.Bool
	Time    = conn.Time
	ValueOf = conn.ValueOf

	Args      = conn.Args
	NamedArgs = conn.NamedArgs
)

// Config represents configuration for [Open], [NewQueue] and [NewPool].
type Config struct {
	// Path to the database file, ":memory:", or a "file:" URI.
	Path string

	// Open flags (zero for OpenDefault) and VFS name (empty for default).
	Flags OpenFlags
	VFS   string

	// Zero means DefaultBusyTimeout, negative value disables retries.
	BusyTimeout time.Duration

	// Cache prepared statements by SQL text.
	CacheStatements bool

	// The maximum number of open connections in the pool; zero means no limit.
	MaxOpen int

	// Logger; nil disables logging.
	L *zap.Logger
}

// Open opens a new connection.
func Open(config *Config) (*Conn, error) {
	c := conn.New(&conn.Config{
		Path:            config.Path,
		BusyTimeout:     config.BusyTimeout,
		CacheStatements: config.CacheStatements,
		L:               config.L,
	})

	if err := c.Open(config.Flags, config.VFS); err != nil {
		return nil, err
	}

	return c, nil
}

// NewQueue creates a new queue; the connection is opened by the first unit of work.
func NewQueue(config *Config) *Queue {
	return queue.New(&queue.Config{
		Path:            config.Path,
		Flags:           config.Flags,
		VFS:             config.VFS,
		BusyTimeout:     config.BusyTimeout,
		CacheStatements: config.CacheStatements,
		L:               config.L,
	})
}

// NewPool creates a new pool; connections are opened on demand.
func NewPool(config *Config) *Pool {
	return pool.New(&pool.Config{
		Path:            config.Path,
		Flags:           config.Flags,
		VFS:             config.VFS,
		BusyTimeout:     config.BusyTimeout,
		CacheStatements: config.CacheStatements,
		MaxOpen:         config.MaxOpen,
		L:               config.L,
	})
}

// EngineVersion returns the version of the embedded database engine.
func EngineVersion() string {
	return engine.Version()
}

// Complete returns true if sql ends with a complete statement.
func Complete(sql string) bool {
	return engine.Complete(sql)
}
