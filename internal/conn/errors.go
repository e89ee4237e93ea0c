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
	"errors"
	"fmt"

	"github.com/FerretDB/litequeue/internal/engine"
	"github.com/FerretDB/litequeue/internal/util/lazyerrors"
)

// ErrorKind classifies errors returned by this package.
//
// ErrorKind implements error interface, so callers can use errors.Is(err, conn.ErrBusy).
type ErrorKind int

// Error kinds.
const (
	_ ErrorKind = iota

	// ErrOpenFailed means that the engine could not open the database.
	ErrOpenFailed

	// ErrPrepare means that SQL failed to compile.
	ErrPrepare

	// ErrBind means that a parameter value was rejected,
	// or that the number of arguments does not match the number of placeholders.
	ErrBind

	// ErrBusy means that the database is locked by another connection
	// and the busy timeout is exhausted.
	ErrBusy

	// ErrLocked means a conflict within the same connection or shared cache.
	ErrLocked

	// ErrStep is a generic engine failure during execution.
	ErrStep

	// ErrMisuse means that a statement or a cursor was used after invalidation.
	ErrMisuse

	// ErrNotOpen means that the connection was never opened or was closed.
	ErrNotOpen

	// ErrAlreadyExecuting means that another operation is in flight on the same connection.
	ErrAlreadyExecuting

	// ErrReentrantQueue means that the serial queue was called from its own worker.
	ErrReentrantQueue

	// ErrUnsupportedType means that a Go value can't be converted to an SQL value.
	ErrUnsupportedType

	// ErrInterrupted means that the operation was interrupted or aborted.
	ErrInterrupted
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case ErrOpenFailed:
		return "open failed"
	case ErrPrepare:
		return "prepare failed"
	case ErrBind:
		return "bind failed"
	case ErrBusy:
		return "database is busy"
	case ErrLocked:
		return "database table is locked"
	case ErrStep:
		return "step failed"
	case ErrMisuse:
		return "misuse"
	case ErrNotOpen:
		return "connection is not open"
	case ErrAlreadyExecuting:
		return "connection is already executing"
	case ErrReentrantQueue:
		return "reentrant queue call"
	case ErrUnsupportedType:
		return "unsupported type"
	case ErrInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error implements error interface.
func (k ErrorKind) Error() string {
	return k.String()
}

// Error is an error returned by connections, cursors and queues.
type Error struct {
	Kind         ErrorKind
	Code         engine.Code // zero if error did not come from the engine
	ExtendedCode engine.Code
	Msg          string
}

// Error implements error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}

	if e.Code != engine.CodeOK {
		msg += fmt.Sprintf(" (%d)", e.ExtendedCode)
	}

	return msg
}

// Unwrap returns error's kind.
func (e *Error) Unwrap() error {
	return e.Kind
}

// newError returns a new error of the given kind without engine details.
func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// newEngineError returns an error of the given kind with details taken from the engine error.
//
// Errors not coming from the engine are wrapped with location information instead.
func newEngineError(kind ErrorKind, err error) error {
	var e *engine.Error
	if !errors.As(err, &e) {
		return lazyerrors.Error(err)
	}

	return &Error{
		Kind:         kind,
		Code:         e.Code,
		ExtendedCode: e.ExtendedCode,
		Msg:          e.Msg,
	}
}

// classify returns an error kind for the primary engine result code,
// falling back to the given kind for generic errors.
func classify(code engine.Code, fallback ErrorKind) ErrorKind {
	switch code.Primary() {
	case engine.CodeBusy:
		return ErrBusy
	case engine.CodeLocked:
		return ErrLocked
	case engine.CodeMisuse:
		return ErrMisuse
	case engine.CodeInterrupt, engine.CodeAbort:
		return ErrInterrupted
	default:
		return fallback
	}
}

// newClassifiedError is like newEngineError, but contention, misuse and interruption
// get their own kinds.
func newClassifiedError(fallback ErrorKind, err error) error {
	res := newEngineError(fallback, err)

	if e, ok := res.(*Error); ok {
		e.Kind = classify(e.Code, fallback)
	}

	return res
}
