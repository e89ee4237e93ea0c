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

// Package lazyerrors provides error wrapping that records the caller's location.
//
// It is used for internal plumbing errors that are not part of the public error taxonomy;
// typed errors returned to callers should stay reachable with [errors.Is] and [errors.As].
package lazyerrors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// located is an error with the program counter of the place where it was created or wrapped.
type located struct {
	err error
	pc  uintptr
}

// Error implements error interface.
func (e *located) Error() string {
	return "[" + location(e.pc) + "] " + e.err.Error()
}

// Unwrap returns the wrapped error.
func (e *located) Unwrap() error {
	return e.err
}

// location returns "file.go:line pkg.Func" for the given pc.
func location(pc uintptr) string {
	if pc == 0 {
		return "unknown"
	}

	f, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if f.File == "" {
		return "unknown"
	}

	res := filepath.Base(f.File) + ":" + strconv.Itoa(f.Line)

	if fn := f.Function; fn != "" {
		res += " " + fn[strings.LastIndex(fn, "/")+1:]
	}

	return res
}

// caller returns the pc of the function that called the exported function of this package.
func caller() uintptr {
	pcs := make([]uintptr, 1)

	// skip runtime.Callers, caller, and the exported function
	if runtime.Callers(3, pcs) < 1 {
		return 0
	}

	return pcs[0]
}

// New returns a new error with the given text and the caller's location.
func New(s string) error {
	return &located{err: errors.New(s), pc: caller()}
}

// Error wraps err with the caller's location.
//
// It panics if err is nil.
func Error(err error) error {
	if err == nil {
		panic("lazyerrors.Error: err is nil")
	}

	return &located{err: err, pc: caller()}
}

// Errorf formats an error like [fmt.Errorf] (including %w support) and adds the caller's location.
func Errorf(format string, a ...any) error {
	return &located{err: fmt.Errorf(format, a...), pc: caller()}
}
