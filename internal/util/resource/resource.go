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

// Package resource provides utilities for tracking resource lifetimes.
//
// Connections, statements, cursors, queues and pools hold native engine memory
// that the garbage collector can't release.
// Tracking them makes leaks visible in pprof (one profile per type)
// and in logs (a warning when a tracked object is collected without being closed).
package resource

import (
	"fmt"
	"reflect"
	"runtime"
	runtimedebug "runtime/debug"
	"runtime/pprof"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// Token should be a field named "token" of a tracked object.
type Token struct {
	stack []byte
}

// NewToken returns a new Token.
func NewToken() *Token {
	return new(Token)
}

// Stacks controls whether Track records the creator's stack for leak reports.
// It should be set once, before any call to Track.
var Stacks bool

// reportM protects report.
var reportM sync.Mutex

// report is called with a message when a tracked object is collected without Untrack.
var report = func(msg string) {
	zap.L().Warn(msg)
}

// setReport replaces the leak reporter and returns the previous one.
func setReport(f func(string)) func(string) {
	reportM.Lock()
	defer reportM.Unlock()

	prev := report
	report = f

	return prev
}

// leaked reports the message using the current reporter.
func leaked(msg string) {
	reportM.Lock()
	f := report
	reportM.Unlock()

	f(msg)
}

// profilesM protects access to profiles.
var profilesM sync.Mutex

// profileName return pprof profile name for the given object.
func profileName(obj any) string {
	return "litequeue/" + reflect.TypeOf(obj).Elem().String()
}

// profile returns the pprof profile for the given object type, creating it if needed.
func profile(obj any) *pprof.Profile {
	name := profileName(obj)

	if p := pprof.Lookup(name); p != nil {
		return p
	}

	profilesM.Lock()
	defer profilesM.Unlock()

	// a concurrent call might have created a profile already; check again
	if p := pprof.Lookup(name); p != nil {
		return p
	}

	return pprof.NewProfile(name)
}

// Track tracks the lifetime of an object until Untrack is called on it.
//
// Obj should be a pointer to a struct with a field "token" of type *Token.
// Track may be called again after Untrack (for example, when a connection is reopened).
func Track[T any](obj *T, token *Token) {
	checkArgs(obj, token)

	if Stacks {
		token.stack = runtimedebug.Stack()
	}

	// use token instead of obj itself,
	// because otherwise profile will hold a reference to obj and finalizer will never run
	profile(obj).Add(token, 1)

	runtime.SetFinalizer(obj, func(obj *T) {
		msg := fmt.Sprintf("%T has not been closed", obj)
		if token.stack != nil {
			msg += "\nObject created by " + string(token.stack)
		}

		profile(obj).Remove(token)

		leaked(msg)
	})
}

// Untrack stops tracking the lifetime of an object.
//
// It is safe to call this function multiple times.
func Untrack[T any](obj *T, token *Token) {
	checkArgs(obj, token)

	runtime.SetFinalizer(obj, nil)

	profile(obj).Remove(token)
}

// checkArgs checks Track and Untrack arguments.
func checkArgs(obj any, token *Token) {
	if obj == nil {
		panic("obj must not be nil")
	}

	if token == nil {
		panic("token must not be nil")
	}

	pv := reflect.ValueOf(obj)
	if pv.Kind() != reflect.Ptr || pv.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("obj must be a pointer to struct, got %T", obj))
	}

	f := pv.Elem().FieldByName("token")
	if f.Kind() != reflect.Ptr || f.UnsafePointer() != unsafe.Pointer(token) {
		panic("token must be a pointer field of a struct")
	}
}
