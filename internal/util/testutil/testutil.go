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

// Package testutil provides testing helpers.
package testutil

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/FerretDB/litequeue/internal/util/ctxutil"
)

// contextKey is a named unexported type for the safe use of [context.WithValue].
type contextKey struct{}

// Context key for [fileLock] in context returned by [Ctx].
var fileLockKey = contextKey{}

// Ctx returns test context.
// It is canceled when test is finished or interrupted.
func Ctx(tb testing.TB) context.Context {
	tb.Helper()

	signalsCtx, signalsStop := ctxutil.SigTerm(context.Background())

	start := time.Now()

	fl := newFileLock(tb)

	if d := time.Since(start); d > 1*time.Millisecond {
		tb.Logf("%s got shared flock in %s.", tb.Name(), d)
	}

	signalsCtx = context.WithValue(signalsCtx, fileLockKey, fl)

	testDone := make(chan struct{})

	tb.Cleanup(func() {
		fl.Unlock()
		close(testDone)
	})

	go func() {
		select {
		case <-testDone:
			signalsStop()

		case <-signalsCtx.Done():
			// Panic to surely stop tests that ignore the context.
			panic("Stopping everything")
		}
	}()

	ctx, span := otel.Tracer("").Start(signalsCtx, tb.Name())
	tb.Cleanup(func() {
		span.End()
	})

	return ctx
}

// Exclusive signals that test calling that function can't be run in parallel with any other test
// that uses [Ctx] to get test context, including tests in other packages.
//
// It is used by timing-sensitive lock contention tests.
func Exclusive(ctx context.Context, reason string) {
	fl, _ := ctx.Value(fileLockKey).(*fileLock)
	if fl == nil {
		panic("Exclusive called with a context not returned by Ctx")
	}

	fl.tb.Helper()

	require.NotEmpty(fl.tb, reason)
	fl.tb.Logf("%s waits for exclusive flock: %s.", fl.tb.Name(), reason)

	start := time.Now()

	fl.Lock()

	fl.tb.Logf("%s got exclusive flock in %s.", fl.tb.Name(), time.Since(start))
}

// DatabasePath returns a path of a not yet existing database file in a temporary directory
// removed at the end of the test.
func DatabasePath(tb testing.TB) string {
	tb.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(tb.Name())

	return filepath.Join(tb.TempDir(), name+".sqlite")
}
