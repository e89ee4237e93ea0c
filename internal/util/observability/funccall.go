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

package observability

import (
	"context"
	"runtime"
	"runtime/trace"
	"strings"

	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/FerretDB/litequeue/internal/util/resource"
)

// tracerName is the name of the OpenTelemetry tracer used by litequeue.
const tracerName = "github.com/FerretDB/litequeue"

// funcCall tracks function calls.
type funcCall struct {
	token  *resource.Token
	region *trace.Region
	span   oteltrace.Span
}

// FuncCall adds observability to a function call.
//
// It should be called at the very beginning of the function,
// and returned function should be called at exit.
// The returned context carries the new span and should be used by the function body.
// The only valid way to use FuncCall is:
//
//	func foo(ctx context.Context) {
//	    ctx, end := FuncCall(ctx)
//	    defer end()
//	    // ...
//
// FuncCall starts an OpenTelemetry span named after the calling function.
// For the Go execution tracer, it also creates a region attached to the task in the context.
func FuncCall(ctx context.Context) (context.Context, func()) {
	fc := &funcCall{
		token: resource.NewToken(),
	}
	resource.Track(fc, fc.token)

	pc := make([]uintptr, 1)
	runtime.Callers(2, pc)
	f, _ := runtime.CallersFrames(pc).Next()
	name := f.Function[strings.LastIndex(f.Function, "/")+1:]

	ctx, fc.span = otel.Tracer(tracerName).Start(ctx, name)

	if trace.IsEnabled() {
		fc.region = trace.StartRegion(ctx, name)
	}

	return ctx, fc.leave
}

// leave is called on function exit.
func (fc *funcCall) leave() {
	if fc.region != nil {
		fc.region.End()
	}

	fc.span.End()

	resource.Untrack(fc, fc.token)
}
