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

package resource

import (
	"runtime"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tracked struct {
	token *Token
}

type leaky struct {
	token *Token
	_     [16]byte
}

func TestTrackUntrack(t *testing.T) {
	t.Parallel()

	obj := &tracked{token: NewToken()}
	p := profile(obj)
	before := p.Count()

	Track(obj, obj.token)
	assert.Equal(t, before+1, p.Count())

	Untrack(obj, obj.token)
	assert.Equal(t, before, p.Count())

	// second Untrack is a no-op
	Untrack(obj, obj.token)
	assert.Equal(t, before, p.Count())

	// reopened objects are tracked again
	Track(obj, obj.token)
	assert.Equal(t, before+1, p.Count())
	Untrack(obj, obj.token)

	assert.NotNil(t, pprof.Lookup("litequeue/resource.tracked"))
}

func TestCheckArgs(t *testing.T) {
	t.Parallel()

	token := NewToken()

	assert.Panics(t, func() { Track[tracked](nil, token) })
	assert.Panics(t, func() { Track(&tracked{}, nil) })
	assert.Panics(t, func() { Track(&tracked{token: NewToken()}, token) })

	s := "string"
	assert.Panics(t, func() { Track(&s, token) })
}

// This test replaces the global reporter, so it is not parallel.
func TestLeak(t *testing.T) {
	reported := make(chan string, 1)

	prev := setReport(func(msg string) {
		select {
		case reported <- msg:
		default:
		}
	})
	t.Cleanup(func() { setReport(prev) })

	func() {
		obj := &leaky{token: NewToken()}
		Track(obj, obj.token)
	}()

	deadline := time.After(5 * time.Second)

	for {
		runtime.GC()

		select {
		case msg := <-reported:
			require.Contains(t, msg, "*resource.leaky has not been closed")
			return
		case <-deadline:
			t.Fatal("leak was not reported")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
