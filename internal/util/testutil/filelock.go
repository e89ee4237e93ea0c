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

package testutil

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fileLock is a shared or exclusive lock on a file shared by all test processes.
type fileLock struct {
	tb testing.TB

	m         sync.Mutex
	f         *os.File
	exclusive bool
}

// newFileLock returns a new fileLock holding a shared lock.
func newFileLock(tb testing.TB) *fileLock {
	tb.Helper()

	name := filepath.Join(os.TempDir(), "litequeue-testutil.lock")

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o666)
	require.NoError(tb, err)

	fl := &fileLock{
		tb: tb,
		f:  f,
	}

	flock(tb, f, "shared")

	return fl
}

// Lock upgrades the shared lock to an exclusive lock.
func (fl *fileLock) Lock() {
	fl.m.Lock()
	defer fl.m.Unlock()

	if fl.exclusive {
		return
	}

	flock(fl.tb, fl.f, "exclusive")
	fl.exclusive = true
}

// Unlock releases the lock and closes the file.
func (fl *fileLock) Unlock() {
	fl.m.Lock()
	defer fl.m.Unlock()

	if fl.f == nil {
		return
	}

	flock(fl.tb, fl.f, "unlock")

	require.NoError(fl.tb, fl.f.Close())
	fl.f = nil
}
