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
	"time"

	"github.com/FerretDB/litequeue/internal/engine"
	"github.com/FerretDB/litequeue/internal/util/ctxutil"
)

// Busy retry sleep bounds.
const (
	busySleepMin = 50 * time.Millisecond
	busySleepMax = 100 * time.Millisecond
)

// BusyTimeout returns the busy retry timeout; zero means that retries are disabled.
func (c *Conn) BusyTimeout() time.Duration {
	if c.busyTimeout < 0 {
		return 0
	}

	return c.busyTimeout
}

// SetBusyTimeout sets how long to retry when the database is locked by another connection.
// Zero or negative value disables retries.
func (c *Conn) SetBusyTimeout(d time.Duration) {
	if d <= 0 {
		d = -1
	}

	c.busyTimeout = d
	c.setBusyHandler()
}

// setBusyHandler installs the busy handler on the open engine connection.
func (c *Conn) setBusyHandler() {
	if c.db == nil {
		return
	}

	if c.busyTimeout <= 0 {
		c.db.SetBusyHandler(nil)
		return
	}

	c.db.SetBusyHandler(newBusyHandler(c.busyTimeout, func() { c.m.busyRetries.Add(1) }))
}

// newBusyHandler returns a busy handler that retries for the given time after the first notification,
// sleeping for a random interval between attempts.
func newBusyHandler(timeout time.Duration, retried func()) engine.BusyFunc {
	var start time.Time

	return func(count int) bool {
		if count == 0 {
			start = time.Now()
			return true
		}

		if time.Since(start) >= timeout {
			return false
		}

		retried()
		time.Sleep(ctxutil.DurationWithJitter(busySleepMin, busySleepMax))

		return true
	}
}
