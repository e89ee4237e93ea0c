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
	"strings"

	"go.uber.org/zap"

	"github.com/FerretDB/litequeue/internal/util/lazyerrors"
)

// TxMode is a transaction mode; it is also a part of the connection's state.
type TxMode int

// Transaction modes.
const (
	// TxNone means that there is no transaction started with Begin.
	TxNone TxMode = iota
	TxDeferred
	TxImmediate
	TxExclusive
)

// String implements fmt.Stringer.
func (m TxMode) String() string {
	switch m {
	case TxNone:
		return "none"
	case TxDeferred:
		return "deferred"
	case TxImmediate:
		return "immediate"
	case TxExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("TxMode(%d)", int(m))
	}
}

// TxMode returns the mode of the transaction started with Begin, or [TxNone].
func (c *Conn) TxMode() TxMode {
	return c.tx
}

// InTransaction returns true if a transaction was started with Begin and not finished yet.
func (c *Conn) InTransaction() bool {
	return c.tx != TxNone
}

// Begin starts an exclusive transaction.
func (c *Conn) Begin() error {
	return c.BeginMode(TxExclusive)
}

// BeginDeferred starts a deferred transaction.
func (c *Conn) BeginDeferred() error {
	return c.BeginMode(TxDeferred)
}

// BeginImmediate starts an immediate transaction.
func (c *Conn) BeginImmediate() error {
	return c.BeginMode(TxImmediate)
}

// BeginExclusive starts an exclusive transaction.
func (c *Conn) BeginExclusive() error {
	return c.BeginMode(TxExclusive)
}

// BeginMode starts a transaction with the given mode.
func (c *Conn) BeginMode(mode TxMode) error {
	if mode == TxNone {
		return lazyerrors.Errorf("invalid transaction mode %s", mode)
	}

	if err := c.Exec("begin " + mode.String() + " transaction"); err != nil {
		return err
	}

	c.tx = mode

	return nil
}

// Commit commits the current transaction.
func (c *Conn) Commit() error {
	err := c.Exec("commit transaction")
	c.endTx(err)

	return err
}

// Rollback rolls back the current transaction.
func (c *Conn) Rollback() error {
	err := c.Exec("rollback transaction")
	c.endTx(err)

	return err
}

// endTx clears the transaction mode after commit or rollback.
// A failed statement still ends the transaction if the engine is back in autocommit mode.
func (c *Conn) endTx(err error) {
	if err == nil || (c.db != nil && c.db.Autocommit()) {
		c.tx = TxNone
	}
}

// InTx runs f in a transaction with the given mode.
//
// If f sets rollback to true, the transaction is rolled back and nil is returned.
// If f returns an error, panics or exits the goroutine, the transaction is rolled back
// and f's outcome is passed through.
// Begin and commit errors are returned; a failed commit is followed by a rollback.
func (c *Conn) InTx(mode TxMode, f func(rollback *bool) error) (err error) {
	if err = c.BeginMode(mode); err != nil {
		return
	}

	var done bool

	defer func() {
		// It is not enough to check err, because f could call runtime.Goexit()
		// (for example, via testify/require), or panic.
		if done {
			return
		}

		if rerr := c.Rollback(); rerr != nil {
			c.l.Error("Rollback failed", zap.Error(rerr))
		}
	}()

	var rollback bool

	if err = f(&rollback); err != nil {
		if rerr := c.Rollback(); rerr != nil {
			err = errors.Join(err, rerr)
		}

		done = true

		return
	}

	if rollback {
		err = c.Rollback()
		done = true

		return
	}

	if err = c.Commit(); err != nil {
		if rerr := c.Rollback(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}

	done = true

	return
}

// quoteString quotes a name as an SQL string literal.
func quoteString(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

// StartSavepoint starts a savepoint with the given name.
// Outside a transaction, it also starts one.
func (c *Conn) StartSavepoint(name string) error {
	return c.Exec("savepoint " + quoteString(name))
}

// ReleaseSavepoint releases the savepoint with the given name.
func (c *Conn) ReleaseSavepoint(name string) error {
	return c.Exec("release savepoint " + quoteString(name))
}

// RollbackToSavepoint rolls back changes made after the savepoint with the given name.
// The savepoint stays active.
func (c *Conn) RollbackToSavepoint(name string) error {
	return c.Exec("rollback transaction to savepoint " + quoteString(name))
}

// InSavepoint runs f within a savepoint with the given name.
//
// If f sets rollback to true or returns an error, changes made by f are rolled back.
// The savepoint is always released.
func (c *Conn) InSavepoint(name string, f func(rollback *bool) error) (err error) {
	if err = c.StartSavepoint(name); err != nil {
		return
	}

	var done bool

	defer func() {
		if done {
			return
		}

		if rerr := errors.Join(c.RollbackToSavepoint(name), c.ReleaseSavepoint(name)); rerr != nil {
			c.l.Error("Savepoint cleanup failed", zap.String("name", name), zap.Error(rerr))
		}
	}()

	var rollback bool

	err = f(&rollback)

	if rollback || err != nil {
		if rerr := c.RollbackToSavepoint(name); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}

	if rerr := c.ReleaseSavepoint(name); rerr != nil {
		err = errors.Join(err, rerr)
	}

	done = true

	return
}
