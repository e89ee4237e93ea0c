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
	"encoding/binary"
	"fmt"
	"strings"
)

// TableExists returns true if a table with the given case-insensitive name exists.
func (c *Conn) TableExists(name string) (bool, error) {
	cur, err := c.Query(
		"SELECT [sql] FROM sqlite_master WHERE [type] = 'table' AND lower(name) = ?",
		Text(strings.ToLower(name)),
	)
	if err != nil {
		return false, err
	}

	defer cur.Close()

	res, err := cur.Step()
	if err != nil {
		return false, err
	}

	return res == StepRow, nil
}

// TableSchema returns a cursor over the table's columns
// (cid, name, type, notnull, dflt_value, pk).
func (c *Conn) TableSchema(name string) (*Cursor, error) {
	return c.Query("PRAGMA table_info(" + quoteString(name) + ")")
}

// ColumnExists returns true if the table has a column with the given case-insensitive name.
func (c *Conn) ColumnExists(table, column string) (bool, error) {
	cur, err := c.TableSchema(table)
	if err != nil {
		return false, err
	}

	defer cur.Close()

	column = strings.ToLower(column)

	for cur.Next() {
		if name, _ := cur.TextByName("name"); strings.ToLower(name) == column {
			return true, nil
		}
	}

	return false, cur.Err()
}

// Schema returns a cursor over all schema objects of main and temp databases
// (type, name, tbl_name, rootpage, sql), except internal ones.
func (c *Conn) Schema() (*Cursor, error) {
	return c.Query(
		"SELECT type, name, tbl_name, rootpage, sql " +
			"FROM (SELECT * FROM sqlite_master UNION ALL SELECT * FROM sqlite_temp_master) " +
			"WHERE type != 'meta' AND name NOT LIKE 'sqlite_%' " +
			"ORDER BY tbl_name, type DESC, name",
	)
}

// UserVersion returns the user_version pragma value.
func (c *Conn) UserVersion() (uint32, error) {
	v, err := c.QueryInt64("PRAGMA user_version")
	return uint32(v), err
}

// SetUserVersion sets the user_version pragma value.
func (c *Conn) SetUserVersion(v uint32) error {
	return c.Exec(fmt.Sprintf("PRAGMA user_version = %d", int32(v)))
}

// ApplicationID returns the application_id pragma value.
func (c *Conn) ApplicationID() (uint32, error) {
	v, err := c.QueryInt64("PRAGMA application_id")
	return uint32(v), err
}

// SetApplicationID sets the application_id pragma value.
func (c *Conn) SetApplicationID(v uint32) error {
	return c.Exec(fmt.Sprintf("PRAGMA application_id = %d", int32(v)))
}

// ApplicationIDString returns the application_id pragma value as a four-character code.
func (c *Conn) ApplicationIDString() (string, error) {
	v, err := c.ApplicationID()
	if err != nil {
		return "", err
	}

	b := binary.BigEndian.AppendUint32(nil, v)

	return string(b), nil
}

// SetApplicationIDString sets the application_id pragma value from a four-character code.
func (c *Conn) SetApplicationIDString(s string) error {
	if len(s) != 4 {
		return newError(ErrBind, "application ID %q is not exactly 4 bytes long", s)
	}

	return c.SetApplicationID(binary.BigEndian.Uint32([]byte(s)))
}
