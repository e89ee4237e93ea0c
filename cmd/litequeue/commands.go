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

package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/FerretDB/litequeue/internal/conn"
	"github.com/FerretDB/litequeue/internal/queue"
	"github.com/FerretDB/litequeue/internal/util/lazyerrors"
)

// runCommand runs the command selected by kong (e.g. "query <sql> <args>") with the queue,
// writing results to w.
func runCommand(ctx context.Context, command string, q *queue.Queue, w io.Writer) error {
	name, _, _ := strings.Cut(command, " ")

	switch name {
	case "exec":
		return execScript(ctx, q, cli.Exec.SQL, w)
	case "query":
		return query(ctx, q, cli.Query.SQL, cli.Query.Args, w)
	case "schema":
		return schema(ctx, q, w)
	default:
		return lazyerrors.Errorf("unhandled command %q", command)
	}
}

// parseArg converts a command-line argument to a value.
func parseArg(s string) conn.Value {
	if strings.EqualFold(s, "NULL") {
		return conn.Null()
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return conn.Int64(i)
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return conn.Float(f)
	}

	return conn.Text(s)
}

// formatValue formats a value for tab-separated output.
func formatValue(v conn.Value) string {
	switch v.Kind() {
	case conn.KindText:
		return strings.NewReplacer("\t", `\t`, "\n", `\n`).Replace(v.Any().(string))
	default:
		return v.String()
	}
}

// printRows prints column names and all rows of the cursor as tab-separated values.
func printRows(cur *conn.Cursor, w io.Writer) error {
	defer cur.Close()

	header := false

	for cur.Next() {
		n := cur.DataCount()

		if !header {
			names := make([]string, n)
			for i := range n {
				names[i] = cur.ColumnName(i)
			}

			if _, err := fmt.Fprintln(w, strings.Join(names, "\t")); err != nil {
				return lazyerrors.Error(err)
			}

			header = true
		}

		values := make([]string, n)
		for i := range n {
			values[i] = formatValue(cur.Value(i))
		}

		if _, err := fmt.Fprintln(w, strings.Join(values, "\t")); err != nil {
			return lazyerrors.Error(err)
		}
	}

	return cur.Err()
}

// query runs a single statement with positional arguments and prints its rows.
func query(ctx context.Context, q *queue.Queue, sql string, args []string, w io.Writer) error {
	values := make([]conn.Value, len(args))
	for i, a := range args {
		values[i] = parseArg(a)
	}

	return q.WithConnection(ctx, func(_ context.Context, c *conn.Conn) error {
		cur, err := c.Query(sql, values...)
		if err != nil {
			return err
		}

		return printRows(cur, w)
	})
}

// execScript runs all statements of the script one by one, printing produced rows.
func execScript(ctx context.Context, q *queue.Queue, sql string, w io.Writer) error {
	return q.WithConnection(ctx, func(_ context.Context, c *conn.Conn) error {
		var werr error

		err := c.ExecuteStatements(sql, func(row map[string]any) bool {
			keys := maps.Keys(row)
			slices.Sort(keys)

			pairs := make([]string, len(keys))
			for i, k := range keys {
				v, err := conn.ValueOf(row[k])
				if err != nil {
					werr = err
					return false
				}

				pairs[i] = k + "=" + formatValue(v)
			}

			if _, werr = fmt.Fprintln(w, strings.Join(pairs, "\t")); werr != nil {
				return false
			}

			return true
		})

		if werr != nil {
			return lazyerrors.Error(werr)
		}

		return err
	})
}

// schema prints the database schema.
func schema(ctx context.Context, q *queue.Queue, w io.Writer) error {
	return q.WithConnection(ctx, func(_ context.Context, c *conn.Conn) error {
		cur, err := c.Schema()
		if err != nil {
			return err
		}

		return printRows(cur, w)
	})
}
