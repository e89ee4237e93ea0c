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
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/FerretDB/litequeue/internal/engine"
)

// Kind is a kind of [Value].
type Kind int

// Value kinds.
const (
	KindNull Kind = iota
	KindBlob
	KindText
	KindFloat
	KindInt64
	KindInt32
	KindTime
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBlob:
		return "blob"
	case KindText:
		return "text"
	case KindFloat:
		return "float"
	case KindInt64:
		return "int64"
	case KindInt32:
		return "int32"
	case KindTime:
		return "time"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Value is an SQL value that can be bound to a statement parameter or read from a column.
//
// The zero value is SQL NULL.
//
//nolint:vet // for readability
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    []byte
}

// Null returns SQL NULL value.
func Null() Value {
	return Value{}
}

// Blob returns a blob value.
// Empty (including nil) b is a zero-length blob, not NULL.
func Blob(b []byte) Value {
	if b == nil {
		b = []byte{}
	}

	return Value{kind: KindBlob, b: b}
}

// Text returns a UTF-8 text value.
func Text(s string) Value {
	return Value{kind: KindText, s: s}
}

// Float returns a 64-bit float value.
func Float(f float64) Value {
	return Value{kind: KindFloat, f: f}
}

// Int64 returns a 64-bit integer value.
func Int64(i int64) Value {
	return Value{kind: KindInt64, i: i}
}

// Uint64 returns a 64-bit integer value; values above math.MaxInt64 wrap around.
func Uint64(u uint64) Value {
	return Value{kind: KindInt64, i: int64(u)}
}

// Int32 returns a 32-bit integer value.
func Int32(i int32) Value {
	return Value{kind: KindInt32, i: int64(i)}
}

// Uint32 returns a 32-bit integer value; values above math.MaxInt32 wrap around.
func Uint32(u uint32) Value {
	return Value{kind: KindInt32, i: int64(int32(u))}
}

// Int returns an integer value.
// It is bound as 32-bit integer when it fits, and as 64-bit integer otherwise.
func Int(i int) Value {
	if i >= math.MinInt32 && i <= math.MaxInt32 {
		return Int32(int32(i))
	}

	return Int64(int64(i))
}

// Bool returns 1 for true and 0 for false as a 32-bit integer value.
func Bool(b bool) Value {
	if b {
		return Int32(1)
	}

	return Int32(0)
}

// Time returns a timestamp value stored as a 64-bit float number of seconds since Unix epoch.
func Time(t time.Time) Value {
	return Value{kind: KindTime, f: timeToFloat(t)}
}

// timeToFloat converts t to seconds since Unix epoch.
func timeToFloat(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// floatToTime converts seconds since Unix epoch to local time.
func floatToTime(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}

// ValueOf converts a Go value to Value.
//
// The conversion order is: nil, Value, []byte, string, float types,
// 64-bit integers, other integers and bool, time.Time.
// Other types return an error with [ErrUnsupportedType] kind.
func ValueOf(v any) (Value, error) {
	switch v := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case []byte:
		return Blob(v), nil
	case string:
		return Text(v), nil
	case float64:
		return Float(v), nil
	case float32:
		return Float(float64(v)), nil
	case int64:
		return Int64(v), nil
	case uint64:
		return Uint64(v), nil
	case int32:
		return Int32(v), nil
	case uint32:
		return Uint32(v), nil
	case int16:
		return Int32(int32(v)), nil
	case uint16:
		return Int32(int32(v)), nil
	case int8:
		return Int32(int32(v)), nil
	case uint8:
		return Int32(int32(v)), nil
	case int:
		return Int(v), nil
	case uint:
		if v <= math.MaxInt32 {
			return Int32(int32(v)), nil
		}

		return Uint64(uint64(v)), nil
	case bool:
		return Bool(v), nil
	case time.Time:
		return Time(v), nil
	default:
		return Value{}, newError(ErrUnsupportedType, "%T", v)
	}
}

// Args converts Go values to positional arguments with [ValueOf].
func Args(args ...any) ([]Value, error) {
	res := make([]Value, len(args))

	for i, a := range args {
		v, err := ValueOf(a)
		if err != nil {
			return nil, err
		}

		res[i] = v
	}

	return res, nil
}

// NamedArgs converts a map of Go values to named arguments with [ValueOf].
func NamedArgs(args map[string]any) (map[string]Value, error) {
	res := make(map[string]Value, len(args))

	for k, a := range args {
		v, err := ValueOf(a)
		if err != nil {
			return nil, err
		}

		res[k] = v
	}

	return res, nil
}

// Kind returns value's kind.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull returns true for SQL NULL.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// Any returns value as a Go value:
// nil, []byte, string, float64, int64, int32 or time.Time.
func (v Value) Any() any {
	switch v.kind {
	case KindBlob:
		return v.b
	case KindText:
		return v.s
	case KindFloat:
		return v.f
	case KindInt64:
		return v.i
	case KindInt32:
		return int32(v.i)
	case KindTime:
		return floatToTime(v.f)
	default:
		return nil
	}
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.kind {
	case KindBlob:
		return "x'" + hex.EncodeToString(v.b) + "'"
	case KindText:
		return strconv.Quote(v.s)
	case KindFloat, KindTime:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindInt64, KindInt32:
		return strconv.FormatInt(v.i, 10)
	default:
		return "NULL"
	}
}

// bind binds value to the statement parameter with the given 1-based index.
func (v Value) bind(s *engine.Stmt, i int) error {
	switch v.kind {
	case KindNull:
		return s.BindNull(i)
	case KindBlob:
		return s.BindBlob(i, v.b)
	case KindText:
		return s.BindText(i, v.s)
	case KindFloat, KindTime:
		return s.BindDouble(i, v.f)
	case KindInt64:
		return s.BindInt64(i, v.i)
	case KindInt32:
		return s.BindInt(i, int32(v.i))
	default:
		return newError(ErrUnsupportedType, "%s", v.kind)
	}
}

// columnValue reads the column of the current row as Value.
//
// Integers are read as 64-bit, floats as float, blobs as a copy, NULL as NULL,
// and everything else as text.
func columnValue(s *engine.Stmt, i int) Value {
	switch s.ColumnType(i) {
	case engine.TypeInteger:
		return Int64(s.ColumnInt64(i))
	case engine.TypeFloat:
		return Float(s.ColumnDouble(i))
	case engine.TypeBlob:
		return Blob(s.ColumnBlob(i))
	case engine.TypeNull:
		return Null()
	default:
		return Text(s.ColumnText(i))
	}
}

// rowMap returns the current row of the statement as a map of column names to Go values.
func rowMap(s *engine.Stmt) map[string]any {
	n := s.DataCount()
	res := make(map[string]any, n)

	if n == 0 {
		return res
	}

	for i := range s.ColumnCount() {
		res[s.ColumnName(i)] = columnValue(s, i).Any()
	}

	return res
}
