// Package value implements Astarte's fourteen-shape typed value model
// (spec.md §3/§4.4): a closed tagged union over scalars and their array
// forms, with structural equality, constructors, and the glue that
// serializes to/deserializes from the wiredoc binary document format
// against a declared mapping type.
//
// Go is garbage collected, so unlike the C/Rust source this was
// distilled from there is no explicit Destroy entry point: a Value owns
// ordinary Go slices and strings.
package value

import (
	"fmt"
	"math"

	"github.com/astarte-platform/astarte-device-go/asterr"
)

// MT is the mapping type tag: one of fourteen concrete shapes.
type MT int

const (
	Bool MT = iota
	DateTime
	Double
	Int32
	Int64
	String
	Binary
	BoolArray
	DateTimeArray
	DoubleArray
	Int32Array
	Int64Array
	StringArray
	BinaryArray
)

func (mt MT) String() string {
	switch mt {
	case Bool:
		return "boolean"
	case DateTime:
		return "datetime"
	case Double:
		return "double"
	case Int32:
		return "integer"
	case Int64:
		return "longinteger"
	case String:
		return "string"
	case Binary:
		return "binaryblob"
	case BoolArray:
		return "booleanarray"
	case DateTimeArray:
		return "datetimearray"
	case DoubleArray:
		return "doublearray"
	case Int32Array:
		return "integerarray"
	case Int64Array:
		return "longintegerarray"
	case StringArray:
		return "stringarray"
	case BinaryArray:
		return "binaryblobarray"
	default:
		return fmt.Sprintf("unknown(%d)", int(mt))
	}
}

// IsArray reports whether mt is one of the six array shapes.
func (mt MT) IsArray() bool {
	return mt >= BoolArray
}

// Value is a tagged union over MT. The zero Value is Bool(false); use a
// constructor to get a meaningful value.
type Value struct {
	mt MT

	b    bool
	dt   int64
	d    float64
	i32  int32
	i64  int64
	s    string
	bin  []byte

	boolArr []bool
	dtArr   []int64
	dArr    []float64
	i32Arr  []int32
	i64Arr  []int64
	sArr    []string
	binArr  [][]byte
}

// MT returns the value's tag.
func (v Value) MT() MT { return v.mt }

func FromBool(b bool) Value           { return Value{mt: Bool, b: b} }
func FromDateTime(ms int64) Value     { return Value{mt: DateTime, dt: ms} }
func FromDouble(d float64) Value      { return Value{mt: Double, d: d} }
func FromInt32(i int32) Value         { return Value{mt: Int32, i32: i} }
func FromInt64(i int64) Value         { return Value{mt: Int64, i64: i} }
func FromString(s string) Value       { return Value{mt: String, s: s} }
func FromBinary(b []byte) Value       { return Value{mt: Binary, bin: cloneBytes(b)} }

func FromBoolArray(v []bool) Value      { return Value{mt: BoolArray, boolArr: append([]bool(nil), v...)} }
func FromDateTimeArray(v []int64) Value { return Value{mt: DateTimeArray, dtArr: append([]int64(nil), v...)} }
func FromDoubleArray(v []float64) Value { return Value{mt: DoubleArray, dArr: append([]float64(nil), v...)} }
func FromInt32Array(v []int32) Value    { return Value{mt: Int32Array, i32Arr: append([]int32(nil), v...)} }
func FromInt64Array(v []int64) Value    { return Value{mt: Int64Array, i64Arr: append([]int64(nil), v...)} }
func FromStringArray(v []string) Value  { return Value{mt: StringArray, sArr: append([]string(nil), v...)} }
func FromBinaryArray(v [][]byte) Value {
	out := make([][]byte, len(v))
	for i, b := range v {
		out[i] = cloneBytes(b)
	}
	return Value{mt: BinaryArray, binArr: out}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func typeErr(v Value, want MT) error {
	return fmt.Errorf("value: %s is %s, not %s: %w", want, v.mt, want, asterr.ErrInvalidParam)
}

func (v Value) ToBool() (bool, error) {
	if v.mt != Bool {
		return false, typeErr(v, Bool)
	}
	return v.b, nil
}

func (v Value) ToDateTime() (int64, error) {
	if v.mt != DateTime {
		return 0, typeErr(v, DateTime)
	}
	return v.dt, nil
}

func (v Value) ToDouble() (float64, error) {
	if v.mt != Double {
		return 0, typeErr(v, Double)
	}
	return v.d, nil
}

func (v Value) ToInt32() (int32, error) {
	if v.mt != Int32 {
		return 0, typeErr(v, Int32)
	}
	return v.i32, nil
}

func (v Value) ToInt64() (int64, error) {
	if v.mt != Int64 {
		return 0, typeErr(v, Int64)
	}
	return v.i64, nil
}

func (v Value) ToString() (string, error) {
	if v.mt != String {
		return "", typeErr(v, String)
	}
	return v.s, nil
}

func (v Value) ToBinary() ([]byte, error) {
	if v.mt != Binary {
		return nil, typeErr(v, Binary)
	}
	return cloneBytes(v.bin), nil
}

func (v Value) ToBoolArray() ([]bool, error) {
	if v.mt != BoolArray {
		return nil, typeErr(v, BoolArray)
	}
	return append([]bool(nil), v.boolArr...), nil
}

func (v Value) ToDateTimeArray() ([]int64, error) {
	if v.mt != DateTimeArray {
		return nil, typeErr(v, DateTimeArray)
	}
	return append([]int64(nil), v.dtArr...), nil
}

func (v Value) ToDoubleArray() ([]float64, error) {
	if v.mt != DoubleArray {
		return nil, typeErr(v, DoubleArray)
	}
	return append([]float64(nil), v.dArr...), nil
}

func (v Value) ToInt32Array() ([]int32, error) {
	if v.mt != Int32Array {
		return nil, typeErr(v, Int32Array)
	}
	return append([]int32(nil), v.i32Arr...), nil
}

func (v Value) ToInt64Array() ([]int64, error) {
	if v.mt != Int64Array {
		return nil, typeErr(v, Int64Array)
	}
	return append([]int64(nil), v.i64Arr...), nil
}

func (v Value) ToStringArray() ([]string, error) {
	if v.mt != StringArray {
		return nil, typeErr(v, StringArray)
	}
	return append([]string(nil), v.sArr...), nil
}

func (v Value) ToBinaryArray() ([][]byte, error) {
	if v.mt != BinaryArray {
		return nil, typeErr(v, BinaryArray)
	}
	out := make([][]byte, len(v.binArr))
	for i, b := range v.binArr {
		out[i] = cloneBytes(b)
	}
	return out, nil
}

// doubleEqual implements the bit-exact-except-NaN policy from spec.md
// §3: NaN never equals anything, including another NaN; otherwise
// compare bit patterns so +0.0 and -0.0 (equal under ==) are distinct.
func doubleEqual(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}
	return math.Float64bits(a) == math.Float64bits(b)
}

// Equal implements structural equality per spec.md §3: same tag, then
// element-wise compare. Binary/BinaryArray compare by explicit length
// then content.
func Equal(a, b Value) bool {
	if a.mt != b.mt {
		return false
	}
	switch a.mt {
	case Bool:
		return a.b == b.b
	case DateTime:
		return a.dt == b.dt
	case Double:
		return doubleEqual(a.d, b.d)
	case Int32:
		return a.i32 == b.i32
	case Int64:
		return a.i64 == b.i64
	case String:
		return a.s == b.s
	case Binary:
		return bytesEqual(a.bin, b.bin)
	case BoolArray:
		if len(a.boolArr) != len(b.boolArr) {
			return false
		}
		for i := range a.boolArr {
			if a.boolArr[i] != b.boolArr[i] {
				return false
			}
		}
		return true
	case DateTimeArray:
		if len(a.dtArr) != len(b.dtArr) {
			return false
		}
		for i := range a.dtArr {
			if a.dtArr[i] != b.dtArr[i] {
				return false
			}
		}
		return true
	case DoubleArray:
		if len(a.dArr) != len(b.dArr) {
			return false
		}
		for i := range a.dArr {
			if !doubleEqual(a.dArr[i], b.dArr[i]) {
				return false
			}
		}
		return true
	case Int32Array:
		if len(a.i32Arr) != len(b.i32Arr) {
			return false
		}
		for i := range a.i32Arr {
			if a.i32Arr[i] != b.i32Arr[i] {
				return false
			}
		}
		return true
	case Int64Array:
		if len(a.i64Arr) != len(b.i64Arr) {
			return false
		}
		for i := range a.i64Arr {
			if a.i64Arr[i] != b.i64Arr[i] {
				return false
			}
		}
		return true
	case StringArray:
		if len(a.sArr) != len(b.sArr) {
			return false
		}
		for i := range a.sArr {
			if a.sArr[i] != b.sArr[i] {
				return false
			}
		}
		return true
	case BinaryArray:
		if len(a.binArr) != len(b.binArr) {
			return false
		}
		for i := range a.binArr {
			if !bytesEqual(a.binArr[i], b.binArr[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
