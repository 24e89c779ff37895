package value

import (
	"fmt"

	"github.com/astarte-platform/astarte-device-go/asterr"
	"github.com/astarte-platform/astarte-device-go/wiredoc"
)

// Encode builds the wire payload for one publish: a document containing
// "v": <value> and, if ts is non-nil, "t": <datetime> (spec.md §6).
func Encode(v Value, ts *int64) ([]byte, error) {
	b := wiredoc.NewBuilder()
	if err := appendValue(b, "v", v); err != nil {
		return nil, err
	}
	if ts != nil {
		b.AppendDateTime("t", *ts)
	}
	return b.Finalize(), nil
}

func appendValue(b *wiredoc.Builder, key string, v Value) error {
	switch v.mt {
	case Bool:
		b.AppendBoolean(key, v.b)
	case DateTime:
		b.AppendDateTime(key, v.dt)
	case Double:
		b.AppendDouble(key, v.d)
	case Int32:
		b.AppendInt32(key, v.i32)
	case Int64:
		b.AppendInt64(key, v.i64)
	case String:
		b.AppendString(key, v.s)
	case Binary:
		b.AppendBinary(key, v.bin)
	case BoolArray:
		arr := wiredoc.NewBuilder()
		for i, e := range v.boolArr {
			arr.AppendBoolean(indexKey(i), e)
		}
		b.AppendArray(key, arr.Finalize())
	case DateTimeArray:
		arr := wiredoc.NewBuilder()
		for i, e := range v.dtArr {
			arr.AppendDateTime(indexKey(i), e)
		}
		b.AppendArray(key, arr.Finalize())
	case DoubleArray:
		arr := wiredoc.NewBuilder()
		for i, e := range v.dArr {
			arr.AppendDouble(indexKey(i), e)
		}
		b.AppendArray(key, arr.Finalize())
	case Int32Array:
		arr := wiredoc.NewBuilder()
		for i, e := range v.i32Arr {
			arr.AppendInt32(indexKey(i), e)
		}
		b.AppendArray(key, arr.Finalize())
	case Int64Array:
		arr := wiredoc.NewBuilder()
		for i, e := range v.i64Arr {
			arr.AppendInt64(indexKey(i), e)
		}
		b.AppendArray(key, arr.Finalize())
	case StringArray:
		arr := wiredoc.NewBuilder()
		for i, e := range v.sArr {
			arr.AppendString(indexKey(i), e)
		}
		b.AppendArray(key, arr.Finalize())
	case BinaryArray:
		arr := wiredoc.NewBuilder()
		for i, e := range v.binArr {
			arr.AppendBinary(indexKey(i), e)
		}
		b.AppendArray(key, arr.Finalize())
	default:
		return fmt.Errorf("value: encode: unknown MT %d: %w", int(v.mt), asterr.ErrInternal)
	}
	return nil
}

func indexKey(i int) string {
	return fmt.Sprintf("%d", i)
}

// Decode parses a wire payload produced by Encode, schema-directed
// against expectMT. It returns the decoded value and, if present, the
// explicit timestamp. A zero-length payload is only valid for property
// unset and is handled by the caller before reaching Decode.
func Decode(doc []byte, expectMT MT) (Value, *int64, error) {
	r, err := wiredoc.NewReader(doc)
	if err != nil {
		return Value{}, nil, err
	}

	var (
		v     Value
		haveV bool
		ts    *int64
	)
	for {
		el, ok, err := r.Next()
		if err != nil {
			return Value{}, nil, err
		}
		if !ok {
			break
		}
		switch el.Key {
		case "v":
			v, err = decodeScalarOrArray(el, expectMT)
			if err != nil {
				return Value{}, nil, err
			}
			haveV = true
		case "t":
			t, err := el.DateTime()
			if err != nil {
				return Value{}, nil, err
			}
			ts = &t
		}
	}
	if !haveV {
		return Value{}, nil, fmt.Errorf("value: decode: missing %q element: %w", "v", asterr.ErrCodecMalformed)
	}
	return v, ts, nil
}

// decodeScalarOrArray decodes element el against expectMT, per
// spec.md §4.2: a scalar reads one element (rejecting on type mismatch,
// except int32 widens into an int64 slot); an array reads an inner
// document in two passes — first counting the elements, then
// populating the allocated slice, rejecting any element whose type
// does not match.
func decodeScalarOrArray(el wiredoc.Element, expectMT MT) (Value, error) {
	switch expectMT {
	case Bool:
		b, err := el.Boolean()
		if err != nil {
			return Value{}, err
		}
		return FromBool(b), nil
	case DateTime:
		d, err := el.DateTime()
		if err != nil {
			return Value{}, err
		}
		return FromDateTime(d), nil
	case Double:
		d, err := el.Double()
		if err != nil {
			return Value{}, err
		}
		return FromDouble(d), nil
	case Int32:
		i, err := el.Int32()
		if err != nil {
			return Value{}, err
		}
		return FromInt32(i), nil
	case Int64:
		i, err := el.Int64() // widens int32 transparently
		if err != nil {
			return Value{}, err
		}
		return FromInt64(i), nil
	case String:
		s, err := el.StringVal()
		if err != nil {
			return Value{}, err
		}
		return FromString(s), nil
	case Binary:
		b, err := el.Binary()
		if err != nil {
			return Value{}, err
		}
		return FromBinary(b), nil
	case BoolArray, DateTimeArray, DoubleArray, Int32Array, Int64Array, StringArray, BinaryArray:
		raw, err := el.Array()
		if err != nil {
			return Value{}, err
		}
		return decodeArray(raw, expectMT)
	default:
		return Value{}, fmt.Errorf("value: decode: unknown MT %d: %w", int(expectMT), asterr.ErrInternal)
	}
}

// decodeArray performs the two-pass array decode spec.md §4.2 mandates:
// count in the first pass, allocate once, populate in the second.
func decodeArray(raw []byte, expectMT MT) (Value, error) {
	n, err := countElements(raw)
	if err != nil {
		return Value{}, err
	}

	switch expectMT {
	case BoolArray:
		out := make([]bool, n)
		if err := fillArray(raw, func(i int, el wiredoc.Element) error {
			v, err := el.Boolean()
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		}); err != nil {
			return Value{}, err
		}
		return FromBoolArray(out), nil
	case DateTimeArray:
		out := make([]int64, n)
		if err := fillArray(raw, func(i int, el wiredoc.Element) error {
			v, err := el.DateTime()
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		}); err != nil {
			return Value{}, err
		}
		return FromDateTimeArray(out), nil
	case DoubleArray:
		out := make([]float64, n)
		if err := fillArray(raw, func(i int, el wiredoc.Element) error {
			v, err := el.Double()
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		}); err != nil {
			return Value{}, err
		}
		return FromDoubleArray(out), nil
	case Int32Array:
		out := make([]int32, n)
		if err := fillArray(raw, func(i int, el wiredoc.Element) error {
			v, err := el.Int32()
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		}); err != nil {
			return Value{}, err
		}
		return FromInt32Array(out), nil
	case Int64Array:
		// Per-element widening: each element may independently be an
		// encoded int32 or int64 (spec.md Open Questions: keep this
		// behavior explicit rather than rejecting mixed-width arrays).
		out := make([]int64, n)
		if err := fillArray(raw, func(i int, el wiredoc.Element) error {
			v, err := el.Int64()
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		}); err != nil {
			return Value{}, err
		}
		return FromInt64Array(out), nil
	case StringArray:
		out := make([]string, n)
		if err := fillArray(raw, func(i int, el wiredoc.Element) error {
			v, err := el.StringVal()
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		}); err != nil {
			return Value{}, err
		}
		return FromStringArray(out), nil
	case BinaryArray:
		out := make([][]byte, n)
		if err := fillArray(raw, func(i int, el wiredoc.Element) error {
			v, err := el.Binary()
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		}); err != nil {
			return Value{}, err
		}
		return FromBinaryArray(out), nil
	default:
		return Value{}, fmt.Errorf("value: decodeArray: MT %s is not an array type: %w", expectMT, asterr.ErrInternal)
	}
}

func countElements(raw []byte) (int, error) {
	r, err := wiredoc.NewReader(raw)
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		_, ok, err := r.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

func fillArray(raw []byte, set func(i int, el wiredoc.Element) error) error {
	r, err := wiredoc.NewReader(raw)
	if err != nil {
		return err
	}
	i := 0
	for {
		el, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := set(i, el); err != nil {
			return err
		}
		i++
	}
}
