package value

import "testing"

func TestConstructorRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		mt   MT
	}{
		{"bool", FromBool(true), Bool},
		{"datetime", FromDateTime(1700000000000), DateTime},
		{"double", FromDouble(3.25), Double},
		{"int32", FromInt32(-7), Int32},
		{"int64", FromInt64(1 << 40), Int64},
		{"string", FromString("hi"), String},
		{"binary", FromBinary([]byte{1, 2, 3}), Binary},
		{"boolarray", FromBoolArray([]bool{true, false}), BoolArray},
		{"stringarray", FromStringArray([]string{"a", "b"}), StringArray},
	}
	for _, c := range cases {
		if c.v.MT() != c.mt {
			t.Errorf("%s: MT() = %v, want %v", c.name, c.v.MT(), c.mt)
		}
	}
}

func TestConvertersRejectWrongTag(t *testing.T) {
	v := FromString("hello")
	if _, err := v.ToInt32(); err == nil {
		t.Fatal("ToInt32 on a String value should fail")
	}
	if _, err := v.ToBool(); err == nil {
		t.Fatal("ToBool on a String value should fail")
	}
	s, err := v.ToString()
	if err != nil || s != "hello" {
		t.Fatalf("ToString() = %q, %v; want hello, nil", s, err)
	}
}

func TestEqualReflexiveSymmetric(t *testing.T) {
	a := FromDouble(1.5)
	b := FromDouble(1.5)
	if !Equal(a, b) || !Equal(b, a) {
		t.Fatal("equal doubles should compare equal both ways")
	}
}

func TestEqualDifferentTagsUnequal(t *testing.T) {
	if Equal(FromInt32(1), FromInt64(1)) {
		t.Fatal("values of different MT should never compare equal")
	}
}

func TestDoubleNaNNeverEqual(t *testing.T) {
	nan := FromDouble(nanValue())
	if Equal(nan, nan) {
		t.Fatal("NaN must not equal itself (spec bit-exact-except-NaN policy)")
	}
}

func nanValue() float64 {
	var zero float64
	return zero / zero
}

func TestArrayEqualElementwise(t *testing.T) {
	a := FromInt32Array([]int32{1, 2, 3})
	b := FromInt32Array([]int32{1, 2, 3})
	c := FromInt32Array([]int32{1, 2, 4})
	if !Equal(a, b) {
		t.Fatal("identical int32 arrays should compare equal")
	}
	if Equal(a, c) {
		t.Fatal("differing int32 arrays should not compare equal")
	}
}

func TestEmptyArraysEqual(t *testing.T) {
	a := FromStringArray(nil)
	b := FromStringArray([]string{})
	if !Equal(a, b) {
		t.Fatal("two empty string arrays should compare equal")
	}
}

func TestBinaryLengthSensitive(t *testing.T) {
	a := FromBinary([]byte{1, 2, 3})
	b := FromBinary([]byte{1, 2, 3, 0})
	if Equal(a, b) {
		t.Fatal("binary values of different length should not compare equal")
	}
}
