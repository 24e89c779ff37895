package value

import "testing"

func TestObjectEncodeDecodeRoundTrip(t *testing.T) {
	entries := []ObjectEntry{
		{Path: "a", Value: FromInt32(7)},
		{Path: "b", Value: FromString("hello")},
	}
	ts := int64(1700000000000)

	doc, err := EncodeObject(entries, &ts)
	if err != nil {
		t.Fatal(err)
	}

	schema := map[string]MT{"a": Int32, "b": String}
	got, gotTS, err := DecodeObject(doc, schema)
	if err != nil {
		t.Fatal(err)
	}
	if gotTS == nil || *gotTS != ts {
		t.Fatalf("timestamp mismatch: %v", gotTS)
	}
	if !ObjectEqual(entries, got) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestObjectDecodeRejectsUnknownField(t *testing.T) {
	entries := []ObjectEntry{{Path: "a", Value: FromInt32(1)}}
	doc, err := EncodeObject(entries, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := DecodeObject(doc, map[string]MT{"other": Int32}); err == nil {
		t.Fatal("expected error for unexpected field")
	}
}

func TestObjectEncodeRejectsTooManyEntries(t *testing.T) {
	entries := make([]ObjectEntry, MaxObjectEntries+1)
	for i := range entries {
		entries[i] = ObjectEntry{Path: indexKey(i), Value: FromBool(true)}
	}
	if _, err := EncodeObject(entries, nil); err == nil {
		t.Fatal("expected cap rejection")
	}
}
