package value

import (
	"fmt"

	"github.com/astarte-platform/astarte-device-go/asterr"
	"github.com/astarte-platform/astarte-device-go/wiredoc"
)

// EncodeObject builds the wire payload for one aggregate publish: a
// document containing "v" as a nested document of path→value pairs,
// and, if ts is non-nil, "t" (spec.md §3 Aggregation=Object).
func EncodeObject(entries []ObjectEntry, ts *int64) ([]byte, error) {
	if err := ValidateObjectEntries(entries); err != nil {
		return nil, fmt.Errorf("value: encode object: %w", err)
	}

	obj := wiredoc.NewBuilder()
	for _, e := range entries {
		if err := appendValue(obj, e.Path, e.Value); err != nil {
			return nil, err
		}
	}

	b := wiredoc.NewBuilder()
	b.AppendDocument("v", obj.Finalize())
	if ts != nil {
		b.AppendDateTime("t", *ts)
	}
	return b.Finalize(), nil
}

// DecodeObject parses an aggregate publish's wire payload. pathToMT
// supplies the expected MT for every key the "v" document may carry;
// unknown keys are rejected as CodecMalformed rather than silently
// skipped, since an aggregate payload must declare exactly the fields
// its interface's mappings describe.
func DecodeObject(doc []byte, pathToMT map[string]MT) ([]ObjectEntry, *int64, error) {
	r, err := wiredoc.NewReader(doc)
	if err != nil {
		return nil, nil, err
	}

	var (
		entries []ObjectEntry
		haveV   bool
		ts      *int64
	)
	for {
		el, ok, err := r.Next()
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		switch el.Key {
		case "v":
			raw, err := el.Document()
			if err != nil {
				return nil, nil, err
			}
			entries, err = decodeObjectFields(raw, pathToMT)
			if err != nil {
				return nil, nil, err
			}
			haveV = true
		case "t":
			t, err := el.DateTime()
			if err != nil {
				return nil, nil, err
			}
			ts = &t
		}
	}
	if !haveV {
		return nil, nil, fmt.Errorf("value: decode object: missing %q element: %w", "v", asterr.ErrCodecMalformed)
	}
	if err := ValidateObjectEntries(entries); err != nil {
		return nil, nil, fmt.Errorf("value: decode object: %w: %w", asterr.ErrCodecMalformed, err)
	}
	return entries, ts, nil
}

func decodeObjectFields(raw []byte, pathToMT map[string]MT) ([]ObjectEntry, error) {
	r, err := wiredoc.NewReader(raw)
	if err != nil {
		return nil, err
	}

	var entries []ObjectEntry
	for {
		el, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return entries, nil
		}
		mt, known := pathToMT[el.Key]
		if !known {
			return nil, fmt.Errorf("value: decode object: unexpected field %q: %w", el.Key, asterr.ErrCodecMalformed)
		}
		v, err := decodeScalarOrArray(el, mt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ObjectEntry{Path: el.Key, Value: v})
	}
}
