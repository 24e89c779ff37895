// Package wiredoc implements the self-describing binary document format
// used on Astarte's wire: a length-prefixed sequence of typed,
// named elements terminated by a zero byte. It mirrors the framing
// idiom the teacher's cell package uses for Tor cells (read a fixed
// header, branch on a length field, read the payload) but the document
// format itself is little-endian throughout, independent of any
// particular transport's byte order.
//
// This package knows nothing about Astarte's interface schema or typed
// values; it only builds and parses documents made of these nine
// element types. Schema-directed decoding against a mapping type lives
// in package value.
package wiredoc

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/astarte-platform/astarte-device-go/asterr"
)

// ElementType is one of the nine wire element type codes this document
// format supports.
type ElementType byte

const (
	TypeDouble   ElementType = 0x01
	TypeString   ElementType = 0x02
	TypeDocument ElementType = 0x03
	TypeArray    ElementType = 0x04
	TypeBinary   ElementType = 0x05
	TypeBoolean  ElementType = 0x08
	TypeDateTime ElementType = 0x09
	TypeInt32    ElementType = 0x10
	TypeInt64    ElementType = 0x12
)

func (t ElementType) String() string {
	switch t {
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeDocument:
		return "document"
	case TypeArray:
		return "array"
	case TypeBinary:
		return "binary"
	case TypeBoolean:
		return "boolean"
	case TypeDateTime:
		return "datetime"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// binarySubtypeGeneric is the only binary subtype this format emits or
// accepts.
const binarySubtypeGeneric = 0x00

// Builder accumulates key/value pairs into a document body. Call
// Finalize once to get the complete, length-prefixed, terminated
// document bytes — mirrors cell.NewVarCell's build-then-backpatch shape.
type Builder struct {
	body []byte
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

func (b *Builder) appendHeader(t ElementType, key string) {
	b.body = append(b.body, byte(t))
	b.body = appendCString(b.body, key)
}

// AppendDouble appends a double(0x01) element.
func (b *Builder) AppendDouble(key string, v float64) {
	b.appendHeader(TypeDouble, key)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	b.body = append(b.body, buf[:]...)
}

// AppendString appends a string(0x02) element: int32 length (including
// the trailing NUL) + bytes + NUL.
func (b *Builder) AppendString(key string, v string) {
	b.appendHeader(TypeString, key)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v)+1))
	b.body = append(b.body, lenBuf[:]...)
	b.body = append(b.body, v...)
	b.body = append(b.body, 0)
}

// AppendBinary appends a binary(0x05) element with the generic subtype.
func (b *Builder) AppendBinary(key string, v []byte) {
	b.appendHeader(TypeBinary, key)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v)))
	b.body = append(b.body, lenBuf[:]...)
	b.body = append(b.body, binarySubtypeGeneric)
	b.body = append(b.body, v...)
}

// AppendBoolean appends a boolean(0x08) element.
func (b *Builder) AppendBoolean(key string, v bool) {
	b.appendHeader(TypeBoolean, key)
	if v {
		b.body = append(b.body, 1)
	} else {
		b.body = append(b.body, 0)
	}
}

// AppendDateTime appends a datetime(0x09) element: int64 epoch
// milliseconds.
func (b *Builder) AppendDateTime(key string, epochMs int64) {
	b.appendHeader(TypeDateTime, key)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(epochMs))
	b.body = append(b.body, buf[:]...)
}

// AppendInt32 appends an int32(0x10) element.
func (b *Builder) AppendInt32(key string, v int32) {
	b.appendHeader(TypeInt32, key)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	b.body = append(b.body, buf[:]...)
}

// AppendInt64 appends an int64(0x12) element.
func (b *Builder) AppendInt64(key string, v int64) {
	b.appendHeader(TypeInt64, key)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	b.body = append(b.body, buf[:]...)
}

// AppendDocument embeds a previously-finalized document as a
// document(0x03) element.
func (b *Builder) AppendDocument(key string, doc []byte) {
	b.appendHeader(TypeDocument, key)
	b.body = append(b.body, doc...)
}

// AppendArray embeds a previously-finalized document, whose keys must be
// the decimal index strings "0", "1", ..., as an array(0x04) element.
func (b *Builder) AppendArray(key string, doc []byte) {
	b.appendHeader(TypeArray, key)
	b.body = append(b.body, doc...)
}

// Finalize writes the terminator and back-patches the 4-byte total
// length prefix (including itself and the terminator), returning the
// complete document bytes. The Builder may not be reused afterward.
func (b *Builder) Finalize() []byte {
	total := 4 + len(b.body) + 1
	out := make([]byte, 0, total)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(total))
	out = append(out, lenBuf[:]...)
	out = append(out, b.body...)
	out = append(out, 0)
	return out
}

// Element is one decoded key/value pair plus its raw encoded value
// bytes, not yet interpreted.
type Element struct {
	Type ElementType
	Key  string
	raw  []byte
}

// Reader iterates the elements of one document body.
type Reader struct {
	body []byte // document body, after the length prefix, without the trailing terminator
	pos  int
}

// NewReader validates the outer length prefix and terminator and
// returns a Reader over the document's elements.
func NewReader(doc []byte) (*Reader, error) {
	if len(doc) < 5 {
		return nil, fmt.Errorf("wiredoc: document too short (%d bytes): %w", len(doc), asterr.ErrCodecMalformed)
	}
	total := binary.LittleEndian.Uint32(doc[0:4])
	if int(total) != len(doc) {
		return nil, fmt.Errorf("wiredoc: length prefix %d does not match document size %d: %w", total, len(doc), asterr.ErrCodecMalformed)
	}
	if doc[len(doc)-1] != 0 {
		return nil, fmt.Errorf("wiredoc: missing terminator: %w", asterr.ErrCodecMalformed)
	}
	return &Reader{body: doc[4 : len(doc)-1]}, nil
}

// Next returns the next element, or ok=false at end of document.
func (r *Reader) Next() (Element, bool, error) {
	if r.pos >= len(r.body) {
		return Element{}, false, nil
	}
	t := ElementType(r.body[r.pos])
	r.pos++

	keyStart := r.pos
	for r.pos < len(r.body) && r.body[r.pos] != 0 {
		r.pos++
	}
	if r.pos >= len(r.body) {
		return Element{}, false, fmt.Errorf("wiredoc: unterminated key: %w", asterr.ErrCodecMalformed)
	}
	key := string(r.body[keyStart:r.pos])
	r.pos++ // skip key's NUL

	valStart := r.pos
	n, err := valueLen(t, r.body[r.pos:])
	if err != nil {
		return Element{}, false, err
	}
	if valStart+n > len(r.body) {
		return Element{}, false, fmt.Errorf("wiredoc: truncated value for key %q: %w", key, asterr.ErrCodecMalformed)
	}
	r.pos = valStart + n

	return Element{Type: t, Key: key, raw: r.body[valStart:r.pos]}, true, nil
}

// valueLen returns the number of bytes the value for element type t
// occupies at the start of buf, without fully decoding it.
func valueLen(t ElementType, buf []byte) (int, error) {
	switch t {
	case TypeDouble, TypeDateTime, TypeInt64:
		if len(buf) < 8 {
			return 0, fmt.Errorf("wiredoc: truncated %s value: %w", t, asterr.ErrCodecMalformed)
		}
		return 8, nil
	case TypeInt32:
		if len(buf) < 4 {
			return 0, fmt.Errorf("wiredoc: truncated %s value: %w", t, asterr.ErrCodecMalformed)
		}
		return 4, nil
	case TypeBoolean:
		if len(buf) < 1 {
			return 0, fmt.Errorf("wiredoc: truncated %s value: %w", t, asterr.ErrCodecMalformed)
		}
		return 1, nil
	case TypeString:
		if len(buf) < 4 {
			return 0, fmt.Errorf("wiredoc: truncated %s length: %w", t, asterr.ErrCodecMalformed)
		}
		n := int(binary.LittleEndian.Uint32(buf[0:4]))
		if n < 1 {
			return 0, fmt.Errorf("wiredoc: invalid string length %d: %w", n, asterr.ErrCodecMalformed)
		}
		return 4 + n, nil
	case TypeBinary:
		if len(buf) < 5 {
			return 0, fmt.Errorf("wiredoc: truncated %s length: %w", t, asterr.ErrCodecMalformed)
		}
		n := int(binary.LittleEndian.Uint32(buf[0:4]))
		return 5 + n, nil
	case TypeDocument, TypeArray:
		if len(buf) < 4 {
			return 0, fmt.Errorf("wiredoc: truncated %s length: %w", t, asterr.ErrCodecMalformed)
		}
		n := int(binary.LittleEndian.Uint32(buf[0:4]))
		if n < 5 {
			return 0, fmt.Errorf("wiredoc: invalid %s length %d: %w", t, n, asterr.ErrCodecMalformed)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("wiredoc: unsupported element type 0x%02x: %w", byte(t), asterr.ErrCodecTypeMismatch)
	}
}

// Double decodes a double(0x01) element's value.
func (e Element) Double() (float64, error) {
	if e.Type != TypeDouble {
		return 0, fmt.Errorf("wiredoc: key %q is %s, not double: %w", e.Key, e.Type, asterr.ErrCodecTypeMismatch)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(e.raw)), nil
}

// StringVal decodes a string(0x02) element's value.
func (e Element) StringVal() (string, error) {
	if e.Type != TypeString {
		return "", fmt.Errorf("wiredoc: key %q is %s, not string: %w", e.Key, e.Type, asterr.ErrCodecTypeMismatch)
	}
	n := binary.LittleEndian.Uint32(e.raw[0:4])
	s := e.raw[4 : 4+n-1] // drop trailing NUL
	return string(s), nil
}

// Binary decodes a binary(0x05) element's value, validating the
// generic subtype.
func (e Element) Binary() ([]byte, error) {
	if e.Type != TypeBinary {
		return nil, fmt.Errorf("wiredoc: key %q is %s, not binary: %w", e.Key, e.Type, asterr.ErrCodecTypeMismatch)
	}
	n := binary.LittleEndian.Uint32(e.raw[0:4])
	subtype := e.raw[4]
	if subtype != binarySubtypeGeneric {
		return nil, fmt.Errorf("wiredoc: key %q: unsupported binary subtype 0x%02x: %w", e.Key, subtype, asterr.ErrCodecMalformed)
	}
	out := make([]byte, n)
	copy(out, e.raw[5:5+n])
	return out, nil
}

// Boolean decodes a boolean(0x08) element's value.
func (e Element) Boolean() (bool, error) {
	if e.Type != TypeBoolean {
		return false, fmt.Errorf("wiredoc: key %q is %s, not boolean: %w", e.Key, e.Type, asterr.ErrCodecTypeMismatch)
	}
	return e.raw[0] != 0, nil
}

// DateTime decodes a datetime(0x09) element's value as epoch
// milliseconds.
func (e Element) DateTime() (int64, error) {
	if e.Type != TypeDateTime {
		return 0, fmt.Errorf("wiredoc: key %q is %s, not datetime: %w", e.Key, e.Type, asterr.ErrCodecTypeMismatch)
	}
	return int64(binary.LittleEndian.Uint64(e.raw)), nil
}

// Int32 decodes an int32(0x10) element's value.
func (e Element) Int32() (int32, error) {
	if e.Type != TypeInt32 {
		return 0, fmt.Errorf("wiredoc: key %q is %s, not int32: %w", e.Key, e.Type, asterr.ErrCodecTypeMismatch)
	}
	return int32(binary.LittleEndian.Uint32(e.raw)), nil
}

// Int64 decodes an int64(0x12) element's value. As a compatibility
// exception (spec.md §4.2), an encoded int32 is also accepted and
// widened.
func (e Element) Int64() (int64, error) {
	switch e.Type {
	case TypeInt64:
		return int64(binary.LittleEndian.Uint64(e.raw)), nil
	case TypeInt32:
		return int64(int32(binary.LittleEndian.Uint32(e.raw))), nil
	default:
		return 0, fmt.Errorf("wiredoc: key %q is %s, not int64/int32: %w", e.Key, e.Type, asterr.ErrCodecTypeMismatch)
	}
}

// Document returns the raw bytes of a nested document(0x03) element,
// suitable for NewReader.
func (e Element) Document() ([]byte, error) {
	if e.Type != TypeDocument {
		return nil, fmt.Errorf("wiredoc: key %q is %s, not document: %w", e.Key, e.Type, asterr.ErrCodecTypeMismatch)
	}
	return e.raw, nil
}

// Array returns the raw bytes of a nested array(0x04) element, suitable
// for NewReader.
func (e Element) Array() ([]byte, error) {
	if e.Type != TypeArray {
		return nil, fmt.Errorf("wiredoc: key %q is %s, not array: %w", e.Key, e.Type, asterr.ErrCodecTypeMismatch)
	}
	return e.raw, nil
}
