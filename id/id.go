// Package id generates and parses the 128-bit identifiers Astarte uses
// for device and transaction IDs: RFC 4122 version 4 (random) and
// version 5 (namespaced SHA-1), in string, base64, and base64url forms.
package id

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Id is a 128-bit identifier. The zero value is the nil UUID.
type Id [16]byte

// V4 draws 16 random bytes and sets the RFC 4122 version (4) and
// variant (10xx) bits.
func V4() (Id, error) {
	var id Id
	if _, err := rand.Read(id[:]); err != nil {
		return Id{}, fmt.Errorf("id: generate v4: %w", err)
	}
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id, nil
}

// V5 computes a namespaced identifier per RFC 4122 §4.3: SHA-1 over
// namespace||data, keeping the first 16 bytes and overwriting the
// version (5) and variant (10xx) bits.
func V5(namespace Id, data []byte) Id {
	h := sha1.New()
	h.Write(namespace[:])
	h.Write(data)
	sum := h.Sum(nil)

	var id Id
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x50
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}

// String renders the canonical 8-4-4-4-12 hex form.
func (id Id) String() string {
	b := id[:]
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// Base64 encodes the raw 16 bytes using standard base64 (24 chars with
// padding).
func (id Id) Base64() string {
	return base64.StdEncoding.EncodeToString(id[:])
}

// Base64URL encodes the raw 16 bytes using the URL-safe, unpadded
// alphabet (22 chars).
func (id Id) Base64URL() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// Parse reads the canonical 8-4-4-4-12 hex string form. It fails if the
// length isn't 36, any character isn't hex, or a hyphen is
// mis-positioned.
func Parse(text string) (Id, error) {
	if len(text) != 36 {
		return Id{}, fmt.Errorf("id: parse %q: length %d, want 36", text, len(text))
	}
	for i, want := range "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx" {
		if want == '-' {
			if text[i] != '-' {
				return Id{}, fmt.Errorf("id: parse %q: expected hyphen at position %d", text, i)
			}
			continue
		}
		if !isHex(text[i]) {
			return Id{}, fmt.Errorf("id: parse %q: non-hex character at position %d", text, i)
		}
	}

	hexDigits := text[0:8] + text[9:13] + text[14:18] + text[19:23] + text[24:36]
	raw, err := hex.DecodeString(hexDigits)
	if err != nil {
		return Id{}, fmt.Errorf("id: parse %q: %w", text, err)
	}

	var parsed Id
	copy(parsed[:], raw)
	return parsed, nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
