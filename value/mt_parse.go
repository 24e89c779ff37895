package value

import (
	"fmt"

	"github.com/astarte-platform/astarte-device-go/asterr"
)

// ParseMT maps an Astarte interface-file type name (as used in
// interface JSON documents) to its MT tag. It is the exact inverse of
// MT.String.
func ParseMT(name string) (MT, error) {
	for mt := Bool; mt <= BinaryArray; mt++ {
		if mt.String() == name {
			return mt, nil
		}
	}
	return 0, fmt.Errorf("value: unknown mapping type %q: %w", name, asterr.ErrInvalidParam)
}
