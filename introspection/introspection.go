// Package introspection holds a device's declared interface set: the
// Interfaces and Mappings that describe every path the device can
// publish or receive, plus the canonical "name:major:minor;..." string
// sent to the platform on connect (spec.md §3/§4.3).
//
// Grounded on the teacher's directory.Consensus/Relay shape (an ordered
// collection with lookup by key) and descriptor.ParseDescriptor's
// field-by-field canonical text handling.
package introspection

import (
	"fmt"
	"strings"

	"github.com/astarte-platform/astarte-device-go/value"
)

// Ownership identifies which side of the connection originates writes
// on an interface.
type Ownership int

const (
	Device Ownership = iota
	Server
)

// Aggregation identifies whether a publish carries one value or a
// structured record of sibling values.
type Aggregation int

const (
	Individual Aggregation = iota
	Object
)

// IfaceType distinguishes a continuous datastream from a retained
// property.
type IfaceType int

const (
	Datastream IfaceType = iota
	Property
)

// Mapping is one path (possibly parameterized with "%{name}" segments)
// within an Interface, with its typed value and delivery policy.
type Mapping struct {
	PathPattern       string
	MT                value.MT
	QoS               int
	Reliability       string
	Retention         string
	ExplicitTimestamp bool
}

func (m Mapping) segments() []string {
	return splitPath(m.PathPattern)
}

// Interface is an immutable descriptor: name, version, ownership,
// aggregation, type, and its ordered set of Mappings.
type Interface struct {
	Name        string
	Major       int
	Minor       int
	Ownership   Ownership
	Aggregation Aggregation
	Type        IfaceType
	Mappings    []Mapping
}

func splitPath(p string) []string {
	trimmed := strings.TrimPrefix(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// ValidateConcretePath enforces spec.md §3: the path must begin with
// "/", use "/" as separator, and contain no empty segments.
func ValidateConcretePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("introspection: path %q must begin with /", path)
	}
	for _, seg := range strings.Split(path, "/")[1:] {
		if seg == "" {
			return fmt.Errorf("introspection: path %q has an empty segment", path)
		}
	}
	return nil
}

// Introspection maps interface name to Interface and tracks insertion
// order for a stable canonical string.
type Introspection struct {
	order  []string
	byName map[string]*Interface
}

// New returns an empty Introspection.
func New() *Introspection {
	return &Introspection{byName: make(map[string]*Interface)}
}

// Add registers iface. Re-adding a name already present overwrites it
// in place without changing its position in the insertion order.
func (in *Introspection) Add(iface *Interface) {
	if _, exists := in.byName[iface.Name]; !exists {
		in.order = append(in.order, iface.Name)
	}
	in.byName[iface.Name] = iface
}

// GetByName looks up an interface by its declared name.
func (in *Introspection) GetByName(name string) (*Interface, bool) {
	iface, ok := in.byName[name]
	return iface, ok
}

// Iter returns the registered interfaces in insertion order.
func (in *Introspection) Iter() []*Interface {
	out := make([]*Interface, 0, len(in.order))
	for _, name := range in.order {
		out = append(out, in.byName[name])
	}
	return out
}

// GetMapping resolves concretePath against ifaceName's declared
// mappings. Matching is exact on segment count; a "%{param}" pattern
// segment matches any single non-empty, slash-free concrete segment.
// When more than one mapping matches (ambiguous due to wildcards), the
// one with the most literal (non-parameter) matching segments wins;
// ties go to the first-registered mapping (spec.md §4.3).
func (in *Introspection) GetMapping(ifaceName, concretePath string) (*Mapping, bool) {
	iface, ok := in.byName[ifaceName]
	if !ok {
		return nil, false
	}
	if err := ValidateConcretePath(concretePath); err != nil {
		return nil, false
	}
	concreteSegs := splitPath(concretePath)

	bestIdx := -1
	bestSpecificity := -1
	for i := range iface.Mappings {
		m := &iface.Mappings[i]
		patSegs := m.segments()
		if len(patSegs) != len(concreteSegs) {
			continue
		}
		specificity := 0
		matched := true
		for j, pseg := range patSegs {
			if isParamSegment(pseg) {
				continue
			}
			if pseg != concreteSegs[j] {
				matched = false
				break
			}
			specificity++
		}
		if !matched {
			continue
		}
		if specificity > bestSpecificity {
			bestSpecificity = specificity
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return nil, false
	}
	return &iface.Mappings[bestIdx], true
}

func isParamSegment(seg string) bool {
	return strings.HasPrefix(seg, "%{") && strings.HasSuffix(seg, "}")
}

// CanonicalString renders "name:major:minor;..." in insertion order,
// with an optional trailing ";" (spec.md §4.3 — this implementation
// omits it).
func (in *Introspection) CanonicalString() string {
	parts := make([]string, 0, len(in.order))
	for _, name := range in.order {
		iface := in.byName[name]
		parts = append(parts, fmt.Sprintf("%s:%d:%d", iface.Name, iface.Major, iface.Minor))
	}
	return strings.Join(parts, ";")
}
