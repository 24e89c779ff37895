package introspection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/astarte-platform/astarte-device-go/asterr"
	"github.com/astarte-platform/astarte-device-go/value"
)

// jsonInterface mirrors Astarte's on-disk interface document shape
// (interface_name/version_major/version_minor/type/ownership/
// aggregation/mappings), the same field-by-field external format
// descriptor.ParseDescriptor parses for a relay's plain-text
// descriptor, applied here to JSON instead of the teacher's key:value
// text.
type jsonInterface struct {
	InterfaceName string          `json:"interface_name"`
	VersionMajor  int             `json:"version_major"`
	VersionMinor  int             `json:"version_minor"`
	Type          string          `json:"type"`
	Ownership     string          `json:"ownership"`
	Aggregation   string          `json:"aggregation"`
	Mappings      []jsonMapping   `json:"mappings"`
}

type jsonMapping struct {
	Endpoint          string `json:"endpoint"`
	Type              string `json:"type"`
	Reliability       string `json:"reliability"`
	Retention         string `json:"retention"`
	ExplicitTimestamp bool   `json:"explicit_timestamp"`
	QoS               int    `json:"qos"`
}

// LoadDir reads every "*.json" file in dir and registers it as an
// Interface on a new Introspection, in directory-listing order.
func LoadDir(dir string) (*Introspection, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("introspection: load dir %q: %w", dir, err)
	}

	in := New()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		iface, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("introspection: %s: %w", entry.Name(), err)
		}
		in.Add(iface)
	}
	return in, nil
}

func loadFile(path string) (*Interface, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ji jsonInterface
	if err := json.Unmarshal(data, &ji); err != nil {
		return nil, fmt.Errorf("parse json: %w: %w", asterr.ErrCodecMalformed, err)
	}
	if ji.InterfaceName == "" {
		return nil, fmt.Errorf("missing interface_name: %w", asterr.ErrInvalidParam)
	}

	ownership, err := parseOwnership(ji.Ownership)
	if err != nil {
		return nil, err
	}
	aggregation, err := parseAggregation(ji.Aggregation)
	if err != nil {
		return nil, err
	}
	ifaceType, err := parseIfaceType(ji.Type)
	if err != nil {
		return nil, err
	}

	mappings := make([]Mapping, 0, len(ji.Mappings))
	for _, jm := range ji.Mappings {
		mt, err := value.ParseMT(jm.Type)
		if err != nil {
			return nil, fmt.Errorf("mapping %s: %w", jm.Endpoint, err)
		}
		mappings = append(mappings, Mapping{
			PathPattern:       jm.Endpoint,
			MT:                mt,
			QoS:               jm.QoS,
			Reliability:       jm.Reliability,
			Retention:         jm.Retention,
			ExplicitTimestamp: jm.ExplicitTimestamp,
		})
	}

	return &Interface{
		Name:        ji.InterfaceName,
		Major:       ji.VersionMajor,
		Minor:       ji.VersionMinor,
		Ownership:   ownership,
		Aggregation: aggregation,
		Type:        ifaceType,
		Mappings:    mappings,
	}, nil
}

func parseOwnership(s string) (Ownership, error) {
	switch s {
	case "device":
		return Device, nil
	case "server":
		return Server, nil
	default:
		return 0, fmt.Errorf("unknown ownership %q: %w", s, asterr.ErrInvalidParam)
	}
}

func parseAggregation(s string) (Aggregation, error) {
	switch s {
	case "", "individual":
		return Individual, nil
	case "object":
		return Object, nil
	default:
		return 0, fmt.Errorf("unknown aggregation %q: %w", s, asterr.ErrInvalidParam)
	}
}

func parseIfaceType(s string) (IfaceType, error) {
	switch s {
	case "datastream":
		return Datastream, nil
	case "properties":
		return Property, nil
	default:
		return 0, fmt.Errorf("unknown interface type %q: %w", s, asterr.ErrInvalidParam)
	}
}
