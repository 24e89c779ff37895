package e2e

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/astarte-platform/astarte-device-go/asterr"
)

// Verb identifies one of the nine command-stream verbs spec.md §4.7
// defines for the e2e harness shell.
type Verb string

const (
	VerbExpectIndividual     Verb = "expect_individual"
	VerbExpectObject         Verb = "expect_object"
	VerbExpectPropertySet    Verb = "expect_property_set"
	VerbExpectPropertyUnset  Verb = "expect_property_unset"
	VerbSendIndividual       Verb = "send_individual"
	VerbSendObject           Verb = "send_object"
	VerbSendPropertySet      Verb = "send_property_set"
	VerbSendPropertyUnset    Verb = "send_property_unset"
	VerbDisconnect           Verb = "disconnect"
)

// Command is one parsed line of the command stream.
type Command struct {
	Verb      Verb
	Iface     string
	Path      string
	PayloadB64 string
	TsMs      *int64
}

// ParseCommand splits a whitespace-separated command line into a
// Command. Field count and presence vary by verb:
//
//	expect_individual/object/send_individual/object iface path payload [ts-ms]
//	expect/send_property_set                         iface path payload
//	expect/send_property_unset                       iface path
//	disconnect
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("e2e: empty command line: %w", asterr.ErrInvalidParam)
	}

	verb := Verb(fields[0])
	args := fields[1:]

	switch verb {
	case VerbDisconnect:
		if len(args) != 0 {
			return Command{}, fmt.Errorf("e2e: %s takes no arguments: %w", verb, asterr.ErrInvalidParam)
		}
		return Command{Verb: verb}, nil

	case VerbExpectPropertyUnset, VerbSendPropertyUnset:
		if len(args) != 2 {
			return Command{}, fmt.Errorf("e2e: %s wants iface path: %w", verb, asterr.ErrInvalidParam)
		}
		return Command{Verb: verb, Iface: args[0], Path: args[1]}, nil

	case VerbExpectPropertySet, VerbSendPropertySet:
		if len(args) != 3 {
			return Command{}, fmt.Errorf("e2e: %s wants iface path payload: %w", verb, asterr.ErrInvalidParam)
		}
		return Command{Verb: verb, Iface: args[0], Path: args[1], PayloadB64: args[2]}, nil

	case VerbExpectIndividual, VerbExpectObject, VerbSendIndividual, VerbSendObject:
		if len(args) != 3 && len(args) != 4 {
			return Command{}, fmt.Errorf("e2e: %s wants iface path payload [ts-ms]: %w", verb, asterr.ErrInvalidParam)
		}
		cmd := Command{Verb: verb, Iface: args[0], Path: args[1], PayloadB64: args[2]}
		if len(args) == 4 {
			ms, err := strconv.ParseInt(args[3], 10, 64)
			if err != nil {
				return Command{}, fmt.Errorf("e2e: %s bad timestamp %q: %w: %w", verb, args[3], asterr.ErrInvalidParam, err)
			}
			cmd.TsMs = &ms
		}
		return cmd, nil

	default:
		return Command{}, fmt.Errorf("e2e: unknown verb %q: %w", fields[0], asterr.ErrInvalidParam)
	}
}

func decodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("e2e: bad base64 payload: %w: %w", asterr.ErrInvalidParam, err)
	}
	return b, nil
}
