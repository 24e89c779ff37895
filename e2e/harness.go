package e2e

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/astarte-platform/astarte-device-go/asterr"
	"github.com/astarte-platform/astarte-device-go/device"
	"github.com/astarte-platform/astarte-device-go/introspection"
	"github.com/astarte-platform/astarte-device-go/value"
)

// Kind distinguishes the four shapes an Expected entry can take.
type Kind int

const (
	KindIndividual Kind = iota
	KindObject
	KindPropertySet
	KindPropertyUnset
)

// Expected is one queued expectation, awaiting a matching inbound
// delivery from the device (spec.md §4.7).
type Expected struct {
	Kind    Kind
	Path    string
	Value   value.Value
	Entries []value.ObjectEntry
	Ts      *int64
}

// Sender is the subset of *device.Device the harness drives; declared
// as an interface so tests can substitute a fake.
type Sender interface {
	SendIndividual(ifaceName, path string, v value.Value, ts *int64) error
	SendObject(ifaceName, path string, entries []value.ObjectEntry, ts *int64) error
	SetProperty(ifaceName, path string, v value.Value) error
	UnsetProperty(ifaceName, path string) error
	Disconnect() error
}

var _ Sender = (*device.Device)(nil)

// Harness runs a scripted command stream against a device, verifying
// every inbound delivery (OnData/OnObject/OnUnset) matches the oldest
// outstanding expectation for its interface in FIFO order (spec.md §8
// property 9). One ExpectationQueue exists per declared interface, so
// no map is ever mutated once the harness starts running.
type Harness struct {
	intro  *introspection.Introspection
	dev    Sender
	logger *slog.Logger
	queues map[string]*ExpectationQueue

	mu        sync.Mutex
	mismatches []string
}

// New builds a Harness with one ExpectationQueue per interface intro
// declares.
func New(intro *introspection.Introspection, dev Sender, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Harness{
		intro:  intro,
		dev:    dev,
		logger: logger,
		queues: make(map[string]*ExpectationQueue),
	}
	for _, iface := range intro.Iter() {
		h.queues[iface.Name] = &ExpectationQueue{}
	}
	return h
}

// Failures returns every mismatch recorded so far. A non-empty result
// means the run should exit non-zero.
func (h *Harness) Failures() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.mismatches))
	copy(out, h.mismatches)
	return out
}

func (h *Harness) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	h.mu.Lock()
	h.mismatches = append(h.mismatches, msg)
	h.mu.Unlock()
	h.logger.Error("e2e: mismatch", slog.String("detail", msg))
}

// Execute parses and runs one command-stream line. expect_* commands
// push onto the matching interface's queue; send_* commands issue the
// corresponding device operation; disconnect closes the connection.
func (h *Harness) Execute(line string) error {
	cmd, err := ParseCommand(line)
	if err != nil {
		return err
	}

	switch cmd.Verb {
	case VerbDisconnect:
		return h.dev.Disconnect()

	case VerbExpectIndividual:
		v, ts, err := h.decodeIndividual(cmd)
		if err != nil {
			return err
		}
		return h.push(cmd.Iface, Expected{Kind: KindIndividual, Path: cmd.Path, Value: v, Ts: ts})

	case VerbExpectObject:
		entries, ts, err := h.decodeObject(cmd)
		if err != nil {
			return err
		}
		return h.push(cmd.Iface, Expected{Kind: KindObject, Path: cmd.Path, Entries: entries, Ts: ts})

	case VerbExpectPropertySet:
		v, _, err := h.decodeIndividual(cmd)
		if err != nil {
			return err
		}
		return h.push(cmd.Iface, Expected{Kind: KindPropertySet, Path: cmd.Path, Value: v})

	case VerbExpectPropertyUnset:
		return h.push(cmd.Iface, Expected{Kind: KindPropertyUnset, Path: cmd.Path})

	case VerbSendIndividual:
		v, ts, err := h.decodeIndividual(cmd)
		if err != nil {
			return err
		}
		return h.dev.SendIndividual(cmd.Iface, cmd.Path, v, ts)

	case VerbSendObject:
		entries, ts, err := h.decodeObject(cmd)
		if err != nil {
			return err
		}
		return h.dev.SendObject(cmd.Iface, cmd.Path, entries, ts)

	case VerbSendPropertySet:
		v, _, err := h.decodeIndividual(cmd)
		if err != nil {
			return err
		}
		return h.dev.SetProperty(cmd.Iface, cmd.Path, v)

	case VerbSendPropertyUnset:
		return h.dev.UnsetProperty(cmd.Iface, cmd.Path)

	default:
		return fmt.Errorf("e2e: unhandled verb %q: %w", cmd.Verb, asterr.ErrInternal)
	}
}

func (h *Harness) push(ifaceName string, e Expected) error {
	q, ok := h.queues[ifaceName]
	if !ok {
		return fmt.Errorf("e2e: unknown interface %q: %w", ifaceName, asterr.ErrInvalidParam)
	}
	if !q.Push(e) {
		return fmt.Errorf("e2e: expectation queue for %q is full (capacity %d): %w", ifaceName, queueCapacity, asterr.ErrInvalidParam)
	}
	return nil
}

func (h *Harness) mappingMT(ifaceName, path string) (value.MT, error) {
	m, ok := h.intro.GetMapping(ifaceName, path)
	if !ok {
		return 0, fmt.Errorf("e2e: no mapping for %s%s: %w", ifaceName, path, asterr.ErrInvalidParam)
	}
	return m.MT, nil
}

func (h *Harness) decodeIndividual(cmd Command) (value.Value, *int64, error) {
	mt, err := h.mappingMT(cmd.Iface, cmd.Path)
	if err != nil {
		return value.Value{}, nil, err
	}
	raw, err := decodeBase64(cmd.PayloadB64)
	if err != nil {
		return value.Value{}, nil, err
	}
	v, ts, err := value.Decode(raw, mt)
	if err != nil {
		return value.Value{}, nil, err
	}
	if cmd.TsMs != nil {
		ts = cmd.TsMs
	}
	return v, ts, nil
}

func (h *Harness) decodeObject(cmd Command) ([]value.ObjectEntry, *int64, error) {
	iface, ok := h.intro.GetByName(cmd.Iface)
	if !ok {
		return nil, nil, fmt.Errorf("e2e: unknown interface %q: %w", cmd.Iface, asterr.ErrInvalidParam)
	}
	schema := make(map[string]value.MT, len(iface.Mappings))
	for _, m := range iface.Mappings {
		schema[fieldName(m.PathPattern)] = m.MT
	}
	raw, err := decodeBase64(cmd.PayloadB64)
	if err != nil {
		return nil, nil, err
	}
	entries, ts, err := value.DecodeObject(raw, schema)
	if err != nil {
		return nil, nil, err
	}
	if cmd.TsMs != nil {
		ts = cmd.TsMs
	}
	return entries, ts, nil
}

func fieldName(pathPattern string) string {
	for i := len(pathPattern) - 1; i >= 0; i-- {
		if pathPattern[i] == '/' {
			return pathPattern[i+1:]
		}
	}
	return pathPattern
}

// OnData implements the device.Callbacks.OnData signature: it verifies
// an inbound individual datastream or property delivery against the
// oldest outstanding expectation for ifaceName.
func (h *Harness) OnData(ifaceName, path string, v value.Value, ts *int64) {
	exp, ok := h.pop(ifaceName)
	if !ok {
		h.fail("%s%s: unexpected delivery, no outstanding expectation", ifaceName, path)
		return
	}
	if exp.Kind != KindIndividual && exp.Kind != KindPropertySet {
		h.fail("%s%s: expected kind %v, got individual delivery", ifaceName, path, exp.Kind)
		return
	}
	if exp.Path != path {
		h.fail("%s: expected path %q, got %q", ifaceName, exp.Path, path)
		return
	}
	if !value.Equal(exp.Value, v) {
		h.fail("%s%s: value mismatch: expected %+v, got %+v", ifaceName, path, exp.Value, v)
		return
	}
	if exp.Ts != nil && (ts == nil || *exp.Ts != *ts) {
		h.fail("%s%s: timestamp mismatch: expected %v, got %v", ifaceName, path, exp.Ts, ts)
	}
}

// OnObject implements device.Callbacks.OnObject.
func (h *Harness) OnObject(ifaceName, path string, entries []value.ObjectEntry, ts *int64) {
	exp, ok := h.pop(ifaceName)
	if !ok {
		h.fail("%s%s: unexpected object delivery, no outstanding expectation", ifaceName, path)
		return
	}
	if exp.Kind != KindObject {
		h.fail("%s%s: expected kind %v, got object delivery", ifaceName, path, exp.Kind)
		return
	}
	if exp.Path != path {
		h.fail("%s: expected path %q, got %q", ifaceName, exp.Path, path)
		return
	}
	if !value.ObjectEqual(exp.Entries, entries) {
		h.fail("%s%s: object mismatch: expected %+v, got %+v", ifaceName, path, exp.Entries, entries)
		return
	}
	if exp.Ts != nil && (ts == nil || *exp.Ts != *ts) {
		h.fail("%s%s: timestamp mismatch: expected %v, got %v", ifaceName, path, exp.Ts, ts)
	}
}

// OnUnset implements device.Callbacks.OnUnset.
func (h *Harness) OnUnset(ifaceName, path string) {
	exp, ok := h.pop(ifaceName)
	if !ok {
		h.fail("%s%s: unexpected unset delivery, no outstanding expectation", ifaceName, path)
		return
	}
	if exp.Kind != KindPropertyUnset {
		h.fail("%s%s: expected kind %v, got unset delivery", ifaceName, path, exp.Kind)
		return
	}
	if exp.Path != path {
		h.fail("%s: expected path %q, got %q", ifaceName, exp.Path, path)
	}
}

func (h *Harness) pop(ifaceName string) (Expected, bool) {
	q, ok := h.queues[ifaceName]
	if !ok {
		return Expected{}, false
	}
	return q.Pop()
}

// Callbacks wires the harness into a device.Device's callback surface.
func (h *Harness) Callbacks(onConnect func(bool), onDisconnect func()) device.Callbacks {
	return device.Callbacks{
		OnConnect:    onConnect,
		OnDisconnect: onDisconnect,
		OnData:       h.OnData,
		OnObject:     h.OnObject,
		OnUnset:      h.OnUnset,
	}
}
