// Package device implements the public device facade (spec.md §4.6,
// C6): New/Connect/Disconnect/Poll/SendIndividual/SendObject/
// SetProperty/UnsetProperty, plus inbound-publish dispatch to user
// callbacks. Grounded on the teacher's socks.Server (a field-based
// public facade type holding an injected handler) and stream.Stream
// (validate-then-send request/response operations); the container-of
// idiom spec.md §9 describes for recovering the owning device pointer
// from a transport callback is realized here simply by Device owning
// both the transport.Conn and the session.Machine and composing the
// wire-level transport.Callbacks itself in New.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/astarte-platform/astarte-device-go/asterr"
	"github.com/astarte-platform/astarte-device-go/config"
	"github.com/astarte-platform/astarte-device-go/introspection"
	"github.com/astarte-platform/astarte-device-go/pairing"
	"github.com/astarte-platform/astarte-device-go/session"
	"github.com/astarte-platform/astarte-device-go/transport"
	"github.com/astarte-platform/astarte-device-go/value"
)

// Callbacks are the user-facing hooks dispatch delivers to, invoked
// synchronously from the poll thread (spec.md §5 "Reentrancy": these
// may call send_* but must not call back into Poll).
type Callbacks struct {
	OnConnect    func(sessionPresent bool)
	OnDisconnect func()
	OnData       func(ifaceName, path string, v value.Value, ts *int64)
	OnObject     func(ifaceName, path string, entries []value.ObjectEntry, ts *int64)
	OnUnset      func(ifaceName, path string)
}

// Device is the public facade a caller constructs and drives.
type Device struct {
	cfg   *config.Config
	conn  transport.Conn
	sess  *session.Machine
	intro *introspection.Introspection
	logger *slog.Logger
	cb    Callbacks
}

// New wires a session.Machine to conn and composes the final
// transport.Callbacks: connection-lifecycle events go to the Machine's
// Handle* methods, data publishes are dispatched here.
func New(cfg *config.Config, conn transport.Conn, pairingClient pairing.Pairing, intro *introspection.Introspection, cache *session.Cache, logger *slog.Logger, cb Callbacks) *Device {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Device{cfg: cfg, conn: conn, intro: intro, logger: logger, cb: cb}

	d.sess = session.New(cfg, conn, pairingClient, intro, cache, logger,
		func(sessionPresent bool) {
			if d.cb.OnConnect != nil {
				d.cb.OnConnect(sessionPresent)
			}
		},
		func(error) {
			if d.cb.OnDisconnect != nil {
				d.cb.OnDisconnect()
			}
		},
	)

	conn.SetCallbacks(transport.Callbacks{
		OnConnected:    d.sess.HandleConnected,
		OnDisconnected: func() { d.sess.HandleDisconnected() },
		OnSuback:       d.sess.HandleSuback,
		OnPuback:       func(uint16) {},
		OnPublish:      d.handlePublish,
	})

	return d
}

// Connect begins pairing and arms the transport (spec.md §5: non-
// blocking, progress observed through Poll).
func (d *Device) Connect(ctx context.Context) error {
	return d.sess.Connect(ctx)
}

// Disconnect requests a graceful transport disconnect.
func (d *Device) Disconnect() error {
	return d.sess.Disconnect()
}

// Poll drives the connection state machine and transport reception.
func (d *Device) Poll(timeoutMs int) error {
	return d.sess.Poll(timeoutMs)
}

// State exposes the underlying connection state for callers that need
// to gate on Connected (e.g. the E2E harness's startup halt callback).
func (d *Device) State() session.State {
	return d.sess.State()
}

func (d *Device) resolveMapping(ifaceName, path string, wantAggregation introspection.Aggregation, wantType introspection.IfaceType) (*introspection.Interface, *introspection.Mapping, error) {
	iface, ok := d.intro.GetByName(ifaceName)
	if !ok {
		return nil, nil, fmt.Errorf("device: unknown interface %q: %w", ifaceName, asterr.ErrInvalidParam)
	}
	if iface.Aggregation != wantAggregation || iface.Type != wantType {
		return nil, nil, fmt.Errorf("device: interface %q does not support this operation: %w", ifaceName, asterr.ErrInvalidParam)
	}
	m, ok := d.intro.GetMapping(ifaceName, path)
	if !ok {
		return nil, nil, fmt.Errorf("device: no mapping for %q at %q: %w", ifaceName, path, asterr.ErrInvalidParam)
	}
	return iface, m, nil
}

func (d *Device) requireConnected() error {
	if d.sess.State() != session.Connected {
		return fmt.Errorf("device: %w", asterr.ErrNotReady)
	}
	return nil
}

// SendIndividual publishes a single value on a device-owned datastream
// interface (spec.md §4.6).
func (d *Device) SendIndividual(ifaceName, path string, v value.Value, ts *int64) error {
	iface, m, err := d.resolveMapping(ifaceName, path, introspection.Individual, introspection.Datastream)
	if err != nil {
		return err
	}
	if v.MT() != m.MT {
		return fmt.Errorf("device: value is %s, mapping %q expects %s: %w", v.MT(), path, m.MT, asterr.ErrInvalidParam)
	}
	if err := d.requireConnected(); err != nil {
		return err
	}

	effectiveTS := ts
	if !m.ExplicitTimestamp {
		effectiveTS = nil
	}
	payload, err := value.Encode(v, effectiveTS)
	if err != nil {
		return fmt.Errorf("device: encode: %w", err)
	}
	return d.publish(ifaceName, path, iface.Type, m, payload)
}

// SendObject publishes a structured record of sibling values on a
// device-owned datastream interface (spec.md §4.6).
func (d *Device) SendObject(ifaceName, path string, entries []value.ObjectEntry, ts *int64) error {
	iface, ok := d.intro.GetByName(ifaceName)
	if !ok {
		return fmt.Errorf("device: unknown interface %q: %w", ifaceName, asterr.ErrInvalidParam)
	}
	if iface.Aggregation != introspection.Object || iface.Type != introspection.Datastream {
		return fmt.Errorf("device: interface %q does not support send_object: %w", ifaceName, asterr.ErrInvalidParam)
	}
	for _, e := range entries {
		mt, ok := fieldMT(iface, e.Path)
		if !ok {
			return fmt.Errorf("device: no field %q on interface %q: %w", e.Path, ifaceName, asterr.ErrInvalidParam)
		}
		if mt != e.Value.MT() {
			return fmt.Errorf("device: field %q is %s, expected %s: %w", e.Path, e.Value.MT(), mt, asterr.ErrInvalidParam)
		}
	}
	if len(iface.Mappings) == 0 {
		return fmt.Errorf("device: interface %q declares no mappings: %w", ifaceName, asterr.ErrInvalidParam)
	}
	if err := introspection.ValidateConcretePath(path); err != nil {
		return fmt.Errorf("device: %w: %w", asterr.ErrInvalidParam, err)
	}
	if err := d.requireConnected(); err != nil {
		return err
	}

	payload, err := value.EncodeObject(entries, ts)
	if err != nil {
		return fmt.Errorf("device: encode object: %w", err)
	}
	// Every field of an object-aggregation interface shares one QoS and
	// retention policy, so any one mapping carries the publish policy
	// for the whole object (spec.md §4.6: "QoS, retain, reliability
	// come from the mapping").
	return d.publish(ifaceName, path, iface.Type, &iface.Mappings[0], payload)
}

// SetProperty publishes a retained value on a device-owned property
// interface.
func (d *Device) SetProperty(ifaceName, path string, v value.Value) error {
	iface, m, err := d.resolveMapping(ifaceName, path, introspection.Individual, introspection.Property)
	if err != nil {
		return err
	}
	if v.MT() != m.MT {
		return fmt.Errorf("device: value is %s, mapping %q expects %s: %w", v.MT(), path, m.MT, asterr.ErrInvalidParam)
	}
	if err := d.requireConnected(); err != nil {
		return err
	}

	payload, err := value.Encode(v, nil)
	if err != nil {
		return fmt.Errorf("device: encode: %w", err)
	}
	return d.publish(ifaceName, path, iface.Type, m, payload)
}

// UnsetProperty publishes a zero-length payload to clear a previously
// set property (spec.md §4.6, §6).
func (d *Device) UnsetProperty(ifaceName, path string) error {
	iface, m, err := d.resolveMapping(ifaceName, path, introspection.Individual, introspection.Property)
	if err != nil {
		return err
	}
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.publish(ifaceName, path, iface.Type, m, nil)
}

// publish issues the transport publish for one mapping. Properties are
// always retained (spec.md S2: unset_property publishes with
// retain=true); datastreams retain only when the mapping explicitly
// asks for stored retention.
func (d *Device) publish(ifaceName, path string, ifaceType introspection.IfaceType, m *introspection.Mapping, payload []byte) error {
	topic := d.sess.BaseTopic() + "/" + ifaceName + path
	retain := ifaceType == introspection.Property || m.Retention == "stored"
	if _, err := d.conn.Publish(topic, transport.QoS(m.QoS), retain, payload); err != nil {
		return fmt.Errorf("device: publish: %w: %w", asterr.ErrTransport, err)
	}
	return nil
}

// handlePublish implements spec.md §4.6 inbound dispatch. Any error is
// logged, not returned, since the transport callback signature has no
// error return — a malformed inbound publish must not crash the poll
// loop.
func (d *Device) handlePublish(topic string, payload []byte, qos transport.QoS, msgID uint16) {
	base := d.sess.BaseTopic()
	suffix := strings.TrimPrefix(topic, base+"/")
	if suffix == topic {
		d.logger.Warn("device: inbound publish on unexpected topic", "topic", topic)
		return
	}
	if strings.HasPrefix(suffix, "control/") {
		d.logger.Debug("device: control message received", "topic", topic)
		return
	}

	ifaceName, path, ok := splitIfaceAndPath(suffix)
	if !ok {
		d.logger.Warn("device: malformed inbound topic", "topic", topic)
		return
	}

	iface, ok := d.intro.GetByName(ifaceName)
	if !ok {
		d.logger.Warn("device: inbound publish for unknown interface", "interface", ifaceName)
		return
	}

	if iface.Type == introspection.Property && len(payload) == 0 {
		if d.cb.OnUnset != nil {
			d.cb.OnUnset(ifaceName, path)
		}
		return
	}

	if iface.Aggregation == introspection.Object {
		if err := introspection.ValidateConcretePath(path); err != nil {
			d.logger.Warn("device: malformed inbound object path", "interface", ifaceName, "path", path)
			return
		}
		entries, ts, err := value.DecodeObject(payload, fieldSchema(iface))
		if err != nil {
			d.logger.Warn("device: inbound object decode failed", "interface", ifaceName, "path", path, "error", err)
			return
		}
		if d.cb.OnObject != nil {
			d.cb.OnObject(ifaceName, path, entries, ts)
		}
		return
	}

	m, ok := d.intro.GetMapping(ifaceName, path)
	if !ok {
		d.logger.Warn("device: no mapping for inbound publish", "interface", ifaceName, "path", path)
		return
	}

	v, ts, err := value.Decode(payload, m.MT)
	if err != nil {
		d.logger.Warn("device: inbound decode failed", "interface", ifaceName, "path", path, "error", err)
		return
	}
	if d.cb.OnData != nil {
		d.cb.OnData(ifaceName, path, v, ts)
	}
}

// splitIfaceAndPath splits "iface.name/seg/seg" into ("iface.name",
// "/seg/seg"). The interface name is always the first path segment;
// everything after it is the mapping path, re-prefixed with "/".
func splitIfaceAndPath(suffix string) (ifaceName, path string, ok bool) {
	idx := strings.IndexByte(suffix, '/')
	if idx < 0 {
		return "", "", false
	}
	return suffix[:idx], suffix[idx:], true
}

// fieldMT looks up the MT declared for field name (the final path
// segment of one of iface's mappings) on an Object-aggregation
// interface.
func fieldMT(iface *introspection.Interface, field string) (value.MT, bool) {
	for _, m := range iface.Mappings {
		if basename(m.PathPattern) == field {
			return m.MT, true
		}
	}
	return 0, false
}

// fieldSchema builds the path→MT map DecodeObject needs from an
// Object-aggregation interface's declared mappings.
func fieldSchema(iface *introspection.Interface) map[string]value.MT {
	schema := make(map[string]value.MT, len(iface.Mappings))
	for _, m := range iface.Mappings {
		schema[basename(m.PathPattern)] = m.MT
	}
	return schema
}

func basename(pathPattern string) string {
	trimmed := strings.TrimPrefix(pathPattern, "/")
	if idx := strings.LastIndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}
