// Package loopbackconn is a self-contained stand-in for a real MQTT
// broker connection, shared by this module's cmd entry points: no
// concrete transport.Conn ships with the library itself (see
// DESIGN.md), so anything that wants to run the SDK end to end needs
// something to drive against when no live Astarte instance is
// reachable.
package loopbackconn

import (
	"time"

	"github.com/astarte-platform/astarte-device-go/asterr"
	"github.com/astarte-platform/astarte-device-go/transport"
)

// Conn echoes every Publish back as an inbound delivery on the same
// topic, as if a broker immediately routed it back to the one
// subscriber that sent it. That is enough to exercise session/device/
// codec wiring end to end without a live broker, at the cost of not
// modeling real pub/sub fan-out or ownership.
//
// Every operation only enqueues an event; events are drained on the
// next Poll call, matching transport.Conn's documented "Connect is
// non-blocking, progress is observed through Callbacks on subsequent
// Poll calls" contract.
type Conn struct {
	cb         transport.Callbacks
	events     chan func()
	subCounter uint32
	pubCounter uint32
}

func New() *Conn {
	return &Conn{events: make(chan func(), 256)}
}

func (l *Conn) SetCallbacks(cb transport.Callbacks) { l.cb = cb }

func (l *Conn) Connect(host string, port int, tls transport.TLSConfig) error {
	l.events <- func() { l.cb.OnConnected(false) }
	return nil
}

func (l *Conn) Disconnect() error {
	l.events <- func() { l.cb.OnDisconnected() }
	return nil
}

func (l *Conn) Subscribe(topic string, qos transport.QoS) (uint32, error) {
	l.subCounter++
	id := l.subCounter
	l.events <- func() { l.cb.OnSuback(id, transport.SubackSuccess) }
	return id, nil
}

func (l *Conn) Publish(topic string, qos transport.QoS, retain bool, payload []byte) (uint32, error) {
	l.pubCounter++
	id := l.pubCounter
	msgID := uint16(id)
	cp := append([]byte(nil), payload...)
	l.events <- func() { l.cb.OnPublish(topic, cp, qos, msgID) }
	return id, nil
}

func (l *Conn) Poll(timeoutMs int) error {
	select {
	case ev := <-l.events:
		ev()
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return asterr.ErrTimeout
	}
	for {
		select {
		case ev := <-l.events:
			ev()
		default:
			return nil
		}
	}
}
