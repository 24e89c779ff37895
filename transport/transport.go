// Package transport declares the publish/subscribe capability this
// module consumes but does not implement (spec.md §1, §6): the
// underlying MQTT-shaped broker connection. No concrete broker client
// ships here — callers inject one, the same way the teacher's
// socks.Server takes a caller-supplied OnionHandler for .onion
// connections it does not implement itself.
package transport

// QoS mirrors MQTT quality-of-service levels 0, 1, 2.
type QoS int

const (
	QoS0 QoS = 0
	QoS1 QoS = 1
	QoS2 QoS = 2
)

// SubackResult is the per-topic outcome of one subscribe request.
type SubackResult int

const (
	SubackSuccess SubackResult = iota
	SubackFailure
)

// TLSConfig carries the client credentials a Conn should present to the
// broker: a SecurityTag naming a process-wide credential slot (spec.md
// §9 "Global TLS credential tags"), so multiple devices in one process
// don't collide, alongside the raw certificate and key PEM.
type TLSConfig struct {
	SecurityTag string
	CertPEM     []byte
	KeyPEM      []byte
	Insecure    bool
}

// Callbacks are invoked from whatever goroutine the Conn implementation
// chooses to run its event loop on; session.Machine treats them as
// arriving serially on the poll thread, matching spec.md §5's
// single-threaded state-mutation model.
type Callbacks struct {
	OnConnected    func(sessionPresent bool)
	OnDisconnected func()
	OnPublish      func(topic string, payload []byte, qos QoS, msgID uint16)
	OnSuback       func(subID uint32, result SubackResult)
	OnPuback       func(msgID uint16)
}

// Conn is the capability a broker client must offer. Connect is
// non-blocking: it only arms the underlying connection, progress is
// observed through Callbacks on subsequent Poll calls (spec.md §5).
type Conn interface {
	SetCallbacks(cb Callbacks)
	Connect(host string, port int, tls TLSConfig) error
	Disconnect() error
	Subscribe(topic string, qos QoS) (subID uint32, err error)
	Publish(topic string, qos QoS, retain bool, payload []byte) (pubID uint32, err error)
	Poll(timeoutMs int) error
}
