// Package session drives the connection state machine described in
// spec.md §5: Disconnected → Connecting → StartHandshake → EndHandshake
// → Connected, with a HandshakeError state entered on any failure and
// left only after a jittered backoff delay elapses. All state mutation
// happens synchronously inside Connect/Disconnect/Poll and the Handle*
// callback methods device.Device wires to transport.Callbacks — there
// is no internal goroutine, matching the teacher's cooperative,
// caller-driven circuit/link Poll idiom rather than an event-loop
// goroutine of its own.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astarte-platform/astarte-device-go/asterr"
	"github.com/astarte-platform/astarte-device-go/config"
	"github.com/astarte-platform/astarte-device-go/introspection"
	"github.com/astarte-platform/astarte-device-go/pairing"
	"github.com/astarte-platform/astarte-device-go/transport"
)

// State enumerates the states spec.md §5 names.
type State int

const (
	Disconnected State = iota
	Connecting
	StartHandshake
	EndHandshake
	Connected
	HandshakeError
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case StartHandshake:
		return "start_handshake"
	case EndHandshake:
		return "end_handshake"
	case Connected:
		return "connected"
	case HandshakeError:
		return "handshake_error"
	default:
		return "unknown"
	}
}

// controlTopic is the one control subscription every device arms once
// paired: the platform's push channel for server-owned property writes
// (spec.md §5 "Control topics", §6 "Server consumer properties").
const controlTopic = "/control/consumer/properties"

// emptyCacheTopic is the device-to-platform sentinel publish a full
// (non-resumed) handshake issues so Astarte discards any properties it
// retained for this device from a previous session (spec.md §4.5,
// §6 "Control empty-cache").
const emptyCacheTopic = "/control/emptyCache"

// Machine is the connection state machine for one device. It is not
// safe for concurrent Poll/Connect/Disconnect calls from more than one
// goroutine at once — callers serialize through a single poll loop, the
// same single-threaded assumption the teacher's stream.Stream makes
// about its owning circuit.
type Machine struct {
	cfg           *config.Config
	conn          transport.Conn
	pairingClient pairing.Pairing
	introspection *introspection.Introspection
	cache         *Cache
	logger        *slog.Logger

	mu                   sync.Mutex
	state                State
	sessionPresent       bool
	subscriptionsPending int
	subscriptionFailure  bool
	baseTopic            string
	credentialSecret     string
	clientCertPEM        []byte
	clientKeyPEM         []byte

	backoff     *backoff
	reconnectAt time.Time
	lastErr     error

	onConnect    func(sessionPresent bool)
	onDisconnect func(err error)
}

// New constructs a Machine. onConnect/onDisconnect are invoked
// synchronously from Poll when the machine enters Connected or leaves
// it; either may be nil.
func New(cfg *config.Config, conn transport.Conn, pairingClient pairing.Pairing, intro *introspection.Introspection, cache *Cache, logger *slog.Logger, onConnect func(bool), onDisconnect func(error)) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		cfg:              cfg,
		conn:             conn,
		pairingClient:    pairingClient,
		introspection:    intro,
		cache:            cache,
		logger:           logger,
		state:            Disconnected,
		credentialSecret: cfg.CredentialSecret,
		backoff:          newBackoff(cfg.HandshakeBackoffInitial, cfg.HandshakeBackoffMax),
		onConnect:        onConnect,
		onDisconnect:     onDisconnect,
	}
	m.conn.SetCallbacks(transport.Callbacks{
		OnConnected:    m.HandleConnected,
		OnDisconnected: m.HandleDisconnected,
		OnSuback:       m.HandleSuback,
		OnPuback:       func(uint16) {},
		OnPublish:      func(string, []byte, transport.QoS, uint16) {},
	})
	return m
}

// State returns the current state under lock.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BaseTopic returns "<realm>/<device_id>" once credentials are in place.
// It is built from the configured realm and device ID
// (config.Config.BaseTopic); the issued client certificate's CN is not
// read.
func (m *Machine) BaseTopic() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseTopic
}

// Connect begins pairing (if needed) and arms the transport connection.
// It returns once the underlying Conn.Connect call has been issued;
// progress past that point is observed through Poll.
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Connected {
		m.mu.Unlock()
		return fmt.Errorf("session: connect: %w", asterr.ErrAlreadyConnected)
	}
	if m.state != Disconnected && m.state != HandshakeError {
		m.mu.Unlock()
		return fmt.Errorf("session: connect: %w", asterr.ErrAlreadyConnecting)
	}
	m.state = Connecting
	m.mu.Unlock()

	if err := m.ensureCredentials(ctx); err != nil {
		m.enterHandshakeError(fmt.Errorf("session: ensure credentials: %w", err))
		return nil
	}

	host, port, insecure, err := m.resolveBroker(ctx)
	if err != nil {
		m.enterHandshakeError(fmt.Errorf("session: resolve broker: %w", err))
		return nil
	}

	m.mu.Lock()
	tlsCfg := transport.TLSConfig{
		SecurityTag: m.cfg.SecurityTag,
		CertPEM:     m.clientCertPEM,
		KeyPEM:      m.clientKeyPEM,
		Insecure:    insecure,
	}
	m.mu.Unlock()

	m.logger.Info("session: connecting", "host", host, "port", port)
	if err := m.conn.Connect(host, port, tlsCfg); err != nil {
		m.enterHandshakeError(fmt.Errorf("session: %w: %w", asterr.ErrTransport, err))
		return nil
	}
	return nil
}

// Disconnect tears down an established or in-progress connection.
func (m *Machine) Disconnect() error {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return fmt.Errorf("session: disconnect: %w", asterr.ErrNotReady)
	}
	m.mu.Unlock()

	if err := m.conn.Disconnect(); err != nil {
		return fmt.Errorf("session: %w: %w", asterr.ErrTransport, err)
	}
	return nil
}

// Poll advances time-driven state: backoff expiry while in
// HandshakeError, then forwards to the transport's own Poll so queued
// callbacks fire. Callers loop on Poll; a returned asterr.ErrTimeout is
// informational, not a failure.
func (m *Machine) Poll(timeoutMs int) error {
	m.mu.Lock()
	state := m.state
	due := !m.reconnectAt.IsZero() && !time.Now().Before(m.reconnectAt)
	m.mu.Unlock()

	if state == HandshakeError && due {
		m.mu.Lock()
		m.reconnectAt = time.Time{}
		m.state = Disconnected
		m.mu.Unlock()
		return m.Connect(context.Background())
	}

	if err := m.conn.Poll(timeoutMs); err != nil {
		return fmt.Errorf("session: %w: %w", asterr.ErrTransport, err)
	}
	return nil
}

// ensureCredentials registers the device if no credentials_secret is
// known yet, and loads or fetches a client certificate.
func (m *Machine) ensureCredentials(ctx context.Context) error {
	m.mu.Lock()
	secret := m.credentialSecret
	m.mu.Unlock()

	if secret == "" {
		s, err := m.pairingClient.RegisterDevice(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", asterr.ErrPairing, err)
		}
		secret = s
		m.mu.Lock()
		m.credentialSecret = secret
		m.mu.Unlock()
	}

	if m.cache != nil {
		if certPEM, keyPEM, ok := m.cache.LoadCredentials(); ok {
			if verr := m.pairingClient.VerifyClientCertificate(ctx, secret, certPEM); verr == nil {
				m.mu.Lock()
				m.clientCertPEM = certPEM
				m.clientKeyPEM = keyPEM
				m.baseTopic = m.cfg.BaseTopic()
				m.mu.Unlock()
				return nil
			}
			m.logger.Debug("session: cached client certificate rejected, re-issuing")
		}
	}

	keyPEM, certPEM, err := m.pairingClient.GetClientCertificate(ctx, secret)
	if err != nil {
		return fmt.Errorf("%w: %w", asterr.ErrPairing, err)
	}
	m.mu.Lock()
	m.clientCertPEM = certPEM
	m.clientKeyPEM = keyPEM
	m.baseTopic = m.cfg.BaseTopic()
	m.mu.Unlock()

	if m.cache != nil {
		if serr := m.cache.SaveCredentials(certPEM, keyPEM); serr != nil {
			m.logger.Warn("session: failed to persist client certificate", "error", serr)
		}
	}
	return nil
}

// resolveBroker asks the pairing service for the broker URL and splits
// it into a host/port/insecure triple. A dev device may force insecure
// (non-TLS) per cfg.InsecureTLS regardless of the scheme reported.
func (m *Machine) resolveBroker(ctx context.Context) (host string, port int, insecure bool, err error) {
	m.mu.Lock()
	secret := m.credentialSecret
	m.mu.Unlock()

	brokerURL, err := m.pairingClient.GetBrokerURL(ctx, secret)
	if err != nil {
		return "", 0, false, fmt.Errorf("%w: %w", asterr.ErrPairing, err)
	}
	host, port, scheme, err := splitBrokerURL(brokerURL)
	if err != nil {
		return "", 0, false, err
	}
	insecure = m.cfg.InsecureTLS || scheme == "mqtt"
	return host, port, insecure, nil
}

// HandleConnected is invoked by the transport.Conn when the underlying
// connection (and, implicitly, its TLS handshake) succeeds. It drives
// StartHandshake: a resumed broker session only skips straight to
// EndHandshake with zero subscriptions pending when the introspection
// it cached last time still matches what this device declares now
// (spec.md §4.5: "session_present ∧ stored-introspection-matches-
// current → Connected"); otherwise — including a resumed session with
// a stale cache — it republishes introspection, publishes the
// empty-cache sentinel, and (re)subscribes every control and
// Server-owned topic.
func (m *Machine) HandleConnected(sessionPresent bool) {
	m.mu.Lock()
	m.state = StartHandshake
	m.sessionPresent = sessionPresent
	m.subscriptionFailure = false
	base := m.baseTopic
	m.mu.Unlock()

	m.logger.Info("session: transport connected", "session_present", sessionPresent)

	if sessionPresent && m.introspectionUnchanged() {
		m.mu.Lock()
		m.subscriptionsPending = 0
		m.state = EndHandshake
		m.mu.Unlock()
		m.tickEndHandshake()
		return
	}

	if m.introspection != nil {
		intro := m.introspection.CanonicalString()
		if _, err := m.conn.Publish(base, transport.QoS2, false, []byte(intro)); err != nil {
			m.enterHandshakeError(fmt.Errorf("session: publish introspection: %w: %w", asterr.ErrTransport, err))
			return
		}
	}

	if _, err := m.conn.Publish(base+emptyCacheTopic, transport.QoS2, false, []byte("1")); err != nil {
		m.enterHandshakeError(fmt.Errorf("session: publish empty cache: %w: %w", asterr.ErrTransport, err))
		return
	}

	subs := append([]string{controlTopic}, serverOwnedSubtrees(m.introspection)...)

	m.mu.Lock()
	m.subscriptionsPending = len(subs)
	m.state = EndHandshake
	m.mu.Unlock()

	for _, suffix := range subs {
		if _, err := m.conn.Subscribe(base+suffix, transport.QoS2); err != nil {
			m.enterHandshakeError(fmt.Errorf("session: subscribe %s: %w: %w", suffix, asterr.ErrTransport, err))
			return
		}
	}
}

// introspectionUnchanged reports whether the introspection this device
// persisted on its last successful handshake still matches what it
// declares now. A resumed broker session is only safe to treat as
// already-subscribed when this holds; a stale cache (or no cache at
// all) must still drive the full handshake below.
func (m *Machine) introspectionUnchanged() bool {
	if m.cache == nil || m.introspection == nil {
		return false
	}
	cached, ok := m.cache.LoadIntrospection()
	if !ok {
		return false
	}
	return cached == m.introspection.CanonicalString()
}

// serverOwnedSubtrees returns the "/<interface>/#" subscription for
// every Server-owned interface intro declares (spec.md §4.5: "subscribe
// every Server-owned interface's subtree") — the mechanism by which
// inbound Server-owned datastream/property messages are ever
// delivered.
func serverOwnedSubtrees(intro *introspection.Introspection) []string {
	if intro == nil {
		return nil
	}
	var out []string
	for _, iface := range intro.Iter() {
		if iface.Ownership == introspection.Server {
			out = append(out, "/"+iface.Name+"/#")
		}
	}
	return out
}

// HandleSuback is invoked once per SUBSCRIBE sent in HandleConnected.
// Once every pending subscription has acknowledged, the machine enters
// Connected; any single failure fails the whole handshake (spec.md §5
// treats a subscription failure as a handshake failure, not a partial
// success).
func (m *Machine) HandleSuback(subID uint32, result transport.SubackResult) {
	m.mu.Lock()
	if m.state != EndHandshake {
		m.mu.Unlock()
		return
	}
	if result == transport.SubackFailure {
		m.subscriptionFailure = true
	}
	m.subscriptionsPending--
	m.mu.Unlock()

	m.tickEndHandshake()
}

// tickEndHandshake checks whether every outstanding subscription has
// resolved and, if so, transitions out of EndHandshake.
func (m *Machine) tickEndHandshake() {
	m.mu.Lock()
	if m.state != EndHandshake || m.subscriptionsPending > 0 {
		m.mu.Unlock()
		return
	}
	failed := m.subscriptionFailure
	m.mu.Unlock()

	if failed {
		m.enterHandshakeError(fmt.Errorf("session: %w: subscription failure during handshake", asterr.ErrTransport))
		return
	}
	m.enterConnected()
}

func (m *Machine) enterConnected() {
	m.mu.Lock()
	m.state = Connected
	m.backoff.reset()
	sessionPresent := m.sessionPresent
	m.mu.Unlock()

	m.logger.Info("session: connected")
	if m.cache != nil && m.introspection != nil {
		if err := m.cache.SaveIntrospection(m.introspection.CanonicalString()); err != nil {
			m.logger.Warn("session: failed to persist introspection", "error", err)
		}
	}
	if m.onConnect != nil {
		m.onConnect(sessionPresent)
	}
}

// HandleDisconnected is invoked by the transport.Conn whenever the
// connection drops, whether from a clean Disconnect or a transport
// failure. A drop while Connected schedules a reconnect via backoff
// rather than requiring the caller to call Connect again, matching
// spec.md §5's expectation that reconnection is automatic.
func (m *Machine) HandleDisconnected() {
	m.mu.Lock()
	wasConnected := m.state == Connected
	m.mu.Unlock()

	m.logger.Info("session: transport disconnected", "was_connected", wasConnected)
	if wasConnected && m.onDisconnect != nil {
		m.onDisconnect(nil)
	}
	m.enterHandshakeError(fmt.Errorf("session: %w: connection lost", asterr.ErrTransport))
}

// enterHandshakeError records err, arms a jittered backoff, and moves
// the machine to HandshakeError with a retry pending. Poll re-dials
// once the delay elapses.
func (m *Machine) enterHandshakeError(err error) {
	delay, berr := m.backoff.next()
	if berr != nil {
		// crypto/rand failing is unrecoverable; fall back to the
		// current cap with no jitter rather than wedging forever.
		delay = m.backoff.cap
	}

	m.mu.Lock()
	m.state = HandshakeError
	m.lastErr = err
	m.reconnectAt = time.Now().Add(delay)
	m.mu.Unlock()

	m.logger.Warn("session: handshake error, backing off", "error", err, "delay", delay)
}

// LastError returns the error that most recently moved the machine into
// HandshakeError, or nil.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
