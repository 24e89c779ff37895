package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/astarte-platform/astarte-device-go/asterr"
	"github.com/astarte-platform/astarte-device-go/config"
	"github.com/astarte-platform/astarte-device-go/introspection"
	"github.com/astarte-platform/astarte-device-go/transport"
)

// fakeConn is a minimal transport.Conn double. Its behavior (whether
// Connect/Subscribe succeed, and how many subacks arrive) is driven by
// the test, which then calls the stored callbacks directly to simulate
// the broker's half of the handshake — the same way the real
// transport.Conn would invoke them from its own event loop.
type fakeConn struct {
	mu  sync.Mutex
	cb  transport.Callbacks
	connectErr   error
	subscribeErr error
	subCount     int
	subscribed   []string
	published    map[string]string
	disconnected bool
}

func (f *fakeConn) SetCallbacks(cb transport.Callbacks) { f.cb = cb }

func (f *fakeConn) Connect(host string, port int, tls transport.TLSConfig) error {
	return f.connectErr
}

func (f *fakeConn) Disconnect() error {
	f.disconnected = true
	return nil
}

func (f *fakeConn) Subscribe(topic string, qos transport.QoS) (uint32, error) {
	if f.subscribeErr != nil {
		return 0, f.subscribeErr
	}
	f.mu.Lock()
	f.subCount++
	id := uint32(f.subCount)
	f.subscribed = append(f.subscribed, topic)
	f.mu.Unlock()
	return id, nil
}

func (f *fakeConn) Publish(topic string, qos transport.QoS, retain bool, payload []byte) (uint32, error) {
	f.mu.Lock()
	if f.published == nil {
		f.published = make(map[string]string)
	}
	f.published[topic] = string(payload)
	f.mu.Unlock()
	return 1, nil
}

func (f *fakeConn) Poll(timeoutMs int) error { return nil }

type fakePairing struct {
	brokerURL   string
	registerErr error
	certErr     error
	verifyErr   error
}

func (f *fakePairing) GetBrokerURL(ctx context.Context, secret string) (string, error) {
	if f.brokerURL == "" {
		return "mqtts://broker.example.com:8883", nil
	}
	return f.brokerURL, nil
}

func (f *fakePairing) GetClientCertificate(ctx context.Context, secret string) ([]byte, []byte, error) {
	if f.certErr != nil {
		return nil, nil, f.certErr
	}
	return []byte("key"), []byte("cert"), nil
}

func (f *fakePairing) VerifyClientCertificate(ctx context.Context, secret string, certPEM []byte) error {
	return f.verifyErr
}

func (f *fakePairing) RegisterDevice(ctx context.Context) (string, error) {
	if f.registerErr != nil {
		return "", f.registerErr
	}
	return "secret-123", nil
}

func testConfig() *config.Config {
	c := config.Default("test-realm", "device-1", "https://pairing.example.com")
	c.CredentialSecret = "pre-existing-secret"
	c.HandshakeBackoffInitial = 1 * time.Millisecond
	c.HandshakeBackoffMax = 4 * time.Millisecond
	return c
}

// serverOwnedIntro builds an Introspection with one Server-owned
// datastream interface, so handshake tests can assert its subtree gets
// subscribed alongside the fixed control topic.
func serverOwnedIntro() *introspection.Introspection {
	intro := introspection.New()
	intro.Add(&introspection.Interface{
		Name:        "org.example.Commands",
		Major:       0,
		Minor:       1,
		Ownership:   introspection.Server,
		Aggregation: introspection.Individual,
		Type:        introspection.Datastream,
	})
	return intro
}

// TestSuccessfulHandshakeReachesConnected exercises spec.md §8 property
// 7: a device with no prior session reaches Connected only after
// introspection and the empty-cache sentinel are published and every
// control/Server-owned-subtree subscription has acknowledged.
func TestSuccessfulHandshakeReachesConnected(t *testing.T) {
	conn := &fakeConn{}
	intro := serverOwnedIntro()
	var connectedCalls []bool
	m := New(testConfig(), conn, &fakePairing{}, intro, nil, nil, func(sp bool) {
		connectedCalls = append(connectedCalls, sp)
	}, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != Connecting {
		t.Fatalf("expected Connecting, got %s", m.State())
	}

	conn.cb.OnConnected(false)
	if m.State() != EndHandshake {
		t.Fatalf("expected EndHandshake after 0 subacks pending check, got %s", m.State())
	}
	if conn.subCount != 2 {
		t.Fatalf("expected 2 subscriptions (control + 1 server-owned subtree), got %d", conn.subCount)
	}
	foundControl, foundSubtree := false, false
	for _, topic := range conn.subscribed {
		switch topic {
		case m.BaseTopic() + controlTopic:
			foundControl = true
		case m.BaseTopic() + "/org.example.Commands/#":
			foundSubtree = true
		}
	}
	if !foundControl || !foundSubtree {
		t.Fatalf("expected control and server-owned subtree subscriptions, got %v", conn.subscribed)
	}
	if payload, ok := conn.published[m.BaseTopic()+emptyCacheTopic]; !ok || payload != "1" {
		t.Fatalf("expected empty-cache sentinel \"1\" published, got %q (present=%v)", payload, ok)
	}

	conn.cb.OnSuback(1, transport.SubackSuccess)
	conn.cb.OnSuback(2, transport.SubackSuccess)

	if m.State() != Connected {
		t.Fatalf("expected Connected, got %s", m.State())
	}
	if len(connectedCalls) != 1 || connectedCalls[0] != false {
		t.Fatalf("expected one onConnect(false) call, got %v", connectedCalls)
	}
}

// TestSessionPresentWithMatchingCacheSkipsResubscribe covers spec.md
// §4.5's actual rule: a resumed broker session skips straight to
// Connected only when the cached introspection matches what the
// device declares now.
func TestSessionPresentWithMatchingCacheSkipsResubscribe(t *testing.T) {
	conn := &fakeConn{}
	intro := serverOwnedIntro()
	cache := &Cache{Dir: t.TempDir()}
	if err := cache.SaveIntrospection(intro.CanonicalString()); err != nil {
		t.Fatalf("SaveIntrospection: %v", err)
	}
	m := New(testConfig(), conn, &fakePairing{}, intro, cache, nil, nil, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.cb.OnConnected(true)

	if m.State() != Connected {
		t.Fatalf("expected Connected, got %s", m.State())
	}
	if conn.subCount != 0 {
		t.Fatalf("expected no subscriptions on session resume with matching cache, got %d", conn.subCount)
	}
	if len(conn.published) != 0 {
		t.Fatalf("expected no republish on session resume with matching cache, got %v", conn.published)
	}
}

// TestSessionPresentWithStaleCacheResubscribes covers spec.md §9's
// documented open question: a session-resumed reconnect whose cached
// introspection is stale (or absent) must still run the full
// handshake — republish introspection, publish empty-cache, and
// (re)subscribe every control/Server-owned topic — rather than
// skipping straight to Connected.
func TestSessionPresentWithStaleCacheResubscribes(t *testing.T) {
	conn := &fakeConn{}
	intro := serverOwnedIntro()
	cache := &Cache{Dir: t.TempDir()}
	if err := cache.SaveIntrospection("org.example.Stale:0:1;"); err != nil {
		t.Fatalf("SaveIntrospection: %v", err)
	}
	m := New(testConfig(), conn, &fakePairing{}, intro, cache, nil, nil, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.cb.OnConnected(true)

	if m.State() != EndHandshake {
		t.Fatalf("expected EndHandshake (full handshake re-run), got %s", m.State())
	}
	if conn.subCount != 2 {
		t.Fatalf("expected 2 subscriptions (control + 1 server-owned subtree) on stale cache, got %d", conn.subCount)
	}
	if _, ok := conn.published[m.BaseTopic()]; !ok {
		t.Fatal("expected introspection to be republished on stale cache")
	}
	if payload, ok := conn.published[m.BaseTopic()+emptyCacheTopic]; !ok || payload != "1" {
		t.Fatalf("expected empty-cache sentinel \"1\" published, got %q (present=%v)", payload, ok)
	}

	conn.cb.OnSuback(1, transport.SubackSuccess)
	conn.cb.OnSuback(2, transport.SubackSuccess)
	if m.State() != Connected {
		t.Fatalf("expected Connected after handshake completes, got %s", m.State())
	}
}

// TestSessionPresentWithNoCacheResubscribes covers the no-persistence
// case: with no Cache at all, a resumed session can never be verified
// unchanged, so it must always run the full handshake.
func TestSessionPresentWithNoCacheResubscribes(t *testing.T) {
	conn := &fakeConn{}
	m := New(testConfig(), conn, &fakePairing{}, introspection.New(), nil, nil, nil, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.cb.OnConnected(true)

	if conn.subCount != 1 {
		t.Fatalf("expected 1 subscription (control only, no server-owned interfaces), got %d", conn.subCount)
	}
}

// TestSubscriptionFailureEntersHandshakeError exercises spec.md §8
// property 8: any subscription failure during EndHandshake fails the
// whole handshake rather than leaving the device partially subscribed.
func TestSubscriptionFailureEntersHandshakeError(t *testing.T) {
	conn := &fakeConn{}
	m := New(testConfig(), conn, &fakePairing{}, introspection.New(), nil, nil, nil, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.cb.OnConnected(false)

	conn.cb.OnSuback(1, transport.SubackFailure)
	conn.cb.OnSuback(2, transport.SubackSuccess)

	if m.State() != HandshakeError {
		t.Fatalf("expected HandshakeError, got %s", m.State())
	}
	if m.LastError() == nil {
		t.Fatal("expected a recorded error")
	}
}

// TestHandshakeErrorBacksOffBeforeReconnect exercises spec.md §8
// property 9: a failed dial leaves the machine in HandshakeError, and
// Poll re-dials by itself once the backoff delay has elapsed.
func TestHandshakeErrorBacksOffBeforeReconnect(t *testing.T) {
	conn := &fakeConn{connectErr: errors.New("dial refused")}
	m := New(testConfig(), conn, &fakePairing{}, introspection.New(), nil, nil, nil, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != HandshakeError {
		t.Fatalf("expected HandshakeError after failed dial, got %s", m.State())
	}

	conn.connectErr = nil
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := m.Poll(0); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if m.State() != HandshakeError {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if m.State() == HandshakeError {
		t.Fatal("expected reconnect attempt after backoff elapsed")
	}
}

// TestConnectWhileConnectedRejected covers the guard on spec.md §4.6:
// Connect is a no-op error, not a silent reset, when already connected.
func TestConnectWhileConnectedRejected(t *testing.T) {
	conn := &fakeConn{}
	intro := introspection.New()
	cache := &Cache{Dir: t.TempDir()}
	if err := cache.SaveIntrospection(intro.CanonicalString()); err != nil {
		t.Fatalf("SaveIntrospection: %v", err)
	}
	m := New(testConfig(), conn, &fakePairing{}, intro, cache, nil, nil, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.cb.OnConnected(true)
	if m.State() != Connected {
		t.Fatalf("setup: expected Connected, got %s", m.State())
	}

	err := m.Connect(context.Background())
	if !errors.Is(err, asterr.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

// TestDisconnectWhileDisconnectedRejected checks the symmetric guard.
func TestDisconnectWhileDisconnectedRejected(t *testing.T) {
	conn := &fakeConn{}
	m := New(testConfig(), conn, &fakePairing{}, introspection.New(), nil, nil, nil, nil)
	err := m.Disconnect()
	if !errors.Is(err, asterr.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

// TestTransportDropSchedulesReconnect covers spec.md scenario S6: a
// connection drop while Connected re-arms the backoff and eventually
// reconnects without the caller calling Connect again.
func TestTransportDropSchedulesReconnect(t *testing.T) {
	conn := &fakeConn{}
	intro := introspection.New()
	cache := &Cache{Dir: t.TempDir()}
	if err := cache.SaveIntrospection(intro.CanonicalString()); err != nil {
		t.Fatalf("SaveIntrospection: %v", err)
	}
	var disconnectCalls int
	m := New(testConfig(), conn, &fakePairing{}, intro, cache, nil, nil, func(error) {
		disconnectCalls++
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.cb.OnConnected(true)
	if m.State() != Connected {
		t.Fatalf("setup: expected Connected, got %s", m.State())
	}

	conn.cb.OnDisconnected()
	if disconnectCalls != 1 {
		t.Fatalf("expected one onDisconnect call, got %d", disconnectCalls)
	}
	if m.State() != HandshakeError {
		t.Fatalf("expected HandshakeError after drop, got %s", m.State())
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && m.State() == HandshakeError {
		if err := m.Poll(0); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if m.State() == HandshakeError {
		t.Fatal("expected automatic reconnect after transport drop")
	}
}

// TestPairingFailurePropagatesAsHandshakeError ensures a registration
// failure (no cached credentials_secret) surfaces through the same
// HandshakeError/backoff path as a transport failure, not a direct
// error return from Connect.
func TestPairingFailurePropagatesAsHandshakeError(t *testing.T) {
	conn := &fakeConn{}
	cfg := testConfig()
	cfg.CredentialSecret = ""
	m := New(cfg, conn, &fakePairing{registerErr: fmt.Errorf("registration denied")}, introspection.New(), nil, nil, nil, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect should not itself error: %v", err)
	}
	if m.State() != HandshakeError {
		t.Fatalf("expected HandshakeError, got %s", m.State())
	}
	if !errors.Is(m.LastError(), asterr.ErrPairing) {
		t.Fatalf("expected wrapped ErrPairing, got %v", m.LastError())
	}
}

func TestSplitBrokerURL(t *testing.T) {
	host, port, scheme, err := splitBrokerURL("mqtts://broker.example.com:8883")
	if err != nil {
		t.Fatal(err)
	}
	if host != "broker.example.com" || port != 8883 || scheme != "mqtts" {
		t.Fatalf("got %q %d %q", host, port, scheme)
	}

	if _, _, _, err := splitBrokerURL("broker.example.com:8883"); err == nil {
		t.Fatal("expected error for missing scheme")
	}
	if _, _, _, err := splitBrokerURL("mqtts://broker.example.com"); err == nil {
		t.Fatal("expected error for missing port")
	}
}
