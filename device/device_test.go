package device

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/astarte-platform/astarte-device-go/asterr"
	"github.com/astarte-platform/astarte-device-go/config"
	"github.com/astarte-platform/astarte-device-go/introspection"
	"github.com/astarte-platform/astarte-device-go/transport"
	"github.com/astarte-platform/astarte-device-go/value"
)

type fakeConn struct {
	cb        transport.Callbacks
	published []publishedMsg
}

type publishedMsg struct {
	topic   string
	qos     transport.QoS
	retain  bool
	payload []byte
}

func (f *fakeConn) SetCallbacks(cb transport.Callbacks) { f.cb = cb }
func (f *fakeConn) Connect(host string, port int, tls transport.TLSConfig) error { return nil }
func (f *fakeConn) Disconnect() error                                           { return nil }
func (f *fakeConn) Subscribe(topic string, qos transport.QoS) (uint32, error)    { return 1, nil }
func (f *fakeConn) Publish(topic string, qos transport.QoS, retain bool, payload []byte) (uint32, error) {
	f.published = append(f.published, publishedMsg{topic, qos, retain, payload})
	return 1, nil
}
func (f *fakeConn) Poll(timeoutMs int) error { return nil }

type fakePairing struct{}

func (fakePairing) GetBrokerURL(ctx context.Context, secret string) (string, error) {
	return "mqtts://broker.example.com:8883", nil
}
func (fakePairing) GetClientCertificate(ctx context.Context, secret string) ([]byte, []byte, error) {
	return []byte("key"), []byte("cert"), nil
}
func (fakePairing) VerifyClientCertificate(ctx context.Context, secret string, certPEM []byte) error {
	return nil
}
func (fakePairing) RegisterDevice(ctx context.Context) (string, error) { return "secret", nil }

func testIntrospection() *introspection.Introspection {
	in := introspection.New()
	in.Add(&introspection.Interface{
		Name: "org.example.Sensors", Major: 1, Minor: 0,
		Ownership: introspection.Device, Aggregation: introspection.Individual, Type: introspection.Datastream,
		Mappings: []introspection.Mapping{
			{PathPattern: "/temperature", MT: value.Double, QoS: 1, ExplicitTimestamp: true},
		},
	})
	in.Add(&introspection.Interface{
		Name: "com.ex.Config", Major: 1, Minor: 0,
		Ownership: introspection.Device, Aggregation: introspection.Individual, Type: introspection.Property,
		Mappings: []introspection.Mapping{
			{PathPattern: "/alpha", MT: value.Int32, QoS: 2},
		},
	})
	in.Add(&introspection.Interface{
		Name: "org.ex.Cfg", Major: 1, Minor: 0,
		Ownership: introspection.Server, Aggregation: introspection.Individual, Type: introspection.Datastream,
		Mappings: []introspection.Mapping{
			{PathPattern: "/tags", MT: value.StringArray, QoS: 1},
			{PathPattern: "/count", MT: value.Int32, QoS: 1},
		},
	})
	in.Add(&introspection.Interface{
		Name: "org.example.Readings", Major: 1, Minor: 0,
		Ownership: introspection.Device, Aggregation: introspection.Object, Type: introspection.Datastream,
		Mappings: []introspection.Mapping{
			{PathPattern: "/value", MT: value.Double, QoS: 1},
			{PathPattern: "/unit", MT: value.String, QoS: 1},
		},
	})
	return in
}

func newConnectedDevice(t *testing.T) (*Device, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	cfg := config.Default("test-realm", "device-1", "https://pairing.example.com")
	cfg.CredentialSecret = "secret"
	d := New(cfg, conn, fakePairing{}, testIntrospection(), nil, nil, Callbacks{})
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.cb.OnConnected(true)
	// No cache is configured, so the full handshake runs: acknowledge the
	// control and org.ex.Cfg subscriptions, then drop the handshake's own
	// introspection and empty-cache publishes.
	conn.cb.OnSuback(1, transport.SubackSuccess)
	conn.cb.OnSuback(2, transport.SubackSuccess)
	conn.published = nil
	return d, conn
}

// TestSendIndividualWithTimestamp exercises spec.md scenario S1.
func TestSendIndividualWithTimestamp(t *testing.T) {
	d, conn := newConnectedDevice(t)
	ts := int64(1700000000000)

	if err := d.SendIndividual("org.example.Sensors", "/temperature", value.FromDouble(21.5), &ts); err != nil {
		t.Fatal(err)
	}
	if len(conn.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(conn.published))
	}
	msg := conn.published[0]
	if msg.topic != "test-realm/device-1/org.example.Sensors/temperature" {
		t.Fatalf("unexpected topic %q", msg.topic)
	}
	got, gotTS, err := value.Decode(msg.payload, value.Double)
	if err != nil {
		t.Fatal(err)
	}
	if d, _ := got.ToDouble(); d != 21.5 {
		t.Fatalf("got %v", d)
	}
	if gotTS == nil || *gotTS != ts {
		t.Fatalf("timestamp mismatch: %v", gotTS)
	}
}

// TestUnsetProperty exercises spec.md scenario S2.
func TestUnsetProperty(t *testing.T) {
	d, conn := newConnectedDevice(t)
	if err := d.UnsetProperty("com.ex.Config", "/alpha"); err != nil {
		t.Fatal(err)
	}
	if len(conn.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(conn.published))
	}
	msg := conn.published[0]
	if msg.topic != "test-realm/device-1/com.ex.Config/alpha" {
		t.Fatalf("unexpected topic %q", msg.topic)
	}
	if len(msg.payload) != 0 {
		t.Fatalf("expected zero-length payload, got %d bytes", len(msg.payload))
	}
	if !msg.retain {
		t.Fatal("expected retain=true")
	}
	if msg.qos != transport.QoS2 {
		t.Fatalf("expected QoS2, got %v", msg.qos)
	}
}

// TestInboundStringArray exercises spec.md scenario S3.
func TestInboundStringArray(t *testing.T) {
	d, conn := newConnectedDevice(t)
	var gotIface, gotPath string
	var gotVal value.Value
	d.cb.OnData = func(ifaceName, path string, v value.Value, ts *int64) {
		gotIface, gotPath, gotVal = ifaceName, path, v
	}

	payload, err := value.Encode(value.FromStringArray([]string{"a", "b", "c"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.cb.OnPublish("test-realm/device-1/org.ex.Cfg/tags", payload, transport.QoS1, 1)

	if gotIface != "org.ex.Cfg" || gotPath != "/tags" {
		t.Fatalf("got iface=%q path=%q", gotIface, gotPath)
	}
	arr, err := gotVal.ToStringArray()
	if err != nil || len(arr) != 3 || arr[0] != "a" || arr[2] != "c" {
		t.Fatalf("got %v, err %v", arr, err)
	}
}

// TestInboundTypeMismatchRejected exercises spec.md scenario S4.
func TestInboundTypeMismatchRejected(t *testing.T) {
	d, conn := newConnectedDevice(t)
	called := false
	d.cb.OnData = func(string, string, value.Value, *int64) { called = true }

	payload, err := value.Encode(value.FromString("not-a-number"), nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.cb.OnPublish("test-realm/device-1/org.ex.Cfg/count", payload, transport.QoS1, 1)

	if called {
		t.Fatal("expected no callback on type mismatch")
	}
}

func TestInboundPropertyUnset(t *testing.T) {
	d, conn := newConnectedDevice(t)
	var gotIface, gotPath string
	d.cb.OnUnset = func(ifaceName, path string) { gotIface, gotPath = ifaceName, path }

	conn.cb.OnPublish("test-realm/device-1/com.ex.Config/alpha", nil, transport.QoS2, 1)

	if gotIface != "com.ex.Config" || gotPath != "/alpha" {
		t.Fatalf("got iface=%q path=%q", gotIface, gotPath)
	}
}

func TestSendObjectRoundTrip(t *testing.T) {
	d, conn := newConnectedDevice(t)
	entries := []value.ObjectEntry{
		{Path: "value", Value: value.FromDouble(3.5)},
		{Path: "unit", Value: value.FromString("C")},
	}
	if err := d.SendObject("org.example.Readings", "/sensor1", entries, nil); err != nil {
		t.Fatal(err)
	}
	if len(conn.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(conn.published))
	}

	var gotIface, gotPath string
	var gotEntries []value.ObjectEntry
	d.cb.OnObject = func(ifaceName, path string, e []value.ObjectEntry, ts *int64) {
		gotIface, gotPath, gotEntries = ifaceName, path, e
	}
	conn.cb.OnPublish(conn.published[0].topic, conn.published[0].payload, transport.QoS1, 2)

	if gotIface != "org.example.Readings" || gotPath != "/sensor1" {
		t.Fatalf("got iface=%q path=%q", gotIface, gotPath)
	}
	if !value.ObjectEqual(entries, gotEntries) {
		t.Fatalf("object mismatch: %+v", gotEntries)
	}
}

func TestSendIndividualRejectsWrongAggregation(t *testing.T) {
	d, _ := newConnectedDevice(t)
	err := d.SendIndividual("org.example.Readings", "/value", value.FromDouble(1), nil)
	if !errors.Is(err, asterr.ErrInvalidParam) {
		t.Fatalf("expected ErrInvalidParam, got %v", err)
	}
}

func TestSendIndividualRejectsNotConnected(t *testing.T) {
	conn := &fakeConn{}
	cfg := config.Default("test-realm", "device-1", "https://pairing.example.com")
	cfg.CredentialSecret = "secret"
	d := New(cfg, conn, fakePairing{}, testIntrospection(), nil, nil, Callbacks{})
	err := d.SendIndividual("org.example.Sensors", "/temperature", value.FromDouble(1), nil)
	if !errors.Is(err, asterr.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestSendIndividualRejectsTypeMismatch(t *testing.T) {
	d, _ := newConnectedDevice(t)
	err := d.SendIndividual("org.example.Sensors", "/temperature", value.FromInt32(1), nil)
	if !errors.Is(err, asterr.ErrInvalidParam) {
		t.Fatalf("expected ErrInvalidParam, got %v", err)
	}
}

func TestUnknownInterfaceRejected(t *testing.T) {
	d, _ := newConnectedDevice(t)
	err := d.SendIndividual("does.not.Exist", "/x", value.FromBool(true), nil)
	if !errors.Is(err, asterr.ErrInvalidParam) {
		t.Fatalf("expected ErrInvalidParam, got %v", err)
	}
}

func TestBase64PayloadHelperRoundTrips(t *testing.T) {
	payload, err := value.Encode(value.FromInt32(42), nil)
	if err != nil {
		t.Fatal(err)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatal(err)
	}
	v, _, err := value.Decode(decoded, value.Int32)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := v.ToInt32(); n != 42 {
		t.Fatalf("got %d", n)
	}
}
