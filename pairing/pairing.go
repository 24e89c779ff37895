// Package pairing declares the HTTP pairing capability this module
// consumes (spec.md §1, §6): fetching the broker URL and a signed
// client certificate for a registered device. As with package
// transport, the interface is the contract; HTTPPairing (http.go) is a
// real but swappable implementation grounded on the teacher's
// directory.fetchConsensusFrom (timeout'd http.Client, capped body
// read, wrapped errors).
package pairing

import "context"

// Credentials is what a successful pairing exchange yields: the broker
// to connect to and the client certificate/key pair to present.
type Credentials struct {
	BrokerHost    string
	BrokerPort    int
	ClientCertPEM []byte
	ClientKeyPEM  []byte
}

// Pairing is the capability spec.md §6 names.
type Pairing interface {
	// GetBrokerURL returns "mqtts://host:port" or "mqtt://host:port".
	GetBrokerURL(ctx context.Context, credentialSecret string) (string, error)
	GetClientCertificate(ctx context.Context, credentialSecret string) (keyPEM, certPEM []byte, err error)
	VerifyClientCertificate(ctx context.Context, credentialSecret string, certPEM []byte) error
	RegisterDevice(ctx context.Context) (credentialSecret string, err error)
}
