// Package config holds the static, build-time configuration for an
// Astarte device: realm, credentials, TLS trust, backoff bounds, and
// persistence. None of this is mutated once a device is constructed.
package config

import "time"

// Config is the static configuration consumed by session.Machine and
// device.Device. Fields are populated by functional Options.
type Config struct {
	Realm    string
	DeviceID string

	PairingURL   string
	CredentialSecret string

	// SecurityTag identifies the slot the transport capability should
	// install TLS credentials under (see design notes on global TLS
	// credential tags in spec.md §9). It is process-wide, not per-device.
	SecurityTag string

	// InsecureTLS disables TLS verification against the broker for
	// local/development setups. Never set in production configs.
	InsecureTLS bool

	PersistDir string

	HandshakeBackoffInitial time.Duration
	HandshakeBackoffMax     time.Duration
	TransportBackoffInitial time.Duration
	TransportBackoffMax     time.Duration

	MaxMessageSize int

	PollTimeout time.Duration
}

// Option mutates a Config during construction.
type Option func(*Config)

// Default returns a Config with the bounds spec.md §6/§9 call for as
// sane defaults; callers override with Options.
func Default(realm, deviceID, pairingURL string) *Config {
	return &Config{
		Realm:                   realm,
		DeviceID:                deviceID,
		PairingURL:              pairingURL,
		SecurityTag:             "astarte-device",
		HandshakeBackoffInitial: 1 * time.Second,
		HandshakeBackoffMax:     60 * time.Second,
		TransportBackoffInitial: 1 * time.Second,
		TransportBackoffMax:     60 * time.Second,
		MaxMessageSize:          131072,
		PollTimeout:             500 * time.Millisecond,
	}
}

// New applies opts over Default(realm, deviceID, pairingURL).
func New(realm, deviceID, pairingURL string, opts ...Option) *Config {
	c := Default(realm, deviceID, pairingURL)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithCredentialSecret(secret string) Option {
	return func(c *Config) { c.CredentialSecret = secret }
}

func WithSecurityTag(tag string) Option {
	return func(c *Config) { c.SecurityTag = tag }
}

// WithInsecureTLS disables TLS verification. Mirrors the teacher's
// documented self-signed-cert exception in link.Handshake — here it is
// an explicit opt-in for non-TLS development brokers rather than an
// always-on default.
func WithInsecureTLS() Option {
	return func(c *Config) { c.InsecureTLS = true }
}

func WithPersistDir(dir string) Option {
	return func(c *Config) { c.PersistDir = dir }
}

func WithHandshakeBackoff(initial, max time.Duration) Option {
	return func(c *Config) {
		c.HandshakeBackoffInitial = initial
		c.HandshakeBackoffMax = max
	}
}

func WithTransportBackoff(initial, max time.Duration) Option {
	return func(c *Config) {
		c.TransportBackoffInitial = initial
		c.TransportBackoffMax = max
	}
}

func WithMaxMessageSize(n int) Option {
	return func(c *Config) { c.MaxMessageSize = n }
}

func WithPollTimeout(d time.Duration) Option {
	return func(c *Config) { c.PollTimeout = d }
}

// BaseTopic is "<realm>/<device_id>", built from Realm and DeviceID.
func (c *Config) BaseTopic() string {
	return c.Realm + "/" + c.DeviceID
}
