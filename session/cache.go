package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"

	"github.com/astarte-platform/astarte-device-go/pairing"
)

// Cache persists the canonical introspection string (spec.md §6
// "Persisted state layout") and, optionally, the issued client
// certificate/key pair, so a restart against a session-resumed broker
// doesn't always force a fresh introspection publish or re-pairing.
// Grounded directly on directory.Cache's JSON-blob-under-a-directory
// idiom (LoadConsensus/SaveConsensus, LoadKeyCerts/SaveKeyCerts).
type Cache struct {
	Dir string

	// DeviceID derives the HKDF subkey that integrity-tags the cached
	// introspection blob (see integrityKey). An empty DeviceID still
	// tags and checks the blob, with a subkey derived from the empty
	// string.
	DeviceID string
}

// NewCache builds a Cache namespaced under baseDir by a non-reversible
// fold of deviceID (pairing.DeriveDeviceCacheKey), so multiple devices
// sharing one baseDir never collide on disk.
func NewCache(baseDir, deviceID string) (*Cache, error) {
	key, err := pairing.DeriveDeviceCacheKey(deviceID)
	if err != nil {
		return nil, fmt.Errorf("session: new cache: %w", err)
	}
	return &Cache{Dir: filepath.Join(baseDir, key), DeviceID: deviceID}, nil
}

type cachedState struct {
	Introspection string `json:"introspection"`
	Integrity     string `json:"integrity,omitempty"`
}

// integrityKey derives a per-device HKDF-SHA256 subkey used to tag the
// cached introspection blob, the same derive-first-then-trust pattern
// ntor.Handshake.Complete applies to its HKDF-expanded circuit keys
// before using them.
func (c *Cache) integrityKey() []byte {
	kdf := hkdf.New(sha256.New, []byte(c.DeviceID), nil, []byte("astarte-device-introspection-cache"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		panic("session: hkdf expand: " + err.Error())
	}
	return key
}

func (c *Cache) tag(s string) string {
	mac := hmac.New(sha256.New, c.integrityKey())
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}

// LoadIntrospection returns the last-persisted canonical introspection
// string, or false if none is cached or its integrity tag doesn't
// match (stale/corrupted cache, or a DeviceID change).
func (c *Cache) LoadIntrospection() (string, bool) {
	if c.Dir == "" {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(c.Dir, "introspection.json"))
	if err != nil {
		return "", false
	}
	var cs cachedState
	if err := json.Unmarshal(data, &cs); err != nil {
		return "", false
	}
	if cs.Integrity != "" && cs.Integrity != c.tag(cs.Introspection) {
		return "", false
	}
	return cs.Introspection, true
}

// SaveIntrospection persists the canonical introspection string along
// with its integrity tag.
func (c *Cache) SaveIntrospection(s string) error {
	if c.Dir == "" {
		return fmt.Errorf("session: cache directory not set")
	}
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return fmt.Errorf("session: create cache dir: %w", err)
	}
	data, err := json.Marshal(cachedState{Introspection: s, Integrity: c.tag(s)})
	if err != nil {
		return fmt.Errorf("session: marshal introspection cache: %w", err)
	}
	return os.WriteFile(filepath.Join(c.Dir, "introspection.json"), data, 0600)
}

type cachedCredentials struct {
	ClientCertPEM string `json:"client_cert_pem"`
	ClientKeyPEM  string `json:"client_key_pem"`
}

// LoadCredentials returns a previously cached client certificate/key
// pair, or false if no cache directory is set or nothing valid is
// cached.
func (c *Cache) LoadCredentials() (certPEM, keyPEM []byte, ok bool) {
	if c.Dir == "" {
		return nil, nil, false
	}
	data, err := os.ReadFile(filepath.Join(c.Dir, "credentials.json"))
	if err != nil {
		return nil, nil, false
	}
	var cc cachedCredentials
	if err := json.Unmarshal(data, &cc); err != nil {
		return nil, nil, false
	}
	if cc.ClientCertPEM == "" || cc.ClientKeyPEM == "" {
		return nil, nil, false
	}
	return []byte(cc.ClientCertPEM), []byte(cc.ClientKeyPEM), true
}

// SaveCredentials persists an issued client certificate/key pair.
func (c *Cache) SaveCredentials(certPEM, keyPEM []byte) error {
	if c.Dir == "" {
		return fmt.Errorf("session: cache directory not set")
	}
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return fmt.Errorf("session: create cache dir: %w", err)
	}
	data, err := json.Marshal(cachedCredentials{
		ClientCertPEM: string(certPEM),
		ClientKeyPEM:  string(keyPEM),
	})
	if err != nil {
		return fmt.Errorf("session: marshal credentials cache: %w", err)
	}
	return os.WriteFile(filepath.Join(c.Dir, "credentials.json"), data, 0600)
}
