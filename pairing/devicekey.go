package pairing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"filippo.io/edwards25519"
)

var deviceCacheKeyDomain = []byte("astarte-device-cache-key\x00")

// DeriveDeviceCacheKey folds a device ID into a stable, non-reversible
// hex identifier used to namespace on-disk cache state under a shared
// base directory, so more than one device's persisted state never
// collides on disk. It is the same scalar-times-basepoint fold
// onion.BlindPublicKey uses to derive a blinded key from a base
// identity key and a nonce — here the "identity" being folded is the
// device ID rather than a relay's signing key.
func DeriveDeviceCacheKey(deviceID string) (string, error) {
	h := sha256.Sum256(append(append([]byte{}, deviceCacheKeyDomain...), deviceID...))
	scalar, err := new(edwards25519.Scalar).SetBytesWithClamping(h[:])
	if err != nil {
		return "", fmt.Errorf("pairing: derive device cache key: %w", err)
	}
	point := new(edwards25519.Point).ScalarBaseMult(scalar)
	return hex.EncodeToString(point.Bytes()), nil
}
