package proxyhub

import (
	"crypto/sha256"
	"crypto/subtle"
)

// ValidateToken checks a device's handshake token against the
// configured shared secret in constant time. The protocol's only
// credential is this single shared secret, checked once at handshake
// (no per-device HMAC window, no expiry).
func ValidateToken(sharedSecret, token string) bool {
	if len(token) == 0 || len(sharedSecret) == 0 {
		return false
	}
	// hash both sides to a fixed-size digest before comparing so the
	// comparison itself never branches on input length.
	want := sha256.Sum256([]byte(sharedSecret))
	got := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}
