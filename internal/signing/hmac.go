package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	Header = "X-Signature"
	prefix = "sha256="
)

// Sign returns the X-Signature value for payload: "sha256=" followed by
// the hex HMAC-SHA256 of the raw body keyed by secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign. The "sha256=" prefix is
// optional so bare hex digests are accepted too.
func Verify(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	if !strings.HasPrefix(signature, prefix) {
		signature = prefix + signature
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
