package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the webhook HMAC, formatted "sha256:<hex>".
const SignatureHeader = "X-JobServ-Sig"

// ValidSignature verifies the webhook body against the project's shared
// secret using constant-time comparison.
func ValidSignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	digest, ok := strings.CutPrefix(header, "sha256:")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(digest)))
}

// Sign computes the signature header value for a body, used by tests and
// by operators replaying events.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256:" + hex.EncodeToString(mac.Sum(nil))
}
