// Package signing computes and checks the HMAC-SHA256 body signatures used on
// inbound submissions and outbound webhooks.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header carries the signature in both directions.
const Header = "X-Formrelay-Signature"

const prefix = "sha256="

// Sign returns "sha256=<hex hmac>" for body, or "" without a secret.
func Sign(secret, body []byte) string {
	if len(secret) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify compares in constant time. The "sha256=" prefix is optional on the
// provided value.
func Verify(secret, body []byte, provided string) bool {
	if len(secret) == 0 || provided == "" {
		return false
	}
	provided = strings.TrimSpace(provided)
	if !strings.HasPrefix(provided, prefix) {
		provided = prefix + provided
	}
	return hmac.Equal([]byte(provided), []byte(Sign(secret, body)))
}
