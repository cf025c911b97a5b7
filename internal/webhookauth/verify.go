package webhookauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	// ErrMissingSignature means the signature header was absent or empty.
	ErrMissingSignature = errors.New("missing signature")
	// ErrInvalidSignature means the signature did not match the payload.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Verify checks an HMAC-SHA256 hex signature over the raw payload using a
// constant-time compare. Used for both provider-level inbound webhooks
// (shared secret) and tenant-level re-delivery callbacks (per-webhook secret).
func Verify(payload []byte, signature, secret string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	if !hmac.Equal(provided, expected) {
		return ErrInvalidSignature
	}
	return nil
}

// SignHex computes the hex HMAC-SHA256 signature for payload. The outbound
// dispatcher uses it to populate X-Webhook-Signature.
func SignHex(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
