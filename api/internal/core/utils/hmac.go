package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

// SignPayload returns the HMAC-SHA256 of payload as "sha256=<hex>".
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the HMAC of the raw payload and compares it
// against a "sha256=<hex>" signature in constant time.
func VerifySignature(payload []byte, signature string, secret string) error {
	if signature == "" {
		return errors.New("missing signature")
	}

	parts := strings.SplitN(signature, "=", 2)
	if len(parts) != 2 || parts[0] != "sha256" {
		return errors.New("invalid signature format")
	}

	providedMAC, err := hex.DecodeString(parts[1])
	if err != nil {
		return errors.New("invalid signature encoding")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expectedMAC := mac.Sum(nil)

	// Secure by Design: Constant-time comparison defeats timing attacks
	if subtle.ConstantTimeCompare(expectedMAC, providedMAC) != 1 {
		return errors.New("signature mismatch")
	}

	return nil
}
