package reconciler

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// verifySignature recomputes the HMAC-SHA-512 of the exact raw payload and
// compares it to the header-carried signature in constant time. It must run
// on the untouched bytes: re-serializing the JSON can change byte layout and
// invalidate the signature.
func verifySignature(secret, raw []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// SignPayload computes the signature the processor would attach; used by
// tests and the fake processor.
func SignPayload(secret, raw []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
