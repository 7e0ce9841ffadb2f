// Package auth implements the request authentication primitives for the
// gateway: HMAC-SHA256 header-signature verification for tenant-scoped
// APIs, credential generation for tenant registration, and the bcrypt
// admin-key check used by the admin surface.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"numota/internal/types"
)

// DefaultTimestampWindow is the maximum allowed skew between the request
// timestamp header and server time.
const DefaultTimestampWindow = 300 * time.Second

// ComputeSignature returns the hex-encoded HMAC-SHA256 of the signed
// content "{timestamp}.{body}" under the given secret. This is the exact
// signature clients must present in the X-Signature header.
func ComputeSignature(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier validates the three-header authentication contract:
// X-Client-ID (resolved to a tenant by the caller), X-Timestamp, and
// X-Signature = hex(HMAC-SHA256(secret, "timestamp.body")).
type Verifier struct {
	window time.Duration
	nowFn  func() time.Time // injectable for tests
}

// NewVerifier creates a Verifier with the given timestamp window. A
// non-positive window falls back to DefaultTimestampWindow.
func NewVerifier(window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultTimestampWindow
	}
	return &Verifier{window: window, nowFn: time.Now}
}

// WithNow overrides the clock used for skew checks. Intended for tests.
func (v *Verifier) WithNow(now func() time.Time) *Verifier {
	v.nowFn = now
	return v
}

// Verify checks the timestamp window and the signature for a request body.
// It returns a *types.AppError describing the first failed check:
//
//   - auth_timestamp_out_of_window: timestamp unparsable or outside the window.
//   - auth_signature_invalid: signature mismatch (constant-time comparison).
func (v *Verifier) Verify(secret types.SecretString, timestamp string, body []byte, signature string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return types.NewAppError(types.ErrCodeAuthTimestampSkew,
			"timestamp header must be a unix epoch integer", err)
	}

	skew := v.nowFn().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > v.window {
		return types.NewAppError(types.ErrCodeAuthTimestampSkew,
			fmt.Sprintf("timestamp outside the allowed %s window", v.window), nil)
	}

	expected := ComputeSignature(secret.Unmask(), timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"request signature does not match", nil)
	}

	return nil
}

// GenerateAPIKey returns a new tenant client identifier: "nm_" followed by
// 48 hex characters of cryptographically secure randomness.
func GenerateAPIKey() (string, error) {
	raw, err := randomHex(24)
	if err != nil {
		return "", err
	}
	return "nm_" + raw, nil
}

// GenerateHMACSecret returns a new 128-hex-character shared secret.
func GenerateHMACSecret() (types.SecretString, error) {
	raw, err := randomHex(64)
	if err != nil {
		return "", err
	}
	return types.SecretString(raw), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: reading random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
