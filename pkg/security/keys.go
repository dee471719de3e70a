package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenerateAPIKey generates a uniformly random 256-bit cluster API key,
// hex-encoded.
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// comparisonKey is a fixed HMAC key used only to collapse secrets of
// different lengths into fixed-size tags before comparison. It carries no
// secrecy; the security property is the constant-time tag comparison.
var comparisonKey = []byte("marchproxy.credential.compare.v1")

// ConstantTimeEquals compares two secrets without leaking how many leading
// bytes match. Both inputs are reduced to HMAC-SHA256 tags over a fixed key
// so the comparison length is independent of the inputs.
func ConstantTimeEquals(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	am := hmac.New(sha256.New, comparisonKey)
	am.Write(a)
	bm := hmac.New(sha256.New, comparisonKey)
	bm.Write(b)
	return hmac.Equal(am.Sum(nil), bm.Sum(nil))
}
