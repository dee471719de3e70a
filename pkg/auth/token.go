package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Claims is the payload of a signed service token. Times are epoch seconds.
type Claims struct {
	ServiceID   int64  `json:"service_id"`
	ServiceName string `json:"service_name"`
	Iat         int64  `json:"iat"`
	Exp         int64  `json:"exp"`
}

// tokenHeader is the fixed header of every signed token.
type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

const algHS256 = "HS256"

// Verification failure reasons. These are logged, never returned to the
// remote peer.
const (
	ReasonMalformed       = "malformed"
	ReasonUnsupportedAlg  = "unsupported_alg"
	ReasonBadSignature    = "bad_signature"
	ReasonServiceMismatch = "service_mismatch"
	ReasonExpired         = "expired"
)

// VerifyError carries the concrete rejection reason for logging.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string {
	return "token rejected: " + e.Reason
}

// SignToken generates a compact signed token for a service:
// base64url(header).base64url(payload).base64url(hmac_sha256(header "." payload)).
// iat is now, exp is iat plus duration. Epoch times appear once, as the
// integer claims.
func SignToken(serviceID int64, serviceName, secret string, duration time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret cannot be empty")
	}

	header := tokenHeader{Alg: algHS256, Typ: "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("failed to encode header: %w", err)
	}

	iat := now.Unix()
	claims := Claims{
		ServiceID:   serviceID,
		ServiceName: serviceName,
		Iat:         iat,
		Exp:         iat + int64(duration.Seconds()),
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return signingInput + "." + sig, nil
}

// VerifyToken validates a compact signed token against a service's secret
// and numeric identity. Rejection checks run in order: parse failure,
// unsupported algorithm, signature mismatch, service mismatch, expiry.
// There is no clock skew allowance. On success the parsed claims are
// returned for logging.
func VerifyToken(token, secret string, serviceID int64, now time.Time) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, &VerifyError{Reason: ReasonMalformed}
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, &VerifyError{Reason: ReasonMalformed}
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, &VerifyError{Reason: ReasonMalformed}
	}

	if header.Alg != algHS256 {
		return nil, &VerifyError{Reason: ReasonUnsupportedAlg}
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, &VerifyError{Reason: ReasonMalformed}
	}

	signingInput := parts[0] + "." + parts[1]
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, &VerifyError{Reason: ReasonBadSignature}
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, &VerifyError{Reason: ReasonMalformed}
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, &VerifyError{Reason: ReasonMalformed}
	}

	if claims.ServiceID != serviceID {
		return nil, &VerifyError{Reason: ReasonServiceMismatch}
	}

	if now.Unix() > claims.Exp {
		return nil, &VerifyError{Reason: ReasonExpired}
	}

	return &claims, nil
}
