package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the small, stable set of error classifications surfaced to
// external callers. The concrete reason behind an auth failure is logged,
// never returned to the remote peer.
type ErrorKind string

const (
	KindAuth             ErrorKind = "auth"
	KindCapacity         ErrorKind = "capacity"
	KindNotFound         ErrorKind = "not_found"
	KindConflict         ErrorKind = "conflict"
	KindStoreUnavailable ErrorKind = "store_unavailable"
	KindLicenseInvalid   ErrorKind = "license_invalid"

	// Proxy-side rejections.
	KindBreakerOpen     ErrorKind = "breaker_open"
	KindTooManyRequests ErrorKind = "too_many_requests"
	KindTimeout         ErrorKind = "timeout"

	// mTLS validator rejections.
	KindCertExpired  ErrorKind = "cert_expired"
	KindCertRevoked  ErrorKind = "cert_revoked"
	KindCertInvalid  ErrorKind = "cert_invalid"
	KindCertMissing  ErrorKind = "cert_missing"
	KindCAInvalid    ErrorKind = "ca_invalid"
	KindChainTooLong ErrorKind = "chain_too_long"
)

// Error is an error tagged with a stable kind for API callers.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a kind-tagged error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind from err, unwrapping as needed. Errors
// without a kind report an empty string.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
