// Package auth validates HMAC-signed device requests.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"aegis/pkg/models"
)

const canonicalSeparator = "|"

// Reason is an internal validation outcome. It is logged and counted, never
// returned to the caller.
type Reason string

const (
	ReasonOK                      Reason = "OK"
	ReasonMissingCredentials      Reason = "MISSING_CREDENTIALS"
	ReasonStaleOrFutureRequest    Reason = "STALE_OR_FUTURE_REQUEST"
	ReasonReplayDetected          Reason = "REPLAY_DETECTED"
	ReasonUnknownOrInactiveDevice Reason = "UNKNOWN_OR_INACTIVE_DEVICE"
	ReasonSignatureMismatch       Reason = "SIGNATURE_MISMATCH"
	ReasonMalformedStringToSign   Reason = "MALFORMED_STRING_TO_SIGN"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnavailable means a backing store failed; callers answer 5xx.
	ErrUnavailable = errors.New("signature validation unavailable")
)

// AuthError carries the reason for a rejected request. Its message is the same
// for every reason.
type AuthError struct {
	Reason Reason
}

func (e *AuthError) Error() string { return ErrUnauthorized.Error() }

func (e *AuthError) Is(target error) bool { return target == ErrUnauthorized }

func reject(reason Reason) error { return &AuthError{Reason: reason} }

// ReasonOf extracts the reason from a validation error.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonOK
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// CanonicalString renders METHOD|PATH|TIMESTAMP|NONCE|BODY_HASH.
func CanonicalString(sc models.SignatureContext) string {
	return strings.Join([]string{
		strings.ToUpper(sc.Method),
		sc.Path,
		strconv.FormatInt(sc.TimestampMillis, 10),
		sc.Nonce,
		sc.BodyHash,
	}, canonicalSeparator)
}

// ParseStringToSign splits a pre-built canonical string. The path may not
// contain the separator; the body hash may be empty.
func ParseStringToSign(s string) (models.SignatureContext, error) {
	parts := strings.Split(s, canonicalSeparator)
	if len(parts) != 5 {
		return models.SignatureContext{}, fmt.Errorf("expected 5 fields, got %d", len(parts))
	}
	method := parts[0]
	if method == "" || method != strings.ToUpper(method) {
		return models.SignatureContext{}, errors.New("method must be upper case")
	}
	if !strings.HasPrefix(parts[1], "/") {
		return models.SignatureContext{}, errors.New("path must be absolute")
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return models.SignatureContext{}, fmt.Errorf("timestamp: %w", err)
	}
	if parts[3] == "" {
		return models.SignatureContext{}, errors.New("nonce required")
	}
	return models.SignatureContext{
		Method:          method,
		Path:            parts[1],
		TimestampMillis: ts,
		Nonce:           parts[3],
		BodyHash:        parts[4],
	}, nil
}
