// Package common defines shared sentinel errors and small helpers used across
// the mailvault packages. Callers should use errors.Is to match these values.
package common

import (
	"errors"
)

var (
	// ErrConfiguration means required secrets are missing. It is fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrAuthentication covers both a wrong password and a ciphertext whose
	// authentication tag does not verify. The two are never distinguished.
	ErrAuthentication = errors.New("authentication failed")

	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned for packages or records past their lifetime.
	ErrExpired = errors.New("expired")

	// ErrFormat means authenticated plaintext is not well-formed structured data.
	ErrFormat = errors.New("malformed payload")

	// ErrValidation means required caller input is missing or invalid.
	ErrValidation = errors.New("validation error")

	// ErrTransient marks store failures (timeouts) that may succeed on retry.
	ErrTransient = errors.New("transient store failure")

	ErrInternal = errors.New("internal error")
)

// Stable error codes returned to callers of the recovery flows.
const (
	CodeOK             = "ok"
	CodeConfiguration  = "configuration_error"
	CodeAuthentication = "invalid_credentials"
	CodeNotFound       = "not_found"
	CodeExpired        = "expired"
	CodeFormat         = "invalid_package"
	CodeValidation     = "validation_error"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal_error"
)

// Code maps err onto one of the stable codes above.
func Code(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrAuthentication):
		return CodeAuthentication
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrExpired):
		return CodeExpired
	case errors.Is(err, ErrFormat):
		return CodeFormat
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrTransient):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

var safeMessages = map[string]string{
	CodeOK:             "",
	CodeConfiguration:  "service is not configured",
	CodeAuthentication: "invalid credentials or package",
	CodeNotFound:       "recovery package not found",
	CodeExpired:        "recovery package has expired",
	CodeFormat:         "recovery package is invalid",
	CodeValidation:     "invalid request",
	CodeUnavailable:    "service temporarily unavailable, try again",
	CodeInternal:       "internal error",
}

// SafeMessage returns a message that can be shown to an end user. It never
// contains wrapped error details.
func SafeMessage(err error) string {
	return safeMessages[Code(err)]
}
