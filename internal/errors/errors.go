package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the discriminator used at translation boundaries (HTTP, CLI exit
// codes, logs). Every error produced by the engine maps to exactly one Kind.
type Kind int

const (
	KindInternal Kind = iota
	KindLicense
	KindToken
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindLicense:
		return "license"
	case KindToken:
		return "token"
	case KindConfig:
		return "config"
	default:
		return "internal"
	}
}

// Code identifies a domain or token error.
type Code string

const (
	CodeLicenseNotFound         Code = "LICENSE_NOT_FOUND"
	CodeLicenseAlreadyExists    Code = "LICENSE_ALREADY_EXISTS"
	CodeLicenseAlreadyActivated Code = "LICENSE_ALREADY_ACTIVATED"
	CodeLicenseAlreadyRevoked   Code = "LICENSE_ALREADY_REVOKED"
	CodeLicenseExpired          Code = "LICENSE_EXPIRED"
	CodeLicenseRevoked          Code = "LICENSE_REVOKED"
	CodeLicenseBlacklisted      Code = "LICENSE_BLACKLISTED"
	CodeInvalidLicenseKey       Code = "INVALID_LICENSE_KEY"
	CodeSchoolIDMismatch        Code = "SCHOOL_ID_MISMATCH"
	CodeInvalidTransfer         Code = "INVALID_TRANSFER"
	CodeHardwareBindingDisabled Code = "HARDWARE_BINDING_NOT_ENABLED"
	CodeDeviceLimitExceeded     Code = "DEVICE_LIMIT_EXCEEDED"
	CodeActivationDisabled      Code = "ACTIVATION_DISABLED"
	CodeInvalidRequest          Code = "INVALID_REQUEST"

	CodeTokenExpired Code = "TOKEN_EXPIRED"
	CodeTokenInvalid Code = "TOKEN_INVALID"
)

var statusByCode = map[Code]int{
	CodeLicenseNotFound:         http.StatusNotFound,
	CodeLicenseAlreadyExists:    http.StatusConflict,
	CodeLicenseAlreadyActivated: http.StatusConflict,
	CodeLicenseAlreadyRevoked:   http.StatusBadRequest,
	CodeLicenseExpired:          http.StatusForbidden,
	CodeLicenseRevoked:          http.StatusForbidden,
	CodeLicenseBlacklisted:      http.StatusForbidden,
	CodeInvalidLicenseKey:       http.StatusNotFound,
	CodeSchoolIDMismatch:        http.StatusForbidden,
	CodeInvalidTransfer:         http.StatusBadRequest,
	CodeHardwareBindingDisabled: http.StatusBadRequest,
	CodeDeviceLimitExceeded:     http.StatusForbidden,
	CodeActivationDisabled:      http.StatusBadRequest,
	CodeInvalidRequest:          http.StatusBadRequest,
	CodeTokenExpired:            http.StatusUnauthorized,
	CodeTokenInvalid:            http.StatusUnauthorized,
}

// StatusForCode returns the HTTP status associated with a code.
func StatusForCode(code Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Sentinels for errors.Is matching. Comparison is by code, so a
// LicenseError created with NewLicenseError matches the sentinel of the
// same code regardless of its message.
var (
	ErrLicenseNotFound         = &LicenseError{Code: CodeLicenseNotFound}
	ErrLicenseAlreadyExists    = &LicenseError{Code: CodeLicenseAlreadyExists}
	ErrLicenseAlreadyActivated = &LicenseError{Code: CodeLicenseAlreadyActivated}
	ErrLicenseAlreadyRevoked   = &LicenseError{Code: CodeLicenseAlreadyRevoked}
	ErrLicenseExpired          = &LicenseError{Code: CodeLicenseExpired}
	ErrLicenseRevoked          = &LicenseError{Code: CodeLicenseRevoked}
	ErrLicenseBlacklisted      = &LicenseError{Code: CodeLicenseBlacklisted}
	ErrInvalidLicenseKey       = &LicenseError{Code: CodeInvalidLicenseKey}
	ErrSchoolIDMismatch        = &LicenseError{Code: CodeSchoolIDMismatch}
	ErrInvalidTransfer         = &LicenseError{Code: CodeInvalidTransfer}
	ErrHardwareBindingDisabled = &LicenseError{Code: CodeHardwareBindingDisabled}
	ErrDeviceLimitExceeded     = &LicenseError{Code: CodeDeviceLimitExceeded}
	ErrActivationDisabled      = &LicenseError{Code: CodeActivationDisabled}
	ErrInvalidRequest          = &LicenseError{Code: CodeInvalidRequest}

	ErrTokenExpired = &TokenError{Code: CodeTokenExpired}
	ErrTokenInvalid = &TokenError{Code: CodeTokenInvalid}
)

// LicenseError is an expected business-rule violation.
type LicenseError struct {
	Code       Code
	HTTPStatus int
	Message    string
	Err        error
}

// NewLicenseError creates a LicenseError whose status is derived from code.
func NewLicenseError(code Code, format string, args ...any) *LicenseError {
	return &LicenseError{
		Code:       code,
		HTTPStatus: StatusForCode(code),
		Message:    fmt.Sprintf(format, args...),
	}
}

// Wrap attaches an underlying cause.
func (e *LicenseError) Wrap(err error) *LicenseError {
	e.Err = err
	return e
}

func (e *LicenseError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LicenseError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *LicenseError) Is(target error) bool {
	var other *LicenseError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// TokenError is returned by the token verifier. Expired and invalid tokens
// both map to 401.
type TokenError struct {
	Code Code
	Err  error
}

// NewTokenError wraps a verification failure under the given code.
func NewTokenError(code Code, err error) *TokenError {
	return &TokenError{Code: code, Err: err}
}

func (e *TokenError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *TokenError) Is(target error) bool {
	var other *TokenError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// ConfigError reports missing or malformed configuration. It is never
// recovered from with a default value.
type ConfigError struct {
	Keys   []string
	Reason string
}

// NewConfigError creates a ConfigError for one or more keys.
func NewConfigError(reason string, keys ...string) *ConfigError {
	return &ConfigError{Keys: keys, Reason: reason}
}

func (e *ConfigError) Error() string {
	if len(e.Keys) == 0 {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Reason, strings.Join(e.Keys, ", "))
}

// AppError is an unexpected system failure, e.g. persistence unavailable.
type AppError struct {
	Op  string
	Err error
}

// WrapInternal wraps err as an AppError for op. A nil err returns nil.
func WrapInternal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &AppError{Op: op, Err: err}
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	var licErr *LicenseError
	var tokErr *TokenError
	var cfgErr *ConfigError
	switch {
	case err == nil:
		return KindInternal
	case errors.As(err, &licErr):
		return KindLicense
	case errors.As(err, &tokErr):
		return KindToken
	case errors.As(err, &cfgErr):
		return KindConfig
	default:
		return KindInternal
	}
}

// HTTPStatus translates err to the status a transport layer should return.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindLicense:
		var licErr *LicenseError
		errors.As(err, &licErr)
		if licErr.HTTPStatus != 0 {
			return licErr.HTTPStatus
		}
		return StatusForCode(licErr.Code)
	case KindToken:
		return http.StatusUnauthorized
	case KindConfig, KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// CodeOf returns the error code carried by err, or "INTERNAL_ERROR" / "CONFIG_ERROR".
func CodeOf(err error) Code {
	var licErr *LicenseError
	var tokErr *TokenError
	switch KindOf(err) {
	case KindLicense:
		errors.As(err, &licErr)
		return licErr.Code
	case KindToken:
		errors.As(err, &tokErr)
		return tokErr.Code
	case KindConfig:
		return "CONFIG_ERROR"
	case KindInternal:
		return "INTERNAL_ERROR"
	}
	return "INTERNAL_ERROR"
}
