package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents a structured application error with context
type AppError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Details  string `json:"details,omitempty"`
	HTTPCode int    `json:"-"`
	Cause    error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is match two AppErrors by code, so callers can compare
// against the package-level sentinel values below.
func (e *AppError) Is(target error) bool {
	var appErr *AppError
	if !errors.As(target, &appErr) {
		return false
	}
	return e.Code == appErr.Code
}

// Common error codes
const (
	CodeTokenMalformed            = "TOKEN_MALFORMED"
	CodeTokenExpired              = "TOKEN_EXPIRED"
	CodeTokenInvalidSignature     = "TOKEN_INVALID_SIGNATURE"
	CodeTokenUnsupportedAlgorithm = "TOKEN_UNSUPPORTED_ALGORITHM"
	CodeTokenInvalid              = "TOKEN_INVALID"
	CodeTokenReuseDetected        = "TOKEN_REUSE_DETECTED"
	CodeRotationConflict          = "ROTATION_CONFLICT"
	CodeTokenRevoked              = "TOKEN_REVOKED"

	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeSessionExpired  = "SESSION_EXPIRED"

	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeConfigError      = "CONFIG_ERROR"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Sentinels for errors.Is comparisons. Constructors below attach context;
// identity is carried by the code.
var (
	ErrTokenMalformed            = &AppError{Code: CodeTokenMalformed, Message: "token is malformed", HTTPCode: http.StatusUnauthorized}
	ErrTokenExpired              = &AppError{Code: CodeTokenExpired, Message: "token has expired", HTTPCode: http.StatusUnauthorized}
	ErrTokenInvalidSignature     = &AppError{Code: CodeTokenInvalidSignature, Message: "token signature is invalid", HTTPCode: http.StatusUnauthorized}
	ErrTokenUnsupportedAlgorithm = &AppError{Code: CodeTokenUnsupportedAlgorithm, Message: "token algorithm is not the configured one", HTTPCode: http.StatusUnauthorized}
	ErrTokenInvalid              = &AppError{Code: CodeTokenInvalid, Message: "token is not recognized", HTTPCode: http.StatusUnauthorized}
	ErrTokenReuseDetected        = &AppError{Code: CodeTokenReuseDetected, Message: "refresh token reuse detected", HTTPCode: http.StatusUnauthorized}
	ErrRotationConflict          = &AppError{Code: CodeRotationConflict, Message: "refresh token was rotated concurrently", HTTPCode: http.StatusConflict}
	ErrTokenRevoked              = &AppError{Code: CodeTokenRevoked, Message: "token has been revoked", HTTPCode: http.StatusUnauthorized}
	ErrSessionNotFound           = &AppError{Code: CodeSessionNotFound, Message: "session not found", HTTPCode: http.StatusUnauthorized}
	ErrSessionExpired            = &AppError{Code: CodeSessionExpired, Message: "session has expired", HTTPCode: http.StatusUnauthorized}
	ErrStoreUnavailable          = &AppError{Code: CodeStoreUnavailable, Message: "credential store unavailable", HTTPCode: http.StatusServiceUnavailable}
)

// Error constructors

func TokenMalformedError(details string, cause error) *AppError {
	return &AppError{
		Code:     CodeTokenMalformed,
		Message:  "token is malformed",
		Details:  details,
		HTTPCode: http.StatusUnauthorized,
		Cause:    cause,
	}
}

func TokenExpiredError(cause error) *AppError {
	return &AppError{
		Code:     CodeTokenExpired,
		Message:  "token has expired",
		HTTPCode: http.StatusUnauthorized,
		Cause:    cause,
	}
}

func TokenInvalidSignatureError(cause error) *AppError {
	return &AppError{
		Code:     CodeTokenInvalidSignature,
		Message:  "token signature is invalid",
		HTTPCode: http.StatusUnauthorized,
		Cause:    cause,
	}
}

func TokenUnsupportedAlgorithmError(alg string) *AppError {
	return &AppError{
		Code:     CodeTokenUnsupportedAlgorithm,
		Message:  "token algorithm is not the configured one",
		Details:  fmt.Sprintf("presented algorithm: %q", alg),
		HTTPCode: http.StatusUnauthorized,
	}
}

func TokenInvalidError(details string, cause error) *AppError {
	return &AppError{
		Code:     CodeTokenInvalid,
		Message:  "token is not recognized",
		Details:  details,
		HTTPCode: http.StatusUnauthorized,
		Cause:    cause,
	}
}

func TokenReuseDetectedError(details string) *AppError {
	return &AppError{
		Code:     CodeTokenReuseDetected,
		Message:  "refresh token reuse detected",
		Details:  details,
		HTTPCode: http.StatusUnauthorized,
	}
}

func RotationConflictError(details string) *AppError {
	return &AppError{
		Code:     CodeRotationConflict,
		Message:  "refresh token was rotated concurrently",
		Details:  details,
		HTTPCode: http.StatusConflict,
	}
}

func TokenRevokedError(details string) *AppError {
	return &AppError{
		Code:     CodeTokenRevoked,
		Message:  "token has been revoked",
		Details:  details,
		HTTPCode: http.StatusUnauthorized,
	}
}

func SessionNotFoundError(cause error) *AppError {
	return &AppError{
		Code:     CodeSessionNotFound,
		Message:  "session not found",
		HTTPCode: http.StatusUnauthorized,
		Cause:    cause,
	}
}

func SessionExpiredError(cause error) *AppError {
	return &AppError{
		Code:     CodeSessionExpired,
		Message:  "session has expired",
		HTTPCode: http.StatusUnauthorized,
		Cause:    cause,
	}
}

func StoreUnavailableError(message string, cause error) *AppError {
	return &AppError{
		Code:     CodeStoreUnavailable,
		Message:  message,
		HTTPCode: http.StatusServiceUnavailable,
		Cause:    cause,
	}
}

func ConfigError(message string, cause error) *AppError {
	return &AppError{
		Code:     CodeConfigError,
		Message:  message,
		HTTPCode: http.StatusInternalServerError,
		Cause:    cause,
	}
}

func InternalError(message string, cause error) *AppError {
	return &AppError{
		Code:     CodeInternalError,
		Message:  message,
		HTTPCode: http.StatusInternalServerError,
		Cause:    cause,
	}
}

// CodeOf extracts the application error code, or empty for foreign errors.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
