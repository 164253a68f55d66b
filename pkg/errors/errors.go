package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	// Standard error sentinel values
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInternalError     = errors.New("internal error")
	ErrTimeout           = errors.New("operation timed out")
	ErrUnavailable       = errors.New("service unavailable")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrResourceExhausted = errors.New("resource exhausted")

	// Gateway error sentinel values, one per rejection class
	ErrMalformedMessage  = errors.New("malformed signaling message")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrAuthChallenge     = errors.New("authentication challenge required")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrWeakCredential    = errors.New("credential below minimum strength")
	ErrRateExceeded      = errors.New("rate limit exceeded")
	ErrPenalized         = errors.New("source under penalty")
	ErrSessionConflict   = errors.New("session ownership conflict")
	ErrSessionNotFound   = errors.New("session not found")
	ErrUnsupportedMethod = errors.New("unsupported method")
	ErrMediaSecurity     = errors.New("media security violation")
	ErrReferDenied       = errors.New("transfer target denied")
)

// Error represents a structured error with stack trace and additional context
type Error struct {
	// original is the underlying error
	original error

	// message is the error message
	message string

	// fields contains contextual information
	fields map[string]interface{}

	// stackPC is the program counter for the error's creation
	stackPC uintptr

	// file and line record where the error was created
	file string
	line int

	// Code is an optional error code for categorization
	Code string
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	pc, file, line, _ := runtime.Caller(1)

	var fieldMap map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	} else {
		fieldMap = make(map[string]interface{})
	}

	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   fieldMap,
		stackPC:  pc,
		file:     file,
		line:     line,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}

	pc, file, line, _ := runtime.Caller(1)

	var fieldMap map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	} else {
		fieldMap = make(map[string]interface{})
	}

	return &Error{
		original: err,
		message:  message,
		fields:   fieldMap,
		stackPC:  pc,
		file:     file,
		line:     line,
	}
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}

	// Create a copy to avoid modifying the original
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+1),
		stackPC:  e.stackPC,
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}

	for k, v := range e.fields {
		result.fields[k] = v
	}
	result.fields[key] = value

	return result
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}

	// Create a copy to avoid modifying the original
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+len(fields)),
		stackPC:  e.stackPC,
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}

	for k, v := range e.fields {
		result.fields[k] = v
	}
	for k, v := range fields {
		result.fields[k] = v
	}

	return result
}

// WithCode adds an error code to the error
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}

	return &Error{
		original: e.original,
		message:  e.message,
		fields:   e.fields,
		stackPC:  e.stackPC,
		file:     e.file,
		line:     e.line,
		Code:     code,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}

	if e.message == "" {
		return e.original.Error()
	}

	// Include both our message and the original error
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}

	// Extract just the filename without the full path
	parts := strings.Split(e.file, "/")
	filename := parts[len(parts)-1]

	return fmt.Sprintf("%s:%d", filename, e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// Is reports whether any error in err's tree matches target.
// Implements the errors.Is interface.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}

	if errors.Is(e.original, target) {
		return true
	}

	return e == target
}

// AsJSON returns the error in JSON-friendly map format
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"message":  e.Error(),
		"location": e.Location(),
	}

	if e.Code != "" {
		result["code"] = e.Code
	}

	if len(e.fields) > 0 {
		result["context"] = e.fields
	}

	return result
}

// newSentinel builds a structured error around a gateway sentinel. The caller
// depth of 2 keeps Location pointing at the NewXxx call site.
func newSentinel(original error, message, code string, fields []map[string]interface{}) *Error {
	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	}

	pc, file, line, _ := runtime.Caller(2)

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		stackPC:  pc,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// NewInternalError creates a new ErrInternalError with additional context
func NewInternalError(message string, fields ...map[string]interface{}) *Error {
	return newSentinel(ErrInternalError, message, "INTERNAL_ERROR", fields)
}

// NewMalformed creates a new ErrMalformedMessage with additional context
func NewMalformed(details string, fields ...map[string]interface{}) *Error {
	return newSentinel(ErrMalformedMessage, fmt.Sprintf("malformed message: %s", details), "MALFORMED_MESSAGE", fields)
}

// NewPayloadTooLarge creates a new ErrPayloadTooLarge carrying the observed size
func NewPayloadTooLarge(size, limit int, fields ...map[string]interface{}) *Error {
	err := newSentinel(ErrPayloadTooLarge, "message exceeds size limit", "PAYLOAD_TOO_LARGE", fields)
	err.fields["size"] = size
	err.fields["limit"] = limit
	return err
}

// NewAuthChallenge signals that the sender must answer a digest challenge
func NewAuthChallenge(realm string, fields ...map[string]interface{}) *Error {
	err := newSentinel(ErrAuthChallenge, "authentication required", "AUTH_CHALLENGE", fields)
	err.fields["realm"] = realm
	return err
}

// NewAuthFailed creates a new ErrAuthFailed with additional context
func NewAuthFailed(details string, fields ...map[string]interface{}) *Error {
	return newSentinel(ErrAuthFailed, fmt.Sprintf("authentication failed: %s", details), "AUTH_FAILED", fields)
}

// NewWeakCredential creates a new ErrWeakCredential with additional context
func NewWeakCredential(username string, fields ...map[string]interface{}) *Error {
	err := newSentinel(ErrWeakCredential, "credential below minimum strength", "WEAK_CREDENTIAL", fields)
	err.fields["username"] = username
	return err
}

// NewRateExceeded creates a new ErrRateExceeded with additional context
func NewRateExceeded(source string, fields ...map[string]interface{}) *Error {
	err := newSentinel(ErrRateExceeded, "rate limit exceeded", "RATE_EXCEEDED", fields)
	err.fields["source"] = source
	return err
}

// NewPenalized creates a new ErrPenalized carrying the remaining penalty
func NewPenalized(source string, retryAfterSeconds int, fields ...map[string]interface{}) *Error {
	err := newSentinel(ErrPenalized, "source temporarily blocked", "PENALIZED", fields)
	err.fields["source"] = source
	err.fields["retry_after"] = retryAfterSeconds
	return err
}

// NewSessionConflict creates a new ErrSessionConflict with additional context
func NewSessionConflict(callID string, fields ...map[string]interface{}) *Error {
	err := newSentinel(ErrSessionConflict, "session owned by another source", "SESSION_CONFLICT", fields)
	err.fields["call_id"] = callID
	return err
}

// NewSessionNotFound creates a new ErrSessionNotFound with additional context
func NewSessionNotFound(callID string, fields ...map[string]interface{}) *Error {
	err := newSentinel(ErrSessionNotFound, fmt.Sprintf("session not found: %s", callID), "SESSION_NOT_FOUND", fields)
	err.fields["call_id"] = callID
	return err
}

// NewUnsupportedMethod creates a new ErrUnsupportedMethod with additional context
func NewUnsupportedMethod(method string, fields ...map[string]interface{}) *Error {
	err := newSentinel(ErrUnsupportedMethod, fmt.Sprintf("unsupported method: %s", method), "UNSUPPORTED_METHOD", fields)
	err.fields["method"] = method
	return err
}

// NewMediaSecurity creates a new ErrMediaSecurity with additional context
func NewMediaSecurity(details string, fields ...map[string]interface{}) *Error {
	return newSentinel(ErrMediaSecurity, fmt.Sprintf("media security violation: %s", details), "MEDIA_SECURITY", fields)
}

// NewReferDenied creates a new ErrReferDenied with additional context.
// The reason stays out of the message so responses reveal nothing about
// the screening rules.
func NewReferDenied(reason string, fields ...map[string]interface{}) *Error {
	err := newSentinel(ErrReferDenied, "transfer target denied", "REFER_DENIED", fields)
	err.fields["reason"] = reason
	return err
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}

// GetErrorLocation extracts location from an error if it's a structured error
func GetErrorLocation(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Location()
	}
	return ""
}
