package errors

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
)

var (
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInternalError  = errors.New("internal error")
	ErrTimeout        = errors.New("operation timed out")
	ErrUnavailable    = errors.New("service unavailable")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrCanceled       = errors.New("operation canceled")
	ErrNotImplemented = errors.New("not implemented")

	// Conversation engine sentinels
	ErrSessionNotFound     = errors.New("call session not found")
	ErrSessionClosed       = errors.New("call session closed")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrNotConfigured       = errors.New("collaborator not configured")
	ErrEmptyResponse       = errors.New("empty response")
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrSynthesisFailed     = errors.New("synthesis failed")
	ErrNetworkFailure      = errors.New("network failure")
	ErrRateLimited         = errors.New("rate limit exceeded")
)

// Kind is the failure category used by the conversation orchestrator to
// decide between recovering and ending a call.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindConfiguration
	KindSemantic
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConfiguration:
		return "configuration"
	case KindSemantic:
		return "semantic"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a structured error carrying context fields and the location it
// was created at.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int

	// Code is an optional machine readable category
	Code string
}

func build(skip int, original error, message, code string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(skip + 1)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return build(1, errors.New(message), message, "", fields)
}

// Wrap wraps an existing error with additional context. Wrap(nil) is nil.
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return build(1, err, message, GetErrorCode(err), fields)
}

func (e *Error) clone(extra int) *Error {
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+extra),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// WithField returns a copy of the error with one more context field
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(1)
	result.fields[key] = value
	return result
}

// WithFields returns a copy of the error with the given context fields merged in
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode returns a copy of the error with the code replaced
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(0)
	result.Code = code
	return result
}

func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Is implements errors.Is matching against the wrapped chain
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// Location returns file:line of the creation site
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
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

// AsJSON returns the error in a JSON friendly map
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

// NewNotFound creates an ErrNotFound error
func NewNotFound(message string, fields ...map[string]interface{}) *Error {
	return build(1, ErrNotFound, message, "NOT_FOUND", fields)
}

// NewInvalidInput creates an ErrInvalidInput error
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return build(1, ErrInvalidInput, message, "INVALID_INPUT", fields)
}

// NewSessionNotFound creates an ErrSessionNotFound error for a call id
func NewSessionNotFound(callSID string, fields ...map[string]interface{}) *Error {
	err := build(1, ErrSessionNotFound, fmt.Sprintf("call session not found: %s", callSID), "SESSION_NOT_FOUND", fields)
	err.fields["call_sid"] = callSID
	return err
}

// NewProviderUnavailable reports a vendor (stt, tts, llm) that could not be reached
func NewProviderUnavailable(stage, provider string, cause error) *Error {
	original := ErrProviderUnavailable
	if cause != nil {
		original = fmt.Errorf("%w: %v", ErrProviderUnavailable, cause)
	}
	return build(1, original, fmt.Sprintf("%s provider %s unavailable", stage, provider), "PROVIDER_UNAVAILABLE",
		[]map[string]interface{}{{"stage": stage, "provider": provider}})
}

// NewTimeout reports a stage that exceeded its budget
func NewTimeout(stage string, fields ...map[string]interface{}) *Error {
	err := build(1, ErrTimeout, fmt.Sprintf("%s timed out", stage), "TIMEOUT", fields)
	err.fields["stage"] = stage
	return err
}

// NewNotConfigured reports a collaborator that was never wired
func NewNotConfigured(collaborator string) *Error {
	return build(1, ErrNotConfigured, fmt.Sprintf("%s not configured", collaborator), "NOT_CONFIGURED",
		[]map[string]interface{}{{"collaborator": collaborator}})
}

// Classify maps an error onto the failure taxonomy
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrNetworkFailure),
		errors.Is(err, ErrUnavailable), errors.Is(err, ErrRateLimited):
		return KindTransient
	case errors.Is(err, ErrNotConfigured), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrNotFound):
		return KindConfiguration
	case errors.Is(err, ErrEmptyResponse), errors.Is(err, ErrTranscriptionFailed), errors.Is(err, ErrSynthesisFailed):
		return KindSemantic
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionNotFound):
		return KindFatal
	default:
		return KindUnknown
	}
}

// IsTransient reports whether retrying could succeed
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
