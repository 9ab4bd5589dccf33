package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeConfig    ErrorType = "config"
	ErrorTypeResolve   ErrorType = "resolve"
	ErrorTypeTransform ErrorType = "transform"
	ErrorTypeEmit      ErrorType = "emit"
	ErrorTypePlugin    ErrorType = "plugin"
	ErrorTypeIO        ErrorType = "io"
	ErrorTypeInternal  ErrorType = "internal"
)

// Error codes used across the pipeline.
const (
	ErrCodeInvalidValue      = "ERR_INVALID_VALUE"
	ErrCodeInvalidPath       = "ERR_INVALID_PATH"
	ErrCodeInvalidPattern    = "ERR_INVALID_PATTERN"
	ErrCodeConfigNotFound    = "ERR_CONFIG_NOT_FOUND"
	ErrCodeConfigDecode      = "ERR_CONFIG_DECODE"
	ErrCodeShapeMismatch     = "ERR_SHAPE_MISMATCH"
	ErrCodeUnresolvedModule  = "ERR_UNRESOLVED_MODULE"
	ErrCodeTransformFailed   = "ERR_TRANSFORM_FAILED"
	ErrCodeUnknownStep       = "ERR_UNKNOWN_STEP"
	ErrCodeEmitFailed        = "ERR_EMIT_FAILED"
	ErrCodePluginFailed      = "ERR_PLUGIN_FAILED"
	ErrCodeUnknownPlugin     = "ERR_UNKNOWN_PLUGIN"
	ErrCodeOutputLocked      = "ERR_OUTPUT_LOCKED"
	ErrCodeCommandNotAllowed = "ERR_COMMAND_NOT_ALLOWED"
)

// PipelineError is a structured error type with context.
type PipelineError struct {
	Type     ErrorType
	Code     string
	Message  string
	Cause    error
	Context  map[string]any
	FilePath string
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.FilePath != "" {
		parts = append(parts, e.FilePath)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *PipelineError) WithContext(key string, value any) *PipelineError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value

	return e
}

// WithPath adds file location information.
func (e *PipelineError) WithPath(filePath string) *PipelineError {
	e.FilePath = filePath

	return e
}

// NewValidationError creates a configuration validation error.
func NewValidationError(code, message string) *PipelineError {
	return &PipelineError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewConfigError creates a configuration error wrapping cause.
func NewConfigError(code, message string, cause error) *PipelineError {
	return &PipelineError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *PipelineError {
	return &PipelineError{
		Type:    ErrorTypeIO,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *PipelineError {
	return &PipelineError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapWithPath wraps err and records the file it concerns.
func WrapWithPath(err error, code, message, filePath string) *PipelineError {
	if err == nil {
		return nil
	}

	return &PipelineError{
		Type:     ErrorTypeInternal,
		Code:     code,
		Message:  message,
		Cause:    err,
		FilePath: filePath,
	}
}
