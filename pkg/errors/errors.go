package errors

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ErrorType classifies governor errors
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeProcess     ErrorType = "process"
	ErrorTypeTelemetry   ErrorType = "telemetry"
	ErrorTypeEnforcement ErrorType = "enforcement"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypePermission  ErrorType = "permission"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeCancelled   ErrorType = "cancelled"
)

// DomainError is a typed error carrying a cause and free-form context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches any DomainError of the same type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext attaches a key/value pair and returns the same error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Configuration and lookup errors
func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

// Accounting errors
func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewTelemetryError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTelemetry, message, cause)
}

func NewEnforcementError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeEnforcement, message, cause)
}

// System errors
func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewNetworkError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// isType walks the whole chain, including every error of a collection
func isType(err error, errorType ErrorType) bool {
	return err != nil && errors.Is(err, &DomainError{Type: errorType})
}

func IsValidationError(err error) bool  { return isType(err, ErrorTypeValidation) }
func IsNotFoundError(err error) bool    { return isType(err, ErrorTypeNotFound) }
func IsConflictError(err error) bool    { return isType(err, ErrorTypeConflict) }
func IsProcessError(err error) bool     { return isType(err, ErrorTypeProcess) }
func IsTelemetryError(err error) bool   { return isType(err, ErrorTypeTelemetry) }
func IsEnforcementError(err error) bool { return isType(err, ErrorTypeEnforcement) }
func IsTimeoutError(err error) bool     { return isType(err, ErrorTypeTimeout) }
func IsPermissionError(err error) bool  { return isType(err, ErrorTypePermission) }
func IsIOError(err error) bool          { return isType(err, ErrorTypeIO) }
func IsNetworkError(err error) bool     { return isType(err, ErrorTypeNetwork) }
func IsInternalError(err error) bool    { return isType(err, ErrorTypeInternal) }
func IsCancelledError(err error) bool   { return isType(err, ErrorTypeCancelled) }

// ErrorCollection aggregates errors from bulk operations such as
// config validation or terminating every pid of a consumed rule.
type ErrorCollection struct {
	merr *multierror.Error
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{}
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.merr = multierror.Append(e.merr, err)
	}
}

func (e *ErrorCollection) Len() int {
	if e.merr == nil {
		return 0
	}
	return len(e.merr.Errors)
}

func (e *ErrorCollection) HasErrors() bool {
	return e.Len() > 0
}

// Errors returns the collected errors in insertion order
func (e *ErrorCollection) Errors() []error {
	if e.merr == nil {
		return nil
	}
	return e.merr.WrappedErrors()
}

func (e *ErrorCollection) Error() string {
	switch e.Len() {
	case 0:
		return "no errors"
	case 1:
		return e.merr.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", e.Len(), e.merr.Errors[0])
}

// Unwrap lets errors.Is/As look through every collected error
func (e *ErrorCollection) Unwrap() error {
	if e.merr == nil {
		return nil
	}
	return e.merr.ErrorOrNil()
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}
