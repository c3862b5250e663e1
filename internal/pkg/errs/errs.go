package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"roomrelay/internal/pkg/logx"
)

// CustomError is the error type used throughout the application.
// It carries a business code, a user-facing message and the HTTP status equivalent.
type CustomError struct {
	// Code is the business error code (see constants definition).
	Code int

	// Message is the user-friendly error description.
	Message string

	// Status is the standard HTTP status code corresponding to this error.
	Status int

	// cause is the underlying error, if any. It is never shown to clients.
	cause error
}

// Error implements the error interface.
func (e *CustomError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("Error Code %d (HTTP %d): %s: %v", e.Code, e.Status, e.Message, e.cause)
	}
	return fmt.Sprintf("Error Code %d (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// Unwrap returns the underlying cause.
func (e *CustomError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a *CustomError with the same code.
func (e *CustomError) Is(target error) bool {
	var t *CustomError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError constructs a *CustomError from a predefined code.
// The optional details are printf arguments for the message template. Unknown codes
// fall back to ErrUnknown.
func NewError(code int, details ...any) *CustomError {
	templateErr, ok := errorMap[code]

	if !ok {
		logx.Error(
			fmt.Errorf("attempted to create an error with an unknown code in errorMap"),
			"Unknown error code requested",
			"requested_code", code,
		)

		unknownErr := errorMap[ErrUnknown]
		return &unknownErr
	}

	customErr := templateErr

	if customErr.Status == 0 {
		customErr.Status = http.StatusOK
	}

	if len(details) > 0 {
		if strings.Contains(customErr.Message, "%") {
			customErr.Message = fmt.Sprintf(customErr.Message, details...)
		} else {
			logx.Warn(
				"Details provided for error, but message template has no formatting placeholders. Details ignored.",
				"code", code,
			)
		}
	}

	return &customErr
}

// Wrap constructs a *CustomError for code that keeps cause reachable through errors.Unwrap.
func Wrap(code int, cause error) *CustomError {
	customErr := NewError(code)
	customErr.cause = cause
	return customErr
}

// CodeOf returns the business code carried by err, ErrUnknown for foreign errors and 0 for nil.
func CodeOf(err error) int {
	if err == nil {
		return 0
	}

	var customErr *CustomError
	if errors.As(err, &customErr) {
		return customErr.Code
	}
	return ErrUnknown
}

// Is reports whether err carries the given business code.
func Is(err error, code int) bool {
	return err != nil && CodeOf(err) == code
}

// From converts any error into a *CustomError. Foreign errors become ErrUnknown and are logged.
func From(err error) *CustomError {
	if err == nil {
		return nil
	}

	var customErr *CustomError
	if errors.As(err, &customErr) {
		return customErr
	}

	logx.Error(err, "Handling ErrUnknown with underlying error")
	return Wrap(ErrUnknown, err)
}
