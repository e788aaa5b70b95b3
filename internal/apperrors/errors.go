// Package apperrors defines the error taxonomy shared by the pairing engine.
// Every failure carries a Code so callers can branch with errors.Is without
// parsing messages.
package apperrors

import "fmt"

// Error codes.
const (
	CodeNoMatchFound     = "NO_MATCH_FOUND"
	CodeAlreadyInSession = "ALREADY_IN_SESSION"
	CodeSessionNotActive = "SESSION_NOT_ACTIVE"
	CodeUserBanned       = "USER_BANNED"
	CodeValidation       = "VALIDATION_ERROR"
	CodeStore            = "STORE_UNAVAILABLE"
	CodeNotFound         = "NOT_FOUND"
)

type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any *AppError with the same code, so
// errors.Is(err, ErrUserBanned) works for wrapped and re-created errors alike.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Validation builds a ValidationError with a formatted message.
func Validation(format string, args ...interface{}) *AppError {
	return New(CodeValidation, fmt.Sprintf(format, args...))
}

// Store wraps an underlying store failure as a transient error.
func Store(err error, op string) *AppError {
	return Wrap(err, CodeStore, op)
}

// Sentinels for errors.Is.
var (
	ErrNoMatchFound     = New(CodeNoMatchFound, "no matching user available")
	ErrAlreadyInSession = New(CodeAlreadyInSession, "user already has an active session")
	ErrSessionNotActive = New(CodeSessionNotActive, "session is not active for this user")
	ErrUserBanned       = New(CodeUserBanned, "user is banned")
	ErrValidation       = New(CodeValidation, "invalid input")
	ErrStore            = New(CodeStore, "store unavailable")
	ErrNotFound         = New(CodeNotFound, "not found")
)

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) string {
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			return ae.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
