package exception

import "fmt"

// StepError is the common error shape handlers and storage return to
// the engine: an error_type string the taxonomy/matcher understands,
// plus a human message. Retry and Catch policies match on the
// error_type string, never on a Go type.
type StepError struct {
	ErrType string
	Message string
	Cause   error
}

func (e *StepError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrType, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrType, e.Message)
}

func (e *StepError) Unwrap() error { return e.Cause }

func New(errType, message string) *StepError {
	return &StepError{ErrType: errType, Message: message}
}

func Wrap(errType, message string, cause error) *StepError {
	return &StepError{ErrType: errType, Message: message, Cause: cause}
}

// TypeOf extracts the error_type string the matcher should use for
// err, preferring a *StepError's ErrType, then any error implementing
// ErrorTypeStringer (e.g. *mapping.Error), and falling back to
// "ExecutionFailed" for opaque errors.
func TypeOf(err error) string {
	if err == nil {
		return ""
	}
	var se *StepError
	if as(err, &se) {
		return se.ErrType
	}
	if t, ok := err.(ErrorTypeStringer); ok {
		return t.ErrorTypeString()
	}
	return "ExecutionFailed"
}

// ErrorTypeStringer is implemented by typed errors from other
// packages (e.g. mapping.Error) that carry their own error_type
// without depending on this package.
type ErrorTypeStringer interface {
	ErrorTypeString() string
}

func as(err error, target **StepError) bool {
	for err != nil {
		if se, ok := err.(*StepError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
