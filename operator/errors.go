package operator

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidConfig = errors.New("invalid operator config")
	ErrUnsupported   = errors.New("operation is not supported")
	ErrUnknownTag    = errors.New("unknown output tag")
	ErrNotRunning    = errors.New("operator is not running")
)

// FatalInternalError marks a condition the hosting engine must never catch and continue from.
type FatalInternalError struct {
	message string
	cause   error
}

func (e *FatalInternalError) Error() string {
	if e.cause == nil {
		return "fatal: " + e.message
	}
	return fmt.Sprintf("fatal: %s: %v", e.message, e.cause)
}

func (e *FatalInternalError) Cause() error { return e.cause }

func (e *FatalInternalError) Unwrap() error { return e.cause }

func fatalf(cause error, format string, args ...any) error {
	return &FatalInternalError{message: fmt.Sprintf(format, args...), cause: cause}
}

func IsFatal(err error) bool {
	var fatal *FatalInternalError
	return errors.As(err, &fatal)
}

func invalidConfigf(format string, args ...any) error {
	return errors.WithMessagef(ErrInvalidConfig, format, args...)
}
