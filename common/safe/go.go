package safe

import (
	"fmt"
	"runtime/debug"

	"github.com/pkg/errors"
)

// PanicError carries a recovered panic and the stack it was raised on.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

//be safe, don't panic

func Run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
			if cause, ok := r.(error); ok {
				err = errors.WithMessage(cause, err.Error())
			}
		}
	}()
	err = fn()
	return err
}

func Go(fn func() error) chan error {
	c := make(chan error, 1)
	go func() {
		c <- Run(fn)
		close(c)
	}()
	return c
}

func GoWithMessage(fn func() error, message string) chan error {
	c := make(chan error, 1)
	go func() {
		if err := Run(fn); err != nil {
			c <- errors.WithMessage(err, message)
		}
		close(c)
	}()
	return c
}
