package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a handler failure.
type ErrorKind int

const (
	// KindFatal failures are acknowledged and never retried.
	KindFatal ErrorKind = iota
	// KindRecoverable failures are redelivered until the budget is spent.
	KindRecoverable
)

func (k ErrorKind) String() string {
	if k == KindRecoverable {
		return "recoverable"
	}
	return "fatal"
}

// HandlerError tags an error with its kind.
type HandlerError struct {
	Kind ErrorKind
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Recoverable marks err as worth redelivering.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Kind: KindRecoverable, Err: err}
}

// Fatal marks err as permanent.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Kind: KindFatal, Err: err}
}

// KindOf returns the outermost kind tagged on err. Untagged errors are fatal.
func KindOf(err error) ErrorKind {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindFatal
}

// IsRecoverable reports whether err should be redelivered.
func IsRecoverable(err error) bool {
	return err != nil && KindOf(err) == KindRecoverable
}
