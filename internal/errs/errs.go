// Package errs attaches a sentinel error class to a cause.
//
// Every package in ligship declares its error classes as sentinel values in
// an errors.go file. Failures are reported by wrapping the underlying cause
// with the class, so callers can branch on the class with [errors.Is] while
// the cause remains reachable for logging and further matching.
//
//	return errs.Wrap(ErrCompile, err)
//	return errs.Wrapf(ErrPush, "push %s: %w", ref, err)
package errs

import (
	"errors"
	"fmt"
)

// Wraps cause with the error class. Returns nil if cause is nil.
//
// The message reads "<class>: <cause>". Both class and cause match with
// [errors.Is].
func Wrap(class, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, class) {
		return cause
	}
	return fmt.Errorf("%w: %w", class, cause)
}

// Formats a message and attaches the error class.
//
// The format may contain %w verbs; wrapped operands stay matchable with
// [errors.Is] alongside the class.
func Wrapf(class error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", class, fmt.Errorf(format, args...))
}
