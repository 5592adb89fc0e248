package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrPipeline          = errors.New("pipeline error")
	ErrInvalidConfig     = errors.New("invalid run configuration")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrCheckout          = errors.New("checkout failed")
	ErrTag               = errors.New("tag failed")
	ErrExport            = errors.New("export failed")
	ErrPush              = errors.New("push failed")
)

// Reports a failed push and the reference it was pushing.
//
// Matches [ErrPush] and the underlying cause with [errors.Is].
type PushError struct {
	Ref string // Reference that failed to push.
	Err error  // Underlying cause.
}

func (e *PushError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPush, e.Ref, e.Err)
}

func (e *PushError) Unwrap() []error {
	return []error{ErrPush, e.Err}
}
