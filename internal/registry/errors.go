package registry

import "errors"

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrUnreachable    = errors.New("registry unreachable")
)
