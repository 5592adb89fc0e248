package executil

import "errors"

var ErrCommand = errors.New("command failed")
