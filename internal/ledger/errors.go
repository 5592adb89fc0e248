package ledger

import "errors"

var (
	ErrLedger   = errors.New("ledger error")
	ErrNotFound = errors.New("run not found")
)
