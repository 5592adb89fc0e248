package cache

import "errors"

var (
	ErrCache    = errors.New("cache error")
	ErrNotFound = errors.New("cache entry not found")
	ErrCorrupt  = errors.New("cache entry corrupt")
)
