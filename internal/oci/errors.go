package oci

import "errors"

var (
	ErrInvalidLayer = errors.New("invalid layer")
	ErrInvalidImage = errors.New("invalid image")
)
