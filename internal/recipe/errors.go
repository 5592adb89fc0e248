package recipe

import "errors"

var (
	ErrInvalidRecipe  = errors.New("invalid recipe")
	ErrUnknownVariant = errors.New("unknown variant")
	ErrInvalidCopy    = errors.New("invalid copy")
)
