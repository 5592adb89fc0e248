package recipe

import (
	"embed"
	"slices"

	"github.com/ligmir/ligship/internal/errs"
)

// Names a built-in recipe.
type Variant string

const (
	VariantScratch Variant = "scratch" // Empty runtime root. Canonical.
	VariantMinimal Variant = "minimal" // Alpine runtime.
	VariantFull    Variant = "full"    // Debian slim runtime.
)

// Default variant when none is configured.
const DefaultVariant = VariantScratch

//go:embed variants/*.yaml
var variantFS embed.FS

// Returns all built-in variants, canonical first.
func Variants() []Variant {
	return []Variant{VariantScratch, VariantMinimal, VariantFull}
}

// Parses a variant name.
func ParseVariant(s string) (Variant, error) {
	if s == "" {
		return DefaultVariant, nil
	}
	v := Variant(s)
	if !slices.Contains(Variants(), v) {
		return "", errs.Wrapf(ErrUnknownVariant, "%q", s)
	}
	return v, nil
}

// Loads a built-in recipe.
func Builtin(v Variant) (*Recipe, error) {
	if _, err := ParseVariant(string(v)); err != nil {
		return nil, err
	}
	data, err := variantFS.ReadFile("variants/" + string(v) + ".yaml")
	if err != nil {
		return nil, errs.Wrap(ErrUnknownVariant, err)
	}
	return Parse(data)
}
