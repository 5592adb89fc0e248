package recipe

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ligmir/ligship/internal/errs"
)

// Checks the recipe for structural errors.
//
// The last stage is the output image. It must be the only non-transient
// stage, carry an entrypoint, and consist of exactly one cross-stage copy of
// the artifact to an absolute path. Earlier stages must be named, transient,
// and based on an image. Cross-stage copies may only reference earlier
// stages.
func (r *Recipe) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errs.Wrapf(ErrInvalidRecipe, "missing name")
	}
	if len(r.Stages) == 0 {
		return errs.Wrapf(ErrInvalidRecipe, "no stages")
	}

	seen := make(map[string]bool, len(r.Stages))
	last := len(r.Stages) - 1

	for i, s := range r.Stages {
		label := StageLabel(s.Name, i)

		if s.From == "" {
			return errs.Wrapf(ErrInvalidRecipe, "stage %s: missing from", label)
		}

		if i == last {
			if err := validateOutput(s, seen); err != nil {
				return errs.Wrapf(ErrInvalidRecipe, "stage %s: %w", label, err)
			}
			break
		}

		if s.Name == "" {
			return errs.Wrapf(ErrInvalidRecipe, "stage %s: build stages must be named", label)
		}
		if seen[s.Name] {
			return errs.Wrapf(ErrInvalidRecipe, "stage %s: duplicate name", label)
		}
		if !s.Transient {
			return errs.Wrapf(ErrInvalidRecipe, "stage %s: only the last stage may be exported", label)
		}
		if s.IsScratch() {
			return errs.Wrapf(ErrInvalidRecipe, "stage %s: build stages need a base image", label)
		}
		if err := validateSteps(s.Steps, seen, false); err != nil {
			return errs.Wrapf(ErrInvalidRecipe, "stage %s: %w", label, err)
		}

		seen[s.Name] = true
	}

	return nil
}

// Checks the output stage.
func validateOutput(s Stage, stages map[string]bool) error {
	if s.Transient {
		return errors.New("output stage cannot be transient")
	}
	if len(s.Entrypoint) == 0 {
		return errors.New("output stage needs an entrypoint")
	}
	if len(s.Steps) != 1 {
		return fmt.Errorf("output stage must hold exactly one copy step, got %d steps", len(s.Steps))
	}

	step := s.Steps[0]
	if step.Copy == "" || step.Run != "" || step.Cache != nil || len(step.Steps) > 0 {
		return errors.New("output stage step must be a plain copy")
	}

	c, err := ParseCopy(step.Copy)
	if err != nil {
		return err
	}
	if !c.FromStage() {
		return errors.New("output copy must read from a build stage")
	}
	if !stages[c.Stage] {
		return fmt.Errorf("output copy references unknown stage %q", c.Stage)
	}
	if !path.IsAbs(c.Dest) {
		return fmt.Errorf("output copy destination %q must be absolute", c.Dest)
	}
	return nil
}

// Checks the steps of a build stage. Cache groups may not nest.
func validateSteps(steps []Step, stages map[string]bool, inCache bool) error {
	for i, step := range steps {
		if err := validateStep(step, stages, inCache); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// Checks a single step.
func validateStep(step Step, stages map[string]bool, inCache bool) error {
	if step.Run != "" && step.Copy != "" {
		return errors.New("run and copy are mutually exclusive")
	}

	isGroup := len(step.Steps) > 0
	if isGroup && (step.Run != "" || step.Copy != "") {
		return errors.New("a group cannot also run or copy")
	}

	if step.Cache != nil {
		if !isGroup {
			return errors.New("cache requires nested steps")
		}
		if inCache {
			return errors.New("cache groups cannot nest")
		}
		if err := validateCache(*step.Cache); err != nil {
			return err
		}
	}

	if step.Copy != "" {
		c, err := ParseCopy(step.Copy)
		if err != nil {
			return err
		}
		if c.FromStage() && !stages[c.Stage] {
			return fmt.Errorf("copy references unknown stage %q", c.Stage)
		}
	}

	if isGroup {
		return validateSteps(step.Steps, stages, inCache || step.Cache != nil)
	}
	return nil
}

// Checks a cache specification.
//
// Key files are build-context relative and must not escape the context.
// Captured paths are absolute container paths.
func validateCache(c CacheSpec) error {
	if c.Name == "" {
		return errors.New("cache needs a name")
	}
	if len(c.Key) == 0 {
		return fmt.Errorf("cache %q needs key files", c.Name)
	}
	if len(c.Paths) == 0 {
		return fmt.Errorf("cache %q needs paths", c.Name)
	}
	for _, k := range c.Key {
		clean := path.Clean(k)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("cache %q key %q escapes the build context", c.Name, k)
		}
	}
	for _, p := range c.Paths {
		if !path.IsAbs(p) {
			return fmt.Errorf("cache %q path %q must be absolute", c.Name, p)
		}
	}
	return nil
}
