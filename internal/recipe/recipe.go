package recipe

import (
	"os"

	"github.com/ligmir/ligship/internal/errs"
	"gopkg.in/yaml.v3"
)

// Base image name that denotes an empty root filesystem.
const Scratch = "scratch"

// An ordered multi-stage build.
type Recipe struct {
	Name   string  `yaml:"name"`   // Artifact name, used for container IDs and labels.
	Stages []Stage `yaml:"stages"` // Stages in build order. The last one is the output image.
}

// A single build stage.
type Stage struct {
	Name       string   `yaml:"name,omitempty"`       // Name for cross-stage copies. Optional for the output stage.
	From       string   `yaml:"from"`                 // Base image reference, or "scratch".
	Transient  bool     `yaml:"transient,omitempty"`  // Build-only stage, never exported.
	Entrypoint []string `yaml:"entrypoint,omitempty"` // Entrypoint of the output image.
	Steps      []Step   `yaml:"steps"`
}

// A build step.
//
// A step is either an operation (Run or Copy), a group (Steps, optionally
// memoized through Cache), or a standalone modifier (Shell, Workdir, Env).
// Modifiers on an operation apply to that operation only.
type Step struct {
	Run     string            `yaml:"run,omitempty"`
	Copy    string            `yaml:"copy,omitempty"`
	Shell   string            `yaml:"shell,omitempty"`
	Workdir string            `yaml:"workdir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Cache   *CacheSpec        `yaml:"cache,omitempty"`
	Steps   []Step            `yaml:"steps,omitempty"`
}

// Memoization settings for a step group.
type CacheSpec struct {
	Name  string   `yaml:"name"`  // Cache namespace (e.g., "deps").
	Key   []string `yaml:"key"`   // Build-context files whose contents key the cache.
	Paths []string `yaml:"paths"` // Absolute container paths captured after the group runs.
}

// Returns true if the stage has no base image.
func (s Stage) IsScratch() bool {
	return s.From == Scratch
}

// Returns the output stage, which is always the last one.
func (r *Recipe) Output() Stage {
	return r.Stages[len(r.Stages)-1]
}

// Returns the named stage and whether it exists.
func (r *Recipe) Stage(name string) (Stage, bool) {
	for _, s := range r.Stages {
		if s.Name != "" && s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Decodes and validates a recipe from YAML.
func Parse(data []byte) (*Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, errs.Wrap(ErrInvalidRecipe, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Reads and parses a recipe file.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(ErrInvalidRecipe, err)
	}
	return Parse(data)
}
