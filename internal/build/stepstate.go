package build

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/ligmir/ligship/internal/recipe"
)

// Default shell used for run steps when no shell modifier has been set.
const defaultShell = "/bin/sh"

// Tracks accumulated modifiers during step execution.
//
// State flows linearly through the step list. Standalone modifiers update
// the state permanently via apply. Operations read the effective values for
// a single step via resolve without modifying the persistent state. Every
// operation performed in the stage is appended to the history, which feeds
// the cache keys of later groups.
type stepState struct {
	shell   string
	workdir string
	env     map[string]string
	history []string
}

// Creates a new [stepState] with default values.
func newStepState() *stepState {
	return &stepState{
		shell: defaultShell,
		env:   make(map[string]string),
	}
}

// Persists modifier fields from a step into the state.
//
// Called for standalone modifier steps and groups. The state is mutated
// permanently, affecting all subsequent steps.
func (s *stepState) apply(step recipe.Step) {
	if step.Shell != "" {
		s.shell = step.Shell
	}
	if step.Workdir != "" {
		s.workdir = step.Workdir
	}
	maps.Copy(s.env, step.Env)
}

// Returns a new [stepState] with step-level modifiers overlaid on the
// persistent state. The receiver is not modified.
//
// Step-level modifiers override the corresponding state values for this
// operation only.
func (s *stepState) resolve(step recipe.Step) *stepState {
	resolved := &stepState{
		shell:   s.shell,
		workdir: s.workdir,
		env:     make(map[string]string, len(s.env)+len(step.Env)),
	}
	maps.Copy(resolved.env, s.env)
	maps.Copy(resolved.env, step.Env)

	if step.Shell != "" {
		resolved.shell = step.Shell
	}
	if step.Workdir != "" {
		resolved.workdir = step.Workdir
	}

	return resolved
}

// Appends an executed operation to the history.
func (s *stepState) record(op string) {
	s.history = append(s.history, op)
}

// Applies the modifiers of steps without running any operation.
//
// Used when a cache group is restored: its operations are skipped but its
// standalone modifiers must still shape the steps that follow.
func (s *stepState) skip(steps []recipe.Step) {
	for _, step := range steps {
		switch {
		case len(step.Steps) > 0:
			s.apply(step)
			s.skip(step.Steps)
		case step.Run == "" && step.Copy == "":
			s.apply(step)
		}
	}
}

// Returns the history followed by the current modifiers.
//
// Two states with the same fingerprint have run the same operations and
// would run the next one identically.
func (s *stepState) fingerprint() []string {
	fp := slices.Clone(s.history)
	return append(fp,
		"shell "+s.shell,
		"workdir "+s.workdir,
		"env "+formatEnv(s.env),
	)
}

// Formats the environment as a list of "key=value" strings suitable for
// passing to container exec, sorted by key.
func (s *stepState) environ() []string {
	env := make([]string, 0, len(s.env))
	for _, k := range slices.Sorted(maps.Keys(s.env)) {
		env = append(env, k+"="+s.env[k])
	}
	return env
}

// Returns the canonical form of an operation under the resolved state.
func describeOp(step recipe.Step, resolved *stepState) string {
	var b strings.Builder
	switch {
	case step.Run != "":
		b.WriteString("run ")
		b.WriteString(step.Run)
	case step.Copy != "":
		b.WriteString("copy ")
		b.WriteString(step.Copy)
	}
	b.WriteString(" [shell=")
	b.WriteString(resolved.shell)
	b.WriteString(" workdir=")
	b.WriteString(resolved.workdir)
	b.WriteString(" env=")
	b.WriteString(formatEnv(resolved.env))
	b.WriteString("]")
	return b.String()
}

// Returns canonical forms of a step list, recursing into groups.
func describeSteps(steps []recipe.Step) []string {
	var out []string
	for _, step := range steps {
		out = append(out, describeStep(step))
		if len(step.Steps) > 0 {
			out = append(out, "{")
			out = append(out, describeSteps(step.Steps)...)
			out = append(out, "}")
		}
	}
	return out
}

// Returns the canonical form of a single step definition.
func describeStep(step recipe.Step) string {
	var parts []string
	if step.Run != "" {
		parts = append(parts, "run="+step.Run)
	}
	if step.Copy != "" {
		parts = append(parts, "copy="+step.Copy)
	}
	if step.Shell != "" {
		parts = append(parts, "shell="+step.Shell)
	}
	if step.Workdir != "" {
		parts = append(parts, "workdir="+step.Workdir)
	}
	if len(step.Env) > 0 {
		parts = append(parts, "env="+formatEnv(step.Env))
	}
	if step.Cache != nil {
		parts = append(parts, "cache="+step.Cache.Name)
	}
	return strings.Join(parts, " ")
}

// Formats an environment map deterministically.
func formatEnv(env map[string]string) string {
	keys := slices.Sorted(maps.Keys(env))
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + strconv.Quote(env[k])
	}
	return strings.Join(pairs, ",")
}
