package build

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ligmir/ligship/internal/errs"
	"github.com/ligmir/ligship/internal/recipe"
	"github.com/ligmir/ligship/internal/runtime"
)

// Maximum number of trailing stderr bytes carried in a command error.
const stderrTail = 4096

// Executes steps against one build stage container.
type stageContext struct {
	*executor
	ctr *runtime.Container // Container of the stage being built.
}

// Executes a list of steps in order against the build container.
//
// Commands exiting non-zero are reported with the failure class.
func (sc *stageContext) executeSteps(ctx context.Context, steps []recipe.Step, state *stepState, failure error) error {
	for i, step := range steps {
		if err := sc.executeStep(ctx, step, state, failure); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// Executes a single step, dispatching to cache groups, plain groups,
// operations, or state mutation depending on the step's fields.
func (sc *stageContext) executeStep(ctx context.Context, step recipe.Step, state *stepState, failure error) error {
	hasOp := step.Run != "" || step.Copy != ""

	// Cache group: restore or fill.
	if step.Cache != nil {
		state.apply(step)
		return sc.executeCache(ctx, step, state)
	}

	// Plain group: apply group-level modifiers and recurse.
	if len(step.Steps) > 0 {
		state.apply(step)
		return sc.executeSteps(ctx, step.Steps, state, failure)
	}

	// Operation with optional scoped modifiers.
	if hasOp {
		return sc.executeOperation(ctx, step, state, failure)
	}

	// Standalone modifier(s): persist in state.
	state.apply(step)
	return nil
}

// Executes a run or copy operation with scoped modifier overrides.
//
// Step-level modifiers override the persistent state for this operation only.
// The persistent state is not modified apart from recording the operation.
func (sc *stageContext) executeOperation(ctx context.Context, step recipe.Step, state *stepState, failure error) error {
	resolved := state.resolve(step)

	if resolved.workdir != "" {
		if err := sc.ctr.MkdirAll(ctx, resolved.workdir); err != nil {
			return err
		}
	}

	switch {
	case step.Run != "":
		slog.Debug("run", "container", sc.ctr.ID(), "command", step.Run, "shell", resolved.shell)
		result, err := sc.ctr.Exec(ctx, resolved.shell, step.Run, resolved.environ(), resolved.workdir, sc.logWriter(sc.ctr.ID()))
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return errs.Wrapf(failure, "%q exited with code %d: %s", step.Run, result.ExitCode, tail(result.Stderr, stderrTail))
		}

	case step.Copy != "":
		if err := sc.executeCopy(ctx, step.Copy, resolved.workdir); err != nil {
			return err
		}
	}

	state.record(describeOp(step, resolved))
	return nil
}

// Returns at most the last n bytes of s, trimmed of surrounding space.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
