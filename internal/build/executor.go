package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ligmir/ligship/internal/cache"
	"github.com/ligmir/ligship/internal/errs"
	"github.com/ligmir/ligship/internal/recipe"
	"github.com/ligmir/ligship/internal/runtime"
)

// Holds shared state for building all stages of a recipe.
type executor struct {
	rt         *runtime.Runtime              // Container runtime for image and container operations.
	cache      *cache.Cache                  // Dependency layer cache.
	opts       Options                       // Build options.
	stages     map[string]*runtime.Container // Named build stage containers for cross-stage copies.
	containers []*runtime.Container          // All stage containers, destroyed after the build completes.
	caches     []CacheResult                 // Cache group outcomes in execution order.
}

// Creates a new [executor] from the given options.
func newExecutor(rt *runtime.Runtime, c *cache.Cache, opts Options) *executor {
	return &executor{
		rt:     rt,
		cache:  c,
		opts:   opts,
		stages: make(map[string]*runtime.Container),
	}
}

// Builds the recipe end-to-end against the container runtime.
//
// Build stages run in declaration order. The output stage is assembled from
// the artifact and committed. All stage containers are destroyed when the
// build completes.
func (e *executor) build(ctx context.Context, r *recipe.Recipe) (*Result, error) {
	defer e.destroyContainers(context.WithoutCancel(ctx))

	last := len(r.Stages) - 1
	for i, stage := range r.Stages[:last] {
		if err := e.buildStage(ctx, stage, i); err != nil {
			return nil, errs.Wrapf(ErrBuild, "stage %s: %w", recipe.StageLabel(stage.Name, i), err)
		}
	}

	target, err := e.assemble(ctx, r.Stages[last])
	if err != nil {
		return nil, errs.Wrapf(ErrBuild, "stage %s: %w", recipe.StageLabel(r.Stages[last].Name, last), err)
	}

	return &Result{
		Image:  e.opts.Image,
		Target: target,
		Caches: e.caches,
	}, nil
}

// Builds a single build stage.
//
// Pulls the stage's base image, starts a build container, and executes the
// stage's steps with fresh step state.
func (e *executor) buildStage(ctx context.Context, stage recipe.Stage, index int) error {
	label := recipe.StageLabel(stage.Name, index)
	slog.Info(fmt.Sprintf("building stage %s", label), "from", stage.From, "platform", e.opts.Platform)

	id := e.containerID(stage.Name, index)
	ctr, err := e.rt.StartContainer(ctx, stage.From, id, e.opts.Platform)
	if err != nil {
		return err
	}

	e.containers = append(e.containers, ctr)
	e.stages[stage.Name] = ctr

	sc := &stageContext{executor: e, ctr: ctr}
	return sc.executeSteps(ctx, stage.Steps, newStepState(), ErrCompile)
}

// Destroys all stage containers.
func (e *executor) destroyContainers(ctx context.Context) {
	for _, ctr := range e.containers {
		ctr.Destroy(ctx)
	}
}

// Returns a unique container ID for a stage, scoped to this build.
func (e *executor) containerID(name string, index int) string {
	if name != "" {
		return fmt.Sprintf("%s-stage-%s", e.opts.Name, name)
	}
	return fmt.Sprintf("%s-stage-%d", e.opts.Name, index+1)
}

// Returns the writer for command output, prefixed with the container ID.
func (e *executor) logWriter(id string) io.Writer {
	if e.opts.Log == io.Discard {
		return nil
	}
	return &prefixWriter{w: e.opts.Log, prefix: "[" + id + "] ", bol: true}
}

// Prefixes every line written through it.
type prefixWriter struct {
	w      io.Writer
	prefix string
	bol    bool // At the beginning of a line.
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	var sb strings.Builder
	for _, c := range b {
		if p.bol {
			sb.WriteString(p.prefix)
			p.bol = false
		}
		sb.WriteByte(c)
		if c == '\n' {
			p.bol = true
		}
	}
	if _, err := io.WriteString(p.w, sb.String()); err != nil {
		return 0, err
	}
	return len(b), nil
}
