package build

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ligmir/ligship/internal/cache"
	"github.com/ligmir/ligship/internal/errs"
	"github.com/ligmir/ligship/internal/recipe"
	"github.com/ligmir/ligship/internal/runtime"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Default target platform. The artifact is built for x86_64 musl.
const DefaultPlatform = "linux/amd64"

// Controls recipe execution.
type Options struct {
	Recipe   *recipe.Recipe    // Recipe to execute.
	Name     string            // Prefix for container IDs.
	Image    string            // Image record name for the output image.
	Context  string            // Build context directory, root for copy sources and key files.
	Platform string            // Target platform. Defaults to [DefaultPlatform].
	Labels   map[string]string // Labels set on the output image config.
	Created  *time.Time        // Creation time recorded in the image config. Nil omits it.
	Log      io.Writer         // Receives command output. Nil discards it.
}

// Outcome of a cache group.
type CacheResult struct {
	Name   string        `json:"name"`   // Cache group name.
	Key    cache.Key     `json:"key"`    // Derived key.
	Hit    bool          `json:"hit"`    // The group was restored from the cache.
	Digest digest.Digest `json:"digest"` // Digest of the stored layer.
}

// Returned after successful recipe execution.
type Result struct {
	Image  string             // Image record name holding the output.
	Target ocispec.Descriptor // Manifest descriptor of the output image.
	Caches []CacheResult      // Cache groups in execution order.
}

// Returns true if every cache group was restored from the cache.
func (r *Result) CacheHit() bool {
	if len(r.Caches) == 0 {
		return false
	}
	for _, c := range r.Caches {
		if !c.Hit {
			return false
		}
	}
	return true
}

// Executes recipes against a container runtime.
type Builder struct {
	rt    *runtime.Runtime // Container runtime for image and container operations.
	cache *cache.Cache     // Dependency layer cache.
}

// Creates a builder.
func NewBuilder(rt *runtime.Runtime, c *cache.Cache) *Builder {
	return &Builder{rt: rt, cache: c}
}

// Executes a recipe and commits the output image.
//
// Build stages run in declaration order, each in its own container. The
// output stage is assembled in-process and committed under opts.Image. All
// stage containers are destroyed before Build returns.
func (b *Builder) Build(ctx context.Context, opts Options) (*Result, error) {
	if opts.Platform == "" {
		opts.Platform = DefaultPlatform
	}
	if opts.Recipe == nil {
		return nil, errs.Wrapf(ErrBuild, "no recipe")
	}
	if err := opts.Recipe.Validate(); err != nil {
		return nil, errs.Wrap(ErrBuild, err)
	}
	if opts.Log == nil {
		opts.Log = io.Discard
	}
	if _, err := os.Stat(opts.Context); err != nil {
		return nil, errs.Wrap(ErrFileSystemOperation, err)
	}

	slog.Info("executing recipe",
		"recipe", opts.Recipe.Name,
		"image", opts.Image,
		"stages", len(opts.Recipe.Stages),
		"platform", opts.Platform,
	)

	return newExecutor(b.rt, b.cache, opts).build(ctx, opts.Recipe)
}
