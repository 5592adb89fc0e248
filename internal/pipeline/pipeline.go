package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ligmir/ligship/internal/build"
	"github.com/ligmir/ligship/internal/errs"
	"github.com/ligmir/ligship/internal/ledger"
	"github.com/ligmir/ligship/internal/recipe"
	"github.com/ligmir/ligship/internal/registry"
	"github.com/ligmir/ligship/internal/runtime"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Builds the runtime image of a run.
type Builder interface {
	Build(ctx context.Context, opts build.Options) (*build.Result, error)
}

// Manages local image records and moves them to the registry.
type Publisher interface {
	Tag(ctx context.Context, name string, target ocispec.Descriptor) error
	Untag(ctx context.Context, name string) error
	Push(ctx context.Context, name, platform string, creds runtime.Credentials) (ocispec.Descriptor, error)
	Export(ctx context.Context, name, path string) error
}

// Persists run history.
type Ledger interface {
	StartRun(ctx context.Context, id, commit, variant, state string, at time.Time) error
	RecordState(ctx context.Context, id, state string, at time.Time) error
	RecordTag(ctx context.Context, id, ref, digest string, pushed bool, at time.Time) error
	FinishRun(ctx context.Context, id string, out ledger.Outcome, at time.Time) error
}

// Receives run observations.
type Metrics interface {
	RunStarted()
	RunFinished(state string, d time.Duration)
	StateFinished(state string, d time.Duration)
	CacheLookup(group string, hit bool)
}

// Collaborators of a [Pipeline]. Ledger, Metrics, Log, and Now are
// optional.
type Deps struct {
	Checkout      Checkouter
	Authenticator registry.Authenticator
	Builder       Builder
	Publisher     Publisher
	Ledger        Ledger
	Metrics       Metrics
	Log           io.Writer        // Receives build command output.
	Now           func() time.Time // Clock for ledger timestamps and durations.
}

// Outcome of a run.
type Result struct {
	RunID    string              `json:"run_id"`
	State    State               `json:"state"`
	Commit   string              `json:"commit,omitempty"`
	Refs     []string            `json:"refs,omitempty"`
	Digest   digest.Digest       `json:"digest,omitempty"`
	CacheHit bool                `json:"cache_hit"`
	Caches   []build.CacheResult `json:"caches,omitempty"`
}

// Runs the publish pipeline.
type Pipeline struct {
	checkout  Checkouter
	auth      registry.Authenticator
	builder   Builder
	publisher Publisher
	ledger    Ledger
	metrics   Metrics
	log       io.Writer
	now       func() time.Time
}

// Creates a pipeline.
func New(d Deps) *Pipeline {
	p := &Pipeline{
		checkout:  d.Checkout,
		auth:      d.Authenticator,
		builder:   d.Builder,
		publisher: d.Publisher,
		ledger:    d.Ledger,
		metrics:   d.Metrics,
		log:       d.Log,
		now:       d.Now,
	}
	if p.ledger == nil {
		p.ledger = nopLedger{}
	}
	if p.metrics == nil {
		p.metrics = nopMetrics{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Executes one run.
//
// The configuration is validated before anything else; an invalid
// configuration starts no run. Otherwise a result is always returned, with
// state done on success and failed alongside the error.
func (p *Pipeline) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Variant == "" {
		cfg.Variant = recipe.DefaultVariant
	}
	if cfg.Platform == "" {
		cfg.Platform = build.DefaultPlatform
	}

	r := p.start(ctx, cfg)
	res, err := p.execute(ctx, r)
	return r.finish(ctx, res, err)
}

// Walks the states of a run.
func (p *Pipeline) execute(ctx context.Context, r *run) (*Result, error) {
	cfg := r.cfg

	src, err := p.checkout.Checkout(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if src.Temporary {
		defer os.RemoveAll(src.Dir)
	}
	r.res.Commit = src.Commit

	tags, err := PlanTags(cfg, src.Commit)
	if err != nil {
		return nil, err
	}

	if err := r.advance(ctx, StateAuthenticate); err != nil {
		return nil, err
	}
	sess, err := p.auth.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.advance(ctx, StateBuild); err != nil {
		return nil, err
	}
	out, err := p.build(ctx, r, src, tags)
	if err != nil {
		return nil, err
	}

	if err := r.advance(ctx, StateTag); err != nil {
		return nil, err
	}
	if err := p.tag(ctx, r, tags, out); err != nil {
		return nil, err
	}

	if !cfg.Push {
		slog.Info("push disabled, stopping after tag", "run", r.id)
		return r.res, r.advance(ctx, StateDone)
	}

	for _, step := range []struct {
		state State
		ref   string
	}{
		{StatePushSHA, tags.SHA},
		{StatePushLatest, tags.Latest},
	} {
		if err := r.advance(ctx, step.state); err != nil {
			return nil, err
		}
		if sess, err = p.refresh(ctx, sess); err != nil {
			return nil, err
		}
		if err := p.push(ctx, r, step.ref, sess); err != nil {
			return nil, err
		}
	}

	return r.res, r.advance(ctx, StateDone)
}

// Loads the recipe and builds the image under a run-scoped record name.
func (p *Pipeline) build(ctx context.Context, r *run, src *Source, tags Tags) (*build.Result, error) {
	rec, err := loadRecipe(r.cfg, src.Dir)
	if err != nil {
		return nil, err
	}

	out, err := p.builder.Build(ctx, build.Options{
		Recipe:   rec,
		Name:     "ligship-" + r.id[:8],
		Image:    r.buildImage(),
		Context:  src.Dir,
		Platform: r.cfg.Platform,
		Labels:   r.cfg.labels(src.Commit, tagOf(tags.SHA)),
		Created:  src.Time,
		Log:      p.log,
	})
	if err != nil {
		return nil, err
	}

	for _, c := range out.Caches {
		p.metrics.CacheLookup(c.Name, c.Hit)
		slog.Info("cache group", "name", c.Name, "key", c.Key.Short(), "hit", c.Hit)
	}

	r.res.Digest = out.Target.Digest
	r.res.CacheHit = out.CacheHit()
	r.res.Caches = out.Caches
	return out, nil
}

// Points both references at the built image and exports it if configured.
func (p *Pipeline) tag(ctx context.Context, r *run, tags Tags, out *build.Result) error {
	for _, ref := range tags.Refs() {
		if err := p.publisher.Tag(ctx, ref, out.Target); err != nil {
			return errs.Wrapf(ErrTag, "%s: %w", ref, err)
		}
		r.res.Refs = append(r.res.Refs, ref)
		r.recordTag(ctx, ref, out.Target.Digest, false)
		slog.Info("tagged image", "ref", ref, "digest", out.Target.Digest)
	}

	if err := p.publisher.Untag(ctx, r.buildImage()); err != nil {
		slog.Warn("failed to remove build record", "name", r.buildImage(), "error", err)
	}

	if r.cfg.Output != "" {
		path := archivePath(r.cfg.Output, tags.SHA)
		if err := p.publisher.Export(ctx, tags.SHA, path); err != nil {
			return errs.Wrap(ErrExport, err)
		}
		slog.Info("exported image", "path", path)
	}
	return nil
}

// Returns the archive path for output. An existing directory receives
// <tag>.tar named after ref.
func archivePath(output, ref string) string {
	if info, err := os.Stat(output); err == nil && info.IsDir() {
		return filepath.Join(output, tagOf(ref)+".tar")
	}
	return output
}

// Pushes one reference.
func (p *Pipeline) push(ctx context.Context, r *run, ref string, sess *registry.Session) error {
	desc, err := p.publisher.Push(ctx, ref, r.cfg.Platform, sess.Credentials())
	if err != nil {
		return &PushError{Ref: ref, Err: err}
	}
	r.recordTag(ctx, ref, desc.Digest, true)
	slog.Info("pushed image", "ref", ref, "digest", desc.Digest)
	return nil
}

// Re-authenticates when the session has expired, such as after a long
// build.
func (p *Pipeline) refresh(ctx context.Context, sess *registry.Session) (*registry.Session, error) {
	if !sess.Expired(p.now()) {
		return sess, nil
	}
	slog.Info("registry session expired, authenticating again", "host", sess.Host)
	return p.auth.Authenticate(ctx)
}

// Returns the recipe for a run: the configured file, resolved against the
// source directory, or the built-in variant.
func loadRecipe(cfg RunConfig, dir string) (*recipe.Recipe, error) {
	if cfg.RecipePath == "" {
		return recipe.Builtin(cfg.Variant)
	}
	path := cfg.RecipePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return recipe.Load(path)
}

// Returns the tag of a reference.
func tagOf(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		switch ref[i] {
		case ':':
			return ref[i+1:]
		case '/':
			return ""
		}
	}
	return ""
}

// State of one executing run.
type run struct {
	p       *Pipeline
	cfg     RunConfig
	id      string
	state   State
	started time.Time // When the run started.
	entered time.Time // When the current state was entered.
	res     *Result
}

// Records the start of a run in the checkout state.
func (p *Pipeline) start(ctx context.Context, cfg RunConfig) *run {
	now := p.now()
	r := &run{
		p:       p,
		cfg:     cfg,
		id:      uuid.NewString(),
		state:   StateCheckout,
		started: now,
		entered: now,
	}
	r.res = &Result{RunID: r.id, State: r.state}

	p.metrics.RunStarted()
	if err := p.ledger.StartRun(ctx, r.id, cfg.Commit, string(cfg.Variant), string(r.state), now); err != nil {
		slog.Warn("ledger write failed", "run", r.id, "error", err)
	}

	slog.Info("run started", "run", r.id, "variant", cfg.Variant, "repo", cfg.Repo(), "push", cfg.Push)
	return r
}

// Moves the run to the next state.
func (r *run) advance(ctx context.Context, to State) error {
	if err := Transition(r.state, to); err != nil {
		return errs.Wrap(ErrPipeline, err)
	}

	now := r.p.now()
	r.p.metrics.StateFinished(string(r.state), now.Sub(r.entered))
	slog.Debug("state transition", "run", r.id, "from", r.state, "to", to)

	r.state = to
	r.entered = now
	r.res.State = to

	if err := r.p.ledger.RecordState(context.WithoutCancel(ctx), r.id, string(to), now); err != nil {
		slog.Warn("ledger write failed", "run", r.id, "error", err)
	}
	return nil
}

// Records a reference in the ledger.
func (r *run) recordTag(ctx context.Context, ref string, dgst digest.Digest, pushed bool) {
	if err := r.p.ledger.RecordTag(context.WithoutCancel(ctx), r.id, ref, dgst.String(), pushed, r.p.now()); err != nil {
		slog.Warn("ledger write failed", "run", r.id, "error", err)
	}
}

// Finalizes the run. A non-nil err moves the run to failed.
func (r *run) finish(ctx context.Context, res *Result, err error) (*Result, error) {
	if err != nil {
		failedIn := r.state
		if terr := r.advance(ctx, StateFailed); terr != nil {
			err = fmt.Errorf("%w (%w)", err, terr)
		}
		err = fmt.Errorf("%s: %w", failedIn, err)
		slog.Error("run failed", "run", r.id, "state", failedIn, "error", err)
	}
	if res == nil {
		res = r.res
	}

	now := r.p.now()
	out := ledger.Outcome{
		State:    string(r.state),
		Commit:   r.res.Commit,
		Digest:   r.res.Digest.String(),
		CacheHit: r.res.CacheHit,
	}
	if err != nil {
		out.Error = err.Error()
	}
	if lerr := r.p.ledger.FinishRun(context.WithoutCancel(ctx), r.id, out, now); lerr != nil {
		slog.Warn("ledger write failed", "run", r.id, "error", lerr)
	}
	r.p.metrics.RunFinished(string(r.state), now.Sub(r.started))

	if err == nil {
		slog.Info("run finished", "run", r.id, "refs", res.Refs, "digest", res.Digest, "cache_hit", res.CacheHit)
	}
	return res, err
}

// Returns the record name the build commits to before tagging.
func (r *run) buildImage() string {
	return "ligship.local/build:" + r.id
}

type nopLedger struct{}

func (nopLedger) StartRun(context.Context, string, string, string, string, time.Time) error {
	return nil
}

func (nopLedger) RecordState(context.Context, string, string, time.Time) error { return nil }

func (nopLedger) RecordTag(context.Context, string, string, string, bool, time.Time) error {
	return nil
}

func (nopLedger) FinishRun(context.Context, string, ledger.Outcome, time.Time) error { return nil }

type nopMetrics struct{}

func (nopMetrics) RunStarted()                         {}
func (nopMetrics) RunFinished(string, time.Duration)   {}
func (nopMetrics) StateFinished(string, time.Duration) {}
func (nopMetrics) CacheLookup(string, bool)            {}
