package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ligmir/ligship/internal/errs"
	"github.com/ligmir/ligship/internal/executil"
)

var commitPattern = regexp.MustCompile(`^[0-9a-f]{7,64}$`)

// Resolved build source.
type Source struct {
	Dir       string     // Build context directory.
	Commit    string     // Full commit hash.
	Time      *time.Time // Commit time, or nil when unknown.
	Temporary bool       // Dir was created for this run and is removed afterwards.
}

// Resolves the source tree and commit of a run.
type Checkouter interface {
	Checkout(ctx context.Context, cfg RunConfig) (*Source, error)
}

// Resolves sources with git.
type Checkout struct {
	runner  executil.Runner // Runs git.
	workDir string          // Parent of temporary clones.
}

// Creates a git checkout. Clones without a configured destination are made
// under workDir.
func NewCheckout(runner executil.Runner, workDir string) *Checkout {
	return &Checkout{runner: runner, workDir: workDir}
}

// Resolves the source directory and commit.
//
// With a remote configured, the repository is cloned and the commit checked
// out detached. Otherwise the source directory is used as-is and the commit
// defaults to its HEAD. A supplied commit that git cannot resolve in a local
// source is used verbatim, for source trees that are not repositories.
func (c *Checkout) Checkout(ctx context.Context, cfg RunConfig) (*Source, error) {
	commit := strings.ToLower(strings.TrimSpace(cfg.Commit))
	if commit != "" && !commitPattern.MatchString(commit) {
		return nil, errs.Wrapf(ErrCheckout, "malformed commit %q", cfg.Commit)
	}

	var src *Source
	var err error
	if cfg.Remote != "" {
		src, err = c.clone(ctx, cfg.Remote, cfg.Source, commit)
	} else {
		src, err = c.local(ctx, cfg.Source, commit)
	}
	if err != nil {
		return nil, err
	}

	src.Time = c.commitTime(ctx, src.Dir, src.Commit)

	slog.Info("source resolved", "dir", src.Dir, "commit", src.Commit)
	return src, nil
}

// Clones remote into dest, or into a temporary directory when dest is empty.
func (c *Checkout) clone(ctx context.Context, remote, dest, commit string) (*Source, error) {
	src := &Source{Dir: dest}
	if dest == "" {
		if err := os.MkdirAll(c.workDir, 0o755); err != nil {
			return nil, errs.Wrap(ErrCheckout, err)
		}
		dir, err := os.MkdirTemp(c.workDir, "checkout-")
		if err != nil {
			return nil, errs.Wrap(ErrCheckout, err)
		}
		src.Dir = dir
		src.Temporary = true
	}

	fail := func(err error) (*Source, error) {
		if src.Temporary {
			os.RemoveAll(src.Dir)
		}
		return nil, errs.Wrap(ErrCheckout, err)
	}

	if _, err := c.runner.Run(ctx, "", "git", "clone", "--quiet", remote, src.Dir); err != nil {
		return fail(err)
	}
	if commit != "" {
		if _, err := c.runner.Run(ctx, src.Dir, "git", "checkout", "--quiet", "--detach", commit); err != nil {
			return fail(err)
		}
	}

	head, err := executil.Output(ctx, c.runner, src.Dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return fail(err)
	}
	src.Commit = head
	return src, nil
}

// Uses dir in place.
func (c *Checkout) local(ctx context.Context, dir, commit string) (*Source, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errs.Wrap(ErrCheckout, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errs.Wrap(ErrCheckout, err)
	}
	if !info.IsDir() {
		return nil, errs.Wrapf(ErrCheckout, "%s is not a directory", abs)
	}

	rev := commit
	if rev == "" {
		rev = "HEAD"
	}

	full, err := executil.Output(ctx, c.runner, abs, "git", "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	switch {
	case err == nil:
		commit = full
	case commit == "":
		return nil, errs.Wrapf(ErrCheckout, "resolve HEAD of %s: %w", abs, err)
	default:
		slog.Warn("commit not found in source, using it verbatim", "commit", commit, "dir", abs)
	}

	return &Source{Dir: abs, Commit: commit}, nil
}

// Returns the committer time of commit, or nil if git cannot report it.
func (c *Checkout) commitTime(ctx context.Context, dir, commit string) *time.Time {
	out, err := executil.Output(ctx, c.runner, dir, "git", "show", "-s", "--format=%ct", commit)
	if err != nil {
		return nil
	}
	secs, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}
