package build

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/ligmir/ligship/internal/cache"
	"github.com/ligmir/ligship/internal/errs"
	"github.com/ligmir/ligship/internal/recipe"
)

// Executes a cache group: restores it on a hit, runs and captures it on a
// miss.
//
// Group-level modifiers have already been applied to state. Nested command
// failures are reported as [ErrDependencies] and store nothing.
func (sc *stageContext) executeCache(ctx context.Context, step recipe.Step, state *stepState) error {
	spec := step.Cache

	files, err := cache.ReadKeyFiles(sc.opts.Context, spec.Key)
	if err != nil {
		return errs.Wrap(ErrDependencies, err)
	}

	key := cache.DeriveKey(cache.KeyInput{
		Name:     spec.Name,
		Builder:  sc.ctr.ImageDigest(),
		Platform: sc.opts.Platform,
		State:    state.fingerprint(),
		Files:    files,
		Steps:    describeSteps(step.Steps),
	})

	entry, err := sc.cache.Lookup(key)
	switch {
	case err == nil:
		slog.Info("cache hit", "cache", spec.Name, "key", key.Short())
		if err := sc.restore(ctx, key); err != nil {
			return err
		}
		state.skip(step.Steps)
		sc.finishCache(spec, key, entry, true, state)
		return nil

	case !errors.Is(err, cache.ErrNotFound):
		slog.Warn("cache lookup failed, rebuilding", "cache", spec.Name, "key", key.Short(), "error", err)
	}

	slog.Info("cache miss", "cache", spec.Name, "key", key.Short())

	entry, ran, err := sc.cache.Fill(ctx, key, func() (*cache.Entry, error) {
		if err := sc.executeSteps(ctx, step.Steps, state, ErrDependencies); err != nil {
			return nil, err
		}
		return sc.capture(ctx, key, spec)
	})
	if err != nil {
		return err
	}

	// Another build filled the key concurrently; its result is restored
	// into this container instead.
	if !ran {
		if err := sc.restore(ctx, key); err != nil {
			return err
		}
		state.skip(step.Steps)
	}

	sc.finishCache(spec, key, entry, !ran, state)
	return nil
}

// Records the outcome of a cache group.
func (sc *stageContext) finishCache(spec *recipe.CacheSpec, key cache.Key, entry *cache.Entry, hit bool, state *stepState) {
	state.record("cache " + spec.Name + " " + key.String())
	sc.caches = append(sc.caches, CacheResult{
		Name:   spec.Name,
		Key:    key,
		Hit:    hit,
		Digest: entry.Digest,
	})
}

// Archives the cache paths from the container into the store.
func (sc *stageContext) capture(ctx context.Context, key cache.Key, spec *recipe.CacheSpec) (*cache.Entry, error) {
	pr, pw := io.Pipe()

	go func() {
		pw.CloseWithError(sc.ctr.ArchivePaths(ctx, pw, spec.Paths))
	}()

	entry, err := sc.cache.Store().Put(key, spec.Name, spec.Paths, pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, errs.Wrap(ErrDependencies, err)
	}

	slog.Info("cache stored", "cache", spec.Name, "key", key.Short(), "size", entry.Size)
	return entry, nil
}

// Streams a stored entry into the container at "/".
//
// The entry's digest is verified while streaming. A mismatch fails the
// restore.
func (sc *stageContext) restore(ctx context.Context, key cache.Key) error {
	rc, _, err := sc.cache.Store().Open(key)
	if err != nil {
		return errs.Wrap(ErrDependencies, err)
	}
	defer rc.Close()

	pr, pw := io.Pipe()

	errc := make(chan error, 1)
	go func() {
		_, err := io.Copy(pw, rc)
		pw.CloseWithError(err)
		errc <- err
	}()

	if err := sc.ctr.CopyTo(ctx, pr, "/"); err != nil {
		pr.CloseWithError(err)
		<-errc
		return errs.Wrap(ErrDependencies, err)
	}

	if err := <-errc; err != nil {
		return errs.Wrap(ErrDependencies, err)
	}

	return nil
}
