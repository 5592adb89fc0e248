package runtime

import (
	"context"
	"log/slog"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/remotes"
	"github.com/containerd/containerd/v2/core/remotes/docker"
	"github.com/containerd/platforms"
	"github.com/ligmir/ligship/internal/errs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Supplies registry credentials for a host.
//
// Returning empty strings means anonymous access.
type Credentials func(host string) (username, secret string, err error)

// Pushes the image record name to its registry.
//
// The record's name is the destination reference. Every blob reachable from
// the record's target for the given platform is uploaded before the
// manifest. Blobs already present in the registry are skipped.
func (rt *Runtime) Push(ctx context.Context, name, platform string, creds Credentials) (ocispec.Descriptor, error) {
	img, err := rt.client.ImageService().Get(ctx, name)
	if err != nil {
		return ocispec.Descriptor{}, errs.Wrap(ErrRuntime, err)
	}

	p, err := platforms.Parse(platform)
	if err != nil {
		return ocispec.Descriptor{}, errs.Wrap(ErrRuntime, err)
	}

	slog.Info("pushing image", "ref", name, "digest", img.Target.Digest)

	err = rt.client.Push(ctx, name, img.Target,
		containerd.WithResolver(newResolver(creds)),
		containerd.WithPlatformMatcher(platforms.Only(p)),
	)
	if err != nil {
		return ocispec.Descriptor{}, errs.Wrapf(ErrRuntime, "push %s: %w", name, err)
	}

	return img.Target, nil
}

// Creates a registry resolver that authenticates with creds.
//
// Localhost registries are reached over plain HTTP.
func newResolver(creds Credentials) remotes.Resolver {
	authorizer := docker.NewDockerAuthorizer(docker.WithAuthCreds(func(host string) (string, string, error) {
		if creds == nil {
			return "", "", nil
		}
		return creds(host)
	}))

	return docker.NewResolver(docker.ResolverOptions{
		Hosts: docker.ConfigureDefaultRegistries(
			docker.WithAuthorizer(authorizer),
			docker.WithPlainHTTP(docker.MatchLocalhost),
		),
	})
}
