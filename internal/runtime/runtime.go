package runtime

import (
	"context"
	"log/slog"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/distribution/reference"
	"github.com/ligmir/ligship/internal/errs"
)

const (

	// Default snapshotter for container filesystems.
	DefaultSnapshotter = "overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Manages the containerd client and provides image and container operations.
type Runtime struct {
	client      *containerd.Client // Containerd client for managing containers and images.
	snapshotter string             // Snapshotter used for build container filesystems.
}

// Configures a [Runtime].
type Option func(*Runtime)

// Selects the snapshotter for build containers.
//
// Rootless setups typically need "fuse-overlayfs", which provides overlay
// semantics without mount(2).
func WithSnapshotter(name string) Option {
	return func(rt *Runtime) {
		if name != "" {
			rt.snapshotter = name
		}
	}
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. The
// runtime must be closed when no longer needed.
func New(address, namespace string, opts ...Option) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}
	rt := &Runtime{client: client, snapshotter: DefaultSnapshotter}
	for _, opt := range opts {
		opt(rt)
	}
	return rt, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Pulls an image for the target platform and starts a build container.
//
// The layers for the target platform are unpacked into the snapshotter, a
// container is created with a fresh snapshot, and a long-running task
// (sleep infinity) is started so that subsequent Exec calls have a running
// process to attach to. Any existing container with the same ID is removed
// before the new one is created. Building for a platform other than the
// host requires QEMU / binfmt_misc support in the kernel.
func (rt *Runtime) StartContainer(ctx context.Context, ref, id, platform string) (*Container, error) {
	source, err := rt.Pull(ctx, ref, platform)
	if err != nil {
		return nil, err
	}

	if err := rt.unpackImage(ctx, source.Name, platform); err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	manifest, err := rt.resolveManifestDescriptor(ctx, source.Target, platform)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	c := &Container{
		client:      rt.client,
		id:          id,
		platform:    platform,
		snapshotter: rt.snapshotter,
		image:       manifest.Digest,
	}

	// Remove any stale container from a previous build with the same ID.
	c.remove(ctx)

	image, err := rt.resolveImage(ctx, source.Name, platform)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	ctr, err := c.create(ctx, image)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	if err := c.startTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, errs.Wrap(ErrRuntime, err)
	}

	slog.Debug("container started", "id", id, "image", source.Name, "digest", c.image)

	return c, nil
}

// Returns the local image record for ref, pulling it when absent.
//
// Short references are normalized the way docker does ("alpine:3.20"
// becomes "docker.io/library/alpine:3.20"). Only the content for the target
// platform is fetched.
func (rt *Runtime) Pull(ctx context.Context, ref, platform string) (images.Image, error) {
	name, err := NormalizeRef(ref)
	if err != nil {
		return images.Image{}, err
	}

	if img, err := rt.client.ImageService().Get(ctx, name); err == nil {
		return img, nil
	} else if !errdefs.IsNotFound(err) {
		return images.Image{}, errs.Wrap(ErrRuntime, err)
	}

	p, err := platforms.Parse(platform)
	if err != nil {
		return images.Image{}, errs.Wrap(ErrRuntime, err)
	}

	slog.Info("pulling image", "ref", name, "platform", platform)

	pulled, err := rt.client.Pull(ctx, name, containerd.WithPlatformMatcher(platforms.Only(p)))
	if err != nil {
		return images.Image{}, errs.Wrapf(ErrRuntime, "pull %s: %w", name, err)
	}
	return pulled.Metadata(), nil
}

// Returns the fully qualified form of an image reference.
func NormalizeRef(ref string) (string, error) {
	named, err := reference.ParseDockerRef(ref)
	if err != nil {
		return "", errs.Wrapf(ErrInvalidReference, "%q: %w", ref, err)
	}
	return named.String(), nil
}

// Unpacks the image layers for the target platform into the snapshotter.
func (rt *Runtime) unpackImage(ctx context.Context, name, platform string) error {
	image, err := rt.resolveImage(ctx, name, platform)
	if err != nil {
		return err
	}

	return image.Unpack(ctx, rt.snapshotter)
}

// Looks up an image record and selects the manifest for the given platform.
//
// Multi-platform images contain manifests for multiple architectures. This
// method selects one, so that subsequent operations target the correct
// architecture.
func (rt *Runtime) resolveImage(ctx context.Context, name, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, name)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}
