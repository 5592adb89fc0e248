package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/ligmir/ligship/internal/errs"
	"github.com/ligmir/ligship/internal/oci"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// A base image resolved to a single platform.
type BaseImage struct {
	Name      string           // Normalized reference.
	MediaType string           // Media type of the platform manifest.
	Manifest  ocispec.Manifest // Platform manifest.
	Config    ocispec.Image    // Image config referenced by the manifest.
}

// Pulls ref and reads its manifest and config for the target platform.
//
// The base image record is never modified. Images built on top of it
// reference its layer blobs, which stay in the content store.
func (rt *Runtime) BaseImage(ctx context.Context, ref, platform string) (*BaseImage, error) {
	img, err := rt.Pull(ctx, ref, platform)
	if err != nil {
		return nil, err
	}

	desc, err := rt.resolveManifestDescriptor(ctx, img.Target, platform)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	manifest, err := rt.readManifest(ctx, desc)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	config, err := rt.readConfig(ctx, manifest.Config)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	return &BaseImage{
		Name:      img.Name,
		MediaType: desc.MediaType,
		Manifest:  manifest,
		Config:    config,
	}, nil
}

// Writes an assembled image to the content store and records it under name.
//
// The layer, config, and manifest blobs are written under a content lease
// that is held until the image record exists, so containerd's garbage
// collector cannot collect them in between. The manifest carries GC
// reference labels to its config and layers. Returns the target descriptor
// of the new record.
func (rt *Runtime) Commit(ctx context.Context, name string, img oci.Image, platform string) (ocispec.Descriptor, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return ocispec.Descriptor{}, errs.Wrap(ErrRuntime, err)
	}

	ctx, done, err := rt.client.WithLease(ctx)
	if err != nil {
		return ocispec.Descriptor{}, errs.Wrap(ErrRuntime, err)
	}
	defer done(context.Background())

	var manifest ocispec.Manifest
	if err := json.Unmarshal(img.Manifest.Data, &manifest); err != nil {
		return ocispec.Descriptor{}, errs.Wrap(ErrRuntime, err)
	}

	if err := rt.writeBlob(ctx, name+"-layer", img.Layer.Blob, img.Layer.Descriptor); err != nil {
		return ocispec.Descriptor{}, errs.Wrap(ErrRuntime, err)
	}
	if err := rt.writeBlob(ctx, name+"-config", img.Config.Data, img.Config.Descriptor); err != nil {
		return ocispec.Descriptor{}, errs.Wrap(ErrRuntime, err)
	}
	if err := rt.writeBlob(ctx, name+"-manifest", img.Manifest.Data, img.Manifest.Descriptor,
		content.WithLabels(oci.ManifestGCLabels(manifest))); err != nil {
		return ocispec.Descriptor{}, errs.Wrap(ErrRuntime, err)
	}

	target := img.Manifest.Descriptor
	target.Platform = &p

	if err := rt.Tag(ctx, name, target); err != nil {
		return ocispec.Descriptor{}, err
	}

	slog.Debug("image committed", "name", name, "digest", target.Digest)
	return target, nil
}

// Points the image record name at target, creating it if needed.
func (rt *Runtime) Tag(ctx context.Context, name string, target ocispec.Descriptor) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   name,
		Target: target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return errs.Wrap(ErrRuntime, err)
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return errs.Wrap(ErrRuntime, err)
		}
	}
	return nil
}

// Returns the target descriptor of an image record.
func (rt *Runtime) Target(ctx context.Context, name string) (ocispec.Descriptor, error) {
	img, err := rt.client.ImageService().Get(ctx, name)
	if err != nil {
		return ocispec.Descriptor{}, errs.Wrap(ErrRuntime, err)
	}
	return img.Target, nil
}

// Removes an image record. Removing a missing record is not an error.
func (rt *Runtime) Untag(ctx context.Context, name string) error {
	if err := rt.client.ImageService().Delete(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return errs.Wrap(ErrRuntime, err)
	}
	return nil
}

// Writes an image record to an OCI tar archive at path.
//
// The record's name is attached as the OCI reference annotation.
func (rt *Runtime) Export(ctx context.Context, name, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(ErrRuntime, err)
	}
	defer f.Close()

	if err := rt.client.Export(ctx, f, archive.WithImage(rt.client.ImageService(), name)); err != nil {
		return errs.Wrap(ErrRuntime, err)
	}

	slog.Info("image exported", "name", name, "path", path)
	return f.Close()
}

// Resolves an image root descriptor to a platform-specific manifest.
//
// If the root is an OCI Image Index, the index is read and walked to find
// the manifest matching the platform. A root that is already a manifest is
// returned as is.
//
// Some registries (notably Docker Hub) serve index entries without explicit
// platform metadata. When a descriptor lacks a platform field, the manifest
// and its config are read to extract the platform from the image config, the
// same fallback that containerd's images.Manifest uses internally.
func (rt *Runtime) resolveManifestDescriptor(ctx context.Context, root ocispec.Descriptor, platform string) (ocispec.Descriptor, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil
	}

	idx, err := rt.readIndex(ctx, root)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, errs.Wrapf(ErrEmptyIndex, "%s", root.Digest)
	}

	p, err := platforms.Parse(platform)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	i, ok := rt.matchManifest(ctx, idx, platforms.OnlyStrict(p))
	if !ok {
		return ocispec.Descriptor{}, errs.Wrapf(ErrRuntime, "no manifest for platform %s in %s", platform, root.Digest)
	}
	return idx.Manifests[i], nil
}

// Searches the index for a manifest matching the given platform.
//
// Descriptors with an explicit platform field are checked first. If none
// match, descriptors without a platform field are probed by reading the
// image config to discover the platform.
func (rt *Runtime) matchManifest(ctx context.Context, idx ocispec.Index, matcher platforms.MatchComparer) (int, bool) {
	for i, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return i, true
		}
	}
	for i, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		if p, ok := rt.configPlatform(ctx, m); ok && matcher.Match(p) {
			return i, true
		}
	}
	return 0, false
}

// Reads the image config referenced by a manifest descriptor and returns the
// platform declared in the config.
func (rt *Runtime) configPlatform(ctx context.Context, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	manifest, err := rt.readManifest(ctx, desc)
	if err != nil {
		return ocispec.Platform{}, false
	}
	config, err := rt.readConfig(ctx, manifest.Config)
	if err != nil {
		return ocispec.Platform{}, false
	}
	return ocispec.Platform{
		OS:           config.OS,
		Architecture: config.Architecture,
		Variant:      config.Variant,
	}, true
}

// Loads an OCI manifest from the content store.
func (rt *Runtime) readManifest(ctx context.Context, desc ocispec.Descriptor) (ocispec.Manifest, error) {
	var m ocispec.Manifest
	if err := rt.readJSON(ctx, desc, &m); err != nil {
		return ocispec.Manifest{}, err
	}
	return m, nil
}

// Loads an OCI image index from the content store.
func (rt *Runtime) readIndex(ctx context.Context, desc ocispec.Descriptor) (ocispec.Index, error) {
	var idx ocispec.Index
	if err := rt.readJSON(ctx, desc, &idx); err != nil {
		return ocispec.Index{}, err
	}
	return idx, nil
}

// Loads an OCI image config from the content store.
func (rt *Runtime) readConfig(ctx context.Context, desc ocispec.Descriptor) (ocispec.Image, error) {
	var img ocispec.Image
	if err := rt.readJSON(ctx, desc, &img); err != nil {
		return ocispec.Image{}, err
	}
	return img, nil
}

// Reads a blob and decodes it as JSON into v.
func (rt *Runtime) readJSON(ctx context.Context, desc ocispec.Descriptor, v any) error {
	b, err := content.ReadBlob(ctx, rt.client.ContentStore(), desc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Writes raw bytes to the content store under the given descriptor.
func (rt *Runtime) writeBlob(ctx context.Context, ref string, data []byte, desc ocispec.Descriptor, opts ...content.Opt) error {
	return content.WriteBlob(ctx, rt.client.ContentStore(), ref, bytes.NewReader(data), desc, opts...)
}
