package oci

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/platforms"
	"github.com/ligmir/ligship/internal/errs"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Settings applied to the image config when a layer is added.
type Config struct {
	Platform   ocispec.Platform  // Target platform recorded in the config.
	Entrypoint []string          // Replaces the base entrypoint. Cmd is cleared.
	Labels     map[string]string // Merged over the base labels.
	Created    *time.Time        // Creation time. Nil omits the field.
	CreatedBy  string            // History note for the added layer.
}

// A serialized JSON blob and its descriptor.
type Blob struct {
	Descriptor ocispec.Descriptor
	Data       []byte
}

// An image produced by adding a layer.
type Image struct {
	Manifest Blob  // Serialized manifest.
	Config   Blob  // Serialized image config.
	Layer    Layer // The added layer. Base layers are referenced, not carried.
}

// Returns the digest of the image manifest.
func (img Image) Digest() digest.Digest {
	return img.Manifest.Descriptor.Digest
}

// Builds an image whose root filesystem is the layer alone.
//
// The config declares only the platform, the entrypoint, labels, and the
// layer's diff ID. No shell, environment, or command is inherited from
// anywhere.
func Scratch(cfg Config, layer Layer) (Image, error) {
	if cfg.Platform.OS == "" || cfg.Platform.Architecture == "" {
		return Image{}, errs.Wrapf(ErrInvalidImage, "platform %q is incomplete", platforms.Format(cfg.Platform))
	}

	config := ocispec.Image{
		Created:  cfg.Created,
		Platform: cfg.Platform,
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: []digest.Digest{layer.DiffID},
		},
	}
	apply(&config, cfg, layer)

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Layers:    []ocispec.Descriptor{layer.Descriptor},
	}

	return assemble(manifest, ocispec.MediaTypeImageManifest, ocispec.MediaTypeImageConfig, config, layer)
}

// Extends a base image with the layer.
//
// The manifest keeps the base media type and existing layers. The new layer
// is appended with a layer media type matching the manifest flavor. The base config keeps its
// environment, working directory, and history, and receives the entrypoint
// and labels from cfg.
func Append(base ocispec.Manifest, baseMediaType string, config ocispec.Image, cfg Config, layer Layer) (Image, error) {
	if len(base.Layers) != len(config.RootFS.DiffIDs) {
		return Image{}, errs.Wrapf(ErrInvalidImage, "base manifest has %d layers but config lists %d diff IDs", len(base.Layers), len(config.RootFS.DiffIDs))
	}

	manifest := base
	manifest.Layers = append(append([]ocispec.Descriptor(nil), base.Layers...), layerDescriptor(baseMediaType, layer))
	manifest.Annotations = maps.Clone(base.Annotations)

	config.RootFS.DiffIDs = append(append([]digest.Digest(nil), config.RootFS.DiffIDs...), layer.DiffID)
	config.History = append([]ocispec.History(nil), config.History...)
	config.Config.Labels = maps.Clone(config.Config.Labels)
	if cfg.Created != nil {
		config.Created = cfg.Created
	}
	apply(&config, cfg, layer)

	return assemble(manifest, baseMediaType, base.Config.MediaType, config, layer)
}

// Applies the entrypoint, labels, and history entry to a config.
func apply(config *ocispec.Image, cfg Config, layer Layer) {
	if len(cfg.Entrypoint) > 0 {
		config.Config.Entrypoint = cfg.Entrypoint
		config.Config.Cmd = nil
	}
	if len(cfg.Labels) > 0 {
		if config.Config.Labels == nil {
			config.Config.Labels = make(map[string]string, len(cfg.Labels))
		}
		maps.Copy(config.Config.Labels, cfg.Labels)
	}
	config.History = append(config.History, ocispec.History{
		Created:   cfg.Created,
		CreatedBy: cfg.CreatedBy,
	})
}

// Serializes config and manifest, linking the manifest to the config.
func assemble(manifest ocispec.Manifest, manifestMediaType, configMediaType string, config ocispec.Image, layer Layer) (Image, error) {
	if manifestMediaType == "" {
		manifestMediaType = ocispec.MediaTypeImageManifest
	}
	if configMediaType == "" {
		configMediaType = ocispec.MediaTypeImageConfig
	}

	configBlob, err := Marshal(configMediaType, config)
	if err != nil {
		return Image{}, err
	}
	manifest.Config = configBlob.Descriptor

	manifestBlob, err := Marshal(manifestMediaType, manifest)
	if err != nil {
		return Image{}, err
	}

	return Image{Manifest: manifestBlob, Config: configBlob, Layer: layer}, nil
}

// Serializes v as JSON and describes it with the given media type.
func Marshal(mediaType string, v any) (Blob, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Blob{}, errs.Wrap(ErrInvalidImage, err)
	}
	return Blob{
		Descriptor: ocispec.Descriptor{
			MediaType: mediaType,
			Digest:    digest.FromBytes(data),
			Size:      int64(len(data)),
		},
		Data: data,
	}, nil
}

// Returns the layer descriptor typed to match the manifest flavor.
//
// Docker schema 2 manifests reference Docker layer media types; mixing in
// an OCI layer type is rejected by some registries.
func layerDescriptor(manifestMediaType string, layer Layer) ocispec.Descriptor {
	desc := layer.Descriptor
	if manifestMediaType == images.MediaTypeDockerSchema2Manifest {
		desc.MediaType = images.MediaTypeDockerSchema2LayerGzip
	}
	return desc
}

// Computes containerd GC reference labels for a manifest's children.
//
// These labels allow containerd's garbage collector to trace reachability
// from the manifest blob to its config and layer blobs.
func ManifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		key := fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)
		labels[key] = layer.Digest.String()
	}
	return labels
}
