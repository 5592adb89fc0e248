package oci

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/containerd/containerd/v2/core/images"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var amd64 = ocispec.Platform{OS: "linux", Architecture: "amd64"}

func testLayer(t *testing.T) Layer {
	t.Helper()
	layer, err := NewLayer(File{Path: "/ligmir", Mode: 0o755, Content: []byte("binary")})
	if err != nil {
		t.Fatal(err)
	}
	return layer
}

func decode[T any](t *testing.T, b Blob) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b.Data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", b.Descriptor.MediaType, err)
	}
	return v
}

func TestScratch(t *testing.T) {
	layer := testLayer(t)
	img, err := Scratch(Config{
		Platform:   amd64,
		Entrypoint: []string{"/ligmir"},
		Labels:     map[string]string{ocispec.AnnotationRevision: "abc"},
	}, layer)
	if err != nil {
		t.Fatalf("Scratch: %v", err)
	}

	manifest := decode[ocispec.Manifest](t, img.Manifest)
	if manifest.MediaType != ocispec.MediaTypeImageManifest {
		t.Errorf("manifest media type = %q", manifest.MediaType)
	}
	if len(manifest.Layers) != 1 || manifest.Layers[0].Digest != layer.Descriptor.Digest {
		t.Fatalf("layers = %v, want only the binary layer", manifest.Layers)
	}
	if manifest.Config.Digest != img.Config.Descriptor.Digest {
		t.Errorf("manifest config = %s, want %s", manifest.Config.Digest, img.Config.Descriptor.Digest)
	}

	config := decode[ocispec.Image](t, img.Config)
	if config.OS != "linux" || config.Architecture != "amd64" {
		t.Errorf("platform = %s/%s", config.OS, config.Architecture)
	}
	if len(config.Config.Entrypoint) != 1 || config.Config.Entrypoint[0] != "/ligmir" {
		t.Errorf("entrypoint = %v", config.Config.Entrypoint)
	}
	if config.Config.Cmd != nil || config.Config.Env != nil {
		t.Errorf("scratch config inherits cmd %v env %v", config.Config.Cmd, config.Config.Env)
	}
	if len(config.RootFS.DiffIDs) != 1 || config.RootFS.DiffIDs[0] != layer.DiffID {
		t.Errorf("diff IDs = %v", config.RootFS.DiffIDs)
	}
	if config.Config.Labels[ocispec.AnnotationRevision] != "abc" {
		t.Errorf("labels = %v", config.Config.Labels)
	}
	if config.Created != nil {
		t.Errorf("created = %v, want omitted", config.Created)
	}
}

func TestScratchIdempotent(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{Platform: amd64, Entrypoint: []string{"/ligmir"}, Created: &created}

	first, err := Scratch(cfg, testLayer(t))
	if err != nil {
		t.Fatal(err)
	}
	second, err := Scratch(cfg, testLayer(t))
	if err != nil {
		t.Fatal(err)
	}
	if first.Digest() != second.Digest() {
		t.Fatalf("manifest digests differ: %s vs %s", first.Digest(), second.Digest())
	}
}

func TestScratchRequiresPlatform(t *testing.T) {
	if _, err := Scratch(Config{}, testLayer(t)); !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("err = %v, want ErrInvalidImage", err)
	}
}

func baseImage() (ocispec.Manifest, ocispec.Image) {
	base := digest.FromString("base layer")
	diff := digest.FromString("base diff")
	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: images.MediaTypeDockerSchema2Manifest,
		Config:    ocispec.Descriptor{MediaType: images.MediaTypeDockerSchema2Config, Digest: digest.FromString("cfg"), Size: 3},
		Layers:    []ocispec.Descriptor{{MediaType: images.MediaTypeDockerSchema2LayerGzip, Digest: base, Size: 10}},
	}
	config := ocispec.Image{
		Platform: amd64,
		Config: ocispec.ImageConfig{
			Env:    []string{"PATH=/usr/bin"},
			Cmd:    []string{"/bin/sh"},
			Labels: map[string]string{"maintainer": "alpine"},
		},
		RootFS:  ocispec.RootFS{Type: "layers", DiffIDs: []digest.Digest{diff}},
		History: []ocispec.History{{CreatedBy: "ADD rootfs"}},
	}
	return manifest, config
}

func TestAppend(t *testing.T) {
	manifest, config := baseImage()
	layer := testLayer(t)

	img, err := Append(manifest, images.MediaTypeDockerSchema2Manifest, config, Config{
		Entrypoint: []string{"/ligmir"},
		Labels:     map[string]string{ocispec.AnnotationSource: "https://example.com/ligmir"},
		CreatedBy:  "copy ligmir",
	}, layer)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if img.Manifest.Descriptor.MediaType != images.MediaTypeDockerSchema2Manifest {
		t.Errorf("descriptor media type = %q", img.Manifest.Descriptor.MediaType)
	}

	got := decode[ocispec.Manifest](t, img.Manifest)
	if len(got.Layers) != 2 {
		t.Fatalf("got %d layers, want 2", len(got.Layers))
	}
	if got.Layers[0].Digest != manifest.Layers[0].Digest {
		t.Errorf("base layer changed")
	}
	if got.Layers[1].MediaType != images.MediaTypeDockerSchema2LayerGzip {
		t.Errorf("added layer media type = %q", got.Layers[1].MediaType)
	}
	if got.Config.MediaType != images.MediaTypeDockerSchema2Config {
		t.Errorf("config media type = %q", got.Config.MediaType)
	}

	cfg := decode[ocispec.Image](t, img.Config)
	if len(cfg.RootFS.DiffIDs) != 2 || cfg.RootFS.DiffIDs[1] != layer.DiffID {
		t.Errorf("diff IDs = %v", cfg.RootFS.DiffIDs)
	}
	if cfg.Config.Cmd != nil {
		t.Errorf("cmd = %v, want cleared", cfg.Config.Cmd)
	}
	if len(cfg.Config.Env) != 1 {
		t.Errorf("env = %v, want base env kept", cfg.Config.Env)
	}
	if cfg.Config.Labels["maintainer"] != "alpine" || cfg.Config.Labels[ocispec.AnnotationSource] == "" {
		t.Errorf("labels = %v", cfg.Config.Labels)
	}
	if len(cfg.History) != 2 || cfg.History[1].CreatedBy != "copy ligmir" {
		t.Errorf("history = %v", cfg.History)
	}

	// The caller's base values are not mutated.
	if len(manifest.Layers) != 1 || len(config.RootFS.DiffIDs) != 1 || len(config.Config.Labels) != 1 {
		t.Errorf("base image mutated")
	}
}

func TestAppendMismatchedBase(t *testing.T) {
	manifest, config := baseImage()
	config.RootFS.DiffIDs = nil
	if _, err := Append(manifest, ocispec.MediaTypeImageManifest, config, Config{}, testLayer(t)); !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("err = %v, want ErrInvalidImage", err)
	}
}

func TestManifestGCLabels(t *testing.T) {
	m := ocispec.Manifest{
		Config: ocispec.Descriptor{Digest: "sha256:config"},
		Layers: []ocispec.Descriptor{
			{Digest: "sha256:layer0"},
			{Digest: "sha256:layer1"},
		},
	}

	labels := ManifestGCLabels(m)

	want := map[string]string{
		"containerd.io/gc.ref.content.config": "sha256:config",
		"containerd.io/gc.ref.content.l.0":    "sha256:layer0",
		"containerd.io/gc.ref.content.l.1":    "sha256:layer1",
	}
	if len(labels) != len(want) {
		t.Fatalf("got %d labels, want %d", len(labels), len(want))
	}
	for k, v := range want {
		if labels[k] != v {
			t.Errorf("label %s = %q, want %q", k, labels[k], v)
		}
	}
}
