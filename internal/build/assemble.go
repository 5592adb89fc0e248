package build

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/containerd/platforms"
	"github.com/ligmir/ligship/internal/errs"
	"github.com/ligmir/ligship/internal/oci"
	"github.com/ligmir/ligship/internal/recipe"
	"github.com/ligmir/ligship/internal/runtime"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Largest artifact accepted from a build stage.
const maxArtifactSize = 1 << 30

// Assembles the output stage and commits it under the image name.
//
// The stage's single cross-stage copy is read from the source container as
// a tar stream. The file becomes a one-entry layer with mode 0755. On a
// scratch stage the layer is the whole root filesystem; otherwise it is
// appended to the pulled base image.
func (e *executor) assemble(ctx context.Context, stage recipe.Stage) (ocispec.Descriptor, error) {
	c, err := recipe.ParseCopy(stage.Steps[0].Copy)
	if err != nil {
		return ocispec.Descriptor{}, errs.Wrap(ErrCopy, err)
	}

	src, ok := e.stages[c.Stage]
	if !ok {
		return ocispec.Descriptor{}, errs.Wrapf(ErrCopy, "unknown stage %q", c.Stage)
	}

	slog.Info("assembling image", "from", stage.From, "artifact", c.Src, "dest", c.Dest)

	content, err := e.readArtifact(ctx, src.CopyFrom, c.Src)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	layer, err := oci.NewLayer(oci.File{Path: c.Dest, Mode: 0o755, Content: content})
	if err != nil {
		return ocispec.Descriptor{}, errs.Wrap(ErrArtifact, err)
	}

	p, err := platforms.Parse(e.opts.Platform)
	if err != nil {
		return ocispec.Descriptor{}, errs.Wrap(ErrBuild, err)
	}

	cfg := oci.Config{
		Platform:   p,
		Entrypoint: stage.Entrypoint,
		Labels:     e.opts.Labels,
		Created:    e.opts.Created,
		CreatedBy:  "copy " + c.String(),
	}

	var img oci.Image
	if stage.IsScratch() {
		img, err = oci.Scratch(cfg, layer)
	} else {
		var base *runtime.BaseImage
		base, err = e.rt.BaseImage(ctx, stage.From, e.opts.Platform)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		img, err = oci.Append(base.Manifest, base.MediaType, base.Config, cfg, layer)
	}
	if err != nil {
		return ocispec.Descriptor{}, errs.Wrap(ErrBuild, err)
	}

	return e.rt.Commit(ctx, e.opts.Image, img, e.opts.Platform)
}

// Reads a single regular file from a stage container.
func (e *executor) readArtifact(ctx context.Context, copyFrom func(context.Context, io.Writer, string) error, src string) ([]byte, error) {
	pr, pw := io.Pipe()

	errc := make(chan error, 1)
	go func() {
		err := copyFrom(ctx, pw, src)
		pw.CloseWithError(err)
		errc <- err
	}()

	content, err := extractFile(pr, path.Base(src))
	if err == nil {
		// tar pads its output to a full record past the end-of-archive marker.
		_, err = io.Copy(io.Discard, pr)
	}
	pr.CloseWithError(io.ErrClosedPipe)
	copyErr := <-errc

	if err != nil {
		return nil, errs.Wrapf(ErrArtifact, "%s: %w", src, err)
	}
	if copyErr != nil {
		return nil, errs.Wrapf(ErrArtifact, "%s: %w", src, copyErr)
	}
	return content, nil
}

// Reads the named regular file from a tar stream.
//
// The stream must hold exactly that file. Directories, links, and any
// additional entries are rejected so the image can only ever contain the
// single artifact.
func extractFile(r io.Reader, name string) ([]byte, error) {
	tr := tar.NewReader(r)

	hdr, err := tr.Next()
	if err == io.EOF {
		return nil, errors.New("empty archive")
	}
	if err != nil {
		return nil, err
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil, fmt.Errorf("%s is not a regular file", hdr.Name)
	}
	if path.Clean(hdr.Name) != name {
		return nil, fmt.Errorf("unexpected entry %q", hdr.Name)
	}
	if hdr.Size > maxArtifactSize {
		return nil, fmt.Errorf("artifact is %d bytes, limit is %d", hdr.Size, maxArtifactSize)
	}

	content, err := io.ReadAll(tr)
	if err != nil {
		return nil, err
	}

	if next, err := tr.Next(); err != io.EOF {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("unexpected extra entry %q", next.Name)
	}
	return content, nil
}
