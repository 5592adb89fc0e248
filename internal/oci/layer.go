package oci

import (
	"archive/tar"
	"bytes"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/ligmir/ligship/internal/errs"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Modification time stamped on every layer entry.
var epoch = time.Unix(0, 0).UTC()

// A regular file to place in a layer.
type File struct {
	Path    string // Absolute path inside the image.
	Mode    int64  // Permission bits (e.g., 0o755).
	Content []byte
}

// A compressed filesystem layer.
type Layer struct {
	Descriptor ocispec.Descriptor // Descriptor of the compressed blob.
	DiffID     digest.Digest      // Digest of the uncompressed tar.
	Blob       []byte             // Gzipped tar stream.
}

// Builds a deterministic gzipped tar layer holding the given files.
//
// Files are written in path order as regular-file entries owned by uid and
// gid 0 with a zero modification time. No directory entries are emitted.
// Paths must be absolute and unique.
func NewLayer(files ...File) (Layer, error) {
	if len(files) == 0 {
		return Layer{}, errs.Wrapf(ErrInvalidLayer, "no files")
	}

	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)

	for i, f := range sorted {
		name, err := entryName(f.Path)
		if err != nil {
			return Layer{}, err
		}
		if i > 0 && sorted[i-1].Path == f.Path {
			return Layer{}, errs.Wrapf(ErrInvalidLayer, "duplicate path %q", f.Path)
		}

		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     f.Mode & 0o7777,
			Size:     int64(len(f.Content)),
			ModTime:  epoch,
			Format:   tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return Layer{}, errs.Wrap(ErrInvalidLayer, err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return Layer{}, errs.Wrap(ErrInvalidLayer, err)
		}
	}
	if err := tw.Close(); err != nil {
		return Layer{}, errs.Wrap(ErrInvalidLayer, err)
	}

	blob, err := compress(raw.Bytes())
	if err != nil {
		return Layer{}, errs.Wrap(ErrInvalidLayer, err)
	}

	return Layer{
		Descriptor: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    digest.FromBytes(blob),
			Size:      int64(len(blob)),
		},
		DiffID: digest.FromBytes(raw.Bytes()),
		Blob:   blob,
	}, nil
}

// Gzips data with an empty header so the output depends only on the input.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Converts an absolute image path to a tar entry name.
func entryName(p string) (string, error) {
	if !path.IsAbs(p) {
		return "", errs.Wrapf(ErrInvalidLayer, "path %q must be absolute", p)
	}
	name := strings.TrimPrefix(path.Clean(p), "/")
	if name == "" {
		return "", errs.Wrapf(ErrInvalidLayer, "path %q names the root", p)
	}
	return name, nil
}
