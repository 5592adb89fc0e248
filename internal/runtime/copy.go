package runtime

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/ligmir/ligship/internal/errs"
)

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, dir string) error {
	return c.mustExec(ctx, "mkdir", nil, nil, "mkdir", "-p", dir)
}

// Archives several absolute paths as a single tar stream rooted at "/".
//
// Paths that do not exist are an error. Extracting the stream with
// [Container.CopyTo] into "/" restores them in place.
func (c *Container) ArchivePaths(ctx context.Context, w io.Writer, paths []string) error {
	args := []string{"tar", "cf", "-", "-C", "/"}
	for _, p := range paths {
		args = append(args, strings.TrimPrefix(path.Clean(p), "/"))
	}
	return c.mustExec(ctx, "tar archive", nil, w, args...)
}

// Copies a tar stream into the container's filesystem.
//
// The contents of r are extracted into destDir by piping them to "tar xf - -C
// destDir" inside the container.
func (c *Container) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	return c.mustExec(ctx, "tar extract", r, nil, "tar", "xf", "-", "-C", destDir)
}

// Copies a path from the container's filesystem as a tar stream.
//
// The file or directory at p is archived by running "tar cf - -C <dir>
// <base>" inside the container and streaming the output to w. Entries are
// named relative to the parent of p.
func (c *Container) CopyFrom(ctx context.Context, w io.Writer, p string) error {
	return c.mustExec(ctx, "tar archive", nil, w, "tar", "cf", "-", "-C", path.Dir(p), path.Base(p))
}

// Helper method that runs a command inside the container, returning an error
// that includes desc if the process exits with a non-zero code.
func (c *Container) mustExec(ctx context.Context, desc string, stdin io.Reader, stdout io.Writer, args ...string) error {
	exitCode, stderr, err := c.execCommand(ctx, stdin, stdout, nil, "", args...)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return errs.Wrapf(ErrRuntime, "%s failed with exit code %d (%s)", desc, exitCode, stderr)
	}
	return nil
}
