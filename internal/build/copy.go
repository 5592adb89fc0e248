package build

import (
	"archive/tar"
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ligmir/ligship/internal/errs"
	"github.com/ligmir/ligship/internal/recipe"
)

// Executes a copy operation, transferring files into the container.
//
// Build-context sources are resolved relative to the context directory and
// may not escape it. Cross-stage sources are read from a named stage
// container's filesystem.
func (sc *stageContext) executeCopy(ctx context.Context, copyStr, workdir string) error {
	c, err := recipe.ParseCopy(copyStr)
	if err != nil {
		return errs.Wrap(ErrCopy, err)
	}

	dest, err := resolveDest(c.Dest, workdir)
	if err != nil {
		return errs.Wrap(ErrCopy, err)
	}

	// Ensure the destination parent directory exists.
	if err := sc.ctr.MkdirAll(ctx, path.Dir(dest)); err != nil {
		return errs.Wrap(ErrCopy, err)
	}

	if c.FromStage() {
		return sc.executeStageCopy(ctx, c.Stage, c.Src, dest)
	}
	return sc.executeHostCopy(ctx, c.Src, dest)
}

// Copies a file or directory from the build context into the container.
func (sc *stageContext) executeHostCopy(ctx context.Context, src, dest string) error {
	hostPath, err := contextPath(sc.opts.Context, src)
	if err != nil {
		return errs.Wrap(ErrCopy, err)
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return errs.Wrap(ErrCopy, err)
	}

	slog.Debug("copy", "src", hostPath, "dest", dest, "dir", info.IsDir())

	pr, pw := io.Pipe()

	go func() {
		tw := tar.NewWriter(pw)
		var writeErr error

		if info.IsDir() {
			writeErr = writeDirToTar(tw, hostPath, path.Base(dest))
		} else {
			writeErr = writeFileToTar(tw, hostPath, path.Base(dest))
		}

		if closeErr := tw.Close(); writeErr == nil {
			writeErr = closeErr
		}
		pw.CloseWithError(writeErr)
	}()

	if err := sc.ctr.CopyTo(ctx, pr, path.Dir(dest)); err != nil {
		pr.CloseWithError(err)
		return errs.Wrap(ErrCopy, err)
	}

	return nil
}

// Copies a path from a named stage container into the target container.
//
// The tar stream is piped directly from the source container's CopyFrom
// to the target container's CopyTo.
func (sc *stageContext) executeStageCopy(ctx context.Context, stage, src, dest string) error {
	srcCtr, ok := sc.stages[stage]
	if !ok {
		return errs.Wrapf(ErrCopy, "unknown stage %q", stage)
	}

	slog.Debug("cross-stage copy", "stage", stage, "src", src, "dest", dest)

	pr, pw := io.Pipe()

	errc := make(chan error, 1)
	go func() {
		err := srcCtr.CopyFrom(ctx, pw, src)
		pw.CloseWithError(err)
		errc <- err
	}()

	if err := sc.ctr.CopyTo(ctx, pr, path.Dir(dest)); err != nil {
		pr.CloseWithError(err)
		<-errc
		return errs.Wrap(ErrCopy, err)
	}

	if err := <-errc; err != nil {
		return errs.Wrap(ErrCopy, err)
	}

	return nil
}

// Resolves a copy destination against the working directory.
//
// Relative destinations require a working directory. Trailing slashes are
// dropped, so "out/" names the entry "out".
func resolveDest(dest, workdir string) (string, error) {
	if !path.IsAbs(dest) {
		if workdir == "" {
			return "", errs.Wrapf(ErrCopy, "relative dest %q requires workdir", dest)
		}
		dest = path.Join(workdir, dest)
	}
	dest = path.Clean(dest)
	if dest == "/" {
		return "", errs.Wrapf(ErrCopy, "cannot copy onto the root")
	}
	return dest, nil
}

// Resolves a build-context source to a host path inside the context.
func contextPath(root, src string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(src))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.Wrapf(ErrCopy, "source %q escapes the build context", src)
	}
	return filepath.Join(root, rel), nil
}

// Writes a single file to a tar writer with the given archive name.
func writeFileToTar(tw *tar.Writer, hostPath, name string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Writes a directory tree to a tar writer rooted at the given archive prefix.
func writeDirToTar(tw *tar.Writer, hostDir, prefix string) error {
	return filepath.WalkDir(hostDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}

		archivePath := filepath.ToSlash(filepath.Join(prefix, relPath))
		return writeTarEntry(tw, p, archivePath, d)
	})
}

// Writes a single file or directory entry to a tar writer.
//
// Symbolic links are stored as links, not followed.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, d os.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = archivePath

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	return nil
}
