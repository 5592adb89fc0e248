// Package build executes recipes against the container runtime.
//
// A recipe is an ordered sequence of stages. Every stage but the last is a
// transient build stage backed by a container created from its base image.
// The builder starts a container for each build stage and dispatches its
// steps: shell commands, copies from the build context, and copies from
// earlier stages. Step state (environment variables, working directory,
// shell) is accumulated across steps within a stage and reset between
// stages.
//
// A step group with a cache specification is memoized. Its key covers the
// builder image, the platform, everything that ran before it in the stage,
// the contents of its key files, and its own steps. On a hit the stored
// paths are restored into the container and the group is skipped. On a
// miss the group runs and its paths are captured into the cache. Failures
// inside a cache group are reported as [ErrDependencies]; other command
// failures are reported as [ErrCompile].
//
// The last stage is never run in a container. Its single artifact is read
// from the build stage and written into a deterministic one-file layer,
// which is placed on an empty root (scratch) or appended to a pulled base
// image. The resulting image is committed to the content store.
//
// Example usage:
//
//	b := build.NewBuilder(rt, cache.New(cache.NewFileStore(dir)))
//	result, err := b.Build(ctx, build.Options{
//	    Recipe:   r,
//	    Name:     "ligmir-1a2b3c4d",
//	    Image:    "ligship.local/ligmir:1a2b3c4d",
//	    Context:  ".",
//	    Platform: "linux/amd64",
//	})
//	if err != nil {
//	    return err
//	}
package build
