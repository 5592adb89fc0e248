// Package recipe describes multi-stage image builds.
//
// A recipe is an ordered list of stages. Every stage starts from a base image
// and runs a list of steps: shell commands, file copies, modifiers that set
// the shell, working directory, or environment for the steps that follow, and
// groups of nested steps. A group can carry a cache specification, which
// turns it into a memoized unit: the group's outputs are stored under a key
// derived from a fixed set of input files and replayed on later builds when
// the key is unchanged.
//
// All stages but the last are transient build stages. The last stage is the
// output image. It may only copy a single file out of an earlier stage and
// declare the entrypoint, so that nothing besides the artifact reaches the
// published image.
//
// Three built-in variants describe the ligmir image, differing only in the
// builder and runtime base images:
//
//	scratch  builder clux/muslrust, empty runtime root (default)
//	minimal  builder rust:alpine, runtime alpine
//	full     builder rust:bookworm, runtime debian:bookworm-slim
//
// Example usage:
//
//	r, err := recipe.Builtin(recipe.VariantScratch)
//	if err != nil {
//	    return err
//	}
//	fmt.Print(recipe.Dockerfile(r))
package recipe
