package build

import "errors"

var (
	ErrBuild               = errors.New("build failed")
	ErrDependencies        = errors.New("dependency build failed")
	ErrCompile             = errors.New("compilation failed")
	ErrCopy                = errors.New("copy failed")
	ErrArtifact            = errors.New("invalid artifact")
	ErrFileSystemOperation = errors.New("file system operation failed")
)
