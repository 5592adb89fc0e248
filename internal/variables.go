package internal

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (

	// Program name, used for kong, log records, and path naming.
	Name = "ligship"

	// Placeholder for build metadata that was not recorded.
	defaultUndefined = "(undefined)"

	// Version string of a build with no release metadata.
	defaultLocalBuild = "(local)"

	// Branch whose builds omit the stage suffix.
	mainBranch = "main"

	// Length of abbreviated commit hashes.
	shortCommitLen = 8
)

// Set via -ldflags "-X" by release builds.
var (
	version   = "" // Version number (e.g., "1.2.3").
	stage     = "" // Git branch of the build (e.g., "staging", "main").
	gitCommit = "" // Git commit hash.

	rawQuiet   = "false" // Default for quiet mode.
	rawDebug   = "false" // Default for debug mode.
	rawVerbose = "false" // Default for source locations in log records.
)

// Release metadata resolved from linker flags, or from the module build info
// for binaries installed with go install.
type buildMeta struct {
	version string
	stage   string
	commit  string
}

// Returns the build metadata.
//
// Linker flags win when all three are set. Otherwise the module version and
// VCS revision recorded by the go command are used, with stage left empty.
func meta() buildMeta {
	m := buildMeta{
		version: strings.TrimSpace(version),
		stage:   strings.ToLower(strings.TrimSpace(stage)),
		commit:  strings.TrimSpace(gitCommit),
	}
	if m.version != "" && m.stage != "" && m.commit != "" {
		return m
	}

	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return buildMeta{}
	}

	m = buildMeta{version: info.Main.Version, stage: mainBranch}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			m.commit = s.Value
		}
	}
	return m
}

// Returns the version without a "v" prefix, or "(undefined)".
func Version() string {
	v := strings.TrimSpace(version)
	if v == "" {
		return defaultUndefined
	}
	return strings.TrimPrefix(strings.ToLower(v), "v")
}

// Returns the git branch the binary was built from, or "(undefined)".
func Stage() string {
	if s := strings.ToLower(strings.TrimSpace(stage)); s != "" {
		return s
	}
	return defaultUndefined
}

// Returns the git commit hash, or "(undefined)".
func GitCommit() string {
	if c := strings.TrimSpace(gitCommit); c != "" {
		return c
	}
	return defaultUndefined
}

// Returns the first eight characters of the commit hash, or "(undefined)".
func ShortCommit() string {
	return abbrev(GitCommit())
}

func abbrev(c string) string {
	if c == defaultUndefined || len(c) <= shortCommitLen {
		return c
	}
	return c[:shortCommitLen]
}

// Returns the build architecture.
func Arch() string {
	return runtime.GOARCH
}

// Returns true if the binary carries no release metadata.
func IsLocal() bool {
	return meta().version == ""
}

// Returns a detailed version string.
//
// Local builds report "(local)". Others are formatted as
// "<version>[+<stage>] <commit> [<arch>]", where the stage suffix is omitted
// for the main branch.
func VersionString() string {
	m := meta()
	if m.version == "" {
		return defaultLocalBuild
	}

	v := strings.TrimPrefix(strings.ToLower(m.version), "v")

	suffix := ""
	if m.stage != mainBranch {
		suffix = "+" + m.stage
	}

	commit := m.commit
	if commit == "" {
		commit = defaultUndefined
	}

	return fmt.Sprintf("%s%s %s [%s]", v, suffix, abbrev(commit), Arch())
}
