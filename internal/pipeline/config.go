package pipeline

import (
	"regexp"
	"strings"

	"github.com/ligmir/ligship/internal/errs"
	"github.com/ligmir/ligship/internal/recipe"
	"github.com/ligmir/ligship/internal/runtime"
)

// Tag suffix of the moving reference.
const latestTag = "latest"

const (
	labelRevision = "org.opencontainers.image.revision"
	labelSource   = "org.opencontainers.image.source"
	labelVersion  = "org.opencontainers.image.version"
)

var (
	tagAllowed      = regexp.MustCompile(`^[a-z0-9_][a-z0-9_.-]{0,127}$`)
	pathComponent   = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*$`)
	registryAllowed = regexp.MustCompile(`^[a-zA-Z0-9.-]+(?::[0-9]+)?$`)
)

// Inputs of one pipeline run.
//
// A run works on its own copy; the configuration cannot change once the
// run has started.
type RunConfig struct {
	Commit     string         // Triggering commit. Empty resolves HEAD of the source.
	Source     string         // Source directory, or the clone destination when Remote is set.
	Remote     string         // Repository URL to clone. Empty builds Source in place.
	Registry   string         // Registry host.
	RegistryID string         // Registry identifier under the host.
	Repository string         // Repository under the registry identifier.
	TagPrefix  string         // Prefix of both tags.
	Variant    recipe.Variant // Built-in recipe.
	RecipePath string         // Recipe file used instead of the variant, relative to the source.
	Platform   string         // Target platform.
	Push       bool           // Push both references after tagging.
	Output     string         // OCI archive written after tagging. Empty skips the export.
}

// Checks that the configuration can produce valid references.
func (c RunConfig) Validate() error {
	if c.Registry == "" || !registryAllowed.MatchString(c.Registry) {
		return errs.Wrapf(ErrInvalidConfig, "registry %q", c.Registry)
	}
	for _, part := range []struct{ name, value string }{
		{"registry id", c.RegistryID},
		{"repository", c.Repository},
	} {
		if part.value == "" {
			return errs.Wrapf(ErrInvalidConfig, "missing %s", part.name)
		}
		for _, comp := range strings.Split(part.value, "/") {
			if !pathComponent.MatchString(comp) {
				return errs.Wrapf(ErrInvalidConfig, "%s %q", part.name, part.value)
			}
		}
	}
	if c.TagPrefix != "" && !validateTag(c.TagPrefix+latestTag) {
		return errs.Wrapf(ErrInvalidConfig, "tag prefix %q", c.TagPrefix)
	}
	if c.RecipePath == "" {
		if _, err := recipe.ParseVariant(string(c.Variant)); err != nil {
			return errs.Wrap(ErrInvalidConfig, err)
		}
	}
	return nil
}

// Returns the image repository without a tag.
func (c RunConfig) Repo() string {
	return c.Registry + "/" + c.RegistryID + "/" + c.Repository
}

// The two references of a run.
type Tags struct {
	SHA    string // Immutable commit reference.
	Latest string // Moving reference.
}

// Returns both references, SHA first.
func (t Tags) Refs() []string {
	return []string{t.SHA, t.Latest}
}

// Plans the references for commit.
//
//	<registry>/<registry-id>/<repository>:<prefix><commit>
//	<registry>/<registry-id>/<repository>:<prefix>latest
func PlanTags(c RunConfig, commit string) (Tags, error) {
	sha, err := c.ref(c.TagPrefix + commit)
	if err != nil {
		return Tags{}, err
	}
	latest, err := c.ref(c.TagPrefix + latestTag)
	if err != nil {
		return Tags{}, err
	}
	return Tags{SHA: sha, Latest: latest}, nil
}

// Builds and normalizes one reference.
func (c RunConfig) ref(tag string) (string, error) {
	tag = cleanTag(tag)
	if !validateTag(tag) {
		return "", errs.Wrapf(ErrInvalidConfig, "tag %q", tag)
	}

	ref := c.Repo() + ":" + tag
	normalized, err := runtime.NormalizeRef(ref)
	if err != nil {
		return "", errs.Wrap(ErrInvalidConfig, err)
	}
	if normalized != ref {
		return "", errs.Wrapf(ErrInvalidConfig, "reference %q is not fully qualified", ref)
	}
	return ref, nil
}

// Returns the provenance labels for the image config.
func (c RunConfig) labels(commit, version string) map[string]string {
	labels := map[string]string{
		labelRevision: commit,
		labelVersion:  version,
	}
	if c.Remote != "" {
		labels[labelSource] = c.Remote
	}
	return labels
}

// Normalizes a tag: lower case, separators replaced with hyphens, hyphen
// runs collapsed, and cut to the maximum tag length.
func cleanTag(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	s = strings.NewReplacer("/", "-", " ", "-").Replace(s)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	if len(s) > 128 {
		s = s[:128]
	}
	return s
}

func validateTag(tag string) bool {
	return tagAllowed.MatchString(tag)
}
