package recipe

import (
	"fmt"
	"strings"

	"github.com/ligmir/ligship/internal/errs"
)

// A parsed copy operation.
type Copy struct {
	Stage string // Source stage for cross-stage copies, empty for build-context copies.
	Src   string // Source path, in the build context or the source stage.
	Dest  string // Destination path, possibly relative to the working directory.
}

// Returns true if the copy reads from another stage.
func (c Copy) FromStage() bool {
	return c.Stage != ""
}

// Parses a copy string.
//
// The string has the format "src dest" for build-context copies, or
// "stage:src dest" for cross-stage copies.
func ParseCopy(s string) (Copy, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return Copy{}, errs.Wrapf(ErrInvalidCopy, "expected source and destination, got %q", s)
	}

	c := Copy{Src: parts[0], Dest: parts[1]}
	if stage, path, ok := parseStageSource(c.Src); ok {
		if path == "" {
			return Copy{}, errs.Wrapf(ErrInvalidCopy, "empty path for stage %q", stage)
		}
		c.Stage = stage
		c.Src = path
	}
	return c, nil
}

// Renders the copy back to its string form.
func (c Copy) String() string {
	if c.Stage != "" {
		return fmt.Sprintf("%s:%s %s", c.Stage, c.Src, c.Dest)
	}
	return c.Src + " " + c.Dest
}

// Parses a cross-stage copy source of the form "stage:path".
//
// Returns false for plain paths. A colon after a path separator is not a
// stage prefix (e.g. "/foo:bar").
func parseStageSource(src string) (stage, path string, ok bool) {
	i := strings.IndexByte(src, ':')
	if i < 1 {
		return "", "", false
	}
	if strings.ContainsRune(src[:i], '/') {
		return "", "", false
	}
	return src[:i], src[i+1:], true
}
