package recipe

import "fmt"

// Returns a label for a stage, preferring the name when available and falling
// back to the 1-based index.
func StageLabel(name string, index int) string {
	if name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("%d", index+1)
}
