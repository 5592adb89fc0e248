package cli

import (
	"context"
	"fmt"

	"github.com/ligmir/ligship/internal/recipe"
)

// Represents the 'ligship dockerfile' command.
type DockerfileCmd struct {
	Variant string `default:"${variant}" help:"Built-in recipe (scratch, minimal, full)." placeholder:"NAME"`
	Recipe  string `help:"Recipe file to render instead of a built-in." placeholder:"PATH" type:"path"`
}

// Executes the dockerfile command.
func (c *DockerfileCmd) Run(ctx context.Context) error {
	var r *recipe.Recipe
	var err error
	if c.Recipe != "" {
		r, err = recipe.Load(c.Recipe)
	} else {
		var v recipe.Variant
		if v, err = recipe.ParseVariant(c.Variant); err == nil {
			r, err = recipe.Builtin(v)
		}
	}
	if err != nil {
		return err
	}

	fmt.Print(recipe.Dockerfile(r))
	return nil
}
