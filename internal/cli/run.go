package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ligmir/ligship/internal/pipeline"
	"github.com/ligmir/ligship/internal/protocol"
	"github.com/ligmir/ligship/internal/recipe"
)

// Represents the 'ligship run' command.
type RunCmd struct {
	Commit  string `help:"Commit to build. Defaults to GITHUB_SHA, then the source HEAD." placeholder:"SHA"`
	Source  string `help:"Source directory, or the clone destination when a remote is set." placeholder:"DIR" type:"path"`
	Variant string `help:"Built-in recipe (scratch, minimal, full)." placeholder:"NAME"`
	Recipe  string `help:"Recipe file overriding the variant." placeholder:"PATH" type:"path"`
	NoPush  bool   `help:"Build and tag without pushing."`
	Output  string `short:"o" help:"Write the tagged image as an OCI archive to PATH, or to <tag>.tar inside an existing directory." placeholder:"PATH" type:"path"`
	Daemon  bool   `help:"Submit the run to the daemon instead of running it in-process."`
	JSON    bool   `help:"Print the result as JSON."`
}

// Executes the run command.
//
// Runs the whole pipeline in-process, or hands it to the daemon with
// --daemon. The result is printed even when the run fails, so the failing
// state and any pushed references are visible.
func (c *RunCmd) Run(ctx context.Context) error {
	if c.Variant != "" {
		if _, err := recipe.ParseVariant(c.Variant); err != nil {
			return err
		}
	}

	s, err := loadSettings()
	if err != nil {
		return err
	}

	if c.Daemon {
		return c.submit(ctx, s.Daemon.Socket)
	}

	// Anonymous registry access is accepted only for runs that do not push.
	if c.NoPush {
		s.Registry.Push = false
	}

	p, closer, err := openPipeline(s)
	if err != nil {
		return err
	}
	defer closer()

	res, err := p.Run(ctx, c.apply(s.RunConfig()))
	if res != nil {
		c.print(&protocol.RunResult{
			RunID:    res.RunID,
			State:    string(res.State),
			Commit:   res.Commit,
			Refs:     res.Refs,
			Digest:   res.Digest.String(),
			CacheHit: res.CacheHit,
		})
	}
	return err
}

// Applies the command flags to the configured run.
func (c *RunCmd) apply(cfg pipeline.RunConfig) pipeline.RunConfig {
	if c.Commit != "" {
		cfg.Commit = c.Commit
	}
	if c.Source != "" {
		cfg.Source = c.Source
	}
	if c.Variant != "" {
		cfg.Variant = recipe.Variant(c.Variant)
	}
	if c.Recipe != "" {
		cfg.RecipePath = c.Recipe
	}
	if c.NoPush {
		cfg.Push = false
	}
	if c.Output != "" {
		cfg.Output = c.Output
	}
	return cfg
}

// Sends the run to the daemon.
func (c *RunCmd) submit(ctx context.Context, socket string) error {
	req := &protocol.RunRequest{
		Commit:  c.Commit,
		Source:  c.Source,
		Variant: c.Variant,
		Output:  c.Output,
	}
	if c.NoPush {
		push := false
		req.Push = &push
	}

	var res protocol.RunResult
	err := protocol.Call(ctx, socket, protocol.CmdRun, req, &res)
	if res.RunID != "" {
		c.print(&res)
	}
	return err
}

// Prints a run result.
func (c *RunCmd) print(res *protocol.RunResult) {
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
		return
	}

	fmt.Printf("run:    %s\n", res.RunID)
	fmt.Printf("state:  %s\n", res.State)
	if res.Commit != "" {
		fmt.Printf("commit: %s\n", res.Commit)
	}
	if res.Digest != "" {
		fmt.Printf("digest: %s\n", res.Digest)
	}
	fmt.Printf("cache:  %s\n", hitMiss(res.CacheHit))
	for _, ref := range res.Refs {
		fmt.Printf("ref:    %s\n", ref)
	}
}

func hitMiss(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
