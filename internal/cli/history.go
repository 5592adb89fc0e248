package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ligmir/ligship/internal/ledger"
)

// Represents the 'ligship history' command.
type HistoryCmd struct {
	Limit int    `short:"n" default:"20" help:"Number of runs to show. 0 shows all."`
	ID    string `arg:"" optional:"" help:"Show one run in detail." placeholder:"RUN-ID"`
}

// Executes the history command.
func (c *HistoryCmd) Run(ctx context.Context) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}

	lg, err := ledger.Open(s.Ledger.Path)
	if err != nil {
		return err
	}
	defer lg.Close()

	if c.ID != "" {
		run, err := lg.Get(ctx, c.ID)
		if err != nil {
			return err
		}
		printRun(run)
		return nil
	}

	runs, err := lg.List(ctx, c.Limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tCOMMIT\tVARIANT\tSTATE\tCACHE")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			short(r.Commit),
			r.Variant,
			r.State,
			hitMiss(r.CacheHit),
		)
	}
	return w.Flush()
}

// Prints one run with its transitions and tags.
func printRun(r *ledger.Run) {
	fmt.Printf("run:      %s\n", r.ID)
	fmt.Printf("commit:   %s\n", r.Commit)
	fmt.Printf("variant:  %s\n", r.Variant)
	fmt.Printf("state:    %s\n", r.State)
	fmt.Printf("started:  %s\n", r.StartedAt.Local().Format(time.DateTime))
	if !r.FinishedAt.IsZero() {
		fmt.Printf("finished: %s\n", r.FinishedAt.Local().Format(time.DateTime))
	}
	if r.Digest != "" {
		fmt.Printf("digest:   %s\n", r.Digest)
	}
	if r.Error != "" {
		fmt.Printf("error:    %s\n", r.Error)
	}
	fmt.Printf("states:   %s\n", strings.Join(r.States, " -> "))
	for _, t := range r.Tags {
		pushed := "local"
		if t.Pushed {
			pushed = "pushed"
		}
		fmt.Printf("tag:      %s (%s)\n", t.Ref, pushed)
	}
}

// Returns the abbreviated form of a commit.
func short(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}
